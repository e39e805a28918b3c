package minio

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	TempDir   string
}

// FrameArchive uploads zipped frame bundles, one object per job.
type FrameArchive struct {
	client  *miniogo.Client
	bucket  string
	tempDir string
	logger  *zap.Logger
}

func NewFrameArchive(cfg ArchiveConfig, logger *zap.Logger) (*FrameArchive, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &FrameArchive{
		client:  client,
		bucket:  cfg.Bucket,
		tempDir: cfg.TempDir,
		logger:  logger,
	}, nil
}

func (a *FrameArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// ArchiveFrames zips the frames into a temp file and uploads it. The returned key is bucket-relative.
func (a *FrameArchive) ArchiveFrames(ctx context.Context, jobID string, frames []entity.Frame) (string, error) {
	tmp, err := os.CreateTemp(a.tempDir, "frames-*.zip")
	if err != nil {
		return "", fmt.Errorf("create zip file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := WriteZip(ctx, tmp, frames); err != nil {
		return "", fmt.Errorf("write zip: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return "", fmt.Errorf("stat zip: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind zip: %w", err)
	}

	key := path.Join("jobs", jobID, "frames.zip")
	_, err = a.client.PutObject(ctx, a.bucket, key, tmp, info.Size(), miniogo.PutObjectOptions{
		ContentType: "application/zip",
		UserMetadata: map[string]string{
			"job-id":      jobID,
			"frame-count": fmt.Sprint(len(frames)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload zip: %w", err)
	}

	a.logger.Info("frames archived",
		zap.String("job_id", jobID),
		zap.String("object_key", key),
		zap.Int64("size_bytes", info.Size()),
	)
	return key, nil
}
