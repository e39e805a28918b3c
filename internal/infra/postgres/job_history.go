package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS frame_jobs (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	tab_id        INTEGER NOT NULL DEFAULT 0,
	video_url     TEXT NOT NULL,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	frame_count   INTEGER NOT NULL DEFAULT 0,
	archive_key   TEXT NOT NULL DEFAULT '',
	settings      JSONB NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
)`

// JobHistory keeps an audit row per job. The in-memory store stays authoritative.
type JobHistory struct {
	pool *pgxpool.Pool
}

func NewJobHistory(pool *pgxpool.Pool) *JobHistory {
	return &JobHistory{pool: pool}
}

func (h *JobHistory) EnsureSchema(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create frame_jobs: %w", err)
	}
	return nil
}

func (h *JobHistory) Record(ctx context.Context, job *entity.Job) error {
	settings, err := json.Marshal(job.Payload.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	var frameCount int
	var archiveKey string
	if job.Result != nil {
		frameCount = len(job.Result.Frames)
		archiveKey = job.Result.ArchiveKey
	}

	query := `
		INSERT INTO frame_jobs (
			id, kind, tab_id, video_url, status, progress, frame_count,
			archive_key, settings, error_message, created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status, progress=EXCLUDED.progress,
			frame_count=EXCLUDED.frame_count, archive_key=EXCLUDED.archive_key,
			error_message=EXCLUDED.error_message, updated_at=EXCLUDED.updated_at,
			completed_at=EXCLUDED.completed_at`

	_, err = h.pool.Exec(ctx, query,
		job.ID, string(job.Kind), job.Payload.TabID, job.Payload.Video.URL,
		string(job.Status), job.Progress, frameCount, archiveKey, settings,
		job.Error, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// Find returns the stored row without frames; the result only carries counts.
func (h *JobHistory) Find(ctx context.Context, id string) (*entity.Job, int, error) {
	query := `
		SELECT id, kind, tab_id, video_url, status, progress, frame_count,
			archive_key, settings, error_message, created_at, updated_at, completed_at
		FROM frame_jobs WHERE id=$1`

	job := &entity.Job{Result: &entity.ExtractionResult{}}
	var kind, status string
	var frameCount int
	var settings []byte
	err := h.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &kind, &job.Payload.TabID, &job.Payload.Video.URL, &status,
		&job.Progress, &frameCount, &job.Result.ArchiveKey, &settings,
		&job.Error, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("find job by id: %w", err)
	}
	if err := json.Unmarshal(settings, &job.Payload.Settings); err != nil {
		return nil, 0, fmt.Errorf("unmarshal settings: %w", err)
	}
	job.Kind = entity.JobKind(kind)
	job.Status = entity.JobStatus(status)
	return job, frameCount, nil
}
