package minio

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

// WriteZip bundles the frames' local files into w in index order.
func WriteZip(ctx context.Context, w io.Writer, frames []entity.Frame) error {
	zw := zip.NewWriter(w)

	for _, f := range frames {
		select {
		case <-ctx.Done():
			zw.Close()
			return ctx.Err()
		default:
		}

		path, ok := localPath(f.URI)
		if !ok {
			zw.Close()
			return fmt.Errorf("frame %d: %q is not a local file", f.Index, f.URI)
		}
		name := fmt.Sprintf("frame_%04d%s", f.Index, filepath.Ext(path))
		if err := addFileToZip(zw, path, name); err != nil {
			zw.Close()
			return fmt.Errorf("add %s to zip: %w", path, err)
		}
	}

	return zw.Close()
}

func localPath(uri string) (string, bool) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return strings.TrimPrefix(uri, "file://"), true
	case strings.Contains(uri, "://"), strings.HasPrefix(uri, "data:"), uri == "":
		return "", false
	}
	return uri, true
}

func addFileToZip(zw *zip.Writer, filename, name string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}
