package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStore keeps installer log archives uploaded by failed kickstarts.
type LogStore interface {
	// Put stores data under key and returns where it ended up.
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// logKey is "<zero padded id>/logs-<unix seconds>.tbz".
func logKey(id int64, unix int64) string {
	return fmt.Sprintf("%08d/logs-%d.tbz", id, unix)
}

// DirLogs writes archives below a base directory.
type DirLogs struct {
	Base string
}

func (d DirLogs) Put(_ context.Context, key string, data []byte) (string, error) {
	if d.Base == "" {
		return "", errors.New("logs: base directory is required")
	}
	if filepath.IsAbs(key) || strings.Contains(key, "..") {
		return "", fmt.Errorf("logs: invalid key %q", key)
	}
	dest := filepath.Join(d.Base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ObjectPutter is the subset of the S3 client used for logs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// BucketLogs writes archives to an S3 compatible bucket.
type BucketLogs struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

func (b BucketLogs) Put(ctx context.Context, key string, data []byte) (string, error) {
	if b.Client == nil || b.Bucket == "" {
		return "", errors.New("logs: s3 client and bucket are required")
	}
	full := key
	if b.Prefix != "" {
		full = strings.TrimSuffix(b.Prefix, "/") + "/" + key
	}
	if err := b.Client.PutObject(ctx, b.Bucket, full, data, "application/x-bzip2"); err != nil {
		return "", fmt.Errorf("upload %s: %w", full, err)
	}
	return "s3://" + b.Bucket + "/" + full, nil
}
