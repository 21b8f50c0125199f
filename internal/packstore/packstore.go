// Package packstore fetches publication packs from object storage so they
// can be verified locally. A pack is a flat prefix in the packs bucket whose
// objects mirror the pack directory layout, pack_manifest.json included.
package packstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ObjectClient is the slice of the MinIO client the fetcher needs.
type ObjectClient interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

// MinIOClient adapts a *minio.Client to the ObjectClient interface.
type MinIOClient struct {
	Client *minio.Client
}

func (m MinIOClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return m.Client.ListObjects(ctx, bucket, opts)
}

func (m MinIOClient) GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return m.Client.GetObject(ctx, bucket, object, opts)
}

// Fetcher downloads packs from a bucket into local directories.
type Fetcher struct {
	client ObjectClient
	bucket string
	logger *slog.Logger
}

func NewFetcher(client ObjectClient, bucket string, logger *slog.Logger) (*Fetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("packstore: object client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("packstore: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, bucket: bucket, logger: logger}, nil
}

// FetchPack downloads every object under packID's prefix into destDir,
// preserving the relative layout. Object keys that would escape destDir are
// rejected rather than sanitized.
func (f *Fetcher) FetchPack(ctx context.Context, packID, destDir string) (int, error) {
	packID = strings.Trim(strings.TrimSpace(packID), "/")
	if packID == "" {
		return 0, fmt.Errorf("packstore: pack id is required")
	}
	if strings.TrimSpace(destDir) == "" {
		return 0, fmt.Errorf("packstore: destination directory is required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}

	prefix := packID + "/"
	n := 0
	for info := range f.client.ListObjects(ctx, f.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return n, fmt.Errorf("list pack %s: %w", packID, info.Err)
		}
		rel := strings.TrimPrefix(info.Key, prefix)
		if rel == "" || strings.HasSuffix(info.Key, "/") {
			continue
		}
		if err := f.fetchObject(ctx, info.Key, rel, destDir); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("packstore: pack %s has no objects", packID)
	}
	f.logger.Info("pack fetched", "pack_id", packID, "bucket", f.bucket, "n_objects", n, "dest", destDir)
	return n, nil
}

func (f *Fetcher) fetchObject(ctx context.Context, key, rel, destDir string) error {
	local, err := securePath(destDir, rel)
	if err != nil {
		return err
	}
	obj, err := f.client.GetObject(ctx, f.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	out, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	if _, err := io.Copy(out, obj); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", rel, err)
	}
	return nil
}

// securePath maps an object-relative key to a local path, refusing keys that
// resolve outside the destination root.
func securePath(destDir, rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("packstore: unsafe object path %q", rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("packstore: unsafe object path %q", rel)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if clean == "" {
		return "", fmt.Errorf("packstore: empty object path %q", rel)
	}
	return filepath.Join(destDir, filepath.FromSlash(clean)), nil
}
