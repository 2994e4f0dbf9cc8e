package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DiskBlobs stores uploaded files under a root directory. It stands in for
// object storage when running without MinIO.
type DiskBlobs struct {
	root string
}

// NewDiskBlobs creates root if needed. An empty root uses a directory under
// os.TempDir.
func NewDiskBlobs(root string) (*DiskBlobs, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "docflow")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DiskBlobs{root: root}, nil
}

// UploadRaw writes the reader to objectKey below the root.
func (d *DiskBlobs) UploadRaw(_ context.Context, objectKey string, reader io.Reader, _ int64, _ string) error {
	path, err := d.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, reader); err != nil {
		os.Remove(path)
		return fmt.Errorf("write object: %w", err)
	}
	return nil
}

// DownloadRaw reads the stored bytes for objectKey.
func (d *DiskBlobs) DownloadRaw(_ context.Context, objectKey string) ([]byte, error) {
	path, err := d.path(objectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (d *DiskBlobs) path(objectKey string) (string, error) {
	clean := filepath.Clean("/" + objectKey)
	path := filepath.Join(d.root, clean)
	if !strings.HasPrefix(path, filepath.Clean(d.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("object key %q escapes blob root", objectKey)
	}
	return path, nil
}
