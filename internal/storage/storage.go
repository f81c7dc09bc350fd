// Package storage moves finished containers to and from a storage location.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for remote names that are absolute or leave
// the storage root.
var ErrInvalidName = errors.New("invalid remote name")

// Backend stores containers under remote names.
type Backend interface {
	Put(ctx context.Context, local, remote string) error
	Get(ctx context.Context, remote, local string) error
}

// LocalBackend stores containers in a directory.
type LocalBackend struct {
	Root string
}

// NewLocalBackend creates the root directory if needed.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalBackend{Root: root}, nil
}

func (b *LocalBackend) resolve(remote string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(remote, "\\", "/"))
	if remote == "" || path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, remote)
	}
	return filepath.Join(b.Root, filepath.FromSlash(clean)), nil
}

// Put copies local to remote. The copy appears under its final name only
// once complete.
func (b *LocalBackend) Put(ctx context.Context, local, remote string) error {
	dst, err := b.resolve(remote)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return copyFile(ctx, local, dst)
}

// Get copies remote to local.
func (b *LocalBackend) Get(ctx context.Context, remote, local string) error {
	src, err := b.resolve(remote)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	return copyFile(ctx, src, local)
}

// copyFile copies src to a temporary file next to dst, syncs it and renames
// it into place.
func copyFile(ctx context.Context, src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: sourceFile}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
