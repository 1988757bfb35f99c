package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openmined/mirrorbox/internal/utils"
)

const lockFileName = ".mirrorbox.lock"

// LocalBackend serves a channel rooted at a filesystem directory. Writable
// instances hold a flock on the channel root so only one mirror run mutates
// a destination at a time.
type LocalBackend struct {
	root     string
	writable bool
	lock     *flock.Flock
}

func NewLocalBackend(root string, writable bool) (*LocalBackend, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}

	b := &LocalBackend{root: root, writable: writable}
	if !writable {
		if !utils.DirExists(root) {
			return nil, fmt.Errorf("channel directory %q does not exist", root)
		}
		return b, nil
	}

	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create channel directory: %w", err)
	}
	b.lock = flock.New(filepath.Join(root, lockFileName))
	locked, err := b.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock channel: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("channel %q is locked by another mirror run", root)
	}
	return b, nil
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	dir := b.fullPath(prefix)
	if !utils.DirExists(dir) {
		return nil, nil
	}

	var objects []*ObjectInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name() == lockFileName || strings.HasPrefix(d.Name(), tmpFilePrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, &ObjectInfo{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return objects, nil
}

func (b *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.fullPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

const tmpFilePrefix = ".mirrorbox-tmp-"

// Put writes to a temp file in the target directory, then renames it over the
// final path. A failed or interrupted write never leaves a partial object
// visible under key.
func (b *LocalBackend) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if !b.writable {
		return ErrReadOnlyBackend
	}

	dst := b.fullPath(key)
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tmpFilePrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish %q: %w", key, err)
	}
	return nil
}

func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	return utils.FileExists(b.fullPath(key)), nil
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	if !b.writable {
		return ErrReadOnlyBackend
	}
	err := os.Remove(b.fullPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *LocalBackend) ReadOnly() bool {
	return !b.writable
}

// Close releases the channel lock held by writable instances.
func (b *LocalBackend) Close() error {
	if b.lock == nil {
		return nil
	}
	return b.lock.Unlock()
}

var _ Backend = (*LocalBackend)(nil)
