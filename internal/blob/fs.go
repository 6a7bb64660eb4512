package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/italolelis/onetimeshare/internal/logctx"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// FileSystem stores blobs under a root directory. Writes go to a temporary
// sibling, are synced, and then renamed into place.
type FileSystem struct {
	fs afero.Fs
}

// NewFileSystem roots a backend at dir on the local disk, creating it if needed.
func NewFileSystem(dir string) (*FileSystem, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &StorageError{Op: "init", Location: dir, Err: err}
	}

	return NewFileSystemFromFs(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewFileSystemFromFs uses fsys as the storage root.
func NewFileSystemFromFs(fsys afero.Fs) *FileSystem {
	return &FileSystem{fs: fsys}
}

func (b *FileSystem) Save(ctx context.Context, r io.Reader, ext string) (string, int64, error) {
	location := newLocation(ext)
	tmp := location + tempSuffix

	if err := b.fs.MkdirAll(path.Dir(location), dirPerm); err != nil {
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}

	f, err := b.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}

	size, err := io.Copy(f, uploadReader(ctx, r, location))
	if err == nil {
		err = f.Sync()
	}

	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = b.fs.Rename(tmp, location)
	}

	if err != nil {
		b.discard(ctx, tmp)
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}

	return location, size, nil
}

func (b *FileSystem) discard(ctx context.Context, name string) {
	if err := b.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial blob", "location", name, "err", err)
	}
}

func (b *FileSystem) Open(_ context.Context, location string) (io.ReadCloser, error) {
	if err := validateLocation(location); err != nil {
		return nil, &StorageError{Op: "open", Location: location, Err: err}
	}

	f, err := b.fs.Open(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &StorageError{Op: "open", Location: location, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Location: location, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Op: "open", Location: location, Err: err}
	}

	if info.IsDir() {
		f.Close()
		return nil, &StorageError{Op: "open", Location: location, Err: ErrNotFound}
	}

	return f, nil
}

func (b *FileSystem) Delete(ctx context.Context, location string) error {
	if err := validateLocation(location); err != nil {
		return &StorageError{Op: "delete", Location: location, Err: err}
	}

	err := b.fs.Remove(location)
	if errors.Is(err, fs.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "attempted to delete non-existent blob", "location", location)
		return nil
	}
	if err != nil {
		return &StorageError{Op: "delete", Location: location, Err: err}
	}

	return nil
}

func (b *FileSystem) Exists(_ context.Context, location string) (bool, error) {
	if err := validateLocation(location); err != nil {
		return false, &StorageError{Op: "exists", Location: location, Err: err}
	}

	info, err := b.fs.Stat(location)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "exists", Location: location, Err: err}
	}

	return !info.IsDir(), nil
}

// Walk visits every regular file under the files area, including leftover
// temporary files from interrupted saves.
func (b *FileSystem) Walk(ctx context.Context, fn WalkFunc) error {
	root := strings.TrimSuffix(locationPrefix, "/")

	err := afero.Walk(b.fs, root, func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if info.IsDir() {
			return nil
		}

		return fn(filepath.ToSlash(name), info.ModTime())
	})
	if err != nil {
		return &StorageError{Op: "walk", Err: fmt.Errorf("walking %s: %w", root, err)}
	}

	return nil
}
