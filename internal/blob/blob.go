// Package blob stores the raw bytes of shared files. Backends hand out opaque
// relative locations of the form files/<shard>/<uuid><ext> and never accept a
// caller-chosen name, so a location can never escape the storage root.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	locationPrefix   = "files/"
	defaultExtension = ".bin"
	maxExtensionLen  = 10
	tempSuffix       = ".tmp"
)

// ErrNotFound is returned (wrapped in a StorageError) when a location holds no blob.
var ErrNotFound = errors.New("blob not found")

// WalkFunc is called once per stored object.
type WalkFunc func(location string, modTime time.Time) error

// Backend is a flat object store keyed by generated locations.
type Backend interface {
	// Save streams r to a new location and returns it with the byte count.
	// A failed Save leaves nothing behind.
	Save(ctx context.Context, r io.Reader, ext string) (location string, size int64, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Delete is idempotent: a missing blob is logged and reported as success.
	Delete(ctx context.Context, location string) error
	Exists(ctx context.Context, location string) (bool, error)
	Walk(ctx context.Context, fn WalkFunc) error
}

// StorageError wraps a failed backend operation.
type StorageError struct {
	Op       string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("blob %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blob %s failed for %s: %v", e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NormalizeExtension keeps short alphanumeric extensions and maps everything
// else to ".bin".
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || len(ext) > maxExtensionLen {
		return defaultExtension
	}

	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return defaultExtension
		}
	}

	return "." + ext
}

func newLocation(ext string) string {
	id := uuid.NewString()
	return locationPrefix + id[:2] + "/" + id + NormalizeExtension(ext)
}

// IsTemporary reports whether location names an in-progress (or abandoned) save.
func IsTemporary(location string) bool {
	return strings.HasSuffix(location, tempSuffix)
}

func validateLocation(location string) error {
	switch {
	case location == "":
		return errors.New("empty location")
	case path.IsAbs(location), strings.Contains(location, `\`):
		return fmt.Errorf("location %q is not a relative slash path", location)
	case path.Clean(location) != location:
		return fmt.Errorf("location %q is not clean", location)
	case !strings.HasPrefix(location, locationPrefix):
		return fmt.Errorf("location %q is outside the files area", location)
	}

	return nil
}
