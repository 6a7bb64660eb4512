package blob

import (
	"context"
	"io"

	"github.com/italolelis/onetimeshare/internal/telemetry"
)

// InstrumentedBackend wraps a Backend with spans and operation metrics.
type InstrumentedBackend struct {
	backend   Backend
	kind      string
	telemetry *telemetry.Telemetry
}

func NewInstrumentedBackend(backend Backend, kind string, tel *telemetry.Telemetry) *InstrumentedBackend {
	return &InstrumentedBackend{backend: backend, kind: kind, telemetry: tel}
}

func (b *InstrumentedBackend) Save(ctx context.Context, r io.Reader, ext string) (string, int64, error) {
	var (
		location string
		size     int64
	)

	err := b.telemetry.InstrumentBlobOperation(ctx, b.kind, "save", func(ctx context.Context) error {
		var err error
		location, size, err = b.backend.Save(ctx, r, ext)
		return err
	})

	return location, size, err
}

func (b *InstrumentedBackend) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	var rc io.ReadCloser

	err := b.telemetry.InstrumentBlobOperation(ctx, b.kind, "open", func(ctx context.Context) error {
		var err error
		rc, err = b.backend.Open(ctx, location)
		return err
	})

	return rc, err
}

func (b *InstrumentedBackend) Delete(ctx context.Context, location string) error {
	return b.telemetry.InstrumentBlobOperation(ctx, b.kind, "delete", func(ctx context.Context) error {
		return b.backend.Delete(ctx, location)
	})
}

func (b *InstrumentedBackend) Exists(ctx context.Context, location string) (bool, error) {
	var exists bool

	err := b.telemetry.InstrumentBlobOperation(ctx, b.kind, "exists", func(ctx context.Context) error {
		var err error
		exists, err = b.backend.Exists(ctx, location)
		return err
	})

	return exists, err
}

func (b *InstrumentedBackend) Walk(ctx context.Context, fn WalkFunc) error {
	return b.telemetry.InstrumentBlobOperation(ctx, b.kind, "walk", func(ctx context.Context) error {
		return b.backend.Walk(ctx, fn)
	})
}
