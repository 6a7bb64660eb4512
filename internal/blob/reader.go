package blob

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/onetimeshare/internal/logctx"
)

const progressInterval = 64 << 20

// contextReader stops a copy as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// uploadReader wraps r for a Save: cancellable and logging progress on large uploads.
func uploadReader(ctx context.Context, r io.Reader, location string) io.Reader {
	logger := logctx.LoggerFromContext(ctx)

	return NewProgressReader(&contextReader{ctx: ctx, r: r}, 0, progressInterval, func(written, _ int64) {
		logger.DebugContext(ctx, "upload progress",
			"location", location,
			"written", humanize.IBytes(uint64(written)),
		)
	})
}
