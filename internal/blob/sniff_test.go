package blob

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	contentType, r := SniffContentType(bytes.NewReader(png))
	assert.Equal(t, "image/png", contentType)

	replayed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, png, replayed)
}

func TestSniffContentType_PlainText(t *testing.T) {
	contentType, r := SniffContentType(strings.NewReader("hello world"))
	assert.True(t, strings.HasPrefix(contentType, "text/plain"))

	replayed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(replayed))
}

func TestProgressReader_ReportsByInterval(t *testing.T) {
	var reports []int64

	pr := NewProgressReader(bytes.NewReader(make([]byte, 100)), 0, 30, func(written, _ int64) {
		reports = append(reports, written)
	})

	buf := make([]byte, 10)
	for {
		if _, err := pr.Read(buf); err == io.EOF {
			break
		}
	}

	assert.Equal(t, []int64{30, 60, 90}, reports)
	assert.Equal(t, int64(100), pr.BytesRead())
}
