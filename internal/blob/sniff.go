package blob

import (
	"bufio"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

const sniffLen = 3072

// SniffContentType detects the media type from the first bytes of r. The
// returned reader replays those bytes, so callers must read from it instead of r.
func SniffContentType(r io.Reader) (string, io.Reader) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)

	return mimetype.Detect(head).String(), br
}
