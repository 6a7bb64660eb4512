package custody

import (
	"io"
	"sync"
)

// OutcomeKind classifies a consume attempt.
type OutcomeKind int

const (
	OutcomeNotFound OutcomeKind = iota
	OutcomeSuccess
	OutcomeAlreadyUsed
	OutcomeExpired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyUsed:
		return "already_used"
	case OutcomeExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// Outcome is the result of Consume. Download is set only for OutcomeSuccess.
type Outcome struct {
	Kind     OutcomeKind
	Download *Download
}

// Download streams the consumed file. Closing Body schedules deletion of the blob.
type Download struct {
	Body        io.ReadCloser
	Name        string
	ContentType string
	Size        int64
}

// releasingBody runs release once, after the underlying stream is closed.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
