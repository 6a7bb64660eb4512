package custody

import (
	"errors"
	"fmt"
)

var (
	ErrMissingOwner = errors.New("owner id is required")
	ErrInvalidName  = errors.New("file name is required")
	ErrMissingBody  = errors.New("content stream is required")
)

// IntegrityError reports a live record whose blob is gone. It is logged and
// alerted on, never returned to a downloader.
type IntegrityError struct {
	RecordID string
	Location string
	Err      error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity anomaly: record %s references missing blob %s", e.RecordID, e.Location)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
