package blob

import "io"

// ProgressReader wraps an io.Reader and reports progress via a callback every
// reportInterval bytes, and once when five percent of a known Total is crossed.
type ProgressReader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64)
	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func NewProgressReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		crossedFivePercent := pr.Total > 0 &&
			pr.totalRead*100/pr.Total >= 5 &&
			(pr.totalRead-int64(n))*100/pr.Total < 5

		if pr.lastReport >= pr.reportInterval || crossedFivePercent {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}
	return n, err
}

// BytesRead returns how many bytes have passed through so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.totalRead
}
