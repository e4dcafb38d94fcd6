package mirror

import (
	"io"
	"sync/atomic"
)

// ProgressSink receives progress and status updates for a sync run.
// Implementations must return quickly and must not fail.
type ProgressSink interface {
	SetStatus(text string)
	SetTotalProgress(fraction float64)
	SetCurrentProgress(fraction float64)
}

// NopProgress discards all progress updates.
type NopProgress struct{}

func (NopProgress) SetStatus(string)           {}
func (NopProgress) SetTotalProgress(float64)   {}
func (NopProgress) SetCurrentProgress(float64) {}

// StopRequester is polled between units of work. A true answer stops the run
// at the next poll point without aborting work already in flight.
type StopRequester interface {
	IsStopRequested() bool
}

// StopFlag is a StopRequester that is tripped once and stays tripped.
// The zero value is ready to use and safe for concurrent use.
type StopFlag struct {
	stopped atomic.Bool
}

// Request trips the flag.
func (f *StopFlag) Request() { f.stopped.Store(true) }

func (f *StopFlag) IsStopRequested() bool { return f.stopped.Load() }

func stopRequested(s StopRequester) bool {
	return s != nil && s.IsStopRequested()
}

// progressReader reports the fraction of total bytes read so far.
type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(sent, total int64)
}

func newProgressReader(r io.Reader, total int64, report func(sent, total int64)) io.Reader {
	if report == nil {
		return r
	}
	return &progressReader{r: r, total: total, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.report(p.read, p.total)
	}
	return n, err
}

// fraction converts a done/total pair into [0,1]. An empty total counts as done.
func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}
