package testutil

import "sync"

// RecordingProgress is a ProgressSink that remembers every status line and
// the last progress fractions it was given.
type RecordingProgress struct {
	mu       sync.Mutex
	statuses []string
	total    float64
	current  float64
}

func NewRecordingProgress() *RecordingProgress {
	return &RecordingProgress{}
}

func (p *RecordingProgress) SetStatus(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, text)
}

func (p *RecordingProgress) SetTotalProgress(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = fraction
}

func (p *RecordingProgress) SetCurrentProgress(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = fraction
}

// Statuses returns a copy of the status lines received so far.
func (p *RecordingProgress) Statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statuses...)
}

// LastStatus returns the most recent status line, or "" if none was set.
func (p *RecordingProgress) LastStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return ""
	}
	return p.statuses[len(p.statuses)-1]
}

// Total returns the last overall progress fraction.
func (p *RecordingProgress) Total() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
