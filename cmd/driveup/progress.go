package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// consoleProgress prints status lines and, on a terminal, a percentage that
// is redrawn in place.
type consoleProgress struct {
	mu      sync.Mutex
	w       io.Writer
	prefix  string
	tty     bool
	total   int
	current int
	drawn   bool
}

func newConsoleProgress(w io.Writer, job string) *consoleProgress {
	p := &consoleProgress{w: w, total: -1, current: -1}
	if job != "" {
		p.prefix = "[" + job + "] "
	}
	if f, ok := w.(*os.File); ok {
		p.tty = isatty.IsTerminal(f.Fd())
	}
	return p
}

func (p *consoleProgress) SetStatus(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	fmt.Fprintf(p.w, "%s%s\n", p.prefix, text)
}

func (p *consoleProgress) SetTotalProgress(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct := percent(fraction); pct != p.total {
		p.total = pct
		p.redraw()
	}
}

func (p *consoleProgress) SetCurrentProgress(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct := percent(fraction); pct != p.current {
		p.current = pct
		p.redraw()
	}
}

// redraw rewrites the progress line. Callers hold p.mu.
func (p *consoleProgress) redraw() {
	if !p.tty {
		return
	}
	fmt.Fprintf(p.w, "\r%sfile %3d%%  total %3d%%", p.prefix, max(p.current, 0), max(p.total, 0))
	p.drawn = true
}

// endLine moves past a drawn progress line. Callers hold p.mu.
func (p *consoleProgress) endLine() {
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

func percent(fraction float64) int {
	switch {
	case fraction <= 0:
		return 0
	case fraction >= 1:
		return 100
	}
	return int(fraction * 100)
}
