package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// writerIsTTY reports whether the writer exposes a terminal fd. Plain
// io.Writer values such as *bytes.Buffer are never terminals.
func writerIsTTY(w io.Writer) bool {
	type fder interface {
		Fd() uintptr
	}
	if f, ok := w.(fder); ok {
		return isatty.IsTerminal(f.Fd())
	}
	return false
}

// ProgressBar tracks progress through a transaction's operations.
// Example: [=========>          ]  45% (5/11) merging app-editors/vim
// Safe for concurrent use; the build pool reports from its workers.
type ProgressBar struct {
	mu      sync.Mutex
	total   int
	current int
	label   string
	width   int
	writer  io.Writer
}

// NewProgress creates a progress bar over total steps.
func NewProgress(total int) *ProgressBar {
	return &ProgressBar{
		total:  total,
		width:  30,
		writer: os.Stdout,
	}
}

// SetWriter redirects output, useful in tests.
func (p *ProgressBar) SetWriter(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = w
}

// Step advances the bar by one and updates the label to the step's
// subject.
func (p *ProgressBar) Step(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current++
	if p.current > p.total {
		p.current = p.total
	}
	p.label = label
	p.render()
}

// Finish completes the bar and terminates the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	alreadyDone := p.current == p.total
	p.current = p.total

	if writerIsTTY(p.writer) {
		p.render()
		fmt.Fprintln(p.writer)
		return
	}
	// Non-TTY render only emits on completion; avoid a duplicate line.
	if !alreadyDone {
		p.render()
	}
}

// render draws the bar. Caller holds the lock.
func (p *ProgressBar) render() {
	percent := 0
	filled := 0
	if p.total > 0 {
		percent = (p.current * 100) / p.total
		filled = (p.current * p.width) / p.total
	}

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < p.width; i++ {
		switch {
		case i < filled-1:
			bar.WriteString("=")
		case i == filled-1:
			bar.WriteString(">")
		default:
			bar.WriteString(" ")
		}
	}
	bar.WriteString("]")

	line := fmt.Sprintf("%s %3d%% (%d/%d) %s", bar.String(), percent, p.current, p.total, p.label)

	if writerIsTTY(p.writer) {
		// Overwrite in place, padding over any longer previous label.
		fmt.Fprintf(p.writer, "\r%-100s", line)
		return
	}
	if p.current == p.total {
		fmt.Fprintln(p.writer, line)
	}
}
