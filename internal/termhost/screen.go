// Package termhost runs a child process on a local PTY and renders its
// output through a virtual terminal. Callers get the same line-oriented
// view of the child's screen that a tmux capture-pane gives the
// supervisor, so the pane state classifier works unchanged on embedded
// processes.
package termhost

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// Default terminal dimensions, matching a standard tmux pane.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Screen is a virtual terminal fed with raw PTY bytes. It is safe for
// concurrent use; the host's pump goroutine writes while callers render.
type Screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

// NewScreen creates a screen of the given size. Non-positive dimensions
// fall back to the defaults.
func NewScreen(cols, rows int) *Screen {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds raw output bytes, escape sequences included, to the
// emulator.
func (s *Screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
}

// Resize changes the emulated terminal size.
func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
}

// Size returns the current dimensions.
func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Lines renders the visible rows. Each line is right-trimmed and trailing
// blank lines are dropped, matching what a tmux capture of the same
// screen returns.
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, s.rows)
	for row := 0; row < s.rows; row++ {
		chars := make([]rune, 0, s.cols)
		for col := 0; col < s.cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Text returns the rendered screen as one newline-joined string, the
// shape the pane state classifier consumes.
func (s *Screen) Text() string {
	return strings.Join(s.Lines(), "\n")
}
