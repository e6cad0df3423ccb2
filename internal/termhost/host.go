package termhost

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
)

// closeGrace is how long Close waits for the child to exit after its PTY
// is closed before escalating to SIGKILL.
const closeGrace = 2 * time.Second

// Host runs a command attached to a PTY and mirrors its output onto a
// Screen. It stands in for a tmux pane when no tmux server is available:
// headless tests and the mock agent harness drive agents through it and
// classify pane state from ScreenLines.
type Host struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	screen *Screen
	logger *logger.Logger

	stopOnce sync.Once
	pumpDone chan struct{}
	waitDone chan struct{}
	waitErr  error
}

// Start launches cmd on a new PTY sized cols x rows and begins pumping
// its output. The command must not have Stdin/Stdout/Stderr set.
func Start(cmd *exec.Cmd, cols, rows int, log *logger.Logger) (*Host, error) {
	if log == nil {
		log = logger.Default()
	}
	screen := NewScreen(cols, rows)
	c, r := screen.Size()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(c), Rows: uint16(r)})
	if err != nil {
		return nil, fmt.Errorf("failed to start command on pty: %w", err)
	}

	h := &Host{
		cmd:      cmd,
		ptmx:     ptmx,
		screen:   screen,
		logger:   log.WithFields(zap.String("component", "termhost"), zap.Int("pid", cmd.Process.Pid)),
		pumpDone: make(chan struct{}),
		waitDone: make(chan struct{}),
	}

	go h.pump()
	go h.wait()

	h.logger.Debug("pty host started", zap.String("path", cmd.Path))
	return h, nil
}

// pump copies PTY output into the screen until the PTY closes. Reads fail
// with EIO once the child side is gone; any error ends the pump.
func (h *Host) pump() {
	defer close(h.pumpDone)

	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.screen.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (h *Host) wait() {
	h.waitErr = h.cmd.Wait()
	close(h.waitDone)
}

// Screen returns the virtual terminal mirroring the child's output.
func (h *Host) Screen() *Screen {
	return h.screen
}

// ScreenLines renders the current screen contents, one string per
// non-blank row.
func (h *Host) ScreenLines() []string {
	return h.screen.Lines()
}

// ScreenText returns the rendered screen as a single string.
func (h *Host) ScreenText() string {
	return h.screen.Text()
}

// WriteInput sends raw bytes to the child's input.
func (h *Host) WriteInput(data []byte) error {
	_, err := h.ptmx.Write(data)
	return err
}

// SendLine writes text followed by a carriage return, the byte a terminal
// Enter produces.
func (h *Host) SendLine(text string) error {
	return h.WriteInput([]byte(text + "\r"))
}

// Resize changes both the PTY and the screen dimensions.
func (h *Host) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	h.screen.Resize(cols, rows)
	return nil
}

// Wait blocks until the child exits or ctx is done. It returns the
// child's exit error once available.
func (h *Host) Wait(ctx context.Context) error {
	select {
	case <-h.waitDone:
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the child down and reclaims both goroutines. Closing the
// PTY delivers SIGHUP; a child that ignores it is killed after a short
// grace period. Close is idempotent.
func (h *Host) Close() error {
	h.stopOnce.Do(func() {
		_ = h.ptmx.Close()

		select {
		case <-h.waitDone:
		case <-time.After(closeGrace):
			h.logger.Warn("child ignored hangup, killing")
			if h.cmd.Process != nil {
				_ = h.cmd.Process.Kill()
			}
			<-h.waitDone
		}
		<-h.pumpDone
	})
	return nil
}
