package integration

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/termhost"
)

// TestDetectorOverPTY walks the detector through idle, busy and quit using
// frames painted by a real process under the PTY host, the same capture
// path agent panes are classified through.
func TestDetectorOverPTY(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	script := `
printf '%s\r\n' '╭──────────────────────╮'
printf '%s\r\n' '│ >                    │'
printf '%s\r\n' '╰──────────────────────╯'
sleep 0.5
printf '%s\r\n' '✳ Pondering… (esc to interrupt)'
printf '\r\n'
printf '%s\r\n' '╭──────────────────────╮'
printf '%s\r\n' '│ >                    │'
printf '%s\r\n' '╰──────────────────────╯'
sleep 0.5
printf '%s\r\n' 'Goodbye!'
sleep 5
`
	host, err := termhost.Start(exec.Command("sh", "-c", script), 80, 24, log)
	require.NoError(t, err)
	defer host.Close()

	detector := statemon.NewDetector()
	settled := time.Minute
	waitState := func(want statemon.AgentState) {
		t.Helper()
		require.Eventually(t, func() bool {
			return detector.DetectState(host.ScreenLines(), settled) == want
		}, 5*time.Second, 20*time.Millisecond, "never reached state %q", want)
	}

	waitState(statemon.StateIdle)
	waitState(statemon.StateBusy)
	waitState(statemon.StateQuit)
}
