// Command mock-agent imitates a Claude Code session inside a terminal pane.
// It paints the familiar UI (welcome banner, prompt box, spinner while
// "thinking"), appends records to a JSONL transcript, and answers [MESSAGE]
// notifications typed into its stdin. Team configs point agents at this
// binary to exercise the orchestrator without a real model.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const maxInputLine = 1024 * 1024

type options struct {
	name       string
	model      string
	session    string
	transcript string
	peer       string
	think      time.Duration
	width      int
}

// parseAgentArgs reads flags of the form "--flag value" or "--flag=value".
// Unknown flags are ignored so launcher scripts can pass extras through.
func parseAgentArgs(args []string) options {
	opts := options{
		name:  "mock",
		model: "mock-sonnet",
		think: 1200 * time.Millisecond,
		width: 60,
	}
	if v, ok := argValue(args, "name"); ok {
		opts.name = v
	}
	if v, ok := argValue(args, "model"); ok {
		opts.model = v
	}
	if v, ok := argValue(args, "session"); ok {
		opts.session = v
	}
	if v, ok := argValue(args, "transcript"); ok {
		opts.transcript = v
	}
	if v, ok := argValue(args, "peer"); ok {
		opts.peer = v
	}
	if v, ok := argValue(args, "think"); ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			opts.think = d
		}
	}
	if v, ok := argValue(args, "width"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= minWidth {
			opts.width = n
		}
	}
	if opts.session == "" {
		opts.session = defaultSession(opts.transcript)
	}
	return opts
}

// argValue scans args for --name or --name=value. A flag at the end of the
// argument list with no value counts as absent.
func argValue(args []string, name string) (string, bool) {
	long := "--" + name
	prefix := long + "="
	for i := 1; i < len(args); i++ {
		if args[i] == long {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", false
		}
		if strings.HasPrefix(args[i], prefix) {
			return strings.TrimPrefix(args[i], prefix), true
		}
	}
	return "", false
}

// defaultSession derives a session id from the transcript filename so the
// records match the file they live in, the way real session logs do.
func defaultSession(transcriptPath string) string {
	if transcriptPath != "" {
		base := transcriptPath
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		base = strings.TrimSuffix(base, ".jsonl")
		if base != "" {
			return base
		}
	}
	return fmt.Sprintf("mock-session-%d", os.Getpid())
}

func main() {
	opts := parseAgentArgs(os.Args)

	a, err := newAgent(opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	a.start()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				a.goodbye()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			a.handleInput(line)
		case <-sigCh:
			a.goodbye()
			return
		}
	}
}
