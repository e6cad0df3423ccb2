package main

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// senderRe pulls the sender name out of a delivery notification.
	senderRe = regexp.MustCompile(`from ([\w-]+)\.`)

	// unreadRe pulls the count out of a reminder notification.
	unreadRe = regexp.MustCompile(`(\d+) unread`)
)

// agent ties the painter and the transcript together and scripts one turn
// per input line.
type agent struct {
	opts  options
	paint *painter
	tlog  *transcriptWriter // nil when no --transcript was given
	turns int
}

func newAgent(opts options, out io.Writer) (*agent, error) {
	a := &agent{opts: opts, paint: newPainter(out, opts.width)}
	if opts.transcript != "" {
		w, err := newTranscriptWriter(opts.transcript, opts.session)
		if err != nil {
			return nil, err
		}
		a.tlog = w
	}
	return a, nil
}

func (a *agent) close() {
	if a.tlog != nil {
		a.tlog.Close()
	}
}

// start paints the welcome banner, runs one warmup turn, and settles on an
// empty prompt.
func (a *agent) start() {
	cwd, _ := os.Getwd()
	a.paint.welcome(a.opts.name, a.opts.model, cwd)
	a.recordSystem("mock agent started")

	a.paint.busyFrame()
	a.think()
	ready := "Ready. Watching this pane for team messages."
	a.paint.respond(ready)
	a.recordAssistant(ready)
	a.paint.promptBox()
}

// handleInput runs one scripted turn for a line typed into the pane: echo,
// spinner, optional mailbox check, response, fresh prompt.
func (a *agent) handleInput(line string) {
	a.turns++
	a.paint.echoInput(line)
	a.recordUser(line)

	a.paint.busyFrame()
	a.think()

	if isNotification(line) {
		a.paint.toolUse("check_messages()", checkResult(line))
	}
	response := a.composeResponse(line)
	a.paint.respond(response)
	a.recordAssistant(response)
	a.paint.promptBox()
}

func (a *agent) goodbye() {
	a.paint.goodbye()
	a.recordSystem("session closed")
}

// composeResponse scripts the assistant text for one turn. With a peer
// configured the text also carries a send_message command so the transcript
// watcher has something to route.
func (a *agent) composeResponse(line string) string {
	var b strings.Builder
	switch {
	case isReminder(line):
		b.WriteString("Caught up on the unread backlog.")
	case isNotification(line):
		sender := "the team"
		if m := senderRe.FindStringSubmatch(line); m != nil {
			sender = m[1]
		}
		fmt.Fprintf(&b, "Read the message from %s and noted it.", sender)
	default:
		fmt.Fprintf(&b, "Acknowledged %q. Turn %d complete.", line, a.turns)
	}

	if a.opts.peer != "" {
		fmt.Fprintf(&b, "\n\n<orc-command name=\"send_message\" to=%q>\n", a.opts.peer)
		fmt.Fprintf(&b, "<title>turn %d</title>\n", a.turns)
		fmt.Fprintf(&b, "<content>%s finished turn %d.</content>\n", a.opts.name, a.turns)
		b.WriteString("</orc-command>")
	}
	return b.String()
}

func (a *agent) think() {
	if a.opts.think > 0 {
		time.Sleep(a.opts.think)
	}
}

func (a *agent) recordUser(content string) {
	if a.tlog == nil {
		return
	}
	if err := a.tlog.user(content); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: transcript write: %v\n", err)
	}
}

func (a *agent) recordAssistant(text string) {
	if a.tlog == nil {
		return
	}
	if err := a.tlog.assistant(text); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: transcript write: %v\n", err)
	}
}

func (a *agent) recordSystem(content string) {
	if a.tlog == nil {
		return
	}
	if err := a.tlog.system(content); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: transcript write: %v\n", err)
	}
}

func isNotification(line string) bool {
	return strings.Contains(line, "[MESSAGE]")
}

func isReminder(line string) bool {
	return strings.Contains(line, "Reminder:")
}

// checkResult summarizes what check_messages found for the tool result line.
func checkResult(line string) string {
	if m := unreadRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return fmt.Sprintf("Read %d message(s)", n)
		}
	}
	if m := senderRe.FindStringSubmatch(line); m != nil {
		return "Read 1 message from " + m[1]
	}
	return "No unread messages"
}
