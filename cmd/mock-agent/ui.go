package main

import (
	"fmt"
	"io"
	"strings"
)

const minWidth = 20

// spinnerWords rotate through the activity line painted while the agent is
// "thinking". Each is a gerund the real UI uses.
var spinnerWords = []string{"Pondering", "Cogitating", "Brewing", "Mulling", "Synthesizing"}

// painter writes Claude-style UI frames. Output is append-only: every state
// change paints fresh lines instead of redrawing in place, so the bottom of
// a pane capture always shows the current state while older frames scroll
// into history the way a live session's do.
type painter struct {
	w     io.Writer
	width int
	spin  int
}

func newPainter(w io.Writer, width int) *painter {
	if width < minWidth {
		width = minWidth
	}
	return &painter{w: w, width: width}
}

func (p *painter) line(s string) {
	fmt.Fprintln(p.w, s)
}

func (p *painter) blank() {
	fmt.Fprintln(p.w)
}

func (p *painter) boxTop() {
	p.line("╭" + strings.Repeat("─", p.width-2) + "╮")
}

func (p *painter) boxBottom() {
	p.line("╰" + strings.Repeat("─", p.width-2) + "╯")
}

// boxLine pads text to the box interior. Overlong text is clipped so the
// right border always lands in the same column.
func (p *painter) boxLine(text string) {
	p.line("│ " + pad(text, p.width-4) + " │")
}

// welcome paints the startup banner.
func (p *painter) welcome(name, model, cwd string) {
	p.boxTop()
	p.boxLine("✻ Welcome to Claude Code!")
	p.boxLine("")
	p.boxLine("  agent: " + name)
	p.boxLine("  model: " + model)
	p.boxLine("  cwd: " + cwd)
	p.boxBottom()
	p.blank()
}

// promptBox paints an empty input box. The interior holds only the chevron
// line: any other content would read as half-typed input.
func (p *painter) promptBox() {
	p.boxTop()
	p.line("│ > " + strings.Repeat(" ", p.width-5) + "│")
	p.boxBottom()
}

// busyFrame paints a spinner, the blank separator, and a fresh input box
// underneath, which is how the UI looks mid-turn.
func (p *painter) busyFrame() {
	word := spinnerWords[p.spin%len(spinnerWords)]
	p.spin++
	p.line("✳ " + word + "… (esc to interrupt)")
	p.blank()
	p.promptBox()
}

// echoInput paints the submitted prompt the way the UI replays it above the
// turn's output.
func (p *painter) echoInput(text string) {
	p.line("> " + text)
	p.blank()
}

// toolUse paints a tool invocation and its collapsed result.
func (p *painter) toolUse(call, result string) {
	p.line("⏺ " + call)
	p.line("  ⎿  " + result)
}

// respond paints assistant text followed by a separator blank.
func (p *painter) respond(text string) {
	for _, l := range strings.Split(text, "\n") {
		p.line(l)
	}
	p.blank()
}

func (p *painter) goodbye() {
	p.blank()
	p.line("Goodbye!")
}

// pad clips or space-pads s to width runes.
func pad(s string, width int) string {
	r := []rune(s)
	if len(r) >= width {
		return string(r[:width])
	}
	return s + strings.Repeat(" ", width-len(r))
}
