package statemon

import (
	"regexp"
	"strings"
	"time"
)

// searchWindow caps how many trailing lines the classifier inspects.
const searchWindow = 50

// initializingWindow is how long after registration an agent may still be
// classified as initializing.
const initializingWindow = 3 * time.Second

// spinnerLookback is how many lines above the blank separator the spinner
// may sit, allowing for filler lines (token counts, interrupt hints).
const spinnerLookback = 4

var (
	boxTopRe    = regexp.MustCompile(`╭─*.*╮`)
	boxBottomRe = regexp.MustCompile(`╰─*.*╯`)

	// promptMarkerRe matches the prompt chevron inside a box border.
	promptMarkerRe = regexp.MustCompile(`│\s*>`)

	// promptLineRe captures the typed text between the chevron and the
	// right border (which may be cut off by the capture width).
	promptLineRe = regexp.MustCompile(`^\s*│\s*>\s?(.*?)\s*│?\s*$`)

	// interiorLineRe captures the content of a non-prompt box line.
	interiorLineRe = regexp.MustCompile(`^\s*│\s?(.*?)\s*│?\s*$`)

	// minimalPromptRe matches a bare prompt line when no full box survived
	// the capture (scrolled or resized panes).
	minimalPromptRe = regexp.MustCompile(`^\s*│\s*>\s?(.*)$`)

	// spinnerRe matches "<spinner> <Gerund>…": one non-word rune, spaces,
	// a capitalized word, an ellipsis.
	spinnerRe = regexp.MustCompile(`^\s*([^\w\s])\s+([A-Za-z]+)(…|\.\.\.)`)

	// quitBracketRe matches bracketed process-termination notices.
	quitBracketRe = regexp.MustCompile(`(?i)^\s*\[[^\]]*\b(exited|terminated|completed|killed)\b[^\]]*\]\s*$`)

	// shellPromptRe matches a bare shell prompt line.
	shellPromptRe = regexp.MustCompile(`^[^│╭╰╰]*[\$%#]\s*$`)

	fillerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\d[\d,.]*\s*k?\s*tokens?`),
		regexp.MustCompile(`[↓↑·]`),
		regexp.MustCompile(`(?i)esc\s+to\s+interrupt`),
		regexp.MustCompile(`(?i)ctrl\+\w`),
		regexp.MustCompile(`\[MESSAGE\]`),
		regexp.MustCompile(`(?i)reminder`),
		regexp.MustCompile(`^\s*[⎿└├]`),
		regexp.MustCompile(`(?i)\b(tip|hint)\b`),
	}
)

var quitPhrases = []string{
	"Goodbye!",
	"Session ended",
	"Claude exited",
}

var errorPhrases = []string{
	"Error:",
	"Failed:",
	"Exception:",
	"Traceback",
	"MCP error",
	"Cannot connect",
}

var initPhrases = []string{
	"Welcome to Claude",
	"Starting Claude",
	"Initializing",
	"Loading",
}

// placeholderPrefix marks the UI's own suggestion text inside an otherwise
// empty prompt; it must not count as typed input.
const placeholderPrefix = `Try "`

// paneBox is one box-drawing rectangle found in the capture. bottom is -1
// when the bottom border never appeared.
type paneBox struct {
	top      int
	bottom   int
	isInput  bool   // chevron within three lines of the top border
	header   string // the top border line, which may carry a title
	interior []string
}

// Detector classifies pane captures. It is stateless and safe for
// concurrent use.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// DetectState classifies the captured pane lines for an agent of the given
// age. Rules are evaluated in order; the first match wins.
func (d *Detector) DetectState(lines []string, agentAge time.Duration) AgentState {
	if len(lines) > searchWindow {
		lines = lines[len(lines)-searchWindow:]
	}
	boxes := parseBoxes(lines)

	if quitIdx := lastQuitIndex(lines); quitIdx >= 0 && !recoveredAfter(lines, boxes, quitIdx) {
		return StateQuit
	}

	if errorInTail(lines) {
		return StateError
	}

	if agentAge < initializingWindow && looksInitializing(lines, boxes) {
		return StateInitializing
	}

	inputBox := lastInputBox(boxes)
	if inputBox != nil {
		if busyAbove(lines, inputBox) {
			return StateBusy
		}
		return classifyInputBox(inputBox)
	}

	if state, ok := classifyMinimalPrompt(lines); ok {
		return state
	}

	// Nothing recognizable yet: a very young agent is still coming up.
	if agentAge < initializingWindow {
		return StateInitializing
	}
	return StateUnknown
}

// parseBoxes walks the capture and collects box-drawing rectangles. A new
// top border before the previous bottom closes the earlier box as
// incomplete.
func parseBoxes(lines []string) []paneBox {
	var boxes []paneBox
	openTop := -1

	closeBox := func(top, bottom int) {
		box := paneBox{top: top, bottom: bottom, header: lines[top]}
		end := bottom
		if end < 0 {
			end = len(lines)
		}
		for k := top + 1; k < end; k++ {
			box.interior = append(box.interior, lines[k])
			if !box.isInput && k-top <= 3 && promptMarkerRe.MatchString(lines[k]) {
				box.isInput = true
			}
		}
		boxes = append(boxes, box)
	}

	for i, line := range lines {
		switch {
		case boxTopRe.MatchString(line):
			if openTop >= 0 {
				closeBox(openTop, -1)
			}
			openTop = i
		case boxBottomRe.MatchString(line):
			if openTop >= 0 {
				closeBox(openTop, i)
				openTop = -1
			}
		}
	}
	if openTop >= 0 {
		closeBox(openTop, -1)
	}
	return boxes
}

// lastInputBox returns the bottom-most input box, the one the agent is
// actually reading from.
func lastInputBox(boxes []paneBox) *paneBox {
	for i := len(boxes) - 1; i >= 0; i-- {
		if boxes[i].isInput {
			return &boxes[i]
		}
	}
	return nil
}

func lastQuitIndex(lines []string) int {
	idx := -1
	for i, line := range lines {
		for _, phrase := range quitPhrases {
			if strings.Contains(line, phrase) {
				idx = i
			}
		}
		if quitBracketRe.MatchString(line) {
			idx = i
		}
	}
	return idx
}

// recoveredAfter reports whether the UI came back after a quit notice: an
// input box or a processing spinner below the matched line means the agent
// is alive again.
func recoveredAfter(lines []string, boxes []paneBox, quitIdx int) bool {
	for _, box := range boxes {
		if box.top > quitIdx && box.isInput {
			return true
		}
	}
	for k := quitIdx + 1; k < len(lines); k++ {
		if isSpinnerLine(lines[k]) {
			return true
		}
	}
	return false
}

// errorInTail reports an error phrase within the last five lines with no
// prompt indicator alongside it.
func errorInTail(lines []string) bool {
	start := len(lines) - 5
	if start < 0 {
		start = 0
	}
	tail := lines[start:]

	found := false
	for _, line := range tail {
		for _, phrase := range errorPhrases {
			if strings.Contains(line, phrase) {
				found = true
			}
		}
	}
	if !found {
		return false
	}
	for _, line := range tail {
		if promptMarkerRe.MatchString(line) || boxTopRe.MatchString(line) {
			return false
		}
	}
	return true
}

func looksInitializing(lines []string, boxes []paneBox) bool {
	hasInputBox := lastInputBox(boxes) != nil

	if !hasInputBox {
		for _, line := range lines {
			for _, phrase := range initPhrases {
				if strings.Contains(line, phrase) {
					return true
				}
			}
		}
	}

	nonBlank, shell := 0, 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonBlank++
		if shellPromptRe.MatchString(strings.TrimRight(line, " ")) {
			shell++
		}
	}
	return shell >= 1 && shell*2 >= nonBlank
}

// busyAbove checks the structural busy pattern above the input box: a blank
// separator directly above the top border, a spinner line within the
// lookback window above it, and nothing but allowed fillers in between.
func busyAbove(lines []string, box *paneBox) bool {
	if box.top == 0 {
		return false
	}
	blank := box.top - 1
	if strings.TrimSpace(lines[blank]) != "" {
		return false
	}

	spinnerIdx := -1
	for k := blank - 1; k >= 0 && k >= blank-spinnerLookback; k-- {
		if isSpinnerLine(lines[k]) {
			spinnerIdx = k
			break
		}
	}
	if spinnerIdx < 0 {
		return false
	}

	for k := spinnerIdx + 1; k < blank; k++ {
		if !isAllowedFiller(lines[k]) {
			return false
		}
	}
	return true
}

func isSpinnerLine(line string) bool {
	match := spinnerRe.FindStringSubmatch(line)
	if match == nil {
		return false
	}
	_, ok := gerundVocab[match[2]]
	return ok
}

func isAllowedFiller(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	for _, re := range fillerRes {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// classifyInputBox decides writing versus idle from the box interior: any
// typed text after the chevron, or any non-blank continuation line, means
// the human (or a pending paste) is mid-composition.
func classifyInputBox(box *paneBox) AgentState {
	hasEmptyPrompt := false
	for _, line := range box.interior {
		if match := promptLineRe.FindStringSubmatch(line); match != nil {
			text := strings.TrimSpace(match[1])
			if strings.HasPrefix(text, placeholderPrefix) {
				text = ""
			}
			if text != "" {
				return StateWriting
			}
			hasEmptyPrompt = true
			continue
		}
		if match := interiorLineRe.FindStringSubmatch(line); match != nil {
			if strings.TrimSpace(match[1]) != "" {
				return StateWriting
			}
		}
	}
	if hasEmptyPrompt {
		return StateIdle
	}
	return StateUnknown
}

// classifyMinimalPrompt handles captures where only a bare "│ > ..." line
// survived (no full box).
func classifyMinimalPrompt(lines []string) (AgentState, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		match := minimalPromptRe.FindStringSubmatch(lines[i])
		if match == nil {
			continue
		}
		text := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(match[1]), "│"))
		if strings.HasPrefix(text, placeholderPrefix) {
			text = ""
		}
		if text != "" {
			return StateWriting, true
		}
		return StateIdle, true
	}
	return StateUnknown, false
}
