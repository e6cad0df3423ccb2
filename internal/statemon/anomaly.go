package statemon

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// AnomalyType categorizes a structural oddity found in captured pane text.
type AnomalyType string

const (
	AnomalyMultipleInputBoxes AnomalyType = "multiple_input_boxes"
	AnomalyIncompleteBox      AnomalyType = "incomplete_box"
	AnomalyUnknownBoxType     AnomalyType = "unknown_box_type"
	AnomalyTooManyBoxes       AnomalyType = "too_many_boxes"
	AnomalyOther              AnomalyType = "other"
)

// maxExpectedBoxes is the largest box count a healthy capture produces
// (welcome banner, a message box, a dialog, the input box).
const maxExpectedBoxes = 4

// contextRadius is how many lines around the anomaly are kept for forensics.
const contextRadius = 2

// AnomalyRecord is one detected oddity, with enough surrounding text to
// diagnose it after the pane has moved on.
type AnomalyRecord struct {
	Timestamp  time.Time   `json:"timestamp"`
	AgentName  string      `json:"agentName"`
	Type       AnomalyType `json:"type"`
	LineNumber int         `json:"lineNumber"`
	Content    string      `json:"content"`
	Context    []string    `json:"context,omitempty"`
	PaneState  AgentState  `json:"paneState"`
}

type boxClass string

const (
	boxWelcome boxClass = "welcome"
	boxInput   boxClass = "input"
	boxMessage boxClass = "message"
	boxInfo    boxClass = "info"
	boxDialog  boxClass = "dialog"
	boxEmpty   boxClass = "empty"
	boxUnknown boxClass = "unknown"
)

// dialogTitles are UI dialogs that legitimately render without a bottom
// border while open.
var dialogTitles = []string{"Settings", "Agents", "Hooks", "Model"}

var infoMarkers = []string{"Tip:", "Hint", "esc to", "ctrl+", "shortcuts", "/help"}

// DetectAnomalies scans captured lines for structural oddities,
// independently of state classification. state is the classification
// result for the same capture and is recorded alongside each anomaly.
func (d *Detector) DetectAnomalies(agentName string, lines []string, state AgentState) []AnomalyRecord {
	if len(lines) > searchWindow {
		lines = lines[len(lines)-searchWindow:]
	}
	now := time.Now()
	boxes := parseBoxes(lines)

	var records []AnomalyRecord
	record := func(typ AnomalyType, lineIdx int, content string) {
		records = append(records, AnomalyRecord{
			Timestamp:  now,
			AgentName:  agentName,
			Type:       typ,
			LineNumber: lineIdx,
			Content:    content,
			Context:    contextAround(lines, lineIdx),
			PaneState:  state,
		})
	}

	inputSeen := 0
	for _, box := range boxes {
		class := classifyBox(box)

		if box.bottom < 0 && class != boxDialog {
			record(AnomalyIncompleteBox, box.top, lines[box.top])
		}
		if box.bottom >= 0 && class == boxUnknown {
			record(AnomalyUnknownBoxType, box.top, lines[box.top])
		}
		if class == boxInput {
			inputSeen++
			if inputSeen > 1 {
				record(AnomalyMultipleInputBoxes, box.top, lines[box.top])
			}
		}
	}

	if len(boxes) > maxExpectedBoxes {
		record(AnomalyTooManyBoxes, boxes[len(boxes)-1].top,
			fmt.Sprintf("%d boxes in capture", len(boxes)))
	}

	for i, line := range lines {
		if !insideAnyBox(boxes, i, len(lines)) && hasOrphanGlyph(line) {
			record(AnomalyOther, i, line)
		}
	}

	return records
}

// classifyBox buckets a box by its interior content.
func classifyBox(box paneBox) boxClass {
	empty := true
	for _, line := range box.interior {
		if match := interiorLineRe.FindStringSubmatch(line); match != nil {
			if strings.TrimSpace(match[1]) != "" {
				empty = false
				break
			}
		} else if strings.TrimSpace(line) != "" {
			empty = false
			break
		}
	}
	if empty {
		return boxEmpty
	}

	for _, line := range box.interior {
		if promptMarkerRe.MatchString(line) {
			return boxInput
		}
	}

	joined := box.header + "\n" + strings.Join(box.interior, "\n")
	for _, title := range dialogTitles {
		if strings.Contains(joined, title) {
			return boxDialog
		}
	}
	if strings.Contains(joined, "Welcome") {
		return boxWelcome
	}
	if strings.Contains(joined, "[MESSAGE]") || strings.Contains(joined, "new message") {
		return boxMessage
	}
	for _, marker := range infoMarkers {
		if strings.Contains(joined, marker) {
			return boxInfo
		}
	}
	return boxUnknown
}

func insideAnyBox(boxes []paneBox, lineIdx, total int) bool {
	for _, box := range boxes {
		end := box.bottom
		if end < 0 {
			end = total - 1
		}
		if lineIdx >= box.top && lineIdx <= end {
			return true
		}
	}
	return false
}

// hasOrphanGlyph reports box-drawing characters on a line outside every
// tracked box. Bare minimal prompts are a recognized pattern, not an
// anomaly.
func hasOrphanGlyph(line string) bool {
	if !strings.ContainsAny(line, "╭╮╰╯│") {
		return false
	}
	return !minimalPromptRe.MatchString(line)
}

func contextAround(lines []string, idx int) []string {
	start := idx - contextRadius
	if start < 0 {
		start = 0
	}
	end := idx + contextRadius + 1
	if end > len(lines) {
		end = len(lines)
	}
	ctx := make([]string, end-start)
	copy(ctx, lines[start:end])
	return ctx
}

// HistoryConfig bounds the anomaly history.
type HistoryConfig struct {
	MaxRecordsPerAgent int
	MaxTotalRecords    int
	Retention          time.Duration
}

// DefaultHistoryConfig returns the standard bounds.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxRecordsPerAgent: 1000,
		MaxTotalRecords:    5000,
		Retention:          24 * time.Hour,
	}
}

// AnomalyHistory is a bounded store of anomaly records: a per-agent cap, a
// global cap with oldest-first eviction across agents, and time-based
// retention.
type AnomalyHistory struct {
	mu       sync.Mutex
	cfg      HistoryConfig
	perAgent map[string][]AnomalyRecord
	total    int
}

// NewAnomalyHistory creates an empty history with the given bounds. Zero or
// negative config values fall back to the defaults.
func NewAnomalyHistory(cfg HistoryConfig) *AnomalyHistory {
	def := DefaultHistoryConfig()
	if cfg.MaxRecordsPerAgent <= 0 {
		cfg.MaxRecordsPerAgent = def.MaxRecordsPerAgent
	}
	if cfg.MaxTotalRecords <= 0 {
		cfg.MaxTotalRecords = def.MaxTotalRecords
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &AnomalyHistory{
		cfg:      cfg,
		perAgent: make(map[string][]AnomalyRecord),
	}
}

// Add appends a record, enforcing retention and both caps.
func (h *AnomalyHistory) Add(record AnomalyRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.purgeExpiredLocked(time.Now())

	queue := append(h.perAgent[record.AgentName], record)
	h.total++
	if len(queue) > h.cfg.MaxRecordsPerAgent {
		over := len(queue) - h.cfg.MaxRecordsPerAgent
		queue = queue[over:]
		h.total -= over
	}
	h.perAgent[record.AgentName] = queue

	for h.total > h.cfg.MaxTotalRecords {
		h.evictOldestLocked()
	}
}

// AddAll appends a batch of records.
func (h *AnomalyHistory) AddAll(records []AnomalyRecord) {
	for _, record := range records {
		h.Add(record)
	}
}

// evictOldestLocked drops the single oldest record across all agents.
func (h *AnomalyHistory) evictOldestLocked() {
	oldestAgent := ""
	var oldest time.Time
	for agent, queue := range h.perAgent {
		if len(queue) == 0 {
			continue
		}
		if oldestAgent == "" || queue[0].Timestamp.Before(oldest) {
			oldestAgent = agent
			oldest = queue[0].Timestamp
		}
	}
	if oldestAgent == "" {
		return
	}
	queue := h.perAgent[oldestAgent]
	h.perAgent[oldestAgent] = queue[1:]
	h.total--
	if len(queue) == 1 {
		delete(h.perAgent, oldestAgent)
	}
}

func (h *AnomalyHistory) purgeExpiredLocked(now time.Time) {
	cutoff := now.Add(-h.cfg.Retention)
	for agent, queue := range h.perAgent {
		idx := 0
		for idx < len(queue) && queue[idx].Timestamp.Before(cutoff) {
			idx++
		}
		if idx == 0 {
			continue
		}
		h.total -= idx
		if idx == len(queue) {
			delete(h.perAgent, agent)
		} else {
			h.perAgent[agent] = queue[idx:]
		}
	}
}

// QueryFilter selects records. Zero values match everything.
type QueryFilter struct {
	Agent string
	Type  AnomalyType
	Since time.Time
	Until time.Time
}

// Query returns matching records sorted by timestamp ascending.
func (h *AnomalyHistory) Query(filter QueryFilter) []AnomalyRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []AnomalyRecord
	for agent, queue := range h.perAgent {
		if filter.Agent != "" && agent != filter.Agent {
			continue
		}
		for _, record := range queue {
			if filter.Type != "" && record.Type != filter.Type {
				continue
			}
			if !filter.Since.IsZero() && record.Timestamp.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && record.Timestamp.After(filter.Until) {
				continue
			}
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Total returns how many records are currently held.
func (h *AnomalyHistory) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Export renders all records in the requested format: "text", "json" or
// "csv".
func (h *AnomalyHistory) Export(format string) (string, error) {
	records := h.Query(QueryFilter{})

	switch format {
	case "text":
		var b strings.Builder
		for _, r := range records {
			fmt.Fprintf(&b, "%s [%s] %s line=%d state=%s: %s\n",
				r.Timestamp.Format(time.RFC3339), r.AgentName, r.Type,
				r.LineNumber, r.PaneState, r.Content)
		}
		return b.String(), nil
	case "json":
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal anomaly records: %w", err)
		}
		return string(data), nil
	case "csv":
		var b strings.Builder
		w := csv.NewWriter(&b)
		if err := w.Write([]string{"timestamp", "agent", "type", "line", "content", "paneState"}); err != nil {
			return "", err
		}
		for _, r := range records {
			row := []string{
				r.Timestamp.Format(time.RFC3339),
				r.AgentName,
				string(r.Type),
				fmt.Sprintf("%d", r.LineNumber),
				r.Content,
				string(r.PaneState),
			}
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", err
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported export format: %q", format)
	}
}
