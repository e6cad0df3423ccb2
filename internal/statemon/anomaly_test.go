package statemon

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anomalyTypes(records []AnomalyRecord) []AnomalyType {
	types := make([]AnomalyType, len(records))
	for i, r := range records {
		types[i] = r.Type
	}
	return types
}

func TestDetectAnomalies(t *testing.T) {
	d := NewDetector()

	t.Run("box without bottom border", func(t *testing.T) {
		lines := []string{
			"╭────────╮",
			"│ stuff here │",
		}
		records := d.DetectAnomalies("alice", lines, StateUnknown)
		require.Len(t, records, 1)
		assert.Equal(t, AnomalyIncompleteBox, records[0].Type)
		assert.Equal(t, 0, records[0].LineNumber)
		assert.Equal(t, "alice", records[0].AgentName)
		assert.Equal(t, StateUnknown, records[0].PaneState)
	})

	t.Run("open dialog is not an incomplete box", func(t *testing.T) {
		lines := []string{
			"╭─ Settings ─────╮",
			"│ ❯ Theme   dark │",
		}
		records := d.DetectAnomalies("alice", lines, StateIdle)
		assert.Empty(t, records)
	})

	t.Run("more than one input box", func(t *testing.T) {
		lines := []string{
			"╭─╮",
			"│ > │",
			"╰─╯",
			"╭─╮",
			"│ > old │",
			"╰─╯",
		}
		records := d.DetectAnomalies("alice", lines, StateWriting)
		require.Len(t, records, 1)
		assert.Equal(t, AnomalyMultipleInputBoxes, records[0].Type)
		assert.Equal(t, 3, records[0].LineNumber)
	})

	t.Run("well-formed box with unrecognized content", func(t *testing.T) {
		lines := []string{
			"╭─────╮",
			"│ qux corge │",
			"╰─────╯",
		}
		records := d.DetectAnomalies("alice", lines, StateUnknown)
		require.Len(t, records, 1)
		assert.Equal(t, AnomalyUnknownBoxType, records[0].Type)
	})

	t.Run("orphan glyph outside any box", func(t *testing.T) {
		lines := []string{
			"╰─────╯",
			"plain text",
		}
		records := d.DetectAnomalies("alice", lines, StateUnknown)
		require.Len(t, records, 1)
		assert.Equal(t, AnomalyOther, records[0].Type)
		assert.Equal(t, "╰─────╯", records[0].Content)
	})

	t.Run("minimal prompt is not an orphan glyph", func(t *testing.T) {
		records := d.DetectAnomalies("alice", []string{"│ > typing away"}, StateWriting)
		assert.Empty(t, records)
	})

	t.Run("too many boxes", func(t *testing.T) {
		var lines []string
		for i := 0; i < 5; i++ {
			lines = append(lines, "╭─╮", "│ │", "╰─╯")
		}
		records := d.DetectAnomalies("alice", lines, StateUnknown)
		require.Len(t, records, 1)
		assert.Equal(t, AnomalyTooManyBoxes, records[0].Type)
	})

	t.Run("healthy idle pane is clean", func(t *testing.T) {
		lines := []string{
			"✳ Musing…",
			"",
			"╭─╮",
			"│ > │",
			"╰─╯",
		}
		records := d.DetectAnomalies("alice", lines, StateBusy)
		assert.Empty(t, records, "got %v", anomalyTypes(records))
	})

	t.Run("context captures surrounding lines", func(t *testing.T) {
		lines := []string{
			"before before",
			"before",
			"╰─────╯",
			"after",
			"after after",
		}
		records := d.DetectAnomalies("alice", lines, StateUnknown)
		require.Len(t, records, 1)
		assert.Equal(t, lines, records[0].Context)
	})
}

func TestAnomalyHistoryPerAgentCap(t *testing.T) {
	h := NewAnomalyHistory(HistoryConfig{MaxRecordsPerAgent: 3, MaxTotalRecords: 100, Retention: time.Hour})
	base := time.Now()

	for i := 0; i < 5; i++ {
		h.Add(AnomalyRecord{Timestamp: base.Add(time.Duration(i) * time.Second), AgentName: "alice", Type: AnomalyOther})
	}

	require.Equal(t, 3, h.Total())
	records := h.Query(QueryFilter{Agent: "alice"})
	require.Len(t, records, 3)
	assert.Equal(t, base.Add(2*time.Second).Unix(), records[0].Timestamp.Unix(), "oldest two should be gone")
}

func TestAnomalyHistoryGlobalCapEvictsOldestAcrossAgents(t *testing.T) {
	h := NewAnomalyHistory(HistoryConfig{MaxRecordsPerAgent: 2, MaxTotalRecords: 3, Retention: time.Hour})
	base := time.Now()

	h.Add(AnomalyRecord{Timestamp: base, AgentName: "alice", Type: AnomalyOther})
	h.Add(AnomalyRecord{Timestamp: base.Add(time.Second), AgentName: "alice", Type: AnomalyOther})
	h.Add(AnomalyRecord{Timestamp: base.Add(2 * time.Second), AgentName: "bob", Type: AnomalyOther})
	h.Add(AnomalyRecord{Timestamp: base.Add(3 * time.Second), AgentName: "bob", Type: AnomalyOther})

	require.Equal(t, 3, h.Total())
	records := h.Query(QueryFilter{})
	require.Len(t, records, 3)
	assert.Equal(t, base.Add(time.Second).Unix(), records[0].Timestamp.Unix(), "alice's oldest record should be the one evicted")
}

func TestAnomalyHistoryRetention(t *testing.T) {
	h := NewAnomalyHistory(HistoryConfig{MaxRecordsPerAgent: 10, MaxTotalRecords: 10, Retention: time.Hour})

	h.Add(AnomalyRecord{Timestamp: time.Now().Add(-2 * time.Hour), AgentName: "alice", Type: AnomalyOther})
	h.Add(AnomalyRecord{Timestamp: time.Now(), AgentName: "alice", Type: AnomalyIncompleteBox})

	require.Equal(t, 1, h.Total())
	records := h.Query(QueryFilter{})
	require.Len(t, records, 1)
	assert.Equal(t, AnomalyIncompleteBox, records[0].Type)
}

func TestAnomalyHistoryQueryFilters(t *testing.T) {
	h := NewAnomalyHistory(DefaultHistoryConfig())
	base := time.Now()

	h.Add(AnomalyRecord{Timestamp: base, AgentName: "alice", Type: AnomalyMultipleInputBoxes})
	h.Add(AnomalyRecord{Timestamp: base.Add(time.Second), AgentName: "bob", Type: AnomalyOther})
	h.Add(AnomalyRecord{Timestamp: base.Add(2 * time.Second), AgentName: "alice", Type: AnomalyOther})

	assert.Len(t, h.Query(QueryFilter{Agent: "alice"}), 2)
	assert.Len(t, h.Query(QueryFilter{Type: AnomalyOther}), 2)
	assert.Len(t, h.Query(QueryFilter{Since: base.Add(time.Second)}), 2)
	assert.Len(t, h.Query(QueryFilter{Until: base.Add(time.Second)}), 2)
	assert.Len(t, h.Query(QueryFilter{Agent: "bob", Type: AnomalyMultipleInputBoxes}), 0)

	all := h.Query(QueryFilter{})
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))
	assert.True(t, all[1].Timestamp.Before(all[2].Timestamp))
}

func TestAnomalyHistoryExport(t *testing.T) {
	h := NewAnomalyHistory(DefaultHistoryConfig())
	h.Add(AnomalyRecord{
		Timestamp:  time.Now(),
		AgentName:  "alice",
		Type:       AnomalyIncompleteBox,
		LineNumber: 7,
		Content:    "╭────────╮",
		PaneState:  StateUnknown,
	})

	t.Run("text", func(t *testing.T) {
		out, err := h.Export("text")
		require.NoError(t, err)
		assert.Contains(t, out, "alice")
		assert.Contains(t, out, "incomplete_box")
		assert.Contains(t, out, "line=7")
	})

	t.Run("json", func(t *testing.T) {
		out, err := h.Export("json")
		require.NoError(t, err)
		var records []AnomalyRecord
		require.NoError(t, json.Unmarshal([]byte(out), &records))
		require.Len(t, records, 1)
		assert.Equal(t, AnomalyIncompleteBox, records[0].Type)
	})

	t.Run("csv", func(t *testing.T) {
		out, err := h.Export("csv")
		require.NoError(t, err)
		rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, []string{"timestamp", "agent", "type", "line", "content", "paneState"}, rows[0])
		assert.Equal(t, "alice", rows[1][1])
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := h.Export("xml")
		assert.Error(t, err)
	})
}
