// Package layout plans terminal pane arrangements for agent sessions.
//
// A Layout describes the desired shape (horizontal, vertical, grid, main
// pane plus stack, or fully custom). Plan translates it into an ordered
// sequence of abstract split operations that the terminal adapter replays
// verbatim, plus an optional multiplexer layout name applied after all
// splits and a keyboard-shortcut map for fast pane switching.
package layout

import (
	"fmt"
	"math"
)

// Kind identifies a layout family.
type Kind string

const (
	KindHorizontal     Kind = "horizontal"
	KindVertical       Kind = "vertical"
	KindGrid           Kind = "grid"
	KindMainHorizontal Kind = "main-horizontal"
	KindMainVertical   Kind = "main-vertical"
	KindCustom         Kind = "custom"
)

// Direction of a single split. Horizontal places the new pane beside the
// target (side by side), vertical places it below (stacked).
type Direction string

const (
	DirHorizontal Direction = "h"
	DirVertical   Direction = "v"
)

// SplitOp is one abstract split command. TargetPane is the index of an
// already existing pane at the time the op runs; the new pane receives
// SizePct percent of the target's area. SizePct zero means the multiplexer
// default (an even halve).
type SplitOp struct {
	TargetPane int       `json:"targetPane" yaml:"targetPane"`
	Direction  Direction `json:"direction" yaml:"direction"`
	SizePct    int       `json:"sizePct,omitempty" yaml:"sizePct,omitempty"`
}

// Layout is the desired pane arrangement for a session.
type Layout struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Grid dimensions. Zero values are auto-dimensioned from the agent
	// count: cols = ceil(sqrt(N)), rows = ceil(N/cols).
	Rows int `json:"rows,omitempty" yaml:"rows,omitempty"`
	Cols int `json:"cols,omitempty" yaml:"cols,omitempty"`

	// MainPct is the percentage of the window given to the main pane in
	// the main-horizontal and main-vertical layouts.
	MainPct int `json:"mainPct,omitempty" yaml:"mainPct,omitempty"`

	// Splits is the user-supplied op sequence for custom layouts.
	Splits []SplitOp `json:"splits,omitempty" yaml:"splits,omitempty"`
}

// Plan is the executable result of planning a layout.
type Plan struct {
	// Splits run in order against a fresh single-pane session.
	Splits []SplitOp

	// LayoutName, when non-empty, is a multiplexer layout applied after
	// all splits to normalize pane sizes ("even-horizontal", "tiled", ...).
	LayoutName string

	// Shortcuts maps key names (F1..F3, M-1..M-9) to pane indexes.
	Shortcuts map[string]int
}

// Horizontal arranges all panes left to right.
func Horizontal() Layout { return Layout{Kind: KindHorizontal} }

// Vertical stacks all panes top to bottom.
func Vertical() Layout { return Layout{Kind: KindVertical} }

// Grid arranges panes in rows x cols cells. Zero dimensions are
// auto-computed from the agent count.
func Grid(rows, cols int) Layout { return Layout{Kind: KindGrid, Rows: rows, Cols: cols} }

// MainHorizontal gives one large pane on top (mainPct percent of the window
// height) with the remaining panes sharing the bottom row.
func MainHorizontal(mainPct int) Layout {
	return Layout{Kind: KindMainHorizontal, MainPct: mainPct}
}

// MainVertical gives one large pane on the left (mainPct percent of the
// window width) with the remaining panes stacked on the right.
func MainVertical(mainPct int) Layout {
	return Layout{Kind: KindMainVertical, MainPct: mainPct}
}

// Custom replays the given split ops verbatim.
func Custom(splits ...SplitOp) Layout { return Layout{Kind: KindCustom, Splits: splits} }

// Plan validates the layout against the agent count and emits the split
// sequence. Zero agents yields an empty plan: nothing to split, nothing to
// bind.
func (l Layout) Plan(agentCount int) (Plan, error) {
	if agentCount < 0 {
		return Plan{}, fmt.Errorf("agent count cannot be negative: %d", agentCount)
	}
	if agentCount == 0 {
		return Plan{Shortcuts: map[string]int{}}, nil
	}

	plan := Plan{Shortcuts: shortcuts(agentCount)}

	switch l.Kind {
	case KindHorizontal, "":
		plan.Splits = evenSplits(agentCount, DirHorizontal)
		if agentCount > 1 {
			plan.LayoutName = "even-horizontal"
		}

	case KindVertical:
		plan.Splits = evenSplits(agentCount, DirVertical)
		if agentCount > 1 {
			plan.LayoutName = "even-vertical"
		}

	case KindGrid:
		rows, cols, err := gridDims(l.Rows, l.Cols, agentCount)
		if err != nil {
			return Plan{}, err
		}
		plan.Splits = evenSplits(agentCount, DirVertical)
		if agentCount > 1 {
			plan.LayoutName = gridLayoutName(rows, cols)
		}

	case KindMainHorizontal:
		splits, err := mainSplits(l.MainPct, agentCount, DirVertical, DirHorizontal)
		if err != nil {
			return Plan{}, err
		}
		plan.Splits = splits

	case KindMainVertical:
		splits, err := mainSplits(l.MainPct, agentCount, DirHorizontal, DirVertical)
		if err != nil {
			return Plan{}, err
		}
		plan.Splits = splits

	case KindCustom:
		if err := validateCustom(l.Splits); err != nil {
			return Plan{}, err
		}
		plan.Splits = append([]SplitOp(nil), l.Splits...)

	default:
		return Plan{}, fmt.Errorf("unknown layout kind %q", l.Kind)
	}

	return plan, nil
}

// PaneCount returns the number of panes the plan produces.
func (p Plan) PaneCount() int {
	return len(p.Splits) + 1
}

// evenSplits chain-splits the most recent pane so every pane ends up with an
// equal share. Splitting pane j-1 and giving the new pane (n-j)/(n-j+1) of
// its area leaves 1/n of the window for each.
func evenSplits(n int, dir Direction) []SplitOp {
	if n <= 1 {
		return nil
	}
	splits := make([]SplitOp, 0, n-1)
	for j := 1; j < n; j++ {
		splits = append(splits, SplitOp{
			TargetPane: j - 1,
			Direction:  dir,
			SizePct:    (n - j) * 100 / (n - j + 1),
		})
	}
	return splits
}

// mainSplits carves off the main pane first, then divides the remaining
// region evenly among the other panes.
func mainSplits(mainPct, n int, mainDir, stackDir Direction) ([]SplitOp, error) {
	if mainPct <= 0 || mainPct >= 100 {
		return nil, fmt.Errorf("main pane percentage must be in (0,100), got %d", mainPct)
	}
	if n <= 1 {
		return nil, nil
	}

	splits := make([]SplitOp, 0, n-1)
	splits = append(splits, SplitOp{
		TargetPane: 0,
		Direction:  mainDir,
		SizePct:    100 - mainPct,
	})

	rest := n - 1
	for j := 1; j < rest; j++ {
		splits = append(splits, SplitOp{
			TargetPane: j,
			Direction:  stackDir,
			SizePct:    (rest - j) * 100 / (rest - j + 1),
		})
	}
	return splits, nil
}

// gridDims resolves grid dimensions, auto-computing unset ones, and checks
// the grid can hold every agent.
func gridDims(rows, cols, n int) (int, int, error) {
	if rows < 0 || cols < 0 {
		return 0, 0, fmt.Errorf("grid dimensions cannot be negative: %dx%d", rows, cols)
	}
	if cols == 0 {
		cols = int(math.Ceil(math.Sqrt(float64(n))))
	}
	if rows == 0 {
		rows = (n + cols - 1) / cols
	}
	if rows*cols < n {
		return 0, 0, fmt.Errorf("grid %dx%d cannot hold %d agents", rows, cols, n)
	}
	return rows, cols, nil
}

// gridLayoutName picks the multiplexer layout that realizes the grid shape.
// Degenerate grids collapse to a single row or column.
func gridLayoutName(rows, cols int) string {
	switch {
	case rows == 1:
		return "even-horizontal"
	case cols == 1:
		return "even-vertical"
	default:
		return "tiled"
	}
}

func validateCustom(splits []SplitOp) error {
	if len(splits) == 0 {
		return fmt.Errorf("custom layout requires at least one split")
	}
	for i, op := range splits {
		if op.Direction != DirHorizontal && op.Direction != DirVertical {
			return fmt.Errorf("split %d: unknown direction %q", i, op.Direction)
		}
		if op.SizePct <= 0 || op.SizePct > 100 {
			return fmt.Errorf("split %d: size percentage must be in (0,100], got %d", i, op.SizePct)
		}
		// Pane k exists only after k splits have run.
		if op.TargetPane < 0 || op.TargetPane > i {
			return fmt.Errorf("split %d: target pane %d does not exist yet", i, op.TargetPane)
		}
	}
	return nil
}

// shortcuts maps function keys to the first three panes and Alt+digit to the
// first nine.
func shortcuts(n int) map[string]int {
	m := make(map[string]int)
	for i := 0; i < n && i < 3; i++ {
		m[fmt.Sprintf("F%d", i+1)] = i
	}
	for i := 0; i < n && i < 9; i++ {
		m[fmt.Sprintf("M-%d", i+1)] = i
	}
	return m
}
