package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"claude-relay/internal/state"
)

var (
	cyan    = color.New(color.FgHiCyan).SprintFunc()
	green   = color.New(color.FgHiGreen).SprintFunc()
	yellow  = color.New(color.FgHiYellow).SprintFunc()
	red     = color.New(color.FgHiRed).SprintFunc()
	magenta = color.New(color.FgHiMagenta).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
)

// phaseColor renders a phase kind in its conventional color.
func phaseColor(kind state.PhaseKind) string {
	s := string(kind)
	switch kind {
	case state.PhaseIdle:
		return green(s)
	case state.PhaseProcessing:
		return yellow(s)
	case state.PhaseWaitingForInput:
		return cyan(s)
	case state.PhaseWaitingForApproval:
		return red(s)
	case state.PhaseCompacting:
		return magenta(s)
	case state.PhaseEnded:
		return faint(s)
	default:
		return s
	}
}

func statusColor(status state.OutcomeStatus) string {
	s := string(status)
	switch status {
	case state.StatusApplied:
		return green(s)
	case state.StatusRejected:
		return red(s)
	case state.StatusTimeout:
		return yellow(s)
	default:
		return s
	}
}

// newTable creates a tablewriter with consistent borderless styling.
func newTable(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
