package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"claude-relay/internal/state"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List tracked sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []*state.Session
			if err := getJSON("/sessions", &sessions); err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions tracked.")
				return nil
			}

			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].StartedAt.Before(sessions[j].StartedAt)
			})

			table := newTable([]string{"Session", "Phase", "Tool", "Files", "Started", "Updated"})
			for _, s := range sessions {
				tool := s.Tools.ActiveTool
				if s.Phase.Kind == state.PhaseWaitingForApproval && s.Phase.Approval != nil {
					tool = s.Phase.Approval.ToolName + " (pending " + s.Phase.Approval.RequestID + ")"
				}
				table.Append([]string{
					s.ID,
					phaseColor(s.Phase.Kind),
					tool,
					strconv.Itoa(s.FileCount),
					s.StartedAt.Local().Format(time.Stamp),
					s.LastUpdated.Local().Format(time.Stamp),
				})
			}
			table.Render()
			return nil
		},
	}
}
