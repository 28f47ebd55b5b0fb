package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"claude-relay/internal/state"
)

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Print the audit trail of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var trail []state.AuditEntry
			if err := getJSON("/sessions/"+args[0]+"/audit", &trail); err != nil {
				return err
			}

			if len(trail) == 0 {
				fmt.Println("No audit entries.")
				return nil
			}

			table := newTable([]string{"Time", "Event", "Before", "After", "Outcome", "Reason"})
			for _, e := range trail {
				table.Append([]string{
					e.Timestamp.Local().Format(time.StampMilli),
					string(e.Event),
					string(e.PhaseBefore),
					string(e.PhaseAfter),
					statusColor(e.Status),
					e.Reason,
				})
			}
			table.Render()
			return nil
		},
	}
}
