package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"claude-relay/internal/hookevent"
)

func resolveCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resolve <request-id> <approve|deny>",
		Short: "Settle a pending permission request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := hookevent.Decision(args[1])
			if decision != hookevent.DecisionApprove && decision != hookevent.DecisionDeny {
				return fmt.Errorf("decision must be approve or deny, got %q", args[1])
			}

			body := map[string]interface{}{
				"decision": decision,
				"reason":   reason,
			}
			if err := postJSON("/requests/"+args[0]+"/decision", body); err != nil {
				return err
			}

			fmt.Printf("%s request %s: %s\n", green("resolved"), args[0], decision)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the decision")
	return cmd
}
