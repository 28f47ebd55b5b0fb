package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"claude-relay/internal/bridge"
	"claude-relay/internal/state"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live session phase changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(), nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL(), err)
			}
			defer conn.Close()

			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("connection closed: %w", err)
				}

				var msg bridge.Message
				if err := json.Unmarshal(raw, &msg); err != nil {
					continue
				}

				switch msg.Type {
				case bridge.TypeStateSnapshot:
					var p bridge.SnapshotPayload
					if err := json.Unmarshal(msg.Payload, &p); err != nil {
						continue
					}
					fmt.Printf("%s tracking %d session(s)\n", faint(time.Now().Format(time.StampMilli)), len(p.Sessions))
					for _, s := range p.Sessions {
						printSession(msg.Timestamp, s)
					}

				case bridge.TypeStateDelta:
					var p bridge.DeltaPayload
					if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Session == nil {
						continue
					}
					printSession(msg.Timestamp, p.Session)
				}
			}
		},
	}
}

func printSession(ts time.Time, s *state.Session) {
	line := fmt.Sprintf("%s %s %s", faint(ts.Local().Format(time.StampMilli)), s.ID, phaseColor(s.Phase.Kind))
	if s.Tools.ActiveTool != "" {
		line += " tool=" + s.Tools.ActiveTool
	}
	if s.Phase.Kind == state.PhaseWaitingForApproval && s.Phase.Approval != nil {
		line += fmt.Sprintf(" %s request=%s tool=%s risk=%s",
			red("approval?"), s.Phase.Approval.RequestID, s.Phase.Approval.ToolName, s.Phase.Approval.RiskLevel)
	}
	if s.Subagent != nil && s.Subagent.Active {
		line += " subagent=" + s.Subagent.Name
	}
	fmt.Println(line)
}
