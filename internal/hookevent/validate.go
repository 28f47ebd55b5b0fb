package hookevent

import (
	"encoding/json"
	"fmt"
)

// validKinds is the set of allowed inbound event kinds.
var validKinds = map[Kind]bool{
	KindSessionStarted:      true,
	KindToolUseStarted:      true,
	KindToolUseEnded:        true,
	KindUserInputWaiting:    true,
	KindPermissionRequested: true,
	KindPermissionDecided:   true,
	KindCompactionStarted:   true,
	KindCompactionEnded:     true,
	KindSessionEnded:        true,
	KindFileUpdated:         true,
	KindSubagentUpdated:     true,
}

// Validate parses a raw frame and checks the per-kind required fields.
// Returns the parsed Event and any validation error.
func Validate(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if ev.SessionID == "" {
		return nil, fmt.Errorf("missing 'sessionId' field")
	}
	if ev.Kind == "" {
		return nil, fmt.Errorf("missing 'kind' field")
	}
	if !validKinds[ev.Kind] {
		return nil, fmt.Errorf("unknown event kind: %s", ev.Kind)
	}

	switch ev.Kind {
	case KindToolUseStarted, KindToolUseEnded:
		var p ToolUsePayload
		if err := unmarshalPayload(&ev, &p); err != nil {
			return nil, err
		}
		if p.ToolName == "" {
			return nil, fmt.Errorf("missing required field 'toolName' in %s payload", ev.Kind)
		}

	case KindPermissionRequested:
		var p PermissionRequestedPayload
		if err := unmarshalPayload(&ev, &p); err != nil {
			return nil, err
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", ev.Kind)
		}
		if p.ToolName == "" {
			return nil, fmt.Errorf("missing required field 'toolName' in %s payload", ev.Kind)
		}

	case KindPermissionDecided:
		var p PermissionDecidedPayload
		if err := unmarshalPayload(&ev, &p); err != nil {
			return nil, err
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", ev.Kind)
		}
		if p.Decision != DecisionApprove && p.Decision != DecisionDeny {
			return nil, fmt.Errorf("invalid decision %q in %s payload", p.Decision, ev.Kind)
		}

	case KindSubagentUpdated:
		var p SubagentUpdatedPayload
		if err := unmarshalPayload(&ev, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("missing required field 'name' in %s payload", ev.Kind)
		}
	}

	return &ev, nil
}

func unmarshalPayload(ev *Event, dst interface{}) error {
	if ev.Payload == nil {
		return fmt.Errorf("missing 'payload' field for %s", ev.Kind)
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", ev.Kind, err)
	}
	return nil
}
