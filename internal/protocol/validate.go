package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionJoin:   true,
	TypeSessionLeave:  true,
	TypeCodeChange:    true,
	TypeFileOperation: true,
	TypeFileSwitch:    true,
	TypeFileOpened:    true,
	TypeExecute:       true,
	TypeShellCommand:  true,
}

var validOperations = map[string]bool{
	OpCreate: true,
	OpRename: true,
	OpDelete: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionJoin, TypeSessionLeave:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "session_id", p.SessionID); err != nil {
			return nil, err
		}

	case TypeCodeChange:
		var p CodeChangePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "session_id", p.SessionID); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "filename", p.Filename); err != nil {
			return nil, err
		}

	case TypeFileOperation:
		var p FileOperationPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "session_id", p.SessionID); err != nil {
			return nil, err
		}
		if !validOperations[p.Operation] {
			return nil, fmt.Errorf("unknown file operation %q", p.Operation)
		}
		if err := requireField(msg.Type, "filename", p.Filename); err != nil {
			return nil, err
		}
		if p.Operation == OpRename {
			if err := requireField(msg.Type, "new_name", p.NewName); err != nil {
				return nil, err
			}
		}

	case TypeFileSwitch:
		var p FileSwitchPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "session_id", p.SessionID); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "filename", p.Filename); err != nil {
			return nil, err
		}

	case TypeFileOpened:
		var p FileOpenedPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "session_id", p.SessionID); err != nil {
			return nil, err
		}
		if err := requireField(msg.Type, "filename", p.Filename); err != nil {
			return nil, err
		}

	case TypeExecute:
		// code/language are checked by the executor so that the rejection
		// carries the executor's error kind.
		var p ExecutePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}

	case TypeShellCommand:
		var p ShellCommandPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func decode(msg Message, into interface{}) error {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func requireField(msgType, field, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
