package types

import (
	"encoding/json"
	"fmt"
)

// Typed payload variants for the event families this subsystem routes.
// The wire envelope keeps payload as an opaque map for forward
// compatibility; consumers validate into the concrete variant
// immediately after receipt with DecodePayload.

// ChatMessagePayload is the payload of the chat_message* events.
type ChatMessagePayload struct {
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content"`
	Role      string `json:"role,omitempty"`
}

// ToolCallPayload is the payload of the tool_call_* events.
type ToolCallPayload struct {
	CallID   string         `json:"call_id"`
	ToolName string         `json:"tool_name,omitempty"`
	Progress float64        `json:"progress,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// AgentStatusPayload is the payload of the agent_* events.
type AgentStatusPayload struct {
	AgentID  string  `json:"agent_id"`
	Status   string  `json:"status"`
	TaskID   string  `json:"task_id,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// ErrorPayload is the payload of error and connection_error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DecodePayload validates the opaque payload of e into dst, a pointer
// to one of the typed variants above. Unknown payload keys are ignored
// so newer producers stay compatible with older consumers. Decode
// failures wrap ErrValidation.
func DecodePayload(e Event, dst any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: payload does not match %q shape: %v", ErrValidation, e.Type, err)
	}
	return nil
}
