// Package sidecar supervises the untrusted agent subprocess and speaks
// its line-delimited JSON protocol: one object per line on stdin and
// stdout, correlated by id/commandId.
package sidecar

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope shared by both directions. Commands
// carry a payload; responses carry the originating command's id in
// CommandID and use a type ending in "_response".
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
}

// agentCommands are the agent-originated command types routed to the
// dispatcher. Everything else that is not a response passes through as
// an opaque task event.
var agentCommands = map[string]bool{
	"request_effect":                true,
	"propose_patch":                 true,
	"apply_patch":                   true,
	"reject_patch":                  true,
	"register_agent_identity":       true,
	"record_agent_delegation":       true,
	"report_mcp_gateway_decision":   true,
	"report_runtime_security_alert": true,
}

// IsResponse reports whether the message answers an earlier command.
func (m *Message) IsResponse() bool {
	return strings.HasSuffix(m.Type, "_response")
}

// IsAgentCommand reports whether the message is a recognized
// agent-originated command.
func (m *Message) IsAgentCommand() bool {
	return agentCommands[m.Type]
}

// NewCommand builds a host-originated command with a fresh id.
func NewCommand(msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: wireTimestamp(),
		Payload:   raw,
	}, nil
}

// NewResponse builds a reply to an agent-originated command.
func NewResponse(command *Message, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		Type:      command.Type + "_response",
		ID:        uuid.New().String(),
		Timestamp: wireTimestamp(),
		Payload:   raw,
		CommandID: command.ID,
	}, nil
}

func wireTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
