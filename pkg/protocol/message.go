// Package protocol defines the control-channel message types exchanged
// between the controller and its agents. All messages are JSON framed.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of control-channel message.
type MessageType string

const (
	// Agent -> controller
	TypeRegistration MessageType = "registration"
	TypeReconnection MessageType = "reconnection"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeStatus       MessageType = "status"
	TypeAlert        MessageType = "alert"

	// Controller -> agent
	TypeCommand MessageType = "command"
)

// Message is the envelope for all control-channel traffic.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParsePayload unmarshals the message payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %q has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// NewMessage builds a message of the given type with a marshaled payload.
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// RegistrationPayload is sent by an agent on its first connection,
// exchanging a one-time token for a permanent agent identity.
type RegistrationPayload struct {
	Token     string `json:"token"`
	PublicKey string `json:"publicKey"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
}

// RegistrationResult is the controller's response to a registration.
type RegistrationResult struct {
	AgentID string `json:"agentId"`
	GitURL  string `json:"gitUrl,omitempty"`
}

// ReconnectionPayload is sent by an agent that already holds an identity.
// The public key is the channel-level credential; the hub matches it
// against the key stored for the agent id.
type ReconnectionPayload struct {
	AgentID   string `json:"agentId"`
	PublicKey string `json:"publicKey"`
}

// HeartbeatPayload carries an optional monotonic sequence number.
type HeartbeatPayload struct {
	Sequence uint64 `json:"sequence,omitempty"`
}

// StatusPayload is a free-form key/value report from an agent.
type StatusPayload map[string]interface{}

// AlertLevel classifies an alert's severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Valid reports whether the level is one of the recognized severities.
func (l AlertLevel) Valid() bool {
	switch l {
	case AlertInfo, AlertWarning, AlertError, AlertCritical:
		return true
	}
	return false
}

// AlertPayload is an alert raised by an agent subsystem or workflow step.
type AlertPayload struct {
	Level   AlertLevel             `json:"level"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CommandPayload is a controller-issued instruction to an agent.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}
