// Package packet defines the wire frames exchanged between the bridge,
// the proxy, and executors, plus the command-class timeout table applied
// to every in-flight command.
package packet

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message types carried in the "type" field of every WebSocket frame.
const (
	TypeRegister             = "register"
	TypeRegistrationResponse = "registration_response"
	TypeCommandPacket        = "command_packet"
	TypePacketResponse       = "packet_response"
	TypePing                 = "ping"
	TypePong                 = "pong"
)

// Roles a connection may register as.
const (
	RoleExecutor = "executor"
	RoleBridge   = "bridge"
)

// Command carries the executor-facing action and its opaque arguments.
type Command struct {
	Action    string                     `json:"action"`
	RequestID string                     `json:"requestId"`
	Args      map[string]json.RawMessage `json:"args,omitempty"`
}

// DocumentKey derives the logical document identity for lock scoping.
// Commands naming a document id serialize against that document; all
// others serialize against a single per-application key.
func (c Command) DocumentKey(application string) string {
	if raw, ok := c.Args["documentId"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return application + "/" + id
		}
	}
	return application
}

// CommandPacket is the bridge -> proxy transport frame.
type CommandPacket struct {
	Type        string  `json:"type"`
	Application string  `json:"application"`
	Command     Command `json:"command"`
}

// PacketResponse is the proxy -> bridge response frame, correlated by
// request id.
type PacketResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// WireError is the error body carried inside a PacketResponse.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Register is the first frame a connection sends to the proxy.
type Register struct {
	Type        string `json:"type"`
	Application string `json:"application"`
	Role        string `json:"role"`
}

// RegistrationResponse acknowledges (or rejects) a Register frame.
type RegistrationResponse struct {
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Frame is the minimal decode target used to sniff a frame's type before
// decoding it into the concrete struct.
type Frame struct {
	Type string `json:"type"`
}

// NewRequestID returns a sortable globally unique request id.
func NewRequestID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
