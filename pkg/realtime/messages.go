// Package realtime is the push channel between the server, its admins and the
// endpoint agents. Delivery is best effort to currently connected subscribers.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
)

type MessageType string

const (
	// client -> server
	TypeJoin  MessageType = "join"
	TypeLeave MessageType = "leave"
	TypePing  MessageType = "ping"

	// server -> client
	TypePong              MessageType = "pong"
	TypeJoined            MessageType = "joined"
	TypeError             MessageType = "error"
	TypeDeviceRequest     MessageType = "device_request"
	TypeRequestApproved   MessageType = "request_approved"
	TypeRequestDenied     MessageType = "request_denied"
	TypeRequestResolved   MessageType = "request_resolved"
	TypePermissionRevoked MessageType = "permission_revoked"
)

// Message is the envelope of every frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewMessage(t MessageType, data any) (*Message, error) {
	msg := &Message{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// Scope is a subscription key: the admin scope or one user's scope.
type Scope string

const AdminScope Scope = "admin"

const userScopePrefix = "user:"

func UserScope(username string) Scope {
	return Scope(userScopePrefix + username)
}

// Username returns the user of a user scope.
func (s Scope) Username() (string, bool) {
	name, ok := strings.CutPrefix(string(s), userScopePrefix)
	return name, ok && name != ""
}

type JoinData struct {
	Scope    string `json:"scope"`
	Username string `json:"username,omitempty"`
}

func (j JoinData) target() (Scope, error) {
	switch j.Scope {
	case "admin":
		return AdminScope, nil
	case "user":
		if j.Username == "" {
			return "", fmt.Errorf("user scope requires a username")
		}
		return UserScope(j.Username), nil
	default:
		return "", fmt.Errorf("unknown scope %q", j.Scope)
	}
}

type JoinedData struct {
	Scope    string `json:"scope"`
	Username string `json:"username,omitempty"`
}

type ErrorData struct {
	Error string `json:"error"`
}

// DeviceRequestData is pushed to admins when a request is created.
type DeviceRequestData struct {
	RequestID   uint      `json:"request_id"`
	Username    string    `json:"username"`
	DeviceInfo  string    `json:"device_info"`
	VendorID    string    `json:"vid"`
	ProductID   string    `json:"pid"`
	Serial      *string   `json:"serial"`
	RequestedAt time.Time `json:"requested_at"`
}

// ResolutionData is pushed to the waiting user scope, and with ResolvedBy set
// to admins as request_resolved.
type ResolutionData struct {
	RequestID  uint                 `json:"request_id"`
	Username   string               `json:"username"`
	Status     device.RequestStatus `json:"status"`
	VendorID   string               `json:"vid"`
	ProductID  string               `json:"pid"`
	Serial     *string              `json:"serial"`
	ResolvedBy string               `json:"resolved_by,omitempty"`
}

func (r ResolutionData) Identity() device.Identity {
	return device.Identity{VendorID: r.VendorID, ProductID: r.ProductID, Serial: r.Serial}
}

type RevocationData struct {
	Username  string  `json:"username"`
	VendorID  string  `json:"vid"`
	ProductID string  `json:"pid"`
	Serial    *string `json:"serial"`
}

func (r RevocationData) Identity() device.Identity {
	return device.Identity{VendorID: r.VendorID, ProductID: r.ProductID, Serial: r.Serial}
}

// ResolutionType maps a terminal status to its user-scope message type.
func ResolutionType(status device.RequestStatus) MessageType {
	if status == device.StatusApproved {
		return TypeRequestApproved
	}
	return TypeRequestDenied
}

func statusFor(t MessageType) device.RequestStatus {
	if t == TypeRequestApproved {
		return device.StatusApproved
	}
	return device.StatusDenied
}
