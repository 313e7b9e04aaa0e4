package store

import (
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
)

// User is created lazily the first time a username is observed.
type User struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Username   string    `gorm:"uniqueIndex;not null" json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Device is one vendor/product/serial identity. HasSerial keeps a device that
// reported no serial apart from one that reported an empty serial.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	VendorID  string    `gorm:"uniqueIndex:device_identity;not null" json:"vid"`
	ProductID string    `gorm:"uniqueIndex:device_identity;not null" json:"pid"`
	HasSerial bool      `gorm:"uniqueIndex:device_identity;not null" json:"has_serial"`
	Serial    string    `gorm:"uniqueIndex:device_identity;not null" json:"serial"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (d Device) Identity() device.Identity {
	id := device.Identity{VendorID: d.VendorID, ProductID: d.ProductID}
	if d.HasSerial {
		s := d.Serial
		id.Serial = &s
	}
	return id
}

// Permission is the single durable decision for a (user, device) pair.
type Permission struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"uniqueIndex:permission_pair;not null" json:"user_id"`
	DeviceID  uint           `gorm:"uniqueIndex:permission_pair;not null" json:"device_id"`
	Decision  device.Verdict `gorm:"not null" json:"decision"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by"`
}

// AuthorizationRequest is one pending-to-terminal decision workflow. PendingKey
// is set while the request is pending and cleared on resolution; its unique
// index allows a single pending request per pair.
type AuthorizationRequest struct {
	ID          uint                 `gorm:"primaryKey" json:"id"`
	UserID      uint                 `gorm:"index;not null" json:"user_id"`
	DeviceID    uint                 `gorm:"index;not null" json:"device_id"`
	DeviceInfo  string               `json:"device_info"`
	Status      device.RequestStatus `gorm:"index;not null" json:"status"`
	AgentID     string               `json:"agent_id"`
	PendingKey  *string              `gorm:"uniqueIndex" json:"-"`
	RequestedAt time.Time            `gorm:"index" json:"requested_at"`
	ResolvedAt  *time.Time           `json:"resolved_at"`
	ResolvedBy  string               `json:"resolved_by"`

	User   User   `gorm:"foreignKey:UserID" json:"-"`
	Device Device `gorm:"foreignKey:DeviceID" json:"-"`
}

func pendingKey(userID, deviceID uint) string {
	return itoa(userID) + "/" + itoa(deviceID)
}

// Agent is an enrolled endpoint daemon.
type Agent struct {
	ID               uint   `gorm:"primaryKey"`
	AgentID          string `gorm:"uniqueIndex"`
	Hostname         string `gorm:"index"`
	PublicKey        []byte
	OSInfo           string
	LastSeen         time.Time
	RequiresRotation bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RotationChallenge is the pending key-rotation nonce issued to an agent.
type RotationChallenge struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"uniqueIndex"`
	Nonce     string
	IssuedAt  time.Time `gorm:"index"`
	ExpiresAt time.Time `gorm:"index"`
}

// AgentNonce tracks recently seen nonces for replay detection.
type AgentNonce struct {
	ID      uint      `gorm:"primaryKey"`
	AgentID string    `gorm:"uniqueIndex:agent_nonce"`
	Nonce   string    `gorm:"uniqueIndex:agent_nonce"`
	SeenAt  time.Time `gorm:"index"`
}

// EnrollmentToken stores hashed, single-use enrollment tokens.
type EnrollmentToken struct {
	ID         uint `gorm:"primaryKey"`
	Label      string
	TokenHash  string `gorm:"uniqueIndex"`
	ExpiresAt  time.Time
	UsedAt     *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{
		&User{},
		&Device{},
		&Permission{},
		&AuthorizationRequest{},
		&Agent{},
		&RotationChallenge{},
		&AgentNonce{},
		&EnrollmentToken{},
	}
}
