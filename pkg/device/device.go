package device

import (
	"errors"
	"fmt"
	"strings"
)

// Identity is the immutable vendor/product/serial tuple of a removable device.
// A nil Serial means the device did not report one, which is distinct from a
// reported empty serial.
type Identity struct {
	VendorID  string  `json:"vid"`
	ProductID string  `json:"pid"`
	Serial    *string `json:"serial"`
}

var ErrInvalidIdentity = errors.New("invalid device identity")

// NewIdentity normalises vid/pid to lower case. serial may be nil.
func NewIdentity(vid, pid string, serial *string) (Identity, error) {
	id := Identity{
		VendorID:  strings.ToLower(strings.TrimSpace(vid)),
		ProductID: strings.ToLower(strings.TrimSpace(pid)),
	}
	if serial != nil {
		s := strings.TrimSpace(*serial)
		id.Serial = &s
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// WithSerial is a convenience for a device that reports a serial.
func WithSerial(vid, pid, serial string) Identity {
	id, _ := NewIdentity(vid, pid, &serial)
	return id
}

// WithoutSerial is a convenience for a device that reports no serial.
func WithoutSerial(vid, pid string) Identity {
	id, _ := NewIdentity(vid, pid, nil)
	return id
}

func (i Identity) Validate() error {
	if i.VendorID == "" || i.ProductID == "" {
		return fmt.Errorf("%w: vid and pid are required", ErrInvalidIdentity)
	}
	if strings.ContainsAny(i.VendorID+i.ProductID, ":/ ") {
		return fmt.Errorf("%w: vid/pid contain separator characters", ErrInvalidIdentity)
	}
	return nil
}

func (i Identity) HasSerial() bool { return i.Serial != nil }

// SerialValue returns the serial, or "" when none was reported.
func (i Identity) SerialValue() string {
	if i.Serial == nil {
		return ""
	}
	return *i.Serial
}

// String renders vid:pid:serial, or vid:pid when no serial was reported.
// A reported empty serial renders with a trailing colon.
func (i Identity) String() string {
	if i.Serial == nil {
		return i.VendorID + ":" + i.ProductID
	}
	return i.VendorID + ":" + i.ProductID + ":" + *i.Serial
}

// Equal compares identities including serial presence.
func (i Identity) Equal(o Identity) bool {
	if i.VendorID != o.VendorID || i.ProductID != o.ProductID {
		return false
	}
	if i.HasSerial() != o.HasSerial() {
		return false
	}
	return i.SerialValue() == o.SerialValue()
}

// ParseIdentity is the inverse of String.
func ParseIdentity(raw string) (Identity, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return Identity{}, fmt.Errorf("%w: expected vid:pid[:serial], got %q", ErrInvalidIdentity, raw)
	}
	var serial *string
	if len(parts) == 3 {
		serial = &parts[2]
	}
	return NewIdentity(parts[0], parts[1], serial)
}

// PairKey identifies a (user, device) pair. Serial presence is encoded so a
// serial-less device never shares a key with one reporting "".
func PairKey(username string, id Identity) string {
	marker := "-"
	if id.HasSerial() {
		marker = "+"
	}
	return username + "|" + id.VendorID + "|" + id.ProductID + "|" + marker + id.SerialValue()
}
