// Package events is the boundary between the host's device notifications and
// the agent. The udev helper writes one JSON object per line.
package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/usbgate/pkg/device"
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Event is one block device add or remove.
type Event struct {
	Action     Action  `json:"action"`
	Subsystem  string  `json:"subsystem"`
	VendorID   string  `json:"vid"`
	ProductID  string  `json:"pid"`
	Serial     *string `json:"serial"`
	DevicePath string  `json:"devnode"`
	FSType     string  `json:"fs_type"`
	Vendor     string  `json:"vendor,omitempty"`
	Model      string  `json:"model,omitempty"`
	Label      string  `json:"label,omitempty"`
	Bus        string  `json:"bus"`
	DevType    string  `json:"devtype"`
}

// Source delivers events until ctx ends; the channel is then closed.
type Source interface {
	Events(ctx context.Context) (<-chan Event, error)
}

func (e Event) Identity() (device.Identity, error) {
	return device.NewIdentity(e.VendorID, e.ProductID, e.Serial)
}

// Description is the human readable line shown to admins.
func (e Event) Description() string {
	vendor, model, fs := e.Vendor, e.Model, e.FSType
	if vendor == "" {
		vendor = "Unknown"
	}
	if model == "" {
		model = "Unknown"
	}
	if fs == "" {
		fs = "unknown"
	}
	desc := fmt.Sprintf("%s %s (%s)", vendor, model, fs)
	if e.Label != "" {
		desc += " " + e.Label
	}
	return desc
}

// Relevant reports whether the agent should act on e. Adds must be USB block
// disks or partitions carrying a filesystem; removes only need a node.
func Relevant(e Event) bool {
	if e.Subsystem != "" && e.Subsystem != "block" {
		return false
	}
	if e.DevicePath == "" {
		return false
	}
	switch e.Action {
	case ActionAdd:
		if !strings.EqualFold(e.Bus, "usb") || e.FSType == "" {
			return false
		}
		return e.DevType == "disk" || e.DevType == "partition"
	case ActionRemove:
		return true
	default:
		return false
	}
}
