// Package notify shows desktop notifications to the owner of a device.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/haasonsaas/usbgate/pkg/identity"
	"github.com/rs/zerolog"
)

type Notifier interface {
	Notify(ctx context.Context, username, title, body string)
}

type Nop struct{}

func (Nop) Notify(context.Context, string, string, string) {}

// Desktop runs notify-send inside the user's session via runuser. Failures are
// logged and otherwise ignored.
type Desktop struct {
	Runner  identity.Runner
	Lookup  func(username string) (uid, gid int, err error)
	Display string
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewDesktop(logger zerolog.Logger) *Desktop {
	return &Desktop{
		Runner:  identity.ExecRunner{},
		Lookup:  identity.Account,
		Display: ":0",
		Timeout: 10 * time.Second,
		Logger:  logger,
	}
}

func (d *Desktop) Notify(ctx context.Context, username, title, body string) {
	if username == "" {
		return
	}
	uid, _, err := d.Lookup(username)
	if err != nil {
		d.Logger.Warn().Err(err).Str("username", username).Msg("notification skipped: unknown user")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	args := []string{
		"-u", username, "--",
		"env",
		"DISPLAY=" + d.Display,
		fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/%s/bus", strconv.Itoa(uid)),
		"notify-send", "--app-name=usbgate", "--urgency=normal", "--expire-time=5000",
		title, body,
	}
	if _, err := d.Runner.Run(ctx, "runuser", args...); err != nil {
		d.Logger.Warn().Err(err).Str("username", username).Msg("desktop notification failed")
		return
	}
	d.Logger.Debug().Str("username", username).Str("title", title).Msg("desktop notification sent")
}

// Messages shown for each outcome of an attach.
const (
	TitleAllowed = "USB device connected"
	TitleDenied  = "USB device blocked"
	TitlePending = "USB device awaiting approval"
	TitleRevoked = "USB device access revoked"
)

func AllowedBody(desc string) string { return fmt.Sprintf("%s is mounted", desc) }
func DeniedBody(desc string) string { return fmt.Sprintf("%s was blocked by the security policy", desc) }
func PendingBody(desc string) string {
	return fmt.Sprintf("%s is waiting for administrator approval", desc)
}
func RevokedBody(desc string) string { return fmt.Sprintf("Access to %s was revoked", desc) }
func FailedBody(desc string) string { return fmt.Sprintf("%s was allowed but could not be mounted", desc) }
