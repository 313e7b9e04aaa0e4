package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	calls [][]string
	err   error
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return nil, r.err
}

func TestDesktopRunsNotifySendAsUser(t *testing.T) {
	runner := &recordingRunner{}
	d := NewDesktop(zerolog.Nop())
	d.Runner = runner
	d.Lookup = func(string) (int, int, error) { return 1000, 1000, nil }

	d.Notify(context.Background(), "alice", TitlePending, PendingBody("SanDisk Cruzer (vfat)"))
	require.Len(t, runner.calls, 1)
	call := strings.Join(runner.calls[0], " ")
	assert.True(t, strings.HasPrefix(call, "runuser -u alice -- env DISPLAY=:0"))
	assert.Contains(t, call, "DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus")
	assert.Equal(t, "SanDisk Cruzer (vfat) is waiting for administrator approval", runner.calls[0][len(runner.calls[0])-1])
}

func TestDesktopSkipsUnknownUsers(t *testing.T) {
	runner := &recordingRunner{}
	d := NewDesktop(zerolog.Nop())
	d.Runner = runner
	d.Lookup = func(string) (int, int, error) { return -1, -1, errors.New("unknown user") }

	d.Notify(context.Background(), "ghost", TitleDenied, "x")
	d.Notify(context.Background(), "", TitleDenied, "x")
	assert.Empty(t, runner.calls)
}

func TestDesktopSwallowsRunnerErrors(t *testing.T) {
	runner := &recordingRunner{err: errors.New("exit status 1")}
	d := NewDesktop(zerolog.Nop())
	d.Runner = runner
	d.Lookup = func(string) (int, int, error) { return 1000, 1000, nil }

	assert.NotPanics(t, func() { d.Notify(context.Background(), "alice", TitleAllowed, "x") })
}
