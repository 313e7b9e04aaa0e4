package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsUdevPropertyNames(t *testing.T) {
	ev, err := Parse([]byte(`{"ACTION":"add","SUBSYSTEM":"block","ID_VENDOR_ID":"0781","ID_MODEL_ID":"5567",
		"ID_SERIAL_SHORT":"ABC","DEVNAME":"/dev/sdb1","ID_FS_TYPE":"vfat","ID_BUS":"usb","DEVTYPE":"partition",
		"ID_VENDOR":"SanDisk","ID_MODEL":"Cruzer","SEQNUM":42}`))
	require.NoError(t, err)
	assert.Equal(t, ActionAdd, ev.Action)
	assert.Equal(t, "/dev/sdb1", ev.DevicePath)
	require.NotNil(t, ev.Serial)
	assert.Equal(t, "ABC", *ev.Serial)
	assert.Equal(t, "SanDisk Cruzer (vfat)", ev.Description())
	assert.True(t, Relevant(ev))

	id, err := ev.Identity()
	require.NoError(t, err)
	assert.Equal(t, "0781", id.VendorID)
}

func TestParseKeepsSerialAbsenceDistinct(t *testing.T) {
	absent, err := Parse([]byte(`{"action":"add","vid":"0781","pid":"5567"}`))
	require.NoError(t, err)
	assert.Nil(t, absent.Serial)

	null, err := Parse([]byte(`{"action":"add","vid":"0781","pid":"5567","serial":null}`))
	require.NoError(t, err)
	assert.Nil(t, null.Serial)

	empty, err := Parse([]byte(`{"action":"add","vid":"0781","pid":"5567","serial":""}`))
	require.NoError(t, err)
	require.NotNil(t, empty.Serial)
	assert.Equal(t, "", *empty.Serial)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	require.Error(t, err)
	_, err = Parse([]byte(`{"vid":"0781"}`))
	require.Error(t, err)
}

func TestRelevantFilters(t *testing.T) {
	base := Event{Action: ActionAdd, Subsystem: "block", DevicePath: "/dev/sdb1", FSType: "vfat", Bus: "usb", DevType: "partition"}
	assert.True(t, Relevant(base))

	cases := map[string]func(*Event){
		"not usb":      func(e *Event) { e.Bus = "ata" },
		"no fs":        func(e *Event) { e.FSType = "" },
		"wrong type":   func(e *Event) { e.DevType = "loop" },
		"wrong subsys": func(e *Event) { e.Subsystem = "net" },
		"no node":      func(e *Event) { e.DevicePath = "" },
		"change":       func(e *Event) { e.Action = "change" },
	}
	for name, mutate := range cases {
		ev := base
		mutate(&ev)
		assert.False(t, Relevant(ev), name)
	}

	assert.True(t, Relevant(Event{Action: ActionRemove, DevicePath: "/dev/sdb1"}))
}

func TestReaderSourceStreamsRelevantEvents(t *testing.T) {
	input := strings.Join([]string{
		`{"action":"add","subsystem":"block","vid":"0781","pid":"5567","devnode":"/dev/sdb1","fs_type":"vfat","bus":"usb","devtype":"partition"}`,
		`garbage`,
		``,
		`{"action":"add","subsystem":"block","vid":"0781","pid":"5567","devnode":"/dev/sdc","bus":"usb","devtype":"disk"}`,
		`{"action":"remove","subsystem":"block","devnode":"/dev/sdb1"}`,
	}, "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := NewReaderSource(strings.NewReader(input), zerolog.Nop()).Events(ctx)
	require.NoError(t, err)

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, ActionAdd, got[0].Action)
	assert.Equal(t, ActionRemove, got[1].Action)
}
