package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxLine = 64 * 1024

// JSONLineSource reads newline-delimited JSON events. Both the agent's own
// keys and raw udev property names (ID_VENDOR_ID, DEVNAME, ...) are accepted.
type JSONLineSource struct {
	open   func() (io.ReadCloser, error)
	reopen bool
	delay  time.Duration
	logger zerolog.Logger
}

// NewFileSource reads path, or stdin for "-". A fifo is reopened each time its
// writer goes away.
func NewFileSource(path string, logger zerolog.Logger) *JSONLineSource {
	if path == "-" {
		return NewReaderSource(os.Stdin, logger)
	}
	reopen := false
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeNamedPipe != 0 {
		reopen = true
	}
	return &JSONLineSource{
		open:   func() (io.ReadCloser, error) { return os.Open(path) },
		reopen: reopen,
		delay:  time.Second,
		logger: logger,
	}
}

// NewReaderSource reads a single stream. A reader that is also an io.Closer
// is closed when the context ends.
func NewReaderSource(r io.Reader, logger zerolog.Logger) *JSONLineSource {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &JSONLineSource{
		open:   func() (io.ReadCloser, error) { return rc, nil },
		logger: logger,
	}
}

func (s *JSONLineSource) Events(ctx context.Context) (<-chan Event, error) {
	first, err := s.open()
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		rc := first
		for {
			s.read(ctx, rc, out)
			rc.Close()
			if !s.reopen || ctx.Err() != nil {
				return
			}
			for {
				rc, err = s.open()
				if err == nil {
					break
				}
				s.logger.Warn().Err(err).Msg("reopen event source failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.delay):
				}
			}
		}
	}()
	return out, nil
}

func (s *JSONLineSource) read(ctx context.Context, rc io.ReadCloser, out chan<- Event) {
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ev, err := Parse([]byte(line))
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed device event")
			continue
		}
		if !Relevant(ev) {
			s.logger.Debug().Str("action", string(ev.Action)).Str("devnode", ev.DevicePath).Msg("ignoring device event")
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Error().Err(err).Msg("event source read failed")
	}
}

var aliases = map[string][]string{
	"action":    {"action", "ACTION"},
	"subsystem": {"subsystem", "SUBSYSTEM"},
	"vid":       {"vid", "ID_VENDOR_ID"},
	"pid":       {"pid", "ID_MODEL_ID"},
	"serial":    {"serial", "ID_SERIAL_SHORT"},
	"devnode":   {"devnode", "DEVNAME"},
	"fs_type":   {"fs_type", "ID_FS_TYPE"},
	"vendor":    {"vendor", "ID_VENDOR"},
	"model":     {"model", "ID_MODEL"},
	"label":     {"label", "ID_FS_LABEL"},
	"bus":       {"bus", "ID_BUS"},
	"devtype":   {"devtype", "DEVTYPE"},
}

// Parse decodes one event line. A serial key that is absent or null yields a
// nil Serial.
func Parse(line []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}
	get := func(key string) *string {
		for _, k := range aliases[key] {
			v, ok := raw[k]
			if !ok {
				continue
			}
			var s *string
			if err := json.Unmarshal(v, &s); err == nil && s != nil {
				return s
			}
		}
		return nil
	}
	str := func(key string) string {
		if v := get(key); v != nil {
			return *v
		}
		return ""
	}

	ev := Event{
		Action:     Action(strings.ToLower(str("action"))),
		Subsystem:  str("subsystem"),
		VendorID:   str("vid"),
		ProductID:  str("pid"),
		Serial:     get("serial"),
		DevicePath: str("devnode"),
		FSType:     str("fs_type"),
		Vendor:     str("vendor"),
		Model:      str("model"),
		Label:      str("label"),
		Bus:        str("bus"),
		DevType:    str("devtype"),
	}
	if ev.Action == "" {
		return Event{}, errors.New("event has no action")
	}
	return ev, nil
}
