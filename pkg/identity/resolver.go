// Package identity decides which local user owns a newly attached device by
// asking the OS, through an ordered list of strategies.
package identity

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Strategy yields a candidate owner. ok is false when the strategy has no
// confident answer; err is reserved for the strategy itself failing.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context) (username string, ok bool, err error)
}

// Result is Unknown when Username is empty.
type Result struct {
	Username string
	Method   string
}

func (r Result) Known() bool { return r.Username != "" }

var Unknown = Result{}

type Resolver struct {
	strategies []Strategy
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewResolver(strategies []Strategy, timeout time.Duration, logger zerolog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{strategies: strategies, timeout: timeout, logger: logger}
}

// ResolveOwner returns the first confident strategy result, or Unknown.
func (r *Resolver) ResolveOwner(ctx context.Context) Result {
	for _, s := range r.strategies {
		if ctx.Err() != nil {
			return Unknown
		}
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		user, ok, err := s.Resolve(sctx)
		cancel()
		if err != nil {
			r.logger.Debug().Err(err).Str("method", s.Name()).Msg("owner strategy failed")
			continue
		}
		if ok {
			r.logger.Debug().Str("method", s.Name()).Str("username", user).Msg("owner resolved")
			return Result{Username: user, Method: s.Name()}
		}
	}
	return Unknown
}

// Build returns the named strategies in order.
func Build(names []string, runner Runner, procRoot string) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case "loginctl":
			out = append(out, Loginctl{Runner: runner})
		case "who":
			out = append(out, Who{Runner: runner})
		case "display_server":
			out = append(out, DisplayServer{Runner: runner})
		case "proc_environ":
			out = append(out, ProcEnviron{Root: procRoot})
		default:
			return nil, fmt.Errorf("unknown identity strategy %q", name)
		}
	}
	return out, nil
}

// single returns the only distinct non-root candidate.
func single(candidates []string) (string, bool) {
	var only string
	for _, c := range candidates {
		if c == "" || c == "root" {
			continue
		}
		if only != "" && c != only {
			return "", false
		}
		only = c
	}
	return only, only != ""
}
