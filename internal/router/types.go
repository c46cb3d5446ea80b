// Package router implements the request-routing state machine: identity
// listing, sign dispatch, backend switching, and the manual switch/rescan
// commands.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/sshagentmux/sshagentmux/internal/core"
	"github.com/sshagentmux/sshagentmux/internal/pipeserver"
	"github.com/sshagentmux/sshagentmux/internal/wire"
)

// BackendSpec is the immutable configuration record for one backend.
type BackendSpec struct {
	Name           string
	ProcessName    string
	ExecutablePath string
	Priority       int
}

// backendSpecsFromConfig builds a priority-sorted BackendSpec list from the
// persisted agents map.
func backendSpecsFromConfig(agents map[string]core.AgentConfig) []BackendSpec {
	specs := make([]BackendSpec, 0, len(agents))
	for name, cfg := range agents {
		specs = append(specs, BackendSpec{
			Name:           name,
			ProcessName:    cfg.ProcessName,
			ExecutablePath: cfg.ExePath,
			Priority:       cfg.Priority,
		})
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Priority != specs[j].Priority {
			return specs[i].Priority < specs[j].Priority
		}
		return specs[i].Name < specs[j].Name // stable, deterministic tie-break
	})
	return specs
}

// BackendClient is the subset of internal/backend.Client the router calls.
// Satisfied by *backend.Client in production; a scripted fake in tests.
type BackendClient interface {
	RequestIdentities() ([]wire.Identity, error)
	Sign(keyBlob, data []byte, flags uint32) ([]byte, error)
	Forward(frame wire.Frame) (wire.Frame, error)
	Close() error
}

// ConnectFunc opens a fresh connection to the shared backend pipe. It does
// not take a backend name: the pipe is a single global resource whichever
// backend currently owns it.
type ConnectFunc func(ctx context.Context) (BackendClient, error)

// ProcessController is the subset of internal/procctl.Controller the
// router calls.
type ProcessController interface {
	IsRunning(ctx context.Context, processName string) (bool, error)
	Terminate(ctx context.Context, processName string)
	LaunchDetached(ctx context.Context, processName, exePath string)
}

// ConnectionHintFunc resolves a peer process id to an opaque "connection
// hint" string (e.g. a hostname or repository name inferred from the
// peer's command line). The router treats the result as opaque; nil means
// no hint is ever available.
type ConnectionHintFunc func(peerPID uint32) string

// SelectionDialogFunc presents a key-selection UI and returns the subset
// the user chose, or ok=false if cancelled/unavailable. The router falls
// back to the unrestricted candidate list whenever this is nil or returns
// ok=false.
type SelectionDialogFunc func(candidates []wire.Identity) (selected []wire.Identity, ok bool)

// clock and sleep are indirections so tests can run the retry/backoff
// state machine without real wall-clock waits.
type clock struct {
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func realClock() clock {
	return clock{
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

var _ pipeserver.Router = (*Router)(nil)
