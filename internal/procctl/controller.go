// Package procctl queries, terminates, and launches backend processes by
// name. Termination must reach processes running in any Windows session,
// not just the router's own, so it goes over WMI rather than relying on
// parent-kills-child semantics (which do not hold: backends routinely run
// under a different session than the router).
package procctl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrProcessControl wraps a termination or launch failure. These are
// logged and the operation continues best-effort — callers are not
// expected to abort on this error, only to record it.
var ErrProcessControl = fmt.Errorf("procctl: process control failure")

// TerminatePollInterval and TerminateMaxWait bound how long Terminate polls
// for a process to vanish after issuing termination.
const (
	TerminatePollInterval = 250 * time.Millisecond
	TerminateMaxWait      = 5 * time.Second
)

// Controller queries, terminates, and launches backend processes. Its I/O
// is split into small overridable function fields so tests can exercise
// the retry/polling logic without real Windows processes.
type Controller struct {
	logger *slog.Logger

	// listRunningNames returns the image names of all currently running
	// processes. Defaults to a gopsutil-backed implementation.
	listRunningNames func(ctx context.Context) ([]string, error)

	// terminateByName issues a system-wide, cross-session termination of
	// every process named name. Defaults to a WMI Win32_Process.Terminate
	// call.
	terminateByName func(ctx context.Context, name string) error

	// launchDetached starts exePath (or a bare command resolved via PATH)
	// so that it survives this process's exit. Defaults to a
	// "cmd /C start" indirection.
	launchDetached func(ctx context.Context, exePath string) error

	// fileExists checks whether a path (as opposed to a bare command name)
	// refers to an existing file. Defaults to os.Stat.
	fileExists func(path string) bool

	now   func() time.Time
	sleep func(time.Duration)
}

// New returns a Controller wired to real Windows process control.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:           logger,
		listRunningNames: listRunningNamesGopsutil,
		terminateByName:  terminateByNameWMI,
		launchDetached:   launchDetachedWindows,
		fileExists:       statFileExists,
		now:              time.Now,
		sleep:            time.Sleep,
	}
}

// IsRunning reports whether any process named processName is currently
// running.
func (c *Controller) IsRunning(ctx context.Context, processName string) (bool, error) {
	names, err := c.listRunningNames(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: listing processes: %v", ErrProcessControl, err)
	}
	for _, n := range names {
		if strings.EqualFold(n, processName) {
			return true, nil
		}
	}
	return false, nil
}

// Terminate issues a system-wide termination of every process named
// processName, then polls up to TerminateMaxWait for it to vanish. A
// failure to terminate, or a process that survives the wait, is logged and
// treated as best-effort.
func (c *Controller) Terminate(ctx context.Context, processName string) {
	if err := c.terminateByName(ctx, processName); err != nil {
		c.logger.Warn("process termination failed", "process", processName, "error", err)
		// fall through to the poll: termination may have partially
		// succeeded even if the WMI call itself reported an error.
	}

	deadline := c.now().Add(TerminateMaxWait)
	for c.now().Before(deadline) {
		running, err := c.IsRunning(ctx, processName)
		if err != nil {
			c.logger.Warn("process liveness check failed during terminate", "process", processName, "error", err)
			return
		}
		if !running {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.sleep(TerminatePollInterval)
	}
	c.logger.Warn("process did not terminate within wait window", "process", processName, "wait", TerminateMaxWait)
}

// LaunchDetached starts processName/exePath if it is not already running.
// If exePath contains no path separator, it is launched as a bare command
// resolved via PATH; otherwise the file must exist, or the launch is
// skipped with a warning.
func (c *Controller) LaunchDetached(ctx context.Context, processName, exePath string) {
	running, err := c.IsRunning(ctx, processName)
	if err != nil {
		c.logger.Warn("failed to check if process already running before launch", "process", processName, "error", err)
	}
	if running {
		return
	}

	isBareCommand := !strings.ContainsAny(exePath, `/\`)
	if !isBareCommand && !c.fileExists(exePath) {
		c.logger.Warn("backend executable not found, skipping launch", "process", processName, "path", exePath)
		return
	}

	if err := c.launchDetached(ctx, exePath); err != nil {
		c.logger.Warn("failed to launch backend", "process", processName, "path", exePath, "error", err)
	}
}

// --- default, Windows-facing implementations ---

func listRunningNamesGopsutil(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process exited mid-enumeration; not fatal
		}
		names = append(names, name)
	}
	return names, nil
}

// launchDetachedWindows starts exePath via a shell "start" indirection, so
// the child is reparented to the shell rather than adopted as a direct
// descendant that would be reaped when this process exits.
func launchDetachedWindows(ctx context.Context, exePath string) error {
	cmd := exec.CommandContext(ctx, "cmd", "/C", "start", "", exePath)
	return cmd.Start()
}

func statFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
