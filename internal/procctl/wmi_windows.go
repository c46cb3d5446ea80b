package procctl

import (
	"context"
	"fmt"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/yusufpapurcu/wmi"
)

// win32Process is the subset of Win32_Process queried via the simple
// wmi.Query helper to find candidate PIDs.
type win32Process struct {
	ProcessId uint32
}

// terminateByNameWMI terminates every process named name, across Windows
// sessions, over WMI. This exists in place of parent-kills-child
// semantics, which do not hold across sessions: backend processes
// routinely run in a different interactive session than the router.
//
// Enumeration uses github.com/yusufpapurcu/wmi (a simple query helper);
// invoking the Terminate() method on each match requires COM method
// dispatch, done directly over github.com/go-ole/go-ole's oleutil helpers.
// Both packages are already present in this module's dependency graph as
// transitive dependencies of gopsutil's Windows process backend — this
// promotes them to direct, explicit use.
func terminateByNameWMI(ctx context.Context, name string) error {
	var procs []win32Process
	query := fmt.Sprintf("SELECT ProcessId FROM Win32_Process WHERE Name = '%s'", escapeWQLString(name))
	if err := wmi.Query(query, &procs); err != nil {
		return fmt.Errorf("wmi query for %q: %w", name, err)
	}

	var firstErr error
	for _, p := range procs {
		if err := terminateProcessByPID(p.ProcessId); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("terminating pid %d: %w", p.ProcessId, err)
		}
	}
	return firstErr
}

// terminateProcessByPID invokes Win32_Process.Terminate() over raw COM,
// since the query-only wmi.Query helper has no method-call support.
func terminateProcessByPID(pid uint32) error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != ole.S_OK {
			return fmt.Errorf("initializing COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	locatorUnknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return fmt.Errorf("creating SWbemLocator: %w", err)
	}
	defer locatorUnknown.Release()

	locator, err := locatorUnknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("querying IDispatch: %w", err)
	}
	defer locator.Release()

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer")
	if err != nil {
		return fmt.Errorf("connecting to WMI service: %w", err)
	}
	service := serviceRaw.ToIDispatch()
	defer service.Release()

	pathRaw, err := oleutil.CallMethod(service, "Get", fmt.Sprintf("Win32_Process.Handle='%d'", pid))
	if err != nil {
		return fmt.Errorf("binding to process %d: %w", pid, err)
	}
	processObj := pathRaw.ToIDispatch()
	defer processObj.Release()

	if _, err := oleutil.CallMethod(processObj, "Terminate"); err != nil {
		return fmt.Errorf("calling Terminate on pid %d: %w", pid, err)
	}
	return nil
}

// escapeWQLString escapes single quotes in a WQL string literal.
func escapeWQLString(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
