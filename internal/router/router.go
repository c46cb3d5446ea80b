package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sshagentmux/sshagentmux/internal/backend"
	"github.com/sshagentmux/sshagentmux/internal/core"
	"github.com/sshagentmux/sshagentmux/internal/pipeserver"
	"github.com/sshagentmux/sshagentmux/internal/store"
	"github.com/sshagentmux/sshagentmux/internal/wire"
)

// Literal timings of the sign-request state machine below.
const (
	switchWait         = 3 * time.Second
	triggerUnlockWait  = 1500 * time.Millisecond
	triggerUnlockTries = 10
	signRetryWait      = 2 * time.Second
	signRetryAttempts  = 5
)

// errSkipped marks a step that was skipped entirely because its backend is
// in the failure cache for this fingerprint; it never reaches a client.
var errSkipped = errors.New("router: backend on cooldown")

// ErrAllBackendsFailed means every applicable backend was tried (or
// skipped via the failure cache) and none produced a signature.
var ErrAllBackendsFailed = errors.New("router: no backend produced a signature")

// Config wires a Router to its collaborators. ConnectionHint and
// SelectDialog may be nil to disable the corresponding optional
// enrichment; a nil Logger defaults to slog.Default and a nil Interactive
// to never interactive. Every other field is required.
type Config struct {
	Agents         map[string]core.AgentConfig
	DefaultBackend string
	Mapping        *store.Mapping
	Failures       *store.FailureCache
	Procs          ProcessController
	Connect        ConnectFunc
	Logger         *slog.Logger
	ConnectionHint ConnectionHintFunc
	SelectDialog   SelectionDialogFunc
	Interactive    func() bool
}

// Router is the request-routing state machine: the single instance that
// owns current_backend, fingerprint_to_backend (via Mapping), all_keys,
// keys_scanned and the failure cache. Every exported method that observes
// or mutates this state takes mu for its full duration, including any
// backend switch and retry cascade.
type Router struct {
	mu sync.Mutex

	logger   *slog.Logger
	mapping  *store.Mapping
	failures *store.FailureCache

	backends       []BackendSpec
	backendByName  map[string]BackendSpec
	defaultBackend string

	procs   ProcessController
	connect ConnectFunc
	clock   clock

	connectionHint ConnectionHintFunc
	selectDialog   SelectionDialogFunc
	interactive    func() bool

	currentBackend string // "" means None
	allKeys        []wire.Identity
	keysScanned    bool
}

// New constructs a Router from cfg. Callers must call Start before serving
// requests.
func New(cfg Config) *Router {
	backends := backendSpecsFromConfig(cfg.Agents)
	byName := make(map[string]BackendSpec, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interactive := cfg.Interactive
	if interactive == nil {
		interactive = func() bool { return false }
	}
	return &Router{
		logger:         logger,
		mapping:        cfg.Mapping,
		failures:       cfg.Failures,
		backends:       backends,
		backendByName:  byName,
		defaultBackend: cfg.DefaultBackend,
		procs:          cfg.Procs,
		connect:        cfg.Connect,
		clock:          realClock(),
		connectionHint: cfg.ConnectionHint,
		selectDialog:   cfg.SelectDialog,
		interactive:    interactive,
	}
}

// ConnectBackend adapts a backend.Dialer into a ConnectFunc, opening a
// fresh backend.Client per logical operation.
func ConnectBackend(dial backend.Dialer) ConnectFunc {
	return func(ctx context.Context) (BackendClient, error) {
		return backend.Connect(ctx, dial)
	}
}

// stealsOnStart classifies a backend as the "unlock-on-list" variant that
// steals the shared pipe the moment it starts, the canonical example being
// Bitwarden. This is explicitly a heuristic over the configured name, not
// a persisted property: it must degrade to current_backend = None
// gracefully outside the two-backend case, never mis-pin an unrelated
// backend to Known.
func stealsOnStart(spec BackendSpec) bool {
	return strings.Contains(strings.ToLower(spec.Name), "bitwarden")
}

// Start loads cached state from Mapping and detects the current backend
// from running processes. It must be called once before Dispatch.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.mapping.CachedIdentities() {
		r.addIdentityIfNewLocked(id)
	}
	if r.mapping.BackendCount() >= 2 {
		r.keysScanned = true
	}
	r.currentBackend = r.detectCurrentBackend(ctx)
	r.logger.Info("router started",
		"current_backend", r.currentBackend,
		"keys_scanned", r.keysScanned,
		"cached_keys", len(r.allKeys))
}

// detectCurrentBackend infers pipe ownership from running processes,
// never from querying the pipe itself: querying can itself trigger an
// unlock dialog.
func (r *Router) detectCurrentBackend(ctx context.Context) string {
	var stealers, others []BackendSpec
	for _, spec := range r.backends {
		if stealsOnStart(spec) {
			stealers = append(stealers, spec)
		} else {
			others = append(others, spec)
		}
	}

	for _, spec := range stealers {
		if running, err := r.procs.IsRunning(ctx, spec.ProcessName); err == nil && running {
			return spec.Name
		}
	}

	var runningOthers []string
	for _, spec := range others {
		if running, err := r.procs.IsRunning(ctx, spec.ProcessName); err == nil && running {
			runningOthers = append(runningOthers, spec.Name)
		}
	}
	if len(runningOthers) == 1 {
		return runningOthers[0]
	}
	return ""
}

// Dispatch implements pipeserver.Router: every frame is handled under the
// router's single exclusive lock, for its full duration.
func (r *Router) Dispatch(ctx context.Context, frame wire.Frame, client pipeserver.ClientContext) wire.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-ctx.Done():
		return wire.Frame{Type: wire.MsgFailure}
	default:
	}

	switch frame.Type {
	case wire.MsgRequestIdentities:
		return r.listIdentities(ctx, client)
	case wire.MsgSignRequest:
		return r.dispatchSign(ctx, frame.Payload)
	default:
		return r.forward(ctx, frame)
	}
}

func (r *Router) dispatchSign(ctx context.Context, payload []byte) wire.Frame {
	req, err := wire.ParseSignRequest(payload)
	if err != nil {
		return wire.Frame{Type: wire.MsgFailure}
	}
	sig, err := r.signRequest(ctx, req)
	if err != nil {
		return wire.Frame{Type: wire.MsgFailure}
	}
	return wire.Frame{Type: wire.MsgSignResponse, Payload: wire.EncodeSignResponse(sig)}
}

// forward proxies a message type the router does not interpret to the
// shared backend pipe verbatim, uninterpreted.
func (r *Router) forward(ctx context.Context, frame wire.Frame) wire.Frame {
	c, err := r.connect(ctx)
	if err != nil {
		return wire.Frame{Type: wire.MsgFailure}
	}
	defer c.Close()

	resp, err := c.Forward(frame)
	if err != nil {
		return wire.Frame{Type: wire.MsgFailure}
	}
	return resp
}

// --- identity listing ---

func (r *Router) listIdentities(ctx context.Context, client pipeserver.ClientContext) wire.Frame {
	var candidates []wire.Identity

	switch {
	case r.keysScanned && len(r.allKeys) > 0:
		candidates = r.allKeys

	case len(r.backends) == 1:
		r.scanBackend(ctx, r.backends[0])
		r.keysScanned = true
		candidates = r.allKeys

	default:
		for _, spec := range r.backends {
			r.scanBackend(ctx, spec)
		}
		r.keysScanned = true
		candidates = r.allKeys
	}

	if len(candidates) == 0 {
		return wire.Frame{Type: wire.MsgFailure}
	}

	candidates = r.reorder(candidates, client.PeerPID)
	return wire.Frame{Type: wire.MsgIdentitiesAnswer, Payload: wire.EncodeIdentitiesAnswer(candidates)}
}

// scanBackend ensures spec is running, lists its identities, and merges
// newly discovered ones into allKeys, persisting each via Mapping.Put
// A connection failure here is silent: an unreachable backend during a
// listing scan simply contributes nothing.
func (r *Router) scanBackend(ctx context.Context, spec BackendSpec) {
	if running, err := r.procs.IsRunning(ctx, spec.ProcessName); err != nil || !running {
		r.procs.LaunchDetached(ctx, spec.ProcessName, spec.ExecutablePath)
	}

	c, err := r.connect(ctx)
	if err != nil {
		return
	}
	defer c.Close()

	ids, err := c.RequestIdentities()
	if err != nil {
		return
	}
	for _, id := range ids {
		if r.addIdentityIfNewLocked(id) {
			fp := wire.Fingerprint(id.Blob)
			if err := r.mapping.Put(fp, spec.Name, id.Blob, id.Comment); err != nil {
				r.logger.Warn("failed to persist discovered key mapping", "fingerprint", fp, "backend", spec.Name, "error", err)
			}
		}
	}
}

// addIdentityIfNewLocked appends id to allKeys unless its fingerprint is
// already present, preserving the "no duplicate fingerprints" invariant
// Caller must hold mu.
func (r *Router) addIdentityIfNewLocked(id wire.Identity) bool {
	fp := wire.Fingerprint(id.Blob)
	for _, existing := range r.allKeys {
		if wire.Fingerprint(existing.Blob) == fp {
			return false
		}
	}
	r.allKeys = append(r.allKeys, id)
	return true
}

// reorder applies the optional connection-hint reordering and, failing
// that, the optional interactive selection dialog.
func (r *Router) reorder(candidates []wire.Identity, peerPID uint32) []wire.Identity {
	if r.connectionHint != nil {
		hint := r.connectionHint(peerPID)
		if fp, matched := matchHostHint(hint, r.mapping.Document().HostKeyMappings); matched {
			if idx := indexByFingerprint(candidates, fp); idx > 0 {
				reordered := make([]wire.Identity, 0, len(candidates))
				reordered = append(reordered, candidates[idx])
				reordered = append(reordered, candidates[:idx]...)
				reordered = append(reordered, candidates[idx+1:]...)
				return reordered
			}
			return candidates
		}
	}

	if len(candidates) > 1 && len(r.backends) > 1 && r.selectDialog != nil && r.interactive() {
		if selected, ok := r.selectDialog(candidates); ok && len(selected) > 0 {
			return selected
		}
	}
	return candidates
}

func indexByFingerprint(identities []wire.Identity, fp string) int {
	for i, id := range identities {
		if wire.Fingerprint(id.Blob) == fp {
			return i
		}
	}
	return -1
}

// --- sign request ---

func (r *Router) signRequest(ctx context.Context, req wire.SignRequest) ([]byte, error) {
	fp := wire.Fingerprint(req.KeyBlob)
	r.currentBackend = r.detectCurrentBackend(ctx)

	mapped, explicit := r.mapping.Get(fp)
	target := mapped
	if !explicit {
		if r.currentBackend != "" {
			target = r.currentBackend
		} else {
			target = r.defaultBackend
		}
	}
	if target == "" {
		return nil, ErrAllBackendsFailed
	}
	spec, ok := r.backendByName[target]
	if !ok {
		r.logger.Warn("sign target names an unconfigured backend", "backend", target)
		return nil, ErrAllBackendsFailed
	}

	var sig []byte
	var err error
	if target == r.currentBackend && r.currentBackend != "" {
		sig, err = r.attemptCurrent(ctx, spec, req, fp)
	} else {
		sig, err = r.attemptSwitch(ctx, spec, req, fp)
	}
	if err == nil {
		r.onSignSuccess(fp, target, req.KeyBlob)
		return sig, nil
	}
	if explicit {
		// the user must authenticate the explicitly mapped backend themselves.
		return nil, ErrAllBackendsFailed
	}

	sig, usedBackend, err := r.attemptRemaining(ctx, target, req, fp)
	if err != nil {
		return nil, ErrAllBackendsFailed
	}
	r.onSignSuccess(fp, usedBackend, req.KeyBlob)
	return sig, nil
}

func (r *Router) onSignSuccess(fp, backendName string, blob []byte) {
	if err := r.mapping.Put(fp, backendName, blob, ""); err != nil {
		r.logger.Warn("failed to persist key mapping after sign", "fingerprint", fp, "backend", backendName, "error", err)
	}
}

// attemptCurrent is step A: target already equals the believed-current
// backend, so just connect and sign, with the orphaned-pipe recovery for
// list-without-unlock backends.
func (r *Router) attemptCurrent(ctx context.Context, spec BackendSpec, req wire.SignRequest, fp string) ([]byte, error) {
	if r.failures.IsCached(fp, spec.Name) {
		return nil, errSkipped
	}

	sig, err := r.trySignOnce(ctx, spec, req)
	if err == nil {
		r.failures.Clear(fp, spec.Name)
		return sig, nil
	}
	if !errors.Is(err, backend.ErrNotConnected) {
		// Sign refusal: never cached, the user may still be authenticating.
		return nil, err
	}

	if !stealsOnStart(spec) {
		// The pipe may be orphaned: the previous owner exited without this
		// backend reacquiring it. Restart it and retry once.
		r.procs.Terminate(ctx, spec.ProcessName)
		r.procs.LaunchDetached(ctx, spec.ProcessName, spec.ExecutablePath)
		if !r.sleepCancellable(ctx, switchWait) {
			return nil, ctx.Err()
		}
		if sig, retryErr := r.trySignOnce(ctx, spec, req); retryErr == nil {
			r.failures.Clear(fp, spec.Name)
			return sig, nil
		}
	}

	r.failures.MarkFailed(fp, spec.Name)
	return nil, err
}

// attemptSwitch is step B: a partial switch to spec (terminate only the
// current backend, launch spec), then trigger-unlock, then a bounded
// sign-retry cascade.
func (r *Router) attemptSwitch(ctx context.Context, spec BackendSpec, req wire.SignRequest, fp string) ([]byte, error) {
	if r.failures.IsCached(fp, spec.Name) {
		return nil, errSkipped
	}

	if r.currentBackend != "" {
		if cur, ok := r.backendByName[r.currentBackend]; ok {
			r.procs.Terminate(ctx, cur.ProcessName)
		}
	}
	r.procs.LaunchDetached(ctx, spec.ProcessName, spec.ExecutablePath)
	r.currentBackend = spec.Name
	if !r.sleepCancellable(ctx, switchWait) {
		return nil, ctx.Err()
	}

	r.triggerUnlock(ctx, spec)

	var lastErr error
	for attempt := 0; attempt < signRetryAttempts; attempt++ {
		sig, err := r.trySignOnce(ctx, spec, req)
		if err == nil {
			r.failures.Clear(fp, spec.Name)
			return sig, nil
		}
		lastErr = err
		if errors.Is(err, backend.ErrNotConnected) {
			r.failures.MarkFailed(fp, spec.Name)
			return nil, err
		}
		// Sign refusal: logged and retried, the user may be authenticating.
		r.logger.Debug("sign refused, retrying after switch", "backend", spec.Name, "attempt", attempt+1)
		if attempt < signRetryAttempts-1 {
			if !r.sleepCancellable(ctx, signRetryWait) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// triggerUnlock issues list-identities against the shared pipe until a
// non-empty response is seen or the attempt budget is exhausted: some
// backends only prompt for unlock on a list, not a sign.
func (r *Router) triggerUnlock(ctx context.Context, spec BackendSpec) {
	for attempt := 0; attempt < triggerUnlockTries; attempt++ {
		c, err := r.connect(ctx)
		if err == nil {
			ids, _ := c.RequestIdentities()
			c.Close()
			if len(ids) > 0 {
				return
			}
		}
		if attempt < triggerUnlockTries-1 {
			if !r.sleepCancellable(ctx, triggerUnlockWait) {
				return
			}
		}
	}
	r.logger.Debug("trigger-unlock exhausted without a non-empty listing", "backend", spec.Name)
}

// attemptRemaining is step C: when the fingerprint has no explicit mapping
// and the first attempt failed, try the other configured backends in
// priority order, each via a full switch.
func (r *Router) attemptRemaining(ctx context.Context, tried string, req wire.SignRequest, fp string) ([]byte, string, error) {
	for _, spec := range r.backends {
		if spec.Name == tried {
			continue
		}
		if r.failures.IsCached(fp, spec.Name) {
			continue
		}

		r.terminateAll(ctx)
		r.procs.LaunchDetached(ctx, spec.ProcessName, spec.ExecutablePath)
		r.currentBackend = spec.Name
		if !r.sleepCancellable(ctx, switchWait) {
			return nil, "", ctx.Err()
		}

		sig, err := r.trySignOnce(ctx, spec, req)
		if err == nil {
			r.failures.Clear(fp, spec.Name)
			return sig, spec.Name, nil
		}
		if errors.Is(err, backend.ErrNotConnected) {
			r.failures.MarkFailed(fp, spec.Name)
		}
		// Sign refusal: not cached, but this cascade only tries each
		// remaining backend once; the caller falls through to the next.
	}
	return nil, "", ErrAllBackendsFailed
}

func (r *Router) trySignOnce(ctx context.Context, spec BackendSpec, req wire.SignRequest) ([]byte, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Sign(req.KeyBlob, req.Data, req.Flags)
}

func (r *Router) terminateAll(ctx context.Context) {
	for _, spec := range r.backends {
		r.procs.Terminate(ctx, spec.ProcessName)
	}
}

// sleepCancellable waits d or until ctx is cancelled, returning false in
// the latter case so callers can abort the operation with failure.
func (r *Router) sleepCancellable(ctx context.Context, d time.Duration) bool {
	r.clock.sleep(ctx, d)
	select {
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

// --- manual commands ---

// SwitchTo implements the manual switch_to command: terminate all
// configured backends, launch name (detached) and wait, then, when force
// is set, also launch every other configured backend. current_backend is
// always set to name on an actual switch; a no-op (not forced, already on
// name) leaves it untouched.
func (r *Router) SwitchTo(ctx context.Context, name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.currentBackend == name {
		return nil
	}
	spec, ok := r.backendByName[name]
	if !ok {
		return ErrAllBackendsFailed
	}

	r.terminateAll(ctx)
	r.procs.LaunchDetached(ctx, spec.ProcessName, spec.ExecutablePath)
	r.sleepCancellable(ctx, switchWait)
	r.currentBackend = name

	if force {
		for _, other := range r.backends {
			if other.Name == name {
				continue
			}
			r.procs.LaunchDetached(ctx, other.ProcessName, other.ExecutablePath)
		}
	}
	return nil
}

// Rescan implements the manual rescan command: discard the cached
// identity list and perform a fresh merged scan.
func (r *Router) Rescan(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allKeys = nil
	r.keysScanned = false
	for _, spec := range r.backends {
		r.scanBackend(ctx, spec)
	}
	r.keysScanned = true
}

// Stats is a read-only snapshot of router state, for status reporting by
// the outer CLI shell.
type Stats struct {
	CurrentBackend      string
	KeysScanned         bool
	KnownKeys           int
	ConfiguredBackends  int
	FailureCacheEntries int
}

// Stats returns a point-in-time snapshot of the router's internal state.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		CurrentBackend:     r.currentBackend,
		KeysScanned:        r.keysScanned,
		KnownKeys:          len(r.allKeys),
		ConfiguredBackends: len(r.backends),
		FailureCacheEntries: func() int {
			if r.failures == nil {
				return 0
			}
			return r.failures.Len()
		}(),
	}
}
