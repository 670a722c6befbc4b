package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/dshills/rtledit/internal/settings"
)

// SettingsSource provides the persisted enabled/disabled state.
// *settings.Gateway implements it.
type SettingsSource interface {
	Load(known ...string) (settings.Snapshot, error)
}

// Fetcher downloads one extension folder into dest.
// *registry.Client implements it.
type Fetcher interface {
	Download(ctx context.Context, id, dest string) error
}

// Active is an extension that is loaded and contributing to the host.
type Active struct {
	Ext           Discovered
	Instance      Instance
	Contributions Contributions
	Namespace     string
	ActivatedAt   time.Time
}

// Info is a read-only view of one extension for listings.
type Info struct {
	Discovered
	State State

	// LastErr is the most recent activation failure, if any.
	LastErr error

	// Set only while active.
	InstanceID    string
	Namespace     string
	Contributions Contributions
	ActivatedAt   time.Time
}

// Manager owns every discovered and active extension. All lifecycle
// transitions go through it; transitions for the same id are serialized.
type Manager struct {
	mu sync.RWMutex

	dir      string
	store    *Store
	loader   Loader
	bridge   HostBridge
	settings SettingsSource
	fetcher  Fetcher
	logger   zerolog.Logger
	now      func() time.Time

	// Latest discovery snapshot, replaced wholesale.
	discovered map[string]Discovered
	order      []string

	states      map[string]State
	lastErr     map[string]error
	active      map[string]*Active
	generations map[string]uint64

	handlers []EventHandler

	// Events raised under a lock wait here until the public method that
	// raised them has released its locks.
	eventsMu   sync.Mutex
	events     []Event
	delivering bool

	// opMu serializes Reload, Install, Uninstall and Shutdown.
	opMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLoader sets the code loader. The default is a LuaLoader.
func WithLoader(loader Loader) ManagerOption {
	return func(m *Manager) {
		m.loader = loader
	}
}

// WithBridge sets the host bridge. The default is NopBridge.
func WithBridge(bridge HostBridge) ManagerOption {
	return func(m *Manager) {
		m.bridge = bridge
	}
}

// WithSettings sets the settings source consulted by Reload.
func WithSettings(source SettingsSource) ManagerOption {
	return func(m *Manager) {
		m.settings = source
	}
}

// WithFetcher sets the fetcher used by Install.
func WithFetcher(fetcher Fetcher) ManagerOption {
	return func(m *Manager) {
		m.fetcher = fetcher
	}
}

// WithClock sets the time source for activation timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager for the extensions in dir, checked against host.
func NewManager(dir string, host Host, opts ...ManagerOption) *Manager {
	m := &Manager{
		dir:         dir,
		store:       NewStore(host),
		loader:      NewLuaLoader(),
		bridge:      NopBridge{},
		logger:      zerolog.Nop(),
		now:         time.Now,
		discovered:  make(map[string]Discovered),
		states:      make(map[string]State),
		lastErr:     make(map[string]error),
		active:      make(map[string]*Active),
		generations: make(map[string]uint64),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "extensions").Logger()
	return m
}

// Dir returns the extensions directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Host returns the host extensions are checked against.
func (m *Manager) Host() Host {
	return m.store.Host()
}

// Discover rescans the extensions directory and replaces the discovery
// snapshot. It loads no code and leaves active extensions running.
func (m *Manager) Discover() ([]Discovered, error) {
	found, err := m.store.Discover(m.dir)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]Discovered, len(found))
	order := make([]string, 0, len(found))
	for _, d := range found {
		snapshot[d.ID] = d
		order = append(order, d.ID)
		if d.Compatibility == Malformed {
			m.logger.Warn().Str("extension", d.ID).Err(d.Err).Msg("malformed extension")
		}
	}

	m.mu.Lock()
	states := make(map[string]State, len(found))
	for _, d := range found {
		prev, seen := m.states[d.ID]
		_, isActive := m.active[d.ID]
		switch {
		case isActive:
			states[d.ID] = StateActive
		case d.Compatibility != Compatible:
			states[d.ID] = StateIncompatible
		case seen && prev == StateDisabled:
			states[d.ID] = StateDisabled
		default:
			states[d.ID] = StateDiscovered
		}
	}
	// Active extensions whose folder vanished stay active until deactivated.
	for id := range m.active {
		states[id] = StateActive
	}
	m.discovered = snapshot
	m.order = order
	m.states = states
	m.mu.Unlock()

	return found, nil
}

// LoadAndActivate loads the extension's code into a fresh namespace,
// initializes it and registers its contributions.
//
// The extension must be discovered, compatible and not active. On failure
// nothing is registered with the host, the extension is left disabled and
// the returned error is an *ActivationError.
func (m *Manager) LoadAndActivate(ctx context.Context, id string) error {
	defer m.flush()
	unlock := m.lockID(id)
	defer unlock()

	m.mu.RLock()
	d, ok := m.discovered[id]
	state, known := m.states[id]
	_, isActive := m.active[id]
	m.mu.RUnlock()

	switch {
	case isActive:
		return fmt.Errorf("extension %q: %w", id, ErrAlreadyActive)
	case !ok || !known:
		return &NotEligibleError{ID: id, State: state, Cause: ErrNotFound}
	case d.Compatibility != Compatible:
		cause := d.Compatibility.Err()
		if d.Err != nil {
			cause = d.Err
		}
		return &NotEligibleError{ID: id, State: state, Cause: cause}
	case !state.CanActivate():
		return &NotEligibleError{ID: id, State: state, Cause: fmt.Errorf("state %s", state)}
	}

	return m.activate(ctx, d)
}

// activate runs the activation steps. Must be called with the id lock held.
func (m *Manager) activate(ctx context.Context, d Discovered) error {
	id := d.ID

	m.mu.Lock()
	m.generations[id]++
	namespace := fmt.Sprintf("%s#%d", id, m.generations[id])
	m.mu.Unlock()

	env := Environment{
		Namespace: namespace,
		Editor:    NewFacade(id, m.bridge, m.logger),
		Logger:    m.logger.With().Str("extension", id).Logger(),
	}

	var inst Instance
	err := guard(id, "load", func() error {
		var err error
		inst, err = m.loader.Load(ctx, d, env)
		return err
	})
	if err == nil && inst == nil {
		err = fmt.Errorf("loader returned no instance")
	}
	if err != nil {
		return m.fail(id, err)
	}

	err = guard(id, hookInitialize, func() error { return inst.Initialize(ctx) })
	if err != nil && !errors.Is(err, ErrNotProvided) {
		m.discard(id, inst)
		return m.fail(id, err)
	}

	contrib, err := m.pull(ctx, id, inst)
	if err == nil {
		err = register(m.bridge, id, contrib)
	}
	if err != nil {
		m.cleanup(ctx, id, inst)
		m.discard(id, inst)
		return m.fail(id, err)
	}

	a := &Active{
		Ext:           d,
		Instance:      inst,
		Contributions: contrib,
		Namespace:     namespace,
		ActivatedAt:   m.now(),
	}

	m.mu.Lock()
	m.active[id] = a
	m.states[id] = StateActive
	delete(m.lastErr, id)
	m.mu.Unlock()

	m.logger.Info().
		Str("extension", id).
		Str("namespace", namespace).
		Str("instance", inst.InstanceID()).
		Msg("extension activated")
	m.emit(Event{Type: EventActivated, ID: id, InstanceID: inst.InstanceID()})
	return nil
}

// pull collects the optional contributions. A hook that is not provided
// contributes nothing.
func (m *Manager) pull(ctx context.Context, id string, inst Instance) (Contributions, error) {
	var c Contributions

	steps := []struct {
		hook string
		run  func() error
	}{
		{hookMenuItems, func() (err error) { c.MenuItems, err = inst.MenuItems(ctx); return }},
		{hookSidebarItems, func() (err error) { c.SidebarPanel, err = inst.SidebarPanel(ctx); return }},
		{hookContextMenuItems, func() (err error) { c.ContextMenuItems, err = inst.ContextMenuItems(ctx); return }},
		{hookShortcuts, func() (err error) { c.Shortcuts, err = inst.Shortcuts(ctx); return }},
	}
	for _, step := range steps {
		if err := guard(id, step.hook, step.run); err != nil && !errors.Is(err, ErrNotProvided) {
			return Contributions{}, err
		}
	}
	return c, nil
}

// fail records an activation failure and leaves the extension disabled.
func (m *Manager) fail(id string, cause error) error {
	err := &ActivationError{ID: id, Cause: cause}

	m.mu.Lock()
	if _, ok := m.discovered[id]; ok {
		m.states[id] = StateDisabled
	}
	m.lastErr[id] = err
	m.mu.Unlock()

	m.logger.Error().Str("extension", id).Err(cause).Msg("extension activation failed")
	m.emit(Event{Type: EventActivationFailed, ID: id, Err: err})
	return err
}

// cleanup runs the cleanup hook. Errors are logged, never returned.
func (m *Manager) cleanup(ctx context.Context, id string, inst Instance) {
	err := guard(id, hookCleanup, func() error { return inst.Cleanup(ctx) })
	if err != nil && !errors.Is(err, ErrNotProvided) {
		m.logger.Warn().Str("extension", id).Err(err).Msg("extension cleanup failed")
	}
}

// discard closes the instance and its namespace.
func (m *Manager) discard(id string, inst Instance) {
	if err := guard(id, "close", inst.Close); err != nil {
		m.logger.Warn().Str("extension", id).Err(err).Msg("closing extension failed")
	}
}

// Deactivate runs cleanup, unregisters every contribution, discards the
// instance and marks the extension disabled. Cleanup failures are logged.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	defer m.flush()
	unlock := m.lockID(id)
	defer unlock()

	m.mu.RLock()
	_, known := m.states[id]
	m.mu.RUnlock()

	if err := m.deactivate(ctx, id); err != nil {
		if !known {
			return fmt.Errorf("extension %q: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// Disable deactivates id if it is active and marks it disabled. A
// discovered extension that is not active is only marked.
func (m *Manager) Disable(ctx context.Context, id string) error {
	defer m.flush()
	unlock := m.lockID(id)
	defer unlock()

	m.mu.RLock()
	state, known := m.states[id]
	_, isActive := m.active[id]
	m.mu.RUnlock()

	switch {
	case !known:
		return fmt.Errorf("extension %q: %w", id, ErrNotFound)
	case isActive:
		return m.deactivate(ctx, id)
	case state == StateDiscovered:
		m.setState(id, StateDisabled)
	}
	return nil
}

// deactivate must be called with the id lock held.
func (m *Manager) deactivate(ctx context.Context, id string) error {
	m.mu.RLock()
	a, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("extension %q: %w", id, ErrNotActive)
	}

	m.cleanup(ctx, id, a.Instance)
	unregister(m.bridge, id, a.Contributions)
	m.discard(id, a.Instance)

	m.mu.Lock()
	delete(m.active, id)
	if _, ok := m.discovered[id]; ok {
		m.states[id] = StateDisabled
	} else {
		delete(m.states, id)
	}
	m.mu.Unlock()

	m.logger.Info().Str("extension", id).Str("instance", a.Instance.InstanceID()).Msg("extension deactivated")
	m.emit(Event{Type: EventDeactivated, ID: id, InstanceID: a.Instance.InstanceID()})
	return nil
}

// ReloadReport summarizes a Reload.
type ReloadReport struct {
	Activated    []string
	Disabled     []string
	Incompatible []string
	Failures     map[string]error

	// SettingsErr is set when the settings file was corrupted and defaults
	// were used instead.
	SettingsErr error
}

// Err combines the per-extension failures in id order.
func (r *ReloadReport) Err() error {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var err error
	for _, id := range ids {
		err = multierr.Append(err, r.Failures[id])
	}
	return err
}

// Reload deactivates every active extension, rediscovers, and activates the
// compatible extensions that settings do not disable.
//
// Per-extension failures are reported in the ReloadReport. The returned
// error is set only when the extensions directory is missing or settings
// cannot be read at all.
func (m *Manager) Reload(ctx context.Context) (*ReloadReport, error) {
	defer m.flush()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.reload(ctx)
}

func (m *Manager) reload(ctx context.Context) (*ReloadReport, error) {
	report := &ReloadReport{Failures: make(map[string]error)}

	m.deactivateAll(ctx)

	found, err := m.Discover()
	if err != nil {
		return report, err
	}

	snap := settings.Default()
	if m.settings != nil {
		known := make([]string, 0, len(found))
		for _, d := range found {
			known = append(known, d.ID)
		}
		snap, err = m.settings.Load(known...)
		if err != nil {
			if !errors.Is(err, settings.ErrSettingsCorrupted) {
				return report, fmt.Errorf("load settings: %w", err)
			}
			m.logger.Warn().Err(err).Msg("using default extension settings")
			report.SettingsErr = err
		}
	}

	for _, d := range found {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		switch {
		case d.Compatibility != Compatible:
			report.Incompatible = append(report.Incompatible, d.ID)
		case snap.IsDisabled(d.ID):
			m.setState(d.ID, StateDisabled)
			report.Disabled = append(report.Disabled, d.ID)
		default:
			unlock := m.lockID(d.ID)
			err := m.activate(ctx, d)
			unlock()
			if err != nil {
				report.Failures[d.ID] = err
				continue
			}
			report.Activated = append(report.Activated, d.ID)
		}
	}

	m.logger.Info().
		Int("activated", len(report.Activated)).
		Int("disabled", len(report.Disabled)).
		Int("incompatible", len(report.Incompatible)).
		Int("failed", len(report.Failures)).
		Msg("extensions reloaded")
	m.emit(Event{Type: EventReloaded})
	return report, nil
}

// deactivateAll deactivates every active extension in reverse id order.
func (m *Manager) deactivateAll(ctx context.Context) []error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var errs []error
	for _, id := range ids {
		unlock := m.lockID(id)
		if err := m.deactivate(ctx, id); err != nil && !errors.Is(err, ErrNotActive) {
			errs = append(errs, err)
		}
		unlock()
	}
	return errs
}

// Invoke runs a command contributed by an active extension. Errors and
// panics raised by the command are returned as *HookError.
func (m *Manager) Invoke(ctx context.Context, id, command string, args ...any) ([]any, error) {
	unlock := m.lockID(id)
	defer unlock()

	m.mu.RLock()
	a, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("extension %q: %w", id, ErrNotActive)
	}

	var out []any
	err := guard(id, command, func() error {
		var err error
		out, err = a.Instance.Invoke(ctx, command, args...)
		return err
	})
	if err != nil {
		m.logger.Warn().Str("extension", id).Str("command", command).Err(err).Msg("extension command failed")
		return nil, err
	}
	return out, nil
}

// Install downloads id into the extensions directory and reloads.
//
// The download goes to a hidden staging folder that is validated and then
// renamed into place, so a failed install leaves nothing behind.
func (m *Manager) Install(ctx context.Context, id string) (*ReloadReport, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if m.fetcher == nil {
		return nil, ErrNoFetcher
	}

	defer m.flush()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	target := filepath.Join(m.dir, id)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("extension %q: %w", id, ErrAlreadyInstalled)
	}
	if _, err := os.Stat(m.dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExtensionsDirMissing, m.dir)
	}

	staging, err := os.MkdirTemp(m.dir, ".install-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := m.fetcher.Download(ctx, id, staging); err != nil {
		return nil, fmt.Errorf("download %q: %w", id, err)
	}

	manifest, err := LoadManifest(staging, id)
	if err == nil {
		err = checkEntryPoint(staging, manifest.EntryPoint)
	}
	if err != nil {
		return nil, &DiscoveryError{ID: id, Path: staging, Err: err}
	}
	if c := CheckHost(manifest, m.store.Host()); c != Compatible {
		return nil, fmt.Errorf("extension %q: %w", id, c.Err())
	}

	if err := os.Rename(staging, target); err != nil {
		return nil, fmt.Errorf("install %q: %w", id, err)
	}

	m.logger.Info().Str("extension", id).Str("version", manifest.Version.String()).Msg("extension installed")
	m.emit(Event{Type: EventInstalled, ID: id})

	return m.reload(ctx)
}

// Uninstall deactivates id, removes its folder and rediscovers.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	defer m.flush()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	d, ok := m.discovered[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("extension %q: %w", id, ErrNotFound)
	}

	unlock := m.lockID(id)
	if err := m.deactivate(ctx, id); err != nil && !errors.Is(err, ErrNotActive) {
		unlock()
		return err
	}
	err := os.RemoveAll(d.Path)
	unlock()
	if err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}

	m.mu.Lock()
	delete(m.lastErr, id)
	delete(m.generations, id)
	m.mu.Unlock()

	if _, err := m.Discover(); err != nil {
		return err
	}

	m.logger.Info().Str("extension", id).Msg("extension uninstalled")
	m.emit(Event{Type: EventUninstalled, ID: id})
	return nil
}

// Shutdown deactivates every active extension.
func (m *Manager) Shutdown(ctx context.Context) error {
	defer m.flush()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return multierr.Combine(m.deactivateAll(ctx)...)
}

// List returns every discovered extension ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.infoLocked(id))
	}
	return out
}

// Get returns the extension with the given id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.states[id]; !ok {
		return Info{}, false
	}
	return m.infoLocked(id), true
}

// State returns the lifecycle state of id.
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	return s, ok
}

// ActiveCount returns the number of active extensions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ActiveIDs returns the ids of active extensions, sorted.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// infoLocked must be called with mu held.
func (m *Manager) infoLocked(id string) Info {
	info := Info{
		Discovered: m.discovered[id],
		State:      m.states[id],
		LastErr:    m.lastErr[id],
	}
	if a, ok := m.active[id]; ok {
		info.Discovered = a.Ext
		info.InstanceID = a.Instance.InstanceID()
		info.Namespace = a.Namespace
		info.Contributions = a.Contributions
		info.ActivatedAt = a.ActivatedAt
	}
	return info
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	index := len(m.handlers) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if index < len(m.handlers) {
			m.handlers[index] = nil
		}
	}
}

// emit queues an event for delivery by flush.
func (m *Manager) emit(event Event) {
	m.eventsMu.Lock()
	m.events = append(m.events, event)
	m.eventsMu.Unlock()
}

// flush delivers queued events in order. It is deferred by every public
// method that emits, ahead of its unlocks, so handlers run with no Manager
// lock held and may call back into the Manager. One goroutine delivers at
// a time; events raised meanwhile, including by handlers, are delivered by
// that goroutine.
func (m *Manager) flush() {
	m.eventsMu.Lock()
	if m.delivering {
		m.eventsMu.Unlock()
		return
	}
	m.delivering = true
	for len(m.events) > 0 {
		event := m.events[0]
		m.events = m.events[1:]
		m.eventsMu.Unlock()
		m.deliver(event)
		m.eventsMu.Lock()
	}
	m.events = nil
	m.delivering = false
	m.eventsMu.Unlock()
}

func (m *Manager) deliver(event Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("event", event.Type.String()).Msg("event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}

// lockID acquires the per-id transition lock and returns its release.
func (m *Manager) lockID(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// guard runs fn and converts errors and panics raised by extension code into
// a *HookError attributed to id. ErrNotProvided passes through unchanged.
func guard(id, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{ID: id, Hook: hook, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()

	if err := fn(); err != nil {
		if errors.Is(err, ErrNotProvided) {
			return err
		}
		return &HookError{ID: id, Hook: hook, Err: err}
	}
	return nil
}
