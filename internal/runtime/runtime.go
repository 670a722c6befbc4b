// Package runtime assembles the extension runtime: configuration, the
// lifecycle manager, settings persistence, the registry client and the
// live-reload watcher.
//
// The editor creates one Runtime at startup, calls Start, and calls
// Shutdown on exit. The extctl command uses the same type.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/dshills/rtledit/internal/config"
	"github.com/dshills/rtledit/internal/extension"
	"github.com/dshills/rtledit/internal/registry"
	"github.com/dshills/rtledit/internal/settings"
	"github.com/dshills/rtledit/internal/watcher"
)

// Runtime owns every runtime component.
type Runtime struct {
	cfg    config.Config
	host   extension.Host
	logger zerolog.Logger

	manager  *extension.Manager
	settings *settings.Gateway
	registry *registry.Client

	// mu guards the watcher and serializes settings read-modify-write.
	mu      sync.Mutex
	watcher *watcher.Watcher
	closed  bool
}

type options struct {
	logger     zerolog.Logger
	bridge     extension.HostBridge
	loader     extension.Loader
	httpClient *http.Client
}

// Option configures a Runtime.
type Option func(*options)

// WithLogger sets the logger passed to every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBridge sets the editor bridge that receives contributions.
func WithBridge(bridge extension.HostBridge) Option {
	return func(o *options) {
		o.bridge = bridge
	}
}

// WithLoader replaces the Lua loader.
func WithLoader(loader extension.Loader) Option {
	return func(o *options) {
		o.loader = loader
	}
}

// WithHTTPClient sets the HTTP client used for the registry.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// New creates a Runtime from cfg. Nothing is loaded until Start.
//
// A registry cache that cannot be opened, for example because another
// process holds it, is logged and the runtime continues without persistence.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	host, err := cfg.Host()
	if err != nil {
		return nil, err
	}

	o := options{
		logger: zerolog.Nop(),
		bridge: extension.NopBridge{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loader == nil {
		loader := extension.NewLuaLoader()
		if d := cfg.ExecutionTimeout.Std(); d > 0 {
			loader.ExecutionTimeout = d
		}
		o.loader = loader
	}
	logger := o.logger.With().Str("component", "runtime").Logger()

	gateway := settings.NewGateway(cfg.SettingsFile, settings.WithLogger(o.logger))

	regOpts := []registry.Option{registry.WithLogger(o.logger)}
	if o.httpClient != nil {
		regOpts = append(regOpts, registry.WithHTTPClient(o.httpClient))
	}
	var store *registry.BoltStore
	if cfg.CacheFile != "" {
		store, err = openCache(cfg.CacheFile)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.CacheFile).Msg("registry cache disabled")
		} else {
			regOpts = append(regOpts, registry.WithPersister(store))
		}
	}
	client, err := registry.New(cfg.RegistryConfig(), host, regOpts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	manager := extension.NewManager(cfg.ExtensionsDir, host,
		extension.WithLogger(o.logger),
		extension.WithLoader(o.loader),
		extension.WithBridge(o.bridge),
		extension.WithSettings(gateway),
		extension.WithFetcher(client),
	)

	return &Runtime{
		cfg:      cfg,
		host:     host,
		logger:   logger,
		manager:  manager,
		settings: gateway,
		registry: client,
	}, nil
}

func openCache(path string) (*registry.BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return registry.OpenBoltStore(path)
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() config.Config {
	return r.cfg
}

// Host returns the host identity extensions are checked against.
func (r *Runtime) Host() extension.Host {
	return r.host
}

// Manager returns the lifecycle manager.
func (r *Runtime) Manager() *extension.Manager {
	return r.manager
}

// Registry returns the registry client.
func (r *Runtime) Registry() *registry.Client {
	return r.registry
}

// Settings returns the settings gateway.
func (r *Runtime) Settings() *settings.Gateway {
	return r.settings
}

// Start activates every compatible extension not disabled in settings and,
// when configured, starts watching the extensions directory.
//
// Per-extension failures are in the report; the error is set only when the
// extensions directory is missing or settings cannot be read.
func (r *Runtime) Start(ctx context.Context) (*extension.ReloadReport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	report, err := r.manager.Reload(ctx)
	if err != nil {
		return report, err
	}
	r.logReport(report)

	if r.cfg.Watch {
		if err := r.startWatcher(); err != nil {
			r.logger.Warn().Err(err).Msg("live reload disabled")
		}
	}
	return report, nil
}

func (r *Runtime) startWatcher() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.watcher != nil {
		return nil
	}
	w, err := watcher.New(r.cfg.ExtensionsDir, r.onChange,
		watcher.WithDebounce(r.cfg.WatchDebounce.Std()),
		watcher.WithLogger(r.logger),
	)
	if err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// onChange reloads after files under the extensions directory change.
func (r *Runtime) onChange(paths []string) {
	r.logger.Info().Strs("paths", paths).Msg("extensions changed on disk, reloading")
	report, err := r.manager.Reload(context.Background())
	if err != nil {
		r.logger.Error().Err(err).Msg("reload failed")
		return
	}
	r.logReport(report)
}

func (r *Runtime) logReport(report *extension.ReloadReport) {
	if report.SettingsErr != nil {
		r.logger.Warn().Err(report.SettingsErr).Msg("extension settings were reset to defaults")
	}
	for id, err := range report.Failures {
		r.logger.Error().Str("extension", id).Err(err).Msg("extension failed to activate")
	}
}

// Reload deactivates and reactivates all extensions.
func (r *Runtime) Reload(ctx context.Context) (*extension.ReloadReport, error) {
	report, err := r.manager.Reload(ctx)
	if err == nil {
		r.logReport(report)
	}
	return report, err
}

// Discover rescans the extensions directory without loading code.
func (r *Runtime) Discover() ([]extension.Discovered, error) {
	return r.manager.Discover()
}

// List returns every discovered extension ordered by id.
func (r *Runtime) List() []extension.Info {
	return r.manager.List()
}

// Invoke runs a contributed command.
func (r *Runtime) Invoke(ctx context.Context, id, command string, args ...any) ([]any, error) {
	return r.manager.Invoke(ctx, id, command, args...)
}

// Subscribe adds a lifecycle event handler.
func (r *Runtime) Subscribe(handler extension.EventHandler) func() {
	return r.manager.Subscribe(handler)
}

// Refresh returns the installable registry extensions. Unless force is set
// a catalog within the cache TTL is returned without network access.
func (r *Runtime) Refresh(ctx context.Context, force bool) (*registry.Catalog, error) {
	return r.registry.ListAvailable(ctx, force)
}

// RateLimit returns the registry quota.
func (r *Runtime) RateLimit(ctx context.Context) (registry.RateLimit, error) {
	return r.registry.RateLimit(ctx)
}

// Install downloads id from the registry, reloads and returns the report.
// The extensions directory is created if needed.
func (r *Runtime) Install(ctx context.Context, id string) (*extension.ReloadReport, error) {
	if err := os.MkdirAll(r.cfg.ExtensionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extensions directory: %w", err)
	}
	report, err := r.manager.Install(ctx, id)
	if err != nil {
		return report, err
	}
	r.logReport(report)
	if ferr, failed := report.Failures[id]; failed {
		return report, ferr
	}
	return report, nil
}

// Uninstall deactivates and removes id.
func (r *Runtime) Uninstall(ctx context.Context, id string) error {
	return r.manager.Uninstall(ctx, id)
}

// Enable records id as enabled and activates it. Extensions that can never
// load on this host are refused before the settings file is touched.
func (r *Runtime) Enable(ctx context.Context, id string) error {
	info, ok := r.manager.Get(id)
	if !ok {
		return fmt.Errorf("extension %q: %w", id, extension.ErrNotFound)
	}
	if info.Compatibility != extension.Compatible {
		cause := info.Compatibility.Err()
		if info.Err != nil {
			cause = info.Err
		}
		return &extension.NotEligibleError{ID: id, State: info.State, Cause: cause}
	}

	r.mu.Lock()
	snap := r.loadSettings()
	err := r.settings.SaveSnapshot(snap.Enable(id))
	r.mu.Unlock()
	if err != nil {
		return err
	}

	err = r.manager.LoadAndActivate(ctx, id)
	if errors.Is(err, extension.ErrAlreadyActive) {
		return nil
	}
	return err
}

// Disable records id as disabled and deactivates it.
func (r *Runtime) Disable(ctx context.Context, id string) error {
	if _, ok := r.manager.Get(id); !ok {
		return fmt.Errorf("extension %q: %w", id, extension.ErrNotFound)
	}

	r.mu.Lock()
	snap := r.loadSettings()
	err := r.settings.SaveSnapshot(snap.Disable(id))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.manager.Disable(ctx, id)
}

// loadSettings returns the persisted settings, or defaults when the file is
// unreadable. Must be called with mu held.
func (r *Runtime) loadSettings() settings.Snapshot {
	snap, err := r.settings.Load()
	if err != nil {
		r.logger.Warn().Err(err).Msg("settings unreadable, starting from defaults")
	}
	return snap
}

// Shutdown stops the watcher, deactivates every extension and releases the
// registry. It is safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	var err error
	if w != nil {
		err = multierr.Append(err, w.Close())
	}
	err = multierr.Append(err, r.manager.Shutdown(ctx))
	err = multierr.Append(err, r.registry.Close())
	r.logger.Debug().Err(err).Msg("runtime stopped")
	return err
}
