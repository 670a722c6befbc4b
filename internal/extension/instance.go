package extension

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Instance is a loaded extension. Every hook is optional: a hook the
// extension does not implement returns ErrNotProvided.
//
// An Instance is owned by the Manager that created it and is never shared
// between activations.
type Instance interface {
	// InstanceID is unique per load, so two activations never share one.
	InstanceID() string

	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error

	MenuItems(ctx context.Context) ([]MenuItem, error)
	SidebarPanel(ctx context.Context) (*SidebarPanel, error)
	ContextMenuItems(ctx context.Context) ([]MenuItem, error)
	Shortcuts(ctx context.Context) ([]Shortcut, error)

	// Invoke runs a command named by a contribution.
	Invoke(ctx context.Context, command string, args ...any) ([]any, error)

	// Close releases the execution namespace. It is called exactly once.
	Close() error
}

// Environment is what a Loader receives for one load.
type Environment struct {
	// Namespace is "<id>#<generation>" and is unique per load.
	Namespace string

	// Editor is the capability-scoped host view for the extension.
	Editor *Facade

	Logger zerolog.Logger
}

// Loader resolves a discovered extension into a fresh Instance.
type Loader interface {
	Load(ctx context.Context, ext Discovered, env Environment) (Instance, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, ext Discovered, env Environment) (Instance, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, ext Discovered, env Environment) (Instance, error) {
	return f(ctx, ext, env)
}

// BaseInstance provides ErrNotProvided for every hook. Go extensions embed it
// and override the hooks they implement.
type BaseInstance struct {
	ID string
}

// NewBaseInstance returns a BaseInstance with a fresh id.
func NewBaseInstance() BaseInstance {
	return BaseInstance{ID: uuid.NewString()}
}

func (b *BaseInstance) InstanceID() string               { return b.ID }
func (b *BaseInstance) Initialize(context.Context) error { return ErrNotProvided }
func (b *BaseInstance) Cleanup(context.Context) error    { return ErrNotProvided }
func (b *BaseInstance) MenuItems(context.Context) ([]MenuItem, error) {
	return nil, ErrNotProvided
}
func (b *BaseInstance) SidebarPanel(context.Context) (*SidebarPanel, error) {
	return nil, ErrNotProvided
}
func (b *BaseInstance) ContextMenuItems(context.Context) ([]MenuItem, error) {
	return nil, ErrNotProvided
}
func (b *BaseInstance) Shortcuts(context.Context) ([]Shortcut, error) {
	return nil, ErrNotProvided
}
func (b *BaseInstance) Invoke(_ context.Context, command string, _ ...any) ([]any, error) {
	return nil, ErrUnknownCommand
}
func (b *BaseInstance) Close() error { return nil }
