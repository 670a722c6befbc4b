package extension

import (
	"errors"
	"fmt"
)

// Extension runtime errors.
var (
	// ErrExtensionsDirMissing is returned when the extensions directory does not exist.
	ErrExtensionsDirMissing = errors.New("extensions directory missing")

	// ErrMalformedManifest is returned when a manifest cannot be parsed or validated.
	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrIncompatiblePlatform is returned when the host platform is not supported.
	ErrIncompatiblePlatform = errors.New("extension does not support this platform")

	// ErrIncompatibleVersion is returned when the host version is outside the supported range.
	ErrIncompatibleVersion = errors.New("extension does not support this editor version")

	// ErrNotFound is returned when an id is unknown to the runtime.
	ErrNotFound = errors.New("extension not found")

	// ErrNotEligible is returned when an extension cannot be activated from its current state.
	ErrNotEligible = errors.New("extension not eligible for activation")

	// ErrAlreadyActive is returned when activating an extension that is already active.
	ErrAlreadyActive = errors.New("extension is already active")

	// ErrNotActive is returned when deactivating an extension that is not active.
	ErrNotActive = errors.New("extension is not active")

	// ErrActivationFailed is returned when loading or initializing an extension fails.
	ErrActivationFailed = errors.New("extension activation failed")

	// ErrNotProvided is returned by an Instance hook the extension does not implement.
	ErrNotProvided = errors.New("hook not provided")

	// ErrUnknownCommand is returned when invoking a command the extension does not define.
	ErrUnknownCommand = errors.New("unknown extension command")

	// ErrAlreadyInstalled is returned when installing an id that already exists on disk.
	ErrAlreadyInstalled = errors.New("extension already installed")

	// ErrNoFetcher is returned by Install when no Fetcher is configured.
	ErrNoFetcher = errors.New("no extension fetcher configured")

	// ErrInvalidID is returned when an id cannot be used as a folder name.
	ErrInvalidID = errors.New("invalid extension id")
)

// DiscoveryError records why a discovered folder could not be used.
type DiscoveryError struct {
	ID   string
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("extension %q (%s): %v", e.ID, e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Is reports every DiscoveryError as a malformed manifest.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrMalformedManifest
}

// NotEligibleError is returned when LoadAndActivate is called for an
// extension that is unknown, incompatible or already active.
type NotEligibleError struct {
	ID    string
	State State
	Cause error
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("extension %q (%s): %v: %v", e.ID, e.State, ErrNotEligible, e.Cause)
}

func (e *NotEligibleError) Unwrap() error { return e.Cause }

func (e *NotEligibleError) Is(target error) bool {
	return target == ErrNotEligible
}

// ActivationError attributes a load or initialize failure to an extension.
type ActivationError struct {
	ID    string
	Cause error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("extension %q: activation failed: %v", e.ID, e.Cause)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

func (e *ActivationError) Is(target error) bool {
	return target == ErrActivationFailed
}

// HookError attributes an error or panic raised inside extension code to the
// extension id and the hook that raised it.
type HookError struct {
	ID    string
	Hook  string
	Err   error
	Panic bool
}

func (e *HookError) Error() string {
	if e.Panic {
		return fmt.Sprintf("extension %q: %s panicked: %v", e.ID, e.Hook, e.Err)
	}
	return fmt.Sprintf("extension %q: %s: %v", e.ID, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }
