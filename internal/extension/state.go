package extension

// State is the lifecycle state of one extension id.
//
// Discovered moves to exactly one of Incompatible, Disabled or Active.
// Active and Disabled are the only states that move back and forth at runtime.
type State int

// Extension states.
const (
	// StateDiscovered - Found on disk, compatible, not yet activated.
	StateDiscovered State = iota

	// StateIncompatible - Wrong platform, wrong editor version or malformed manifest.
	StateIncompatible

	// StateDisabled - Disabled by settings, deactivated, or failed activation.
	StateDisabled

	// StateActive - Loaded, initialized and contributing to the host.
	StateActive
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateIncompatible:
		return "incompatible"
	case StateDisabled:
		return "disabled"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// CanActivate returns true if LoadAndActivate may be called from this state.
func (s State) CanActivate() bool {
	return s == StateDiscovered || s == StateDisabled
}
