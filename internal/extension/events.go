package extension

// EventHandler receives manager events. Handlers run after the Manager
// method that raised the event has released its locks, usually on the same
// goroutine before that method returns, so they may call back into the
// Manager. Panics in handlers are recovered.
type EventHandler func(event Event)

// Event is a lifecycle notification.
type Event struct {
	Type EventType
	ID   string

	// InstanceID is set for activation and deactivation events.
	InstanceID string

	// Err is set for EventActivationFailed.
	Err error
}

// EventType is the type of a lifecycle event.
type EventType int

const (
	// EventActivated is emitted after an extension becomes active.
	EventActivated EventType = iota
	// EventDeactivated is emitted after an extension is deactivated.
	EventDeactivated
	// EventActivationFailed is emitted when loading or initializing fails.
	EventActivationFailed
	// EventReloaded is emitted after a full reload. ID is empty.
	EventReloaded
	// EventInstalled is emitted after an extension folder is installed.
	EventInstalled
	// EventUninstalled is emitted after an extension folder is removed.
	EventUninstalled
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventActivationFailed:
		return "activation_failed"
	case EventReloaded:
		return "reloaded"
	case EventInstalled:
		return "installed"
	case EventUninstalled:
		return "uninstalled"
	default:
		return "unknown"
	}
}
