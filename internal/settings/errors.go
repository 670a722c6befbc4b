package settings

import "errors"

var (
	// ErrSettingsCorrupted is returned by Load alongside the default snapshot
	// when the settings file is not valid JSON. It never blocks startup.
	ErrSettingsCorrupted = errors.New("settings file corrupted")

	// ErrOverlap is returned by Save when an id is both enabled and disabled.
	ErrOverlap = errors.New("extension both enabled and disabled")
)
