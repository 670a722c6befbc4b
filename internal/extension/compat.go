package extension

import "github.com/coreos/go-semver/semver"

// Compatibility is the outcome of checking a manifest against a host.
type Compatibility int

// Compatibility results.
const (
	Compatible Compatibility = iota
	IncompatiblePlatform
	IncompatibleVersion
	Malformed
)

// String returns a string representation of the result.
func (c Compatibility) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case IncompatiblePlatform:
		return "incompatible platform"
	case IncompatibleVersion:
		return "incompatible version"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error for a negative result, nil for Compatible.
func (c Compatibility) Err() error {
	switch c {
	case Compatible:
		return nil
	case IncompatiblePlatform:
		return ErrIncompatiblePlatform
	case IncompatibleVersion:
		return ErrIncompatibleVersion
	default:
		return ErrMalformedManifest
	}
}

// Check evaluates a manifest against a host platform and version.
// Platform is checked first, so a platform mismatch wins regardless of the
// version fields. A nil manifest is Malformed.
func Check(m *Manifest, platform Platform, version semver.Version) Compatibility {
	if m == nil {
		return Malformed
	}
	if !m.Supports(platform) {
		return IncompatiblePlatform
	}
	if !m.AppVersion.Contains(version) {
		return IncompatibleVersion
	}
	return Compatible
}

// CheckHost is Check with the platform and version taken from h.
func CheckHost(m *Manifest, h Host) Compatibility {
	return Check(m, h.Platform, h.Version)
}
