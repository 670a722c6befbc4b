package extension

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Platform is an operating system family an extension can declare support for.
type Platform string

// Known platforms.
const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
)

// AllPlatforms lists every known platform in manifest order.
var AllPlatforms = []Platform{PlatformWindows, PlatformLinux, PlatformMacOS}

// ParsePlatform converts a platform name, accepting GOOS spellings.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows":
		return PlatformWindows, nil
	case "linux":
		return PlatformLinux, nil
	case "macos", "darwin", "mac", "osx":
		return PlatformMacOS, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// CurrentPlatform returns the platform of the running process.
// Unix systems other than darwin report linux.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMacOS
	default:
		return PlatformLinux
	}
}

// Host identifies the editor an extension is checked against.
type Host struct {
	Platform Platform
	Version  semver.Version
}

// NewHost builds a Host from configuration strings. An empty platform
// selects CurrentPlatform.
func NewHost(platform, version string) (Host, error) {
	p := CurrentPlatform()
	if platform != "" {
		var err error
		if p, err = ParsePlatform(platform); err != nil {
			return Host{}, err
		}
	}

	v, err := parseVersion(version)
	if err != nil {
		return Host{}, fmt.Errorf("host version: %w", err)
	}
	return Host{Platform: p, Version: *v}, nil
}

// String returns "platform/version".
func (h Host) String() string {
	return fmt.Sprintf("%s/%s", h.Platform, h.Version)
}

// semverPattern is the SemVer 2.0.0 grammar. go-semver alone accepts
// leading zeros and empty pre-release or build suffixes.
var semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
	`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// parseVersion parses a strict X.Y.Z semantic version, tolerating a leading "v".
func parseVersion(s string) (*semver.Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	if !semverPattern.MatchString(s) {
		return nil, fmt.Errorf("%q is not a semantic version", s)
	}
	return semver.NewVersion(s)
}
