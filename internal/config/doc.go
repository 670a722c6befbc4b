// Package config loads the extension runtime configuration.
//
// Values are resolved in three layers, later layers overriding earlier ones:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← RTLEDIT_*, GITHUB_TOKEN
//	├─────────────────────────────┤
//	│  2. Config File             │  ← runtime.toml / runtime.yaml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │
//	└─────────────────────────────┘
//
// The file format is chosen by extension: .toml is decoded with go-toml,
// .yaml and .yml with yaml.v3. Unknown keys are rejected. Durations are
// written as strings such as "500ms" or "1h".
//
// Paths starting with "~/" are expanded to the user's home directory.
package config
