package settings

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Snapshot is the persisted enabled/disabled state. The two sets never
// overlap. An id in neither set is enabled when compatible.
type Snapshot struct {
	enabled  mapset.Set[string]
	disabled mapset.Set[string]
}

// Default returns the snapshot used when no settings exist.
func Default() Snapshot {
	return Snapshot{
		enabled:  mapset.NewThreadUnsafeSet[string](),
		disabled: mapset.NewThreadUnsafeSet[string](),
	}
}

// NewSnapshot builds a snapshot from id lists. Duplicates are dropped and an
// id present in both lists is kept as disabled.
func NewSnapshot(enabled, disabled []string) Snapshot {
	s := Default()
	s.disabled.Append(disabled...)
	for _, id := range enabled {
		if !s.disabled.Contains(id) {
			s.enabled.Add(id)
		}
	}
	return s
}

// IsEnabled reports whether id is explicitly enabled.
func (s Snapshot) IsEnabled(id string) bool {
	return s.enabled != nil && s.enabled.Contains(id)
}

// IsDisabled reports whether id is explicitly disabled.
func (s Snapshot) IsDisabled(id string) bool {
	return s.disabled != nil && s.disabled.Contains(id)
}

// Enabled returns the explicitly enabled ids, sorted.
func (s Snapshot) Enabled() []string {
	return sorted(s.enabled)
}

// Disabled returns the disabled ids, sorted.
func (s Snapshot) Disabled() []string {
	return sorted(s.disabled)
}

// Enable returns a copy of s with id moved to the enabled set.
func (s Snapshot) Enable(id string) Snapshot {
	c := s.clone()
	c.disabled.Remove(id)
	c.enabled.Add(id)
	return c
}

// Disable returns a copy of s with id moved to the disabled set.
func (s Snapshot) Disable(id string) Snapshot {
	c := s.clone()
	c.enabled.Remove(id)
	c.disabled.Add(id)
	return c
}

// Unknown returns the ids in s that are not in known, sorted.
func (s Snapshot) Unknown(known ...string) []string {
	k := mapset.NewThreadUnsafeSet(known...)
	all := mapset.NewThreadUnsafeSet[string]()
	if s.enabled != nil {
		all = all.Union(s.enabled)
	}
	if s.disabled != nil {
		all = all.Union(s.disabled)
	}
	return sorted(all.Difference(k))
}

func (s Snapshot) clone() Snapshot {
	c := Default()
	if s.enabled != nil {
		c.enabled = s.enabled.Clone()
	}
	if s.disabled != nil {
		c.disabled = s.disabled.Clone()
	}
	return c
}

func sorted(set mapset.Set[string]) []string {
	if set == nil {
		return []string{}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
