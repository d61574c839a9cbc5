package mitm

import "sync/atomic"

// OverrideTable maps holding-register addresses to the value the proxy
// forces upstream. Lookups read an immutable snapshot and never block;
// Replace swaps the whole snapshot at once.
type OverrideTable struct {
	snap atomic.Pointer[map[uint16]uint16]
}

// NewOverrideTable returns a table holding a copy of entries.
func NewOverrideTable(entries map[uint16]uint16) *OverrideTable {
	t := &OverrideTable{}
	t.Replace(entries)
	return t
}

// Lookup returns the forced value for addr.
func (t *OverrideTable) Lookup(addr uint16) (uint16, bool) {
	v, ok := (*t.snap.Load())[addr]
	return v, ok
}

// Len returns the number of overridden addresses.
func (t *OverrideTable) Len() int {
	return len(*t.snap.Load())
}

// Entries returns a copy of the current table.
func (t *OverrideTable) Entries() map[uint16]uint16 {
	return copyTable(*t.snap.Load())
}

// Replace installs a copy of entries as the new table. Sessions see it on
// their next lookup.
func (t *OverrideTable) Replace(entries map[uint16]uint16) {
	m := copyTable(entries)
	t.snap.Store(&m)
}

func copyTable(in map[uint16]uint16) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
