package central

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is the set of peripherals seen while scanning, keyed by
// identity and kept in first-seen order. Entries are updated in place and
// never pruned. Registry is not safe for concurrent use; Central guards it.
type Registry struct {
	entries *orderedmap.OrderedMap[string, *DiscoveredPeripheral]
}

func NewRegistry() *Registry {
	return &Registry{entries: orderedmap.New[string, *DiscoveredPeripheral]()}
}

// Upsert records an advertisement. An existing entry keeps its position
// and name unless the new report carries a name; its handle, RSSI and
// last-seen time are replaced.
func (r *Registry) Upsert(h PeripheralHandle, rssi int, seen time.Time) (DiscoveredPeripheral, bool) {
	id := h.Identity()

	if entry, ok := r.entries.Get(id.ID); ok {
		if id.Name != "" {
			entry.Identity.Name = id.Name
		}
		entry.Handle = h
		entry.RSSI = rssi
		entry.LastSeen = seen
		return *entry, false
	}

	entry := &DiscoveredPeripheral{
		Identity: id,
		Handle:   h,
		RSSI:     rssi,
		LastSeen: seen,
	}
	r.entries.Set(id.ID, entry)
	return *entry, true
}

func (r *Registry) Get(id string) (DiscoveredPeripheral, bool) {
	entry, ok := r.entries.Get(id)
	if !ok {
		return DiscoveredPeripheral{}, false
	}
	return *entry, true
}

func (r *Registry) Len() int {
	return r.entries.Len()
}

// Snapshot returns a copy of all entries, oldest first.
func (r *Registry) Snapshot() []DiscoveredPeripheral {
	out := make([]DiscoveredPeripheral, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}
