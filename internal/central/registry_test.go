package central

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUpsert(t *testing.T) {
	r := NewRegistry()
	t0 := time.Unix(100, 0)

	entry, isNew := r.Upsert(fakePeripheral{id: "a", name: "A"}, -40, t0)
	assert.True(t, isNew)
	assert.Equal(t, -40, entry.RSSI)

	_, isNew = r.Upsert(fakePeripheral{id: "b"}, -80, t0)
	assert.True(t, isNew)

	entry, isNew = r.Upsert(fakePeripheral{id: "a"}, -55, t0.Add(time.Second))
	assert.False(t, isNew)
	assert.Equal(t, -55, entry.RSSI)
	assert.Equal(t, "A", entry.Identity.Name, "nameless advertisement keeps the known name")
	assert.Equal(t, t0.Add(time.Second), entry.LastSeen)

	require.Equal(t, 2, r.Len())
	snap := r.Snapshot()
	assert.Equal(t, "a", snap[0].Identity.ID)
	assert.Equal(t, "b", snap[1].Identity.ID)

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert(fakePeripheral{id: "a"}, -40, time.Time{})

	snap := r.Snapshot()
	snap[0].RSSI = 0

	got, _ := r.Get("a")
	assert.Equal(t, -40, got.RSSI)
}
