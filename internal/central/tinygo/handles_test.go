package tinygo

import (
	"context"
	"testing"

	"github.com/srg/bleuart/internal/central"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestParseUUIDs(t *testing.T) {
	uuids, err := parseUUIDs([]string{central.ServiceUUID, central.InboundUUID})
	require.NoError(t, err)
	require.Len(t, uuids, 2)
	assert.Equal(t, central.NormalizeUUID(central.ServiceUUID), central.NormalizeUUID(uuids[0].String()))

	_, err = parseUUIDs([]string{"not-a-uuid"})
	assert.Error(t, err)
}

func TestHasAnyService(t *testing.T) {
	svc, err := bluetooth.ParseUUID(central.ServiceUUID)
	require.NoError(t, err)
	other, err := bluetooth.ParseUUID(central.InboundUUID)
	require.NoError(t, err)

	has := func(u bluetooth.UUID) bool { return u == svc }

	assert.True(t, hasAnyService(has, nil))
	assert.True(t, hasAnyService(has, []bluetooth.UUID{other, svc}))
	assert.False(t, hasAnyService(has, []bluetooth.UUID{other}))
}

func TestChunks(t *testing.T) {
	p := make([]byte, 45)
	got := chunks(p, 20)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 20)
	assert.Len(t, got[1], 20)
	assert.Len(t, got[2], 5)
	assert.Empty(t, chunks(nil, 20))
}

func TestReadSignalStrengthUnsupported(t *testing.T) {
	d := New(Options{})
	sink := make(chanSink, 1)
	d.sink = sink
	go d.work(context.Background())
	defer d.Close()

	require.NoError(t, d.ReadSignalStrength(nil))
	ev := (<-sink).(central.SignalStrengthRead)
	assert.ErrorIs(t, ev.Err, central.ErrNotConnected)
}

type chanSink chan central.DriverEvent

func (s chanSink) HandleEvent(ev central.DriverEvent) { s <- ev }
