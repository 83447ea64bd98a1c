package central

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsComparesKind(t *testing.T) {
	err := newError(ConnectionFailed, "dial", ErrTimeout)

	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrDiscoveryFailed)
	assert.Equal(t, "connection_failed: dial: timeout", err.Error())
	assert.Equal(t, ConnectionFailed, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestAlreadyInProgressSentinels(t *testing.T) {
	assert.ErrorIs(t, ErrAlreadyScanning, ErrAlreadyInProgress)
	assert.ErrorIs(t, ErrAlreadyConnecting, ErrAlreadyInProgress)
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"can't init hci: is bluetooth turned on?", ErrBluetoothOff},
		{"central manager powered off", ErrBluetoothOff},
		{"device not connected", ErrNotConnected},
		{"device already connected", ErrAlreadyInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.ErrorIs(t, NormalizeError(errors.New(tt.in)), tt.want)
		})
	}

	plain := errors.New("something else")
	assert.Same(t, plain, NormalizeError(plain))
	assert.NoError(t, NormalizeError(nil))
}

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "713d0002503e4c75ba943148f18d941e", NormalizeUUID(InboundUUID))
	assert.Equal(t, "2a00", NormalizeUUID("0x2A00"))
}

func TestIdentityEqualIgnoresName(t *testing.T) {
	a := PeripheralIdentity{ID: "x", Name: "one"}
	b := PeripheralIdentity{ID: "x", Name: "two"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(PeripheralIdentity{ID: "y"}))
	assert.Equal(t, "one (x)", a.String())
	assert.Equal(t, "y", PeripheralIdentity{ID: "y"}.String())
}
