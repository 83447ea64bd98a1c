package central

import (
	"strings"
	"time"
)

// UART service layout of the RedBear Lab BLE shield.
//
// Inbound is the characteristic the peripheral notifies on (device -> host),
// outbound is the one the host writes to (host -> device).
const (
	ServiceUUID  = "713D0000-503E-4C75-BA94-3148F18D941E"
	InboundUUID  = "713D0002-503E-4C75-BA94-3148F18D941E"
	OutboundUUID = "713D0003-503E-4C75-BA94-3148F18D941E"
)

// NormalizeUUID converts a UUID string to the lookup form used by the
// session characteristic map and by go-ble (lowercase, no dashes, no 0x).
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	return strings.ReplaceAll(u, "-", "")
}

// AdapterState mirrors the power/availability state of the local radio.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUnknown:
		return "unknown"
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return "invalid"
	}
}

// Phase is the lifecycle phase of the connection state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseServicesDiscovering
	PhaseCharacteristicsDiscovering
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseServicesDiscovering:
		return "services_discovering"
	case PhaseCharacteristicsDiscovering:
		return "characteristics_discovering"
	case PhaseReady:
		return "ready"
	default:
		return "invalid"
	}
}

// PeripheralIdentity identifies a peripheral across advertisements.
// Two identities are the same peripheral when their IDs match; the name is
// informational only.
type PeripheralIdentity struct {
	ID   string
	Name string
}

// Equal reports whether both identities refer to the same peripheral.
func (p PeripheralIdentity) Equal(other PeripheralIdentity) bool {
	return p.ID == other.ID
}

func (p PeripheralIdentity) String() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name + " (" + p.ID + ")"
}

// DiscoveredPeripheral is a registry entry. Handle is the most recent
// connectable handle reported by the driver for this identity.
type DiscoveredPeripheral struct {
	Identity PeripheralIdentity
	Handle   PeripheralHandle
	RSSI     int
	LastSeen time.Time
}
