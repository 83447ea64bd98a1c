package central

import (
	"sort"

	"github.com/cornelk/hashmap"
)

// session is the single active connection. It exists from Connecting
// until teardown and owns the characteristic map for that peripheral.
type session struct {
	identity PeripheralIdentity
	handle   PeripheralHandle
	phase    Phase

	// outstanding characteristic discoveries
	pending int

	characteristics *hashmap.Map[string, CharacteristicHandle]
}

func newSession(id PeripheralIdentity, h PeripheralHandle) *session {
	return &session{
		identity:        id,
		handle:          h,
		phase:           PhaseConnecting,
		characteristics: hashmap.New[string, CharacteristicHandle](),
	}
}

func (s *session) owns(id PeripheralIdentity) bool {
	return s != nil && s.identity.Equal(id)
}

func (s *session) characteristic(uuid string) (CharacteristicHandle, bool) {
	return s.characteristics.Get(NormalizeUUID(uuid))
}

// record stores the characteristics whose UUID is one of the bridge
// characteristics and ignores the rest.
func (s *session) record(chars []CharacteristicHandle) {
	for _, c := range chars {
		if c == nil {
			continue
		}
		key := NormalizeUUID(c.UUID())
		switch key {
		case NormalizeUUID(InboundUUID), NormalizeUUID(OutboundUUID):
			s.characteristics.Set(key, c)
		}
	}
}

func (s *session) uuids() []string {
	out := make([]string, 0, s.characteristics.Len())
	s.characteristics.Range(func(k string, _ CharacteristicHandle) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out
}

// SessionInfo is a read-only view of the active session.
type SessionInfo struct {
	Identity        PeripheralIdentity
	Phase           Phase
	Characteristics []string // normalized UUIDs
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Identity:        s.identity,
		Phase:           s.phase,
		Characteristics: s.uuids(),
	}
}
