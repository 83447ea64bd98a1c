package tinygo

import (
	"strings"

	"github.com/srg/bleuart/internal/central"
	"tinygo.org/x/bluetooth"
)

type peripheral struct {
	addr bluetooth.Address
	id   string
	name string
}

func newPeripheral(addr bluetooth.Address, name string) *peripheral {
	return &peripheral{addr: addr, id: addressID(addr), name: name}
}

// addressID is a MAC on Linux and a CoreBluetooth UUID on macOS.
func addressID(addr bluetooth.Address) string {
	return strings.ToLower(addr.String())
}

func (p *peripheral) Identity() central.PeripheralIdentity {
	return central.PeripheralIdentity{ID: p.id, Name: p.name}
}

type service struct {
	owner *peripheral
	svc   bluetooth.DeviceService
}

func (s *service) UUID() string { return s.svc.UUID().String() }

type characteristic struct {
	c bluetooth.DeviceCharacteristic
}

func (c *characteristic) UUID() string { return c.c.UUID().String() }

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := bluetooth.ParseUUID(u)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// hasAnyService reports whether has matches one of want; an empty want
// matches everything.
func hasAnyService(has func(bluetooth.UUID) bool, want []bluetooth.UUID) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if has(w) {
			return true
		}
	}
	return false
}

// chunks splits p into pieces of at most size bytes.
func chunks(p []byte, size int) [][]byte {
	var out [][]byte
	for len(p) > 0 {
		n := min(len(p), size)
		out = append(out, p[:n])
		p = p[n:]
	}
	return out
}
