package goble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/bleuart/internal/central"
)

// peripheral is the handle reported for each advertisement.
type peripheral struct {
	addr ble.Addr
	id   string
	name string
}

func newPeripheral(addr ble.Addr, name string) *peripheral {
	return &peripheral{
		addr: addr,
		id:   strings.ToLower(addr.String()),
		name: name,
	}
}

func (p *peripheral) Identity() central.PeripheralIdentity {
	return central.PeripheralIdentity{ID: p.id, Name: p.name}
}

type service struct {
	owner *peripheral
	svc   *ble.Service
}

func (s *service) UUID() string { return s.svc.UUID.String() }

type characteristic struct {
	c *ble.Characteristic
}

func (c *characteristic) UUID() string { return c.c.UUID.String() }

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	out := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// advertises reports whether adv lists any of the wanted services.
func advertises(adv ble.Advertisement, want []ble.UUID) bool {
	if len(want) == 0 {
		return true
	}
	for _, list := range [][]ble.UUID{adv.Services(), adv.OverflowService()} {
		for _, u := range list {
			for _, w := range want {
				if u.Equal(w) {
					return true
				}
			}
		}
	}
	return false
}
