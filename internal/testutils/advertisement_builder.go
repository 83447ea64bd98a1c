package testutils

import "github.com/go-ble/ble"

// AdvertisementBuilder builds MockAdvertisement values with a fluent API.
// Every accessor is stubbed with Maybe, so tests only assert on what
// they configure.
type AdvertisementBuilder struct {
	name     string
	address  string
	rssi     int
	services []string
	overflow []string
}

func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// CreateMockAdvertisement is a shortcut for the common name/address/RSSI triple.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs, short ("180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithOverflowServices adds UUIDs reported in the overflow area.
func (b *AdvertisementBuilder) WithOverflowServices(uuids ...string) *AdvertisementBuilder {
	b.overflow = append(b.overflow, uuids...)
	return b
}

func parseAll(uuids []string) []ble.UUID {
	out := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, ble.MustParse(u))
	}
	return out
}

func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}
	adv.On("Addr").Return(MockAddr{Address: b.address}).Maybe()
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("Services").Return(parseAll(b.services)).Maybe()
	adv.On("OverflowService").Return(parseAll(b.overflow)).Maybe()
	adv.On("Connectable").Return(true).Maybe()
	adv.On("ManufacturerData").Return([]byte(nil)).Maybe()
	return adv
}
