package main

import (
	"errors"
	"sync"

	"github.com/srg/bleuart/internal/central"
)

type loopPeripheral struct {
	id, name string
}

func (p *loopPeripheral) Identity() central.PeripheralIdentity {
	return central.PeripheralIdentity{ID: p.id, Name: p.name}
}

type loopAttr struct{ uuid string }

func (a loopAttr) UUID() string { return a.uuid }

// loopbackRadio is a scripted driver for one UART peripheral that echoes
// every write back as a notification. Events are delivered in request
// order from a single goroutine, like the real backends.
type loopbackRadio struct {
	state       central.AdapterState
	peripherals []*loopPeripheral
	rssi        int
	failConnect error
	dropOn      string // a write equal to this drops the link

	mu        sync.Mutex
	sink      central.EventSink
	connected *loopPeripheral
	writes    [][]byte

	queue chan central.DriverEvent
	done  chan struct{}
	once  sync.Once
}

func newLoopbackRadio() *loopbackRadio {
	return &loopbackRadio{
		state:       central.AdapterPoweredOn,
		peripherals: []*loopPeripheral{{id: "aa:bb:cc:00:00:01", name: "Biscuit"}},
		rssi:        -61,
		queue:       make(chan central.DriverEvent, 256),
		done:        make(chan struct{}),
	}
}

func (r *loopbackRadio) emit(ev central.DriverEvent) {
	select {
	case r.queue <- ev:
	case <-r.done:
	}
}

func (r *loopbackRadio) forward() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.queue:
			r.mu.Lock()
			sink := r.sink
			r.mu.Unlock()
			sink.HandleEvent(ev)
		}
	}
}

func (r *loopbackRadio) Start(sink central.EventSink) error {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
	go r.forward()
	r.emit(central.AdapterStateUpdate{State: r.state})
	return nil
}

// AdapterState reports Unknown until Start, like a radio still powering up.
func (r *loopbackRadio) AdapterState() central.AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return central.AdapterUnknown
	}
	return r.state
}

func (r *loopbackRadio) StartDiscovery([]string) error {
	for i, p := range r.peripherals {
		r.emit(central.PeripheralDiscovered{Handle: p, RSSI: -50 - i})
	}
	return nil
}

func (r *loopbackRadio) StopDiscovery() error { return nil }

func (r *loopbackRadio) Connect(p central.PeripheralHandle, _ bool) error {
	if r.failConnect != nil {
		r.emit(central.PeripheralConnectFailed{Handle: p, Err: r.failConnect})
		return nil
	}
	r.mu.Lock()
	r.connected = p.(*loopPeripheral)
	r.mu.Unlock()
	r.emit(central.PeripheralConnected{Handle: p})
	return nil
}

func (r *loopbackRadio) Disconnect(p central.PeripheralHandle) error {
	r.mu.Lock()
	r.connected = nil
	r.mu.Unlock()
	r.emit(central.PeripheralDisconnected{Handle: p})
	return nil
}

func (r *loopbackRadio) DiscoverServices(p central.PeripheralHandle, _ []string) error {
	r.emit(central.ServicesDiscovered{
		Peripheral: p.Identity(),
		Services:   []central.ServiceHandle{loopAttr{central.ServiceUUID}},
	})
	return nil
}

func (r *loopbackRadio) DiscoverCharacteristics(s central.ServiceHandle, _ []string) error {
	r.mu.Lock()
	p := r.connected
	r.mu.Unlock()
	if p == nil {
		return central.ErrNotConnected
	}
	r.emit(central.CharacteristicsDiscovered{
		Peripheral: p.Identity(),
		Service:    s,
		Characteristics: []central.CharacteristicHandle{
			loopAttr{central.InboundUUID},
			loopAttr{central.OutboundUUID},
		},
	})
	return nil
}

func (r *loopbackRadio) ReadCharacteristic(c central.CharacteristicHandle) error {
	r.emit(central.ValueUpdated{Characteristic: c, Data: []byte("ready")})
	return nil
}

func (r *loopbackRadio) WriteCharacteristic(c central.CharacteristicHandle, data []byte, _ bool) error {
	r.mu.Lock()
	r.writes = append(r.writes, data)
	p := r.connected
	if r.dropOn != "" && string(data) == r.dropOn {
		r.connected = nil
	}
	r.mu.Unlock()

	if p == nil {
		return central.ErrNotConnected
	}
	r.emit(central.ValueWritten{Characteristic: c})
	if r.dropOn != "" && string(data) == r.dropOn {
		r.emit(central.PeripheralDisconnected{Handle: p, Err: errors.New("link supervision timeout")})
		return nil
	}
	r.emit(central.ValueUpdated{Characteristic: loopAttr{central.InboundUUID}, Data: data})
	return nil
}

func (r *loopbackRadio) SetNotify(c central.CharacteristicHandle, enable bool) error {
	r.emit(central.NotifyStateUpdated{Characteristic: c, Enabled: enable})
	return nil
}

func (r *loopbackRadio) ReadSignalStrength(p central.PeripheralHandle) error {
	if p == nil {
		r.emit(central.SignalStrengthRead{Err: central.ErrNotConnected})
		return nil
	}
	r.emit(central.SignalStrengthRead{RSSI: r.rssi})
	return nil
}

func (r *loopbackRadio) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *loopbackRadio) written() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.writes))
	for i, w := range r.writes {
		out[i] = string(w)
	}
	return out
}
