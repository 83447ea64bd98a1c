package central

import (
	"sync"
	"time"
)

type fakePeripheral struct {
	id   string
	name string
}

func (p fakePeripheral) Identity() PeripheralIdentity {
	return PeripheralIdentity{ID: p.id, Name: p.name}
}

type fakeAttr struct{ uuid string }

func (a fakeAttr) UUID() string { return a.uuid }

type driverCall struct {
	Op   string
	Arg  any
	Data []byte
}

// fakeDriver records every request and lets the test push events.
type fakeDriver struct {
	mu    sync.Mutex
	sink  EventSink
	state AdapterState
	calls []driverCall
	errs  map[string]error

	closed bool
}

func newFakeDriver(state AdapterState) *fakeDriver {
	return &fakeDriver{state: state, errs: map[string]error{}}
}

func (d *fakeDriver) record(op string, arg any, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, driverCall{Op: op, Arg: arg, Data: data})
	return d.errs[op]
}

func (d *fakeDriver) failOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[op] = err
}

func (d *fakeDriver) callsTo(op string) []driverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []driverCall
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDriver) emit(ev DriverEvent) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	sink.HandleEvent(ev)
}

func (d *fakeDriver) Start(sink EventSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
	return nil
}

func (d *fakeDriver) AdapterState() AdapterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDriver) StartDiscovery(filter []string) error { return d.record("StartDiscovery", filter, nil) }
func (d *fakeDriver) StopDiscovery() error                 { return d.record("StopDiscovery", nil, nil) }

func (d *fakeDriver) Connect(p PeripheralHandle, _ bool) error { return d.record("Connect", p, nil) }
func (d *fakeDriver) Disconnect(p PeripheralHandle) error      { return d.record("Disconnect", p, nil) }

func (d *fakeDriver) DiscoverServices(p PeripheralHandle, _ []string) error {
	return d.record("DiscoverServices", p, nil)
}

func (d *fakeDriver) DiscoverCharacteristics(s ServiceHandle, _ []string) error {
	return d.record("DiscoverCharacteristics", s, nil)
}

func (d *fakeDriver) ReadCharacteristic(c CharacteristicHandle) error {
	return d.record("ReadCharacteristic", c, nil)
}

func (d *fakeDriver) WriteCharacteristic(c CharacteristicHandle, data []byte, _ bool) error {
	return d.record("WriteCharacteristic", c, data)
}

func (d *fakeDriver) SetNotify(c CharacteristicHandle, enable bool) error {
	return d.record("SetNotify", c, nil)
}

func (d *fakeDriver) ReadSignalStrength(p PeripheralHandle) error {
	return d.record("ReadSignalStrength", p, nil)
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// manualTimer is fired explicitly by the test.
type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireLast runs the most recently armed timer, even when stopped, to
// model a timer that fired concurrently with Stop.
func (c *manualClock) fireLast() {
	c.mu.Lock()
	t := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	t.f()
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// recorder drains Central.Events so the dispatcher never stalls.
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func record(events <-chan Event) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range events {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
