// Package tinygo is a central.Driver backed by tinygo.org/x/bluetooth.
// It is the alternative to the go-ble backend on platforms where BlueZ
// over D-Bus or CoreBluetooth through tinygo is preferred. Signal strength
// of a connected peripheral is not available through this stack.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/central"
	"github.com/srg/bleuart/internal/groutine"
	"tinygo.org/x/bluetooth"
)

const (
	DefaultWriteChunkSize = 20
	DefaultWriteDelay     = 10 * time.Millisecond
	DefaultQueueSize      = 64

	readBufferSize = 512
)


type Options struct {
	WriteChunkSize int
	WriteDelay     time.Duration
	QueueSize      int
	Logger         *logrus.Logger
}

type link struct {
	p         *peripheral
	dev       *bluetooth.Device
	requested bool
}

// Driver implements central.Driver on top of a tinygo bluetooth adapter.
type Driver struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *logrus.Logger

	mu       sync.Mutex
	sink     central.EventSink
	state    central.AdapterState
	started  bool
	scanning bool
	stopping bool
	link     *link

	ops     chan func()
	closing chan struct{}
	closed  bool
}

var _ central.Driver = (*Driver)(nil)

func New(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.WriteChunkSize <= 0 {
		opts.WriteChunkSize = DefaultWriteChunkSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Driver{
		adapter: bluetooth.DefaultAdapter,
		opts:    opts,
		logger:  opts.Logger,
		ops:     make(chan func(), opts.QueueSize),
		closing: make(chan struct{}),
	}
}

// Start enables the default adapter and installs the connect handler.
func (d *Driver) Start(sink central.EventSink) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.sink = sink
	d.mu.Unlock()

	groutine.Go(context.Background(), "tinygo-worker", d.work)

	state := central.AdapterPoweredOn
	if err := d.adapter.Enable(); err != nil {
		err = central.NormalizeError(err)
		state = central.AdapterUnsupported
		if errors.Is(err, central.ErrBluetoothOff) {
			state = central.AdapterPoweredOff
		}
		d.logger.WithError(err).Warn("Failed to enable bluetooth adapter")
	} else {
		d.adapter.SetConnectHandler(d.onConnectChange)
	}

	d.mu.Lock()
	d.state = state
	d.mu.Unlock()

	return d.submit(func() { d.emit(central.AdapterStateUpdate{State: state}) })
}

func (d *Driver) AdapterState() central.AdapterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) work(ctx context.Context) {
	for {
		select {
		case op := <-d.ops:
			op()
		case <-d.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) submit(op func()) error {
	select {
	case <-d.closing:
		return errors.New("driver closed")
	default:
	}
	select {
	case d.ops <- op:
		return nil
	default:
		return central.ErrBusy
	}
}

func (d *Driver) emit(ev central.DriverEvent) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.HandleEvent(ev)
	}
}

// onConnectChange reports link loss. Connects are reported by the dial op.
func (d *Driver) onConnectChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := addressID(dev.Address)

	d.mu.Lock()
	l := d.link
	if l == nil || l.dev == nil || l.p.id != id {
		d.mu.Unlock()
		return
	}
	d.link = nil
	requested := l.requested
	d.mu.Unlock()

	var err error
	if !requested {
		err = central.ErrNotConnected
		d.logger.WithField("address", id).Warn("Link lost")
	}
	d.emit(central.PeripheralDisconnected{Handle: l.p, Err: err})
}

func (d *Driver) StartDiscovery(serviceFilter []string) error {
	want, err := parseUUIDs(serviceFilter)
	if err != nil {
		return fmt.Errorf("service filter: %w", err)
	}

	d.mu.Lock()
	if d.state != central.AdapterPoweredOn {
		d.mu.Unlock()
		return central.ErrBluetoothOff
	}
	if d.scanning {
		d.mu.Unlock()
		return nil
	}
	d.scanning = true
	d.stopping = false
	d.mu.Unlock()

	groutine.Go(context.Background(), "tinygo-scan", func(ctx context.Context) {
		err := d.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !hasAnyService(result.HasServiceUUID, want) {
				return
			}
			d.emit(central.PeripheralDiscovered{
				Handle: newPeripheral(result.Address, result.LocalName()),
				RSSI:   int(result.RSSI),
			})
		})

		d.mu.Lock()
		stopped := d.stopping
		d.scanning = false
		d.mu.Unlock()

		if !stopped {
			d.logger.WithError(err).Warn("Scan ended unexpectedly")
			d.emit(central.ScanStopped{Err: central.NormalizeError(err)})
		}
	})
	return nil
}

func (d *Driver) StopDiscovery() error {
	d.mu.Lock()
	if !d.scanning {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.mu.Unlock()
	return d.adapter.StopScan()
}

func asPeripheral(h central.PeripheralHandle) (*peripheral, error) {
	p, ok := h.(*peripheral)
	if !ok || p == nil {
		return nil, fmt.Errorf("foreign peripheral handle %T", h)
	}
	return p, nil
}

// Connect dials on the worker. tinygo connects cannot be cancelled, so a
// Disconnect issued while dialing is applied once the dial returns.
func (d *Driver) Connect(h central.PeripheralHandle, _ bool) error {
	p, err := asPeripheral(h)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.link != nil {
		d.mu.Unlock()
		return errors.New("device already connected")
	}
	l := &link{p: p}
	d.link = l
	d.mu.Unlock()

	err = d.submit(func() {
		dev, err := d.adapter.Connect(p.addr, bluetooth.ConnectionParams{})

		d.mu.Lock()
		current := d.link == l
		requested := l.requested
		if err != nil || !current || requested {
			if current {
				d.link = nil
			}
			d.mu.Unlock()
			if err == nil {
				_ = dev.Disconnect()
			}
			switch {
			case requested:
				d.emit(central.PeripheralDisconnected{Handle: p})
			case err != nil:
				d.emit(central.PeripheralConnectFailed{Handle: p, Err: central.NormalizeError(err)})
			}
			return
		}
		l.dev = &dev
		d.mu.Unlock()

		d.emit(central.PeripheralConnected{Handle: p})
	})
	if err != nil {
		d.mu.Lock()
		d.link = nil
		d.mu.Unlock()
	}
	return err
}

func (d *Driver) Disconnect(h central.PeripheralHandle) error {
	p, err := asPeripheral(h)
	if err != nil {
		return err
	}

	d.mu.Lock()
	l := d.link
	if l == nil || l.p.id != p.id {
		d.mu.Unlock()
		return central.ErrNotConnected
	}
	l.requested = true
	dev := l.dev
	d.mu.Unlock()

	if dev == nil {
		return nil
	}

	return d.submit(func() {
		err := dev.Disconnect()

		// Not every platform reports requested disconnects through the
		// connect handler, so report it here unless the handler already did.
		d.mu.Lock()
		current := d.link == l
		if current {
			d.link = nil
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.WithError(err).Warn("Disconnect failed")
		}
		if current {
			d.emit(central.PeripheralDisconnected{Handle: p})
		}
	})
}

func (d *Driver) connected() (*bluetooth.Device, *peripheral, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil || d.link.dev == nil {
		return nil, nil, central.ErrNotConnected
	}
	return d.link.dev, d.link.p, nil
}

func (d *Driver) DiscoverServices(_ central.PeripheralHandle, uuidFilter []string) error {
	filter, err := parseUUIDs(uuidFilter)
	if err != nil {
		return err
	}
	dev, p, err := d.connected()
	if err != nil {
		return err
	}

	return d.submit(func() {
		svcs, err := dev.DiscoverServices(filter)
		ev := central.ServicesDiscovered{Peripheral: p.Identity(), Err: central.NormalizeError(err)}
		for _, s := range svcs {
			ev.Services = append(ev.Services, &service{owner: p, svc: s})
		}
		d.emit(ev)
	})
}

func (d *Driver) DiscoverCharacteristics(s central.ServiceHandle, uuidFilter []string) error {
	svc, ok := s.(*service)
	if !ok {
		return fmt.Errorf("foreign service handle %T", s)
	}
	filter, err := parseUUIDs(uuidFilter)
	if err != nil {
		return err
	}
	if _, _, err := d.connected(); err != nil {
		return err
	}

	return d.submit(func() {
		chars, err := svc.svc.DiscoverCharacteristics(filter)
		ev := central.CharacteristicsDiscovered{
			Peripheral: svc.owner.Identity(),
			Service:    svc,
			Err:        central.NormalizeError(err),
		}
		for _, c := range chars {
			ev.Characteristics = append(ev.Characteristics, &characteristic{c: c})
		}
		d.emit(ev)
	})
}

func asCharacteristic(h central.CharacteristicHandle) (*characteristic, error) {
	c, ok := h.(*characteristic)
	if !ok || c == nil {
		return nil, fmt.Errorf("foreign characteristic handle %T", h)
	}
	return c, nil
}

func (d *Driver) ReadCharacteristic(h central.CharacteristicHandle) error {
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}
	if _, _, err := d.connected(); err != nil {
		return err
	}

	return d.submit(func() {
		buf := make([]byte, readBufferSize)
		n, err := c.c.Read(buf)
		d.emit(central.ValueUpdated{Characteristic: c, Data: buf[:n], Err: central.NormalizeError(err)})
	})
}

func (d *Driver) WriteCharacteristic(h central.CharacteristicHandle, data []byte, ackRequired bool) error {
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}
	if _, _, err := d.connected(); err != nil {
		return err
	}

	return d.submit(func() {
		var werr error
		parts := chunks(data, d.opts.WriteChunkSize)
		for i, part := range parts {
			if ackRequired {
				_, werr = c.c.Write(part)
			} else {
				_, werr = c.c.WriteWithoutResponse(part)
			}
			if werr != nil {
				break
			}
			if i < len(parts)-1 && d.opts.WriteDelay > 0 {
				time.Sleep(d.opts.WriteDelay)
			}
		}
		d.emit(central.ValueWritten{Characteristic: c, Err: central.NormalizeError(werr)})
	})
}

func (d *Driver) SetNotify(h central.CharacteristicHandle, enable bool) error {
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}
	if _, _, err := d.connected(); err != nil {
		return err
	}

	return d.submit(func() {
		var handler func([]byte)
		if enable {
			handler = func(buf []byte) {
				data := make([]byte, len(buf))
				copy(data, buf)
				d.emit(central.ValueUpdated{Characteristic: c, Data: data})
			}
		}
		err := c.c.EnableNotifications(handler)
		d.emit(central.NotifyStateUpdated{Characteristic: c, Enabled: enable, Err: central.NormalizeError(err)})
	})
}

// ReadSignalStrength always reports an error: ErrNotConnected without a
// link, ErrUnsupported otherwise.
func (d *Driver) ReadSignalStrength(_ central.PeripheralHandle) error {
	err := central.ErrUnsupported
	if _, _, cerr := d.connected(); cerr != nil {
		err = cerr
	}
	return d.submit(func() {
		d.emit(central.SignalStrengthRead{Err: err})
	})
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	scanning := d.scanning
	d.stopping = true
	var dev *bluetooth.Device
	if d.link != nil {
		dev = d.link.dev
	}
	d.link = nil
	d.mu.Unlock()

	close(d.closing)

	var errs []error
	if scanning {
		errs = append(errs, d.adapter.StopScan())
	}
	if dev != nil {
		errs = append(errs, dev.Disconnect())
	}
	return errors.Join(errs...)
}
