// Package goble is the go-ble backed central.Driver.
//
// go-ble exposes a blocking API, so every GATT request is queued to a
// single worker goroutine and its result is reported back to the central
// as a driver event. Scanning and link monitoring run on their own
// goroutines.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/central"
	"github.com/srg/bleuart/internal/groutine"
)

const (
	// DefaultWriteChunkSize is the ATT payload of the minimum 23 byte MTU.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay spaces consecutive chunks so the peripheral's
	// receive buffer keeps up.
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultQueueSize bounds the number of pending GATT requests.
	DefaultQueueSize = 64
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // name kept for symmetry with the tinygo backend
var DeviceFactory = newPlatformDevice

var errClosed = errors.New("driver closed")

// Options tunes the driver. Zero values select the defaults.
type Options struct {
	WriteChunkSize int
	WriteDelay     time.Duration
	QueueSize      int

	// AllowDuplicates reports every advertisement, not only the first one
	// per peripheral, so RSSI stays fresh while scanning.
	AllowDuplicates bool

	Logger *logrus.Logger
}

// link is the single connected (or dialing) peripheral.
type link struct {
	p         *peripheral
	client    ble.Client
	cancel    context.CancelFunc
	requested bool
}

// Driver implements central.Driver on top of go-ble.
type Driver struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	dev        ble.Device
	sink       central.EventSink
	state      central.AdapterState
	scanCancel context.CancelFunc
	link       *link

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
	if opts.WriteDelay < 0 {
		opts.WriteDelay = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Driver{
		opts:    opts,
		logger:  opts.Logger,
		state:   central.AdapterUnknown,
		ops:     make(chan func(), opts.QueueSize),
		closing: make(chan struct{}),
	}
}

// Start opens the platform device and reports the resulting adapter state.
func (d *Driver) Start(sink central.EventSink) error {
	d.mu.Lock()
	if d.sink != nil {
		d.mu.Unlock()
		return nil
	}
	d.sink = sink
	d.mu.Unlock()

	groutine.Go(context.Background(), "goble-worker", d.work)

	dev, err := DeviceFactory()
	state := central.AdapterPoweredOn
	if err != nil {
		err = central.NormalizeError(err)
		state = central.AdapterUnsupported
		if errors.Is(err, central.ErrBluetoothOff) {
			state = central.AdapterPoweredOff
		}
		d.logger.WithError(err).Warn("Failed to open BLE device")
	}

	d.mu.Lock()
	d.dev = dev
	d.state = state
	d.mu.Unlock()

	return d.submit(func() {
		d.emit(central.AdapterStateUpdate{State: state})
	})
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
		}
	}
}

func (d *Driver) submit(op func()) error {
	select {
	case <-d.closing:
		return errClosed
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

func (d *Driver) device() (ble.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, central.ErrBluetoothOff
	}
	return d.dev, nil
}

// StartDiscovery scans until StopDiscovery, reporting advertisements that
// list one of serviceFilter.
func (d *Driver) StartDiscovery(serviceFilter []string) error {
	want, err := parseUUIDs(serviceFilter)
	if err != nil {
		return fmt.Errorf("service filter: %w", err)
	}
	dev, err := d.device()
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.scanCancel != nil {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.scanCancel = cancel
	d.mu.Unlock()

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, d.opts.AllowDuplicates, func(adv ble.Advertisement) {
			if !advertises(adv, want) {
				return
			}
			d.emit(central.PeripheralDiscovered{
				Handle: newPeripheral(adv.Addr(), adv.LocalName()),
				RSSI:   adv.RSSI(),
			})
		})

		d.mu.Lock()
		stopped := ctx.Err() != nil
		if !stopped {
			d.scanCancel = nil
		}
		d.mu.Unlock()
		cancel()

		if stopped {
			return
		}
		err = central.NormalizeError(err)
		d.logger.WithError(err).Warn("Scan ended unexpectedly")
		if errors.Is(err, central.ErrBluetoothOff) {
			d.setState(central.AdapterPoweredOff)
		}
		d.emit(central.ScanStopped{Err: err})
	})
	return nil
}

func (d *Driver) StopDiscovery() error {
	d.mu.Lock()
	cancel := d.scanCancel
	d.scanCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (d *Driver) setState(state central.AdapterState) {
	d.mu.Lock()
	changed := d.state != state
	d.state = state
	d.mu.Unlock()
	if changed {
		d.emit(central.AdapterStateUpdate{State: state})
	}
}

func asPeripheral(h central.PeripheralHandle) (*peripheral, error) {
	p, ok := h.(*peripheral)
	if !ok || p == nil {
		return nil, fmt.Errorf("foreign peripheral handle %T", h)
	}
	return p, nil
}

// Connect dials p on the worker.
func (d *Driver) Connect(h central.PeripheralHandle, notifyOnDisconnect bool) error {
	p, err := asPeripheral(h)
	if err != nil {
		return err
	}
	dev, err := d.device()
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.link != nil {
		d.mu.Unlock()
		return errors.New("device already connected")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{p: p, cancel: cancel}
	d.link = l
	d.mu.Unlock()

	err = d.submit(func() {
		d.logger.WithField("address", p.id).Debug("Dialing BLE device...")
		client, err := dev.Dial(ctx, p.addr)

		d.mu.Lock()
		current := d.link == l
		requested := l.requested
		if err != nil || !current || requested {
			if current {
				d.link = nil
			}
			d.mu.Unlock()
			if client != nil {
				_ = client.CancelConnection()
			}
			switch {
			case requested:
				d.emit(central.PeripheralDisconnected{Handle: p})
			case err != nil:
				d.emit(central.PeripheralConnectFailed{Handle: p, Err: central.NormalizeError(err)})
			}
			return
		}
		l.client = client
		d.mu.Unlock()

		if notifyOnDisconnect {
			d.monitor(l)
		}
		d.emit(central.PeripheralConnected{Handle: p})
	})
	if err != nil {
		d.mu.Lock()
		d.link = nil
		d.mu.Unlock()
		cancel()
	}
	return err
}

// monitor reports link loss from the client's Disconnected channel.
func (d *Driver) monitor(l *link) {
	groutine.Go(context.Background(), "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-l.client.Disconnected():
		case <-d.closing:
			return
		}

		d.mu.Lock()
		if d.link == l {
			d.link = nil
		}
		requested := l.requested
		d.mu.Unlock()
		l.cancel()

		var err error
		if !requested {
			err = central.ErrNotConnected
			d.logger.WithField("address", l.p.id).Warn("Link lost")
		}
		d.emit(central.PeripheralDisconnected{Handle: l.p, Err: err})
	})
}

// Disconnect cancels a pending dial or tears down the link.
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
	client := l.client
	d.mu.Unlock()

	if client == nil {
		// still dialing; the dial op reports the disconnect
		l.cancel()
		return nil
	}

	return d.submit(func() {
		if err := client.CancelConnection(); err != nil {
			d.logger.WithError(err).Warn("CancelConnection failed")
		}
	})
}

func (d *Driver) client() (ble.Client, *peripheral, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil || d.link.client == nil {
		return nil, nil, central.ErrNotConnected
	}
	return d.link.client, d.link.p, nil
}

func (d *Driver) DiscoverServices(h central.PeripheralHandle, uuidFilter []string) error {
	filter, err := parseUUIDs(uuidFilter)
	if err != nil {
		return err
	}
	client, p, err := d.client()
	if err != nil {
		return err
	}

	return d.submit(func() {
		svcs, err := client.DiscoverServices(filter)
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
	client, _, err := d.client()
	if err != nil {
		return err
	}

	return d.submit(func() {
		chars, err := client.DiscoverCharacteristics(filter, svc.svc)
		for _, c := range chars {
			// Subscribe needs the CCCD, which only descriptor discovery fills in
			if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
				continue
			}
			if _, derr := client.DiscoverDescriptors(nil, c); derr != nil {
				d.logger.WithError(derr).WithField("uuid", c.UUID.String()).Debug("Descriptor discovery failed")
			}
		}
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
	client, _, err := d.client()
	if err != nil {
		return err
	}

	return d.submit(func() {
		data, err := client.ReadCharacteristic(c.c)
		d.emit(central.ValueUpdated{Characteristic: c, Data: data, Err: central.NormalizeError(err)})
	})
}

// WriteCharacteristic splits data into WriteChunkSize pieces.
func (d *Driver) WriteCharacteristic(h central.CharacteristicHandle, data []byte, ackRequired bool) error {
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}
	client, _, err := d.client()
	if err != nil {
		return err
	}

	return d.submit(func() {
		var werr error
		for rest := data; len(rest) > 0; {
			n := min(len(rest), d.opts.WriteChunkSize)
			if werr = client.WriteCharacteristic(c.c, rest[:n], !ackRequired); werr != nil {
				break
			}
			rest = rest[n:]
			if len(rest) > 0 && d.opts.WriteDelay > 0 {
				time.Sleep(d.opts.WriteDelay)
			}
		}
		if werr != nil {
			d.logger.WithError(werr).WithField("len", len(data)).Debug("Chunked write failed")
		}
		d.emit(central.ValueWritten{Characteristic: c, Err: central.NormalizeError(werr)})
	})
}

func (d *Driver) SetNotify(h central.CharacteristicHandle, enable bool) error {
	c, err := asCharacteristic(h)
	if err != nil {
		return err
	}
	client, _, err := d.client()
	if err != nil {
		return err
	}

	return d.submit(func() {
		var err error
		if enable {
			err = client.Subscribe(c.c, false, func(data []byte) {
				buf := make([]byte, len(data))
				copy(buf, data)
				d.emit(central.ValueUpdated{Characteristic: c, Data: buf})
			})
		} else {
			err = client.Unsubscribe(c.c, false)
		}
		d.emit(central.NotifyStateUpdated{Characteristic: c, Enabled: enable, Err: central.NormalizeError(err)})
	})
}

// ReadSignalStrength reports ErrNotConnected through the sink when no link is up.
func (d *Driver) ReadSignalStrength(_ central.PeripheralHandle) error {
	client, _, err := d.client()
	if err != nil {
		return d.submit(func() {
			d.emit(central.SignalStrengthRead{Err: central.ErrNotConnected})
		})
	}

	return d.submit(func() {
		d.emit(central.SignalStrengthRead{RSSI: client.ReadRSSI()})
	})
}

// Close stops scanning, drops the link and stops the device.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	scanCancel := d.scanCancel
	d.scanCancel = nil
	l := d.link
	d.link = nil
	var client ble.Client
	if l != nil {
		client = l.client
	}
	dev := d.dev
	d.mu.Unlock()

	close(d.closing)
	if scanCancel != nil {
		scanCancel()
	}
	if l != nil {
		l.cancel()
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				d.logger.WithError(err).Debug("CancelConnection on close failed")
			}
		}
	}
	if dev != nil {
		return dev.Stop()
	}
	return nil
}
