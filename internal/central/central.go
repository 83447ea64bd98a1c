package central

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/ringchan"
)

// DefaultDiscoveryBuffer is the capacity of the discovery feed.
const DefaultDiscoveryBuffer = 64

// Timer is the part of *time.Timer the central uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Central. The zero value is usable.
type Options struct {
	// ConnectTimeout bounds the time from Connect to Ready. 0 disables it.
	ConnectTimeout time.Duration

	// DiscoveryBuffer is the capacity of the Discoveries feed.
	DiscoveryBuffer int

	Logger    *logrus.Logger
	AfterFunc AfterFunc
	Now       func() time.Time
}

// RegistryEvent is published on the discovery feed for each advertisement.
type RegistryEvent struct {
	Peripheral DiscoveredPeripheral
	New        bool
}

// Central is the BLE central for one UART bridge peripheral.
//
// All consumer calls and all driver events run under one mutex, so the
// state machine observes a single ordered stream of inputs. Consumer
// notifications go out through Events from a separate goroutine and are
// never delivered while the mutex is held.
type Central struct {
	driver Driver
	logger *logrus.Logger
	opts   Options

	mu sync.Mutex

	adapterState AdapterState

	registry    *Registry
	discoveries *ringchan.RingChannel[RegistryEvent]

	scanning  bool
	scanGen   uint64
	scanTimer Timer

	session    *session
	connectGen uint64
	watchdog   Timer

	rssiPending func(rssi int, err error)

	dispatcher *dispatcher
	started    bool
	closed     bool
}

// New creates a Central over driver. Call Start before anything else.
func New(driver Driver, opts Options) *Central {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DiscoveryBuffer <= 0 {
		opts.DiscoveryBuffer = DefaultDiscoveryBuffer
	}

	return &Central{
		driver:      driver,
		logger:      opts.Logger,
		opts:        opts,
		registry:    NewRegistry(),
		discoveries: ringchan.New[RegistryEvent](opts.DiscoveryBuffer),
		dispatcher:  newDispatcher(opts.Logger),
	}
}

// Start installs the central as the driver's event sink and seeds the
// adapter state from the driver.
func (c *Central) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.adapterState = c.driver.AdapterState()
	c.mu.Unlock()

	if err := c.driver.Start(c); err != nil {
		return NormalizeError(err)
	}

	c.logger.WithField("adapter", c.AdapterState()).Debug("Central started")
	return nil
}

// Close stops scanning, releases any active link, stops event delivery and
// closes the driver. Events and Discoveries are closed afterwards. No
// DisconnectedEvent is posted for a link released here; the closing of
// Events is the consumer's signal. Close may be called from an RSSI
// callback.
func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	if c.scanning {
		c.stopScanLocked()
	}
	if c.session != nil {
		if err := c.driver.Disconnect(c.session.handle); err != nil {
			c.logger.WithError(err).Debug("Disconnect on close failed")
		}
		c.teardownLocked()
	}
	c.rssiPending = nil
	c.mu.Unlock()

	c.dispatcher.close()
	c.discoveries.Close()
	if n := c.discoveries.Overwritten(); n > 0 {
		c.logger.WithFields(logrus.Fields{
			"delivered": c.discoveries.Written(),
			"dropped":   n,
		}).Debug("Discovery feed lagged")
	}
	return c.driver.Close()
}

// Events is the ordered stream of consumer notifications. Consumers must
// keep draining it; RSSI callbacks are run in the same queue.
func (c *Central) Events() <-chan Event {
	return c.dispatcher.Events()
}

// Discoveries is a bounded feed of registry updates. When the reader
// lags, the oldest updates are dropped.
func (c *Central) Discoveries() <-chan RegistryEvent {
	return c.discoveries.C()
}

// Phase returns the current lifecycle phase.
func (c *Central) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return PhaseIdle
	}
	return c.session.phase
}

// Session returns a view of the active session, if any.
func (c *Central) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionInfo{}, false
	}
	return c.session.info(), true
}

// HandleEvent implements EventSink.
func (c *Central) HandleEvent(ev DriverEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	switch e := ev.(type) {
	case AdapterStateUpdate:
		c.onAdapterState(e)
	case PeripheralDiscovered:
		c.onDiscovered(e)
	case ScanStopped:
		c.onScanStopped(e)
	case PeripheralConnected:
		c.onConnected(e)
	case PeripheralConnectFailed:
		c.onConnectFailed(e)
	case PeripheralDisconnected:
		c.onDisconnected(e)
	case ServicesDiscovered:
		c.onServicesDiscovered(e)
	case CharacteristicsDiscovered:
		c.onCharacteristicsDiscovered(e)
	case ValueUpdated:
		c.onValueUpdated(e)
	case ValueWritten:
		c.onValueWritten(e)
	case NotifyStateUpdated:
		c.onNotifyState(e)
	case SignalStrengthRead:
		c.onSignalStrength(e)
	default:
		c.logger.WithField("event", ev).Warn("Unknown driver event")
	}
}
