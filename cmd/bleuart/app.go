package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/central"
	"github.com/srg/bleuart/internal/central/goble"
	"github.com/srg/bleuart/internal/central/tinygo"
	"github.com/srg/bleuart/pkg/config"
)

// adapterWaitTimeout bounds how long a command waits for the radio to
// report PoweredOn.
const adapterWaitTimeout = 5 * time.Second

// driverFactory builds the radio backend selected by cfg (can be overridden in tests)
var driverFactory = func(cfg *config.Config, logger *logrus.Logger) (central.Driver, error) {
	switch cfg.Driver {
	case config.DriverTinyGo:
		return tinygo.New(tinygo.Options{
			WriteChunkSize: cfg.Write.ChunkSize,
			WriteDelay:     cfg.Write.Delay,
			Logger:         logger,
		}), nil
	case config.DriverGoBLE, "":
		return goble.New(goble.Options{
			WriteChunkSize:  cfg.Write.ChunkSize,
			WriteDelay:      cfg.Write.Delay,
			AllowDuplicates: cfg.AllowDuplicates,
			Logger:          logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// app is the per-command runtime: configuration, logger and a started central.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central *central.Central
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	driver, err := driverFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	c := central.New(driver, central.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	})
	if err := c.Start(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to start BLE central: %w", err)
	}

	return &app{cfg: cfg, logger: logger, central: c}, nil
}

func (a *app) Close() error {
	return a.central.Close()
}

// commandContext is cancelled on Ctrl+C or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// waitPoweredOn blocks until the adapter is usable. Only adapter state
// events can be pending at this point, so consuming them loses nothing.
func (a *app) waitPoweredOn(ctx context.Context) error {
	state := a.central.AdapterState()
	if state == central.AdapterPoweredOn {
		return nil
	}

	timer := time.NewTimer(adapterWaitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: adapter is %s", central.ErrAdapterNotReady, state)
		case ev, ok := <-a.central.Events():
			if !ok {
				return fmt.Errorf("%w: central closed", central.ErrAdapterNotReady)
			}
			e, isState := ev.(central.AdapterStateEvent)
			if !isState {
				continue
			}
			state = e.State
			switch state {
			case central.AdapterPoweredOn:
				return nil
			case central.AdapterPoweredOff, central.AdapterUnsupported, central.AdapterUnauthorized:
				return fmt.Errorf("%w: adapter is %s", central.ErrAdapterNotReady, state)
			}
		}
	}
}

// matchesTarget reports whether p is the peripheral the user asked for:
// an exact ID or a case-insensitive name. An empty target matches any
// UART peripheral.
func matchesTarget(p central.DiscoveredPeripheral, target string) bool {
	if target == "" {
		return true
	}
	return strings.EqualFold(p.Identity.ID, target) ||
		(p.Identity.Name != "" && strings.EqualFold(p.Identity.Name, target))
}

// find scans until a peripheral matching target is seen or timeout elapses.
func (a *app) find(ctx context.Context, target string, timeout time.Duration) (central.DiscoveredPeripheral, error) {
	for _, p := range a.central.Peripherals() {
		if matchesTarget(p, target) {
			return p, nil
		}
	}

	if err := a.central.StartScanning(timeout); err != nil {
		return central.DiscoveredPeripheral{}, err
	}
	defer a.central.StopScanning()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return central.DiscoveredPeripheral{}, ctx.Err()
		case <-expired:
			if target == "" {
				return central.DiscoveredPeripheral{}, fmt.Errorf("%w: no UART peripheral advertised within %s", ErrPeripheralNotFound, timeout)
			}
			return central.DiscoveredPeripheral{}, fmt.Errorf("%w: %s", ErrPeripheralNotFound, target)
		case ev, ok := <-a.central.Discoveries():
			if !ok {
				return central.DiscoveredPeripheral{}, fmt.Errorf("%w: central closed", ErrPeripheralNotFound)
			}
			if matchesTarget(ev.Peripheral, target) {
				return ev.Peripheral, nil
			}
		case ev, ok := <-a.central.Events():
			if !ok {
				return central.DiscoveredPeripheral{}, fmt.Errorf("%w: central closed", ErrPeripheralNotFound)
			}
			if e, isState := ev.(central.AdapterStateEvent); isState && e.State != central.AdapterPoweredOn {
				return central.DiscoveredPeripheral{}, fmt.Errorf("%w: adapter is %s", central.ErrAdapterNotReady, e.State)
			}
		}
	}
}

// connect finds target and waits until its UART session is ready.
func (a *app) connect(ctx context.Context, target string, progress func(string)) (central.PeripheralIdentity, error) {
	if progress == nil {
		progress = func(string) {}
	}

	if err := a.waitPoweredOn(ctx); err != nil {
		return central.PeripheralIdentity{}, err
	}

	progress("Scanning")
	p, err := a.find(ctx, target, a.cfg.ScanTimeout)
	if err != nil {
		return central.PeripheralIdentity{}, err
	}

	progress("Connecting")
	if err := a.central.Connect(p.Identity.ID); err != nil {
		return central.PeripheralIdentity{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return p.Identity, ctx.Err()
		case ev, ok := <-a.central.Events():
			if !ok {
				return p.Identity, ErrConnectionLost
			}
			switch e := ev.(type) {
			case central.ConnectedEvent:
				progress("Connected")
				return e.Identity, nil
			case central.ConnectionFailedEvent:
				return e.Identity, e.Cause
			case central.DiscoveryFailedEvent:
				return e.Identity, e.Err
			case central.DisconnectedEvent:
				return e.Identity, fmt.Errorf("%w: %s", ErrConnectionLost, e.Identity)
			}
		}
	}
}
