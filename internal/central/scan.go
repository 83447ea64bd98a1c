package central

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StartScanning starts discovery of peripherals advertising the UART
// service. A positive timeout stops discovery after that duration; zero or
// negative scans until StopScanning.
func (c *Central) StartScanning(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requirePoweredOn("scan"); err != nil {
		return err
	}
	if c.scanning {
		c.logger.Debug("Scan already in progress")
		return ErrAlreadyScanning
	}

	if err := c.driver.StartDiscovery([]string{ServiceUUID}); err != nil {
		return newError(PeripheralError, "start discovery", NormalizeError(err))
	}

	c.scanning = true
	c.scanGen++
	if timeout > 0 {
		gen := c.scanGen
		c.scanTimer = c.opts.AfterFunc(timeout, func() { c.scanExpired(gen) })
	}

	c.logger.WithField("timeout", timeout).Info("Scanning started")
	return nil
}

// StopScanning stops an active scan. It is a no-op when not scanning.
func (c *Central) StopScanning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scanning {
		return
	}
	c.stopScanLocked()
	c.logger.Info("Scanning stopped")
}

func (c *Central) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Peripherals returns every discovered peripheral in first-seen order.
func (c *Central) Peripherals() []DiscoveredPeripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Snapshot()
}

func (c *Central) Peripheral(id string) (DiscoveredPeripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Get(id)
}

func (c *Central) scanExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.scanGen {
		return
	}
	c.scanTimer = nil
	c.scanning = false
	if err := c.driver.StopDiscovery(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop discovery")
	}
	c.logger.WithField("found", c.registry.Len()).Info("Scan timed out")
}

func (c *Central) stopScanLocked() {
	c.clearScanLocked()
	if err := c.driver.StopDiscovery(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop discovery")
	}
}

// clearScanLocked forgets the current scan without talking to the driver.
func (c *Central) clearScanLocked() {
	if c.scanTimer != nil {
		c.scanTimer.Stop()
		c.scanTimer = nil
	}
	c.scanning = false
	c.scanGen++
}

func (c *Central) onDiscovered(e PeripheralDiscovered) {
	if e.Handle == nil {
		return
	}

	entry, isNew := c.registry.Upsert(e.Handle, e.RSSI, c.opts.Now())

	fields := logrus.Fields{
		"id":   entry.Identity.ID,
		"name": entry.Identity.Name,
		"rssi": entry.RSSI,
	}
	if isNew {
		c.logger.WithFields(fields).Info("Peripheral discovered")
	} else {
		c.logger.WithFields(fields).Debug("Peripheral updated")
	}

	if c.discoveries.ForceSend(RegistryEvent{Peripheral: entry, New: isNew}) {
		c.logger.Debug("Discovery feed full, dropped oldest update")
	}
}

func (c *Central) onScanStopped(e ScanStopped) {
	if !c.scanning {
		return
	}
	c.clearScanLocked()
	if e.Err != nil {
		c.logger.WithError(e.Err).Warn("Scan stopped by driver")
		return
	}
	c.logger.Info("Scan stopped by driver")
}
