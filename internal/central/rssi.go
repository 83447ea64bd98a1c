package central

// ReadRSSI requests the signal strength of the connected peripheral and
// calls cb once with the result.
//
// Only one request is tracked. A new call replaces the pending callback and
// the replaced callback is never invoked. The request is forwarded even
// when no session exists; the driver then reports the error.
func (c *Central) ReadRSSI(cb func(rssi int, err error)) {
	if cb == nil {
		cb = func(int, error) {}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rssiPending != nil {
		c.logger.Warn("RSSI request replaced, previous callback dropped")
	}
	c.rssiPending = cb

	var h PeripheralHandle
	if c.session != nil {
		h = c.session.handle
	}
	if err := c.driver.ReadSignalStrength(h); err != nil {
		c.resolveRSSILocked(0, newError(PeripheralError, "rssi request", NormalizeError(err)))
	}
}

func (c *Central) onSignalStrength(e SignalStrengthRead) {
	if c.rssiPending == nil {
		c.logger.WithField("rssi", e.RSSI).Debug("Dropping unsolicited RSSI result")
		return
	}
	var err error
	if e.Err != nil {
		err = newError(PeripheralError, "rssi", NormalizeError(e.Err))
	}
	c.resolveRSSILocked(e.RSSI, err)
}

func (c *Central) resolveRSSILocked(rssi int, err error) {
	cb := c.rssiPending
	c.rssiPending = nil
	if err != nil {
		rssi = 0
	}
	c.dispatcher.call(func() { cb(rssi, err) })
}
