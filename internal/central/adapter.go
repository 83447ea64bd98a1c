package central

import "github.com/sirupsen/logrus"

// AdapterState returns the last adapter state reported by the driver.
func (c *Central) AdapterState() AdapterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapterState
}

func (c *Central) onAdapterState(e AdapterStateUpdate) {
	prev := c.adapterState
	c.adapterState = e.State

	if prev != e.State {
		c.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   e.State,
		}).Info("Adapter state changed")
	}

	// The radio drops discovery on its own when it leaves PoweredOn.
	if prev == AdapterPoweredOn && e.State != AdapterPoweredOn && c.scanning {
		c.clearScanLocked()
		c.logger.Warn("Scan aborted: adapter left powered_on")
	}

	c.dispatcher.post(AdapterStateEvent{State: e.State})
}

func (c *Central) requirePoweredOn(op string) error {
	if c.adapterState == AdapterPoweredOn {
		return nil
	}
	c.logger.WithFields(logrus.Fields{
		"op":      op,
		"adapter": c.adapterState,
	}).Error("Bluetooth adapter is not powered on")
	return ErrAdapterNotReady
}
