package central

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Read requests the current value of the inbound characteristic. The value
// arrives as a DataEvent.
func (c *Central) Read() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.readyCharacteristicLocked(InboundUUID)
	if err != nil {
		c.logger.WithError(err).Warn("Read rejected")
		return err
	}
	if err := c.driver.ReadCharacteristic(ch); err != nil {
		return newError(PeripheralError, "read request", NormalizeError(err))
	}
	return nil
}

// Write sends p to the outbound characteristic without waiting for an
// acknowledgement. A rejected write is also reported as an IOErrorEvent,
// except when the driver queue is full: that error matches ErrBusy and
// is only returned, so the caller can retry (see RetryBusy).
func (c *Central) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.readyCharacteristicLocked(OutboundUUID)
	if err == nil {
		data := make([]byte, len(p))
		copy(data, p)
		if derr := c.driver.WriteCharacteristic(ch, data, false); derr != nil {
			err = newError(PeripheralError, "write request", NormalizeError(derr))
		}
	}
	if errors.Is(err, ErrBusy) {
		c.logger.WithField("len", len(p)).Debug("Write deferred, driver queue full")
		return err
	}
	if err != nil {
		c.logger.WithError(err).WithField("len", len(p)).Warn("Write failed")
		c.dispatcher.post(IOErrorEvent{Op: "write", Err: err})
		return err
	}

	c.logger.WithField("len", len(p)).Trace("Write submitted")
	return nil
}

// RetryBusy calls write until it returns something other than ErrBusy,
// sleeping interval between tries. After attempts tries the last error is
// returned.
func RetryBusy(attempts int, interval time.Duration, write func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = write(); !errors.Is(err, ErrBusy) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(interval)
		}
	}
	return err
}

// EnableNotifications turns inbound notifications on or off.
func (c *Central) EnableNotifications(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.readyCharacteristicLocked(InboundUUID)
	if err != nil {
		return err
	}
	if err := c.driver.SetNotify(ch, enable); err != nil {
		return newError(PeripheralError, "notify request", NormalizeError(err))
	}
	return nil
}

func (c *Central) readyCharacteristicLocked(uuid string) (CharacteristicHandle, error) {
	if c.session == nil {
		return nil, newError(CharacteristicUnavailable, "no active session", nil)
	}
	if c.session.phase != PhaseReady {
		return nil, newError(CharacteristicUnavailable, "session is "+c.session.phase.String(), nil)
	}
	ch, ok := c.session.characteristic(uuid)
	if !ok {
		return nil, newError(CharacteristicUnavailable, "", &NotFoundError{Resource: "characteristic", ID: uuid})
	}
	return ch, nil
}

func (c *Central) onValueUpdated(e ValueUpdated) {
	if e.Err != nil {
		err := newError(PeripheralError, "value update", NormalizeError(e.Err))
		c.logger.WithError(err).Warn("Characteristic update failed")
		c.dispatcher.post(IOErrorEvent{Op: "read", Err: err})
		return
	}
	if c.session == nil || e.Characteristic == nil {
		return
	}
	if NormalizeUUID(e.Characteristic.UUID()) != NormalizeUUID(InboundUUID) {
		c.logger.WithField("uuid", e.Characteristic.UUID()).Debug("Ignoring value from unrelated characteristic")
		return
	}

	c.logger.WithFields(logrus.Fields{
		"len": len(e.Data),
	}).Trace("Data received")
	c.dispatcher.post(DataEvent{Characteristic: InboundUUID, Data: e.Data})
}

func (c *Central) onValueWritten(e ValueWritten) {
	if e.Err == nil {
		return
	}
	err := newError(PeripheralError, "write", NormalizeError(e.Err))
	c.logger.WithError(err).Warn("Characteristic write failed")
	c.dispatcher.post(IOErrorEvent{Op: "write", Err: err})
}

func (c *Central) onNotifyState(e NotifyStateUpdated) {
	if e.Err == nil {
		c.logger.WithField("enabled", e.Enabled).Debug("Notification state updated")
		return
	}
	err := newError(PeripheralError, "notify", NormalizeError(e.Err))
	c.logger.WithError(err).Warn("Notification state update failed")
	c.dispatcher.post(IOErrorEvent{Op: "notify", Err: err})
}
