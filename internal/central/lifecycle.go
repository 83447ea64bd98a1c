package central

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Connect starts connecting to a previously discovered peripheral. The
// result is reported through Events as ConnectedEvent once the UART
// characteristics are ready, or as a failure event.
func (c *Central) Connect(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requirePoweredOn("connect"); err != nil {
		return err
	}
	if c.session != nil {
		c.logger.WithFields(logrus.Fields{
			"active": c.session.identity.ID,
			"phase":  c.session.phase,
		}).Warn("Connect rejected: connection already active")
		return ErrAlreadyConnecting
	}

	entry, ok := c.registry.Get(id)
	if !ok {
		return &NotFoundError{Resource: "peripheral", ID: id}
	}

	if err := c.driver.Connect(entry.Handle, true); err != nil {
		return newError(ConnectionFailed, "connect request", NormalizeError(err))
	}

	c.session = newSession(entry.Identity, entry.Handle)
	c.connectGen++
	if c.opts.ConnectTimeout > 0 {
		gen := c.connectGen
		c.watchdog = c.opts.AfterFunc(c.opts.ConnectTimeout, func() { c.connectExpired(gen) })
	}

	c.logger.WithFields(logrus.Fields{
		"id":   entry.Identity.ID,
		"name": entry.Identity.Name,
	}).Info("Connecting")
	return nil
}

// Disconnect asks the driver to drop the link to id. The session is torn
// down when the driver confirms with a disconnect event.
func (c *Central) Disconnect(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requirePoweredOn("disconnect"); err != nil {
		return err
	}
	if c.session == nil {
		return ErrNotConnected
	}
	if c.session.identity.ID != id {
		return newError(NotConnected, fmt.Sprintf("not connected to %s", id), nil)
	}

	if err := c.driver.Disconnect(c.session.handle); err != nil {
		return newError(PeripheralError, "disconnect request", NormalizeError(err))
	}
	c.logger.WithField("id", id).Info("Disconnecting")
	return nil
}

func (c *Central) onConnected(e PeripheralConnected) {
	if e.Handle == nil {
		return
	}
	id := e.Handle.Identity()

	if c.session == nil {
		// The link came up after its attempt was abandoned. Release it.
		c.logger.WithField("id", id.ID).Warn("Orphan connection, disconnecting")
		if err := c.driver.Disconnect(e.Handle); err != nil {
			c.logger.WithError(err).Debug("Orphan disconnect failed")
		}
		return
	}
	if !c.expect(id, PhaseConnecting, "connected") {
		return
	}

	c.session.handle = e.Handle
	c.session.phase = PhaseServicesDiscovering
	c.logger.WithField("id", id.ID).Info("Connected, discovering services")

	if err := c.driver.DiscoverServices(e.Handle, []string{ServiceUUID}); err != nil {
		c.failDiscoveryLocked(NormalizeError(err))
	}
}

func (c *Central) onConnectFailed(e PeripheralConnectFailed) {
	if e.Handle == nil || !c.expect(e.Handle.Identity(), PhaseConnecting, "connect_failed") {
		return
	}

	id := c.session.identity
	c.teardownLocked()

	cause := NormalizeError(e.Err)
	c.logger.WithError(cause).WithField("id", id.ID).Error("Connection failed")
	c.dispatcher.post(ConnectionFailedEvent{Identity: id, Cause: newError(ConnectionFailed, "", cause)})
}

func (c *Central) onDisconnected(e PeripheralDisconnected) {
	if c.session == nil || e.Handle == nil {
		c.logger.Debug("Disconnect event without active session")
		return
	}
	if !c.session.owns(e.Handle.Identity()) {
		c.logger.WithField("id", e.Handle.Identity().ID).Debug("Disconnect event for another peripheral")
		return
	}

	id := c.session.identity
	c.teardownLocked()

	fields := logrus.Fields{"id": id.ID}
	if e.Err != nil {
		c.logger.WithFields(fields).WithError(e.Err).Warn("Disconnected")
	} else {
		c.logger.WithFields(fields).Info("Disconnected")
	}
	c.dispatcher.post(DisconnectedEvent{Identity: id, Err: NormalizeError(e.Err)})
}

func (c *Central) onServicesDiscovered(e ServicesDiscovered) {
	if !c.expect(e.Peripheral, PhaseServicesDiscovering, "services_discovered") {
		return
	}
	if e.Err != nil {
		c.failDiscoveryLocked(NormalizeError(e.Err))
		return
	}

	want := NormalizeUUID(ServiceUUID)
	var matching []ServiceHandle
	for _, svc := range e.Services {
		if svc != nil && NormalizeUUID(svc.UUID()) == want {
			matching = append(matching, svc)
		}
	}
	if len(matching) == 0 {
		c.failDiscoveryLocked(&NotFoundError{Resource: "service", ID: ServiceUUID})
		return
	}

	c.session.phase = PhaseCharacteristicsDiscovering
	c.session.pending = 0

	filter := []string{InboundUUID, OutboundUUID}
	var lastErr error
	for _, svc := range matching {
		if err := c.driver.DiscoverCharacteristics(svc, filter); err != nil {
			lastErr = err
			continue
		}
		c.session.pending++
	}
	if c.session.pending == 0 {
		c.failDiscoveryLocked(NormalizeError(lastErr))
		return
	}

	c.logger.WithField("services", len(matching)).Debug("Discovering characteristics")
}

func (c *Central) onCharacteristicsDiscovered(e CharacteristicsDiscovered) {
	if !c.expect(e.Peripheral, PhaseCharacteristicsDiscovering, "characteristics_discovered") {
		return
	}
	if e.Err != nil {
		c.failDiscoveryLocked(NormalizeError(e.Err))
		return
	}

	s := c.session
	s.pending--
	s.record(e.Characteristics)

	inbound, ok := s.characteristic(InboundUUID)
	if !ok {
		if s.pending > 0 {
			return
		}
		c.failDiscoveryLocked(&NotFoundError{Resource: "characteristic", ID: InboundUUID})
		return
	}

	if err := c.driver.SetNotify(inbound, true); err != nil {
		c.failDiscoveryLocked(NormalizeError(err))
		return
	}

	if _, ok := s.characteristic(OutboundUUID); !ok {
		c.logger.Warn("Outbound characteristic not found, writes will fail")
	}

	s.phase = PhaseReady
	c.stopWatchdogLocked()

	c.logger.WithFields(logrus.Fields{
		"id":              s.identity.ID,
		"characteristics": s.uuids(),
	}).Info("Peripheral ready")
	c.dispatcher.post(ConnectedEvent{Identity: s.identity})
}

// expect reports whether an event for id is valid in the current phase.
func (c *Central) expect(id PeripheralIdentity, phase Phase, event string) bool {
	if c.session == nil || !c.session.owns(id) {
		c.logger.WithFields(logrus.Fields{
			"event": event,
			"id":    id.ID,
		}).Debug("Ignoring event for inactive peripheral")
		return false
	}
	if c.session.phase != phase {
		c.logger.WithFields(logrus.Fields{
			"event":    event,
			"phase":    c.session.phase,
			"expected": phase,
		}).Warn("Ignoring out-of-phase event")
		return false
	}
	return true
}

// failDiscoveryLocked reports a discovery failure, returns to Idle and
// releases the link.
func (c *Central) failDiscoveryLocked(cause error) {
	id := c.session.identity
	handle := c.session.handle
	c.teardownLocked()

	c.logger.WithError(cause).WithField("id", id.ID).Error("Discovery failed")
	c.dispatcher.post(DiscoveryFailedEvent{Identity: id, Err: newError(DiscoveryFailed, "", cause)})

	if err := c.driver.Disconnect(handle); err != nil {
		c.logger.WithError(err).Debug("Disconnect after discovery failure failed")
	}
}

func (c *Central) connectExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.connectGen || c.session == nil || c.session.phase == PhaseReady {
		return
	}

	id := c.session.identity
	handle := c.session.handle
	phase := c.session.phase
	c.watchdog = nil
	c.teardownLocked()

	c.logger.WithFields(logrus.Fields{
		"id":    id.ID,
		"phase": phase,
	}).Error("Connection attempt timed out")
	c.dispatcher.post(ConnectionFailedEvent{Identity: id, Cause: newError(ConnectionFailed, "", ErrTimeout)})

	if err := c.driver.Disconnect(handle); err != nil {
		c.logger.WithError(err).Debug("Disconnect after timeout failed")
	}
}

func (c *Central) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// teardownLocked drops the session and returns to Idle.
func (c *Central) teardownLocked() {
	c.stopWatchdogLocked()
	c.connectGen++
	c.session = nil
}
