package central

import "context"

// Event is one consumer-facing notification. Events are delivered through
// Central.Events in the order the underlying lifecycle events occurred.
type Event interface {
	event()
}

// AdapterStateEvent is sent on every adapter state update.
type AdapterStateEvent struct {
	State AdapterState
}

// ConnectedEvent is sent when the session reaches PhaseReady.
type ConnectedEvent struct {
	Identity PeripheralIdentity
}

// DisconnectedEvent is sent when an active session is torn down by a
// disconnect. Err is the driver-reported cause, nil for a requested disconnect.
type DisconnectedEvent struct {
	Identity PeripheralIdentity
	Err      error
}

// DataEvent carries bytes read or notified on the inbound characteristic.
type DataEvent struct {
	Characteristic string
	Data           []byte
}

// ConnectionFailedEvent is sent when a connect attempt ends before the link is up.
type ConnectionFailedEvent struct {
	Identity PeripheralIdentity
	Cause    error
}

// DiscoveryFailedEvent is sent when service or characteristic discovery fails.
type DiscoveryFailedEvent struct {
	Identity PeripheralIdentity
	Err      error
}

// IOErrorEvent reports a failed or rejected read, write or notify request.
type IOErrorEvent struct {
	Op  string
	Err error
}

func (AdapterStateEvent) event()     {}
func (ConnectedEvent) event()        {}
func (DisconnectedEvent) event()     {}
func (DataEvent) event()             {}
func (ConnectionFailedEvent) event() {}
func (DiscoveryFailedEvent) event()  {}
func (IOErrorEvent) event()          {}

// Delegate is the callback surface for consumers that prefer methods over
// a type switch on Event.
type Delegate interface {
	AdapterStateChanged(state AdapterState)
	PeripheralConnected(id PeripheralIdentity)
	PeripheralDisconnected(id PeripheralIdentity, err error)
	DataReceived(data []byte)
}

// FailureDelegate is optionally implemented by a Delegate to receive
// failure notifications as well.
type FailureDelegate interface {
	ConnectionFailed(id PeripheralIdentity, cause error)
	DiscoveryFailed(id PeripheralIdentity, err error)
	IOError(op string, err error)
}

// Deliver forwards events to d until ctx is done or events is closed.
func Deliver(ctx context.Context, events <-chan Event, d Delegate) error {
	fd, _ := d.(FailureDelegate)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case AdapterStateEvent:
				d.AdapterStateChanged(e.State)
			case ConnectedEvent:
				d.PeripheralConnected(e.Identity)
			case DisconnectedEvent:
				d.PeripheralDisconnected(e.Identity, e.Err)
			case DataEvent:
				d.DataReceived(e.Data)
			case ConnectionFailedEvent:
				if fd != nil {
					fd.ConnectionFailed(e.Identity, e.Cause)
				}
			case DiscoveryFailedEvent:
				if fd != nil {
					fd.DiscoveryFailed(e.Identity, e.Err)
				}
			case IOErrorEvent:
				if fd != nil {
					fd.IOError(e.Op, e.Err)
				}
			}
		}
	}
}
