package central

// PeripheralHandle is the driver's connectable reference to a peripheral.
// A peripheral may be reported through several handles over time; the
// registry always keeps the latest one.
type PeripheralHandle interface {
	Identity() PeripheralIdentity
}

// ServiceHandle is a discovered GATT service.
type ServiceHandle interface {
	UUID() string
}

// CharacteristicHandle is a discovered GATT characteristic.
type CharacteristicHandle interface {
	UUID() string
}

// EventSink receives driver events. Central implements it.
type EventSink interface {
	HandleEvent(ev DriverEvent)
}

// Driver is the radio capability the central depends on.
//
// Every request method only submits the request: it returns an error when
// the request cannot be issued and reports the outcome later through the
// EventSink installed by Start. Implementations must never call the sink
// from inside a request method.
type Driver interface {
	Start(sink EventSink) error
	AdapterState() AdapterState

	StartDiscovery(serviceFilter []string) error
	StopDiscovery() error

	Connect(p PeripheralHandle, notifyOnDisconnect bool) error
	Disconnect(p PeripheralHandle) error

	DiscoverServices(p PeripheralHandle, uuidFilter []string) error
	DiscoverCharacteristics(s ServiceHandle, uuidFilter []string) error

	ReadCharacteristic(c CharacteristicHandle) error
	WriteCharacteristic(c CharacteristicHandle, data []byte, ackRequired bool) error
	SetNotify(c CharacteristicHandle, enable bool) error

	// ReadSignalStrength reads the RSSI of p. p may be nil when no
	// connection is active; the driver then reports an error event.
	ReadSignalStrength(p PeripheralHandle) error

	Close() error
}

// DriverEvent is one asynchronous notification from the radio driver.
type DriverEvent interface {
	driverEvent()
}

// AdapterStateUpdate reports a radio power/availability change.
type AdapterStateUpdate struct {
	State AdapterState
}

// PeripheralDiscovered reports one advertisement matching the scan filter.
type PeripheralDiscovered struct {
	Handle PeripheralHandle
	RSSI   int
}

// ScanStopped reports that the driver stopped discovery on its own.
type ScanStopped struct {
	Err error
}

// PeripheralConnected completes a Connect request.
type PeripheralConnected struct {
	Handle PeripheralHandle
}

// PeripheralConnectFailed completes a Connect request with an error.
type PeripheralConnectFailed struct {
	Handle PeripheralHandle
	Err    error
}

// PeripheralDisconnected reports a requested or spontaneous link loss.
type PeripheralDisconnected struct {
	Handle PeripheralHandle
	Err    error
}

// ServicesDiscovered completes a DiscoverServices request.
type ServicesDiscovered struct {
	Peripheral PeripheralIdentity
	Services   []ServiceHandle
	Err        error
}

// CharacteristicsDiscovered completes a DiscoverCharacteristics request.
type CharacteristicsDiscovered struct {
	Peripheral      PeripheralIdentity
	Service         ServiceHandle
	Characteristics []CharacteristicHandle
	Err             error
}

// ValueUpdated carries a read response or an unsolicited notification.
type ValueUpdated struct {
	Characteristic CharacteristicHandle
	Data           []byte
	Err            error
}

// ValueWritten completes a WriteCharacteristic request.
type ValueWritten struct {
	Characteristic CharacteristicHandle
	Err            error
}

// NotifyStateUpdated completes a SetNotify request.
type NotifyStateUpdated struct {
	Characteristic CharacteristicHandle
	Enabled        bool
	Err            error
}

// SignalStrengthRead completes a ReadSignalStrength request.
type SignalStrengthRead struct {
	RSSI int
	Err  error
}

func (AdapterStateUpdate) driverEvent()        {}
func (PeripheralDiscovered) driverEvent()      {}
func (ScanStopped) driverEvent()               {}
func (PeripheralConnected) driverEvent()       {}
func (PeripheralConnectFailed) driverEvent()   {}
func (PeripheralDisconnected) driverEvent()    {}
func (ServicesDiscovered) driverEvent()        {}
func (CharacteristicsDiscovered) driverEvent() {}
func (ValueUpdated) driverEvent()              {}
func (ValueWritten) driverEvent()              {}
func (NotifyStateUpdated) driverEvent()        {}
func (SignalStrengthRead) driverEvent()        {}
