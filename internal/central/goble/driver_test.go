package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/bleuart/internal/central"
	"github.com/srg/bleuart/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type chanSink chan central.DriverEvent

func (s chanSink) HandleEvent(ev central.DriverEvent) { s <- ev }

type DriverSuite struct {
	suite.Suite

	dev     *testutils.MockDevice
	client  *testutils.MockClient
	sink    chanSink
	driver  *Driver
	factory func() (ble.Device, error)
}

func TestDriverSuite(t *testing.T) {
	suite.Run(t, new(DriverSuite))
}

func (s *DriverSuite) SetupTest() {
	s.dev = &testutils.MockDevice{}
	s.dev.On("Stop").Return(nil).Maybe()
	s.client = testutils.NewMockClient()
	s.sink = make(chanSink, 64)

	s.factory = DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }

	s.driver = New(Options{Logger: testutils.QuietLogger(), WriteDelay: 0})
	s.Require().NoError(s.driver.Start(s.sink))
	s.Equal(central.AdapterStateUpdate{State: central.AdapterPoweredOn}, s.next())
}

func (s *DriverSuite) TearDownTest() {
	s.client.On("CancelConnection").Return(nil).Maybe()
	s.Require().NoError(s.driver.Close())
	DeviceFactory = s.factory
}

func (s *DriverSuite) next() central.DriverEvent {
	select {
	case ev := <-s.sink:
		return ev
	case <-time.After(time.Second):
		s.FailNow("no driver event")
		return nil
	}
}

func (s *DriverSuite) discoverAndConnect() *peripheral {
	p := newPeripheral(testutils.MockAddr{Address: "AA:BB:CC:DD:EE:FF"}, "Biscuit")
	s.dev.On("Dial", mock.Anything, p.addr).Return(s.client, nil).Once()

	s.Require().NoError(s.driver.Connect(p, true))
	s.Equal(central.PeripheralConnected{Handle: p}, s.next())
	return p
}

func uartChars() (*ble.Service, *ble.Characteristic, *ble.Characteristic) {
	in := &ble.Characteristic{UUID: ble.MustParse(central.InboundUUID)}
	out := &ble.Characteristic{UUID: ble.MustParse(central.OutboundUUID)}
	svc := &ble.Service{UUID: ble.MustParse(central.ServiceUUID), Characteristics: []*ble.Characteristic{in, out}}
	return svc, in, out
}

func (s *DriverSuite) TestStartReportsPoweredOffWhenDeviceFails() {
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("can't init hci: is Bluetooth turned on?")
	}
	sink := make(chanSink, 4)
	d := New(Options{Logger: testutils.QuietLogger()})
	s.Require().NoError(d.Start(sink))
	defer d.Close()

	s.Equal(central.AdapterPoweredOff, d.AdapterState())
	s.Equal(central.AdapterStateUpdate{State: central.AdapterPoweredOff}, <-sink)
	s.ErrorIs(d.StartDiscovery(nil), central.ErrBluetoothOff)
}

func (s *DriverSuite) TestDiscoveryFiltersByService() {
	uart := testutils.CreateMockAdvertisement("Biscuit", "AA:BB:CC:00:00:01", -40).
		WithServices(central.ServiceUUID).Build()
	other := testutils.CreateMockAdvertisement("Watch", "AA:BB:CC:00:00:02", -60).
		WithServices("180D").Build()
	overflow := testutils.CreateMockAdvertisement("", "AA:BB:CC:00:00:03", -70).
		WithOverflowServices(central.ServiceUUID).Build()

	s.dev.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		h := args.Get(2).(ble.AdvHandler)
		h(uart)
		h(other)
		h(overflow)
		<-ctx.Done()
	}).Return(context.Canceled)

	s.Require().NoError(s.driver.StartDiscovery([]string{central.ServiceUUID}))

	first := s.next().(central.PeripheralDiscovered)
	s.Equal(central.PeripheralIdentity{ID: "aa:bb:cc:00:00:01", Name: "Biscuit"}, first.Handle.Identity())
	s.Equal(-40, first.RSSI)

	second := s.next().(central.PeripheralDiscovered)
	s.Equal("aa:bb:cc:00:00:03", second.Handle.Identity().ID)

	s.Require().NoError(s.driver.StopDiscovery())
	s.Never(func() bool { return len(s.sink) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func (s *DriverSuite) TestScanFailureReportsScanStopped() {
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Return(errors.New("bluetooth is turned off"))

	s.Require().NoError(s.driver.StartDiscovery(nil))

	s.Equal(central.AdapterStateUpdate{State: central.AdapterPoweredOff}, s.next())
	stopped := s.next().(central.ScanStopped)
	s.ErrorIs(stopped.Err, central.ErrBluetoothOff)
}

func (s *DriverSuite) TestConnectFailure() {
	p := newPeripheral(testutils.MockAddr{Address: "AA:BB:CC:DD:EE:FF"}, "")
	s.dev.On("Dial", mock.Anything, p.addr).Return(nil, errors.New("timeout")).Once()

	s.Require().NoError(s.driver.Connect(p, true))
	failed := s.next().(central.PeripheralConnectFailed)
	s.Equal(p, failed.Handle)
	s.EqualError(failed.Err, "timeout")

	// the slot is free again
	s.dev.On("Dial", mock.Anything, p.addr).Return(s.client, nil).Once()
	s.Require().NoError(s.driver.Connect(p, true))
	s.IsType(central.PeripheralConnected{}, s.next())
}

func (s *DriverSuite) TestSecondConnectRejected() {
	p := s.discoverAndConnect()
	s.Error(s.driver.Connect(p, true))
}

func (s *DriverSuite) TestDisconnectWhileDialing() {
	p := newPeripheral(testutils.MockAddr{Address: "11:22:33:44:55:66"}, "")
	dialing := make(chan struct{})
	s.dev.On("Dial", mock.Anything, p.addr).Run(func(args mock.Arguments) {
		close(dialing)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()

	s.Require().NoError(s.driver.Connect(p, true))
	<-dialing
	s.Require().NoError(s.driver.Disconnect(p))

	s.Equal(central.PeripheralDisconnected{Handle: p}, s.next())
}

func (s *DriverSuite) TestDisconnectWhileDialingDiscardsLateClient() {
	p := newPeripheral(testutils.MockAddr{Address: "11:22:33:44:55:66"}, "")
	dialing := make(chan struct{})
	release := make(chan struct{})
	s.dev.On("Dial", mock.Anything, p.addr).Run(func(mock.Arguments) {
		close(dialing)
		<-release
	}).Return(s.client, nil).Once()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(s.driver.Connect(p, true))
	<-dialing
	s.Require().NoError(s.driver.Disconnect(p))
	close(release)

	s.Equal(central.PeripheralDisconnected{Handle: p}, s.next())
	s.client.AssertCalled(s.T(), "CancelConnection")

	// the slot is free again
	s.ErrorIs(s.driver.Disconnect(p), central.ErrNotConnected)
}

func (s *DriverSuite) TestGATTDiscovery() {
	p := s.discoverAndConnect()
	svc, in, out := uartChars()

	s.client.On("DiscoverServices", []ble.UUID{ble.MustParse(central.ServiceUUID)}).Return([]*ble.Service{svc}, nil)
	s.Require().NoError(s.driver.DiscoverServices(p, []string{central.ServiceUUID}))

	services := s.next().(central.ServicesDiscovered)
	s.NoError(services.Err)
	s.Equal(p.Identity(), services.Peripheral)
	s.Require().Len(services.Services, 1)
	s.Equal(central.NormalizeUUID(central.ServiceUUID), central.NormalizeUUID(services.Services[0].UUID()))

	s.client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{in, out}, nil)
	s.Require().NoError(s.driver.DiscoverCharacteristics(services.Services[0], []string{central.InboundUUID, central.OutboundUUID}))

	chars := s.next().(central.CharacteristicsDiscovered)
	s.NoError(chars.Err)
	s.Equal(p.Identity(), chars.Peripheral)
	s.Len(chars.Characteristics, 2)
	s.client.AssertNotCalled(s.T(), "DiscoverDescriptors", mock.Anything, mock.Anything)
}

func (s *DriverSuite) TestNotifyingCharacteristicGetsDescriptors() {
	p := s.discoverAndConnect()
	svc, in, out := uartChars()
	in.Property = ble.CharNotify | ble.CharRead
	h := &service{owner: p, svc: svc}

	s.client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{in, out}, nil)
	s.client.On("DiscoverDescriptors", []ble.UUID(nil), in).Return(nil, errors.New("att timeout")).Once()
	s.Require().NoError(s.driver.DiscoverCharacteristics(h, []string{central.InboundUUID, central.OutboundUUID}))

	chars := s.next().(central.CharacteristicsDiscovered)
	s.NoError(chars.Err, "descriptor failures surface later through Subscribe")
	s.client.AssertNumberOfCalls(s.T(), "DiscoverDescriptors", 1)
}

func (s *DriverSuite) TestWriteIsChunked() {
	s.discoverAndConnect()
	_, _, out := uartChars()
	h := &characteristic{c: out}

	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte(i)
	}
	s.client.On("WriteCharacteristic", out, payload[:20], true).Return(nil).Once()
	s.client.On("WriteCharacteristic", out, payload[20:40], true).Return(nil).Once()
	s.client.On("WriteCharacteristic", out, payload[40:], true).Return(nil).Once()

	s.Require().NoError(s.driver.WriteCharacteristic(h, payload, false))

	written := s.next().(central.ValueWritten)
	s.NoError(written.Err)
	s.client.AssertExpectations(s.T())
}

func (s *DriverSuite) TestWriteFailureStopsChunking() {
	s.discoverAndConnect()
	_, _, out := uartChars()

	s.client.On("WriteCharacteristic", out, mock.Anything, true).Return(errors.New("att busy")).Once()
	s.Require().NoError(s.driver.WriteCharacteristic(&characteristic{c: out}, make([]byte, 30), false))

	written := s.next().(central.ValueWritten)
	s.EqualError(written.Err, "att busy")
	s.client.AssertNumberOfCalls(s.T(), "WriteCharacteristic", 1)
}

func (s *DriverSuite) TestNotificationsAndRead() {
	s.discoverAndConnect()
	_, in, _ := uartChars()
	h := &characteristic{c: in}

	s.client.On("Subscribe", in, false, mock.Anything).Run(func(args mock.Arguments) {
		handler := args.Get(2).(ble.NotificationHandler)
		go handler([]byte("ping"))
	}).Return(nil)
	s.Require().NoError(s.driver.SetNotify(h, true))

	var sawNotify, sawData bool
	for i := 0; i < 2; i++ {
		switch ev := s.next().(type) {
		case central.NotifyStateUpdated:
			s.True(ev.Enabled)
			s.NoError(ev.Err)
			sawNotify = true
		case central.ValueUpdated:
			s.Equal([]byte("ping"), ev.Data)
			sawData = true
		}
	}
	s.True(sawNotify)
	s.True(sawData)

	s.client.On("ReadCharacteristic", in).Return([]byte("pong"), nil)
	s.Require().NoError(s.driver.ReadCharacteristic(h))
	s.Equal(central.ValueUpdated{Characteristic: h, Data: []byte("pong")}, s.next())
}

func (s *DriverSuite) TestReadSignalStrength() {
	s.Require().NoError(s.driver.ReadSignalStrength(nil))
	rssi := s.next().(central.SignalStrengthRead)
	s.ErrorIs(rssi.Err, central.ErrNotConnected)

	p := s.discoverAndConnect()
	s.client.On("ReadRSSI").Return(-58)
	s.Require().NoError(s.driver.ReadSignalStrength(p))
	s.Equal(central.SignalStrengthRead{RSSI: -58}, s.next())
}

func (s *DriverSuite) TestRequestedDisconnect() {
	p := s.discoverAndConnect()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(s.driver.Disconnect(p))
	s.Equal(central.PeripheralDisconnected{Handle: p}, s.next())

	s.ErrorIs(s.driver.Disconnect(p), central.ErrNotConnected)
}

func (s *DriverSuite) TestLinkLoss() {
	p := s.discoverAndConnect()
	s.client.SimulateDisconnect()

	ev := s.next().(central.PeripheralDisconnected)
	s.Equal(p, ev.Handle)
	s.ErrorIs(ev.Err, central.ErrNotConnected)

	_, _, out := uartChars()
	s.ErrorIs(s.driver.WriteCharacteristic(&characteristic{c: out}, []byte("x"), false), central.ErrNotConnected)
}

func (s *DriverSuite) TestForeignHandlesRejected() {
	s.Error(s.driver.Connect(central.PeripheralHandle(nil), true))
	s.Error(s.driver.ReadCharacteristic(nil))
}
