// Package central implements a Bluetooth Low Energy central that talks to a
// single peripheral exposing a transparent UART service (one notify
// characteristic for device-to-host data, one write characteristic for
// host-to-device data).
//
// The package is built around one state machine:
//   - Scan with timeout, deduplicating peripherals by identity
//   - Connect, then discover the UART service, then its two characteristics
//   - Enable notifications on the inbound characteristic and become ready
//   - Tear everything down on disconnect or error and return to idle
//
// The radio itself sits behind the Driver interface. Driver implementations
// live in the goble and tinygo subpackages; tests use a recording fake.
// Every consumer call and every driver event is serialized by one mutex,
// and every consumer notification is delivered in order through Events.
package central
