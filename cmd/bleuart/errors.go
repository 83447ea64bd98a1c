package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bleuart/bridge"
	"github.com/srg/bleuart/internal/central"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peripheral dropped the link while a
	// command was using it.
	ErrConnectionLost = bridge.ErrLinkLost

	// ErrPeripheralNotFound is returned when a scan ends without finding
	// the requested peripheral.
	ErrPeripheralNotFound = errors.New("peripheral not found")
)

// FormatUserError turns central errors into short messages with a hint.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, central.ErrBluetoothOff), errors.Is(err, central.ErrAdapterNotReady):
		return fmt.Sprintf("%v (is Bluetooth turned on?)", err)
	case errors.Is(err, central.ErrDiscoveryFailed):
		return fmt.Sprintf("%v (the peripheral does not expose the UART service)", err)
	case errors.Is(err, ErrPeripheralNotFound):
		return fmt.Sprintf("%v (run 'bleuart scan' to list nearby peripherals)", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
