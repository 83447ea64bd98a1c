package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/central"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi [peripheral-id-or-name]",
	Short: "Poll the signal strength of a UART peripheral",
	Long: `Connects to a UART peripheral and prints its RSSI periodically.

Example:
  bleuart rssi Biscuit
  bleuart rssi --interval 500ms --count 10`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRSSI,
}

var (
	rssiInterval time.Duration
	rssiCount    int
)

func init() {
	rssiCmd.Flags().DurationVarP(&rssiInterval, "interval", "i", time.Second, "Time between readings")
	rssiCmd.Flags().IntVarP(&rssiCount, "count", "n", 0, "Number of readings (0 = until Ctrl+C)")
}

type rssiResult struct {
	rssi int
	err  error
}

func runRSSI(cmd *cobra.Command, args []string) error {
	if rssiInterval <= 0 {
		return fmt.Errorf("invalid --interval %s: must be positive", rssiInterval)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	target := ""
	if len(args) > 0 {
		target = args[0]
	}

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, "Connecting", "Scanning", "Connected")
	progress.Start()
	id, err := a.connect(ctx, target, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	okColor.Fprintf(out, "Connected to %s\n", id)

	return pollRSSI(ctx, a, out, rssiInterval, rssiCount)
}

// pollRSSI issues one request per interval and prints each result. A
// request still pending when the next tick fires is replaced.
func pollRSSI(ctx context.Context, a *app, out io.Writer, interval time.Duration, count int) error {
	results := make(chan rssiResult, 1)
	request := func() {
		a.central.ReadRSSI(func(rssi int, err error) {
			select {
			case results <- rssiResult{rssi: rssi, err: err}:
			default:
			}
		})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	request()

	for n := 0; count == 0 || n < count; {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			request()
		case r := <-results:
			n++
			if r.err != nil {
				warnColor.Fprintf(out, "%s  RSSI unavailable: %v\n", time.Now().Format(time.TimeOnly), r.err)
				continue
			}
			signalColor(r.rssi).Fprintf(out, "%s  %4d dBm  %s\n", time.Now().Format(time.TimeOnly), r.rssi, signalBars(r.rssi))
		case ev, ok := <-a.central.Events():
			if !ok {
				return ErrConnectionLost
			}
			if e, isDisc := ev.(central.DisconnectedEvent); isDisc {
				return fmt.Errorf("%w: %s", ErrConnectionLost, e.Identity)
			}
		}
	}
	return nil
}

// signalBars renders rssi as a four step bar.
func signalBars(rssi int) string {
	var bars int
	switch {
	case rssi >= -55:
		bars = 4
	case rssi >= -67:
		bars = 3
	case rssi >= -80:
		bars = 2
	case rssi >= -90:
		bars = 1
	}
	return strings.Repeat("#", bars) + strings.Repeat(".", 4-bars)
}

func signalColor(rssi int) *color.Color {
	switch {
	case rssi >= -67:
		return okColor
	case rssi >= -80:
		return warnColor
	default:
		return errColor
	}
}
