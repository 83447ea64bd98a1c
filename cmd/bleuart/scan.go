package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/central"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE UART peripherals",
	Long: `Scan for peripherals advertising the UART service and list them.

Each peripheral is listed once, with the signal strength and name of its
most recent advertisement.

Example:
  bleuart scan
  bleuart scan --duration 30s --format json
  bleuart scan --watch`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanWatch    bool
)

// watchRedrawInterval is how often --watch redraws the table.
const watchRedrawInterval = time.Second

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from config; 0 with --watch scans until Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); default: output_format from config")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously redraw the table while scanning")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "" && scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	format := scanFormat
	if format == "" {
		format = a.cfg.OutputFormat
	}
	duration := scanDuration
	if duration == 0 && !scanWatch {
		duration = a.cfg.ScanTimeout
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := a.waitPoweredOn(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var redraw func()
	if scanWatch {
		redraw = func() {
			if isTerminal(out) {
				fmt.Fprint(out, "\033[2J\033[H")
			}
			_ = printPeripherals(out, a.central.Peripherals(), "table")
		}
	} else if format == "table" {
		progress := NewCountdownProgressPrinter(out, "Scanning for UART peripherals", "Scanning", duration)
		progress.Start()
		defer progress.Stop()
	}

	if err := scanLoop(ctx, a, duration, redraw); err != nil {
		return err
	}

	if !scanWatch {
		return printPeripherals(out, a.central.Peripherals(), format)
	}
	return nil
}

// scanLoop scans until duration elapses (never when 0) or ctx is done.
// redraw, when set, is called periodically while new results arrive.
func scanLoop(ctx context.Context, a *app, duration time.Duration, redraw func()) error {
	if err := a.central.StartScanning(duration); err != nil {
		return err
	}
	defer a.central.StopScanning()

	var expired <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expired = timer.C
	}

	ticker := time.NewTicker(watchRedrawInterval)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			// Ctrl+C ends the scan early; results are still shown
			return nil
		case <-expired:
			return nil
		case ev, ok := <-a.central.Discoveries():
			if !ok {
				return nil
			}
			if ev.New {
				a.logger.WithField("id", ev.Peripheral.Identity.ID).Debug("Discovered")
			}
			dirty = true
		case ev, ok := <-a.central.Events():
			if !ok {
				return nil
			}
			if e, isState := ev.(central.AdapterStateEvent); isState && e.State != central.AdapterPoweredOn {
				return fmt.Errorf("%w: adapter is %s", central.ErrAdapterNotReady, e.State)
			}
		case <-ticker.C:
			if redraw != nil && dirty {
				redraw()
				dirty = false
			}
		}
	}
}

type peripheralJSON struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

func printPeripherals(w io.Writer, list []central.DiscoveredPeripheral, format string) error {
	if format == "json" {
		out := make([]peripheralJSON, len(list))
		for i, p := range list {
			out[i] = peripheralJSON{ID: p.Identity.ID, Name: p.Identity.Name, RSSI: p.RSSI, LastSeen: p.LastSeen}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No UART peripherals discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tRSSI\tLAST SEEN")
	fmt.Fprintln(tw, "----\t--\t----\t---------")
	for _, p := range list {
		name := p.Identity.Name
		if name == "" {
			name = "(unknown)"
		} else if len(name) > 20 {
			name = name[:17] + "..."
		}
		lastSeen := time.Since(p.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s ago\n", name, p.Identity.ID, p.RSSI, lastSeen)
	}
	return tw.Flush()
}
