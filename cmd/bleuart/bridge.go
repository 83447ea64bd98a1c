package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/bleuart/bridge"
	"github.com/srg/bleuart/internal/central"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge [peripheral-id-or-name]",
	Short: "Create a PTY bridge to a UART peripheral",
	Long: `Creates a pseudo-terminal bridged to a UART peripheral, so applications
that expect a serial port (screen, minicom, pyserial) can talk to it.

Data written to the PTY is sent to the peripheral's outbound characteristic;
notifications from the inbound characteristic are written to the PTY. The
bridge runs until Ctrl+C or until the peripheral disconnects.

Example:
  bleuart bridge Biscuit
  bleuart bridge --symlink /tmp/ble-uart aa:bb:cc:dd:ee:ff`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBridge,
}

var (
	bridgeSymlink    string
	bridgeBufferSize int
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-uart); default: bridge.symlink from config")
	bridgeCmd.Flags().IntVar(&bridgeBufferSize, "buffer-size", 0, "PTY ring buffer size in bytes; default: bridge.buffer_size from config")
}

func runBridge(cmd *cobra.Command, args []string) error {
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
	progress := NewProgressPrinter(out, "Starting bridge", "Scanning", "Connected")
	progress.Start()
	id, err := a.connect(ctx, target, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	opts := bridge.Options{
		BufferSize: a.cfg.Bridge.BufferSize,
		Symlink:    a.cfg.Bridge.Symlink,
		Logger:     a.logger,
		OnEvent: func(ev central.Event) {
			if e, ok := ev.(central.AdapterStateEvent); ok && e.State != central.AdapterPoweredOn {
				warnColor.Fprintf(cmd.ErrOrStderr(), "Bluetooth adapter is %s\n", e.State)
			}
		},
	}
	if bridgeSymlink != "" {
		opts.Symlink = bridgeSymlink
	}
	if bridgeBufferSize > 0 {
		opts.BufferSize = bridgeBufferSize
	}

	b, err := bridge.Open(a.central, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	okColor.Fprintf(out, "Bridging %s\n", id)
	infoColor.Fprintf(out, "PTY: %s\n", b.TTYName())
	if b.Symlink() != "" {
		infoColor.Fprintf(out, "Symlink: %s\n", b.Symlink())
	}
	a.logger.WithField("tty", b.TTYName()).Info("Bridge running")

	return b.Run(ctx)
}
