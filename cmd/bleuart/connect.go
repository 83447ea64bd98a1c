package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/central"
	"golang.org/x/term"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect [peripheral-id-or-name]",
	Short: "Open an interactive console to a UART peripheral",
	Long: `Connects to a UART peripheral and relays the console to it.

Lines typed on stdin are written to the peripheral; notifications from
the peripheral are printed to stdout. Without an argument the first UART
peripheral found is used.

With --raw the terminal is put in raw mode and every keystroke is sent as
it is typed (Ctrl+] quits).

Example:
  bleuart connect Biscuit
  bleuart connect aa:bb:cc:dd:ee:ff --hex
  echo "led on" | bleuart connect --eol '\r\n'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

var (
	connectHex bool
	connectRaw bool
	connectEOL string
)

const (
	// rawQuitKey ends a --raw session (Ctrl+]).
	rawQuitKey = 0x1d

	// inputDrainDelay lets the last writes reach the peripheral after
	// stdin reaches EOF.
	inputDrainDelay = 300 * time.Millisecond

	// A full driver queue is retried for up to busyRetries*busyRetryInterval
	// before input is abandoned.
	busyRetries       = 100
	busyRetryInterval = 20 * time.Millisecond
)

func init() {
	connectCmd.Flags().BoolVar(&connectHex, "hex", false, "Print received data as hex")
	connectCmd.Flags().BoolVar(&connectRaw, "raw", false, "Send keystrokes immediately (terminal raw mode)")
	connectCmd.Flags().StringVar(&connectEOL, "eol", `\n`, `Line ending appended to each input line ('\n', '\r\n', '\r' or '')`)
}

func runConnect(cmd *cobra.Command, args []string) error {
	eol, err := parseEOL(connectEOL)
	if err != nil {
		return err
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

	in := cmd.InOrStdin()
	inputDone := make(chan error, 1)
	if connectRaw && isTerminal(in) {
		fd := int(in.(*os.File).Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, state) }()
		fmt.Fprint(out, "Press Ctrl+] to quit\r\n")
		go func() { inputDone <- pumpRaw(in, a.central) }()
	} else {
		go func() { inputDone <- pumpLines(in, a.central, eol) }()
	}

	return consoleLoop(ctx, a, out, cmd.ErrOrStderr(), inputDone)
}

// consoleLoop prints inbound data until the link drops, ctx ends or
// input finishes.
func consoleLoop(ctx context.Context, a *app, out, errOut io.Writer, inputDone <-chan error) error {
	var drain <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-drain:
			return nil
		case err := <-inputDone:
			if err != nil {
				return err
			}
			inputDone = nil
			drain = time.After(inputDrainDelay)
		case ev, ok := <-a.central.Events():
			if !ok {
				return ErrConnectionLost
			}
			switch e := ev.(type) {
			case central.DataEvent:
				if connectHex {
					fmt.Fprintln(out, formatHex(e.Data))
				} else {
					_, _ = out.Write(e.Data)
				}
			case central.IOErrorEvent:
				warnColor.Fprintf(errOut, "%s failed: %v\n", e.Op, e.Err)
			case central.DisconnectedEvent:
				if e.Err != nil {
					return fmt.Errorf("%w: %s: %w", ErrConnectionLost, e.Identity, e.Err)
				}
				return fmt.Errorf("%w: %s", ErrConnectionLost, e.Identity)
			}
		}
	}
}

// writer is the part of *central.Central the input pumps use.
type writer interface {
	Write(p []byte) error
}

// pumpLines sends each input line, with eol appended, until EOF.
func pumpLines(in io.Reader, w writer, eol string) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text() + eol
		if line == "" {
			continue
		}
		if err := send(w, []byte(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// send writes data, waiting while the driver queue is full. Other
// rejected writes are reported as IOErrorEvents and skipped.
func send(w writer, data []byte) error {
	err := central.RetryBusy(busyRetries, busyRetryInterval, func() error { return w.Write(data) })
	if errors.Is(err, central.ErrBusy) {
		return fmt.Errorf("peripheral is not keeping up: %w", err)
	}
	return nil
}

// pumpRaw sends input as it arrives until the quit key or EOF.
func pumpRaw(in io.Reader, w writer) error {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			quit := false
			if i := bytes.IndexByte(chunk, rawQuitKey); i >= 0 {
				chunk, quit = chunk[:i], true
			}
			if len(chunk) > 0 {
				if err := send(w, chunk); err != nil {
					return err
				}
			}
			if quit {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func parseEOL(s string) (string, error) {
	switch s {
	case `\n`, "\n":
		return "\n", nil
	case `\r\n`, "\r\n":
		return "\r\n", nil
	case `\r`, "\r":
		return "\r", nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid --eol %q: must be '\\n', '\\r\\n', '\\r' or ''", s)
	}
}

// formatHex renders data as space separated hex bytes.
func formatHex(data []byte) string {
	return fmt.Sprintf("% x", data)
}
