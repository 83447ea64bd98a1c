// Package bridge exposes a ready UART session as a pseudo-terminal, so
// serial tools (screen, minicom, pyserial) can talk to the peripheral.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/central"
	"github.com/srg/bleuart/internal/ptyio"
)

// DefaultBufferSize is the size, in bytes, of each PTY ring buffer.
const DefaultBufferSize = ptyio.DefaultBufferSize

const (
	busyRetries       = 100
	busyRetryInterval = 20 * time.Millisecond
)

// ErrLinkLost is returned by Run when the peripheral disconnects.
var ErrLinkLost = errors.New("peripheral disconnected")

// Link is the part of *central.Central the bridge drives.
type Link interface {
	Write(p []byte) error
	Events() <-chan central.Event
}

// Port is the serial side of the bridge. *ptyio.PTY implements it.
type Port interface {
	io.Writer
	Name() string
	SetReadHandler(h ptyio.ReadHandler)
}

// Options configures a bridge.
type Options struct {
	BufferSize int    // PTY ring size for Open (0 = DefaultBufferSize)
	Symlink    string // optional stable path pointing at the PTY slave

	// OnEvent observes central events the bridge does not consume itself
	// (everything except data, I/O errors and disconnects).
	OnEvent func(central.Event)

	Logger *logrus.Logger
}

// Bridge pipes bytes between a Port and a Link.
type Bridge struct {
	link    Link
	port    Port
	pty     *ptyio.PTY // owned when created by Open
	symlink string
	opts    Options
	logger  *logrus.Logger
}

// Open creates a PTY and bridges it to link. Close releases the PTY.
func Open(link Link, opts Options) (*Bridge, error) {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	p, err := ptyio.Open(ptyio.Options{ReadCap: size, WriteCap: size, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	b, err := New(link, p, opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	b.pty = p
	return b, nil
}

// New bridges an existing port to link, creating the symlink if requested.
func New(link Link, port Port, opts Options) (*Bridge, error) {
	if link == nil || port == nil {
		return nil, fmt.Errorf("bridge: link and port are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	b := &Bridge{link: link, port: port, opts: opts, logger: logger}

	if opts.Symlink != "" {
		if err := os.Symlink(port.Name(), opts.Symlink); err != nil {
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.Symlink, port.Name(), err)
		}
		b.symlink = opts.Symlink
		logger.WithFields(logrus.Fields{
			"ttySymlink": b.symlink,
			"target":     port.Name(),
		}).Info("Created PTY symlink")
	}
	return b, nil
}

// TTYName is the PTY slave path.
func (b *Bridge) TTYName() string {
	return b.port.Name()
}

// Symlink is the symlink path, empty when none was requested.
func (b *Bridge) Symlink() string {
	return b.symlink
}

// Run forwards port input to the peripheral and inbound data to the port
// until ctx is done, the link drops or the event stream closes.
func (b *Bridge) Run(ctx context.Context) error {
	b.port.SetReadHandler(func(data []byte) {
		// waiting here stalls the PTY reader, which pushes back on the writer
		err := central.RetryBusy(busyRetries, busyRetryInterval, func() error { return b.link.Write(data) })
		if err != nil {
			b.logger.WithError(err).WithField("len", len(data)).Debug("Dropped PTY input")
		}
	})
	defer b.port.SetReadHandler(nil)

	events := b.link.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := b.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) handle(ev central.Event) error {
	switch e := ev.(type) {
	case central.DataEvent:
		if n, err := b.port.Write(e.Data); err != nil {
			return fmt.Errorf("writing to %s: %w", b.port.Name(), err)
		} else if n < len(e.Data) {
			b.logger.WithField("dropped", len(e.Data)-n).Warn("PTY output overflow")
		}
	case central.IOErrorEvent:
		b.logger.WithError(e.Err).WithField("op", e.Op).Warn("UART I/O error")
	case central.DisconnectedEvent:
		if e.Err != nil {
			return fmt.Errorf("%w: %s: %w", ErrLinkLost, e.Identity, e.Err)
		}
		return fmt.Errorf("%w: %s", ErrLinkLost, e.Identity)
	default:
		if b.opts.OnEvent != nil {
			b.opts.OnEvent(ev)
		}
	}
	return nil
}

// Close removes the symlink and closes the PTY if Open created it.
func (b *Bridge) Close() error {
	var errs []error
	if b.symlink != "" {
		if err := os.Remove(b.symlink); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing tty symlink: %w", err))
		} else {
			b.logger.WithField("ttySymlink", b.symlink).Debug("Removed tty symlink")
		}
		b.symlink = ""
	}
	if b.pty != nil {
		st := b.pty.Stats()
		b.logger.WithFields(logrus.Fields{
			"bytesIn":    st.BytesIn,
			"bytesOut":   st.BytesOut,
			"droppedIn":  st.DroppedIn,
			"droppedOut": st.DroppedOut,
		}).Debug("Closing PTY")
		errs = append(errs, b.pty.Close())
		b.pty = nil
	}
	return errors.Join(errs...)
}
