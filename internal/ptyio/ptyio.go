// Package ptyio wraps a pseudo-terminal pair created with
// github.com/creack/pty so the UART session can be exposed as a serial-like
// device to other programs.
//
// Bytes written to the PTY are queued in a ring buffer and flushed to the
// master by a background loop; bytes typed into the slave are buffered the
// same way and handed to a ReadHandler on a dedicated goroutine. Neither
// direction ever blocks the caller: when a ring is full the excess bytes
// are dropped and counted in Stats.
//
//	p, err := ptyio.Open(ptyio.Options{ReadCap: 4096, WriteCap: 4096, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadHandler(func(b []byte) { _ = c.Write(b) })
//	fmt.Println("serial device:", p.Name())
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bleuart/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultBufferSize is used for either ring when its capacity is zero.
	DefaultBufferSize = 4096

	// DefaultPollTimeout bounds how long a loop waits for I/O readiness
	// before re-checking for shutdown.
	DefaultPollTimeout = 50 * time.Millisecond

	chunkSize = 4096
)

// ReadHandler receives bytes typed into the slave side. It runs on the
// PTY's delivery goroutine and must not retain data.
type ReadHandler func(data []byte)

// ErrorHandler is told, at most once per loop, that a loop stopped on an
// unexpected error. The PTY should be closed afterwards.
type ErrorHandler func(err error)

// Options configures Open. Zero values select the defaults.
type Options struct {
	ReadCap     int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	OnError     ErrorHandler
}

// Stats is a snapshot of the PTY's counters.
type Stats struct {
	WriteQueued int
	ReadQueued  int
	BytesIn     uint64 // read from the slave
	BytesOut    uint64 // written to the slave
	DroppedIn   uint64
	DroppedOut  uint64
}

// PTY is a non-blocking pseudo-terminal master.
type PTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	name        string
	pollTimeout time.Duration
	onError     ErrorHandler
	errOnce     sync.Once

	in  *ringbuffer.RingBuffer
	out *ringbuffer.RingBuffer

	handler   atomic.Pointer[ReadHandler]
	readReady chan struct{}
	outReady  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	droppedIn  atomic.Uint64
	droppedOut atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its I/O loops.
func Open(opts Options) (*PTY, error) {
	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	readCap := opts.ReadCap
	if readCap <= 0 {
		readCap = DefaultBufferSize
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = DefaultBufferSize
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		name:        slave.Name(),
		pollTimeout: pollTimeout,
		onError:     opts.OnError,
		in:          ringbuffer.New(readCap),
		out:         ringbuffer.New(writeCap),
		readReady:   make(chan struct{}, 1),
		outReady:    make(chan struct{}, 1),
		cancel:      cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", p.readLoop)
	groutine.Go(ctx, "pty-write-loop", p.writeLoop)
	groutine.Go(ctx, "pty-deliver-loop", p.deliverLoop)

	logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

// openRaw opens the pair, puts the slave in raw mode and the master in
// non-blocking mode.
func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		return nil, nil, errors.Join(
			fmt.Errorf("failed to set %s on %s: %w", step, slave.Name(), err),
			master.Close(),
			slave.Close(),
		)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("non-blocking mode", err)
	}
	return master, slave, nil
}

// Name is the slave device path, e.g. /dev/pts/5.
func (p *PTY) Name() string {
	return p.name
}

// Write queues data for the slave and returns how many bytes fit in the
// ring. It never blocks.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.out.Write(data)
	if err != nil && !isOverflow(err) {
		return n, err
	}
	if n < len(data) {
		p.droppedOut.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"queued": n, "dropped": len(data) - n}).
			Warn("PTY write buffer full")
	}
	signal(p.outReady)
	return n, nil
}

// SetReadHandler installs h, or removes the current handler when h is nil.
// Bytes already buffered are delivered to the new handler.
func (p *PTY) SetReadHandler(h ReadHandler) {
	if h == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&h)
	signal(p.readReady)
}

// Stats returns the current counters.
func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueued: p.out.Length(),
		ReadQueued:  p.in.Length(),
		BytesIn:     p.bytesIn.Load(),
		BytesOut:    p.bytesOut.Load(),
		DroppedIn:   p.droppedIn.Load(),
		DroppedOut:  p.droppedOut.Load(),
	}
}

// Close stops the loops and closes both ends. It is safe to call twice.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	// closing the master unblocks a pending read with EBADF
	err := errors.Join(p.master.Close(), p.slave.Close())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3*p.pollTimeout + time.Second):
		p.logger.WithField("tty", p.name).Error("PTY loops did not stop in time")
	}
	return err
}

func (p *PTY) fail(loop string, err error) {
	p.logger.WithError(err).Warnf("PTY %s stopped", loop)
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *PTY) pollMillis() int {
	return int(p.pollTimeout / time.Millisecond)
}

func (p *PTY) readLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollMillis())
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			queued, werr := p.in.Write(buf[:n])
			if werr != nil && !isOverflow(werr) {
				p.fail("read loop", werr)
				return
			}
			if queued < n {
				p.droppedIn.Add(uint64(n - queued))
				p.logger.WithField("dropped", n-queued).Warn("PTY read buffer full")
			}
			p.bytesIn.Add(uint64(queued))
			signal(p.readReady)
		}

		switch {
		case err == nil,
			errors.Is(err, syscall.EAGAIN),
			errors.Is(err, syscall.EINTR):
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// no process holds the slave open; keep waiting for one
			time.Sleep(p.pollTimeout)
		default:
			p.fail("read loop", err)
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for {
		if p.out.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.outReady:
			}
			continue
		}

		n, err := p.out.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.fail("write loop", err)
			return
		}

		for off := 0; off < n; {
			if ctx.Err() != nil {
				return
			}
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.bytesOut.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(fds, p.pollMillis())
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail("write loop", err)
				return
			}
		}
	}
}

func (p *PTY) deliverLoop(ctx context.Context) {
	defer p.wg.Done()

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.readReady:
		}

		for ctx.Err() == nil {
			h := p.handler.Load()
			if h == nil {
				break
			}
			n, _ := p.in.TryRead(buf)
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !p.deliver(*h, chunk) {
				break
			}
		}
	}
}

// deliver runs h and unregisters it if it panics.
func (p *PTY) deliver(h ReadHandler, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.handler.Store(nil)
			p.fail("read handler", fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	h(data)
	return true
}

// isOverflow reports a ring write that stored fewer bytes than asked.
func isOverflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
