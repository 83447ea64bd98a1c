package ptyio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/srg/bleuart/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openTest(t *testing.T, opts Options) *PTY {
	t.Helper()
	opts.Logger = testutils.QuietLogger()
	opts.PollTimeout = 10 * time.Millisecond
	p, err := Open(opts)
	if err != nil {
		t.Skipf("no PTY available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, p *PTY) *os.File {
	t.Helper()
	f, err := os.OpenFile(p.Name(), os.O_RDWR|unix.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriteReachesSlave(t *testing.T) {
	p := openTest(t, Options{})
	slave := openSlave(t, p)

	n, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := slave.Read(buf)
		got <- buf[:n]
	}()

	select {
	case b := <-got:
		assert.Equal(t, []byte("hello"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not receive data")
	}
	assert.Eventually(t, func() bool { return p.Stats().BytesOut == 5 }, time.Second, 10*time.Millisecond)
}

func TestSlaveInputReachesHandler(t *testing.T) {
	p := openTest(t, Options{})
	slave := openSlave(t, p)

	var mu sync.Mutex
	var got []byte
	p.SetReadHandler(func(b []byte) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	})

	_, err := slave.Write([]byte("AT\r"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "AT\r"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(3), p.Stats().BytesIn)
}

func TestBufferedInputWaitsForHandler(t *testing.T) {
	p := openTest(t, Options{})
	slave := openSlave(t, p)

	_, err := slave.Write([]byte("early"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().ReadQueued == 5 }, 2*time.Second, 10*time.Millisecond)

	got := make(chan []byte, 1)
	p.SetReadHandler(func(b []byte) { got <- b })

	select {
	case b := <-got:
		assert.Equal(t, []byte("early"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered input was not delivered")
	}
}

func TestWriteOverflowIsCounted(t *testing.T) {
	p := openTest(t, Options{WriteCap: 8})

	n, err := p.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 8)
	assert.Equal(t, uint64(16-n), p.Stats().DroppedOut)
}

func TestPanickingHandlerIsRemoved(t *testing.T) {
	var reported error
	var mu sync.Mutex
	p := openTest(t, Options{OnError: func(err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	}})
	slave := openSlave(t, p)

	p.SetReadHandler(func([]byte) { panic("boom") })
	_, err := slave.Write([]byte("x"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reported != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, p.handler.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	p := openTest(t, Options{})

	require.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	_, err := p.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
