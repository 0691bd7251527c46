package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var a, b = Pipe()
	defer a.Close()
	defer b.Close()

	var payloads = [][]byte{
		[]byte("hello"),
		{},
		[]byte("a somewhat longer payload that still fits comfortably in one frame"),
		{0x00, 0xff, 0x7f, 0x80},
	}

	go func() {
		for _, p := range payloads {
			if err := a.Write(p); err != nil {
				return
			}
		}
	}()

	for _, want := range payloads {
		var got, err = b.ReadBlocking()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestHeaderIsZeroPaddedHex(t *testing.T) {
	var raw, peer = net.Pipe()
	var ch = New(peer)
	defer ch.Close()

	go func() { _ = ch.Write([]byte("abc")) }()

	var hdr = make([]byte, 8)
	_, err := raw.Read(hdr)
	require.NoError(t, err)
	require.Equal(t, "00000003", string(hdr))

	var body = make([]byte, 3)
	_, err = raw.Read(body)
	require.NoError(t, err)
	require.Equal(t, "abc", string(body))
}

func TestNonHexHeader(t *testing.T) {
	var raw, peer = net.Pipe()
	var ch = New(peer)
	defer ch.Close()

	go func() {
		_, _ = raw.Write([]byte("zzzzzzzz"))
	}()

	var _, err = ch.ReadBlocking()
	require.ErrorIs(t, err, ErrProtocol)
}

func TestClosedBeforeHeaderCompletes(t *testing.T) {
	var raw, peer = net.Pipe()
	var ch = New(peer)
	defer ch.Close()

	go func() {
		_, _ = raw.Write([]byte("0000"))
		raw.Close()
	}()

	var _, err = ch.ReadBlocking()
	require.ErrorIs(t, err, ErrClosed)
}

func TestCleanCloseIsChannelClosed(t *testing.T) {
	var a, b = Pipe()
	require.NoError(t, a.Close())

	var _, err = b.ReadBlocking()
	require.ErrorIs(t, err, ErrClosed)
	b.Close()
}

func TestCloseUnblocksBackloggedReader(t *testing.T) {
	var a, b = Pipe()
	defer a.Close()

	// Fill b's readiness queue so its frame reader blocks queueing the
	// next frame.
	go func() {
		for {
			if err := a.Write([]byte("backlog")); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return len(b.frames) == cap(b.frames)
	}, time.Second, time.Millisecond)

	require.NoError(t, b.Close())

	// Draining past the queued frames must surface ErrClosed, not block.
	var errs = make(chan error, 1)
	go func() {
		for {
			if _, err := b.ReadBlocking(); err != nil {
				errs <- err
				return
			}
		}
	}()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after close")
	}
}

func TestReadNonBlocking(t *testing.T) {
	var a, b = Pipe()
	defer a.Close()
	defer b.Close()

	var p, ok, err = b.ReadNonBlocking()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, p)

	require.NoError(t, a.Write([]byte("ready")))

	// The reader goroutine needs a moment to queue the frame.
	require.Eventually(t, func() bool {
		p, ok, err = b.ReadNonBlocking()
		require.NoError(t, err)
		return ok
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte("ready"), p)
}
