// Package ipc carries opaque byte payloads between the harvest parent and
// its workers over a duplex byte stream.
//
// Every frame is a fixed 8-digit ASCII hexadecimal header holding the
// payload length, zero-padded on the left, followed by the payload itself.
// The channel is trusted (same host, parent and worker), so there is no
// magic, version, or checksum.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
)

const headerLen = 8

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = 1<<32 - 1

var (
	// ErrClosed is returned when the peer closed the stream before a
	// complete frame header was read.
	ErrClosed = errors.New("channel closed")

	// ErrProtocol is returned when a frame header is not valid hexadecimal,
	// or a payload exceeds MaxPayload.
	ErrProtocol = errors.New("channel protocol error")

	// ErrBroken is returned when the underlying stream fails mid-frame.
	ErrBroken = errors.New("channel broken")
)

// Channel frames payloads over an underlying duplex stream.
//
// A single reader goroutine decodes incoming frames as they arrive and
// queues them, which is what lets ReadNonBlocking return immediately when
// nothing is pending without a polling loop.
type Channel struct {
	rwc    io.ReadWriteCloser
	frames chan []byte
	done   chan struct{}
	quit   chan struct{}
	err    error // sticky read error; written once before done is closed

	wmu       sync.Mutex
	closeOnce sync.Once
}

// New wraps rwc in a Channel and starts its frame reader.
func New(rwc io.ReadWriteCloser) *Channel {
	var c = &Channel{
		rwc:    rwc,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Pipe returns a connected in-process channel pair. Frames written to one
// end are read from the other.
func Pipe() (*Channel, *Channel) {
	var a, b = net.Pipe()
	return New(a), New(b)
}

func (c *Channel) readLoop() {
	var hdr [headerLen]byte
	for {
		if _, err := io.ReadFull(c.rwc, hdr[:]); err != nil {
			c.fail(readError(err, true))
			return
		}
		n, err := strconv.ParseUint(string(hdr[:]), 16, 64)
		if err != nil {
			c.fail(fmt.Errorf("%w: bad frame header %q", ErrProtocol, string(hdr[:])))
			return
		}
		var payload = make([]byte, n)
		if _, err := io.ReadFull(c.rwc, payload); err != nil {
			c.fail(readError(err, false))
			return
		}
		select {
		case c.frames <- payload:
		case <-c.quit:
			// Close raced a full readiness queue; readers still need the
			// sticky error once they drain.
			c.fail(ErrClosed)
			return
		}
	}
}

// readError maps a raw stream error onto the channel error taxonomy.
// EOF before the header completes means the peer went away cleanly;
// anything mid-frame is a broken channel.
func readError(err error, inHeader bool) error {
	if inHeader && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)) {
		return ErrClosed
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrBroken, err)
}

func (c *Channel) fail(err error) {
	c.err = err
	close(c.done)
}

// ReadBlocking reads the next frame, waiting until one arrives or the
// channel fails.
func (c *Channel) ReadBlocking() ([]byte, error) {
	select {
	case p := <-c.frames:
		return p, nil
	case <-c.done:
		// A frame may have been queued just before the failure.
		select {
		case p := <-c.frames:
			return p, nil
		default:
		}
		return nil, c.err
	}
}

// ReadNonBlocking returns (payload, true, nil) if a complete frame is
// pending, and (nil, false, nil) if the channel is idle. A failed channel
// reports its sticky error once all pending frames are drained.
func (c *Channel) ReadNonBlocking() ([]byte, bool, error) {
	select {
	case p := <-c.frames:
		return p, true, nil
	default:
	}
	select {
	case <-c.done:
		select {
		case p := <-c.frames:
			return p, true, nil
		default:
		}
		return nil, false, c.err
	default:
		return nil, false, nil
	}
}

// Write frames p onto the stream. Writes are serialized so concurrent
// callers cannot interleave header and payload bytes.
func (c *Channel) Write(p []byte) error {
	if len(p) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrProtocol, len(p))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr = fmt.Sprintf("%08x", len(p))
	if _, err := io.WriteString(c.rwc, hdr); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrBroken, err)
	}
	if _, err := c.rwc.Write(p); err != nil {
		return fmt.Errorf("%w: writing payload: %v", ErrBroken, err)
	}
	return nil
}

// Close tears down the channel and its underlying stream. The peer
// observes ErrClosed on its next blocking read.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.rwc.Close()
	})
	return err
}
