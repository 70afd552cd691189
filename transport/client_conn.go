package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/utils"
)

// writeQueueCapacity bounds every connection's write queue per spec.md §3:
// 256 slots, full queue blocks the producer rather than dropping data.
const writeQueueCapacity = 256

// maxWriteBatch bounds how many already-queued frames a single write-loop
// iteration will coalesce into one stream.Write call when Nagle-style
// batching is enabled (config's `no_delay` left false).
const maxWriteBatch = 32

// ClientConn is the client-side peer of a single QUIC bidirectional stream.
// Its read and write loops run on separate goroutines (I1) and communicate
// shutdown through closeCh rather than cancelling each other's goroutine
// handle, so either side can terminate first and shutdown stays observable
// and idempotent (spec.md §9).
type ClientConn struct {
	RemoteAddr string
	Index      int

	cipher  *Cipher
	noDelay bool

	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	connected atomic.Bool
	localPort atomic.Int64
}

// NewClientConn constructs a not-yet-connected ClientConn. Call Run to
// drive its read/write loops once a QUIC stream is available. noDelay
// disables the write loop's frame-coalescing batch (config's `no_delay`
// key, spec.md §2.2).
func NewClientConn(remoteAddr string, index int, cipher *Cipher, noDelay bool) *ClientConn {
	return &ClientConn{
		RemoteAddr: remoteAddr,
		Index:      index,
		cipher:     cipher,
		noDelay:    noDelay,
		writeCh:    make(chan []byte, writeQueueCapacity),
		closeCh:    make(chan struct{}),
	}
}

// IsConnected reports whether the read/write loops are currently active.
func (c *ClientConn) IsConnected() bool { return c.connected.Load() }

// LocalPort returns the local UDP port this connection's QUIC endpoint is
// bound to, used to populate Ping.LocalAddr. Populated once Run starts.
//
// spec.md §9 flags the reference implementation's placeholder "0" here as
// a likely defect (it lets routes collide across clients sharing a virtual
// IP); this implementation uses the real local port instead.
func (c *ClientConn) LocalPort() int { return int(c.localPort.Load()) }

// Write enqueues one already-envelope-encoded payload for the write loop.
// A full queue blocks the caller: this is the backpressure spec.md §3 and
// §7 require, never a silent drop.
func (c *ClientConn) Write(data []byte) {
	select {
	case c.writeCh <- data:
	case <-c.closeCh:
	}
}

// Close signals both loops to shut down. Safe to call more than once and
// from more than one goroutine.
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Run opens a bidirectional stream on quicConn and drives the read/write
// loops until the read loop exits, at which point it signals the write loop
// to stop and returns. A write loop that exits first does not stop the read
// loop. It blocks until the connection is fully closed.
func (c *ClientConn) Run(ctx context.Context, quicConn *quic.Conn, handler Handler) error {
	stream, err := quicConn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open bidi stream: %w", err)
	}

	if udpAddr, ok := quicConn.LocalAddr().(*net.UDPAddr); ok {
		c.localPort.Store(int64(udpAddr.Port))
	}

	c.connected.Store(true)
	utils.Logger.Info("client connection established",
		zap.Int("index", c.Index), zap.String("remote_addr", c.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(stream)
	}()

	readErr := c.readLoop(stream, handler)

	c.connected.Store(false)
	c.Close()
	wg.Wait()

	return readErr
}

func (c *ClientConn) writeLoop(stream *quic.Stream) {
	defer stream.Close()
	for {
		select {
		case data := <-c.writeCh:
			frame, err := EncodeFrame(data, c.cipher)
			if err != nil {
				utils.Logger.Error("encode frame failed", zap.Int("index", c.Index), zap.Error(err))
				c.connected.Store(false)
				c.Close()
				return
			}
			if !c.noDelay {
				frame = c.coalesce(frame)
			}
			if _, err := stream.Write(frame); err != nil {
				utils.Logger.Error("client write failed", zap.Int("index", c.Index), zap.Error(err))
				c.connected.Store(false)
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// coalesce opportunistically appends any additional frames already sitting
// in writeCh onto first, up to maxWriteBatch, so one stream.Write call can
// carry several queued packets. This is the Nagle-style batching the
// no_delay config key disables: fewer, larger writes under sustained load
// at the cost of a frame occasionally waiting behind its neighbors.
func (c *ClientConn) coalesce(first []byte) []byte {
	buf := first
	for i := 1; i < maxWriteBatch; i++ {
		select {
		case data := <-c.writeCh:
			frame, err := EncodeFrame(data, c.cipher)
			if err != nil {
				utils.Logger.Error("encode frame failed during batch", zap.Int("index", c.Index), zap.Error(err))
				return buf
			}
			buf = append(buf, frame...)
		default:
			return buf
		}
	}
	return buf
}

func (c *ClientConn) readLoop(stream *quic.Stream, handler Handler) error {
	for {
		data, err := DecodeFrame(stream, c.cipher)
		if err != nil {
			if errors.Is(err, io.EOF) {
				utils.Logger.Info("client read loop: stream closed", zap.Int("index", c.Index))
				return nil
			}
			utils.Logger.Error("client read failed", zap.Int("index", c.Index), zap.Error(err))
			return err
		}
		handler.ClientOnData(data)
	}
}
