package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/utils"
)

// ServerConn is the server-side peer of one accepted QUIC bidirectional
// stream. IsClosed is observable from any goroutine without coordination,
// so the routing reaper can scan entries concurrently with the read/write
// loops (I4: once true, it never returns to false).
type ServerConn struct {
	ID string // diagnostic label (QUIC remote address); routing keys on the Ping's local_addr, not this field

	// SessionID is minted fresh for every ServerConn, so log lines from one
	// physical connection can be correlated end to end, including across a
	// re-registration under a new RegisteredID. A reconnect gets a new one.
	SessionID string

	key     string
	cipher  *Cipher
	noDelay bool

	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	isClosed atomic.Bool

	// registeredID is the connID this conn was last registered under in
	// routing.Table (the Ping's local_addr). It is written only by the
	// handler processing this conn's own read loop and read only after
	// that read loop has returned, so no synchronization is needed.
	registeredID string
}

// NewServerConn builds a ServerConn that seals and opens frames with cipher
// (nil disables encryption); key is stored alongside it but not read by the
// codec. noDelay disables the write loop's frame-coalescing batch (config's
// `no_delay` key).
func NewServerConn(id, key string, cipher *Cipher, noDelay bool) *ServerConn {
	return &ServerConn{
		ID:        id,
		SessionID: uuid.NewString(),
		key:       key,
		cipher:    cipher,
		noDelay:   noDelay,
		writeCh:   make(chan []byte, writeQueueCapacity),
		closeCh:   make(chan struct{}),
	}
}

// IsClosed reports whether this connection has begun tearing down: it turns
// true as soon as Close is called or a loop fails, before teardown finishes.
func (c *ServerConn) IsClosed() bool { return c.isClosed.Load() }

// SetRegisteredID records the routing key this conn is currently
// registered under, so Run's cleanup callback can deregister it on exit.
func (c *ServerConn) SetRegisteredID(id string) { c.registeredID = id }

// RegisteredID returns the routing key last set by SetRegisteredID, or ""
// if the conn never received a Ping.
func (c *ServerConn) RegisteredID() string { return c.registeredID }

// Write enqueues one envelope-encoded payload for the write loop.
func (c *ServerConn) Write(data []byte) {
	select {
	case c.writeCh <- data:
	case <-c.closeCh:
	}
}

// SendPacket enqueues envelopeBytes as given; the caller has already
// wrapped the payload in a Packet envelope and marshaled it.
func (c *ServerConn) SendPacket(envelopeBytes []byte) {
	c.Write(envelopeBytes)
}

// Close signals the write loop to stop and marks the connection dead. Safe
// to call more than once.
func (c *ServerConn) Close() {
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		close(c.closeCh)
	})
}

// Run drives the read/write loops for one accepted stream until the read
// loop exits, then stops the write loop and runs cleanup exactly once. A
// write loop that exits first does not stop the read loop. It blocks until
// fully torn down.
func (c *ServerConn) Run(stream *quic.Stream, handler Handler, cleanup func()) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(stream)
	}()

	readErr := c.readLoop(stream, handler)

	c.isClosed.Store(true)
	c.Close()
	wg.Wait()

	if cleanup != nil {
		cleanup()
	}

	return readErr
}

func (c *ServerConn) writeLoop(stream *quic.Stream) {
	defer stream.Close()
	utils.Logger.Debug("server conn write loop start", zap.String("conn", c.ID), zap.String("session", c.SessionID))
	for {
		select {
		case data := <-c.writeCh:
			frame, err := EncodeFrame(data, c.cipher)
			if err != nil {
				utils.Logger.Error("encode frame failed", zap.String("conn", c.ID), zap.Error(err))
				c.isClosed.Store(true)
				return
			}
			if !c.noDelay {
				frame = c.coalesce(frame)
			}
			if _, err := stream.Write(frame); err != nil {
				utils.Logger.Warn("server write failed", zap.String("conn", c.ID), zap.Error(err))
				c.isClosed.Store(true)
				return
			}
		case <-c.closeCh:
			utils.Logger.Debug("server conn write loop stop", zap.String("conn", c.ID))
			return
		}
	}
}

// coalesce opportunistically appends any additional frames already sitting
// in writeCh onto first, up to maxWriteBatch, so one stream.Write call can
// carry several queued packets — the Nagle-style batching the no_delay
// config key disables.
func (c *ServerConn) coalesce(first []byte) []byte {
	buf := first
	for i := 1; i < maxWriteBatch; i++ {
		select {
		case data := <-c.writeCh:
			frame, err := EncodeFrame(data, c.cipher)
			if err != nil {
				utils.Logger.Error("encode frame failed during batch", zap.String("conn", c.ID), zap.Error(err))
				return buf
			}
			buf = append(buf, frame...)
		default:
			return buf
		}
	}
	return buf
}

func (c *ServerConn) readLoop(stream *quic.Stream, handler Handler) error {
	for {
		data, err := DecodeFrame(stream, c.cipher)
		if err != nil {
			if errors.Is(err, ErrCipherMismatch) {
				utils.Logger.Error("key mismatch, closing connection", zap.String("conn", c.ID))
				return err
			}
			if errors.Is(err, io.EOF) {
				utils.Logger.Info("server conn read loop: stream closed", zap.String("conn", c.ID))
				return nil
			}
			utils.Logger.Error("server read failed", zap.String("conn", c.ID), zap.Error(err))
			return err
		}
		handler.ServerOnData(data, c)
	}
}
