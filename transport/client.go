package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/protocol"
	"qtun/utils"
)

const (
	dialRetries  = 10
	dialBackoff  = 500 * time.Millisecond
	pingInterval = 1 * time.Second
)

// Client manages transportThreads QUIC connections to one remote endpoint,
// per spec.md §4.5. A connection slot that never dials successfully is
// dropped silently; the client proceeds with whatever subset connected.
type Client struct {
	remoteAddr string
	key        string
	virtIP     string
	threads    int
	cipher     *Cipher
	noDelay    bool
	handler    Handler

	mu    sync.RWMutex
	conns []*ClientConn

	serial atomic.Int64

	stopCh chan struct{}
}

// NewClient builds a Client. virtIP is the host's tunneled address, already
// stripped of its CIDR mask — it is announced in every Ping. noDelay
// disables every connection's write-batching (config's `no_delay` key).
func NewClient(remoteAddr, virtIP string, threads int, cipher *Cipher, noDelay bool, handler Handler) *Client {
	return &Client{
		remoteAddr: remoteAddr,
		virtIP:     virtIP,
		threads:    threads,
		cipher:     cipher,
		noDelay:    noDelay,
		handler:    handler,
		stopCh:     make(chan struct{}),
	}
}

// Start dials up to c.threads connections and launches the heartbeat loop.
// It returns once every dial attempt (success or exhaustion) has resolved;
// an empty resulting pool is not an error — every outbound packet is simply
// dropped until a later restart succeeds.
func (c *Client) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	results := make([]*ClientConn, c.threads)

	for i := 0; i < c.threads; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			conn, err := c.dial(ctx, index)
			if err != nil {
				utils.Logger.Warn("client connection slot failed permanently",
					zap.Int("index", index), zap.Error(err))
				return
			}
			results[index] = conn
		}(i)
	}
	wg.Wait()

	c.mu.Lock()
	for _, conn := range results {
		if conn != nil {
			c.conns = append(c.conns, conn)
		}
	}
	n := len(c.conns)
	c.mu.Unlock()

	utils.Logger.Info("client connections established",
		zap.String("remote_addr", c.remoteAddr), zap.Int("count", n))

	go c.pingLoop()

	return nil
}

func (c *Client) dial(ctx context.Context, index int) (*ClientConn, error) {
	var (
		quicConn *quic.Conn
		err      error
	)

	for attempt := 0; attempt < dialRetries; attempt++ {
		quicConn, err = quic.DialAddr(ctx, c.remoteAddr, clientTLSConfig(), quicTransportConfig())
		if err == nil {
			break
		}
		utils.Logger.Warn("connection attempt failed",
			zap.Int("index", index), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-time.After(dialBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s after %d attempts: %w", c.remoteAddr, dialRetries, err)
	}

	conn := NewClientConn(c.remoteAddr, index, c.cipher, c.noDelay)
	go func() {
		if err := conn.Run(ctx, quicConn, c.handler); err != nil {
			utils.Logger.Error("client connection error", zap.Int("index", index), zap.Error(err))
		}
	}()

	return conn, nil
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.RLock()
			conns := append([]*ClientConn(nil), c.conns...)
			c.mu.RUnlock()
			for _, conn := range conns {
				if conn.IsConnected() {
					c.sendPing(conn)
				}
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) sendPing(conn *ClientConn) {
	localAddr := fmt.Sprintf("%s:%d", c.virtIP, conn.LocalPort())
	ping := &protocol.Ping{
		Timestamp:        time.Now().UnixNano(),
		LocalAddr:        localAddr,
		LocalPrivateAddr: "not_use",
		IP:               c.virtIP,
		DC:               "client",
	}
	env := protocol.Envelope{Ping: ping}
	conn.Write(env.Marshal())
}

// SendPacket encodes payload as a Packet envelope and dispatches it to one
// connection. With a single thread it always uses conns[0]; otherwise a
// monotonically increasing counter selects the target round-robin. A call
// against an empty pool is a silent no-op (spec.md §4.5).
func (c *Client) SendPacket(payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.conns) == 0 {
		return
	}

	env := protocol.Envelope{Packet: &protocol.Packet{Payload: payload}}
	data := env.Marshal()

	if c.threads == 1 {
		c.conns[0].Write(data)
		return
	}

	serial := c.serial.Add(1) - 1
	idx := int(serial) % len(c.conns)
	if idx < 0 {
		idx += len(c.conns)
	}
	c.conns[idx].Write(data)
}

// Stop closes every connection and halts the heartbeat loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.conns {
		conn.Close()
	}
}

// StripCIDR removes a trailing "/bits" mask, mirroring the original's
// config.ip.split('/').next() used to populate Ping.IP and NewClient's
// virtIP argument.
func StripCIDR(cidr string) string {
	if idx := strings.IndexByte(cidr, '/'); idx >= 0 {
		return cidr[:idx]
	}
	return cidr
}
