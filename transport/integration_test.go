package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qtun/protocol"
)

type recordingHandler struct {
	mu       sync.Mutex
	received [][]byte
	pings    []*protocol.Ping
	onPacket func(conn *ServerConn, payload []byte)
}

func (h *recordingHandler) ClientOnData(data []byte) {
	var env protocol.Envelope
	if err := env.Unmarshal(data); err != nil {
		return
	}
	if env.Packet != nil {
		h.mu.Lock()
		h.received = append(h.received, env.Packet.Payload)
		h.mu.Unlock()
	}
}

func (h *recordingHandler) ServerOnData(data []byte, conn *ServerConn) {
	var env protocol.Envelope
	if err := env.Unmarshal(data); err != nil {
		return
	}
	switch {
	case env.Ping != nil:
		h.mu.Lock()
		h.pings = append(h.pings, env.Ping)
		h.mu.Unlock()
	case env.Packet != nil:
		if h.onPacket != nil {
			h.onPacket(conn, env.Packet.Payload)
		}
	}
}

func (h *recordingHandler) pingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pings)
}

func TestClientServerRoundTripUnencrypted(t *testing.T) {
	serverHandler := &recordingHandler{}
	srv := NewServer("127.0.0.1:0", "", nil, true, serverHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr, ready := startServerForTest(t, srv, ctx, "127.0.0.1:18080")
	<-ready

	clientHandler := &recordingHandler{}
	client := NewClient(listenAddr, "10.237.0.2", 1, nil, true, clientHandler)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	waitForConnected(t, client)

	client.SendPacket([]byte("hello-server"))

	require.Eventually(t, func() bool { return serverHandler.pingCount() > 0 }, 3*time.Second, 20*time.Millisecond,
		"server never observed a ping from the client heartbeat loop")

	serverHandler.mu.Lock()
	defer serverHandler.mu.Unlock()
	require.Equal(t, "10.237.0.2", serverHandler.pings[0].IP)
}

func TestClientServerRoundTripEncrypted(t *testing.T) {
	serverCipher, err := NewAES128Cipher("shared-secret")
	require.NoError(t, err)
	clientCipher, err := NewAES128Cipher("shared-secret")
	require.NoError(t, err)

	serverHandler := &recordingHandler{}
	srv := NewServer("127.0.0.1:0", "shared-secret", serverCipher, true, serverHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr, ready := startServerForTest(t, srv, ctx, "127.0.0.1:18081")
	<-ready

	clientHandler := &recordingHandler{}
	client := NewClient(listenAddr, "10.237.0.3", 1, clientCipher, true, clientHandler)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	waitForConnected(t, client)

	require.Eventually(t, func() bool { return serverHandler.pingCount() > 0 }, 3*time.Second, 20*time.Millisecond,
		"server never observed a ping over the encrypted stream")
}

func TestMismatchedKeyClosesConnection(t *testing.T) {
	serverCipher, err := NewAES128Cipher("server-secret")
	require.NoError(t, err)
	clientCipher, err := NewAES128Cipher("different-secret")
	require.NoError(t, err)

	serverHandler := &recordingHandler{}
	srv := NewServer("127.0.0.1:0", "server-secret", serverCipher, true, serverHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr, ready := startServerForTest(t, srv, ctx, "127.0.0.1:18082")
	<-ready

	clientHandler := &recordingHandler{}
	client := NewClient(listenAddr, "10.237.0.4", 1, clientCipher, true, clientHandler)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	waitForConnected(t, client)

	client.mu.RLock()
	conn := client.conns[0]
	client.mu.RUnlock()
	require.Eventually(t, conn.IsConnected, 3*time.Second, 20*time.Millisecond, "client stream never opened")

	// The first heartbeat ping (after pingInterval) fails AEAD verification
	// on the server, which closes its side; the client read loop then sees
	// EOF and the connection drops.
	require.Eventually(t, func() bool { return !conn.IsConnected() }, 5*time.Second, 20*time.Millisecond,
		"client connection must close once the server rejects its key")

	// The server never accepts a ping since every frame fails AEAD
	// verification; give it time to prove the negative.
	time.Sleep(500 * time.Millisecond)
	require.Zero(t, serverHandler.pingCount(), "server must never accept frames sealed under a different key")
}

func TestClientLoadBalancesAcrossConnections(t *testing.T) {
	var (
		received  atomic.Int64
		perConnMu sync.Mutex
		perConn   = map[*ServerConn]int{}
	)
	serverHandler := &recordingHandler{onPacket: func(conn *ServerConn, _ []byte) {
		perConnMu.Lock()
		perConn[conn]++
		perConnMu.Unlock()
		received.Add(1)
	}}
	srv := NewServer("127.0.0.1:0", "", nil, true, serverHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr, ready := startServerForTest(t, srv, ctx, "127.0.0.1:18083")
	<-ready

	clientHandler := &recordingHandler{}
	client := NewClient(listenAddr, "10.237.0.5", 3, nil, true, clientHandler)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	require.Eventually(t, func() bool {
		client.mu.RLock()
		defer client.mu.RUnlock()
		return len(client.conns) == 3
	}, 3*time.Second, 20*time.Millisecond, "client never established all 3 connections")

	const total = 300
	for i := 0; i < total; i++ {
		client.SendPacket([]byte("load-balance-probe"))
	}

	require.Eventually(t, func() bool { return received.Load() == total }, 3*time.Second, 20*time.Millisecond)

	// serial-mod selection over 3 connections sends every third packet to
	// each one, and each client connection is its own server-side conn.
	perConnMu.Lock()
	defer perConnMu.Unlock()
	require.Len(t, perConn, 3, "packets must spread over all three connections")
	for _, n := range perConn {
		require.Equal(t, total/3, n, "round-robin must split packets evenly")
	}
}

// startServerForTest points srv at the fixed addr, starts srv.Start in the
// background, and returns addr with a channel that is closed after a short
// fixed delay meant to give the listener time to bind. It does not check
// that the bind succeeded.
func startServerForTest(t *testing.T, srv *Server, ctx context.Context, addr string) (string, chan struct{}) {
	t.Helper()
	ready := make(chan struct{})

	// quic.ListenAddr with port 0 picks an ephemeral port; Server doesn't
	// expose it directly, so tests bind their own listener address up
	// front using a fixed high port range scoped to this process.
	srv.listenAddr = addr

	go srv.Start(ctx)
	go func() {
		time.Sleep(150 * time.Millisecond)
		close(ready)
	}()

	return addr, ready
}

func waitForConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.conns) > 0
	}, 3*time.Second, 20*time.Millisecond, "client never established a connection")
}
