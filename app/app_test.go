package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"qtun/config"
	"qtun/iface"
	"qtun/transport"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 4, clamp(1, 4, 32))
	require.Equal(t, 32, clamp(64, 4, 32))
	require.Equal(t, 8, clamp(8, 4, 32))
}

func TestDispatchServerDropsOnUnknownRoute(t *testing.T) {
	a := New(&config.Config{ServerMode: true, MTU: 1500})
	// No route registered for this destination; dispatch must not panic
	// and must leave the table empty.
	pkt := iface.NewPacketIP(20)
	a.dispatchServer("10.237.0.9", pkt)
	require.Equal(t, 0, a.table.Len())
}

func TestDispatchServerEvictsClosedConnection(t *testing.T) {
	a := New(&config.Config{ServerMode: true, MTU: 1500})
	conn := transport.NewServerConn("conn-1", "", nil, false)
	conn.Close()
	a.table.Register("10.237.0.2", "conn-1", conn)

	pkt := iface.NewPacketIP(20)
	buf := pkt.AsBytes()
	buf[16], buf[17], buf[18], buf[19] = 10, 237, 0, 2

	a.dispatchServer("10.237.0.2", pkt)

	require.Empty(t, a.table.Lookup("10.237.0.2"), "closed connection's route should be evicted")
}

func TestDispatchServerKeepsRouteForLiveConnection(t *testing.T) {
	a := New(&config.Config{ServerMode: true, MTU: 1500})
	conn := transport.NewServerConn("conn-1", "", nil, false)
	a.table.Register("10.237.0.2", "conn-1", conn)

	payload := []byte{1, 2, 3, 4}
	pkt := iface.NewPacketIP(len(payload))
	copy(pkt.AsBytes(), payload)

	a.dispatchServer("10.237.0.2", pkt)

	require.Equal(t, []*transport.ServerConn{conn}, a.table.Lookup("10.237.0.2"),
		"dispatching to a live connection must not evict its route")
}
