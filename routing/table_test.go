package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"qtun/transport"
)

func TestRegisterAndLookup(t *testing.T) {
	tbl := NewTable()
	conn := transport.NewServerConn("conn-1", "", nil, false)

	tbl.Register("10.237.0.2", "conn-1", conn)

	got := tbl.Lookup("10.237.0.2")
	require.Equal(t, []*transport.ServerConn{conn}, got)
}

func TestRegisterKeepsLiveRegistrant(t *testing.T) {
	tbl := NewTable()
	first := transport.NewServerConn("conn-1", "", nil, false)
	second := transport.NewServerConn("conn-1", "", nil, false)

	tbl.Register("10.237.0.2", "conn-1", first)
	tbl.Register("10.237.0.2", "conn-1", second)

	got := tbl.Lookup("10.237.0.2")
	require.Equal(t, []*transport.ServerConn{first}, got, "live registrant must not be overwritten")
}

func TestRegisterReplacesClosedRegistrant(t *testing.T) {
	tbl := NewTable()
	first := transport.NewServerConn("conn-1", "", nil, false)
	first.Close()
	second := transport.NewServerConn("conn-1", "", nil, false)

	tbl.Register("10.237.0.2", "conn-1", first)
	tbl.Register("10.237.0.2", "conn-1", second)

	got := tbl.Lookup("10.237.0.2")
	require.Equal(t, []*transport.ServerConn{second}, got, "closed registrant must be replaced")
}

func TestRegisterMovesConnAcrossVirtIPs(t *testing.T) {
	tbl := NewTable()
	conn := transport.NewServerConn("conn-1", "", nil, false)

	tbl.Register("10.237.0.2", "conn-1", conn)
	tbl.Register("10.237.0.3", "conn-1", conn)

	require.Empty(t, tbl.Lookup("10.237.0.2"), "old virt ip should be vacated")
	require.Equal(t, []*transport.ServerConn{conn}, tbl.Lookup("10.237.0.3"))
	require.Equal(t, 1, tbl.Len())
}

func TestPickRandomAmongMultiple(t *testing.T) {
	tbl := NewTable()
	a := transport.NewServerConn("conn-a", "", nil, false)
	b := transport.NewServerConn("conn-b", "", nil, false)
	tbl.Register("10.237.0.2", "conn-a", a)
	tbl.Register("10.237.0.2", "conn-b", b)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, conn, ok := tbl.PickRandom("10.237.0.2")
		require.True(t, ok, "PickRandom should find a registered virt ip")
		require.NotNil(t, conn, "PickRandom returned nil conn for id %q", id)
		seen[id] = true
	}
	require.Len(t, seen, 2, "PickRandom should eventually surface both connections")
}

func TestPickRandomOnUnknownVirtIP(t *testing.T) {
	tbl := NewTable()
	_, _, ok := tbl.PickRandom("10.237.0.99")
	require.False(t, ok)
}

func TestDeleteDeadRemovesEntry(t *testing.T) {
	tbl := NewTable()
	conn := transport.NewServerConn("conn-1", "", nil, false)
	tbl.Register("10.237.0.2", "conn-1", conn)

	tbl.DeleteDead("conn-1")

	require.Empty(t, tbl.Lookup("10.237.0.2"))
	require.Equal(t, 0, tbl.Len())
}

func TestReapRemovesClosedConnections(t *testing.T) {
	tbl := NewTable()
	live := transport.NewServerConn("conn-live", "", nil, false)
	dead := transport.NewServerConn("conn-dead", "", nil, false)
	dead.Close()

	tbl.Register("10.237.0.2", "conn-live", live)
	tbl.Register("10.237.0.2", "conn-dead", dead)

	tbl.Reap()

	got := tbl.Lookup("10.237.0.2")
	require.Equal(t, []*transport.ServerConn{live}, got)
}
