package iface

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketIPSourceDestination(t *testing.T) {
	pkt := NewPacketIP(20)
	buf := pkt.AsBytes()
	buf[12], buf[13], buf[14], buf[15] = 192, 168, 1, 1
	buf[16], buf[17], buf[18], buf[19] = 10, 0, 0, 1

	require.Equal(t, "192.168.1.1", pkt.SourceIP().String())
	require.Equal(t, "10.0.0.1", pkt.DestinationIP().String())
}

func TestPacketIPResizeAndTruncate(t *testing.T) {
	pkt := NewPacketIP(10)
	pkt.Resize(20)
	require.Equal(t, 20, pkt.Len())
	pkt.Truncate(5)
	require.Equal(t, 5, pkt.Len())
}

func TestPacketIPFromBytesTooShort(t *testing.T) {
	pkt := PacketIPFromBytes([]byte{1, 2, 3})
	require.Equal(t, "0.0.0.0", pkt.SourceIP().String())
	require.Equal(t, "0.0.0.0", pkt.DestinationIP().String())
}
