package transport

import (
	"time"

	"github.com/quic-go/quic-go"
)

// quicTransportConfig returns the transport parameters shared by client and
// server per spec.md §4.5/§4.6: 1000 concurrent bidirectional streams, a
// 6 MiB receive window, and a 30s keepalive.
func quicTransportConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:             1000,
		KeepAlivePeriod:                30 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     6 * 1024 * 1024,
		InitialConnectionReceiveWindow: 6 * 1024 * 1024,
		MaxStreamReceiveWindow:         6 * 1024 * 1024,
		MaxConnectionReceiveWindow:     6 * 1024 * 1024,
	}
}
