package transport

// Handler receives decoded frame payloads from a connection's read loop.
// Implementations decode the protocol envelope and act on it; they must
// not block the read loop for long (spec.md §4.7 requires TUN writes to be
// handed off to their own goroutine).
type Handler interface {
	// ClientOnData is invoked by a ClientConn's read loop with one
	// decoded frame body.
	ClientOnData(data []byte)
	// ServerOnData is invoked by a ServerConn's read loop with one
	// decoded frame body and the connection it arrived on, so a Ping can
	// be tied back to the connection that should be registered for it.
	ServerOnData(data []byte, conn *ServerConn)
}
