package transport

import (
	"context"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"qtun/utils"
)

const listenRetryBackoff = 1 * time.Second

// Server listens on a QUIC endpoint, accepts connections, and spawns one
// ServerConn per accepted bidirectional stream, per spec.md §4.6. It has no
// knowledge of routing — OnAccept's cleanup closure is supplied by the
// caller (normally the app package wiring ServerConn into routing.Table).
type Server struct {
	listenAddr string
	key        string
	cipher     *Cipher
	noDelay    bool
	handler    Handler

	// OnAccept is invoked with every freshly constructed ServerConn and its
	// accepted stream's remote address, before Run is called. The caller
	// uses it to decide the cleanup closure passed to ServerConn.Run.
	OnAccept func(conn *ServerConn, remoteAddr string) (cleanup func())
}

// NewServer builds a Server bound to listenAddr. cipher is shared by every
// accepted ServerConn (nil disables encryption); key is passed along to
// each ServerConn but does not select the cipher. noDelay
// disables every accepted connection's write-batching (config's
// `no_delay` key).
func NewServer(listenAddr, key string, cipher *Cipher, noDelay bool, handler Handler) *Server {
	return &Server{
		listenAddr: listenAddr,
		key:        key,
		cipher:     cipher,
		noDelay:    noDelay,
		handler:    handler,
	}
}

// Start runs the accept loop forever, re-binding with a 1s backoff on any
// fatal listener error (spec.md §4.6, §7).
func (s *Server) Start(ctx context.Context) {
	for {
		if err := s.listen(ctx); err != nil {
			utils.Logger.Error("server listen failed", zap.String("addr", s.listenAddr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryBackoff):
		}
	}
}

func (s *Server) listen(ctx context.Context) error {
	tlsConf, err := generateSelfSignedTLSConfig()
	if err != nil {
		return err
	}

	listener, err := quic.ListenAddr(s.listenAddr, tlsConf, quicTransportConfig())
	if err != nil {
		return err
	}
	defer listener.Close()

	utils.Logger.Info("server listening", zap.String("addr", s.listenAddr))

	for {
		quicConn, err := listener.Accept(ctx)
		if err != nil {
			return err
		}
		go s.handleConn(quicConn)
	}
}

func (s *Server) handleConn(quicConn *quic.Conn) {
	remoteAddr := quicConn.RemoteAddr().String()

	stream, err := quicConn.AcceptStream(context.Background())
	if err != nil {
		utils.Logger.Warn("failed to accept stream", zap.String("remote_addr", remoteAddr), zap.Error(err))
		return
	}

	utils.Logger.Info("server accepted connection", zap.String("remote_addr", remoteAddr))

	conn := NewServerConn(remoteAddr, s.key, s.cipher, s.noDelay)
	utils.Logger.Debug("server conn created", zap.String("remote_addr", remoteAddr), zap.String("session", conn.SessionID))

	var cleanup func()
	if s.OnAccept != nil {
		cleanup = s.OnAccept(conn, remoteAddr)
	}

	if err := conn.Run(stream, s.handler, cleanup); err != nil {
		utils.Logger.Warn("server connection closed", zap.String("remote_addr", remoteAddr), zap.String("session", conn.SessionID), zap.Error(err))
	}
}
