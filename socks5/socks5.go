// Package socks5 implements a minimal SOCKS5 proxy server: no-auth and
// user/password negotiation, the CONNECT command only (BIND and UDP
// ASSOCIATE are rejected with command-not-supported), all three address
// types. It is an out-of-scope collaborator per spec.md §1 — a convenience
// so a browser can reach the tunnel's virtual subnet without per-app
// routing — and never touches the transport/routing core directly.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"qtun/utils"
)

const (
	version5 = 0x05

	authNone         = 0x00
	authUserPass     = 0x02
	authNoAcceptable = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypFQDN   = 0x03
	atypIPv6   = 0x04

	replySucceeded     = 0x00
	replyServerFailure = 0x01
	replyCommandNotSup = 0x07
	replyAddrNotSup    = 0x08

	dnsCacheTTL = 30 * time.Second
)

// CredentialStore validates username/password pairs. A nil store disables
// the user/pass method entirely and only no-auth is offered.
type CredentialStore interface {
	Valid(username, password string) bool
}

// Server is a SOCKS5 listener. Construct with NewServer and run with
// ListenAndServe, which returns on the first listener error and does not
// restart itself.
type Server struct {
	creds    CredentialStore
	resolver *cache.Cache
}

// NewServer builds a Server. creds may be nil to allow only no-auth.
func NewServer(creds CredentialStore) *Server {
	return &Server{
		creds:    creds,
		resolver: cache.New(dnsCacheTTL, 2*dnsCacheTTL),
	}
}

// ListenAndServe accepts connections on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socks5 listen %s: %w", addr, err)
	}
	defer ln.Close()

	utils.Logger.Info("socks5 server listening", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("socks5 accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	if err := s.negotiateAuth(conn); err != nil {
		utils.Logger.Warn("socks5 auth negotiation failed", zap.Error(err))
		return
	}

	target, err := s.readRequest(conn)
	if err != nil {
		utils.Logger.Warn("socks5 request failed", zap.Error(err))
		return
	}

	upstream, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		s.reply(conn, replyServerFailure)
		utils.Logger.Warn("socks5 upstream dial failed", zap.String("target", target), zap.Error(err))
		return
	}
	defer upstream.Close()

	if err := s.reply(conn, replySucceeded); err != nil {
		return
	}

	relay(conn, upstream)
}

func (s *Server) negotiateAuth(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != version5 {
		return fmt.Errorf("unsupported socks version %d", header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	chosen := byte(authNoAcceptable)
	for _, m := range methods {
		if m == authUserPass && s.creds != nil {
			chosen = authUserPass
			break
		}
		if m == authNone && s.creds == nil {
			chosen = authNone
		}
	}

	if _, err := conn.Write([]byte{version5, chosen}); err != nil {
		return err
	}
	if chosen == authNoAcceptable {
		return fmt.Errorf("no acceptable auth method")
	}
	if chosen == authNone {
		return nil
	}
	return s.verifyUserPass(conn)
}

func (s *Server) verifyUserPass(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	user := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}

	if s.creds.Valid(string(user), string(pass)) {
		_, err := conn.Write([]byte{1, 0})
		return err
	}
	conn.Write([]byte{1, 1})
	return fmt.Errorf("invalid credentials for user %q", user)
}

func (s *Server) readRequest(conn net.Conn) (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != version5 {
		return "", fmt.Errorf("unsupported socks version %d", header[0])
	}
	if header[1] != cmdConnect {
		s.reply(conn, replyCommandNotSup)
		return "", fmt.Errorf("unsupported command %d", header[1])
	}

	host, err := s.readAddr(conn, header[3])
	if err != nil {
		s.reply(conn, replyAddrNotSup)
		return "", err
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf)

	return fmt.Sprintf("%s:%d", host, port), nil
}

func (s *Server) readAddr(conn net.Conn, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case atypFQDN:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", err
		}
		name := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", err
		}
		return s.resolve(string(name))
	default:
		return "", fmt.Errorf("unrecognized address type %d", atyp)
	}
}

// resolve looks up name via the system resolver, caching results for
// dnsCacheTTL so a SOCKS client hammering the same domain doesn't pay a
// fresh DNS round trip on every connection (the ipCache pattern the rest
// of this pack's QUIC transports use for endpoint lookups).
func (s *Server) resolve(name string) (string, error) {
	if cached, ok := s.resolver.Get(name); ok {
		return cached.(string), nil
	}
	addrs, err := net.LookupHost(name)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	s.resolver.Set(name, addrs[0], cache.DefaultExpiration)
	return addrs[0], nil
}

func (s *Server) reply(conn net.Conn, code byte) error {
	resp := []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(resp)
	return err
}

func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}
