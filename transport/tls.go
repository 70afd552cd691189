package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
)

// alpnProtocol is the ALPN identifier both sides negotiate. It must match
// byte-for-byte between client and server; the name is inherited from the
// quic-go echo example this pack's own QUIC transports standardize on.
const alpnProtocol = "quic-echo-example"

// generateSelfSignedTLSConfig builds a fresh RSA-2048 self-signed
// certificate for one server bind. The symmetric key configured via
// transport.Cipher is what actually authenticates peers here; the
// certificate only needs to satisfy TLS 1.3's handshake requirements.
func generateSelfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

// clientTLSConfig accepts any server certificate unconditionally: the
// shared secret configured on the Cipher is the real authentication layer,
// matching the Rust original's SkipServerVerification.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}
