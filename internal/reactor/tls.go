package reactor

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// PeerVerifier decides whether a completed TLS handshake is acceptable.
// It runs on the connection's read goroutine; a non-nil error aborts the connection.
type PeerVerifier interface {
	VerifyPeer(state tls.ConnectionState) error
}

// PeerVerifierFunc adapts a function to PeerVerifier.
type PeerVerifierFunc func(state tls.ConnectionState) error

// VerifyPeer calls f(state).
func (f PeerVerifierFunc) VerifyPeer(state tls.ConnectionState) error {
	return f(state)
}

// ErrNoPeerCertificate is returned by RequirePeerCertificate when the agent sent none.
var ErrNoPeerCertificate = errors.New("agent presented no certificate")

// RequirePeerCertificate accepts any handshake in which the agent presented a
// certificate that verified against the configured client CAs.
func RequirePeerCertificate() PeerVerifier {
	return PeerVerifierFunc(func(state tls.ConnectionState) error {
		if len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
			return ErrNoPeerCertificate
		}
		return nil
	})
}

// LoadTLSConfig builds the listener TLS configuration.
// When clientCAFile is set, agents may present certificates signed by those CAs;
// the PeerVerifier decides whether a handshake without one is acceptable.
func LoadTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}

	if clientCAFile != "" {
		pem, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", clientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return cfg, nil
}
