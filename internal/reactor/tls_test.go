package reactor

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "collector.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func writeTLSFiles(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	certPEM, keyPEM := selfSignedPEM(t)
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func TestLoadTLSConfig(t *testing.T) {
	certFile, keyFile := writeTLSFiles(t)

	cfg, err := LoadTLSConfig(certFile, keyFile, "")
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = LoadTLSConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadTLSConfig(certFile, keyFile, keyFile)
	assert.Error(t, err)

	_, err = LoadTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), keyFile, "")
	assert.Error(t, err)
}

func TestReactor_TLSRequest(t *testing.T) {
	certFile, keyFile := writeTLSFiles(t)
	cfg, err := LoadTLSConfig(certFile, keyFile, "")
	require.NoError(t, err)

	var verified atomic.Bool
	verifier := PeerVerifierFunc(func(state tls.ConnectionState) error {
		verified.Store(state.HandshakeComplete)
		return nil
	})

	h := startReactor(t, nil, Options{TLSConfig: cfg, PeerVerifier: verifier}, echo())

	conn, err := tls.Dial("tcp", h.addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(post("/beacon", "secure")))
	require.NoError(t, err)

	resp, body := readResponse(t, conn, bufio.NewReader(conn))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure", body)
	assert.True(t, verified.Load())
}

func TestReactor_PeerVerifierRejection(t *testing.T) {
	certFile, keyFile := writeTLSFiles(t)
	cfg, err := LoadTLSConfig(certFile, keyFile, "")
	require.NoError(t, err)

	verifier := PeerVerifierFunc(func(tls.ConnectionState) error {
		return errors.New("agent not enrolled")
	})
	h := startReactor(t, nil, Options{TLSConfig: cfg, PeerVerifier: verifier}, echo())

	conn, err := tls.Dial("tcp", h.addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	_, _ = conn.Write([]byte(post("/beacon", "x")))
	expectClosed(t, conn, 2*time.Second)
}

func TestRequirePeerCertificate(t *testing.T) {
	err := RequirePeerCertificate().VerifyPeer(tls.ConnectionState{})
	assert.ErrorIs(t, err, ErrNoPeerCertificate)
}
