package cert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, dir string) *Service {
	t.Helper()
	s, err := New(
		filepath.Join(dir, "ca", "ca-cert.pem"),
		filepath.Join(dir, "ca", "ca-key.pem"),
		filepath.Join(dir, "server", "server-cert.pem"),
		filepath.Join(dir, "server", "server-key.pem"),
		&Options{DomainNames: []string{"control.internal"}},
	)
	require.NoError(t, err)
	return s
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestNew_GeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()
	s := newService(t, dir)

	ca := readCert(t, s.CaCertPath)
	assert.True(t, ca.IsCA)

	server := readCert(t, s.ServerCertPath)
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err := server.Verify(x509.VerifyOptions{DNSName: "control.internal", Roots: pool})
	assert.NoError(t, err)
	assert.Len(t, server.IPAddresses, 2, "loopback addresses by default")

	info, err := os.Stat(s.CaKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again := newService(t, dir)
	assert.Equal(t, ca.SerialNumber, readCert(t, again.CaCertPath).SerialNumber, "existing CA is kept")
	assert.Equal(t, server.SerialNumber, readCert(t, again.ServerCertPath).SerialNumber)
}

func TestGenerateAgentCert(t *testing.T) {
	s := newService(t, t.TempDir())

	bundle, err := s.GenerateAgentCert("agent-42")
	require.NoError(t, err)

	_, err = tls.X509KeyPair(bundle.CertPEM, bundle.KeyPEM)
	require.NoError(t, err)

	block, _ := pem.Decode(bundle.CertPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", leaf.Subject.CommonName)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(bundle.CACertPEM))
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	assert.NoError(t, err)

	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}})
	assert.Error(t, err, "agent certificates are client-only")
}

func TestNew_CorruptCA(t *testing.T) {
	dir := t.TempDir()
	caCert := filepath.Join(dir, "ca-cert.pem")
	caKey := filepath.Join(dir, "ca-key.pem")
	require.NoError(t, os.WriteFile(caCert, []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(caKey, []byte("garbage"), 0o600))

	_, err := New(caCert, caKey, filepath.Join(dir, "s.pem"), filepath.Join(dir, "s-key.pem"), nil)
	assert.Error(t, err)
}
