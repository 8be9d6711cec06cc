// Package cert maintains a private CA for the agent gRPC listener. It
// creates the CA and server certificate on first start and issues client
// certificates for agents that connect with mutual TLS.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"
)

const (
	organization   = "Silo Control"
	caValidity     = 10 * 365 * 24 * time.Hour
	leafValidity   = 365 * 24 * time.Hour
	backdateLeaves = 5 * time.Minute
)

type Service struct {
	CaCertPath     string
	CaKeyPath      string
	ServerCertPath string
	ServerKeyPath  string
	DomainNames    []string
	IPAddresses    []net.IP

	caCert *x509.Certificate
	caKey  crypto.Signer
}

type Options struct {
	DomainNames []string
	IPAddresses []net.IP
}

// Bundle is an issued certificate with its key and the CA that signed it,
// all PEM encoded.
type Bundle struct {
	CertPEM   []byte
	KeyPEM    []byte
	CACertPEM []byte
	NotAfter  time.Time
}

func New(caCertPath, caKeyPath, serverCertPath, serverKeyPath string, opts *Options) (*Service, error) {
	s := &Service{
		CaCertPath:     caCertPath,
		CaKeyPath:      caKeyPath,
		ServerCertPath: serverCertPath,
		ServerKeyPath:  serverKeyPath,
	}

	if opts != nil {
		s.DomainNames = opts.DomainNames
		s.IPAddresses = opts.IPAddresses
	}

	if len(s.DomainNames) == 0 {
		s.DomainNames = []string{"localhost"}
	}

	if len(s.IPAddresses) == 0 {
		s.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	if err := s.ensureCertificates(); err != nil {
		return nil, fmt.Errorf("failed to ensure certificates: %w", err)
	}

	return s, nil
}

func (s *Service) ensureCertificates() error {
	if fileExists(s.CaCertPath) && fileExists(s.CaKeyPath) {
		slog.Debug("Using existing CA certificate", "cert_path", s.CaCertPath)
		caCert, caKey, err := loadCA(s.CaCertPath, s.CaKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
		s.caCert, s.caKey = caCert, caKey
	} else {
		slog.Info("CA certificate not found, generating new CA", "cert_path", s.CaCertPath)
		caCert, caKey, err := generateCA()
		if err != nil {
			return err
		}
		if err := writeCert(caCert, s.CaCertPath); err != nil {
			return err
		}
		if err := writeKey(caKey, s.CaKeyPath); err != nil {
			return err
		}
		s.caCert, s.caKey = caCert, caKey
		slog.Info("Generated CA certificate", "cert_path", s.CaCertPath, "key_path", s.CaKeyPath)
	}

	if fileExists(s.ServerCertPath) && fileExists(s.ServerKeyPath) {
		slog.Debug("Using existing server certificate", "cert_path", s.ServerCertPath)
		return nil
	}

	slog.Info("Server certificate not found, generating new server certificate",
		"cert_path", s.ServerCertPath,
		"domains", s.DomainNames,
		"ips", s.IPAddresses)

	commonName := s.DomainNames[0]
	serverCert, serverKey, err := s.issue(&x509.Certificate{
		Subject:     pkix.Name{Organization: []string{organization}, CommonName: commonName},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    s.DomainNames,
		IPAddresses: s.IPAddresses,
	})
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := writeCert(serverCert, s.ServerCertPath); err != nil {
		return err
	}
	if err := writeKey(serverKey, s.ServerKeyPath); err != nil {
		return err
	}

	slog.Info("Generated server certificate", "cert_path", s.ServerCertPath, "key_path", s.ServerKeyPath)
	return nil
}

// GenerateAgentCert issues a client certificate whose common name is the
// agent ID. Nothing is written to disk; the caller hands the bundle to the
// agent.
func (s *Service) GenerateAgentCert(agentID string) (*Bundle, error) {
	cert, key, err := s.issue(&x509.Certificate{
		Subject:     pkix.Name{Organization: []string{organization}, CommonName: agentID},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent certificate: %w", err)
	}

	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}

	slog.Info("Issued agent certificate", "agent_id", agentID, "not_after", cert.NotAfter)
	return &Bundle{
		CertPEM:   encodeCert(cert),
		KeyPEM:    keyPEM,
		CACertPEM: encodeCert(s.caCert),
		NotAfter:  cert.NotAfter,
	}, nil
}

func (s *Service) issue(tmpl *x509.Certificate) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl.SerialNumber = serial
	tmpl.NotBefore = now.Add(-backdateLeaves)
	tmpl.NotAfter = now.Add(leafValidity)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.BasicConstraintsValid = true

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, key, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization + " CA"},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, caKey, nil
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
