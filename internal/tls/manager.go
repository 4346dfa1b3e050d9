package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"account-security/internal/config"
)

// Manager serves the server certificate. File-based certificates are
// reloaded when the certificate file changes on disk, so rotated
// certificates are picked up without a restart. In development, when no
// files are configured, a self-signed certificate is generated in memory.
type Manager struct {
	certFile string
	keyFile  string
	logger   *zap.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	modTime time.Time
}

func NewManager(cfg config.ServerConfig, development bool, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		certFile: cfg.CertFile,
		keyFile:  cfg.KeyFile,
		logger:   logger.Named("tls"),
	}

	if m.certFile != "" && m.keyFile != "" {
		if err := m.reload(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if !development {
		return nil, fmt.Errorf("certificate and key files are required outside development")
	}

	cert, err := selfSigned([]string{"localhost", "127.0.0.1", "::1"}, time.Now())
	if err != nil {
		return nil, err
	}
	m.cert = cert
	m.logger.Warn("Using generated self-signed certificate")
	return m, nil
}

func (m *Manager) reload() error {
	info, err := os.Stat(m.certFile)
	if err != nil {
		return fmt.Errorf("failed to stat certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	m.mu.Lock()
	m.cert = &cert
	m.modTime = info.ModTime()
	m.mu.Unlock()

	m.logger.Info("Certificate loaded", zap.String("cert_file", m.certFile))
	return nil
}

func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.certFile != "" {
		if info, err := os.Stat(m.certFile); err == nil {
			m.mu.RLock()
			changed := info.ModTime().After(m.modTime)
			m.mu.RUnlock()
			if changed {
				if err := m.reload(); err != nil {
					m.logger.Error("Certificate reload failed, keeping previous", zap.Error(err))
				}
			}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func selfSigned(hosts []string, now time.Time) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Account Security Development"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, nil
}
