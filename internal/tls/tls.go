// Package tls builds the API server's HTTPS configuration from the [server.tls] section.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/provoice/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"

	defaultValidDays = 365
)

// ErrNoCertificate is returned when TLS is enabled without any certificate source.
var ErrNoCertificate = errors.New("TLS enabled but no certificate configured")

func parseMinVersion(ver string) uint16 {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS13
	}
}

// CertPaths returns the certificate and key files cfg points at.
func CertPaths(cfg config.TLSConfig) (string, string) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return cfg.CertFile, cfg.KeyFile
	}
	if cfg.Dir != "" {
		return filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
	}
	return "", ""
}

// Setup returns nil when TLS is disabled. A directory source with AutoGenerate gets a
// self-signed pair on first use.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	certPath, keyPath := CertPaths(cfg)
	if certPath == "" {
		return nil, ErrNoCertificate
	}
	if cfg.CertFile == "" && cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
		if err := generate(cfg, certPath, keyPath); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 minimum version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: reloadingCertificate(certPath, keyPath),
		MinVersion:     parseMinVersion(cfg.MinVersion),
	}, nil
}

// reloadingCertificate re-reads the pair on every handshake so rotated files are
// picked up without a restart.
func reloadingCertificate(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generate(cfg config.TLSConfig, certPath, keyPath string) error {
	days := cfg.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	cn := cfg.CommonName
	if cn == "" {
		cn = "localhost"
	}
	hosts := cfg.DNSNames
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	slog.Info("Generating self-signed certificate", "cert", certPath, "common_name", cn, "valid_days", days)
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: "provoice",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}
