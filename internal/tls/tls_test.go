package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/provoice/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupWithoutSource(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, DNSNames: []string{"voice.local", "127.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(stdtls.VersionTLS13), c.MinVersion)

	cert, err := c.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "voice.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// existing pair is reused
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "api", Hosts: []string{"localhost"}, NotAfter: time.Now().Add(time.Hour),
		CertPath: certPath, KeyPath: keyPath,
	}))
	c, err := Setup(config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, uint16(stdtls.VersionTLS12), c.MinVersion)

	raw, err := os.ReadFile(certPath)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
}

func TestSetupMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(config.TLSConfig{Enabled: true, Dir: dir})
	assert.ErrorContains(t, err, "load certificate")
}
