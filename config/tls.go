package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig names the transport-security material. All fields are file
// paths to PEM-encoded data provided by the deployment.
type TLSConfig struct {
	CACertFile string `mapstructure:"ca_cert_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	MinVersion string `mapstructure:"min_version"` // "1.2" (default) or "1.3"
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CACertFile != "" || t.CertFile != ""
}

// Build loads the configured PEM material into a tls.Config. It returns
// nil when no material is configured.
func (t TLSConfig) Build() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	minVersion, err := t.minVersion()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: minVersion,
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read CA bundle %s: %w", t.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates found in CA bundle %s", t.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (t TLSConfig) validateVersion() error {
	_, err := t.minVersion()
	return err
}

func (t TLSConfig) minVersion() (uint16, error) {
	switch t.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: unsupported TLS min_version %q", ErrConfigValidation, t.MinVersion)
	}
}
