package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// TLSConfig builds the client TLS configuration. With a trust anchor the
// server is verified against it. Without one, verification is skipped only
// when allowInsecure is set.
func TLSConfig(serverName string, trustAnchor []byte, allowInsecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if len(trustAnchor) == 0 {
		if !allowInsecure {
			return nil, ErrNoTrustAnchor
		}
		cfg.InsecureSkipVerify = true //nolint:gosec // opt-in test harness mode

		return cfg, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(trustAnchor) {
		return nil, errors.New("transport: trust anchor has no PEM certificate")
	}
	cfg.RootCAs = pool

	return cfg, nil
}
