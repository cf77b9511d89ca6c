// Package tlsutil builds client TLS configurations for the server link.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/sandpolis/agent/errors"
)

// ClientOptions describes how the agent verifies the server and, for
// mutual TLS, which certificate it presents
type ClientOptions struct {
	CAFiles            []string
	CertFile           string
	KeyFile            string
	MinVersion         string // "1.2" (default) or "1.3"
	InsecureSkipVerify bool
}

// IsZero reports whether no option is set, in which case transports keep
// their default TLS behavior
func (o ClientOptions) IsZero() bool {
	return len(o.CAFiles) == 0 && o.CertFile == "" && o.KeyFile == "" &&
		o.MinVersion == "" && !o.InsecureSkipVerify
}

// LoadClientConfig creates a tls.Config for the server link.
// The system CA bundle is always trusted; CAFiles are additional roots.
func LoadClientConfig(opts ClientOptions) (*tls.Config, error) {
	minVersion, err := ParseVersion(opts.MinVersion)
	if err != nil {
		return nil, errors.WrapInvalid(err, "tlsutil", "LoadClientConfig", "parse minimum version")
	}
	tlsConfig := &tls.Config{MinVersion: minVersion}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range opts.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientConfig", fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, errors.WrapInvalid(fmt.Errorf("%w: client certificate needs both cert and key files", errors.ErrInvalidConfig),
			"tlsutil", "LoadClientConfig", "load client certificate")
	}

	if opts.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // operator opted in
	}
	return tlsConfig, nil
}

// ParseVersion converts "1.2" or "1.3" to the crypto/tls constant. Empty
// means TLS 1.2.
func ParseVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: unsupported TLS version %q", errors.ErrInvalidConfig, version)
	}
}
