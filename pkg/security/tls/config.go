package tls

import (
	"crypto/tls"
	"fmt"

	"mercator-hq/h2edge/pkg/config"
)

// DefaultNextProtos is the ALPN preference list offered to clients.
var DefaultNextProtos = []string{"h2", "http/1.1"}

// CertificateSource supplies the server certificate for each handshake.
type CertificateSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// ServerConfig converts the frontend TLS settings to a crypto/tls.Config
// serving certificates from src.
//
// Dynamic record sizing is disabled: the client handler already bounds
// each write to the current record-size limit, and the two mechanisms
// would otherwise fight over the same TLS records.
func ServerConfig(cfg config.TLSConfig, src CertificateSource) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if src == nil {
		return nil, fmt.Errorf("certificate source is required when TLS is enabled")
	}

	suites, err := parseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}
	minVersion, err := parseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	nextProtos := cfg.NextProtos
	if len(nextProtos) == 0 {
		nextProtos = DefaultNextProtos
	}

	// #nosec G402 - MinVersion is configurable and validated (TLS 1.0/1.1 rejected)
	return &tls.Config{
		GetCertificate:              src.GetCertificate,
		MinVersion:                  minVersion,
		CipherSuites:                suites,
		NextProtos:                  append([]string(nil), nextProtos...),
		DynamicRecordSizingDisabled: true,
	}, nil
}

// parseTLSVersion converts the MinVersion string to a tls.Version constant.
// TLS 1.0 and 1.1 are not supported.
func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "1.2", "":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// parseCipherSuites converts cipher suite names to tls.CipherSuite
// constants. No names selects Go's secure defaults.
func parseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := cipherSuiteMap[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}

// cipherSuiteMap maps cipher suite names to their tls package constants.
// Only secure cipher suites are included.
var cipherSuiteMap = map[string]uint16{
	// TLS 1.3 cipher suites (always enabled, cannot be disabled)
	"TLS_AES_128_GCM_SHA256":       tls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":       tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256": tls.TLS_CHACHA20_POLY1305_SHA256,

	// TLS 1.2 cipher suites (secure options only)
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305":    tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305":  tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ValidCipherSuite reports whether name is a supported cipher suite.
func ValidCipherSuite(name string) bool {
	_, ok := cipherSuiteMap[name]
	return ok
}
