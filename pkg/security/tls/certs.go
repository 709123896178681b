package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// ExpiryWarningDays is how many days before expiry a certificate is
// reported as expiring soon.
const ExpiryWarningDays = 30

// ErrCertificateExpired is returned for a certificate past its NotAfter.
var ErrCertificateExpired = errors.New("certificate expired")

// ValidateCertificate checks that the leaf of cert is valid at now.
func ValidateCertificate(cert *tls.Certificate, now time.Time) error {
	leaf, err := leafOf(cert)
	if err != nil {
		return err
	}
	return checkValidity(leaf.NotBefore, leaf.NotAfter, now)
}

func leafOf(cert *tls.Certificate) (*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return leaf, nil
}

func checkValidity(notBefore, notAfter, now time.Time) error {
	if now.Before(notBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %s)", notBefore.Format(time.RFC3339))
	}
	if now.After(notAfter) {
		return fmt.Errorf("%w on %s", ErrCertificateExpired, notAfter.Format(time.RFC3339))
	}
	return nil
}

// CheckCertificateExpiration returns the whole days left until notAfter
// and a warning when fewer than ExpiryWarningDays remain.
func CheckCertificateExpiration(notAfter, now time.Time) (daysUntilExpiry int, warning string) {
	daysUntilExpiry = int(notAfter.Sub(now).Hours() / 24)
	if daysUntilExpiry < ExpiryWarningDays {
		warning = fmt.Sprintf("certificate expires in %d days (on %s)",
			daysUntilExpiry, notAfter.Format("2006-01-02"))
	}
	return daysUntilExpiry, warning
}

// CertificateInfo describes the leaf certificate served to clients.
type CertificateInfo struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	IPAddresses        []string  `json:"ip_addresses,omitempty"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm"`
}

// Check reports whether the certificate is valid at now. The warning is
// set when it expires within ExpiryWarningDays.
func (i *CertificateInfo) Check(now time.Time) (warning string, err error) {
	if err := checkValidity(i.NotBefore, i.NotAfter, now); err != nil {
		return "", err
	}
	_, warning = CheckCertificateExpiration(i.NotAfter, now)
	return warning, nil
}

func describe(cert *x509.Certificate) *CertificateInfo {
	info := &CertificateInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       fmt.Sprintf("%x", cert.SerialNumber),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		DNSNames:           cert.DNSNames,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// LoadCertificateInfo loads a PEM key pair, failing when the key does not
// match the certificate, and describes its leaf.
func LoadCertificateInfo(certFile, keyFile string) (*CertificateInfo, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	leaf, err := leafOf(&cert)
	if err != nil {
		return nil, err
	}
	return describe(leaf), nil
}
