package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type generateOptions struct {
	hosts    string
	org      string
	validity int
	keyType  string
	keySize  int
	output   string
}

var generateFlags generateOptions

var certsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate self-signed certificate",
	Long: `Generate a self-signed TLS certificate for testing.

The certificate carries every --host as a DNS or IP Subject Alternative
Name. The private key is written with mode 0600.

Self-signed certificates are for TESTING ONLY. Use certificates from a
trusted Certificate Authority in production.

Examples:
  # ECDSA P-256 certificate for localhost
  h2edge certs generate --host localhost

  # RSA certificate for several names
  h2edge certs generate --host "localhost,127.0.0.1,edge.local" \
    --key-type rsa --key-size 3072 --output certs/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		certPath, keyPath, err := generateCertificate(generateFlags, time.Now())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Certificate: %s\n", certPath)
		fmt.Fprintf(out, "✓ Private key: %s\n", keyPath)
		return nil
	},
}

func init() {
	certsCmd.AddCommand(certsGenerateCmd)

	f := certsGenerateCmd.Flags()
	f.StringVar(&generateFlags.hosts, "host", "localhost", "comma-separated hostnames and IPs")
	f.StringVar(&generateFlags.org, "org", "h2edge", "organization name")
	f.IntVar(&generateFlags.validity, "validity", 365, "validity in days")
	f.StringVar(&generateFlags.keyType, "key-type", "ecdsa", "key type: ecdsa, rsa")
	f.IntVar(&generateFlags.keySize, "key-size", 2048, "RSA key size (2048, 3072, 4096)")
	f.StringVarP(&generateFlags.output, "output", "o", "certs", "output directory")
}

func generateCertificate(opts generateOptions, now time.Time) (certPath, keyPath string, err error) {
	if opts.validity <= 0 {
		return "", "", fmt.Errorf("invalid validity: %d days", opts.validity)
	}
	key, err := generateKey(opts.keyType, opts.keySize)
	if err != nil {
		return "", "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial number: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{opts.org},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(0, 0, opts.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if _, ok := key.(*rsa.PrivateKey); ok {
		tmpl.KeyUsage |= x509.KeyUsageKeyEncipherment
	}
	for _, h := range strings.Split(opts.hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
		if tmpl.Subject.CommonName == "" {
			tmpl.Subject.CommonName = h
		}
	}
	if tmpl.Subject.CommonName == "" {
		return "", "", fmt.Errorf("at least one host is required")
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.(crypto.Signer).Public(), key)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := os.MkdirAll(opts.output, 0o750); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	certPath = filepath.Join(opts.output, "server.crt")
	keyPath = filepath.Join(opts.output, "server.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}
	return certPath, keyPath, nil
}

func generateKey(keyType string, size int) (any, error) {
	switch keyType {
	case "ecdsa":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "rsa":
		if size != 2048 && size != 3072 && size != 4096 {
			return nil, fmt.Errorf("invalid key size: %d (must be 2048, 3072, or 4096)", size)
		}
		return rsa.GenerateKey(rand.Reader, size)
	default:
		return nil, fmt.Errorf("unsupported key type: %s", keyType)
	}
}
