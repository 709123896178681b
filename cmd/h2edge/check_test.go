package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"mercator-hq/h2edge/pkg/cli"
	"mercator-hq/h2edge/pkg/config"
)

func TestBuildCheckReport_Cleartext(t *testing.T) {
	cfg := config.Default()
	cfg.Frontend.HTTP2Upgrade = config.Bool(false)

	r, err := buildCheckReport(cfg, "config.yaml", time.Now())
	if err != nil {
		t.Fatalf("buildCheckReport() error = %v", err)
	}
	if r.TLS || r.Certificate != nil || r.H2CUpgrade {
		t.Errorf("report = %+v", r)
	}
	if r.ListenAddress != config.DefaultListenAddress {
		t.Errorf("ListenAddress = %q", r.ListenAddress)
	}
	if !strings.Contains(r.String(), "h2c upgrade false") {
		t.Errorf("text report:\n%s", r.String())
	}
}

func TestBuildCheckReport_TLS(t *testing.T) {
	certPath, keyPath, err := generateCertificate(generateOptions{
		hosts: "localhost", validity: 365, keyType: "ecdsa", output: t.TempDir(),
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Security.TLS.Enabled = true
	cfg.Security.TLS.CertFile = certPath
	cfg.Security.TLS.KeyFile = keyPath

	r, err := buildCheckReport(cfg, "edge.yaml", time.Now())
	if err != nil {
		t.Fatalf("buildCheckReport() error = %v", err)
	}
	if r.Certificate == nil || len(r.Warnings) != 0 {
		t.Fatalf("report = %+v", r)
	}

	var buf bytes.Buffer
	if err := cli.NewFormatter(cli.FormatJSON).FormatTo(&buf, r); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["tls"] != true || decoded["certificate"] == nil {
		t.Errorf("JSON report = %s", buf.String())
	}

	soon := time.Now().AddDate(0, 0, 350)
	r, err = buildCheckReport(cfg, "edge.yaml", soon)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("warnings near expiry = %v", r.Warnings)
	}

	if _, err := buildCheckReport(cfg, "edge.yaml", time.Now().AddDate(2, 0, 0)); err == nil {
		t.Error("expired certificate accepted")
	}
}

func TestBuildCheckReport_Invalid(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Address = ""
	if _, err := buildCheckReport(cfg, "config.yaml", time.Now()); err == nil {
		t.Error("invalid configuration accepted")
	}
}
