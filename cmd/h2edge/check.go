package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/h2edge/pkg/cli"
	"mercator-hq/h2edge/pkg/config"
	tlsutil "mercator-hq/h2edge/pkg/security/tls"
)

var checkFlags struct {
	format string
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the configuration",
	Long: `Load and validate the configuration file, then load the TLS
certificate when TLS is enabled.

The command exits non-zero when the configuration is invalid or the
certificate cannot be loaded. A certificate expiring within 30 days is
reported as a warning.

Examples:
  # Check the default configuration file
  h2edge check

  # Check a specific file and print JSON
  h2edge check --config /etc/h2edge/config.yaml --format json`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkFlags.format, "format", "text", "output format: text, json")
}

type checkReport struct {
	Config          string                   `json:"config"`
	ListenAddress   string                   `json:"listen_address"`
	Workers         int                      `json:"workers"`
	Backend         string                   `json:"backend"`
	BackendProtocol string                   `json:"backend_protocol"`
	TLS             bool                     `json:"tls"`
	ALPN            []string                 `json:"alpn,omitempty"`
	H2CUpgrade      bool                     `json:"h2c_upgrade"`
	AccessLogSinks  []string                 `json:"access_log_sinks"`
	Certificate     *tlsutil.CertificateInfo `json:"certificate,omitempty"`
	Warnings        []string                 `json:"warnings,omitempty"`
}

func (r checkReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Configuration valid: %s\n", r.Config)
	fmt.Fprintf(&b, "  Listen:      %s (%d workers)\n", r.ListenAddress, r.Workers)
	fmt.Fprintf(&b, "  Backend:     %s (%s)\n", r.Backend, r.BackendProtocol)
	if r.TLS {
		fmt.Fprintf(&b, "  TLS:         enabled, ALPN %s\n", strings.Join(r.ALPN, ", "))
	} else {
		fmt.Fprintf(&b, "  TLS:         disabled, h2c upgrade %t\n", r.H2CUpgrade)
	}
	fmt.Fprintf(&b, "  Access log:  %s", strings.Join(r.AccessLogSinks, ", "))
	if c := r.Certificate; c != nil {
		fmt.Fprintf(&b, "\n✓ Certificate: %s (valid until %s)", c.Subject, c.NotAfter.Format("2006-01-02"))
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n⚠  %s", w)
	}
	return b.String()
}

func runCheck(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(checkFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	report, err := buildCheckReport(cfg, cfgFile, time.Now())
	if err != nil {
		return cli.NewCommandError("check", err)
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), report)
}

func buildCheckReport(cfg *config.Config, path string, now time.Time) (checkReport, error) {
	if err := config.Validate(cfg); err != nil {
		return checkReport{}, err
	}

	r := checkReport{
		Config:          path,
		ListenAddress:   cfg.Frontend.ListenAddress,
		Workers:         cfg.Frontend.Workers,
		Backend:         cfg.Backend.Address,
		BackendProtocol: cfg.Backend.Protocol,
		TLS:             cfg.Security.TLS.Enabled,
		H2CUpgrade:      config.BoolValue(cfg.Frontend.HTTP2Upgrade, true),
		AccessLogSinks:  cfg.AccessLog.Sinks,
	}
	if !config.BoolValue(cfg.AccessLog.Enabled, true) {
		r.AccessLogSinks = nil
	}

	if !r.TLS {
		return r, nil
	}
	r.ALPN = cfg.Security.TLS.NextProtos
	info, err := tlsutil.LoadCertificateInfo(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
	if err != nil {
		return checkReport{}, err
	}
	r.Certificate = info
	warning, err := info.Check(now)
	if err != nil {
		return checkReport{}, err
	}
	if warning != "" {
		r.Warnings = append(r.Warnings, warning)
	}
	return r, nil
}
