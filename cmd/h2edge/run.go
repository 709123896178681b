package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/h2edge/pkg/cli"
	"mercator-hq/h2edge/pkg/config"
	"mercator-hq/h2edge/pkg/server"
	"mercator-hq/h2edge/pkg/telemetry"
)

var runFlags struct {
	listenAddress string
	backend       string
	workers       int
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy with the specified configuration.

The proxy listens on frontend.listen_address and forwards every request to
backend.address. Metrics and health endpoints are served on
telemetry.metrics.listen_address.

SIGINT and SIGTERM shut the proxy down gracefully; SIGHUP reloads the TLS
certificate.

Examples:
  # Start with default config
  h2edge run

  # Start with custom config
  h2edge run --config /etc/h2edge/config.yaml

  # Override listen address and backend
  h2edge run --listen 0.0.0.0:8443 --backend 10.0.0.5:8080

  # Validate config without starting the proxy
  h2edge run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.backend, "backend", "", "override backend address")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "override number of workers")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the proxy")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError(cfgFile, err)
	}

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	tel, err := telemetry.New(&cfg.Telemetry, os.Stdout)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()
	slog.SetDefault(tel.Logger.Slog())

	srv := server.NewServer(cfg, tel,
		server.WithSignals(),
		server.WithVersion(Version, GitCommit, BuildDate),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cmd.Context())
	}()

	select {
	case <-srv.Ready():
		printBanner(out, cfg, srv)
	case err := <-errChan:
		return cli.NewCommandError("run", err)
	}

	if err := <-errChan; err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "✓ Proxy stopped")
	return nil
}

func applyRunOverrides(cfg *config.Config) {
	if runFlags.listenAddress != "" {
		cfg.Frontend.ListenAddress = runFlags.listenAddress
	}
	if runFlags.backend != "" {
		cfg.Backend.Address = runFlags.backend
	}
	if runFlags.workers > 0 {
		cfg.Frontend.Workers = runFlags.workers
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
}

func printBanner(w io.Writer, cfg *config.Config, srv *server.Server) {
	scheme := "http"
	if cfg.Security.TLS.Enabled {
		scheme = "https"
	}
	fmt.Fprintf(w, "h2edge v%s\n", Version)
	fmt.Fprintf(w, "✓ Listening on %s://%s (%d workers)\n", scheme, srv.Addr(), len(srv.Workers()))
	fmt.Fprintf(w, "✓ Backend: %s (%s)\n", cfg.Backend.Address, cfg.Backend.Protocol)
	if addr := srv.AdminAddr(); addr != nil {
		fmt.Fprintf(w, "✓ Metrics endpoint: http://%s%s\n", addr, cfg.Telemetry.Metrics.Path)
		fmt.Fprintf(w, "✓ Health endpoint: http://%s/readyz\n", addr)
	}
	fmt.Fprintln(w, "\nPress Ctrl+C to stop")
}
