package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/h2edge/pkg/accesslog"
	"mercator-hq/h2edge/pkg/cli"
	"mercator-hq/h2edge/pkg/config"
)

var accessLogFlags struct {
	limit  int
	format string
	days   int
}

var accessLogCmd = &cobra.Command{
	Use:   "accesslog",
	Short: "Inspect the SQLite access log",
	Long: `Inspect and maintain the SQLite access log configured under
access_log.sqlite.

Examples:
  # Show the 20 most recent transactions
  h2edge accesslog tail --limit 20

  # Same, as JSON
  h2edge accesslog tail --format json

  # Delete records older than 7 days
  h2edge accesslog prune --days 7`,
}

var accessLogTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent access log records",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseOutputFormat(accessLogFlags.format)
		if err != nil {
			return err
		}
		sink, err := openAccessLog(cmd)
		if err != nil {
			return err
		}
		defer sink.Close()

		records, err := sink.Recent(cmd.Context(), accessLogFlags.limit)
		if err != nil {
			return cli.NewCommandError("accesslog tail", err)
		}
		out := cmd.OutOrStdout()
		switch format {
		case cli.FormatJSON:
			return cli.NewFormatter(format).FormatTo(out, records)
		case cli.FormatCSV:
			return cli.NewFormatter(format).FormatTo(out, recordTable(records))
		default:
			return writeRecordTable(out, records)
		}
	},
}

var accessLogPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old access log records",
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, err := openAccessLog(cmd)
		if err != nil {
			return err
		}
		defer sink.Close()

		days := accessLogFlags.days
		if !cmd.Flags().Changed("days") {
			days = config.GetConfig().AccessLog.Retention.Days
		}
		if days <= 0 {
			return fmt.Errorf("retention is disabled; pass --days")
		}
		pruner := accesslog.NewPruner(sink, accesslog.RetentionConfig{Days: days}, quietLogger())
		deleted, err := pruner.Prune(cmd.Context())
		if err != nil {
			return cli.NewCommandError("accesslog prune", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %d records older than %d days\n", deleted, days)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accessLogCmd)
	accessLogCmd.AddCommand(accessLogTailCmd, accessLogPruneCmd)

	accessLogTailCmd.Flags().IntVarP(&accessLogFlags.limit, "limit", "n", 50, "number of records")
	accessLogTailCmd.Flags().StringVar(&accessLogFlags.format, "format", "text", "output format: text, json, csv")
	accessLogPruneCmd.Flags().IntVar(&accessLogFlags.days, "days", 0, "retention in days (default access_log.retention.days)")
}

// openAccessLog opens the configured SQLite sink.
func openAccessLog(cmd *cobra.Command) (*accesslog.SQLiteSink, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	sc := cfg.AccessLog.SQLite
	sink, err := accesslog.NewSQLiteSink(accesslog.SQLiteConfig{
		Path:         sc.Path,
		Driver:       sc.Driver,
		WALMode:      config.BoolValue(sc.WALMode, true),
		BusyTimeout:  sc.BusyTimeout,
		AsyncBuffer:  1,
		WriteTimeout: sc.WriteTimeout,
	}, quietLogger())
	if err != nil {
		return nil, cli.NewCommandError("accesslog", err)
	}
	return sink, nil
}

// recordTable lists access log records as rows.
type recordTable []accesslog.Record

// Header implements cli.Tabular.
func (t recordTable) Header() []string {
	return []string{"TIME", "CLIENT", "ALPN", "PROTO", "METHOD", "AUTHORITY", "PATH", "STATUS", "BYTES", "DURATION"}
}

// Rows implements cli.Tabular.
func (t recordTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		alpn := r.ALPN
		if alpn == "" {
			alpn = "-"
		}
		rows = append(rows, []string{
			r.Time.Format(time.RFC3339),
			clientAddr(r),
			alpn,
			fmt.Sprintf("HTTP/%d.%d", r.ProtoMajor, r.ProtoMinor),
			r.Method,
			r.Authority,
			r.Path,
			strconv.Itoa(r.Status),
			strconv.FormatInt(r.BodyBytes, 10),
			r.Duration.Round(time.Microsecond).String(),
		})
	}
	return rows
}

func writeRecordTable(w io.Writer, records []accesslog.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No access log records found.")
		return err
	}
	t := recordTable(records)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Header(), "\t"))
	for _, row := range t.Rows() {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func clientAddr(r accesslog.Record) string {
	if strings.Contains(r.ClientIP, ":") {
		return "[" + r.ClientIP + "]:" + r.ClientPort
	}
	return r.ClientIP + ":" + r.ClientPort
}

func quietLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
