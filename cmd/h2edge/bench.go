package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"

	"mercator-hq/h2edge/pkg/cli"
)

type benchOptions struct {
	target      string
	requests    int
	concurrency int
	proto       string
	insecure    bool
	timeout     time.Duration
	format      string
}

var benchFlags benchOptions

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load test a running proxy",
	Long: `Send GET requests to a running proxy and report throughput, latency
percentiles and status codes.

Protocols:
  h1   HTTP/1.1 (over TLS for https:// targets)
  h2   HTTP/2 over TLS with ALPN
  h2c  HTTP/2 over cleartext with prior knowledge

Examples:
  # 1000 HTTP/1.1 requests from 10 clients
  h2edge bench --target http://127.0.0.1:3000/ --requests 1000 --concurrency 10

  # HTTP/2 over TLS against a self-signed certificate
  h2edge bench --target https://127.0.0.1:3443/ --proto h2 --insecure`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cli.ParseOutputFormat(benchFlags.format)
		if err != nil {
			return err
		}
		ctx, stop := cli.SetupSignalHandler(cmd.Context())
		defer stop()

		out := cmd.OutOrStdout()
		var progress cli.ProgressReporter
		if format == cli.FormatText {
			fmt.Fprintf(out, "Target: %s (%s)\n", benchFlags.target, benchFlags.proto)
			fmt.Fprintf(out, "Requests: %d, concurrency %d\n\n", benchFlags.requests, benchFlags.concurrency)
			progress = cli.NewProgressReporter(out)
		}
		res, err := runBench(ctx, benchFlags, progress)
		if res == nil {
			return cli.NewCommandError("bench", err)
		}
		if err != nil {
			fmt.Fprintf(out, "\nInterrupted after %d requests\n", res.Succeeded+res.Failed)
		}
		return cli.NewFormatter(format).FormatTo(out, res)
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	f := benchCmd.Flags()
	f.StringVar(&benchFlags.target, "target", "http://127.0.0.1:3000/", "proxy URL")
	f.IntVarP(&benchFlags.requests, "requests", "n", 100, "total requests")
	f.IntVar(&benchFlags.concurrency, "concurrency", 1, "concurrent clients")
	f.StringVar(&benchFlags.proto, "proto", "h1", "protocol: h1, h2, h2c")
	f.BoolVarP(&benchFlags.insecure, "insecure", "k", false, "skip certificate verification")
	f.DurationVar(&benchFlags.timeout, "timeout", 10*time.Second, "per-request timeout")
	f.StringVar(&benchFlags.format, "format", "text", "output format: text, json, csv")
}

// benchResults is the outcome of a load test.
type benchResults struct {
	Requests    int            `json:"requests"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Duration    time.Duration  `json:"duration_ns"`
	Throughput  float64        `json:"throughput_rps"`
	Latency     latencySummary `json:"latency"`
	StatusCodes map[int]int    `json:"status_codes"`
	Protocols   map[string]int `json:"protocols"`
	Errors      map[string]int `json:"errors,omitempty"`
}

type latencySummary struct {
	Min  time.Duration `json:"min_ns"`
	Mean time.Duration `json:"mean_ns"`
	P50  time.Duration `json:"p50_ns"`
	P95  time.Duration `json:"p95_ns"`
	P99  time.Duration `json:"p99_ns"`
	Max  time.Duration `json:"max_ns"`
}

func (r *benchResults) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, "Results:")
	fmt.Fprintln(&b, "--------")
	fmt.Fprintf(&b, "Requests:        %d total, %d successful, %d failed\n", r.Requests, r.Succeeded, r.Failed)
	fmt.Fprintf(&b, "Duration:        %.2fs\n", r.Duration.Seconds())
	fmt.Fprintf(&b, "Throughput:      %.2f req/s\n", r.Throughput)

	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	if r.Succeeded > 0 {
		l := r.Latency
		fmt.Fprintln(&b, "\nLatency:")
		fmt.Fprintf(&b, "  Min:     %.2fms\n", ms(l.Min))
		fmt.Fprintf(&b, "  Mean:    %.2fms\n", ms(l.Mean))
		fmt.Fprintf(&b, "  p50:     %.2fms\n", ms(l.P50))
		fmt.Fprintf(&b, "  p95:     %.2fms\n", ms(l.P95))
		fmt.Fprintf(&b, "  p99:     %.2fms\n", ms(l.P99))
		fmt.Fprintf(&b, "  Max:     %.2fms\n", ms(l.Max))
	}

	codes := make([]int, 0, len(r.StatusCodes))
	for c := range r.StatusCodes {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	if len(codes) > 0 {
		fmt.Fprintln(&b, "\nStatus Codes:")
		for _, c := range codes {
			fmt.Fprintf(&b, "  %d:     %d\n", c, r.StatusCodes[c])
		}
	}
	for proto, n := range r.Protocols {
		fmt.Fprintf(&b, "Protocol %s: %d\n", proto, n)
	}
	for msg, n := range r.Errors {
		fmt.Fprintf(&b, "Error (%dx): %s\n", n, msg)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Header implements cli.Tabular.
func (r *benchResults) Header() []string { return []string{"metric", "value"} }

// Rows implements cli.Tabular.
func (r *benchResults) Rows() [][]string {
	d := func(v time.Duration) string { return strconv.FormatInt(v.Microseconds(), 10) }
	rows := [][]string{
		{"requests", strconv.Itoa(r.Requests)},
		{"succeeded", strconv.Itoa(r.Succeeded)},
		{"failed", strconv.Itoa(r.Failed)},
		{"duration_us", d(r.Duration)},
		{"throughput_rps", strconv.FormatFloat(r.Throughput, 'f', 2, 64)},
		{"latency_min_us", d(r.Latency.Min)},
		{"latency_mean_us", d(r.Latency.Mean)},
		{"latency_p50_us", d(r.Latency.P50)},
		{"latency_p95_us", d(r.Latency.P95)},
		{"latency_p99_us", d(r.Latency.P99)},
		{"latency_max_us", d(r.Latency.Max)},
	}
	codes := make([]int, 0, len(r.StatusCodes))
	for c := range r.StatusCodes {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	for _, c := range codes {
		rows = append(rows, []string{"status_" + strconv.Itoa(c), strconv.Itoa(r.StatusCodes[c])})
	}
	return rows
}

func newBenchClient(opts benchOptions) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: opts.insecure}
	var rt http.RoundTripper
	switch opts.proto {
	case "h1":
		tlsConfig.NextProtos = []string{"http/1.1"}
		rt = &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: opts.concurrency,
		}
	case "h2":
		rt = &http2.Transport{TLSClientConfig: tlsConfig}
	case "h2c":
		rt = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", opts.proto)
	}
	return &http.Client{Transport: rt, Timeout: opts.timeout}, nil
}

// runBench sends opts.requests requests from opts.concurrency goroutines.
// progress may be nil.
func runBench(ctx context.Context, opts benchOptions, progress cli.ProgressReporter) (*benchResults, error) {
	if opts.requests <= 0 {
		return nil, fmt.Errorf("invalid request count: %d", opts.requests)
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	client, err := newBenchClient(opts)
	if err != nil {
		return nil, err
	}
	defer client.CloseIdleConnections()

	res := &benchResults{
		StatusCodes: make(map[int]int),
		Protocols:   make(map[string]int),
		Errors:      make(map[string]int),
	}
	latencies := make([]time.Duration, 0, opts.requests)

	var (
		mu   sync.Mutex
		next atomic.Int64
		done atomic.Int64
		wg   sync.WaitGroup
	)
	if progress != nil {
		progress.Start(int64(opts.requests))
	}

	start := time.Now()
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(opts.requests) && ctx.Err() == nil {
				status, proto, lat, err := benchRequest(ctx, client, opts.target)

				mu.Lock()
				if err != nil {
					res.Failed++
					res.Errors[err.Error()]++
				} else {
					res.StatusCodes[status]++
					res.Protocols[proto]++
					if status < 500 {
						res.Succeeded++
						latencies = append(latencies, lat)
					} else {
						res.Failed++
					}
				}
				mu.Unlock()

				n := done.Add(1)
				if progress != nil {
					progress.Update(n)
				}
			}
		}()
	}
	wg.Wait()
	res.Duration = time.Since(start)
	res.Requests = res.Succeeded + res.Failed

	if progress != nil {
		progress.Finish()
	}
	if s := res.Duration.Seconds(); s > 0 {
		res.Throughput = float64(res.Succeeded) / s
	}
	res.Latency = summarize(latencies)
	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	return res, ctx.Err()
}

func benchRequest(ctx context.Context, client *http.Client, target string) (int, string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", 0, err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil {
		return 0, "", 0, err
	}
	return resp.StatusCode, resp.Proto, time.Since(start), nil
}

func summarize(latencies []time.Duration) latencySummary {
	if len(latencies) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	at := func(q float64) time.Duration {
		i := int(float64(len(sorted)) * q)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	return latencySummary{
		Min:  sorted[0],
		Mean: sum / time.Duration(len(sorted)),
		P50:  at(0.50),
		P95:  at(0.95),
		P99:  at(0.99),
		Max:  sorted[len(sorted)-1],
	}
}
