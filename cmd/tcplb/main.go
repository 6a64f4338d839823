// Command tcplb runs the TCP load balancer: it accepts client connections
// on a listening port and relays each one to the next upstream host, in
// round-robin order over a configured host list, that is not on cooldown.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryshana/tcplb/internal/balancer"
	"github.com/cryshana/tcplb/internal/hostset"
	"github.com/cryshana/tcplb/internal/logx"
	"github.com/cryshana/tcplb/internal/metrics"
)

const (
	exitOK         = 0
	exitBadConfig  = 1
	exitBindFailed = 2
)

var (
	hostsFile   string
	workerCount int
	metricsAddr string
	verbose     bool
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if code, ok := err.(exitError); ok {
			return int(code)
		}
		return exitBadConfig
	}
	return exitOK
}

// exitError lets the RunE closure below signal a specific process exit
// code without cobra printing its own duplicate error line for failures
// we've already logged ourselves.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcplb <port>",
		Short: "A round-robin TCP load balancer",
		Args:  cobra.ExactArgs(1),
		RunE:  runBalancer,
	}

	cmd.Flags().StringVar(&hostsFile, "hosts", "hosts", "path to the upstream host list")
	cmd.Flags().IntVar(&workerCount, "workers", 4, "number of worker event loops")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	return cmd
}

func runBalancer(cmd *cobra.Command, args []string) error {
	// Failures past argument validation are logged here; keep cobra from
	// printing its own "Error: exit code N" line for them.
	cmd.SilenceErrors = true
	setupLogging(verbose)

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		logx.Errorf("cmd", -1, "invalid port", err, map[string]any{"port": args[0]})
		return exitError(exitBadConfig)
	}

	endpoints, err := hostset.ParseFile(hostsFile)
	if err != nil {
		logx.Errorf("cmd", -1, "failed to read host list", err, map[string]any{"path": hostsFile})
		return exitError(exitBadConfig)
	}
	hosts, err := hostset.NewSet(endpoints)
	if err != nil {
		logx.Infof("cmd", -1, "host list resolved to zero usable endpoints, exiting", map[string]any{"path": hostsFile})
		return nil
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	stopMetricsServer := maybeServeMetrics(metricsAddr, reg)
	if stopMetricsServer != nil {
		defer stopMetricsServer()
	}

	b, err := balancer.New(balancer.Config{
		Port:        port,
		Hosts:       hosts,
		WorkerCount: workerCount,
		Metrics:     m,
	})
	if err != nil {
		logx.Errorf("cmd", -1, "failed to start", err, map[string]any{"port": port})
		return exitError(exitBindFailed)
	}

	logx.Infof("cmd", -1, "listening", map[string]any{"port": port, "workers": workerCount, "hosts": hosts.Len()})
	if err := b.RunUntilSignal(); err != nil {
		logx.Errorf("cmd", -1, "balancer exited with error", err, nil)
		return exitError(exitBindFailed)
	}
	return nil
}

func setupLogging(verbose bool) {
	base := logrus.New()
	if verbose {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
	logx.SetDefault(logx.NewLogrusLogger(base))
	logx.SetDebugEnabled(verbose)
}

// maybeServeMetrics starts a background HTTP server exposing reg on addr,
// if addr is non-empty. The returned func stops it; nil if metrics were
// disabled.
func maybeServeMetrics(addr string, reg *prometheus.Registry) func() {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Errorf("cmd", -1, "metrics server failed", err, map[string]any{"addr": addr})
		}
	}()

	return func() { _ = srv.Close() }
}
