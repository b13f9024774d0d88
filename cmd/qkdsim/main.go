package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/qkd-network-simulator/internal/config"
	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/observability"
	"github.com/signalsfoundry/qkd-network-simulator/internal/sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "qkdsim:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "qkdsim",
		Short:         "Discrete-event MDI-QKD network simulator with GHZ entanglement recycling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file")
	root.AddCommand(runCommand(out))
	return root
}

func runCommand(out io.Writer) *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs the simulation for a fixed simulated duration",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runFunc(c, out)
		},
	}
	config.RegisterFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, out io.Writer) error {
	v := config.NewViper()
	if err := config.BindFlags(v, c.Flags()); err != nil {
		return err
	}
	cfgFile, _ := c.Flags().GetString("config")
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	ctx := c.Context()
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ObservabilityTracing(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSimCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if srv := serveMetrics(cfg.Metrics.Addr, collector, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine, err := sim.NewEngine(cfg, sim.WithLogger(log), sim.WithCollector(collector))
	if err != nil {
		return err
	}
	sum, runErr := engine.Run(ctx, cfg.Sim.Duration)

	if cfg.Events.Output != "" {
		if err := writeEvents(cfg.Events.Output, engine.Events()); err != nil {
			return err
		}
		log.Info(ctx, "event log written", logging.String("path", cfg.Events.Output))
	}
	printSummary(out, sum)
	return runErr
}

func serveMetrics(addr string, collector *observability.SimCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Error(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func writeEvents(path string, evs []events.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create event log: %w", err)
	}
	if err := events.WriteJSONLines(f, evs); err != nil {
		_ = f.Close()
		return fmt.Errorf("write event log: %w", err)
	}
	return f.Close()
}

func printSummary(out io.Writer, sum sim.Summary) {
	fmt.Fprintf(out, "run %s: %s simulated, %d events\n", sum.RunID, sum.SimTime, sum.EventsRun)
	fmt.Fprintf(out, "  routing cycles:   %d\n", sum.RoutingCycles)

	nodes := make([]string, 0, len(sum.KeyLengths))
	for node := range sum.KeyLengths {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		fmt.Fprintf(out, "  key pool %-8s %d bits (target reached: %t)\n", node+":", sum.KeyLengths[node], sum.KeysDone[node])
	}
	fmt.Fprintf(out, "  GHZ distributed:  %d\n", sum.GHZDistributed)
	fmt.Fprintf(out, "  entanglement pool: %d\n", sum.PoolSize)
}
