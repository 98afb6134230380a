package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/discovery"
	"github.com/stratis-storage/stratisd-engine/pkg/engine"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/log"
	"github.com/stratis-storage/stratisd-engine/pkg/metrics"
	"github.com/stratis-storage/stratisd-engine/pkg/pool"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/simbackend"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
)

// Distinguished process exit codes, per spec.md §6.4.
const (
	exitGeneral = iota + 1
	exitDiscoverySourceBindFailure
	exitRequestEndpointBindFailure
	exitFatalConsistencyError
)

// exitError pairs an error with the distinguished exit code main
// should report for it, so runDaemon stays a normal error-returning
// RunE and every os.Exit call stays in one place, in main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stratisd: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitGeneral)
	}
}

var rootCmd = &cobra.Command{
	Use:     "stratisd",
	Short:   "stratisd-engine: a pool/filesystem volume-management daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("stratisd-engine version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a YAML configuration file (pkg/sconfig.Config)")
	rootCmd.Flags().Bool("sim", false, "Use the in-process simulated device-mapper backend instead of dmsetup(8)")
	rootCmd.Flags().String("sim-db", "/var/lib/stratisd/sim.db", "Backing bbolt file for --sim's simulated device table")
	rootCmd.Flags().String("device-glob", "/dev/stratis-candidates/*", "Glob of candidate block device paths probed for Stratis headers")
	rootCmd.Flags().Duration("scan-interval", 10*time.Second, "How often to re-scan device-glob for newly attached devices")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Bind address for /metrics, /health, /ready, /live")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := sconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	useSim, _ := cmd.Flags().GetBool("sim")
	simDBPath, _ := cmd.Flags().GetString("sim-db")
	deviceGlob, _ := cmd.Flags().GetString("device-glob")
	scanInterval, _ := cmd.Flags().GetDuration("scan-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	backend, keyring, err := buildBackend(useSim, simDBPath)
	if err != nil {
		return &exitError{code: exitDiscoverySourceBindFailure, err: err}
	}
	if closer, ok := backend.SimCloser(); ok {
		defer closer.Close()
	}

	registry := pool.NewRegistry(cfg, broker, backend.Backend, crypt.NopKeystore{}, keyring, nil)
	eng := engine.New(registry, cfg.RunDir)

	prober := discovery.RealProber{}
	pipeline := discovery.New(prober, eng.StartAuto, broker)

	scanner := newDeviceScanner(deviceGlob, prober, pipeline)
	fed, err := scanner.scanOnce(context.Background())
	if err != nil {
		return &exitError{code: exitDiscoverySourceBindFailure,
			err: fmt.Errorf("initial device scan of %q: %w", deviceGlob, err)}
	}
	log.Logger.Info().Int("devices", fed).Str("glob", deviceGlob).Msg("initial device scan complete")

	if errored := pipeline.ErroredPools(); len(errored) > 0 {
		for _, id := range errored {
			log.Logger.Error().Str("pool_id", id.String()).Msg("pool has divergent metadata histories across devices, refusing to start")
		}
		return &exitError{code: exitFatalConsistencyError,
			err: fmt.Errorf("%d pool(s) have divergent metadata histories", len(errored))}
	}

	// eng.StartAuto, invoked by pipeline's scan above, is this daemon's
	// whole "request endpoint": the bus/RPC surface spec.md explicitly
	// puts out of scope. Its construction above is the closest analog
	// to a bind failure for that surface, and engine.New never returns
	// an error, so exitRequestEndpointBindFailure has no live call site
	// today; it stays defined for the exit-code taxonomy spec.md names.

	scanner.Start(scanInterval)
	defer scanner.Stop()

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("discovery", true, "scanning")
	metrics.RegisterComponent("pool_registry", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	srvErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErrCh <- err
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-srvErrCh:
		log.Logger.Error().Err(err).Msg("metrics endpoint listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("stratisd: metrics server shutdown", err)
	}

	return nil
}

// daemonBackend bundles the device stack backend with the (possibly
// nil) simulated bbolt store it owns, so callers can close it without
// caring which mode they're in.
type daemonBackend struct {
	Backend *stack.Backend
	sim     *simbackend.SimBackend
}

func (b *daemonBackend) SimCloser() (*simbackend.SimBackend, bool) {
	return b.sim, b.sim != nil
}

func buildBackend(useSim bool, simDBPath string) (*daemonBackend, crypt.Keyring, error) {
	if !useSim {
		return &daemonBackend{Backend: stack.NewRealBackend()}, crypt.RealKeyring{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(simDBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create sim db directory: %w", err)
	}
	sim, err := simbackend.New(simDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open simulated backend: %w", err)
	}
	return &daemonBackend{Backend: stack.NewSimBackend(sim), sim: sim}, crypt.NewSimKeyring(), nil
}
