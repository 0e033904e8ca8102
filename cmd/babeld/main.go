// Package main is the entry point for the babeld binary.
// It wires all internal packages together and starts the control socket.
//
// Startup sequence (mirrors agent/cmd/agent/main.go's phase ordering):
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Install signal context
//  4. Open the job state store; build the control-plane client and Job
//     Supervisor
//  5. Reconcile the job table against any processes left running by a
//     previous instance
//  6. Open the secret store and datastore, load node params, build the
//     Plugin Runtime Bridge
//  7. Start the metrics HTTP listener and the control socket
//  8. Block until SIGINT/SIGTERM, then stop every job gracefully before
//     tearing down
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/config"
	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/datastore"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/logging"
	"github.com/blockjoy/babel/internal/metrics"
	"github.com/blockjoy/babel/internal/plugin"
	"github.com/blockjoy/babel/internal/secretstore"
	"github.com/blockjoy/babel/internal/socket"
	"github.com/blockjoy/babel/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "babeld",
		Short: "babeld — host-side job supervisor",
		Long: `babeld runs on each node host, supervising the shell, download, and
upload jobs a plugin schedules through the Plugin Runtime Bridge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.NodeID, "node-id", config.EnvOrDefault("BABELD_NODE_ID", ""), "node identifier presented to the control plane")
	root.PersistentFlags().StringVar(&cfg.ControlPlaneURL, "control-plane-url", config.EnvOrDefault("BABELD_CONTROL_PLANE_URL", cfg.ControlPlaneURL), "base URL of the archive control plane")
	root.PersistentFlags().StringVar(&cfg.StateDir, "state-dir", config.EnvOrDefault("BABELD_STATE_DIR", cfg.StateDir), "directory for job state, secrets, and opaque plugin data")
	root.PersistentFlags().StringVar(&cfg.ProtocolDataRoot, "protocol-data-root", config.EnvOrDefault("BABELD_PROTOCOL_DATA_ROOT", cfg.ProtocolDataRoot), "directory download/upload jobs operate on")
	root.PersistentFlags().StringVar(&cfg.SocketPath, "socket-path", config.EnvOrDefault("BABELD_SOCKET_PATH", cfg.SocketPath), "Unix domain socket the Plugin Runtime Bridge listens on")
	root.PersistentFlags().StringVar(&cfg.SecretKeyHex, "secret-key-hex", config.EnvOrDefault("BABELD_SECRET_KEY_HEX", ""), "hex-encoded 32-byte AES-256 key for the secret store")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("BABELD_LOG_LEVEL", cfg.LogLevel), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", config.EnvOrDefault("BABELD_METRICS_ADDR", cfg.MetricsAddr), "address the Prometheus /metrics endpoint binds to (empty disables it)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("babeld %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SecretKeyHex == "" {
		logger.Warn("secret-key-hex not configured — get_secret/put_secret will fail until BABELD_SECRET_KEY_HEX is set")
	}

	logger.Info("starting babeld",
		zap.String("version", version),
		zap.String("node_id", cfg.NodeID),
		zap.String("control_plane_url", cfg.ControlPlaneURL),
		zap.String("state_dir", cfg.StateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.ProtocolDataRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create protocol data root: %w", err)
	}

	store := jobstore.New(cfg.StateDir)
	cp := controlplane.New(cfg.ControlPlaneURL, logger)
	sup := supervisor.New(store, cp, cfg.ProtocolDataRoot, logger)

	if err := sup.Reconcile(ctx); err != nil {
		logger.Warn("job reconciliation failed, continuing with the jobs loaded so far", zap.Error(err))
	}

	secretKey, err := resolveSecretKey(cfg.SecretKeyHex)
	if err != nil {
		return fmt.Errorf("invalid secret key: %w", err)
	}
	secrets, err := secretstore.New(cfg.StateDir+"/secrets", secretKey)
	if err != nil {
		return fmt.Errorf("failed to open secret store: %w", err)
	}
	data := datastore.New(cfg.StateDir + "/data")

	nodeParams, err := loadNodeParams(cfg.StateDir + "/node-params.json")
	if err != nil {
		logger.Warn("failed to load node params, continuing with none", zap.Error(err))
		nodeParams = map[string]string{}
	}

	bridge := plugin.New(sup, secrets, data, nodeParams,
		plugin.NodeEnv{NodeID: cfg.NodeID, ProtocolDataPath: cfg.ProtocolDataRoot},
		cfg.ProtocolDataRoot, logger)
	dispatch := plugin.NewDispatch(bridge)
	sockSrv := socket.New(cfg.SocketPath, dispatch, logger)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	go sampleDiskUsageLoop(ctx, cfg.ProtocolDataRoot, logger)

	sockErrCh := make(chan error, 1)
	go func() { sockErrCh <- sockSrv.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-sockErrCh:
		if err != nil {
			logger.Error("control socket stopped unexpectedly", zap.Error(err))
		}
	}

	// Stop every job gracefully, honoring each job's own
	// shutdown_timeout_secs, before the root context tears down anything
	// job goroutines are still relying on (§4.2: never escalate to
	// SIGKILL on our own initiative).
	shutdownJobs(sup, logger)

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("babeld stopped")
	return nil
}

func shutdownJobs(sup *supervisor.Supervisor, logger *zap.Logger) {
	stopCtx := context.Background()
	for _, name := range sup.ListJobs() {
		if err := sup.StopJob(stopCtx, name); err != nil {
			logger.Warn("job did not stop cleanly", zap.String("job", name), zap.Error(err))
		}
	}
}

func sampleDiskUsageLoop(ctx context.Context, path string, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.SampleDiskUsage(ctx, path); err != nil {
				logger.Debug("disk usage sample failed", zap.Error(err))
			}
		}
	}
}

func resolveSecretKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		// A zero key still lets the store construct; get_secret/put_secret
		// will simply fail until a real key is configured.
		return make([]byte, 32), nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret-key-hex is not valid hex: %w", err)
	}
	return key, nil
}

func loadNodeParams(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var params map[string]string
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("malformed node params file: %w", err)
	}
	return params, nil
}
