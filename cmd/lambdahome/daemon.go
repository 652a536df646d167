package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fearlessfara/lambdahome/internal/autoscaler"
	"github.com/fearlessfara/lambdahome/internal/codestore"
	"github.com/fearlessfara/lambdahome/internal/concurrency"
	"github.com/fearlessfara/lambdahome/internal/config"
	"github.com/fearlessfara/lambdahome/internal/controlplane"
	"github.com/fearlessfara/lambdahome/internal/dispatcher"
	"github.com/fearlessfara/lambdahome/internal/grpcapi"
	"github.com/fearlessfara/lambdahome/internal/idlewatchdog"
	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/metrics"
	"github.com/fearlessfara/lambdahome/internal/observability"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/runtimeapi"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/sandbox/dockerdriver"
	"github.com/fearlessfara/lambdahome/internal/sandbox/vsockdriver"
	"github.com/fearlessfara/lambdahome/internal/store"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the lambdahome dispatcher daemon",
		Long:  "Runs the control-plane HTTP surface, the Runtime API, the warm pool's autoscaler and idle watchdog, and (optionally) the admin gRPC surface.",
		RunE:  runDaemon,
	}
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.Init(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	fnStore, err := store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open function store: %w", err)
	}
	defer fnStore.Close()

	codeStore, err := codestore.New(ctx, codestore.Config{
		Bucket:       cfg.S3.Bucket,
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		UsePathStyle: cfg.S3.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("open code store: %w", err)
	}

	driver, err := buildDriver(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("build sandbox driver: %w", err)
	}

	queues := queue.New()
	if cfg.Redis.Enabled {
		fanout, err := queue.NewRedisFanout(cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			logging.Op().Warn("daemon: redis fanout disabled", "error", err)
		} else {
			queues.SetFanout(fanout)
			defer fanout.Close()
		}
	}
	pendingReg := pending.New()
	limiter := concurrency.New()
	pool := warmpool.New()

	observer := dispatcher.NoopObserver{}
	disp := dispatcher.New(fnStore, codeStore, driver, queues, pendingReg, limiter, pool, observer,
		dispatcher.Config{StartupBuffer: cfg.Dispatcher.StartupBuffer})

	as := autoscaler.New(pool, queues, fnStore, codeStore, driver, autoscaler.Config{
		Interval:                 cfg.Autoscaler.Interval,
		GlobalMaxContainers:      cfg.Autoscaler.GlobalMaxContainers,
		PerFunctionMaxContainers: cfg.Autoscaler.PerFunctionMaxContainers,
	})
	as.Start(ctx)
	defer as.Stop()

	watchdog := idlewatchdog.New(pool, driver, idlewatchdog.Config{
		Interval:          cfg.IdleWatchdog.Interval,
		SoftIdle:          cfg.IdleWatchdog.SoftIdle,
		HardIdle:          cfg.IdleWatchdog.HardIdle,
		MaxAge:            cfg.IdleWatchdog.MaxAge,
		MaxStoppedPerLane: cfg.IdleWatchdog.MaxStoppedPerLane,
	})
	watchdog.Start(ctx)
	defer watchdog.Stop()

	var grpcServer *grpcapi.AdminServer
	if cfg.GRPC.Enabled {
		grpcServer = grpcapi.New(pool, queues, pendingReg, driver)
		if err := grpcServer.Start(cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("start grpc admin server: %w", err)
		}
		defer grpcServer.Stop()
	}

	cpAPI := controlplane.New(disp)
	cpServer := &http.Server{Addr: cfg.ControlPlane.Addr, Handler: cpAPI.Mux()}

	rtAPI := runtimeapi.New(queues, pendingReg, pool, runtimeapi.Config{
		AllowMissingInstanceID: cfg.RuntimeAPI.AllowMissingInstanceID,
	}, observer)
	rtMux := rtAPI.Mux()
	if cfg.Observability.Metrics.Enabled {
		rtMux.Handle("/metrics", metrics.Global().Handler())
	}
	rtServer := &http.Server{Addr: cfg.RuntimeAPI.Addr, Handler: rtMux}

	errCh := make(chan error, 2)
	go func() {
		logging.Op().Info("control plane listening", "addr", cfg.ControlPlane.Addr)
		if err := cpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control plane: %w", err)
		}
	}()
	go func() {
		logging.Op().Info("runtime api listening", "addr", cfg.RuntimeAPI.Addr)
		if err := rtServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("runtime api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logging.Op().Info("daemon: shutting down")
	case err := <-errCh:
		logging.Op().Error("daemon: server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = cpServer.Shutdown(shutdownCtx)
	_ = rtServer.Shutdown(shutdownCtx)
	for _, inst := range pool.DrainAll() {
		handle := sandbox.Handle{InstanceID: inst.InstanceID, ContainerID: inst.ContainerID, Endpoint: inst.Endpoint}
		_ = driver.Stop(shutdownCtx, handle)
	}
	return nil
}

func buildDriver(cfg config.SandboxConfig) (sandbox.Driver, error) {
	switch cfg.Backend {
	case "", "docker":
		return dockerdriver.New(dockerdriver.Config{
			ImagePrefix:    cfg.Docker.ImagePrefix,
			Network:        cfg.Docker.Network,
			PortRangeMin:   cfg.Docker.PortRangeMin,
			PortRangeMax:   cfg.Docker.PortRangeMax,
			AgentTimeout:   10 * time.Second,
			ContainerLabel: cfg.Docker.ContainerLabel,
		})
	case "vsock":
		return vsockdriver.New(noopVMProvisioner{}, 100), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

// noopVMProvisioner is a placeholder vsockdriver.VMProvisioner: a real
// deployment wires this to whatever microVM manager launches the guest
// lambdahome talks to over AF_VSOCK. Kept here so the config setting
// `sandbox.backend: vsock` is at least wireable end to end without a second daemon binary.
type noopVMProvisioner struct{}

func (noopVMProvisioner) LaunchVM(ctx context.Context, instanceID string, cid uint32) error {
	return fmt.Errorf("vsock backend requires a VM provisioner; none configured")
}

func (noopVMProvisioner) PauseVM(ctx context.Context, instanceID string) error {
	return fmt.Errorf("vsock backend requires a VM provisioner; none configured")
}

func (noopVMProvisioner) TerminateVM(ctx context.Context, instanceID string) error {
	return fmt.Errorf("vsock backend requires a VM provisioner; none configured")
}

func (noopVMProvisioner) IsRunning(ctx context.Context, instanceID string) (bool, error) {
	return false, fmt.Errorf("vsock backend requires a VM provisioner; none configured")
}

var _ = os.Stdout // keep os imported for future CLI output hooks without churn
