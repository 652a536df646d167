// Package autoscaler implements the periodic lane-growth loop of
// spec.md §4.9: for each function lane, compare queue depth against
// idle/stopped capacity and create or resume an instance ahead of
// demand, staying under the per-function and global caps.
//
// Grounded on oriys-nova/internal/autoscaler's ticker/evaluate loop
// shape, narrowed to spec.md's queue-depth-driven policy; the
// teacher's EMA-smoothed latency/cold-start signals, predictive
// checkpointing, and cluster-aware prewarm are out of scope here.
package autoscaler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/metrics"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

// FunctionLister enumerates the functions the autoscaler should
// consider on each tick. A function with no lane yet (zero queue
// depth, zero instances) is skipped cheaply.
type FunctionLister interface {
	ListFunctions(ctx context.Context) ([]*domain.FunctionMeta, error)
}

// CodeProvisioner mirrors dispatcher.CodeProvisioner; kept as its own
// interface so this package does not import dispatcher for a single
// method.
type CodeProvisioner interface {
	EnsureCodeReady(ctx context.Context, fn *domain.FunctionMeta) (codePath string, err error)
}

// Config holds the tunables spec.md §5 calls out as configuration:
// global and per-function container caps, plus the tick interval.
type Config struct {
	Interval                time.Duration
	GlobalMaxContainers     int
	PerFunctionMaxContainers int
}

// DefaultConfig returns conservative defaults for local/dev use.
func DefaultConfig() Config {
	return Config{
		Interval:                 500 * time.Millisecond,
		GlobalMaxContainers:      256,
		PerFunctionMaxContainers: 16,
	}
}

// Autoscaler runs the periodic per-lane capacity check.
type Autoscaler struct {
	pool        *warmpool.Pool
	queues      *queue.Queues
	store       FunctionLister
	provisioner CodeProvisioner
	driver      sandbox.Driver
	cfg         Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Autoscaler from its collaborators.
func New(pool *warmpool.Pool, queues *queue.Queues, store FunctionLister,
	provisioner CodeProvisioner, driver sandbox.Driver, cfg Config) *Autoscaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Autoscaler{
		pool: pool, queues: queues, store: store,
		provisioner: provisioner, driver: driver, cfg: cfg,
	}
}

// Start launches the background tick loop.
func (a *Autoscaler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx)
	logging.Op().Info("autoscaler started", "interval", a.cfg.Interval)
}

// Stop cancels the loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Autoscaler) loop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick evaluates every known function once, creating or resuming at
// most one instance per lane, bounded by the global per-tick budget
// implied by GlobalMaxContainers.
func (a *Autoscaler) tick(ctx context.Context) {
	fns, err := a.store.ListFunctions(ctx)
	if err != nil {
		logging.Op().Error("autoscaler: list functions", "error", err)
		return
	}

	for _, fn := range fns {
		if ctx.Err() != nil {
			return
		}
		a.evaluateLane(ctx, fn)
	}
}

func (a *Autoscaler) evaluateLane(ctx context.Context, fn *domain.FunctionMeta) {
	key := domain.KeyForFunction(fn)

	queueDepth := a.queues.Depth(key)
	idle := a.pool.CountInState(key, warmpool.StateWarmIdle)
	stopped := a.pool.CountInState(key, warmpool.StateStopped)
	total := a.pool.Count(key)

	perFunctionCap := a.cfg.PerFunctionMaxContainers
	if fn.MaxReplicas > 0 && fn.MaxReplicas < perFunctionCap {
		perFunctionCap = fn.MaxReplicas
	}

	if queueDepth == 0 {
		return
	}

	// Prefer resuming a Stopped container over creating a fresh one
	// when there is no idle capacity at all.
	if stopped > 0 && idle == 0 {
		inst := a.pool.GetOneStopped(key)
		if inst != nil {
			a.resume(ctx, fn, inst)
			return
		}
	}

	if queueDepth > idle+stopped && total < perFunctionCap && a.pool.TotalCount() < a.cfg.GlobalMaxContainers {
		a.create(ctx, fn, key)
	}
}

func (a *Autoscaler) resume(ctx context.Context, fn *domain.FunctionMeta, inst *warmpool.Instance) {
	handle := sandbox.Handle{InstanceID: inst.InstanceID, ContainerID: inst.ContainerID, Endpoint: inst.Endpoint}
	if err := a.driver.Start(ctx, handle); err != nil {
		logging.Op().Error("autoscaler: resume stopped instance", "instance", inst.InstanceID, "error", err)
		return
	}
	a.pool.SetState(inst.InstanceID, warmpool.StateWarmIdle)
	metrics.Global().RecordAutoscaleDecision(fn.Name, "resume")
}

func (a *Autoscaler) create(ctx context.Context, fn *domain.FunctionMeta, key domain.FunctionKey) {
	codePath, err := a.provisioner.EnsureCodeReady(ctx, fn)
	if err != nil {
		logging.Op().Error("autoscaler: provision code", "function", fn.Name, "error", err)
		return
	}

	instanceID := uuid.New().String()
	a.pool.Add(key, instanceID, "")
	a.pool.SetState(instanceID, warmpool.StateProvisioning)

	handle, err := a.driver.Create(ctx, sandbox.Spec{
		InstanceID: instanceID, Function: fn, CodeDigest: fn.CodeDigest, CodePath: codePath,
	})
	if err != nil {
		a.pool.SetState(instanceID, warmpool.StateFailed)
		logging.Op().Error("autoscaler: create sandbox", "function", fn.Name, "error", err)
		return
	}
	a.pool.SetEndpoint(instanceID, handle.Endpoint)
	a.pool.SetState(instanceID, warmpool.StateInitializing)

	if err := a.driver.Start(ctx, handle); err != nil {
		a.pool.SetState(instanceID, warmpool.StateFailed)
		logging.Op().Error("autoscaler: start sandbox", "function", fn.Name, "error", err)
		return
	}
	a.pool.SetState(instanceID, warmpool.StateWarmIdle)
	metrics.Global().RecordAutoscaleDecision(fn.Name, "create")
	metrics.Global().SetAutoscaleDesired(fn.Name, a.pool.Count(key))
}
