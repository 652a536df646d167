// Package idlewatchdog implements the coarse soft/hard idle sweep of
// spec.md §4.10: WarmIdle containers past soft_idle are stopped (kept
// for fast restart), Stopped containers past hard_idle and max_age are
// removed outright.
//
// Grounded on oriys-nova/internal/pool/pool_lifecycle.go's
// cleanupExpired tiered-eviction loop (idle -> suspended -> destroyed),
// narrowed to the two-threshold model spec.md actually specifies, and
// on original_source's warm_pool.rs::cleanup_idle_containers.
package idlewatchdog

import (
	"context"
	"time"

	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/metrics"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

// Config holds the tunables spec.md §4.10 and §5 name.
type Config struct {
	Interval time.Duration
	SoftIdle time.Duration
	HardIdle time.Duration
	MaxAge   time.Duration
	// MaxStoppedPerLane bounds Stopped entries retained per function key;
	// the oldest by LastActive is evicted first when exceeded.
	MaxStoppedPerLane int
}

// DefaultConfig returns the spec's "typical" coarse sweep values.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		SoftIdle:          5 * time.Minute,
		HardIdle:          30 * time.Minute,
		MaxAge:            6 * time.Hour,
		MaxStoppedPerLane: 4,
	}
}

// Watchdog runs the periodic idle sweep over a warm pool.
type Watchdog struct {
	pool   *warmpool.Pool
	driver sandbox.Driver
	cfg    Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Watchdog over pool, driving container teardown through
// driver.
func New(pool *warmpool.Pool, driver sandbox.Driver, cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Watchdog{pool: pool, driver: driver, cfg: cfg}
}

// Start launches the background sweep loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	logging.Op().Info("idlewatchdog started", "interval", w.cfg.Interval,
		"soft_idle", w.cfg.SoftIdle, "hard_idle", w.cfg.HardIdle)
}

// Stop cancels the loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: soft-idle WarmIdle instances are stopped, then
// hard-idle Stopped instances past max_age are removed. Exported so
// tests (and an admin trigger) can run a pass synchronously without
// waiting on the ticker.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.sweepSoft(ctx)
	w.sweepHard(ctx)
}

func (w *Watchdog) sweepSoft(ctx context.Context) {
	for _, inst := range w.pool.ListSoftIdle(w.cfg.SoftIdle) {
		handle := sandbox.Handle{InstanceID: inst.InstanceID, ContainerID: inst.ContainerID, Endpoint: inst.Endpoint}
		if err := w.driver.Stop(ctx, handle); err != nil {
			logging.Op().Error("idlewatchdog: stop", "instance", inst.InstanceID, "error", err)
			continue
		}
		if _, ok := w.pool.SetState(inst.InstanceID, warmpool.StateStopping); !ok {
			continue
		}
		w.pool.SetState(inst.InstanceID, warmpool.StateStopped)
		metrics.Global().RecordIdleSuspension(inst.Key.FunctionName)
	}
}

func (w *Watchdog) sweepHard(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.MaxAge)
	for _, inst := range w.pool.ListHardIdle(w.cfg.HardIdle) {
		if inst.CreatedAt.After(cutoff) {
			// Past hard_idle but not yet past max_age: retained for a
			// fast restart, per spec.md §4.10's two-condition removal rule.
			continue
		}
		w.remove(ctx, inst)
	}
	w.evictOverflow(ctx)
}

// evictOverflow enforces MaxStoppedPerLane independently of age, per
// spec.md §4.10's "lane-level overflow" rule.
func (w *Watchdog) evictOverflow(ctx context.Context) {
	if w.cfg.MaxStoppedPerLane <= 0 {
		return
	}
	byKey := make(map[string][]*warmpool.Instance)
	for _, inst := range w.pool.ListHardIdle(0) {
		byKey[inst.Key.String()] = append(byKey[inst.Key.String()], inst)
	}
	for _, instances := range byKey {
		if len(instances) <= w.cfg.MaxStoppedPerLane {
			continue
		}
		// ListHardIdle already returns oldest-LastActive-first.
		for _, inst := range instances[:len(instances)-w.cfg.MaxStoppedPerLane] {
			w.remove(ctx, inst)
		}
	}
}

func (w *Watchdog) remove(ctx context.Context, inst *warmpool.Instance) {
	handle := sandbox.Handle{InstanceID: inst.InstanceID, ContainerID: inst.ContainerID, Endpoint: inst.Endpoint}
	if err := w.driver.Remove(ctx, handle); err != nil {
		logging.Op().Error("idlewatchdog: remove", "instance", inst.InstanceID, "error", err)
		return
	}
	w.pool.SetState(inst.InstanceID, warmpool.StateTerminated)
	w.pool.Remove(inst.InstanceID)
	metrics.Global().RecordIdleEviction(inst.Key.FunctionName)
}

// HandleSandboxEvent reconciles an out-of-band driver event (spec.md
// §4.10's idempotence requirement): a Die/crash observed from the
// driver is ground truth regardless of the watchdog's own schedule.
func (w *Watchdog) HandleSandboxEvent(ctx context.Context, ev sandbox.Event) {
	inst, ok := w.pool.SetStateByContainerID(ev.ContainerID, warmpool.StateFailed)
	if !ok || inst == nil {
		return
	}
	logging.Op().Info("idlewatchdog: reconciling driver event", "container", ev.ContainerID, "kind", ev.Kind)
	w.pool.SetState(inst.InstanceID, warmpool.StateTerminated)
	w.pool.Remove(inst.InstanceID)
}
