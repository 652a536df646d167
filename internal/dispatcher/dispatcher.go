// Package dispatcher wires FunctionKey/WorkItem resolution, the warm
// pool, the sandbox driver, and the lane queues together behind a single
// Invoke entry point, grounded on original_source's
// registry.rs::invoke_function.
package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fearlessfara/lambdahome/internal/concurrency"
	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/lambdaerr"
	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/metrics"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"

	"golang.org/x/sync/singleflight"
)

// FunctionStore is the external metadata collaborator spec.md §3
// describes: function lookup and environment resolution (including
// secret substitution) live outside the dispatcher.
type FunctionStore interface {
	GetFunction(ctx context.Context, name, qualifier string) (*domain.FunctionMeta, error)
	ResolveEnv(ctx context.Context, fn *domain.FunctionMeta) (map[string]string, error)
}

// CodeProvisioner makes a function's code available on disk (or as an
// image reference) before a sandbox is created for it, standing in for
// the Rust original's PackagingService.build_image.
type CodeProvisioner interface {
	EnsureCodeReady(ctx context.Context, fn *domain.FunctionMeta) (codePath string, err error)
}

// ExecutionObserver is a no-op-by-default hook so an external
// persistence layer can track invocation lifecycle without the
// dispatcher depending on it directly (spec.md supplemented feature,
// grounded on registry.rs's execution_tracker calls).
type ExecutionObserver interface {
	OnAccept(requestID string, fn *domain.FunctionMeta, at time.Time)
	OnSuccess(requestID string, at time.Time)
	OnFunctionError(requestID string, at time.Time)
	OnTimeout(requestID string, at time.Time)
	OnInitError(requestID string, at time.Time)
}

// NoopObserver implements ExecutionObserver with no side effects.
type NoopObserver struct{}

func (NoopObserver) OnAccept(string, *domain.FunctionMeta, time.Time) {}
func (NoopObserver) OnSuccess(string, time.Time)                      {}
func (NoopObserver) OnFunctionError(string, time.Time)                {}
func (NoopObserver) OnTimeout(string, time.Time)                      {}
func (NoopObserver) OnInitError(string, time.Time)                    {}

// Config tunes the dispatcher's wait behavior.
type Config struct {
	// StartupBuffer is added on top of the function's configured timeout
	// before the dispatcher gives up waiting for a result, to absorb
	// cold-start latency (spec.md §9 open question 1; default 7s).
	StartupBuffer time.Duration
}

// DefaultConfig returns the redesign-flag defaults from SPEC_FULL.md §4.
func DefaultConfig() Config {
	return Config{StartupBuffer: 7 * time.Second}
}

// Request is the inbound Invoke call, independent of its HTTP framing.
type Request struct {
	FunctionName    string
	Qualifier       string // "" or version/alias
	Payload         []byte
	ClientContext   string
	CognitoIdentity string
	LogType         string // "None" or "Tail"
}

// Dispatcher is the invocation entry point: resolve -> admit -> ensure
// warm capacity -> enqueue -> wait.
type Dispatcher struct {
	store       FunctionStore
	provisioner CodeProvisioner
	driver      sandbox.Driver
	queues      *queue.Queues
	pending     *pending.Registry
	limiter     *concurrency.Limiter
	pool        *warmpool.Pool
	observer    ExecutionObserver
	cfg         Config

	coldStart singleflight.Group
}

// New builds a Dispatcher from its collaborators. observer may be nil,
// in which case NoopObserver is used.
func New(store FunctionStore, provisioner CodeProvisioner, driver sandbox.Driver,
	queues *queue.Queues, pendingReg *pending.Registry, limiter *concurrency.Limiter,
	pool *warmpool.Pool, observer ExecutionObserver, cfg Config) *Dispatcher {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Dispatcher{
		store: store, provisioner: provisioner, driver: driver,
		queues: queues, pending: pendingReg, limiter: limiter, pool: pool,
		observer: observer, cfg: cfg,
	}
}

// Invoke resolves req.FunctionName, admits it through the concurrency
// limiter, ensures at least one warm (or resumable) instance exists for
// its FunctionKey, enqueues a WorkItem, and blocks until a result
// arrives or the dispatcher's deadline elapses.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (*domain.Result, error) {
	fn, err := d.store.GetFunction(ctx, req.FunctionName, req.Qualifier)
	if err != nil {
		return nil, lambdaerr.Wrap(lambdaerr.KindFunctionNotFound, "lookup "+req.FunctionName, err)
	}

	resolvedEnv, err := d.store.ResolveEnv(ctx, fn)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: resolve env: %w", err)
	}
	fn.Env = resolvedEnv

	d.limiter.SetReserved(fn.ID, fn.Reserved)
	token, err := d.limiter.Acquire(fn.ID)
	if err != nil {
		metrics.Global().RecordConcurrencyRejection(fn.Name)
		return nil, err
	}
	defer token.Release()

	requestID := uuid.New().String()
	start := time.Now()
	d.observer.OnAccept(requestID, fn, start)

	waiter := d.pending.Register(requestID)
	item := domain.NewWorkItem(requestID, fn, req.Payload, req.ClientContext, req.CognitoIdentity, req.LogType)
	key := item.Key()

	coldStart, err := d.ensureWarmCapacity(ctx, key, fn)
	if err != nil {
		d.pending.Remove(requestID)
		return nil, err
	}

	d.queues.Push(item)
	metrics.Global().SetQueueDepth(fn.Name, d.queues.Depth(key))

	total := time.Duration(fn.TimeoutS)*time.Second + d.cfg.StartupBuffer
	timer := time.NewTimer(total)
	defer timer.Stop()

	select {
	case result, ok := <-waiter.Result:
		latency := time.Since(start).Milliseconds()
		metrics.Global().RecordInvocation(fn.Name, coldStart, latency)
		if !ok {
			logging.Op().Error("dispatcher: runtime channel closed", "request_id", requestID)
			d.observer.OnInitError(requestID, time.Now())
			return initErrorResult(), nil
		}
		if result.OK {
			d.observer.OnSuccess(requestID, time.Now())
		} else {
			metrics.Global().RecordFunctionError(fn.Name, string(result.FunctionError))
			d.observer.OnFunctionError(requestID, time.Now())
		}
		return &result, nil

	case <-timer.C:
		timeoutResult := timeoutResult(fn)
		d.pending.FailIfWaiting(requestID, *timeoutResult)
		metrics.Global().RecordTimeout(fn.Name)
		d.observer.OnTimeout(requestID, time.Now())
		return timeoutResult, nil

	case <-ctx.Done():
		d.pending.Remove(requestID)
		return nil, ctx.Err()
	}
}

// ensureWarmCapacity guarantees key has at least one usable (or soon to
// be usable) instance before the WorkItem is enqueued, without consuming
// availability itself — matching the Rust original's comment that this
// step must not toggle a container to unavailable inadvertently. The
// whole check-and-create sequence is deduplicated per key via
// singleflight so concurrent first invocations of a cold function only
// provision one instance.
func (d *Dispatcher) ensureWarmCapacity(ctx context.Context, key domain.FunctionKey, fn *domain.FunctionMeta) (coldStart bool, err error) {
	v, err, _ := d.coldStart.Do(key.String(), func() (interface{}, error) {
		return d.ensureWarmCapacityOnce(ctx, key, fn)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (d *Dispatcher) ensureWarmCapacityOnce(ctx context.Context, key domain.FunctionKey, fn *domain.FunctionMeta) (bool, error) {
	switch {
	case d.pool.Count(key) == 0:
		logging.Op().Info("dispatcher: no instance present, creating one", "function", fn.Name)
		if err := d.createInstance(ctx, key, fn); err != nil {
			return false, err
		}
		return true, nil

	case !d.pool.HasAvailable(key):
		if stopped := d.pool.GetOneStopped(key); stopped != nil {
			logging.Op().Info("dispatcher: resuming stopped instance", "instance", stopped.InstanceID, "function", fn.Name)
			handle := sandbox.Handle{InstanceID: stopped.InstanceID, ContainerID: stopped.ContainerID, Endpoint: stopped.Endpoint}
			if err := d.driver.Start(ctx, handle); err != nil {
				return false, fmt.Errorf("dispatcher: resume instance: %w", err)
			}
			d.pool.SetState(stopped.InstanceID, warmpool.StateWarmIdle)
			return true, nil
		}
		logging.Op().Info("dispatcher: all instances busy, scaling up by one", "function", fn.Name)
		if err := d.createInstance(ctx, key, fn); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, nil
	}
}

func (d *Dispatcher) createInstance(ctx context.Context, key domain.FunctionKey, fn *domain.FunctionMeta) error {
	codePath, err := d.provisioner.EnsureCodeReady(ctx, fn)
	if err != nil {
		return fmt.Errorf("dispatcher: provision code: %w", err)
	}

	instanceID := uuid.New().String()
	inst := d.pool.Add(key, instanceID, "")
	d.pool.SetState(instanceID, warmpool.StateProvisioning)

	handle, err := d.driver.Create(ctx, sandbox.Spec{
		InstanceID: instanceID,
		Function:   fn,
		CodeDigest: fn.CodeDigest,
		CodePath:   codePath,
	})
	if err != nil {
		d.pool.SetState(instanceID, warmpool.StateFailed)
		return fmt.Errorf("dispatcher: create sandbox: %w", err)
	}
	d.pool.SetEndpoint(instanceID, handle.Endpoint)
	inst.ContainerID = handle.ContainerID

	d.pool.SetState(instanceID, warmpool.StateInitializing)
	if err := d.driver.Start(ctx, handle); err != nil {
		d.pool.SetState(instanceID, warmpool.StateFailed)
		return fmt.Errorf("dispatcher: start sandbox: %w", err)
	}

	d.pool.SetState(instanceID, warmpool.StateWarmIdle)
	return nil
}

func initErrorResult() *domain.Result {
	body, _ := json.Marshal(map[string]string{
		"errorMessage": "Runtime channel closed",
		"errorType":    "InitError",
	})
	return &domain.Result{
		OK:              false,
		Payload:         body,
		FunctionError:   domain.FunctionErrorUnhandled,
		ExecutedVersion: "1",
	}
}

func timeoutResult(fn *domain.FunctionMeta) *domain.Result {
	body, _ := json.Marshal(map[string]string{
		"errorMessage": fmt.Sprintf("Task timed out after %d seconds", fn.TimeoutS),
		"errorType":    "TaskTimedOut",
	})
	return &domain.Result{
		OK:              false,
		Payload:         body,
		FunctionError:   domain.FunctionErrorUnhandled,
		ExecutedVersion: "1",
	}
}

// decodeLogTail decodes a base64-encoded X-Amz-Log-Result value; an
// empty value yields nil.
func decodeLogTail(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(b64)
}
