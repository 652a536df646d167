package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fearlessfara/lambdahome/internal/concurrency"
	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

type fakeStore struct {
	fn *domain.FunctionMeta
}

func (s *fakeStore) GetFunction(ctx context.Context, name, qualifier string) (*domain.FunctionMeta, error) {
	cp := *s.fn
	return &cp, nil
}

func (s *fakeStore) ResolveEnv(ctx context.Context, fn *domain.FunctionMeta) (map[string]string, error) {
	return fn.Env, nil
}

type fakeProvisioner struct{}

func (fakeProvisioner) EnsureCodeReady(ctx context.Context, fn *domain.FunctionMeta) (string, error) {
	return "/tmp/fake-code", nil
}

type fakeDriver struct {
	mu      sync.Mutex
	created int32
	started int32
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	atomic.AddInt32(&d.created, 1)
	return sandbox.Handle{InstanceID: spec.InstanceID, ContainerID: "c-" + spec.InstanceID, Endpoint: "127.0.0.1:0"}, nil
}
func (d *fakeDriver) Start(ctx context.Context, handle sandbox.Handle) error {
	atomic.AddInt32(&d.started, 1)
	return nil
}
func (d *fakeDriver) Stop(ctx context.Context, handle sandbox.Handle) error   { return nil }
func (d *fakeDriver) Remove(ctx context.Context, handle sandbox.Handle) error { return nil }
func (d *fakeDriver) Inspect(ctx context.Context, handle sandbox.Handle) (bool, error) {
	return true, nil
}
func (d *fakeDriver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	ch := make(chan sandbox.Event)
	close(ch)
	return ch, nil
}

func newTestFunction(name string) *domain.FunctionMeta {
	return &domain.FunctionMeta{
		ID: name, Name: name, Runtime: "nodejs20.x", Version: "",
		Handler: "index.handler", MemoryMB: 128, TimeoutS: 1,
		Env: map[string]string{},
	}
}

func newTestDispatcher(fn *domain.FunctionMeta) (*Dispatcher, *fakeDriver, *warmpool.Pool) {
	driver := &fakeDriver{}
	pool := warmpool.New()
	d := New(&fakeStore{fn: fn}, fakeProvisioner{}, driver, queue.New(), pending.New(),
		concurrency.New(), pool, nil, Config{StartupBuffer: 2 * time.Second})
	return d, driver, pool
}

// runFakeWorker simulates a runtime container: pops the next item off the
// lane and completes it through pending, the way the RuntimeAPI would.
func runFakeWorker(t *testing.T, q *queue.Queues, p *pending.Registry, key domain.FunctionKey, result domain.Result) {
	t.Helper()
	go func() {
		item, err := q.PopOrWait(context.Background(), key)
		if err != nil {
			return
		}
		p.Complete(item.RequestID, result)
	}()
}

func TestInvokeColdStartCreatesInstanceAndDelivers(t *testing.T) {
	fn := newTestFunction("fn-1")
	d, driver, pool := newTestDispatcher(fn)
	key := domain.KeyForFunction(fn)

	runFakeWorker(t, d.queues, d.pending, key, domain.Result{OK: true, Payload: []byte(`{"ok":true}`)})

	result, err := d.Invoke(context.Background(), Request{FunctionName: "fn-1", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected success, got %+v", result)
	}
	if atomic.LoadInt32(&driver.created) != 1 {
		t.Fatalf("expected exactly 1 sandbox created, got %d", driver.created)
	}
	if pool.CountInState(key, warmpool.StateWarmIdle) != 1 {
		t.Fatalf("expected 1 WarmIdle instance after completion, got state snapshot %+v", pool.Snapshot(key))
	}
}

func TestInvokeReusesWarmInstanceWithoutCreatingAnother(t *testing.T) {
	fn := newTestFunction("fn-1")
	d, driver, _ := newTestDispatcher(fn)
	key := domain.KeyForFunction(fn)

	runFakeWorker(t, d.queues, d.pending, key, domain.Result{OK: true, Payload: []byte("{}")})
	if _, err := d.Invoke(context.Background(), Request{FunctionName: "fn-1", Payload: []byte("{}")}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}

	runFakeWorker(t, d.queues, d.pending, key, domain.Result{OK: true, Payload: []byte("{}")})
	if _, err := d.Invoke(context.Background(), Request{FunctionName: "fn-1", Payload: []byte("{}")}); err != nil {
		t.Fatalf("second invoke: %v", err)
	}

	if atomic.LoadInt32(&driver.created) != 1 {
		t.Fatalf("expected the warm instance to be reused, got %d creates", driver.created)
	}
}

func TestInvokeTimeoutReturnsUnhandledFunctionError(t *testing.T) {
	fn := newTestFunction("fn-timeout")
	fn.TimeoutS = 0 // deadline math aside, StartupBuffer alone governs the wait below
	d, _, _ := newTestDispatcher(fn)
	d.cfg.StartupBuffer = 200 * time.Millisecond
	// No fake worker ever completes the request: must time out.

	result, err := d.Invoke(context.Background(), Request{FunctionName: "fn-timeout", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.OK || result.FunctionError != domain.FunctionErrorUnhandled {
		t.Fatalf("expected unhandled timeout result, got %+v", result)
	}
	var body map[string]string
	if err := json.Unmarshal(result.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body["errorType"] != "TaskTimedOut" {
		t.Fatalf("expected TaskTimedOut, got %+v", body)
	}
}

func TestInvokeFunctionErrorPropagatesFromRuntime(t *testing.T) {
	fn := newTestFunction("fn-err")
	d, _, _ := newTestDispatcher(fn)
	key := domain.KeyForFunction(fn)

	runFakeWorker(t, d.queues, d.pending, key, domain.Result{
		OK: false, FunctionError: domain.FunctionErrorHandled, Payload: []byte(`{"errorType":"ValueError"}`),
	})

	result, err := d.Invoke(context.Background(), Request{FunctionName: "fn-err", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.OK || result.FunctionError != domain.FunctionErrorHandled {
		t.Fatalf("expected handled function error, got %+v", result)
	}
}

func TestEnsureWarmCapacityDedupsConcurrentColdStarts(t *testing.T) {
	fn := newTestFunction("fn-concurrent")
	fn.TimeoutS = 5
	d, driver, _ := newTestDispatcher(fn)
	key := domain.KeyForFunction(fn)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runFakeWorker(t, d.queues, d.pending, key, domain.Result{OK: true, Payload: []byte("{}")})
			d.Invoke(context.Background(), Request{FunctionName: "fn-concurrent", Payload: []byte("{}")})
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&driver.created) != 1 {
		t.Fatalf("expected singleflight to collapse cold starts to 1 create, got %d", driver.created)
	}
}
