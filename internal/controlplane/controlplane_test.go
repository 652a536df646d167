package controlplane

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fearlessfara/lambdahome/internal/concurrency"
	"github.com/fearlessfara/lambdahome/internal/dispatcher"
	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

type fakeStore struct{ fn *domain.FunctionMeta }

func (s *fakeStore) GetFunction(ctx context.Context, name, qualifier string) (*domain.FunctionMeta, error) {
	if name != s.fn.Name {
		return nil, &notFoundStub{name: name}
	}
	cp := *s.fn
	return &cp, nil
}

func (s *fakeStore) ResolveEnv(ctx context.Context, fn *domain.FunctionMeta) (map[string]string, error) {
	return fn.Env, nil
}

type notFoundStub struct{ name string }

func (e *notFoundStub) Error() string { return "function not found: " + e.name }

type fakeProvisioner struct{}

func (fakeProvisioner) EnsureCodeReady(ctx context.Context, fn *domain.FunctionMeta) (string, error) {
	return "/tmp/fake-code", nil
}

type fakeDriver struct{}

func (fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	return sandbox.Handle{InstanceID: spec.InstanceID, ContainerID: "c-" + spec.InstanceID, Endpoint: "127.0.0.1:0"}, nil
}
func (fakeDriver) Start(ctx context.Context, handle sandbox.Handle) error  { return nil }
func (fakeDriver) Stop(ctx context.Context, handle sandbox.Handle) error   { return nil }
func (fakeDriver) Remove(ctx context.Context, handle sandbox.Handle) error { return nil }
func (fakeDriver) Inspect(ctx context.Context, handle sandbox.Handle) (bool, error) {
	return true, nil
}
func (fakeDriver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	ch := make(chan sandbox.Event)
	close(ch)
	return ch, nil
}

func newTestAPI(t *testing.T, fn *domain.FunctionMeta) (*API, *queue.Queues, *pending.Registry) {
	t.Helper()
	q := queue.New()
	p := pending.New()
	d := dispatcher.New(&fakeStore{fn: fn}, fakeProvisioner{}, fakeDriver{}, q, p,
		concurrency.New(), warmpool.New(), nil, dispatcher.Config{StartupBuffer: 2 * time.Second})
	return New(d), q, p
}

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

func newTestFunction(name string) *domain.FunctionMeta {
	return &domain.FunctionMeta{
		ID: name, Name: name, Runtime: "nodejs20.x",
		Handler: "index.handler", MemoryMB: 128, TimeoutS: 1,
		Env: map[string]string{},
	}
}

func TestHandleInvokeHappyPathReturns200(t *testing.T) {
	fn := newTestFunction("echo")
	api, q, p := newTestAPI(t, fn)
	key := domain.KeyForFunction(fn)
	runFakeWorker(t, q, p, key, domain.Result{OK: true, Payload: []byte(`{"n":1}`), ExecutedVersion: "1"})

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/echo/invocations", stringsReader(`{"n":1}`))
	req.SetPathValue("name", "echo")
	rec := httptest.NewRecorder()
	api.handleInvoke(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(hdrFunctionError) != "" {
		t.Fatalf("expected no function-error header, got %q", rec.Header().Get(hdrFunctionError))
	}
	if rec.Header().Get(hdrExecutedVer) != "1" {
		t.Fatalf("expected executed-version 1, got %q", rec.Header().Get(hdrExecutedVer))
	}
	if rec.Body.String() != `{"n":1}` {
		t.Fatalf("expected echoed body, got %q", rec.Body.String())
	}
}

func TestHandleInvokeUnknownFunctionReturns404(t *testing.T) {
	fn := newTestFunction("echo")
	api, _, _ := newTestAPI(t, fn)

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/missing/invocations", stringsReader("{}"))
	req.SetPathValue("name", "missing")
	rec := httptest.NewRecorder()
	api.handleInvoke(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 FunctionNotFound, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleInvokeFunctionErrorCarriesHeaderAndBody(t *testing.T) {
	fn := newTestFunction("boom")
	api, q, p := newTestAPI(t, fn)
	key := domain.KeyForFunction(fn)
	runFakeWorker(t, q, p, key, domain.Result{
		OK: false, FunctionError: domain.FunctionErrorHandled,
		Payload: []byte(`{"errorMessage":"boom","errorType":"BusinessError"}`),
	})

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/boom/invocations", stringsReader("{}"))
	req.SetPathValue("name", "boom")
	rec := httptest.NewRecorder()
	api.handleInvoke(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 per Lambda wire compatibility, got %d", rec.Code)
	}
	if rec.Header().Get(hdrFunctionError) != "Handled" {
		t.Fatalf("expected Handled function-error header, got %q", rec.Header().Get(hdrFunctionError))
	}
	if rec.Body.String() != `{"errorMessage":"boom","errorType":"BusinessError"}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleInvokeEventTypeReturns202Immediately(t *testing.T) {
	fn := newTestFunction("async-fn")
	api, q, p := newTestAPI(t, fn)
	key := domain.KeyForFunction(fn)
	runFakeWorker(t, q, p, key, domain.Result{OK: true, Payload: []byte("{}")})

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/async-fn/invocations", stringsReader("{}"))
	req.SetPathValue("name", "async-fn")
	req.Header.Set(hdrInvocationType, "Event")
	rec := httptest.NewRecorder()
	api.handleInvoke(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for Event invocation, got %d", rec.Code)
	}
}

func stringsReader(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}
