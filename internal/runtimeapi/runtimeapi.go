// Package runtimeapi implements the worker-facing side of the AWS
// Lambda Runtime API (spec.md §4.8, §6): the HTTP surface a sandboxed
// runtime process polls for work and posts results back to. Grounded on
// original_source's lambda_runtime_api crate (build_router, RtState) and
// its test suite's route conventions.
package runtimeapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/observability"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

const maxBodyBytes = 6 << 20 // Lambda's own payload cap, generously rounded

const (
	hdrFunctionError  = "X-Amz-Function-Error"
	hdrExecutedVer    = "X-Amz-Executed-Version"
	hdrLogResult      = "X-Amz-Log-Result"
	hdrInstanceID     = "Lambda-Runtime-Instance-Id"

	hdrRequestID       = "Lambda-Runtime-Aws-Request-Id"
	hdrDeadlineMs      = "Lambda-Runtime-Deadline-Ms"
	hdrInvokedFnArn    = "Lambda-Runtime-Invoked-Function-Arn"
	hdrTraceID         = "Lambda-Runtime-Trace-Id"
	hdrClientContext   = "Lambda-Runtime-Client-Context"
	hdrCognitoIdentity = "Lambda-Runtime-Cognito-Identity"
)

// Config tunes protocol-edge behavior the original left as an
// open question (spec.md §9 open question 3).
type Config struct {
	// AllowMissingInstanceID re-enables the legacy mark_any_active_to_idle
	// fallback (reclaim the single Active instance for the lane) when a
	// completion arrives without an instance id header. When false, a
	// missing header on /response or /error is a 400 InvalidRequest.
	AllowMissingInstanceID bool
}

// InitErrorObserver is the narrow slice of dispatcher.ExecutionObserver
// that RuntimeAPI needs: a record of a worker reporting it failed to
// initialize before ever polling for work (spec.md §6, SPEC_FULL.md §3).
// A *dispatcher.Dispatcher's own observer satisfies this interface
// structurally, so the same concrete observer can be shared by both
// without runtimeapi importing the dispatcher package.
type InitErrorObserver interface {
	OnInitError(requestID string, at time.Time)
}

// noopInitErrorObserver is used when New is given a nil observer.
type noopInitErrorObserver struct{}

func (noopInitErrorObserver) OnInitError(string, time.Time) {}

// API serves the runtime-facing HTTP endpoints. It holds no invocation
// logic of its own beyond queue pop and pending delivery; admission and
// warm-pool provisioning belong to the dispatcher.
type API struct {
	queues   *queue.Queues
	pending  *pending.Registry
	pool     *warmpool.Pool
	cfg      Config
	observer InitErrorObserver
}

// New builds a runtime API surface over the given collaborators.
// observer may be nil, in which case init errors are simply not
// recorded anywhere beyond the operational log.
func New(queues *queue.Queues, pendingReg *pending.Registry, pool *warmpool.Pool, cfg Config, observer InitErrorObserver) *API {
	if observer == nil {
		observer = noopInitErrorObserver{}
	}
	return &API{queues: queues, pending: pendingReg, pool: pool, cfg: cfg, observer: observer}
}

// Mux builds the http.ServeMux for the /2018-06-01/runtime/* routes,
// matching the teacher's preference for the stdlib router (no
// third-party router appears anywhere in the pack).
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/2018-06-01/runtime/invocation/next", observability.HTTPMiddleware(http.HandlerFunc(a.handleNext)))
	mux.Handle("/2018-06-01/runtime/invocation/", observability.HTTPMiddleware(http.HandlerFunc(a.handleInvocationCompletion)))
	mux.Handle("/2018-06-01/runtime/init/error", observability.HTTPMiddleware(http.HandlerFunc(a.handleInitError)))
	return mux
}

// handleNext implements GET .../invocation/next (spec.md §6): a
// long-poll pop keyed by the fn/rt/ver/eh query parameters the worker
// supplies, since the worker itself has no notion of a FunctionMeta. The
// response is the literal Lambda Runtime API wire contract: the raw
// event payload as the body, with the invocation's identity carried
// entirely in headers, so unmodified Lambda runtime bootstraps can poll
// this endpoint unchanged.
func (a *API) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	key := domain.FunctionKey{
		FunctionName: q.Get("fn"),
		Runtime:      domain.Runtime(q.Get("rt")),
		Version:      q.Get("ver"),
		EnvHash:      q.Get("eh"),
	}
	if key.FunctionName == "" {
		http.Error(w, "missing fn query parameter", http.StatusBadRequest)
		return
	}

	item, err := a.queues.PopOrWait(r.Context(), key)
	if err != nil {
		// Client disconnect/timeout mid-long-poll; nothing to deliver.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if instanceID := r.Header.Get(hdrInstanceID); instanceID != "" {
		a.pool.MarkActiveByInstance(instanceID)
	}

	trace := observability.Extract(r.Context())

	w.Header().Set(hdrRequestID, item.RequestID)
	w.Header().Set(hdrDeadlineMs, strconv.FormatInt(item.DeadlineMs, 10))
	w.Header().Set(hdrInvokedFnArn, invokedFunctionArn(item.Function.Name))
	if item.ClientContext != "" {
		w.Header().Set(hdrClientContext, item.ClientContext)
	}
	if item.CognitoIdentity != "" {
		w.Header().Set(hdrCognitoIdentity, item.CognitoIdentity)
	}
	if trace.TraceParent != "" {
		w.Header().Set(hdrTraceID, trace.TraceParent)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(item.Payload) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(item.Payload)
}

// handleInvocationCompletion dispatches POST .../invocation/{id}/response
// and POST .../invocation/{id}/error by path suffix.
func (a *API) handleInvocationCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/2018-06-01/runtime/invocation/")
	switch {
	case strings.HasSuffix(path, "/response"):
		a.handleResponse(w, r, strings.TrimSuffix(path, "/response"))
	case strings.HasSuffix(path, "/error"):
		a.handleError(w, r, strings.TrimSuffix(path, "/error"))
	default:
		http.NotFound(w, r)
	}
}

// handleResponse implements POST .../invocation/{requestId}/response.
func (a *API) handleResponse(w http.ResponseWriter, r *http.Request, requestID string) {
	body, err := readAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	result := domain.Result{OK: true, Payload: body}
	if v := r.Header.Get(hdrExecutedVer); v != "" {
		result.ExecutedVersion = v
	}
	if v := r.Header.Get(hdrLogResult); v != "" {
		result.LogTailB64 = v
	}

	if !a.markInstanceIdle(w, r) {
		return
	}

	if a.pending.Complete(requestID, result) {
		w.WriteHeader(http.StatusAccepted)
	} else {
		http.Error(w, "invocation not found", http.StatusNotFound)
	}
}

// handleError implements POST .../invocation/{requestId}/error.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, requestID string) {
	body, err := readAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	kind := domain.FunctionErrorUnhandled
	if r.Header.Get(hdrFunctionError) == string(domain.FunctionErrorHandled) {
		kind = domain.FunctionErrorHandled
	}
	result := domain.Result{OK: false, Payload: body, FunctionError: kind}
	if v := r.Header.Get(hdrLogResult); v != "" {
		result.LogTailB64 = v
	}

	if !a.markInstanceIdle(w, r) {
		return
	}

	if a.pending.Complete(requestID, result) {
		w.WriteHeader(http.StatusAccepted)
	} else {
		http.Error(w, "invocation not found", http.StatusNotFound)
	}
}

// markInstanceIdle reclaims the completing instance back to WarmIdle,
// honoring the INSTANCE_ID redesign flag (SPEC_FULL.md §4 / spec.md §9
// open question 3). Writes a 400 and returns false if the header is
// missing and the fallback is disabled.
func (a *API) markInstanceIdle(w http.ResponseWriter, r *http.Request) bool {
	instanceID := r.Header.Get(hdrInstanceID)
	if instanceID != "" {
		a.pool.MarkIdleByInstance(instanceID)
		return true
	}
	if !a.cfg.AllowMissingInstanceID {
		http.Error(w, "missing "+hdrInstanceID+" header", http.StatusBadRequest)
		return false
	}
	logging.Op().Warn("runtimeapi: completion missing instance id, using mark_any_active_to_idle fallback")
	q := r.URL.Query()
	key := domain.FunctionKey{
		FunctionName: q.Get("fn"),
		Runtime:      domain.Runtime(q.Get("rt")),
		Version:      q.Get("ver"),
		EnvHash:      q.Get("eh"),
	}
	a.pool.MarkAnyActiveToIdle(key)
	return true
}

// handleInitError implements POST .../init/error (spec.md §6, supplemented
// feature): the worker reports it failed to initialize before ever
// polling for work. There is no pending entry for this yet (the
// Dispatcher is still blocked in its timeout wait), so this is
// best-effort and always accepted; the failure is recorded via the
// ExecutionObserver keyed by instance id, since no request id exists
// this early in the instance's lifecycle.
func (a *API) handleInitError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := readAll(r)
	instanceID := r.Header.Get(hdrInstanceID)
	logging.Op().Error("runtimeapi: init error reported", "instance", instanceID, "body", string(body))
	a.observer.OnInitError(instanceID, time.Now())
	w.WriteHeader(http.StatusAccepted)
}

func invokedFunctionArn(functionName string) string {
	return "arn:aws:lambda:us-east-1:123456789012:function:" + functionName
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}
