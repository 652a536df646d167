// Package controlplane serves the caller-facing Lambda-compatible HTTP
// surface (spec.md §6): POST .../invocations over the dispatcher.
// Grounded on oriys-nova/internal/api/dataplane/handlers_invoke.go's
// stdlib ServeMux + PathValue routing and its errors.As-to-status
// mapping for dispatcher errors.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fearlessfara/lambdahome/internal/dispatcher"
	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/lambdaerr"
	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/observability"
)

const maxBodyBytes = 6 << 20

const (
	hdrInvocationType = "X-Amz-Invocation-Type"
	hdrLogType        = "X-Amz-Log-Type"
	hdrFunctionError  = "X-Amz-Function-Error"
	hdrExecutedVer    = "X-Amz-Executed-Version"
	hdrLogResult      = "X-Amz-Log-Result"
)

// API serves the invoke-facing HTTP routes over a single dispatcher.
type API struct {
	dispatcher *dispatcher.Dispatcher
}

// New builds a control-plane API over a dispatcher.
func New(d *dispatcher.Dispatcher) *API {
	return &API{dispatcher: d}
}

// Mux builds the http.ServeMux for the control-plane routes.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/2015-03-31/functions/{name}/invocations",
		observability.HTTPMiddleware(http.HandlerFunc(a.handleInvoke)))
	return mux
}

// handleInvoke implements POST /2015-03-31/functions/{name}/invocations
// (spec.md §6). Event invocations are accepted and run detached from
// the request's context, since the dispatcher has no separate
// fire-and-forget mode; the caller gets 202 without waiting on a result.
func (a *API) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "missing function name", http.StatusBadRequest)
		return
	}
	qualifier := r.URL.Query().Get("Qualifier")

	payload, err := readAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	invocationType := r.Header.Get(hdrInvocationType)
	if invocationType == "" {
		invocationType = "RequestResponse"
	}
	logType := r.Header.Get(hdrLogType)
	if logType == "" {
		logType = "None"
	}

	req := dispatcher.Request{
		FunctionName:    name,
		Qualifier:       qualifier,
		Payload:         payload,
		ClientContext:   r.Header.Get("X-Amz-Client-Context"),
		CognitoIdentity: r.Header.Get("X-Amz-Cognito-Identity"),
		LogType:         logType,
	}

	if invocationType == "Event" {
		go func() {
			if _, err := a.dispatcher.Invoke(context.Background(), req); err != nil {
				logging.Op().Warn("controlplane: event invocation failed", "function", name, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	result, err := a.dispatcher.Invoke(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeResult(w, result)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	var derr *lambdaerr.Error
	if errors.As(err, &derr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(derr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(map[string]string{
			"errorMessage": derr.Message,
			"errorType":    string(derr.Kind),
		})
		return
	}
	logging.Op().Error("controlplane: internal error", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (a *API) writeResult(w http.ResponseWriter, result *domain.Result) {
	if result.FunctionError != domain.FunctionErrorNone {
		w.Header().Set(hdrFunctionError, string(result.FunctionError))
	}
	if result.ExecutedVersion != "" {
		w.Header().Set(hdrExecutedVer, result.ExecutedVersion)
	}
	if result.LogTailB64 != "" {
		w.Header().Set(hdrLogResult, result.LogTailB64)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(result.Payload) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(result.Payload)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}
