// Package domain holds the value types shared across the invocation
// dispatcher: function metadata, the lane identity derived from it, and
// the immutable work item placed on a lane for one invocation.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Runtime identifies a language runtime label, e.g. "nodejs20.x".
type Runtime string

// FunctionMeta is the function configuration supplied to the dispatcher by
// the external metadata store. It is treated as immutable for the
// duration of one invocation; a new invocation always re-resolves it.
type FunctionMeta struct {
	ID          string
	Name        string
	Runtime     Runtime
	Version     string // "" or "LATEST" for the unqualified alias
	Handler     string
	MemoryMB    int
	TimeoutS    int
	Env         map[string]string // resolved; secret references already substituted
	CodeDigest  string
	ImageRef    string
	Reserved    *int // reserved concurrency limit, nil = unlimited-by-limiter
	MinReplicas int
	MaxReplicas int // 0 = unlimited
}

// EffectiveVersion returns the version label to use in a FunctionKey and
// in Lambda-Runtime-Invoked-Function-Arn-style responses.
func (f *FunctionMeta) EffectiveVersion() string {
	if f.Version == "" {
		return "LATEST"
	}
	return f.Version
}

// FunctionKey identifies a queue lane and warm-pool partition: the
// 4-tuple (function name, runtime, version, env hash). Two invocations
// share a lane iff their keys are equal.
type FunctionKey struct {
	FunctionName string
	Runtime      Runtime
	Version      string
	EnvHash      string
}

// String renders the key as a single string for use as a map/singleflight
// key outside this package.
func (k FunctionKey) String() string {
	return k.FunctionName + "\x00" + string(k.Runtime) + "\x00" + k.Version + "\x00" + k.EnvHash
}

// EnvHash computes the stable digest of a resolved environment mapping:
// SHA-256 of the canonical JSON object, lower-case hex. encoding/json
// already marshals map[string]string with its keys sorted, so env_hash
// is independent of map iteration order (spec.md invariant: env-hash
// stability) without needing an intermediate sorted representation. A
// nil or empty map hashes the canonical representation of JSON null.
func EnvHash(env map[string]string) string {
	raw := []byte("null")
	if len(env) > 0 {
		if b, err := json.Marshal(env); err == nil {
			raw = b
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// KeyForFunction derives the FunctionKey for a FunctionMeta, resolving
// the env hash from its already-resolved Env map.
func KeyForFunction(fn *FunctionMeta) FunctionKey {
	return FunctionKey{
		FunctionName: fn.Name,
		Runtime:      fn.Runtime,
		Version:      fn.EffectiveVersion(),
		EnvHash:      EnvHash(fn.Env),
	}
}

// WorkItem is an immutable invocation record placed on a lane. It is
// constructed once at invocation acceptance and never mutated.
type WorkItem struct {
	RequestID       string
	Function        *FunctionMeta
	Payload         []byte
	ClientContext   string
	CognitoIdentity string
	LogType         string // "None" or "Tail"
	DeadlineMs      int64  // absolute epoch milliseconds
}

// NewWorkItem builds a WorkItem from resolved function metadata and a
// caller request, computing the absolute deadline from the function's
// configured timeout.
func NewWorkItem(requestID string, fn *FunctionMeta, payload []byte, clientContext, cognitoIdentity, logType string) *WorkItem {
	timeoutMs := int64(fn.TimeoutS) * 1000
	return &WorkItem{
		RequestID:       requestID,
		Function:        fn,
		Payload:         payload,
		ClientContext:   clientContext,
		CognitoIdentity: cognitoIdentity,
		LogType:         logType,
		DeadlineMs:      time.Now().UnixMilli() + timeoutMs,
	}
}

// Key returns the FunctionKey of the lane this work item belongs to.
func (w *WorkItem) Key() FunctionKey {
	return KeyForFunction(w.Function)
}
