package domain

import (
	"testing"
	"time"
)

func nowMs() int64 { return time.Now().UnixMilli() }

func TestEnvHashStableAcrossInsertionOrder(t *testing.T) {
	a := map[string]string{"GREETING": "hi", "ZONE": "us"}
	b := map[string]string{"ZONE": "us", "GREETING": "hi"}

	if EnvHash(a) != EnvHash(b) {
		t.Fatalf("env hash differs for logically equal maps")
	}
}

func TestEnvHashEmptyIsCanonicalNull(t *testing.T) {
	if EnvHash(nil) != EnvHash(map[string]string{}) {
		t.Fatalf("nil and empty map should hash identically")
	}
}

func TestEnvHashChangesOnValueChange(t *testing.T) {
	a := map[string]string{"GREETING": "hi"}
	b := map[string]string{"GREETING": "bye"}
	if EnvHash(a) == EnvHash(b) {
		t.Fatalf("expected different hashes for different values")
	}
}

func TestKeyForFunctionDefaultsVersionToLatest(t *testing.T) {
	fn := &FunctionMeta{Name: "echo", Runtime: "nodejs20.x"}
	key := KeyForFunction(fn)
	if key.Version != "LATEST" {
		t.Fatalf("expected LATEST, got %q", key.Version)
	}
}

func TestNewWorkItemDeadline(t *testing.T) {
	fn := &FunctionMeta{Name: "echo", Runtime: "nodejs20.x", TimeoutS: 3}
	before := nowMs()
	wi := NewWorkItem("req-1", fn, []byte("{}"), "", "", "")
	after := nowMs()

	if wi.DeadlineMs < before+3000 || wi.DeadlineMs > after+3000 {
		t.Fatalf("deadline %d not within expected window [%d,%d]", wi.DeadlineMs, before+3000, after+3000)
	}
}
