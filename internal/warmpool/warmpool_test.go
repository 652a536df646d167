package warmpool

import (
	"sync"
	"testing"
	"time"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

func testKey(name string) domain.FunctionKey {
	return domain.FunctionKey{FunctionName: name, Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "none"}
}

func warmInstance(p *Pool, key domain.FunctionKey, id string) *Instance {
	inst := p.Add(key, id, "container-"+id)
	p.SetState(id, StateProvisioning)
	p.SetState(id, StateInitializing)
	p.SetState(id, StateWarmIdle)
	return inst
}

func TestAddStartsInInit(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	inst := p.Add(key, "i-1", "c-1")
	if inst.State != StateInit {
		t.Fatalf("expected Init, got %s", inst.State)
	}
	if p.Count(key) != 1 {
		t.Fatalf("expected count 1, got %d", p.Count(key))
	}
}

func TestHasAvailableTrueOnlyWhenWarmIdle(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	p.Add(key, "i-1", "c-1")
	if p.HasAvailable(key) {
		t.Fatal("expected no availability while instance is still Init")
	}
	warmInstance(p, key, "i-1")
	if !p.HasAvailable(key) {
		t.Fatal("expected availability once WarmIdle")
	}

	p.SetState("i-1", StateActive)
	p.SetState("i-1", StateDraining)
	p.SetState("i-1", StateStopping)
	p.SetState("i-1", StateStopped)
	if p.HasAvailable(key) {
		t.Fatal("expected no availability while instance is Stopped; it must be resumed first")
	}
}

func TestGetOneStoppedReturnsOldest(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	warmInstance(p, key, "i-1")
	warmInstance(p, key, "i-2")
	p.SetState("i-1", StateActive)
	p.SetState("i-1", StateDraining)
	p.SetState("i-1", StateStopping)
	p.SetState("i-1", StateStopped)

	got := p.GetOneStopped(key)
	if got == nil || got.InstanceID != "i-1" {
		t.Fatalf("expected i-1, got %+v", got)
	}
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	p.Add(key, "i-1", "c-1")
	inst, ok := p.SetState("i-1", StateWarmIdle)
	if ok {
		t.Fatal("Init -> WarmIdle must be rejected")
	}
	if inst.State != StateInit {
		t.Fatalf("state must be unchanged after rejected transition, got %s", inst.State)
	}
}

func TestMarkActiveAndIdleByInstance(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	warmInstance(p, key, "i-1")

	inst, ok := p.MarkActiveByInstance("i-1")
	if !ok || inst.State != StateActive {
		t.Fatalf("expected Active, got ok=%v state=%s", ok, inst.State)
	}
	inst, ok = p.MarkIdleByInstance("i-1")
	if !ok || inst.State != StateWarmIdle {
		t.Fatalf("expected WarmIdle, got ok=%v state=%s", ok, inst.State)
	}
}

func TestMarkAnyActiveToIdleRequiresExactlyOneActive(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	warmInstance(p, key, "i-1")
	warmInstance(p, key, "i-2")

	if got := p.MarkAnyActiveToIdle(key); got != nil {
		t.Fatalf("expected nil with zero Active instances, got %+v", got)
	}

	p.MarkActiveByInstance("i-1")
	got := p.MarkAnyActiveToIdle(key)
	if got == nil || got.InstanceID != "i-1" {
		t.Fatalf("expected i-1 reclaimed, got %+v", got)
	}
	if inst := p.Get("i-1"); inst.State != StateWarmIdle {
		t.Fatalf("expected i-1 to be WarmIdle, got %s", inst.State)
	}

	p.MarkActiveByInstance("i-1")
	p.MarkActiveByInstance("i-2")
	if got := p.MarkAnyActiveToIdle(key); got != nil {
		t.Fatalf("expected nil with two Active instances (ambiguous), got %+v", got)
	}
}

func TestDrainByFunctionIDSkipsTerminalAndFailed(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	warmInstance(p, key, "i-1")
	p.Add(key, "i-2", "c-2")
	p.SetState("i-2", StateFailed)
	p.SetState("i-2", StateTerminated)

	drained := p.DrainByFunctionID(key)
	if len(drained) != 1 || drained[0].InstanceID != "i-1" {
		t.Fatalf("expected only i-1 drained, got %+v", drained)
	}
	if inst := p.Get("i-2"); inst.State != StateTerminated {
		t.Fatalf("terminated instance must be left alone, got %s", inst.State)
	}
}

func TestDrainAllIsIdempotent(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	warmInstance(p, key, "i-1")

	first := p.DrainAll()
	if len(first) != 1 {
		t.Fatalf("expected 1 drained on first call, got %d", len(first))
	}
	second := p.DrainAll()
	if len(second) != 0 {
		t.Fatalf("expected 0 drained on second call (idempotent), got %d", len(second))
	}
}

func TestListSoftAndHardIdleOrderedOldestFirst(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	warmInstance(p, key, "old")
	warmInstance(p, key, "new")

	// Backdate "old" so it is seen as idle-longer than "new".
	p.mu.Lock()
	p.instances["old"].LastActive = time.Now().Add(-time.Hour)
	p.instances["new"].LastActive = time.Now().Add(-time.Minute)
	p.mu.Unlock()

	soft := p.ListSoftIdle(30 * time.Second)
	if len(soft) != 2 || soft[0].InstanceID != "old" {
		t.Fatalf("expected [old, new], got %+v", soft)
	}

	tighter := p.ListSoftIdle(30 * time.Minute)
	if len(tighter) != 1 || tighter[0].InstanceID != "old" {
		t.Fatalf("expected only old to exceed 30m TTL, got %+v", tighter)
	}
}

func TestRemoveClearsInstanceAndEmptyKeyBucket(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	p.Add(key, "i-1", "c-1")
	p.Remove("i-1")
	if p.Get("i-1") != nil {
		t.Fatal("expected instance removed")
	}
	if p.Count(key) != 0 {
		t.Fatalf("expected count 0 after removing sole instance, got %d", p.Count(key))
	}
	// Removing again must not panic.
	p.Remove("i-1")
}

func TestConcurrentStateTransitionsStayConsistent(t *testing.T) {
	p := New()
	key := testKey("fn-1")
	for i := 0; i < 50; i++ {
		warmInstance(p, key, string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.MarkActiveByInstance(id)
			p.MarkIdleByInstance(id)
		}(id)
	}
	wg.Wait()

	if n := p.CountInState(key, StateWarmIdle); n != 50 {
		t.Fatalf("expected all 50 back to WarmIdle, got %d", n)
	}
}
