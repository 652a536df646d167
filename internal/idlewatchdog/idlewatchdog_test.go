package idlewatchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

type fakeDriver struct {
	stopped  int32
	removed  int32
	stopErr  error
	removeErr error
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	return sandbox.Handle{}, nil
}
func (d *fakeDriver) Start(ctx context.Context, handle sandbox.Handle) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, handle sandbox.Handle) error {
	atomic.AddInt32(&d.stopped, 1)
	return d.stopErr
}
func (d *fakeDriver) Remove(ctx context.Context, handle sandbox.Handle) error {
	atomic.AddInt32(&d.removed, 1)
	return d.removeErr
}
func (d *fakeDriver) Inspect(ctx context.Context, handle sandbox.Handle) (bool, error) {
	return true, nil
}
func (d *fakeDriver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	ch := make(chan sandbox.Event)
	close(ch)
	return ch, nil
}

func testKey() domain.FunctionKey {
	return domain.FunctionKey{FunctionName: "fn-1", Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "abc"}
}

func warmInstance(p *warmpool.Pool, key domain.FunctionKey, id string) *warmpool.Instance {
	inst := p.Add(key, id, "c-"+id)
	p.SetState(id, warmpool.StateProvisioning)
	p.SetState(id, warmpool.StateInitializing)
	p.SetState(id, warmpool.StateWarmIdle)
	return inst
}

func ageInstance(inst *warmpool.Instance, age time.Duration) {
	inst.LastActive = time.Now().Add(-age)
	inst.CreatedAt = time.Now().Add(-age)
}

func TestSweepSoftStopsOldWarmIdleInstance(t *testing.T) {
	pool := warmpool.New()
	driver := &fakeDriver{}
	key := testKey()
	inst := warmInstance(pool, key, "i-1")
	ageInstance(inst, time.Hour)

	cfg := Config{SoftIdle: time.Minute, HardIdle: time.Hour * 24, MaxAge: time.Hour * 24}
	w := New(pool, driver, cfg)
	w.Sweep(context.Background())

	if atomic.LoadInt32(&driver.stopped) != 1 {
		t.Fatalf("expected exactly 1 stop call, got %d", driver.stopped)
	}
	if got := pool.Get("i-1").State; got != warmpool.StateStopped {
		t.Fatalf("expected instance to be Stopped, got %s", got)
	}
}

func TestSweepHardRemovesOldStoppedPastMaxAge(t *testing.T) {
	pool := warmpool.New()
	driver := &fakeDriver{}
	key := testKey()
	inst := warmInstance(pool, key, "i-1")
	pool.SetState("i-1", warmpool.StateStopping)
	pool.SetState("i-1", warmpool.StateStopped)
	ageInstance(inst, 2*time.Hour)

	cfg := Config{SoftIdle: time.Minute, HardIdle: time.Minute, MaxAge: time.Hour}
	w := New(pool, driver, cfg)
	w.Sweep(context.Background())

	if atomic.LoadInt32(&driver.removed) != 1 {
		t.Fatalf("expected exactly 1 remove call, got %d", driver.removed)
	}
	if pool.Get("i-1") != nil {
		t.Fatal("expected instance to be deleted from pool")
	}
}

func TestSweepHardRetainsStoppedUnderMaxAgeDespitePastHardIdle(t *testing.T) {
	pool := warmpool.New()
	driver := &fakeDriver{}
	key := testKey()
	inst := warmInstance(pool, key, "i-1")
	pool.SetState("i-1", warmpool.StateStopping)
	pool.SetState("i-1", warmpool.StateStopped)
	ageInstance(inst, 10*time.Minute)

	cfg := Config{SoftIdle: time.Minute, HardIdle: 5 * time.Minute, MaxAge: time.Hour}
	w := New(pool, driver, cfg)
	w.Sweep(context.Background())

	if atomic.LoadInt32(&driver.removed) != 0 {
		t.Fatalf("expected no removal before max_age, got %d", driver.removed)
	}
	if pool.Get("i-1") == nil {
		t.Fatal("expected instance to remain retained for fast restart")
	}
}

func TestEvictOverflowCapsStoppedEntriesPerLane(t *testing.T) {
	pool := warmpool.New()
	driver := &fakeDriver{}
	key := testKey()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		inst := warmInstance(pool, key, id)
		pool.SetState(id, warmpool.StateStopping)
		pool.SetState(id, warmpool.StateStopped)
		ageInstance(inst, time.Duration(5-i)*time.Minute)
	}

	cfg := Config{SoftIdle: time.Hour, HardIdle: time.Hour * 24, MaxAge: time.Hour * 24, MaxStoppedPerLane: 2}
	w := New(pool, driver, cfg)
	w.Sweep(context.Background())

	if got := pool.Count(key); got != 2 {
		t.Fatalf("expected overflow eviction down to cap of 2, got %d (snapshot %+v)", got, pool.Snapshot(key))
	}
}

func TestHandleSandboxEventReconcilesDieRegardlessOfSchedule(t *testing.T) {
	pool := warmpool.New()
	driver := &fakeDriver{}
	key := testKey()
	warmInstance(pool, key, "i-1")

	w := New(pool, driver, DefaultConfig())
	w.HandleSandboxEvent(context.Background(), sandbox.Event{ContainerID: "c-i-1", Kind: sandbox.EventExited, At: time.Now()})

	if pool.Get("i-1") != nil {
		t.Fatal("expected instance removed after reconciling a Die event")
	}
}

func TestHandleSandboxEventIsIdempotentForUnknownContainer(t *testing.T) {
	pool := warmpool.New()
	driver := &fakeDriver{}
	w := New(pool, driver, DefaultConfig())

	w.HandleSandboxEvent(context.Background(), sandbox.Event{ContainerID: "unknown", Kind: sandbox.EventCrash, At: time.Now()})
	// No panic, no state to assert beyond "did not explode".
}
