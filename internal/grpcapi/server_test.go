package grpcapi

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

type fakeDriver struct {
	stopped int32
	removed int32
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	return sandbox.Handle{InstanceID: spec.InstanceID}, nil
}
func (d *fakeDriver) Start(ctx context.Context, handle sandbox.Handle) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, handle sandbox.Handle) error {
	atomic.AddInt32(&d.stopped, 1)
	return nil
}
func (d *fakeDriver) Remove(ctx context.Context, handle sandbox.Handle) error {
	atomic.AddInt32(&d.removed, 1)
	return nil
}
func (d *fakeDriver) Inspect(ctx context.Context, handle sandbox.Handle) (bool, error) {
	return true, nil
}
func (d *fakeDriver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	ch := make(chan sandbox.Event)
	close(ch)
	return ch, nil
}

func TestAdminServer_GetStats_FiltersByFunctionName(t *testing.T) {
	pool := warmpool.New()
	q := queue.New()
	keyA := domain.FunctionKey{FunctionName: "echo", Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "h1"}
	keyB := domain.FunctionKey{FunctionName: "other", Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "h2"}
	pool.Add(keyA, "inst-a", "c-a")
	pool.Add(keyB, "inst-b", "c-b")

	srv := New(pool, q, pending.New(), &fakeDriver{})

	resp, err := srv.GetStats(context.Background(), &StatsRequest{FunctionName: "echo"})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if len(resp.Lanes) != 1 || resp.Lanes[0].FunctionName != "echo" {
		t.Fatalf("expected exactly one echo lane, got %+v", resp.Lanes)
	}
	if resp.TotalInstances != 2 {
		t.Fatalf("expected total instances 2, got %d", resp.TotalInstances)
	}
}

func TestAdminServer_Drain_TearsDownInstances(t *testing.T) {
	pool := warmpool.New()
	key := domain.FunctionKey{FunctionName: "echo", Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "h1"}
	pool.Add(key, "inst-a", "c-a")
	pool.SetState("inst-a", warmpool.StateProvisioning)
	pool.SetState("inst-a", warmpool.StateInitializing)
	pool.SetState("inst-a", warmpool.StateWarmIdle)

	driver := &fakeDriver{}
	srv := New(pool, queue.New(), pending.New(), driver)

	resp, err := srv.Drain(context.Background(), &DrainRequest{
		FunctionName: "echo", Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "h1",
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(resp.DrainedInstanceIds) != 1 || resp.DrainedInstanceIds[0] != "inst-a" {
		t.Fatalf("expected inst-a drained, got %+v", resp)
	}
	if atomic.LoadInt32(&driver.stopped) != 1 || atomic.LoadInt32(&driver.removed) != 1 {
		t.Fatalf("expected driver Stop and Remove to be called once each")
	}
	if pool.Get("inst-a") != nil {
		t.Fatalf("expected instance to be removed from pool")
	}
}

func TestAdminServer_Drain_RequiresFunctionName(t *testing.T) {
	srv := New(warmpool.New(), queue.New(), pending.New(), &fakeDriver{})
	if _, err := srv.Drain(context.Background(), &DrainRequest{}); err == nil {
		t.Fatal("expected error for missing function_name")
	}
}
