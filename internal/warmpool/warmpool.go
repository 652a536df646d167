// Package warmpool tracks the set of live sandbox instances per function
// key and the state machine each one moves through between cold start
// and teardown (spec.md §4.5, §3). It holds no opinion about how a
// container is created or destroyed — that belongs to sandbox.Driver —
// only about which ones exist and whether they may currently take work.
package warmpool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

// Instance is one sandboxed runtime process bound to a FunctionKey.
type Instance struct {
	InstanceID  string
	ContainerID string
	Endpoint    string
	Key         domain.FunctionKey
	State       InstanceState
	CreatedAt   time.Time
	LastActive  time.Time
	FailCount   int
}

// Pool is the registry of all instances across all function keys,
// guarded by a single mutex. The teacher's pool.go takes the same
// approach (one RWMutex over the whole map) rather than a lock-striped
// design, on the grounds that hold times are a handful of map/slice
// operations, never I/O.
type Pool struct {
	mu        sync.RWMutex
	instances map[string]*Instance            // instanceID -> instance
	byKey     map[domain.FunctionKey][]string // key -> instanceIDs, insertion order
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		instances: make(map[string]*Instance),
		byKey:     make(map[domain.FunctionKey][]string),
	}
}

// Add registers a brand-new instance in StateInit for key and returns it.
func (p *Pool) Add(key domain.FunctionKey, instanceID, containerID string) *Instance {
	now := time.Now()
	inst := &Instance{
		InstanceID:  instanceID,
		ContainerID: containerID,
		Key:         key,
		State:       StateInit,
		CreatedAt:   now,
		LastActive:  now,
	}
	p.mu.Lock()
	p.instances[instanceID] = inst
	p.byKey[key] = append(p.byKey[key], instanceID)
	p.mu.Unlock()
	return inst
}

// SetEndpoint records the dial address a driver returned for instanceID,
// so a later Stop/Remove call can reconstruct a sandbox.Handle without
// the caller having to keep its own side table.
func (p *Pool) SetEndpoint(instanceID, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[instanceID]; ok {
		inst.Endpoint = endpoint
	}
}

// Count returns the number of instances currently tracked for key,
// regardless of state.
func (p *Pool) Count(key domain.FunctionKey) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKey[key])
}

// CountInState returns the number of instances for key currently in state.
func (p *Pool) CountInState(key domain.FunctionKey, state InstanceState) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, id := range p.byKey[key] {
		if inst, ok := p.instances[id]; ok && inst.State == state {
			n++
		}
	}
	return n
}

// HasAvailable reports whether key has at least one WarmIdle instance
// ready to serve the next invocation immediately. A Stopped instance
// does not count: it still needs to be resumed (GetOneStopped +
// driver.Start) before it can take work, which is exactly the branch
// this check is meant to route callers into (spec.md §4.5).
func (p *Pool) HasAvailable(key domain.FunctionKey) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.byKey[key] {
		inst := p.instances[id]
		if inst == nil {
			continue
		}
		if inst.State == StateWarmIdle {
			return true
		}
	}
	return false
}

// GetOneStopped returns the oldest Stopped instance for key, if any, so
// the caller can resume it instead of provisioning a fresh one.
func (p *Pool) GetOneStopped(key domain.FunctionKey) *Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.byKey[key] {
		if inst := p.instances[id]; inst != nil && inst.State == StateStopped {
			return inst
		}
	}
	return nil
}

// transition applies a state change under the pool lock, enforcing
// CanTransition. An invalid transition is a no-op that returns false;
// callers are expected to log a warning, not treat it as fatal.
func (p *Pool) transition(inst *Instance, to InstanceState) bool {
	if !CanTransition(inst.State, to) {
		return false
	}
	inst.State = to
	inst.LastActive = time.Now()
	return true
}

// SetStateByContainerID transitions the instance owning containerID to
// newState, used by the sandbox event stream (spec.md §4.6) when a
// container dies or exits out of band.
func (p *Pool) SetStateByContainerID(containerID string, newState InstanceState) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.ContainerID == containerID {
			ok := p.transition(inst, newState)
			return inst, ok
		}
	}
	return nil, false
}

// SetState transitions instanceID to newState directly.
func (p *Pool) SetState(instanceID string, newState InstanceState) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return nil, false
	}
	return inst, p.transition(inst, newState)
}

// MarkActiveByInstance moves instanceID from WarmIdle to Active,
// claiming it for an in-flight invocation.
func (p *Pool) MarkActiveByInstance(instanceID string) (*Instance, bool) {
	return p.SetState(instanceID, StateActive)
}

// MarkIdleByInstance moves instanceID from Active back to WarmIdle when
// an invocation completes.
func (p *Pool) MarkIdleByInstance(instanceID string) (*Instance, bool) {
	return p.SetState(instanceID, StateWarmIdle)
}

// MarkAnyActiveToIdle is the fallback path from original_source's
// mark_any_active_to_idle: when the instance id that actually executed
// an invocation cannot be determined (older runtime clients, or a
// completion race), fall back to reclaiming the single Active instance
// for key, if exactly one exists. Returns the reclaimed instance, or nil
// if zero or more than one Active instance was found — in the ambiguous
// multi-Active case the caller must not guess.
func (p *Pool) MarkAnyActiveToIdle(key domain.FunctionKey) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	var active []*Instance
	for _, id := range p.byKey[key] {
		if inst := p.instances[id]; inst != nil && inst.State == StateActive {
			active = append(active, inst)
		}
	}
	if len(active) != 1 {
		return nil
	}
	inst := active[0]
	p.transition(inst, StateWarmIdle)
	return inst
}

// DrainByFunctionID transitions the WarmIdle and Active instances of key
// to Draining and returns them; instances in any other state (Init,
// Provisioning, Initializing, Stopping, Stopped, Failed) have no Draining
// transition, so they stay in the pool unchanged and are not returned.
// Used when a function is updated or deleted and its existing
// warm instances must stop accepting new work (spec.md §4.5 "function
// update invalidates warm instances").
func (p *Pool) DrainByFunctionID(key domain.FunctionKey) []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	var drained []*Instance
	for _, id := range p.byKey[key] {
		inst := p.instances[id]
		if inst == nil || IsTerminal(inst.State) || inst.State == StateFailed {
			continue
		}
		if p.transition(inst, StateDraining) {
			drained = append(drained, inst)
		}
	}
	return drained
}

// ListSoftIdle returns WarmIdle instances whose LastActive exceeds
// softTTL, oldest first — candidates for the idle watchdog's soft sweep
// (stop, don't remove; spec.md §4.10).
func (p *Pool) ListSoftIdle(softTTL time.Duration) []*Instance {
	return p.listIdleOlderThan(StateWarmIdle, softTTL)
}

// ListHardIdle returns Stopped instances whose LastActive exceeds
// hardTTL, oldest first — candidates for full removal.
func (p *Pool) ListHardIdle(hardTTL time.Duration) []*Instance {
	return p.listIdleOlderThan(StateStopped, hardTTL)
}

func (p *Pool) listIdleOlderThan(state InstanceState, ttl time.Duration) []*Instance {
	cutoff := time.Now().Add(-ttl)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Instance
	for _, inst := range p.instances {
		if inst.State == state && inst.LastActive.Before(cutoff) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.Before(out[j].LastActive) })
	return out
}

// Remove deletes instanceID from the pool entirely, once its sandbox has
// been torn down. Idempotent: removing an already-absent id is a no-op.
func (p *Pool) Remove(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return
	}
	delete(p.instances, instanceID)
	ids := p.byKey[inst.Key]
	for i, id := range ids {
		if id == instanceID {
			p.byKey[inst.Key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(p.byKey[inst.Key]) == 0 {
		delete(p.byKey, inst.Key)
	}
}

// DrainAll transitions the WarmIdle and Active instances across every key
// to Draining, for process shutdown, and returns them. Instances in any
// other state (including Stopped and Draining) are left untouched and are
// not returned, so a second call returns nothing.
func (p *Pool) DrainAll() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	var drained []*Instance
	for _, inst := range p.instances {
		if IsTerminal(inst.State) || inst.State == StateFailed || inst.State == StateDraining {
			continue
		}
		if p.transition(inst, StateDraining) {
			drained = append(drained, inst)
		}
	}
	return drained
}

// Get returns the instance for instanceID, or nil if absent.
func (p *Pool) Get(instanceID string) *Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instances[instanceID]
}

// Snapshot returns a shallow copy of every instance for key, for status
// endpoints and tests. Ordered by CreatedAt.
func (p *Pool) Snapshot(key domain.FunctionKey) []Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Instance, 0, len(p.byKey[key]))
	for _, id := range p.byKey[key] {
		if inst := p.instances[id]; inst != nil {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TotalCount returns the number of instances tracked across every key,
// regardless of state, for global-cap enforcement (spec.md §5).
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Keys returns every FunctionKey currently tracked by the pool, in no
// particular order. Used by the admin gRPC GetStats to iterate lanes
// without needing its own index into the pool's internals.
func (p *Pool) Keys() []domain.FunctionKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.FunctionKey, 0, len(p.byKey))
	for key := range p.byKey {
		out = append(out, key)
	}
	return out
}

// String renders an instance for log lines.
func (inst *Instance) String() string {
	return fmt.Sprintf("instance{id=%s state=%s key=%s}", inst.InstanceID, inst.State, inst.Key.FunctionName)
}
