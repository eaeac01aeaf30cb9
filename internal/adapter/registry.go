package adapter

import (
	"sort"
	"sync"

	"skillhub/internal/api"
)

// registration is one live registry entry: a configuration, an optional
// instance, and a lifecycle state. At most one instance exists per adapter id.
type registration struct {
	mu        sync.Mutex
	config    *api.AdapterConfig
	instance  Adapter
	state     api.AdapterState
	lastError string

	// processMu serializes Process calls when the instance is non-reentrant.
	processMu sync.Mutex
}

func (r *registration) setState(state api.AdapterState, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.lastError = lastError
}

func (r *registration) setInstance(inst Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instance = inst
}

func (r *registration) instanceRef() Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance
}

func (r *registration) currentState() api.AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// liveInstance returns the instance if, and only if, the registration is
// running. Used by the hot path so the registry lock can be dropped before
// calling into the adapter.
func (r *registration) liveInstance() (Adapter, api.AdapterState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == api.StateRunning && r.instance != nil {
		return r.instance, r.state
	}
	return nil, r.state
}

func (r *registration) info() *api.AdapterInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &api.AdapterInfo{
		Config:      *r.config,
		State:       r.state,
		HasInstance: r.instance != nil,
		LastError:   r.lastError,
	}
}

// registry is the in-memory index adapter_id -> registration, guarded by a
// single RW lock. Lookups take shared access; membership changes exclusive.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*registration)}
}

func (r *registry) add(cfg *api.AdapterConfig) (*registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.AdapterID]; exists {
		return nil, api.NewError(api.CodeAlreadyRegistered, "adapter %s is already registered", cfg.AdapterID)
	}
	reg := &registration{config: cfg, state: api.StateRegistered}
	r.entries[cfg.AdapterID] = reg
	return reg, nil
}

func (r *registry) get(adapterID string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[adapterID]
	return reg, ok
}

func (r *registry) remove(adapterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, adapterID)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// all returns a stable snapshot of the current registrations.
func (r *registry) all() []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]*registration, 0, len(r.entries))
	for _, reg := range r.entries {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].config.AdapterID < regs[j].config.AdapterID
	})
	return regs
}
