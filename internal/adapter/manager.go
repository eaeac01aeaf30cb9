package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"skillhub/internal/api"
	"skillhub/internal/dependency"
	"skillhub/internal/store"
	"skillhub/pkg/logging"
)

// Manager is the single authoritative lifecycle controller for all adapters
// in the process. Every invocation of an adapter goes through it.
//
// Lifecycle transitions (register, unregister, start, stop) are serialized by
// lifecycleMu so no two goroutines race a chain of state changes. The hot
// path Process only takes shared registry access and drops it before calling
// into the instance.
type Manager struct {
	factories *Factories
	sessions  store.SessionFactory
	registry  *registry

	lifecycleMu sync.Mutex

	mu      sync.Mutex
	running bool
}

// NewManager creates a manager with an empty registry.
func NewManager(factories *Factories, sessions store.SessionFactory) *Manager {
	return &Manager{
		factories: factories,
		sessions:  sessions,
		registry:  newRegistry(),
	}
}

// Initialize restores every enabled persisted configuration into the registry
// in state registered. Nothing is auto-started; the first Start call pulls
// adapters in on demand.
func (m *Manager) Initialize(ctx context.Context) error {
	sess, err := m.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	configs, err := sess.ListEnabledAdapterConfigs()
	if err != nil {
		return fmt.Errorf("restore adapter configurations: %w", err)
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	restored := 0
	for _, cfg := range configs {
		if _, exists := m.registry.get(cfg.AdapterID); exists {
			continue
		}
		if _, err := m.registry.add(cfg); err != nil {
			return err
		}
		restored++
	}
	logging.Info("AdapterManager", "Restored %d adapter configuration(s)", restored)
	return nil
}

// Start marks the manager as running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	logging.Info("AdapterManager", "Manager started with %d registered adapter(s)", m.registry.len())
	return nil
}

// Stop force-stops every running adapter and marks the manager stopped.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	for _, reg := range m.registry.all() {
		if reg.currentState() != api.StateRunning {
			continue
		}
		if err := m.stopLocked(ctx, reg.config.AdapterID, true); err != nil {
			logging.Warn("AdapterManager", "Stopping %s during shutdown: %v", reg.config.AdapterID, err)
		}
	}
	logging.Info("AdapterManager", "Manager stopped")
	return nil
}

// IsRunning reports whether the manager itself has been started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Register adds a configuration to the registry and persists it. Identical
// re-registration is idempotent. A registration whose stored adapter_class
// differs from the incoming one is stopped and replaced, which handles stale
// records left behind by earlier migrations. A registration that would close
// a dependency cycle is rejected with the registry unchanged.
func (m *Manager) Register(ctx context.Context, cfg *api.AdapterConfig) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if existing, ok := m.registry.get(cfg.AdapterID); ok {
		if existing.config.AdapterClass == cfg.AdapterClass {
			logging.Debug("AdapterManager", "Adapter %s already registered with class %s, keeping it", cfg.AdapterID, cfg.AdapterClass)
			return nil
		}
		logging.Warn("AdapterManager", "Adapter %s registered with stale class %s, replacing with %s",
			cfg.AdapterID, existing.config.AdapterClass, cfg.AdapterClass)
		if err := m.stopLocked(ctx, cfg.AdapterID, true); err != nil {
			logging.Warn("AdapterManager", "Stopping stale adapter %s: %v", cfg.AdapterID, err)
		}
		if err := m.unregisterLocked(ctx, cfg.AdapterID); err != nil {
			return err
		}
	}

	if _, ok := m.factories.Lookup(cfg.AdapterClass); !ok {
		return api.NewError(api.CodeUnknownAdapterClass, "adapter class %q is not in the factory table", cfg.AdapterClass)
	}

	if err := m.checkCycleWith(cfg); err != nil {
		return err
	}

	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if cfg.Status == "" {
		cfg.Status = string(api.StateRegistered)
	}

	sess, err := m.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.InsertAdapterConfig(cfg); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}

	if _, err := m.registry.add(cfg); err != nil {
		return err
	}
	logging.Info("AdapterManager", "Registered adapter %s (class %s)", cfg.AdapterID, cfg.AdapterClass)
	return nil
}

// checkCycleWith validates the union of the current registry and one new
// configuration against dependency cycles.
func (m *Manager) checkCycleWith(cfg *api.AdapterConfig) error {
	graph := dependency.New()
	for _, reg := range m.registry.all() {
		graph.AddNode(dependency.NodeID(reg.config.AdapterID), toNodeIDs(reg.config.Dependencies))
	}
	graph.AddNode(dependency.NodeID(cfg.AdapterID), toNodeIDs(cfg.Dependencies))
	if err := graph.DetectCycle(); err != nil {
		return api.WrapError(api.CodeDependencyCycle, err, "registering %s would create a dependency cycle", cfg.AdapterID)
	}
	return nil
}

// Unregister stops the instance if needed, removes the registration, and
// deletes the persisted row. Fails with DEPENDENCY_VIOLATION while another
// running adapter still requires this one.
func (m *Manager) Unregister(ctx context.Context, adapterID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.unregisterLocked(ctx, adapterID)
}

func (m *Manager) unregisterLocked(ctx context.Context, adapterID string) error {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}

	if dependents := m.runningDependents(adapterID); len(dependents) > 0 {
		return api.NewError(api.CodeDependencyViolation,
			"adapter %s is required by running adapter(s) %v", adapterID, dependents).
			WithDetail("dependents", dependents)
	}

	if state := reg.currentState(); state == api.StateRunning || state == api.StateInitializing {
		if err := m.stopOne(ctx, reg); err != nil {
			logging.Warn("AdapterManager", "Stopping %s before unregister: %v", adapterID, err)
		}
	}

	m.registry.remove(adapterID)

	sess, err := m.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.DeleteAdapterConfig(adapterID); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	logging.Info("AdapterManager", "Unregistered adapter %s", adapterID)
	return nil
}

// StartAdapter brings an adapter to running, starting its transitive
// dependencies first. A failure anywhere rolls back every dependency this
// call started, in reverse order.
func (m *Manager) StartAdapter(ctx context.Context, adapterID string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.startLocked(ctx, adapterID)
}

func (m *Manager) startLocked(ctx context.Context, adapterID string) error {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	if reg.currentState() == api.StateRunning {
		return nil
	}

	// Cycles are detected eagerly, before any state changes.
	graph := dependency.New()
	for _, r := range m.registry.all() {
		graph.AddNode(dependency.NodeID(r.config.AdapterID), toNodeIDs(r.config.Dependencies))
	}
	order, err := graph.TransitiveDependencies(dependency.NodeID(adapterID))
	if err != nil {
		return api.WrapError(api.CodeDependencyCycle, err, "cannot start adapter %s", adapterID)
	}

	// Every declared dependency in the chain must itself be registered.
	for _, node := range append(append([]dependency.NodeID{}, order...), dependency.NodeID(adapterID)) {
		nodeReg, ok := m.registry.get(string(node))
		if !ok {
			continue
		}
		for _, dep := range nodeReg.config.Dependencies {
			if _, ok := m.registry.get(dep); !ok {
				return api.NewError(api.CodeAdapterNotFound,
					"adapter %s depends on %s, which is not registered", node, dep)
			}
		}
	}

	// Call-scoped record of what this invocation started, for rollback.
	var started []*registration
	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := m.stopOne(ctx, started[i]); err != nil {
				logging.Warn("AdapterManager", "Rollback stop of %s: %v", started[i].config.AdapterID, err)
			}
		}
	}

	for _, depID := range order {
		depReg, ok := m.registry.get(string(depID))
		if !ok || depReg.currentState() == api.StateRunning {
			continue
		}
		if err := m.startOne(ctx, depReg); err != nil {
			rollback()
			return api.WrapError(api.CodeStartFailed, err,
				"starting dependency %s of adapter %s", depID, adapterID)
		}
		started = append(started, depReg)
	}

	if err := m.startOne(ctx, reg); err != nil {
		rollback()
		return err
	}
	return nil
}

// startOne runs the instance lifecycle for a single registration:
// registered -> initializing -> running, or failed.
func (m *Manager) startOne(ctx context.Context, reg *registration) error {
	adapterID := reg.config.AdapterID
	reg.setState(api.StateInitializing, "")
	m.persistStatus(ctx, adapterID, string(api.StateInitializing))

	factory, ok := m.factories.Lookup(reg.config.AdapterClass)
	if !ok {
		err := api.NewError(api.CodeUnknownAdapterClass, "adapter class %q is not in the factory table", reg.config.AdapterClass)
		reg.setState(api.StateFailed, err.Error())
		m.persistStatus(ctx, adapterID, string(api.StateFailed))
		return err
	}

	inst := factory()
	if err := inst.Initialize(ctx, reg.config.Config); err != nil {
		if cleanupErr := inst.Cleanup(ctx); cleanupErr != nil {
			logging.Warn("AdapterManager", "Cleanup after failed initialize of %s: %v", adapterID, cleanupErr)
		}
		reg.setState(api.StateFailed, err.Error())
		m.persistStatus(ctx, adapterID, string(api.StateFailed))
		return api.WrapError(api.CodeStartFailed, err, "initialize adapter %s", adapterID)
	}
	if err := inst.Start(ctx); err != nil {
		if cleanupErr := inst.Cleanup(ctx); cleanupErr != nil {
			logging.Warn("AdapterManager", "Cleanup after failed start of %s: %v", adapterID, cleanupErr)
		}
		reg.setState(api.StateFailed, err.Error())
		m.persistStatus(ctx, adapterID, string(api.StateFailed))
		return api.WrapError(api.CodeStartFailed, err, "start adapter %s", adapterID)
	}

	reg.setInstance(inst)
	reg.setState(api.StateRunning, "")
	m.persistStatus(ctx, adapterID, string(api.StateRunning))
	logging.Info("AdapterManager", "Adapter %s is running", adapterID)
	return nil
}

// StopAdapter stops and cleans up an adapter. With force=false, running
// dependents make the call fail; with force=true, running dependents are
// torn down first.
func (m *Manager) StopAdapter(ctx context.Context, adapterID string, force bool) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.stopLocked(ctx, adapterID, force)
}

func (m *Manager) stopLocked(ctx context.Context, adapterID string, force bool) error {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	state := reg.currentState()
	if state != api.StateRunning && state != api.StateInitializing {
		return nil
	}

	dependents := m.runningDependents(adapterID)
	if len(dependents) > 0 {
		if !force {
			return api.NewError(api.CodeDependencyViolation,
				"adapter %s is required by running adapter(s) %v", adapterID, dependents).
				WithDetail("dependents", dependents)
		}
		for _, dep := range dependents {
			if err := m.stopLocked(ctx, dep, true); err != nil {
				logging.Warn("AdapterManager", "Force-stopping dependent %s of %s: %v", dep, adapterID, err)
			}
		}
	}
	return m.stopOne(ctx, reg)
}

func (m *Manager) stopOne(ctx context.Context, reg *registration) error {
	adapterID := reg.config.AdapterID
	inst := reg.instanceRef()
	if inst == nil {
		reg.setState(api.StateStopped, "")
		m.persistStatus(ctx, adapterID, string(api.StateStopped))
		return nil
	}

	reg.setState(api.StateStopping, "")
	m.persistStatus(ctx, adapterID, string(api.StateStopping))

	stopErr := inst.Stop(ctx)
	if cleanupErr := inst.Cleanup(ctx); cleanupErr != nil {
		logging.Warn("AdapterManager", "Cleanup of %s: %v", adapterID, cleanupErr)
	}
	reg.setInstance(nil)

	if stopErr != nil {
		reg.setState(api.StateFailed, stopErr.Error())
		m.persistStatus(ctx, adapterID, string(api.StateFailed))
		return api.WrapError(api.CodeStopFailed, stopErr, "stop adapter %s", adapterID)
	}
	reg.setState(api.StateStopped, "")
	m.persistStatus(ctx, adapterID, string(api.StateStopped))
	logging.Info("AdapterManager", "Adapter %s stopped", adapterID)
	return nil
}

// runningDependents returns the ids of registered adapters that list
// adapterID as a dependency and are currently running, sorted.
func (m *Manager) runningDependents(adapterID string) []string {
	var dependents []string
	for _, reg := range m.registry.all() {
		if reg.config.AdapterID == adapterID {
			continue
		}
		for _, dep := range reg.config.Dependencies {
			if dep == adapterID && reg.currentState() == api.StateRunning {
				dependents = append(dependents, reg.config.AdapterID)
				break
			}
		}
	}
	return dependents
}

// Get returns a read-only snapshot of a registration. It never starts
// anything and never exposes the instance.
func (m *Manager) Get(adapterID string) (*api.AdapterInfo, error) {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return nil, api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	return reg.info(), nil
}

// List returns snapshots of every registration, sorted by adapter id.
func (m *Manager) List() []*api.AdapterInfo {
	regs := m.registry.all()
	infos := make([]*api.AdapterInfo, 0, len(regs))
	for _, reg := range regs {
		infos = append(infos, reg.info())
	}
	return infos
}

// AdapterState returns the lifecycle state of a registration.
func (m *Manager) AdapterState(adapterID string) (api.AdapterState, error) {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return "", api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	return reg.currentState(), nil
}

// Process is the hot path: it invokes a running adapter's Process with the
// given input and execution context, measures wall-clock duration, and
// records usage. The registry lock is dropped before calling the instance so
// long-running work never blocks registry reads. Calls against a
// non-reentrant instance are serialized per registration.
func (m *Manager) Process(ctx context.Context, adapterID string, input map[string]interface{}, ec *api.ExecutionContext) (*api.ExecutionResult, error) {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return nil, api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	inst, state := reg.liveInstance()
	if inst == nil {
		return nil, api.NewError(api.CodeNotRunning, "adapter %s is %s, not running", adapterID, state)
	}

	if isNonReentrant(inst) {
		reg.processMu.Lock()
		defer reg.processMu.Unlock()
	}

	if timeout := processTimeout(reg.config); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	startedAt := time.Now()
	output, err := inst.Process(ctx, input, ec)
	durationMs := time.Since(startedAt).Milliseconds()

	m.touchUsage(ctx, adapterID, startedAt)

	if err != nil {
		result := &api.ExecutionResult{
			Status:     "failed",
			DurationMs: durationMs,
			Error:      err.Error(),
		}
		code := api.CodeProcessFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = api.CodeTimeout
		}
		return result, api.WrapError(code, err, "adapter %s process failed", adapterID)
	}
	return &api.ExecutionResult{
		Output:     output,
		Status:     "success",
		DurationMs: durationMs,
	}, nil
}

// processTimeout reads the optional per-adapter Process deadline from the
// configuration. JSON-decoded configs carry numbers as float64.
func processTimeout(cfg *api.AdapterConfig) time.Duration {
	switch v := cfg.Config["process_timeout_seconds"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

// Diagnose reproduces a start synchronously with a throwaway instance and
// reports the first failure as type and message. A clean run indicates the
// failure lives in manager bookkeeping rather than the adapter itself.
func (m *Manager) Diagnose(ctx context.Context, adapterID string) string {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return fmt.Sprintf("adapter %s is not registered", adapterID)
	}
	factory, ok := m.factories.Lookup(reg.config.AdapterClass)
	if !ok {
		return fmt.Sprintf("unknown adapter class %q", reg.config.AdapterClass)
	}

	inst := factory()
	if err := inst.Initialize(ctx, reg.config.Config); err != nil {
		_ = inst.Cleanup(ctx)
		return fmt.Sprintf("%T: %v", err, err)
	}
	if err := inst.Start(ctx); err != nil {
		_ = inst.Cleanup(ctx)
		return fmt.Sprintf("%T: %v", err, err)
	}
	if err := inst.Stop(ctx); err != nil {
		_ = inst.Cleanup(ctx)
		return fmt.Sprintf("%T: %v", err, err)
	}
	if err := inst.Cleanup(ctx); err != nil {
		return fmt.Sprintf("%T: %v", err, err)
	}
	return "manual start succeeded"
}

// HealthCheck forwards to the live instance. A registration without one
// reports unhealthy instead of erroring.
func (m *Manager) HealthCheck(ctx context.Context, adapterID string) (*api.HealthReport, error) {
	reg, ok := m.registry.get(adapterID)
	if !ok {
		return nil, api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	inst, state := reg.liveInstance()
	if inst == nil {
		return &api.HealthReport{
			IsHealthy: false,
			Status:    string(state),
			Issues:    []string{"no live instance"},
		}, nil
	}
	return inst.HealthCheck(ctx)
}

// persistStatus mirrors a state change into the configuration row. Best
// effort: a persistence hiccup must not wedge the in-memory lifecycle.
func (m *Manager) persistStatus(ctx context.Context, adapterID, status string) {
	sess, err := m.sessions.NewSession(ctx)
	if err != nil {
		logging.Warn("AdapterManager", "Persisting status of %s: %v", adapterID, err)
		return
	}
	defer sess.Rollback()
	if err := sess.UpdateAdapterStatus(adapterID, status); err != nil {
		logging.Warn("AdapterManager", "Persisting status of %s: %v", adapterID, err)
		return
	}
	if err := sess.Commit(); err != nil {
		logging.Warn("AdapterManager", "Persisting status of %s: %v", adapterID, err)
	}
}

// touchUsage bumps usage_count and last_used_at through its own session.
func (m *Manager) touchUsage(ctx context.Context, adapterID string, usedAt time.Time) {
	sess, err := m.sessions.NewSession(ctx)
	if err != nil {
		logging.Warn("AdapterManager", "Recording usage of %s: %v", adapterID, err)
		return
	}
	defer sess.Rollback()
	if err := sess.TouchAdapterUsage(adapterID, usedAt); err != nil {
		logging.Warn("AdapterManager", "Recording usage of %s: %v", adapterID, err)
		return
	}
	if err := sess.Commit(); err != nil {
		logging.Warn("AdapterManager", "Recording usage of %s: %v", adapterID, err)
	}
}

func toNodeIDs(ids []string) []dependency.NodeID {
	nodes := make([]dependency.NodeID, len(ids))
	for i, id := range ids {
		nodes[i] = dependency.NodeID(id)
	}
	return nodes
}
