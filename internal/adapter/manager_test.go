package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skillhub/internal/api"
	"skillhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeClass = "test.fake"
const slowClass = "test.slow"

// fakeAdapter drives its behavior from the configuration map so tests can
// provoke failures at any lifecycle step.
type fakeAdapter struct {
	failInit    bool
	failStart   bool
	failProcess bool
	failStop    bool
	blockOnCtx  bool
	processed   int32
}

func (f *fakeAdapter) Initialize(ctx context.Context, config map[string]interface{}) error {
	f.failInit, _ = config["fail_init"].(bool)
	f.failStart, _ = config["fail_start"].(bool)
	f.failProcess, _ = config["fail_process"].(bool)
	f.failStop, _ = config["fail_stop"].(bool)
	f.blockOnCtx, _ = config["block_on_ctx"].(bool)
	if f.failInit {
		return errors.New("init boom")
	}
	return nil
}

func (f *fakeAdapter) Start(ctx context.Context) error {
	if f.failStart {
		return errors.New("start boom")
	}
	return nil
}

func (f *fakeAdapter) Process(ctx context.Context, input map[string]interface{}, ec *api.ExecutionContext) (map[string]interface{}, error) {
	atomic.AddInt32(&f.processed, 1)
	if f.failProcess {
		return nil, errors.New("process boom")
	}
	if f.blockOnCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return map[string]interface{}{"echo": input}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	if f.failStop {
		return errors.New("stop boom")
	}
	return nil
}

func (f *fakeAdapter) Cleanup(ctx context.Context) error { return nil }

func (f *fakeAdapter) HealthCheck(ctx context.Context) (*api.HealthReport, error) {
	return &api.HealthReport{IsHealthy: true, Status: "running"}, nil
}

// slowAdapter is non-reentrant and detects overlapping Process calls.
type slowAdapter struct {
	fakeAdapter
	active     int32
	overlapped int32
}

func (s *slowAdapter) NonReentrant() {}

func (s *slowAdapter) Process(ctx context.Context, input map[string]interface{}, ec *api.ExecutionContext) (map[string]interface{}, error) {
	if atomic.AddInt32(&s.active, 1) > 1 {
		atomic.StoreInt32(&s.overlapped, 1)
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&s.active, -1)
	return map[string]interface{}{"ok": true}, nil
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	factories := NewFactories()
	factories.Register(fakeClass, func() Adapter { return &fakeAdapter{} })
	factories.Register(slowClass, func() Adapter { return &slowAdapter{} })
	return NewManager(factories, st), st
}

func fakeConfig(id string, deps []string, conf map[string]interface{}) *api.AdapterConfig {
	if conf == nil {
		conf = map[string]interface{}{}
	}
	return &api.AdapterConfig{
		AdapterID:    id,
		Name:         id,
		AdapterType:  api.AdapterTypeSoft,
		AdapterClass: fakeClass,
		Version:      "1.0.0",
		Config:       conf,
		Dependencies: deps,
		IsEnabled:    true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))

	info, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, api.StateRegistered, info.State)
	assert.False(t, info.HasInstance)

	_, err = m.Get("missing")
	assert.Equal(t, api.CodeAdapterNotFound, api.CodeOf(err))
}

func TestRegisterIdempotentOnIdenticalClass(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))
	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))
	assert.Len(t, m.List(), 1)
}

func TestRegisterUnknownClassFailsFast(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := fakeConfig("a", nil, nil)
	cfg.AdapterClass = "no.such.class"

	err := m.Register(context.Background(), cfg)
	assert.Equal(t, api.CodeUnknownAdapterClass, api.CodeOf(err))
	assert.Empty(t, m.List())
}

func TestRegisterReplacesStaleClass(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cfg := fakeConfig("a", nil, nil)
	cfg.AdapterClass = slowClass
	require.NoError(t, m.Register(ctx, cfg))
	require.NoError(t, m.StartAdapter(ctx, "a"))

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))

	info, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, fakeClass, info.Config.AdapterClass)
	assert.Equal(t, api.StateRegistered, info.State)
}

func TestRegisterRejectsDependencyCycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", []string{"b"}, nil)))
	require.NoError(t, m.Register(ctx, fakeConfig("b", []string{"c"}, nil)))

	err := m.Register(ctx, fakeConfig("c", []string{"a"}, nil))
	require.Error(t, err)
	assert.Equal(t, api.CodeDependencyCycle, api.CodeOf(err))

	// Registry is unchanged: exactly {a, b}.
	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Config.AdapterID)
	assert.Equal(t, "b", infos[1].Config.AdapterID)
}

func TestStartStopLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))
	require.NoError(t, m.StartAdapter(ctx, "a"))

	state, err := m.AdapterState("a")
	require.NoError(t, err)
	assert.Equal(t, api.StateRunning, state)

	// Starting a running adapter is a no-op.
	require.NoError(t, m.StartAdapter(ctx, "a"))

	result, err := m.Process(ctx, "a", map[string]interface{}{"k": "v"}, &api.ExecutionContext{ExecutionID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, map[string]interface{}{"k": "v"}, result.Output["echo"])

	require.NoError(t, m.StopAdapter(ctx, "a", false))
	state, _ = m.AdapterState("a")
	assert.Equal(t, api.StateStopped, state)

	_, err = m.Process(ctx, "a", nil, &api.ExecutionContext{})
	assert.Equal(t, api.CodeNotRunning, api.CodeOf(err))
}

func TestStartUnregisteredDependencyFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", []string{"ghost"}, nil)))
	err := m.StartAdapter(ctx, "a")
	assert.Equal(t, api.CodeAdapterNotFound, api.CodeOf(err))
}

func TestStartFailureRollsBackStartedDependencies(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// a -> b -> c; b fails at start, so c must be rolled back.
	require.NoError(t, m.Register(ctx, fakeConfig("c", nil, nil)))
	require.NoError(t, m.Register(ctx, fakeConfig("b", []string{"c"}, map[string]interface{}{"fail_start": true})))
	require.NoError(t, m.Register(ctx, fakeConfig("a", []string{"b"}, nil)))

	err := m.StartAdapter(ctx, "a")
	require.Error(t, err)
	assert.Equal(t, api.CodeStartFailed, api.CodeOf(err))

	stateC, _ := m.AdapterState("c")
	assert.Equal(t, api.StateStopped, stateC)
	stateB, _ := m.AdapterState("b")
	assert.Equal(t, api.StateFailed, stateB)
	stateA, _ := m.AdapterState("a")
	assert.Equal(t, api.StateRegistered, stateA)
}

func TestHundredAdapterChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// a000 is the head everything transitively depends on; a099 is the tail.
	const n = 100
	for i := 0; i < n; i++ {
		var deps []string
		if i > 0 {
			deps = []string{chainID(i - 1)}
		}
		require.NoError(t, m.Register(ctx, fakeConfig(chainID(i), deps, nil)))
	}

	require.NoError(t, m.StartAdapter(ctx, chainID(n-1)))
	for i := 0; i < n; i++ {
		state, err := m.AdapterState(chainID(i))
		require.NoError(t, err)
		require.Equal(t, api.StateRunning, state, "adapter %s", chainID(i))
	}

	// Stopping the head without force must fail while dependents run.
	err := m.StopAdapter(ctx, chainID(0), false)
	assert.Equal(t, api.CodeDependencyViolation, api.CodeOf(err))

	// With force the whole chain tears down.
	require.NoError(t, m.StopAdapter(ctx, chainID(0), true))
	for i := 0; i < n; i++ {
		state, err := m.AdapterState(chainID(i))
		require.NoError(t, err)
		require.Equal(t, api.StateStopped, state, "adapter %s", chainID(i))
	}
}

func chainID(i int) string {
	return fmt.Sprintf("chain.a%03d", i)
}

func TestUnregisterWithRunningDependentFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("base", nil, nil)))
	require.NoError(t, m.Register(ctx, fakeConfig("dep", []string{"base"}, nil)))
	require.NoError(t, m.StartAdapter(ctx, "dep"))

	err := m.Unregister(ctx, "base")
	assert.Equal(t, api.CodeDependencyViolation, api.CodeOf(err))

	require.NoError(t, m.StopAdapter(ctx, "dep", false))
	require.NoError(t, m.Unregister(ctx, "base"))
}

func TestUnregisterRegisterRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cfg := fakeConfig("a", nil, nil)
	require.NoError(t, m.Register(ctx, cfg))
	require.NoError(t, m.Unregister(ctx, "a"))
	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))

	info, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, api.StateRegistered, info.State)
}

func TestProcessFailureWrapsCause(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, map[string]interface{}{"fail_process": true})))
	require.NoError(t, m.StartAdapter(ctx, "a"))

	result, err := m.Process(ctx, "a", nil, &api.ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, api.CodeProcessFailed, api.CodeOf(err))
	require.NotNil(t, result)
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "process boom")
}

func TestProcessTimeoutFromConfiguration(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, map[string]interface{}{
		"block_on_ctx":            true,
		"process_timeout_seconds": 0.05,
	})))
	require.NoError(t, m.StartAdapter(ctx, "a"))

	start := time.Now()
	result, err := m.Process(ctx, "a", nil, &api.ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, api.CodeTimeout, api.CodeOf(err))
	require.NotNil(t, result)
	assert.Equal(t, "failed", result.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConcurrentProcessIncrementsUsageExactly(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))
	require.NoError(t, m.StartAdapter(ctx, "a"))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Process(ctx, "a", map[string]interface{}{"i": i}, &api.ExecutionContext{})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}

	sess, err := st.NewSession(ctx)
	require.NoError(t, err)
	defer sess.Rollback()
	cfg, err := sess.GetAdapterConfig("a")
	require.NoError(t, err)
	assert.Equal(t, int64(n), cfg.UsageCount)
	assert.NotNil(t, cfg.LastUsedAt)
}

func TestNonReentrantProcessIsSerialized(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	cfg := fakeConfig("slow", nil, nil)
	cfg.AdapterClass = slowClass
	require.NoError(t, m.Register(ctx, cfg))
	require.NoError(t, m.StartAdapter(ctx, "slow"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Process(ctx, "slow", nil, &api.ExecutionContext{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reg, ok := m.registry.get("slow")
	require.True(t, ok)
	inst := reg.instanceRef().(*slowAdapter)
	assert.Zero(t, atomic.LoadInt32(&inst.overlapped), "non-reentrant adapter saw overlapping calls")
}

func TestDiagnose(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("bad", nil, map[string]interface{}{"fail_init": true})))
	assert.Contains(t, m.Diagnose(ctx, "bad"), "init boom")

	require.NoError(t, m.Register(ctx, fakeConfig("good", nil, nil)))
	assert.Equal(t, "manual start succeeded", m.Diagnose(ctx, "good"))

	assert.Contains(t, m.Diagnose(ctx, "missing"), "not registered")
}

func TestHealthCheck(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("a", nil, nil)))

	report, err := m.HealthCheck(ctx, "a")
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)

	require.NoError(t, m.StartAdapter(ctx, "a"))
	report, err = m.HealthCheck(ctx, "a")
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
}

func TestInitializeRestoresEnabledConfigs(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("persisted", nil, nil)))

	// A fresh manager over the same store sees the configuration again.
	factories := NewFactories()
	factories.Register(fakeClass, func() Adapter { return &fakeAdapter{} })
	m2 := NewManager(factories, st)
	require.NoError(t, m2.Initialize(ctx))

	info, err := m2.Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, api.StateRegistered, info.State)
	assert.False(t, info.HasInstance)
}

func TestManagerStopForceStopsEverything(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, fakeConfig("base", nil, nil)))
	require.NoError(t, m.Register(ctx, fakeConfig("dep", []string{"base"}, nil)))
	require.NoError(t, m.StartAdapter(ctx, "dep"))

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.IsRunning())
	for _, id := range []string{"base", "dep"} {
		state, err := m.AdapterState(id)
		require.NoError(t, err)
		assert.Equal(t, api.StateStopped, state)
	}
}
