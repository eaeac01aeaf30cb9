package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"skillhub/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvoker implements AdapterInvoker over in-memory handler functions.
type fakeInvoker struct {
	mu       sync.Mutex
	states   map[string]api.AdapterState
	handlers map[string]func(input map[string]interface{}) (map[string]interface{}, error)
	startErr map[string]error
	calls    []invokerCall
}

type invokerCall struct {
	adapterID string
	input     map[string]interface{}
	ec        api.ExecutionContext
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		states:   make(map[string]api.AdapterState),
		handlers: make(map[string]func(map[string]interface{}) (map[string]interface{}, error)),
		startErr: make(map[string]error),
	}
}

func (f *fakeInvoker) addAdapter(id string, state api.AdapterState, handler func(map[string]interface{}) (map[string]interface{}, error)) {
	f.states[id] = state
	f.handlers[id] = handler
}

func (f *fakeInvoker) Process(ctx context.Context, adapterID string, input map[string]interface{}, ec *api.ExecutionContext) (*api.ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invokerCall{adapterID: adapterID, input: input, ec: *ec})
	handler := f.handlers[adapterID]
	f.mu.Unlock()

	output, err := handler(input)
	if err != nil {
		return nil, api.WrapError(api.CodeProcessFailed, err, "adapter %s process failed", adapterID)
	}
	return &api.ExecutionResult{Output: output, Status: "success"}, nil
}

func (f *fakeInvoker) StartAdapter(ctx context.Context, adapterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[adapterID]; err != nil {
		return err
	}
	f.states[adapterID] = api.StateRunning
	return nil
}

func (f *fakeInvoker) AdapterState(adapterID string) (api.AdapterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[adapterID]
	if !ok {
		return "", api.NewError(api.CodeAdapterNotFound, "adapter %s is not registered", adapterID)
	}
	return state, nil
}

func (f *fakeInvoker) Diagnose(ctx context.Context, adapterID string) string {
	return "diagnostic for " + adapterID
}

func echoAdapter(input map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"value": input["msg"]}, nil
}

func testWorkflowWith(nodes []api.Node, edges []api.Edge) *api.Workflow {
	return &api.Workflow{
		ID:             "wf-1",
		UserID:         "user-1",
		Slug:           "test-workflow",
		Name:           "Test Workflow",
		WorkflowStatus: api.WorkflowActive,
		Definition:     api.WorkflowDefinition{Nodes: nodes, Edges: edges},
	}
}

func testExecutionWith(input map[string]interface{}) *api.WorkflowExecution {
	return &api.WorkflowExecution{
		ID:              "exec-1",
		WorkflowID:      "wf-1",
		UserID:          "user-1",
		ExecutionStatus: api.ExecutionRunning,
		InputData:       input,
		StartedAt:       time.Now().UTC(),
	}
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name string
		def  api.WorkflowDefinition
		code api.ErrorCode
	}{
		{
			name: "no start node",
			def: api.WorkflowDefinition{
				Nodes: []api.Node{{ID: "end", Type: api.NodeEnd}},
			},
			code: api.CodeMissingStartNode,
		},
		{
			name: "two start nodes",
			def: api.WorkflowDefinition{
				Nodes: []api.Node{{ID: "s1", Type: api.NodeStart}, {ID: "s2", Type: api.NodeStart}},
			},
			code: api.CodeMissingStartNode,
		},
		{
			name: "unknown node type",
			def: api.WorkflowDefinition{
				Nodes: []api.Node{{ID: "s", Type: api.NodeStart}, {ID: "x", Type: "teleport"}},
			},
			code: api.CodeInvalidNodeType,
		},
		{
			name: "dangling edge endpoint",
			def: api.WorkflowDefinition{
				Nodes: []api.Node{{ID: "s", Type: api.NodeStart}},
				Edges: []api.Edge{{Source: "s", Target: "ghost"}},
			},
			code: api.CodeInvalidManifest,
		},
		{
			name: "cycle",
			def: api.WorkflowDefinition{
				Nodes: []api.Node{
					{ID: "s", Type: api.NodeStart},
					{ID: "a", Type: api.NodeDelay},
					{ID: "b", Type: api.NodeDelay},
				},
				Edges: []api.Edge{
					{Source: "s", Target: "a"},
					{Source: "a", Target: "b"},
					{Source: "b", Target: "a"},
				},
			},
			code: api.CodeCycleInGraph,
		},
		{
			name: "valid linear graph",
			def: api.WorkflowDefinition{
				Nodes: []api.Node{
					{ID: "s", Type: api.NodeStart},
					{ID: "e", Type: api.NodeEnd},
				},
				Edges: []api.Edge{{Source: "s", Target: "e"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefinition(&tt.def)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, api.CodeOf(err))
		})
	}
}

func TestEngineLinearWorkflow(t *testing.T) {
	inv := newFakeInvoker()
	inv.addAdapter("echo", api.StateRunning, echoAdapter)
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "greet", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id":      "echo",
				"parameters":      map[string]interface{}{"msg": "${input.name}"},
				"output_variable": "step1",
			}},
			{ID: "end", Type: api.NodeEnd, Config: map[string]interface{}{
				"output": map[string]interface{}{"result": "${step1.value}"},
			}},
		},
		[]api.Edge{
			{Source: "start", Target: "greet"},
			{Source: "greet", Target: "end"},
		},
	)
	exec := testExecutionWith(map[string]interface{}{"name": "alice"})

	result, err := engine.Execute(context.Background(), wf, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, result.Status)
	assert.Equal(t, map[string]interface{}{"result": "alice"}, result.Output)

	for _, id := range []string{"start", "greet", "end"} {
		require.Contains(t, result.NodeResults, id)
		assert.Equal(t, "success", result.NodeResults[id].Status)
	}

	// The adapter saw the composite execution id and interpolated params.
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "exec-1:greet", inv.calls[0].ec.ExecutionID)
	assert.Equal(t, "exec-1", inv.calls[0].ec.RequestID)
	assert.Equal(t, map[string]interface{}{"msg": "alice"}, inv.calls[0].input)
}

func TestEngineConditionSelectsBranch(t *testing.T) {
	inv := newFakeInvoker()
	inv.addAdapter("yes", api.StateRunning, echoAdapter)
	inv.addAdapter("no", api.StateRunning, echoAdapter)
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "check", Type: api.NodeCondition, Config: map[string]interface{}{
				"condition": `input.flag == true`,
			}},
			{ID: "then", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id": "yes", "parameters": map[string]interface{}{"msg": "t"},
			}},
			{ID: "else", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id": "no", "parameters": map[string]interface{}{"msg": "f"},
			}},
		},
		[]api.Edge{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "then", Condition: "true"},
			{Source: "check", Target: "else", Condition: "false"},
		},
	)
	exec := testExecutionWith(map[string]interface{}{"flag": true})

	result, err := engine.Execute(context.Background(), wf, exec, Options{})
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, result.Status)

	assert.Contains(t, result.NodeResults, "then")
	assert.NotContains(t, result.NodeResults, "else")

	check := result.NodeResults["check"].Output.(map[string]interface{})
	assert.Equal(t, true, check["result"])
}

func TestEngineFailureStopsTraversal(t *testing.T) {
	inv := newFakeInvoker()
	inv.addAdapter("ok", api.StateRunning, echoAdapter)
	inv.addAdapter("boom", api.StateRunning, func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("kaput")
	})
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "first", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id": "ok", "parameters": map[string]interface{}{"msg": "hi"},
			}},
			{ID: "second", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id": "boom",
			}},
			{ID: "end", Type: api.NodeEnd},
		},
		[]api.Edge{
			{Source: "start", Target: "first"},
			{Source: "first", Target: "second"},
			{Source: "second", Target: "end"},
		},
	)

	result, err := engine.Execute(context.Background(), wf, testExecutionWith(nil), Options{})
	require.Error(t, err)
	assert.Equal(t, api.CodeProcessFailed, api.CodeOf(err))
	assert.Equal(t, api.ExecutionFailed, result.Status)

	// Every node before the failing one succeeded; the failing node is
	// recorded failed; nothing after it ran.
	assert.Equal(t, "success", result.NodeResults["start"].Status)
	assert.Equal(t, "success", result.NodeResults["first"].Status)
	assert.Equal(t, "failed", result.NodeResults["second"].Status)
	assert.Contains(t, result.NodeResults["second"].Error, "kaput")
	assert.NotContains(t, result.NodeResults, "end")
}

func TestEngineStartPolicies(t *testing.T) {
	ctx := context.Background()
	node := []api.Node{
		{ID: "start", Type: api.NodeStart},
		{ID: "work", Type: api.NodeAdapter, Config: map[string]interface{}{
			"adapter_id": "lazy", "parameters": map[string]interface{}{"msg": "x"},
		}},
	}
	edges := []api.Edge{{Source: "start", Target: "work"}}

	t.Run("auto starts a stopped adapter", func(t *testing.T) {
		inv := newFakeInvoker()
		inv.addAdapter("lazy", api.StateRegistered, echoAdapter)
		engine := NewEngine(inv)

		result, err := engine.Execute(ctx, testWorkflowWith(node, edges), testExecutionWith(nil), Options{})
		require.NoError(t, err)
		assert.Equal(t, api.ExecutionCompleted, result.Status)
		assert.Equal(t, api.StateRunning, inv.states["lazy"])
	})

	t.Run("auto attaches diagnostic on start failure", func(t *testing.T) {
		inv := newFakeInvoker()
		inv.addAdapter("lazy", api.StateRegistered, echoAdapter)
		inv.startErr["lazy"] = errors.New("init boom")
		engine := NewEngine(inv)

		_, err := engine.Execute(ctx, testWorkflowWith(node, edges), testExecutionWith(nil), Options{})
		require.Error(t, err)
		assert.Equal(t, api.CodeStartFailed, api.CodeOf(err))
		assert.Equal(t, "diagnostic for lazy", api.DetailOf(err)["diagnostic"])
	})

	t.Run("strict_running refuses a stopped adapter", func(t *testing.T) {
		inv := newFakeInvoker()
		inv.addAdapter("lazy", api.StateRegistered, echoAdapter)
		engine := NewEngine(inv)

		_, err := engine.Execute(ctx, testWorkflowWith(node, edges), testExecutionWith(nil),
			Options{StartPolicy: StartPolicyStrictRunning})
		require.Error(t, err)
		assert.Equal(t, api.CodeNotRunning, api.CodeOf(err))
		assert.Empty(t, inv.calls)
	})
}

func TestEngineReservedWorkflowIDParameter(t *testing.T) {
	inv := newFakeInvoker()
	inv.addAdapter("echo", api.StateRunning, echoAdapter)
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "work", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id": "echo",
				"parameters": map[string]interface{}{"workflow_id": "sneaky"},
			}},
		},
		[]api.Edge{{Source: "start", Target: "work"}},
	)

	_, err := engine.Execute(context.Background(), wf, testExecutionWith(nil), Options{})
	require.Error(t, err)
	assert.Equal(t, api.CodeInvalidManifest, api.CodeOf(err))
	assert.Empty(t, inv.calls)
}

func TestEngineCancellationDuringDelay(t *testing.T) {
	inv := newFakeInvoker()
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "nap", Type: api.NodeDelay, Config: map[string]interface{}{"delay_seconds": 5}},
			{ID: "end", Type: api.NodeEnd},
		},
		[]api.Edge{
			{Source: "start", Target: "nap"},
			{Source: "nap", Target: "end"},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	begun := time.Now()
	result, err := engine.Execute(ctx, wf, testExecutionWith(nil), Options{})
	require.Error(t, err)
	assert.Equal(t, api.CodeCancelled, api.CodeOf(err))
	assert.Equal(t, api.ExecutionCancelled, result.Status)
	assert.Less(t, time.Since(begun), 2*time.Second)
}

func TestEngineOverallTimeout(t *testing.T) {
	inv := newFakeInvoker()
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "nap", Type: api.NodeDelay, Config: map[string]interface{}{"delay_seconds": 5}},
			{ID: "end", Type: api.NodeEnd},
		},
		[]api.Edge{
			{Source: "start", Target: "nap"},
			{Source: "nap", Target: "end"},
		},
	)

	begun := time.Now()
	result, err := engine.Execute(context.Background(), wf, testExecutionWith(nil),
		Options{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, api.ExecutionTimeout, result.Status)
	assert.Less(t, time.Since(begun), 2*time.Second)
}

func TestEngineStubbedNodeTypes(t *testing.T) {
	inv := newFakeInvoker()
	engine := NewEngine(inv)

	for _, nodeType := range []api.NodeType{api.NodeTransform, api.NodeHTTP, api.NodeScript} {
		wf := testWorkflowWith(
			[]api.Node{
				{ID: "start", Type: api.NodeStart},
				{ID: "stub", Type: nodeType},
			},
			[]api.Edge{{Source: "start", Target: "stub"}},
		)
		_, err := engine.Execute(context.Background(), wf, testExecutionWith(nil), Options{})
		assert.Equal(t, api.CodeNotImplemented, api.CodeOf(err), "node type %s", nodeType)
	}
}

func TestEngineLenientInterpolation(t *testing.T) {
	inv := newFakeInvoker()
	inv.addAdapter("echo", api.StateRunning, echoAdapter)
	engine := NewEngine(inv)

	wf := testWorkflowWith(
		[]api.Node{
			{ID: "start", Type: api.NodeStart},
			{ID: "work", Type: api.NodeAdapter, Config: map[string]interface{}{
				"adapter_id": "echo",
				"parameters": map[string]interface{}{"msg": "${missing}"},
			}},
		},
		[]api.Edge{{Source: "start", Target: "work"}},
	)

	// Strict mode fails on the unresolvable token.
	_, err := engine.Execute(context.Background(), wf, testExecutionWith(nil), Options{})
	assert.Equal(t, api.CodeInterpolationFailed, api.CodeOf(err))

	// Lenient mode passes the literal through.
	result, err := engine.Execute(context.Background(), wf, testExecutionWith(nil),
		Options{InterpolationMode: "lenient"})
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionCompleted, result.Status)
	require.NotEmpty(t, inv.calls)
	assert.Equal(t, "${missing}", inv.calls[len(inv.calls)-1].input["msg"])
}
