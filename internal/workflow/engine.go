package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/expr-lang/expr"

	"skillhub/internal/api"
	"skillhub/internal/template"
	"skillhub/pkg/logging"
)

// AdapterInvoker is the slice of the adapter manager the engine needs to run
// adapter nodes.
type AdapterInvoker interface {
	Process(ctx context.Context, adapterID string, input map[string]interface{}, ec *api.ExecutionContext) (*api.ExecutionResult, error)
	StartAdapter(ctx context.Context, adapterID string) error
	AdapterState(adapterID string) (api.AdapterState, error)
	Diagnose(ctx context.Context, adapterID string) string
}

// StartPolicy controls what happens when an adapter node targets an adapter
// that is not running.
type StartPolicy string

const (
	// StartPolicyAuto starts the adapter transparently.
	StartPolicyAuto StartPolicy = "auto"
	// StartPolicyStrictRunning requires the adapter to already be running.
	StartPolicyStrictRunning StartPolicy = "strict_running"
)

// Options tunes one engine run.
type Options struct {
	StartPolicy       StartPolicy
	InterpolationMode template.Mode
	// Variables seeds the runtime variable map on top of the workflow's
	// environment variables.
	Variables map[string]interface{}
	// Timeout bounds the whole run; zero means unbounded.
	Timeout time.Duration
}

// Result is the terminal outcome of one engine run.
type Result struct {
	Status      api.ExecutionStatus
	Output      map[string]interface{}
	NodeResults map[string]api.NodeResult
}

// Engine walks a workflow graph depth-first from the start node, executing
// each reachable node exactly once and recording per-node results. The first
// node failure stops traversal and fails the execution.
type Engine struct {
	adapters AdapterInvoker
	tmpl     *template.Engine
}

// NewEngine creates an engine invoking adapters through the given manager.
func NewEngine(adapters AdapterInvoker) *Engine {
	return &Engine{adapters: adapters, tmpl: template.New()}
}

// runState is the mutable context of one engine run.
type runState struct {
	execution   *api.WorkflowExecution
	input       map[string]interface{}
	variables   map[string]interface{}
	output      map[string]interface{}
	nodeResults map[string]api.NodeResult
	visited     map[string]bool
	nodes       map[string]api.Node
	edges       map[string][]api.Edge
	startPolicy StartPolicy
	mode        template.Mode
}

func (st *runState) record(nodeID, status string, output interface{}, err error) {
	result := api.NodeResult{Status: status, Output: output, Timestamp: time.Now().UTC()}
	if err != nil {
		result.Error = err.Error()
	}
	st.nodeResults[nodeID] = result
}

func (st *runState) templateContext() *template.Context {
	return &template.Context{Input: st.input, Variables: st.variables}
}

// Execute runs a workflow against an execution record. The returned Result is
// populated even on failure so callers can persist partial node results.
func (e *Engine) Execute(ctx context.Context, wf *api.Workflow, exec *api.WorkflowExecution, opts Options) (*Result, error) {
	if err := ValidateDefinition(&wf.Definition); err != nil {
		return &Result{Status: api.ExecutionFailed, NodeResults: map[string]api.NodeResult{}}, err
	}

	if opts.StartPolicy == "" {
		opts.StartPolicy = StartPolicyAuto
	}
	if opts.InterpolationMode == "" {
		opts.InterpolationMode = template.ModeStrict
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	variables := make(map[string]interface{})
	for k, v := range wf.EnvironmentVariables {
		variables[k] = v
	}
	for k, v := range opts.Variables {
		variables[k] = v
	}

	nodes := make(map[string]api.Node, len(wf.Definition.Nodes))
	for _, node := range wf.Definition.Nodes {
		nodes[node.ID] = node
	}

	st := &runState{
		execution:   exec,
		input:       exec.InputData,
		variables:   variables,
		nodeResults: make(map[string]api.NodeResult),
		visited:     make(map[string]bool),
		nodes:       nodes,
		edges:       adjacency(&wf.Definition),
		startPolicy: opts.StartPolicy,
		mode:        opts.InterpolationMode,
	}

	logging.Debug("WorkflowEngine", "Executing workflow %s (execution %s)", wf.ID, exec.ID)
	err := e.walk(ctx, st, startNodeID(&wf.Definition))
	result := &Result{NodeResults: st.nodeResults}
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.Status = api.ExecutionTimeout
		case ctx.Err() != nil || api.IsCode(err, api.CodeCancelled):
			result.Status = api.ExecutionCancelled
		default:
			result.Status = api.ExecutionFailed
		}
		return result, err
	}
	result.Status = api.ExecutionCompleted
	result.Output = st.output
	return result, nil
}

// walk executes one node, then fans out over its selected out-edges
// sequentially.
func (e *Engine) walk(ctx context.Context, st *runState, nodeID string) error {
	if st.visited[nodeID] {
		return nil
	}
	st.visited[nodeID] = true

	if err := ctx.Err(); err != nil {
		return api.WrapError(api.CodeCancelled, err, "execution cancelled before node %s", nodeID)
	}

	node := st.nodes[nodeID]
	next, err := e.executeNode(ctx, st, node)
	if err != nil {
		return err
	}
	for _, edge := range next {
		if err := e.walk(ctx, st, edge.Target); err != nil {
			return err
		}
	}
	return nil
}

// executeNode dispatches on node type and returns the out-edges traversal
// should follow.
func (e *Engine) executeNode(ctx context.Context, st *runState, node api.Node) ([]api.Edge, error) {
	switch node.Type {
	case api.NodeStart:
		st.record(node.ID, "success", "workflow_started", nil)
		return st.edges[node.ID], nil

	case api.NodeEnd:
		return nil, e.executeEnd(st, node)

	case api.NodeAdapter:
		if err := e.executeAdapter(ctx, st, node); err != nil {
			return nil, err
		}
		return st.edges[node.ID], nil

	case api.NodeCondition:
		return e.executeCondition(st, node)

	case api.NodeDelay:
		if err := e.executeDelay(ctx, st, node); err != nil {
			return nil, err
		}
		return st.edges[node.ID], nil

	case api.NodeLoop, api.NodeTransform, api.NodeHTTP, api.NodeScript:
		err := api.NewError(api.CodeNotImplemented, "node type %q is not implemented", node.Type)
		st.record(node.ID, "failed", nil, err)
		return nil, err

	default:
		err := api.NewError(api.CodeInvalidNodeType, "node %q has unknown type %q", node.ID, node.Type)
		st.record(node.ID, "failed", nil, err)
		return nil, err
	}
}

// executeEnd resolves the end node's output map against the context and
// stores it as the execution output.
func (e *Engine) executeEnd(st *runState, node api.Node) error {
	output := map[string]interface{}{}
	if declared, ok := node.Config["output"].(map[string]interface{}); ok {
		resolved, err := e.tmpl.Resolve(declared, st.templateContext(), st.mode)
		if err != nil {
			st.record(node.ID, "failed", nil, err)
			return err
		}
		output = resolved.(map[string]interface{})
	}
	st.output = output
	st.record(node.ID, "success", output, nil)
	return nil
}

// executeAdapter interpolates the node parameters and invokes the target
// adapter through the manager, honoring the start policy.
func (e *Engine) executeAdapter(ctx context.Context, st *runState, node api.Node) error {
	adapterID, _ := node.Config["adapter_id"].(string)
	if adapterID == "" {
		err := api.NewError(api.CodeInvalidManifest, "adapter node %q is missing adapter_id", node.ID)
		st.record(node.ID, "failed", nil, err)
		return err
	}

	params := map[string]interface{}{}
	if raw, ok := node.Config["parameters"].(map[string]interface{}); ok {
		resolved, err := e.tmpl.Resolve(raw, st.templateContext(), st.mode)
		if err != nil {
			st.record(node.ID, "failed", nil, err)
			return err
		}
		params = resolved.(map[string]interface{})
	}
	if _, reserved := params["workflow_id"]; reserved {
		err := api.NewError(api.CodeInvalidManifest, "adapter node %q parameters must not set workflow_id", node.ID)
		st.record(node.ID, "failed", nil, err)
		return err
	}

	if err := e.ensureRunning(ctx, st, adapterID); err != nil {
		st.record(node.ID, "failed", nil, err)
		return err
	}

	ec := &api.ExecutionContext{
		RequestID:   st.execution.ID,
		UserID:      st.execution.UserID,
		ExecutionID: st.execution.ID + ":" + node.ID,
	}
	result, err := e.adapters.Process(ctx, adapterID, params, ec)
	if err != nil {
		st.record(node.ID, "failed", nil, err)
		return err
	}

	if outputVar, ok := node.Config["output_variable"].(string); ok && outputVar != "" {
		st.variables[outputVar] = result.Output
	}
	st.record(node.ID, "success", result.Output, nil)
	return nil
}

// ensureRunning applies the adapter start policy.
func (e *Engine) ensureRunning(ctx context.Context, st *runState, adapterID string) error {
	state, err := e.adapters.AdapterState(adapterID)
	if err != nil {
		return err
	}
	if state == api.StateRunning {
		return nil
	}
	if st.startPolicy == StartPolicyStrictRunning {
		return api.NewError(api.CodeNotRunning, "adapter %s is %s and the start policy is strict_running", adapterID, state)
	}
	if err := e.adapters.StartAdapter(ctx, adapterID); err != nil {
		diagnostic := e.adapters.Diagnose(ctx, adapterID)
		return api.WrapError(api.CodeStartFailed, err, "auto-starting adapter %s", adapterID).
			WithDetail("diagnostic", diagnostic)
	}
	return nil
}

// executeCondition evaluates the boolean expression and selects the matching
// branch edges: unconditional edges always follow; tagged edges follow when
// their tag matches the result.
func (e *Engine) executeCondition(st *runState, node api.Node) ([]api.Edge, error) {
	code, _ := node.Config["condition"].(string)
	if code == "" {
		err := api.NewError(api.CodeInvalidManifest, "condition node %q is missing condition", node.ID)
		st.record(node.ID, "failed", nil, err)
		return nil, err
	}

	results := make(map[string]interface{}, len(st.nodeResults))
	for id, res := range st.nodeResults {
		results[id] = res.Output
	}
	env := map[string]interface{}{
		"input":     st.input,
		"variables": st.variables,
		"results":   results,
	}

	program, err := expr.Compile(code, expr.AsBool())
	if err != nil {
		err = fmt.Errorf("compile condition of node %q: %w", node.ID, err)
		st.record(node.ID, "failed", nil, err)
		return nil, err
	}
	value, err := expr.Run(program, env)
	if err != nil {
		err = fmt.Errorf("evaluate condition of node %q: %w", node.ID, err)
		st.record(node.ID, "failed", nil, err)
		return nil, err
	}
	verdict, ok := value.(bool)
	if !ok {
		err = fmt.Errorf("condition of node %q did not evaluate to a boolean", node.ID)
		st.record(node.ID, "failed", nil, err)
		return nil, err
	}

	st.record(node.ID, "success", map[string]interface{}{"condition": code, "result": verdict}, nil)

	branch := strconv.FormatBool(verdict)
	var next []api.Edge
	for _, edge := range st.edges[node.ID] {
		if edge.Condition == "" || edge.Condition == branch {
			next = append(next, edge)
		}
	}
	return next, nil
}

// executeDelay sleeps for config.delay_seconds, honoring cancellation.
func (e *Engine) executeDelay(ctx context.Context, st *runState, node api.Node) error {
	seconds, ok := toFloat(node.Config["delay_seconds"])
	if !ok || seconds < 0 {
		err := api.NewError(api.CodeInvalidManifest, "delay node %q needs a non-negative delay_seconds", node.ID)
		st.record(node.ID, "failed", nil, err)
		return err
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		err := api.WrapError(api.CodeCancelled, ctx.Err(), "delay node %q cancelled", node.ID)
		st.record(node.ID, "failed", nil, err)
		return err
	case <-timer.C:
	}
	st.record(node.ID, "success", map[string]interface{}{"delayed_seconds": seconds}, nil)
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
