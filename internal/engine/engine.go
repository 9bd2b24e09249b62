package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dario.cat/mergo"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/internal/handlers"
	"github.com/tevix/nodeflow/internal/logging"
	"github.com/tevix/nodeflow/internal/metrics"
	"github.com/tevix/nodeflow/internal/store"
	"github.com/tevix/nodeflow/pkg/schema"
)

// Config holds the engine's execution defaults. Per-node config keys
// "timeout" and "max_retries" override them for individual nodes.
type Config struct {
	DefaultNodeTimeout time.Duration
	DefaultMaxRetries  int
	RetryDelay         time.Duration
}

// DefaultConfig returns the stock execution defaults.
func DefaultConfig() Config {
	return Config{
		DefaultNodeTimeout: 30 * time.Second,
		DefaultMaxRetries:  0,
		RetryDelay:         0,
	}
}

// Engine executes workflow runs. It walks the graph from the trigger node,
// invokes one handler at a time, records an audit entry per invocation, and
// fails fast on the first exhausted node. A single run is sequential; the
// engine itself is safe for concurrent Execute calls on distinct runs.
type Engine struct {
	store    store.Store
	registry *handlers.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   Config
	pool     *WorkerPool
}

// New creates an engine. Logger and metrics may be nil; pool may be nil when
// the caller does not bound concurrency.
func New(st store.Store, reg *handlers.Registry, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = 30 * time.Second
	}
	return &Engine{
		store:    st,
		registry: reg,
		logger:   logger,
		metrics:  m,
		config:   cfg,
	}
}

// SetPool attaches a worker pool so suspended runs can release their slot
// while waiting.
func (e *Engine) SetPool(p *WorkerPool) { e.pool = p }

// Execute runs the workflow run with the given ID to a terminal state.
// The run must exist and be queued. Returns true when the run finished
// successfully; a false return with nil error means the run was cancelled.
func (e *Engine) Execute(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != schema.RunStatusQueued {
		return false, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s, only queued runs can execute", runID, run.Status)
	}

	// Pre-flight failures leave the run queued: it never started, and an
	// invalid graph must not transition past queued.
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return false, err
	}

	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithWorkflowID(ctx, wf.ID)

	walker, err := NewWalker(&wf.Definition)
	if err != nil {
		return false, err
	}
	for _, id := range walker.Nodes() {
		if !e.registry.Has(walker.Node(id).Type) {
			return false, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
				"no handler registered for type %q", walker.Node(id).Type).WithNode(id)
		}
	}

	started := time.Now()
	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:    &running,
		StartedAt: &started,
	}); err != nil {
		return false, err
	}

	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}
	e.logger.InfoContext(ctx, "run started",
		"workflow", wf.Name, "version", run.WorkflowVersion, "trigger", run.TriggeredBy.Type)

	runCtx := handlers.RunContext{
		RunID:           run.ID,
		WorkflowID:      wf.ID,
		WorkflowName:    wf.Name,
		WorkflowVersion: run.WorkflowVersion,
		Trigger:         run.TriggeredBy,
		Variables:       e.loadVariables(ctx),
	}

	dataContext := make(map[string]any)
	executed := make(map[string]bool)
	var lastOutput map[string]any
	order := 0

	frontier := newFrontier(walker)

	for !frontier.empty() {
		nodeID := frontier.next()

		// Cooperative cancellation check at every node boundary.
		if cancelled, err := e.runCancelled(ctx, run.ID); err != nil {
			return false, e.failRun(ctx, run, started, dataContext, err)
		} else if cancelled {
			e.finishRun(ctx, run, started, schema.RunStatusCancelled, dataContext, lastOutput, "")
			e.markSkipped(ctx, run.ID, walker, executed, &order)
			e.logger.InfoContext(ctx, "run cancelled")
			return false, nil
		}

		node := walker.Node(nodeID)
		nodeCtx := logging.WithNodeID(ctx, nodeID)

		input := e.buildInput(walker, node, run, dataContext, runCtx.Variables)
		applyInputMapping(node.Config, input)

		order++
		record := &store.NodeExecutionRecord{
			RunID:         run.ID,
			NodeID:        nodeID,
			NodeType:      node.Type,
			Status:        schema.NodeStatusRunning,
			Order:         order,
			InputSnapshot: marshalSnapshot(input),
			StartedAt:     timePtr(time.Now()),
		}
		if err := e.store.AppendNodeRecord(nodeCtx, record); err != nil {
			return false, e.failRun(ctx, run, started, dataContext, err)
		}

		result, attempts, execErr := e.executeNode(nodeCtx, node, handlers.Request{
			Config: node.Config,
			Input:  input,
			Run:    runCtx,
		})

		nodeFinished := time.Now()
		nodeDuration := nodeFinished.Sub(*record.StartedAt)
		if e.metrics != nil {
			e.metrics.NodeDuration.WithLabelValues(node.Type).Observe(nodeDuration.Seconds())
		}

		if execErr != nil {
			e.finalizeRecord(nodeCtx, record.ID, store.NodeRecordUpdate{
				Status:       schema.NodeStatusFailed,
				Attempts:     attempts,
				ErrorMessage: execErr.Error(),
				FinishedAt:   nodeFinished,
				DurationMs:   nodeDuration.Milliseconds(),
			})
			executed[nodeID] = true
			e.markSkipped(ctx, run.ID, walker, executed, &order)
			e.logger.ErrorContext(nodeCtx, "node failed", "type", node.Type, "attempts", attempts, "error", execErr)
			return false, e.failRun(ctx, run, started, dataContext, execErr)
		}

		e.finalizeRecord(nodeCtx, record.ID, store.NodeRecordUpdate{
			Status:         schema.NodeStatusSuccess,
			Attempts:       attempts,
			OutputSnapshot: marshalSnapshot(result.Output),
			FinishedAt:     nodeFinished,
			DurationMs:     nodeDuration.Milliseconds(),
		})
		executed[nodeID] = true
		dataContext[nodeID] = result.Output
		lastOutput = result.Output
		e.logger.DebugContext(nodeCtx, "node finished",
			"type", node.Type, "attempts", attempts, "branch", result.Branch, "duration_ms", nodeDuration.Milliseconds())

		if result.Suspend > 0 {
			if err := e.suspend(nodeCtx, run.ID, result.Suspend); err != nil {
				if schema.CodeOf(err) == schema.ErrCodeCancelled {
					e.finishRun(ctx, run, started, schema.RunStatusCancelled, dataContext, lastOutput, "")
					e.markSkipped(ctx, run.ID, walker, executed, &order)
					return false, nil
				}
				return false, e.failRun(ctx, run, started, dataContext, err)
			}
		}

		frontier.finished(nodeID, result.Branch)
	}

	e.finishRun(ctx, run, started, schema.RunStatusSuccess, dataContext, lastOutput, "")
	e.markSkipped(ctx, run.ID, walker, executed, &order)
	if err := e.store.TouchWorkflowExecuted(ctx, wf.ID); err != nil {
		e.logger.WarnContext(ctx, "failed to record workflow execution time", "error", err)
	}
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(schema.RunStatusSuccess)).Inc()
	}
	e.logger.InfoContext(ctx, "run finished", "nodes", len(executed), "duration_ms", time.Since(started).Milliseconds())
	return true, nil
}

// executeNode resolves the handler and runs it under the node's retry and
// timeout settings.
func (e *Engine) executeNode(ctx context.Context, node *schema.NodeSpec, req handlers.Request) (*handlers.Result, int, error) {
	h, err := e.registry.Resolve(node.Type)
	if err != nil {
		return nil, 0, err
	}

	timeout := e.config.DefaultNodeTimeout
	if ts, ok := node.Config["timeout"]; ok {
		if d := parseTimeout(ts); d > 0 {
			timeout = d
		}
	}
	maxRetries := e.config.DefaultMaxRetries
	if _, ok := node.Config["max_retries"]; ok {
		maxRetries = intFromConfig(node.Config["max_retries"], maxRetries)
	}

	onRetry := func() {
		if e.metrics != nil {
			e.metrics.NodeRetriesTotal.Inc()
		}
		e.logger.WarnContext(ctx, "retrying node", "type", node.Type)
	}

	result, attempts, err := invokeWithRetry(ctx, h, req, maxRetries, timeout, e.config.RetryDelay, onRetry)
	if err != nil {
		return nil, attempts, schema.WithNodeID(err, node.ID)
	}
	return result, attempts, nil
}

// buildInput assembles the handler input. Trigger nodes see the run's input
// payload; other nodes see their predecessors' data, deep-merged when the
// node joins multiple branches.
func (e *Engine) buildInput(walker *Walker, node *schema.NodeSpec, run *store.WorkflowRun, dataContext map[string]any, variables map[string]any) map[string]any {
	input := map[string]any{
		"variables": variables,
	}

	if IsTriggerType(node.Type) {
		input["data"] = datapath.DeepCopy(run.InputData)
		return input
	}

	var merged any
	for _, pred := range walker.Predecessors(node.ID) {
		out, ok := dataContext[pred].(map[string]any)
		if !ok {
			continue
		}
		data := out["data"]
		if merged == nil {
			merged = datapath.DeepCopy(data)
			continue
		}
		dst, dstOK := merged.(map[string]any)
		src, srcOK := data.(map[string]any)
		if dstOK && srcOK {
			if err := mergo.Merge(&dst, datapath.DeepCopyMap(src), mergo.WithOverride); err == nil {
				merged = dst
				continue
			}
		}
		// Non-map payloads cannot merge; the later predecessor wins.
		merged = datapath.DeepCopy(data)
	}
	input["data"] = merged
	return input
}

// applyInputMapping rewrites the built input per the node's input_mapping
// config: each entry maps a target path to a source path in the input.
func applyInputMapping(config, input map[string]any) {
	mapping, ok := config["input_mapping"].(map[string]any)
	if !ok || len(mapping) == 0 {
		return
	}
	resolved := make(map[string]any, len(mapping))
	for target, source := range mapping {
		path, ok := source.(string)
		if !ok {
			continue
		}
		v, _ := datapath.Get(input, path)
		resolved[target] = v
	}
	for target, v := range resolved {
		datapath.Set(input, target, v)
	}
}

// suspend waits out a delay requested by a node. The wait parks on a timer
// rather than holding a worker slot: with a pool attached the slot is
// yielded for the duration and re-acquired before the run continues.
func (e *Engine) suspend(ctx context.Context, runID string, d time.Duration) error {
	e.logger.InfoContext(ctx, "run suspended", "duration", d.String())

	if e.pool != nil {
		e.pool.Yield()
	}
	timer := time.NewTimer(d)
	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled during delay").WithCause(ctx.Err())
	}
	timer.Stop()
	if e.pool != nil {
		if err := e.pool.Resume(ctx); err != nil && waitErr == nil {
			waitErr = schema.NewError(schema.ErrCodeCancelled, "pool shut down during delay").WithCause(err)
		}
	}
	if waitErr != nil {
		return waitErr
	}

	// A cancel request may have landed in the store while sleeping.
	if cancelled, err := e.runCancelled(ctx, runID); err != nil {
		return err
	} else if cancelled {
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled during delay")
	}
	return nil
}

// runCancelled reports whether a cancellation was requested, either through
// the context or by flipping the stored run status.
func (e *Engine) runCancelled(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	current, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return current.Status == schema.RunStatusCancelled, nil
}

// markSkipped appends audit entries for every node the walk never reached,
// continuing the run's order sequence.
func (e *Engine) markSkipped(ctx context.Context, runID string, walker *Walker, executed map[string]bool, order *int) {
	now := time.Now()
	for _, id := range walker.Nodes() {
		if executed[id] {
			continue
		}
		*order++
		rec := &store.NodeExecutionRecord{
			RunID:      runID,
			NodeID:     id,
			NodeType:   walker.Node(id).Type,
			Status:     schema.NodeStatusSkipped,
			Order:      *order,
			StartedAt:  &now,
			FinishedAt: &now,
		}
		if err := e.store.AppendNodeRecord(ctx, rec); err != nil {
			e.logger.WarnContext(ctx, "failed to record skipped node", "node_id", id, "error", err)
		}
	}
}

func (e *Engine) finalizeRecord(ctx context.Context, id int64, update store.NodeRecordUpdate) {
	if err := e.store.FinalizeNodeRecord(ctx, id, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to finalize node record", "record_id", id, "error", err)
	}
}

// finishRun writes the run's terminal state.
func (e *Engine) finishRun(ctx context.Context, run *store.WorkflowRun, started time.Time, status schema.RunStatus, dataContext, output map[string]any, errMsg string) {
	finished := time.Now()
	duration := finished.Sub(started).Milliseconds()
	update := store.RunUpdate{
		Status:      &status,
		DataContext: dataContext,
		OutputData:  output,
		FinishedAt:  &finished,
		DurationMs:  &duration,
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := e.store.UpdateRun(ctx, run.ID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to finalize run", "status", status, "error", err)
	}
	if e.metrics != nil && status != schema.RunStatusSuccess {
		e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	}
}

// failRun finalizes the run as failed, keeping the outputs accumulated so
// far, and returns the causing error.
func (e *Engine) failRun(ctx context.Context, run *store.WorkflowRun, started time.Time, dataContext map[string]any, cause error) error {
	e.finishRun(ctx, run, started, schema.RunStatusFailed, dataContext, nil, cause.Error())
	return cause
}

// loadVariables reads the global variables into plain values. A store error
// degrades to an empty set; workflows referencing variables then see nulls.
func (e *Engine) loadVariables(ctx context.Context) map[string]any {
	vars, err := e.store.ListVariables(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to load variables", "error", err)
		return map[string]any{}
	}
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		var value any
		if err := json.Unmarshal(v.Value, &value); err != nil {
			value = string(v.Value)
		}
		out[v.Key] = value
	}
	return out
}

func marshalSnapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func parseTimeout(v any) time.Duration {
	switch t := v.(type) {
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	case float64:
		return time.Duration(t * float64(time.Second))
	case int:
		return time.Duration(t) * time.Second
	}
	return 0
}

func intFromConfig(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	}
	return def
}

func timePtr(t time.Time) *time.Time { return &t }
