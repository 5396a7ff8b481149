package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/compiler"
	"github.com/flowforge/flowforge/common/config"
	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
)

// WorkflowStore is the workflow persistence the orchestrator needs
type WorkflowStore interface {
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Workflow, error)
	RecordExecution(ctx context.Context, id uuid.UUID, success bool, durationMs int64) error
}

// ExecutionStore persists execution and node run records
type ExecutionStore interface {
	Create(ctx context.Context, e *models.ExecutionLog) error
	Get(ctx context.Context, userID string, executionID uuid.UUID) (*models.ExecutionLog, error)
	UpdateState(ctx context.Context, executionID uuid.UUID, state models.ExecutionState) error
	Complete(ctx context.Context, e *models.ExecutionLog) error
	InsertNodeLog(ctx context.Context, n *models.NodeExecutionLog) error
	FinishNodeLog(ctx context.Context, id uuid.UUID, status models.NodeExecutionStatus, output []byte, nodeErr *string, retryCount int, completedAt time.Time, durationMs int64) error
	ListNodeLogs(ctx context.Context, executionID uuid.UUID) ([]models.NodeExecutionLog, error)
}

// HITLStore persists human-in-the-loop requests
type HITLStore interface {
	Create(ctx context.Context, h *models.HITLRequest) error
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.HITLRequest, error)
	ListPending(ctx context.Context, userID string) ([]models.HITLRequest, error)
	Resolve(ctx context.Context, id uuid.UUID, status models.HITLStatus, response json.RawMessage) error
}

// CredentialResolver yields decrypted credential payloads and the set
// of credentials a user owns
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, id uuid.UUID) (map[string]any, error)
	List(ctx context.Context, userID string) ([]models.Credential, error)
}

// Orchestrator owns execution lifecycle: it compiles, starts driver
// goroutines, gates pause/resume/cancel, brokers human decisions, and
// persists everything the engine reports.
type Orchestrator struct {
	compiler   *compiler.Compiler
	engine     *engine.Engine
	workflows  WorkflowStore
	executions ExecutionStore
	hitl       HITLStore
	creds      CredentialResolver
	events     engine.EventSink
	cfg        config.EngineConfig
	log        *logger.Logger

	mu      sync.RWMutex
	active  map[uuid.UUID]*ExecutionHandle
	waiters map[uuid.UUID]chan engine.HumanResponse

	wg sync.WaitGroup
}

// Deps wires the orchestrator's collaborators
type Deps struct {
	Handlers   engine.HandlerLookup
	Catalog    compiler.HandlerCatalog
	Workflows  WorkflowStore
	Executions ExecutionStore
	HITL       HITLStore
	Creds      CredentialResolver
	Events     engine.EventSink
	Config     config.EngineConfig
	Logger     *logger.Logger
}

func New(deps Deps) *Orchestrator {
	if deps.Events == nil {
		deps.Events = engine.NopSink{}
	}
	o := &Orchestrator{
		compiler:   compiler.New(deps.Catalog),
		workflows:  deps.Workflows,
		executions: deps.Executions,
		hitl:       deps.HITL,
		creds:      deps.Creds,
		events:     deps.Events,
		cfg:        deps.Config,
		log:        deps.Logger,
		active:     make(map[uuid.UUID]*ExecutionHandle),
		waiters:    make(map[uuid.UUID]chan engine.HumanResponse),
	}
	o.engine = engine.New(deps.Handlers, deps.Events, o, deps.Logger)
	return o
}

// Compile validates a definition without executing it
func (o *Orchestrator) Compile(ctx context.Context, userID string, definition json.RawMessage) *compiler.CompileResult {
	return o.compiler.CompileDefinition(definition, o.ownedCredentials(ctx, userID))
}

// ownedCredentials builds the credential-ownership set the compiler
// checks references against. A listing failure degrades to an empty
// set rather than blocking compilation outright.
func (o *Orchestrator) ownedCredentials(ctx context.Context, userID string) map[string]bool {
	owned := map[string]bool{}
	if o.creds == nil {
		return owned
	}
	creds, err := o.creds.List(ctx, userID)
	if err != nil {
		o.log.Warn("list credentials for compile", "user_id", userID, "error", err)
		return owned
	}
	for i := range creds {
		owned[creds[i].ID.String()] = true
	}
	return owned
}

// StartOptions shape one run
type StartOptions struct {
	Input map[string]any

	// Sub-workflow lineage, zero-valued for top-level runs
	ParentExecutionID *uuid.UUID
	NestingDepth      int
	WorkflowChain     []uuid.UUID
	TimeoutBudgetMs   int64
}

type preparedRun struct {
	workflow *models.Workflow
	plan     *compiler.ExecutionPlan
	record   *models.ExecutionLog
	handle   *ExecutionHandle
	ec       *engine.ExecutionContext
	runCtx   context.Context
	input    map[string]any
}

// Start compiles, registers and launches a run in the background,
// returning its persisted record immediately.
func (o *Orchestrator) Start(ctx context.Context, userID string, workflowID uuid.UUID, opts StartOptions) (*models.ExecutionLog, error) {
	prep, err := o.prepare(ctx, userID, workflowID, opts)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(prep)
	}()
	return prep.record, nil
}

// StartSync runs to completion in the caller's goroutine; the
// sub-workflow path uses it so the parent node blocks on the child.
func (o *Orchestrator) StartSync(ctx context.Context, userID string, workflowID uuid.UUID, opts StartOptions) (*models.ExecutionLog, *engine.Outcome, error) {
	prep, err := o.prepare(ctx, userID, workflowID, opts)
	if err != nil {
		return nil, nil, err
	}
	outcome := o.run(prep)
	return prep.record, outcome, nil
}

func (o *Orchestrator) prepare(ctx context.Context, userID string, workflowID uuid.UUID, opts StartOptions) (*preparedRun, error) {
	workflow, err := o.workflows.GetByID(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status == models.WorkflowArchived {
		return nil, fmt.Errorf("workflow %s is archived", workflowID)
	}

	result := o.compiler.CompileDefinition(workflow.Definition, o.ownedCredentials(ctx, userID))
	if !result.Success {
		return nil, fmt.Errorf("workflow does not compile: %s", compileSummary(result))
	}
	plan := result.Plan

	executionID := uuid.New()
	inputData := opts.Input
	if inputData == nil {
		inputData = map[string]any{}
	}
	encodedInput, err := json.Marshal(inputData)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	record := &models.ExecutionLog{
		ExecutionID:       executionID,
		WorkflowID:        workflowID,
		UserID:            userID,
		State:             models.ExecutionPending,
		InputData:         encodedInput,
		ParentExecutionID: opts.ParentExecutionID,
		NestingDepth:      opts.NestingDepth,
		TimeoutBudgetMs:   opts.TimeoutBudgetMs,
		StartedAt:         time.Now().UTC(),
	}
	if err := o.executions.Create(ctx, record); err != nil {
		return nil, err
	}

	ec := engine.NewExecutionContext(executionID, workflowID, userID)
	ec.NodeLabelToID = plan.LabelToID
	ec.NestingDepth = opts.NestingDepth
	ec.MaxNestingDepth = o.cfg.MaxNestingDepth
	ec.WorkflowChain = append(append([]uuid.UUID{}, opts.WorkflowChain...), workflowID)
	ec.TimeoutBudgetMs = opts.TimeoutBudgetMs
	ec.Supervisor = o

	if err := o.resolveCredentials(ctx, userID, plan, ec); err != nil {
		o.failBeforeRun(record, err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := newHandle(executionID, workflowID, userID, cancel)

	o.mu.Lock()
	o.active[executionID] = handle
	o.mu.Unlock()

	return &preparedRun{
		workflow: workflow,
		plan:     plan,
		record:   record,
		handle:   handle,
		ec:       ec,
		runCtx:   runCtx,
		input:    inputData,
	}, nil
}

// resolveCredentials decrypts every credential the plan references so
// handlers never touch the credential store themselves
func (o *Orchestrator) resolveCredentials(ctx context.Context, userID string, plan *compiler.ExecutionPlan, ec *engine.ExecutionContext) error {
	if o.creds == nil {
		return nil
	}
	for i := range plan.Nodes {
		raw, ok := plan.Nodes[i].Config["credential"].(string)
		if !ok || raw == "" {
			continue
		}
		if _, done := ec.Credentials[raw]; done {
			continue
		}
		credID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("node %s references invalid credential %q", plan.Nodes[i].ID, raw)
		}
		payload, err := o.creds.Resolve(ctx, userID, credID)
		if err != nil {
			return fmt.Errorf("resolve credential for node %s: %w", plan.Nodes[i].ID, err)
		}
		ec.Credentials[raw] = payload
	}
	return nil
}

func (o *Orchestrator) run(prep *preparedRun) *engine.Outcome {
	handle := prep.handle
	record := prep.record
	log := o.log.WithExecutionID(record.ExecutionID.String()).WithWorkflowID(record.WorkflowID.String())

	defer func() {
		o.mu.Lock()
		delete(o.active, record.ExecutionID)
		o.mu.Unlock()
	}()

	handle.setState(models.ExecutionRunning)
	if err := o.executions.UpdateState(context.Background(), record.ExecutionID, models.ExecutionRunning); err != nil {
		log.Error("mark execution running", "error", err)
	}
	o.events.Send(record.ExecutionID, "workflow_start", map[string]any{
		"workflow_id": record.WorkflowID.String(),
		"node_count":  len(prep.plan.Order),
	})

	outcome := o.engine.Run(prep.runCtx, prep.plan, prep.ec, prep.input, engine.RunOptions{
		Hooks: o,
		Level: engine.SupervisionFull,
	})

	o.finalize(record, prep.workflow, outcome, log)
	return outcome
}

func (o *Orchestrator) finalize(record *models.ExecutionLog, workflow *models.Workflow, outcome *engine.Outcome, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	record.State = outcome.State
	record.CompletedAt = &now
	if outcome.Error != "" {
		record.Error = &outcome.Error
	}
	if outcome.FailedNode != "" {
		record.FailedNode = &outcome.FailedNode
	}
	if output, err := json.Marshal(engine.ItemsToAny(outcome.Output)); err == nil {
		record.Output = output
	}

	if err := o.executions.Complete(ctx, record); err != nil {
		log.Error("persist execution outcome", "error", err)
	}

	durationMs := now.Sub(record.StartedAt).Milliseconds()
	success := outcome.State == models.ExecutionCompleted
	if err := o.workflows.RecordExecution(ctx, workflow.ID, success, durationMs); err != nil {
		log.Error("update workflow stats", "error", err)
	}

	switch outcome.State {
	case models.ExecutionCompleted:
		o.events.Send(record.ExecutionID, "workflow_complete", map[string]any{
			"output":      engine.ItemsToAny(outcome.Output),
			"duration_ms": durationMs,
			"warnings":    outcome.Warnings,
		})
	default:
		o.events.Send(record.ExecutionID, "workflow_error", map[string]any{
			"state":       string(outcome.State),
			"error":       outcome.Error,
			"failed_node": outcome.FailedNode,
			"duration_ms": durationMs,
		})
	}
	log.Info("execution finished", "state", outcome.State, "duration_ms", durationMs)
}

// failBeforeRun closes out a record that never reached the driver
func (o *Orchestrator) failBeforeRun(record *models.ExecutionLog, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	msg := cause.Error()
	record.State = models.ExecutionFailed
	record.Error = &msg
	record.CompletedAt = &now
	if err := o.executions.Complete(ctx, record); err != nil {
		o.log.Error("persist failed execution", "execution_id", record.ExecutionID, "error", err)
	}
}

// Pause arms the pause gate; the run stops before its next node
func (o *Orchestrator) Pause(ctx context.Context, userID string, executionID uuid.UUID) error {
	handle, err := o.authorizedHandle(userID, executionID)
	if err != nil {
		return err
	}
	if !handle.requestPause() {
		return fmt.Errorf("execution %s is not in a pausable state", executionID)
	}
	return nil
}

// Resume releases a paused run
func (o *Orchestrator) Resume(ctx context.Context, userID string, executionID uuid.UUID) error {
	handle, err := o.authorizedHandle(userID, executionID)
	if err != nil {
		return err
	}
	if !handle.resume() {
		return fmt.Errorf("execution %s is not paused", executionID)
	}
	return nil
}

// Stop cancels a run. Runs that died without cleanup are reconciled
// straight in the store.
func (o *Orchestrator) Stop(ctx context.Context, userID string, executionID uuid.UUID) error {
	handle, err := o.authorizedHandle(userID, executionID)
	if err == nil {
		handle.requestCancel()
		return nil
	}

	record, getErr := o.executions.Get(ctx, userID, executionID)
	if getErr != nil {
		return getErr
	}
	if record.State.IsTerminal() {
		return fmt.Errorf("execution %s already finished", executionID)
	}
	now := time.Now().UTC()
	reason := "cancelled by user"
	record.State = models.ExecutionCancelled
	record.Error = &reason
	record.CompletedAt = &now
	return o.executions.Complete(ctx, record)
}

// Status reports the persisted record plus live driver position
type Status struct {
	Execution   *models.ExecutionLog      `json:"execution"`
	NodeLogs    []models.NodeExecutionLog `json:"node_logs"`
	CurrentNode string                    `json:"current_node,omitempty"`
	Live        bool                      `json:"live"`
}

// GetStatus returns a run's current view, scoped to its owner
func (o *Orchestrator) GetStatus(ctx context.Context, userID string, executionID uuid.UUID) (*Status, error) {
	record, err := o.executions.Get(ctx, userID, executionID)
	if err != nil {
		return nil, err
	}
	nodeLogs, err := o.executions.ListNodeLogs(ctx, executionID)
	if err != nil {
		return nil, err
	}

	status := &Status{Execution: record, NodeLogs: nodeLogs}
	o.mu.RLock()
	if handle, ok := o.active[executionID]; ok {
		status.Live = true
		status.CurrentNode = handle.CurrentNode()
		status.Execution.State = handle.State()
	}
	o.mu.RUnlock()
	return status, nil
}

// ListPendingHITL returns the user's open human requests
func (o *Orchestrator) ListPendingHITL(ctx context.Context, userID string) ([]models.HITLRequest, error) {
	return o.hitl.ListPending(ctx, userID)
}

// Shutdown cancels every live run and waits for drivers to finish
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, handle := range o.active {
		handle.requestCancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) authorizedHandle(userID string, executionID uuid.UUID) (*ExecutionHandle, error) {
	o.mu.RLock()
	handle, ok := o.active[executionID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execution %s is not running", executionID)
	}
	if handle.UserID != userID {
		return nil, fmt.Errorf("execution %s does not belong to caller", executionID)
	}
	return handle, nil
}

func (o *Orchestrator) handleFor(executionID uuid.UUID) *ExecutionHandle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[executionID]
}

func compileSummary(result *compiler.CompileResult) string {
	if len(result.Errors) == 0 {
		return "unknown error"
	}
	first := result.Errors[0]
	if first.NodeID != "" {
		return fmt.Sprintf("%s (node %s): %s", first.Code, first.NodeID, first.Message)
	}
	return fmt.Sprintf("%s: %s", first.Code, first.Message)
}
