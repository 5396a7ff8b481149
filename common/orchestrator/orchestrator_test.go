package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/compiler"
	"github.com/flowforge/flowforge/common/config"
	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/orchestrator"
	"github.com/flowforge/flowforge/common/registry"
	"github.com/flowforge/flowforge/common/workflow"
)

const testUser = "user-1"

// ---- in-memory fakes -------------------------------------------------

type fakeWorkflowStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*models.Workflow
	recorded  []bool // success flags from RecordExecution
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{workflows: make(map[uuid.UUID]*models.Workflow)}
}

func (s *fakeWorkflowStore) add(w *models.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
}

func (s *fakeWorkflowStore) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.UserID != userID {
		return nil, fmt.Errorf("workflow %s not found", id)
	}
	copied := *w
	return &copied, nil
}

func (s *fakeWorkflowStore) RecordExecution(ctx context.Context, id uuid.UUID, success bool, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, success)
	return nil
}

type fakeExecutionStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*models.ExecutionLog
	nodeLogs map[uuid.UUID]*models.NodeExecutionLog
	logOrder []uuid.UUID
	states   []models.ExecutionState
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{
		records:  make(map[uuid.UUID]*models.ExecutionLog),
		nodeLogs: make(map[uuid.UUID]*models.NodeExecutionLog),
	}
}

func (s *fakeExecutionStore) Create(ctx context.Context, e *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.records[e.ExecutionID] = &copied
	return nil
}

func (s *fakeExecutionStore) Get(ctx context.Context, userID string, executionID uuid.UUID) (*models.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[executionID]
	if !ok || record.UserID != userID {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}
	copied := *record
	return &copied, nil
}

func (s *fakeExecutionStore) UpdateState(ctx context.Context, executionID uuid.UUID, state models.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[executionID]; ok {
		record.State = state
	}
	s.states = append(s.states, state)
	return nil
}

func (s *fakeExecutionStore) Complete(ctx context.Context, e *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.records[e.ExecutionID] = &copied
	return nil
}

func (s *fakeExecutionStore) InsertNodeLog(ctx context.Context, n *models.NodeExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *n
	s.nodeLogs[n.ID] = &copied
	s.logOrder = append(s.logOrder, n.ID)
	return nil
}

func (s *fakeExecutionStore) FinishNodeLog(ctx context.Context, id uuid.UUID, status models.NodeExecutionStatus, output []byte, nodeErr *string, retryCount int, completedAt time.Time, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.nodeLogs[id]
	if !ok {
		return fmt.Errorf("node log %s not found", id)
	}
	entry.Status = status
	entry.Output = output
	entry.Error = nodeErr
	entry.RetryCount = retryCount
	entry.CompletedAt = &completedAt
	entry.DurationMs = durationMs
	return nil
}

func (s *fakeExecutionStore) ListNodeLogs(ctx context.Context, executionID uuid.UUID) ([]models.NodeExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []models.NodeExecutionLog
	for _, id := range s.logOrder {
		if s.nodeLogs[id].ExecutionID == executionID {
			logs = append(logs, *s.nodeLogs[id])
		}
	}
	return logs, nil
}

func (s *fakeExecutionStore) record(executionID uuid.UUID) *models.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[executionID]; ok {
		copied := *r
		return &copied
	}
	return nil
}

func (s *fakeExecutionStore) sawState(state models.ExecutionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st == state {
			return true
		}
	}
	return false
}

type fakeHITLStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*models.HITLRequest
	created  chan uuid.UUID
}

func newFakeHITLStore() *fakeHITLStore {
	return &fakeHITLStore{
		requests: make(map[uuid.UUID]*models.HITLRequest),
		created:  make(chan uuid.UUID, 8),
	}
}

func (s *fakeHITLStore) Create(ctx context.Context, h *models.HITLRequest) error {
	s.mu.Lock()
	copied := *h
	s.requests[h.ID] = &copied
	s.mu.Unlock()
	s.created <- h.ID
	return nil
}

func (s *fakeHITLStore) Get(ctx context.Context, userID string, id uuid.UUID) (*models.HITLRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok || request.UserID != userID {
		return nil, fmt.Errorf("request %s not found", id)
	}
	copied := *request
	return &copied, nil
}

func (s *fakeHITLStore) ListPending(ctx context.Context, userID string) ([]models.HITLRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.HITLRequest
	for _, r := range s.requests {
		if r.UserID == userID && r.Status == models.HITLPending {
			pending = append(pending, *r)
		}
	}
	return pending, nil
}

func (s *fakeHITLStore) Resolve(ctx context.Context, id uuid.UUID, status models.HITLStatus, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("request %s not found", id)
	}
	request.Status = status
	request.Response = response
	now := time.Now().UTC()
	request.RespondedAt = &now
	return nil
}

func (s *fakeHITLStore) status(id uuid.UUID) models.HITLStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[id]; ok {
		return r.Status
	}
	return ""
}

type fakeCredStore struct {
	mu         sync.Mutex
	owned      []models.Credential
	payloads   map[uuid.UUID]map[string]any
	resolveErr error
}

func (s *fakeCredStore) Resolve(ctx context.Context, userID string, id uuid.UUID) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	if payload, ok := s.payloads[id]; ok {
		return payload, nil
	}
	return nil, fmt.Errorf("credential %s not found", id)
}

func (s *fakeCredStore) List(ctx context.Context, userID string) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Credential{}, s.owned...), nil
}

// brittleHandler fails on every invocation.
type brittleHandler struct{}

func (h *brittleHandler) Metadata() engine.Metadata {
	return engine.Metadata{NodeType: "brittle", OutputHandles: []string{"success", "error"}}
}

func (h *brittleHandler) ValidateConfig(config map[string]any) []string { return nil }

func (h *brittleHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	return engine.Fail("error", "upstream said no"), nil
}

// holdHandler parks a run until released, so tests can catch it live.
type holdHandler struct {
	entered chan struct{}
	release chan struct{}
}

func newHoldHandler() *holdHandler {
	return &holdHandler{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (h *holdHandler) Metadata() engine.Metadata {
	return engine.Metadata{NodeType: "hold", OutputHandles: []string{"success"}}
}

func (h *holdHandler) ValidateConfig(config map[string]any) []string { return nil }

func (h *holdHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
		return engine.Succeed("success", input), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- harness ---------------------------------------------------------

type fixture struct {
	orch       *orchestrator.Orchestrator
	workflows  *fakeWorkflowStore
	executions *fakeExecutionStore
	hitl       *fakeHITLStore
	creds      *fakeCredStore
	registry   *registry.Registry
}

func newFixture(t *testing.T, mutate func(*config.EngineConfig)) *fixture {
	t.Helper()
	f := &fixture{
		workflows:  newFakeWorkflowStore(),
		executions: newFakeExecutionStore(),
		hitl:       newFakeHITLStore(),
		creds:      &fakeCredStore{payloads: make(map[uuid.UUID]map[string]any)},
		registry:   registry.NewDefault(registry.Options{AllowPrivateHosts: true}),
	}
	cfg := config.EngineConfig{
		MaxLoopIterations: 100,
		MaxNestingDepth:   4,
		NodeTimeout:       5 * time.Second,
		ApprovalTimeout:   time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = orchestrator.New(orchestrator.Deps{
		Handlers:   f.registry,
		Catalog:    f.registry,
		Workflows:  f.workflows,
		Executions: f.executions,
		HITL:       f.hitl,
		Creds:      f.creds,
		Config:     cfg,
		Logger:     logger.New("error", "json"),
	})
	return f
}

func (f *fixture) addWorkflow(t *testing.T, g *workflow.Graph) uuid.UUID {
	t.Helper()
	definition, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	id := uuid.New()
	f.workflows.add(&models.Workflow{
		ID:         id,
		UserID:     testUser,
		Name:       "test workflow",
		Status:     models.WorkflowActive,
		Definition: definition,
	})
	return id
}

func node(id, nodeType string, cfg map[string]any) workflow.Node {
	return workflow.Node{ID: id, Type: nodeType, Data: workflow.NodeData{Label: id, Config: cfg}}
}

func linearGraph() *workflow.Graph {
	return &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("stamp", "set", map[string]any{
				"values": map[string]any{"stage": "done"},
			}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "stamp"}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- lifecycle -------------------------------------------------------

func TestStartSync_RunsLinearWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, linearGraph())

	record, outcome, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{
		Input: map[string]any{"source": "api"},
	})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}

	stored := f.executions.record(record.ExecutionID)
	if stored == nil {
		t.Fatal("execution record not persisted")
	}
	if stored.State != models.ExecutionCompleted {
		t.Errorf("persisted state = %s, want completed", stored.State)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt not set on persisted record")
	}
	if len(stored.Output) == 0 {
		t.Error("output not persisted")
	}

	logs, _ := f.executions.ListNodeLogs(context.Background(), record.ExecutionID)
	if len(logs) != 2 {
		t.Fatalf("expected 2 node logs, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.Status != models.NodeCompleted {
			t.Errorf("node %s status = %s, want completed", entry.NodeID, entry.Status)
		}
	}

	f.workflows.mu.Lock()
	recorded := append([]bool{}, f.workflows.recorded...)
	f.workflows.mu.Unlock()
	if len(recorded) != 1 || !recorded[0] {
		t.Errorf("expected one successful stat record, got %v", recorded)
	}
}

func TestStartSync_ArchivedWorkflowRejected(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, linearGraph())
	f.workflows.mu.Lock()
	f.workflows.workflows[workflowID].Status = models.WorkflowArchived
	f.workflows.mu.Unlock()

	_, _, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err == nil || !strings.Contains(err.Error(), "archived") {
		t.Fatalf("expected archived error, got %v", err)
	}
}

func TestStartSync_CompileFailureSurfaced(t *testing.T) {
	f := newFixture(t, nil)
	g := &workflow.Graph{Nodes: []workflow.Node{node("a", "teleport", nil)}}
	workflowID := f.addWorkflow(t, g)

	_, _, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err == nil || !strings.Contains(err.Error(), "does not compile") {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestStart_AsyncRunCompletes(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, linearGraph())

	record, err := f.orch.Start(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "async run to finish", func() bool {
		stored := f.executions.record(record.ExecutionID)
		return stored != nil && stored.State.IsTerminal()
	})
	if stored := f.executions.record(record.ExecutionID); stored.State != models.ExecutionCompleted {
		t.Errorf("state = %s, want completed", stored.State)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, nil)
	hold := newHoldHandler()
	f.registry.Register(hold)

	g := &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("work", "hold", nil),
			node("finish", "set", map[string]any{"values": map[string]any{"stage": "end"}}),
		},
		Edges: []workflow.Edge{
			{Source: "trigger", Target: "work"},
			{Source: "work", Target: "finish"},
		},
	}
	workflowID := f.addWorkflow(t, g)

	record, err := f.orch.Start(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-hold.entered

	if err := f.orch.Pause(context.Background(), testUser, record.ExecutionID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(hold.release)

	waitFor(t, "run to park at the gate", func() bool {
		status, err := f.orch.GetStatus(context.Background(), testUser, record.ExecutionID)
		return err == nil && status.Live && status.Execution.State == models.ExecutionPaused
	})
	status, err := f.orch.GetStatus(context.Background(), testUser, record.ExecutionID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.CurrentNode != "finish" {
		t.Errorf("paused at %q, want finish", status.CurrentNode)
	}

	if err := f.orch.Resume(context.Background(), testUser, record.ExecutionID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "run to finish after resume", func() bool {
		stored := f.executions.record(record.ExecutionID)
		return stored != nil && stored.State == models.ExecutionCompleted
	})
	if !f.executions.sawState(models.ExecutionPaused) {
		t.Error("paused state never persisted")
	}
}

func TestResume_NotPaused(t *testing.T) {
	f := newFixture(t, nil)
	hold := newHoldHandler()
	f.registry.Register(hold)
	g := &workflow.Graph{
		Nodes: []workflow.Node{node("trigger", "manualTrigger", nil), node("work", "hold", nil)},
		Edges: []workflow.Edge{{Source: "trigger", Target: "work"}},
	}
	workflowID := f.addWorkflow(t, g)

	record, err := f.orch.Start(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-hold.entered

	if err := f.orch.Resume(context.Background(), testUser, record.ExecutionID); err == nil {
		t.Error("expected error resuming a run that was never paused")
	}
	if err := f.orch.Stop(context.Background(), testUser, record.ExecutionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "run to cancel", func() bool {
		stored := f.executions.record(record.ExecutionID)
		return stored != nil && stored.State.IsTerminal()
	})
}

func TestStop_CancelsLiveRun(t *testing.T) {
	f := newFixture(t, nil)
	hold := newHoldHandler()
	f.registry.Register(hold)
	g := &workflow.Graph{
		Nodes: []workflow.Node{node("trigger", "manualTrigger", nil), node("work", "hold", nil)},
		Edges: []workflow.Edge{{Source: "trigger", Target: "work"}},
	}
	workflowID := f.addWorkflow(t, g)

	record, err := f.orch.Start(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-hold.entered

	if err := f.orch.Stop(context.Background(), testUser, record.ExecutionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "run to cancel", func() bool {
		stored := f.executions.record(record.ExecutionID)
		return stored != nil && stored.State == models.ExecutionCancelled
	})
}

func TestStop_ReconcilesOrphanedRecord(t *testing.T) {
	f := newFixture(t, nil)
	executionID := uuid.New()
	f.executions.Create(context.Background(), &models.ExecutionLog{
		ExecutionID: executionID,
		WorkflowID:  uuid.New(),
		UserID:      testUser,
		State:       models.ExecutionRunning,
		StartedAt:   time.Now().UTC(),
	})

	if err := f.orch.Stop(context.Background(), testUser, executionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stored := f.executions.record(executionID)
	if stored.State != models.ExecutionCancelled {
		t.Errorf("state = %s, want cancelled", stored.State)
	}
	if stored.Error == nil || *stored.Error != "cancelled by user" {
		t.Errorf("unexpected error annotation %v", stored.Error)
	}
}

func TestStop_FinishedExecution(t *testing.T) {
	f := newFixture(t, nil)
	executionID := uuid.New()
	f.executions.Create(context.Background(), &models.ExecutionLog{
		ExecutionID: executionID,
		UserID:      testUser,
		State:       models.ExecutionCompleted,
		StartedAt:   time.Now().UTC(),
	})

	if err := f.orch.Stop(context.Background(), testUser, executionID); err == nil {
		t.Error("expected error stopping a finished execution")
	}
}

func TestGetStatus_ScopedToOwner(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, linearGraph())
	record, _, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if _, err := f.orch.GetStatus(context.Background(), testUser, record.ExecutionID); err != nil {
		t.Errorf("owner lookup failed: %v", err)
	}
	if _, err := f.orch.GetStatus(context.Background(), "someone-else", record.ExecutionID); err == nil {
		t.Error("expected not-found for another user")
	}
}

func TestNodeLog_ErrorRoutedFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&brittleHandler{})
	workflowID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("risky", "brittle", nil),
			node("catch", "set", map[string]any{"values": map[string]any{"handled": true}}),
		},
		Edges: []workflow.Edge{
			{Source: "trigger", Target: "risky"},
			{Source: "risky", Target: "catch", SourceHandle: "error"},
		},
	})

	record, outcome, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}

	logs, err := f.executions.ListNodeLogs(context.Background(), record.ExecutionID)
	if err != nil {
		t.Fatalf("ListNodeLogs: %v", err)
	}
	var riskyStatus models.NodeExecutionStatus
	for _, entry := range logs {
		if entry.NodeID == "risky" {
			riskyStatus = entry.Status
		}
	}
	if riskyStatus != models.NodeCompletedWithError {
		t.Errorf("risky status = %s, want %s", riskyStatus, models.NodeCompletedWithError)
	}
}

// ---- human-in-the-loop -----------------------------------------------

func approvalGraph(cfg map[string]any) *workflow.Graph {
	return &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("review", "humanApproval", cfg),
			node("ship", "set", map[string]any{"values": map[string]any{"stage": "shipped"}}),
			node("halt", "set", map[string]any{"values": map[string]any{"stage": "halted"}}),
		},
		Edges: []workflow.Edge{
			{Source: "trigger", Target: "review"},
			{Source: "review", Target: "ship", SourceHandle: "approved"},
			{Source: "review", Target: "halt", SourceHandle: "rejected"},
		},
	}
}

func TestAskHuman_TimeoutAppliesAutoAction(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, approvalGraph(map[string]any{
		"title":           "release gate",
		"timeout_seconds": 1,
		"auto_action":     "approve",
	}))

	_, outcome, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}

	final := outcome.Output[0].JSON
	if final["stage"] != "shipped" {
		t.Errorf("auto-approve should take the approved branch, got %v", final)
	}
	requestID := <-f.hitl.created
	if got := f.hitl.status(requestID); got != models.HITLTimeout {
		t.Errorf("request status = %s, want timeout", got)
	}
	if !f.executions.sawState(models.ExecutionWaitingHuman) {
		t.Error("waiting_human state never persisted")
	}
}

func TestAskHuman_WaitOutlivesNodeTimeout(t *testing.T) {
	// The approval wait is governed by timeout_seconds, not by the
	// node-level timeout, so the auto action must still apply when
	// the wait runs past it.
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, approvalGraph(map[string]any{
		"timeout":         1,
		"timeout_seconds": 2,
		"auto_action":     "approve",
	}))

	_, outcome, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}
	if final := outcome.Output[0].JSON; final["stage"] != "shipped" {
		t.Errorf("auto-approve should take the approved branch, got %v", final)
	}
	requestID := <-f.hitl.created
	if got := f.hitl.status(requestID); got != models.HITLTimeout {
		t.Errorf("request status = %s, want timeout", got)
	}
}

func TestRespondToHITL_ApproveResumesRun(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, approvalGraph(map[string]any{
		"title":           "release gate",
		"timeout_seconds": 30,
	}))

	type result struct {
		outcome *engine.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		_, outcome, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
		done <- result{outcome, err}
	}()

	requestID := <-f.hitl.created
	request, err := f.orch.RespondToHITL(context.Background(), testUser, requestID, "approve", nil, "looks good")
	if err != nil {
		t.Fatalf("RespondToHITL: %v", err)
	}
	if request.Status != models.HITLApproved {
		t.Errorf("request status = %s, want approved", request.Status)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("StartSync: %v", res.err)
	}
	if res.outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.outcome.State, res.outcome.Error)
	}
	final := res.outcome.Output[0].JSON
	if final["stage"] != "shipped" {
		t.Errorf("approval should take the approved branch, got %v", final)
	}
	decision, _ := final["approval"].(map[string]any)
	if decision["action"] != "approve" || decision["message"] != "looks good" {
		t.Errorf("decision not attached to items: %v", decision)
	}
}

func TestRespondToHITL_RejectTakesRejectedBranch(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, approvalGraph(map[string]any{
		"timeout_seconds": 30,
	}))

	done := make(chan *engine.Outcome, 1)
	go func() {
		_, outcome, _ := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
		done <- outcome
	}()

	requestID := <-f.hitl.created
	if _, err := f.orch.RespondToHITL(context.Background(), testUser, requestID, "reject", nil, "not yet"); err != nil {
		t.Fatalf("RespondToHITL: %v", err)
	}

	outcome := <-done
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}
	if outcome.Output[0].JSON["stage"] != "halted" {
		t.Errorf("rejection should take the rejected branch, got %v", outcome.Output[0].JSON)
	}
}

func TestRespondToHITL_DuplicateLoses(t *testing.T) {
	f := newFixture(t, nil)
	workflowID := f.addWorkflow(t, approvalGraph(map[string]any{
		"timeout_seconds": 30,
	}))

	done := make(chan struct{})
	go func() {
		f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
		close(done)
	}()

	requestID := <-f.hitl.created
	if _, err := f.orch.RespondToHITL(context.Background(), testUser, requestID, "approve", nil, ""); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if _, err := f.orch.RespondToHITL(context.Background(), testUser, requestID, "reject", nil, ""); err == nil {
		t.Error("expected duplicate response to be rejected")
	}
	<-done
}

// ---- sub-workflows ---------------------------------------------------

func TestSubworkflow_RunsChildAndPropagatesOutput(t *testing.T) {
	f := newFixture(t, nil)
	childID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("answer", "set", map[string]any{"values": map[string]any{"from": "child"}}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "answer"}},
	})
	parentID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("delegate", "subworkflow", map[string]any{"workflow_id": childID.String()}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "delegate"}},
	})

	record, outcome, err := f.orch.StartSync(context.Background(), testUser, parentID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}
	if outcome.Output[0].JSON["from"] != "child" {
		t.Errorf("child output not propagated: %v", outcome.Output[0].JSON)
	}

	// the child run was persisted with parent lineage
	f.executions.mu.Lock()
	var child *models.ExecutionLog
	for _, r := range f.executions.records {
		if r.ParentExecutionID != nil && *r.ParentExecutionID == record.ExecutionID {
			child = r
		}
	}
	f.executions.mu.Unlock()
	if child == nil {
		t.Fatal("child execution record not found")
	}
	if child.NestingDepth != 1 {
		t.Errorf("child nesting depth = %d, want 1", child.NestingDepth)
	}
}

func TestSubworkflow_DefaultsInputToParentItems(t *testing.T) {
	// With no explicit input config the child receives the calling
	// node's first input item.
	f := newFixture(t, nil)
	childID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{node("trigger", "manualTrigger", nil)},
		Edges: []workflow.Edge{},
	})
	parentID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("prepare", "set", map[string]any{"values": map[string]any{"topic": "go"}}),
			node("delegate", "subworkflow", map[string]any{"workflow_id": childID.String()}),
		},
		Edges: []workflow.Edge{
			{Source: "trigger", Target: "prepare"},
			{Source: "prepare", Target: "delegate"},
		},
	})

	_, outcome, err := f.orch.StartSync(context.Background(), testUser, parentID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}
	if outcome.Output[0].JSON["topic"] != "go" {
		t.Errorf("child should have run on the parent's items, got %v", outcome.Output[0].JSON)
	}
}

func TestSubworkflow_BudgetBoundedByConfiguredTimeout(t *testing.T) {
	f := newFixture(t, nil)
	childID := f.addWorkflow(t, linearGraph())
	parentID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("delegate", "subworkflow", map[string]any{
				"workflow_id": childID.String(),
				"timeout":     7,
			}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "delegate"}},
	})

	record, outcome, err := f.orch.StartSync(context.Background(), testUser, parentID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.State, outcome.Error)
	}

	f.executions.mu.Lock()
	var child *models.ExecutionLog
	for _, r := range f.executions.records {
		if r.ParentExecutionID != nil && *r.ParentExecutionID == record.ExecutionID {
			child = r
		}
	}
	f.executions.mu.Unlock()
	if child == nil {
		t.Fatal("child execution record not found")
	}
	if child.TimeoutBudgetMs <= 0 || child.TimeoutBudgetMs > 7*1000 {
		t.Errorf("child budget = %dms, want within the 7s node timeout", child.TimeoutBudgetMs)
	}
}

func TestSubworkflow_CircularChainRejected(t *testing.T) {
	f := newFixture(t, nil)
	// a workflow that calls itself
	workflowID := uuid.New()
	g := &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("recurse", "subworkflow", map[string]any{"workflow_id": workflowID.String()}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "recurse"}},
	}
	definition, _ := json.Marshal(g)
	f.workflows.add(&models.Workflow{
		ID:         workflowID,
		UserID:     testUser,
		Status:     models.WorkflowActive,
		Definition: definition,
	})

	_, outcome, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", outcome.State)
	}
	if !strings.Contains(outcome.Error, "circular") {
		t.Errorf("error %q should name the circular call", outcome.Error)
	}
}

func TestSubworkflow_DepthLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.EngineConfig) { cfg.MaxNestingDepth = 0 })
	childID := f.addWorkflow(t, linearGraph())
	parentID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("delegate", "subworkflow", map[string]any{"workflow_id": childID.String()}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "delegate"}},
	})

	_, outcome, err := f.orch.StartSync(context.Background(), testUser, parentID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if outcome.State != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", outcome.State)
	}
	if !strings.Contains(outcome.Error, "nesting depth") {
		t.Errorf("error %q should name the depth limit", outcome.Error)
	}
}

// ---- credentials and compilation -------------------------------------

func TestCompile_CredentialOwnership(t *testing.T) {
	f := newFixture(t, nil)
	credID := uuid.New()
	g := &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("fetch", "httpRequest", map[string]any{
				"url":        "https://api.example.com/items",
				"credential": credID.String(),
			}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "fetch"}},
	}
	definition, _ := json.Marshal(g)

	result := f.orch.Compile(context.Background(), testUser, definition)
	if result.Success {
		t.Fatal("expected compile failure for unowned credential")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == compiler.CodeMissingCredential {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s, got %+v", compiler.CodeMissingCredential, result.Errors)
	}

	f.creds.mu.Lock()
	f.creds.owned = append(f.creds.owned, models.Credential{ID: credID, UserID: testUser})
	f.creds.mu.Unlock()
	if result := f.orch.Compile(context.Background(), testUser, definition); !result.Success {
		t.Errorf("expected success once owned, got %+v", result.Errors)
	}
}

func TestStartSync_CredentialResolveFailure(t *testing.T) {
	f := newFixture(t, nil)
	credID := uuid.New()
	f.creds.mu.Lock()
	f.creds.owned = append(f.creds.owned, models.Credential{ID: credID, UserID: testUser})
	f.creds.resolveErr = fmt.Errorf("decrypt failed")
	f.creds.mu.Unlock()

	workflowID := f.addWorkflow(t, &workflow.Graph{
		Nodes: []workflow.Node{
			node("trigger", "manualTrigger", nil),
			node("fetch", "httpRequest", map[string]any{
				"url":        "https://api.example.com/items",
				"credential": credID.String(),
			}),
		},
		Edges: []workflow.Edge{{Source: "trigger", Target: "fetch"}},
	})

	_, _, err := f.orch.StartSync(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err == nil || !strings.Contains(err.Error(), "resolve credential") {
		t.Fatalf("expected resolve error, got %v", err)
	}

	// the aborted run still left a failed record behind
	f.executions.mu.Lock()
	var failed bool
	for _, r := range f.executions.records {
		if r.State == models.ExecutionFailed {
			failed = true
		}
	}
	f.executions.mu.Unlock()
	if !failed {
		t.Error("expected a failed execution record")
	}
}

// ---- shutdown --------------------------------------------------------

func TestShutdown_CancelsActiveRuns(t *testing.T) {
	f := newFixture(t, nil)
	hold := newHoldHandler()
	f.registry.Register(hold)
	g := &workflow.Graph{
		Nodes: []workflow.Node{node("trigger", "manualTrigger", nil), node("work", "hold", nil)},
		Edges: []workflow.Edge{{Source: "trigger", Target: "work"}},
	}
	workflowID := f.addWorkflow(t, g)

	record, err := f.orch.Start(context.Background(), testUser, workflowID, orchestrator.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-hold.entered

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	stored := f.executions.record(record.ExecutionID)
	if stored == nil || !stored.State.IsTerminal() {
		t.Errorf("run not finalized after shutdown: %+v", stored)
	}
}
