package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/models"
)

// ExecutionHandle is the in-memory control block for one live run.
// The driver goroutine and API handlers coordinate through it.
type ExecutionHandle struct {
	ExecutionID uuid.UUID
	WorkflowID  uuid.UUID
	UserID      string
	StartedAt   time.Time

	cancel     func()
	cancelOnce sync.Once

	mu          sync.Mutex
	state       models.ExecutionState
	currentNode string
	pauseGate   chan struct{} // non-nil while paused; closed on resume
	nodeLogs    map[string]uuid.UUID
}

func newHandle(executionID, workflowID uuid.UUID, userID string, cancel func()) *ExecutionHandle {
	return &ExecutionHandle{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		StartedAt:   time.Now().UTC(),
		cancel:      cancel,
		state:       models.ExecutionPending,
		nodeLogs:    make(map[string]uuid.UUID),
	}
}

// State returns the live state
func (h *ExecutionHandle) State() models.ExecutionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// CurrentNode returns the node the driver is at
func (h *ExecutionHandle) CurrentNode() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentNode
}

func (h *ExecutionHandle) setState(state models.ExecutionState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *ExecutionHandle) setCurrentNode(nodeID string) {
	h.mu.Lock()
	h.currentNode = nodeID
	h.mu.Unlock()
}

// requestPause arms the pause gate; the driver blocks at the next
// node boundary. Returns false when the run is not pausable.
func (h *ExecutionHandle) requestPause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != models.ExecutionRunning && h.state != models.ExecutionPending {
		return false
	}
	if h.pauseGate == nil {
		h.pauseGate = make(chan struct{})
	}
	return true
}

// resume opens the gate. Returns false when the run was not paused.
func (h *ExecutionHandle) resume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pauseGate == nil {
		return false
	}
	close(h.pauseGate)
	h.pauseGate = nil
	return true
}

// gate returns the channel the driver must wait on, or nil when the
// run may proceed
func (h *ExecutionHandle) gate() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauseGate
}

// requestCancel aborts the driver's context exactly once
func (h *ExecutionHandle) requestCancel() {
	h.cancelOnce.Do(func() {
		// a paused run must wake up to observe the cancellation
		h.resume()
		h.cancel()
	})
}

func (h *ExecutionHandle) setNodeLog(nodeID string, logID uuid.UUID) {
	h.mu.Lock()
	h.nodeLogs[nodeID] = logID
	h.mu.Unlock()
}

func (h *ExecutionHandle) nodeLog(nodeID string) (uuid.UUID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.nodeLogs[nodeID]
	return id, ok
}
