package workflow

import (
	"sync"
	"time"
)

type (
	// ExecStatus is the lifecycle state of one workflow execution.
	ExecStatus string

	// Result is the outcome of driving an execution until it completed,
	// failed, or parked (paused or suspended). Context is always populated so
	// callers can inspect the execution path, node states and per-node
	// outputs up to the stopping point.
	Result struct {
		// Status is the terminal or parked state of the execution.
		Status ExecStatus
		// Output is the workflow output: what the end node recorded, or the
		// last node output when no end node set one.
		Output any
		// Context is the execution context.
		Context *Context
		// Pending describes the input a suspended execution is waiting for.
		Pending *PendingInput
		// Iterations is the number of node executions performed so far.
		Iterations int
		// Elapsed is the active execution time, excluding parked intervals.
		Elapsed time.Duration
		// Err is the failure when Status is failed.
		Err error
	}

	// PendingInput describes what a suspended execution needs before it can
	// resume, extracted from the waiting node's descriptor.
	PendingInput struct {
		// NodeID is the human-input node waiting for input.
		NodeID string
		// Prompt is the question to surface to the user.
		Prompt string
		// RequiredFields lists the fields the node needs.
		RequiredFields []string
		// MissingFields lists the required fields still absent.
		MissingFields []string
		// FieldPrompts maps field names to per-field questions.
		FieldPrompts map[string]string
		// ApprovalMode is true when the node expects a yes/no answer.
		ApprovalMode bool
		// ExistingValues holds the field values collected so far.
		ExistingValues map[string]any
	}

	// workItem is one queue entry: the node to run, the payload routed to it
	// and the edge it arrived on. reenter bypasses the completed-node skip so
	// loops and resumed human-input nodes run again; transformed marks
	// payloads already mapped at enqueue time (error edges).
	workItem struct {
		nodeID      string
		input       any
		edge        *Edge
		reenter     bool
		transformed bool
	}

	cachedOutput struct {
		value   any
		expires time.Time
	}

	// execution is the engine-internal record of one run: context, pending
	// queue, status and timing. The queue and cache belong to the single
	// runner goroutine; status, pending and waiting are mutex-guarded so
	// Pause, Cancel, Resume and ProvideInput can be called from other
	// goroutines.
	execution struct {
		id       string
		workflow *Workflow
		wctx     *Context
		router   Router

		mu      sync.Mutex
		status  ExecStatus
		pending *PendingInput
		waiting *workItem

		queue         []workItem
		iterations    int
		started       bool
		startedAt     time.Time
		activeElapsed time.Duration
		cache         map[string]cachedOutput
		stream        *Stream
	}
)

const (
	ExecRunning   ExecStatus = "running"
	ExecPaused    ExecStatus = "paused"
	ExecSuspended ExecStatus = "suspended"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

func (s ExecStatus) terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

func (r *execution) Status() ExecStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *execution) setStatus(s ExecStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// park records the transition out of running when the execution pauses or
// suspends, banking the active elapsed time so parked intervals do not count
// against the workflow timeout.
func (r *execution) park(status ExecStatus, pending *PendingInput, waiting *workItem) {
	r.mu.Lock()
	r.status = status
	r.pending = pending
	r.waiting = waiting
	r.activeElapsed = time.Since(r.startedAt)
	r.mu.Unlock()
}

func (r *execution) elapsed() time.Duration { return time.Since(r.startedAt) }

// markSkipped flags all still-idle queued nodes as skipped when the
// execution ends early.
func (r *execution) markSkipped() {
	for _, item := range r.queue {
		if r.wctx.NodeState(item.nodeID) == StateIdle {
			r.wctx.SetNodeState(item.nodeID, StateSkipped)
		}
	}
	r.queue = nil
}

func (r *execution) result(status ExecStatus, output any, err error) *Result {
	r.mu.Lock()
	pending := r.pending
	elapsed := time.Since(r.startedAt)
	if status == ExecPaused || status == ExecSuspended {
		elapsed = r.activeElapsed
	}
	r.mu.Unlock()
	return &Result{
		Status:     status,
		Output:     output,
		Context:    r.wctx,
		Pending:    pending,
		Iterations: r.iterations,
		Elapsed:    elapsed,
		Err:        err,
	}
}
