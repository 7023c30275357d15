// Package interrupt carries the request types used to pause, resume and
// cancel running executions, and a per-execution Controller that delivers
// them over in-process channels. The engine owns the state transitions; this
// package is the hand-off point between external callers (HTTP handlers,
// operators, schedulers) and code running inside an execution, such as
// long-running custom nodes that poll for pause between steps.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/flow/workflow"
)

// MetaKey is the context metadata key under which the runtime attaches the
// execution's controller.
const MetaKey = "interrupt_controller"

// ErrUnknownExecution reports a request for an execution the hub does not
// track.
var ErrUnknownExecution = errors.New("interrupt: unknown execution")

type (
	// PauseRequest asks a running execution to pause at the next node
	// boundary.
	PauseRequest struct {
		ExecutionID string            `json:"execution_id"`
		Reason      string            `json:"reason,omitempty"`
		RequestedBy string            `json:"requested_by,omitempty"`
		Labels      map[string]string `json:"labels,omitempty"`
	}

	// ResumeRequest asks a paused or suspended execution to continue.
	// Input carries the human-provided payload for suspended executions.
	ResumeRequest struct {
		ExecutionID string         `json:"execution_id"`
		Notes       string         `json:"notes,omitempty"`
		RequestedBy string         `json:"requested_by,omitempty"`
		Input       map[string]any `json:"input,omitempty"`
	}

	// CancelRequest asks an execution to stop permanently.
	CancelRequest struct {
		ExecutionID string `json:"execution_id"`
		Reason      string `json:"reason,omitempty"`
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// InputDelivery hands a payload to a suspended human-input node without
	// resuming yet.
	InputDelivery struct {
		ExecutionID string         `json:"execution_id"`
		NodeID      string         `json:"node_id,omitempty"`
		Payload     map[string]any `json:"payload"`
	}

	// Controller is one execution's interrupt mailbox. Receivers poll or
	// wait; senders go through the Hub.
	Controller struct {
		execID   string
		pauseCh  chan PauseRequest
		resumeCh chan ResumeRequest
		cancelCh chan CancelRequest
		inputCh  chan InputDelivery
	}

	// Hub tracks controllers by execution ID and dispatches requests to
	// them. Safe for concurrent use.
	Hub struct {
		mu          sync.Mutex
		controllers map[string]*Controller
	}
)

const mailboxDepth = 4

func newController(execID string) *Controller {
	return &Controller{
		execID:   execID,
		pauseCh:  make(chan PauseRequest, mailboxDepth),
		resumeCh: make(chan ResumeRequest, mailboxDepth),
		cancelCh: make(chan CancelRequest, mailboxDepth),
		inputCh:  make(chan InputDelivery, mailboxDepth),
	}
}

// ExecutionID returns the execution this controller serves.
func (c *Controller) ExecutionID() string { return c.execID }

// PollPause dequeues a pause request without blocking.
func (c *Controller) PollPause() (PauseRequest, bool) {
	if c == nil {
		return PauseRequest{}, false
	}
	select {
	case req := <-c.pauseCh:
		return req, true
	default:
		return PauseRequest{}, false
	}
}

// PollCancel dequeues a cancel request without blocking.
func (c *Controller) PollCancel() (CancelRequest, bool) {
	if c == nil {
		return CancelRequest{}, false
	}
	select {
	case req := <-c.cancelCh:
		return req, true
	default:
		return CancelRequest{}, false
	}
}

// WaitResume blocks until a resume request arrives or ctx ends.
func (c *Controller) WaitResume(ctx context.Context) (ResumeRequest, error) {
	if c == nil {
		return ResumeRequest{}, errors.New("interrupt: controller is nil")
	}
	select {
	case req := <-c.resumeCh:
		return req, nil
	case <-ctx.Done():
		return ResumeRequest{}, ctx.Err()
	}
}

// WaitInput blocks until a human-input payload arrives or ctx ends.
func (c *Controller) WaitInput(ctx context.Context) (InputDelivery, error) {
	if c == nil {
		return InputDelivery{}, errors.New("interrupt: controller is nil")
	}
	select {
	case d := <-c.inputCh:
		return d, nil
	case <-ctx.Done():
		return InputDelivery{}, ctx.Err()
	}
}

// Attach stores the controller in the execution context metadata so nodes
// can reach it through FromContext.
func (c *Controller) Attach(wctx *workflow.Context) {
	if c == nil || wctx == nil {
		return
	}
	wctx.SetMeta(MetaKey, c)
}

// FromContext retrieves the controller the runtime attached, if any.
func FromContext(wctx *workflow.Context) (*Controller, bool) {
	if wctx == nil {
		return nil, false
	}
	v, ok := wctx.Meta(MetaKey)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Controller)
	return c, ok
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{controllers: make(map[string]*Controller)}
}

// Register creates and tracks a controller for the execution, replacing any
// prior one.
func (h *Hub) Register(execID string) *Controller {
	c := newController(execID)
	h.mu.Lock()
	h.controllers[execID] = c
	h.mu.Unlock()
	return c
}

// Get returns the controller for the execution.
func (h *Hub) Get(execID string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.controllers[execID]
	return c, ok
}

// Remove drops the controller once the execution finishes.
func (h *Hub) Remove(execID string) {
	h.mu.Lock()
	delete(h.controllers, execID)
	h.mu.Unlock()
}

// RequestPause posts a pause request to the execution's mailbox.
func (h *Hub) RequestPause(req PauseRequest) error {
	c, ok := h.Get(req.ExecutionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, req.ExecutionID)
	}
	return post(c.pauseCh, req)
}

// RequestResume posts a resume request to the execution's mailbox.
func (h *Hub) RequestResume(req ResumeRequest) error {
	c, ok := h.Get(req.ExecutionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, req.ExecutionID)
	}
	return post(c.resumeCh, req)
}

// RequestCancel posts a cancel request to the execution's mailbox.
func (h *Hub) RequestCancel(req CancelRequest) error {
	c, ok := h.Get(req.ExecutionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, req.ExecutionID)
	}
	return post(c.cancelCh, req)
}

// DeliverInput posts a human-input payload to the execution's mailbox.
func (h *Hub) DeliverInput(d InputDelivery) error {
	c, ok := h.Get(d.ExecutionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, d.ExecutionID)
	}
	return post(c.inputCh, d)
}

// post never blocks; a full mailbox rejects the request so callers can retry
// rather than hang.
func post[T any](ch chan T, v T) error {
	select {
	case ch <- v:
		return nil
	default:
		return errors.New("interrupt: mailbox full")
	}
}
