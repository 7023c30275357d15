package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies workflow failures with stable string identifiers. Kinds are
// part of the public contract: error edges match on them, callers branch on
// them and they appear verbatim in logs and serialized error payloads.
type Kind string

const (
	// KindWorkflowNotFound reports a lookup of an unknown workflow id.
	KindWorkflowNotFound Kind = "workflow_not_found"
	// KindWorkflowBuild reports a builder failure (duplicate ids, missing
	// start node and similar construction problems).
	KindWorkflowBuild Kind = "workflow_build_error"
	// KindWorkflowValidation reports an invalid workflow spec.
	KindWorkflowValidation Kind = "workflow_validation_error"
	// KindWorkflowExecution reports a failure while driving the graph.
	KindWorkflowExecution Kind = "workflow_execution_error"
	// KindWorkflowState reports an illegal execution state transition, for
	// example resuming an execution that is not paused.
	KindWorkflowState Kind = "workflow_state_error"
	// KindNodeNotFound reports a reference to an unknown node id.
	KindNodeNotFound Kind = "node_not_found"
	// KindNodeExecution reports a node failure that no error edge absorbed.
	KindNodeExecution Kind = "node_execution_error"
	// KindNodeValidation reports an invalid node spec or node input.
	KindNodeValidation Kind = "node_validation_error"
	// KindEdgeNotFound reports a reference to an unknown edge id.
	KindEdgeNotFound Kind = "edge_not_found"
	// KindEdgeValidation reports an invalid edge spec.
	KindEdgeValidation Kind = "edge_validation_error"
	// KindRouting reports a router failure.
	KindRouting Kind = "routing_error"
	// KindConditionEvaluation reports a condition that could not be evaluated.
	KindConditionEvaluation Kind = "condition_evaluation_error"
	// KindTransform reports a data transform failure.
	KindTransform Kind = "transform_error"
	// KindTimeout reports that the workflow exceeded its time budget.
	KindTimeout Kind = "workflow_timeout"
	// KindMaxIterations reports that the engine hit the iteration guard.
	KindMaxIterations Kind = "max_iterations_exceeded"
	// KindCycleDetected reports a cycle with no loop-back edge.
	KindCycleDetected Kind = "cycle_detected"
	// KindParallelExecution reports branch failures inside a parallel node.
	// Details carry "failed_nodes".
	KindParallelExecution Kind = "parallel_execution_error"
	// KindWebhook reports a webhook call failure. Details carry "url" and
	// "status_code".
	KindWebhook Kind = "webhook_error"
	// KindSubworkflow reports a child workflow failure.
	KindSubworkflow Kind = "subworkflow_error"
)

// Error is the structured failure type used across the workflow packages.
// Every error carries a Kind, a human-readable message and optional details.
// Errors support errors.Is (matching on Kind) and errors.As, and wrap causes
// so chains survive across engine layers.
type Error struct {
	// Kind is the stable failure classification.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// Details holds structured failure context (node ids, urls, counts).
	Details map[string]any

	cause error
}

// NewError constructs an Error with the given kind and formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an Error that wraps cause. The cause remains reachable
// through errors.Unwrap.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails returns e with the given key-value detail attached. The
// receiver is returned to allow chaining at construction sites.
func (e *Error) WithDetails(kvs ...any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(kvs)/2)
	}
	for i := 0; i+1 < len(kvs); i += 2 {
		if k, ok := kvs[i].(string); ok {
			e.Details[k] = kvs[i+1]
		}
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches target errors of type *Error with the same Kind, so callers can
// write errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e != nil && te.Kind == e.Kind
}

// KindOf extracts the Kind from err, unwrapping as needed. It returns the
// empty Kind when err carries no workflow classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
