package workflow

import (
	"context"
)

type (
	// Step is one streamed execution event: a node completed with the given
	// output. Path is the execution path up to and including the node.
	Step struct {
		NodeID string
		Output any
		Path   []string
	}

	// Stream delivers node completions as they happen. Consume Steps until
	// the channel closes, then collect the outcome from Result.
	//
	//	stream, _ := eng.ExecuteStream(ctx, w, input)
	//	for step := range stream.Steps() {
	//		fmt.Println(step.NodeID)
	//	}
	//	res, err := stream.Result()
	Stream struct {
		steps  chan Step
		done   chan struct{}
		result *Result
		err    error
	}
)

// ExecuteStream runs the workflow like Execute but yields each node
// completion through the returned stream. The run covers one execution
// segment: if it parks for input, the stream ends with a suspended result
// and Resume continues without streaming.
func (e *Engine) ExecuteStream(ctx context.Context, w *Workflow, input map[string]any, opts ...ExecOption) *Stream {
	s := &Stream{
		steps: make(chan Step, 16),
		done:  make(chan struct{}),
	}
	rec := e.newExecution(w, input, opts...)
	rec.stream = s
	go func() {
		defer close(s.done)
		defer close(s.steps)
		s.result, s.err = e.run(ctx, rec)
	}()
	return s
}

// Steps returns the channel of node completions. It closes when the
// execution stops.
func (s *Stream) Steps() <-chan Step { return s.steps }

// Result blocks until the execution stops and returns its outcome.
func (s *Stream) Result() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// emit delivers a step, dropping it if the caller context ends first.
func (s *Stream) emit(ctx context.Context, step Step) {
	select {
	case s.steps <- step:
	case <-ctx.Done():
	}
}
