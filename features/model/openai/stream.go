package openai

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/flow/model"
)

// openaiStreamer adapts the SDK chat completion stream to model.Streamer. A
// goroutine drains SSE chunks and translates them; Recv pulls translated
// chunks from a channel so slow consumers exert backpressure on the reader.
type openaiStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], modelID string) *openaiStreamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &openaiStreamer{
		ctx:    sctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
		metadata: map[string]any{
			"provider": "openai",
			"model":    modelID,
		},
	}
	go s.run()
	return s
}

// Recv returns the next translated chunk or io.EOF once the stream completes.
func (s *openaiStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.err(); err != nil {
				return model.Chunk{}, err
			}
			return model.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

// Close stops the reader goroutine and releases the underlying SSE stream.
func (s *openaiStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

// Metadata returns provider details captured while streaming.
func (s *openaiStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *openaiStreamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	processor := newOpenAIChunkProcessor(s.emitChunk, s.setMeta)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
				return
			}
			processor.finish()
			return
		}
		processor.handle(s.stream.Current())
	}
}

func (s *openaiStreamer) emitChunk(chunk model.Chunk) {
	select {
	case <-s.ctx.Done():
	case s.chunks <- chunk:
	}
}

func (s *openaiStreamer) setMeta(key string, value any) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *openaiStreamer) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.finalErr = err
	}
}

func (s *openaiStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// openaiChunkProcessor accumulates chat completion deltas. Tool call
// arguments stream as JSON fragments keyed by tool call index; the processor
// buffers them and emits one tool call chunk per completed call. A finish
// reason flushes pending calls because the API sends no per-call terminator.
type openaiChunkProcessor struct {
	emit       func(model.Chunk)
	setMeta    func(string, any)
	toolCalls  map[int64]*toolCallBuffer
	stopReason string
	seenID     bool
	stopped    bool
}

type toolCallBuffer struct {
	name      string
	fragments []string
}

func (b *toolCallBuffer) arguments() string {
	return strings.Join(b.fragments, "")
}

func newOpenAIChunkProcessor(emit func(model.Chunk), setMeta func(string, any)) *openaiChunkProcessor {
	return &openaiChunkProcessor{
		emit:      emit,
		setMeta:   setMeta,
		toolCalls: make(map[int64]*toolCallBuffer),
	}
}

func (p *openaiChunkProcessor) handle(chunk sdk.ChatCompletionChunk) {
	if !p.seenID && chunk.ID != "" {
		p.seenID = true
		p.setMeta("completion_id", chunk.ID)
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			p.emit(model.Chunk{
				Type: model.ChunkTypeText,
				Message: &model.Message{
					Role:    model.RoleAssistant,
					Content: choice.Delta.Content,
				},
			})
		}
		for _, tc := range choice.Delta.ToolCalls {
			buf := p.toolCalls[tc.Index]
			if buf == nil {
				buf = &toolCallBuffer{}
				p.toolCalls[tc.Index] = buf
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				buf.fragments = append(buf.fragments, tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			p.stopReason = choice.FinishReason
			p.flushToolCalls()
		}
	}
	if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
		usage := model.TokenUsage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:  int(chunk.Usage.TotalTokens),
		}
		p.setMeta("usage", usage)
		p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	}
}

// finish runs after the terminal SSE sentinel. It flushes any tool calls that
// never saw a finish reason and emits the stop chunk exactly once.
func (p *openaiChunkProcessor) finish() {
	p.flushToolCalls()
	if p.stopped {
		return
	}
	p.stopped = true
	p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
}

func (p *openaiChunkProcessor) flushToolCalls() {
	if len(p.toolCalls) == 0 {
		return
	}
	indexes := make([]int64, 0, len(p.toolCalls))
	for idx := range p.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		buf := p.toolCalls[idx]
		delete(p.toolCalls, idx)
		if buf.name == "" {
			continue
		}
		p.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				Name:    buf.name,
				Payload: parseToolArguments(buf.arguments()),
			},
		})
	}
}
