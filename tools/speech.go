package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"goa.design/flow/model"
)

const (
	defaultSpeechMaxTokens = 60
	defaultSpeechTimeout   = 2 * time.Second
	speechContextWindow    = 10
)

type (
	// SpeechRequest carries everything a generator may draw on when
	// producing the pre-tool utterance.
	SpeechRequest struct {
		Spec         *Spec
		Args         map[string]any
		Conversation []*model.Message
		UserIntent   string
	}

	// SpeechGenerator produces the phrase spoken before a tool runs.
	SpeechGenerator interface {
		Generate(ctx context.Context, req SpeechRequest) (string, error)
	}

	// modelSpeechGenerator implements the three speech modes. CONSTANT and
	// RANDOM never touch the model; AUTO asks the client for one short
	// sentence built from the configured context scope.
	modelSpeechGenerator struct {
		client model.Client
	}
)

// NewSpeechGenerator returns the default generator. client may be nil when
// only CONSTANT and RANDOM modes are in use.
func NewSpeechGenerator(client model.Client) SpeechGenerator {
	return &modelSpeechGenerator{client: client}
}

// Generate implements SpeechGenerator.
func (g *modelSpeechGenerator) Generate(ctx context.Context, req SpeechRequest) (string, error) {
	policy := req.Spec.PreToolSpeech
	if policy == nil || !policy.Enabled {
		return "", nil
	}
	switch policy.Mode {
	case SpeechConstant, "":
		return policy.Text, nil
	case SpeechRandom:
		if len(policy.Choices) == 0 {
			return policy.Text, nil
		}
		return policy.Choices[rand.IntN(len(policy.Choices))], nil
	case SpeechAuto:
		return g.generateAuto(ctx, req, policy)
	default:
		return "", NewError(KindValidation, "unknown speech mode %q", policy.Mode)
	}
}

func (g *modelSpeechGenerator) generateAuto(ctx context.Context, req SpeechRequest, policy *SpeechPolicy) (string, error) {
	if g.client == nil {
		return "", NewError(KindExecution, "auto speech requires a model client")
	}
	maxTokens := policy.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSpeechMaxTokens
	}
	timeout := defaultSpeechTimeout
	if policy.TimeoutMS > 0 {
		timeout = time.Duration(policy.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := g.client.Complete(ctx, model.Request{
		Messages:    speechMessages(req, policy),
		Temperature: policy.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", WrapError(KindExecution, err, "auto speech generation failed")
	}
	for _, msg := range resp.Content {
		if text := strings.TrimSpace(msg.Content); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// speechMessages builds the prompt for AUTO mode from the configured scope.
func speechMessages(req SpeechRequest, policy *SpeechPolicy) []*model.Message {
	var sb strings.Builder
	sb.WriteString("You are the voice of an assistant that is about to run an action for the user. ")
	sb.WriteString("Reply with one short natural sentence telling the user what is happening. ")
	sb.WriteString("Do not mention tools, APIs or internal systems.")
	if policy.Style != "" {
		fmt.Fprintf(&sb, " Use a %s tone.", policy.Style)
	}
	msgs := []*model.Message{{Role: model.RoleSystem, Content: sb.String()}}

	var ub strings.Builder
	fmt.Fprintf(&ub, "Action: %s", req.Spec.Name())
	if req.Spec.Description != "" {
		fmt.Fprintf(&ub, " (%s)", req.Spec.Description)
	}
	switch policy.Scope {
	case ScopeFullContext:
		msgs = append(msgs, tailMessages(req.Conversation, speechContextWindow)...)
	case ScopeLastMessage:
		msgs = append(msgs, tailMessages(req.Conversation, 1)...)
	case ScopeCustom:
		if policy.CustomInstruction != "" {
			ub.WriteString("\n")
			ub.WriteString(policy.CustomInstruction)
		}
	}
	if policy.IncludeToolParams && len(req.Args) > 0 {
		if raw, err := json.Marshal(req.Args); err == nil {
			fmt.Fprintf(&ub, "\nParameters: %s", raw)
		}
	}
	if policy.IncludeUserIntent && req.UserIntent != "" {
		fmt.Fprintf(&ub, "\nThe user asked for: %s", req.UserIntent)
	}
	return append(msgs, &model.Message{Role: model.RoleUser, Content: ub.String()})
}

func tailMessages(msgs []*model.Message, n int) []*model.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
