// Package tools implements the tool execution runtime: versioned tool specs
// with typed parameters, and a call pipeline that validates arguments,
// authorizes and rate-limits callers, deduplicates calls through idempotency
// keys, generates pre-tool speech, executes with retry and circuit breaking,
// and applies post-call dynamic variable assignments.
//
// A Spec describes one tool: what it is (function, HTTP call or database
// query), the parameters it accepts, and the runtime policies that govern its
// execution. The Runtime owns the pipeline; executors for the individual tool
// types live in subpackages (httpexec, dbexec) or are registered as Go
// functions.
package tools

import (
	"time"
)

type (
	// Type discriminates tool implementations.
	Type string

	// ReturnType describes the shape of a tool's result content.
	ReturnType string

	// ReturnTarget names who consumes the tool result.
	ReturnTarget string

	// ParamType is the type of a tool parameter, following JSON Schema
	// primitive names.
	ParamType string

	// SpeechMode selects how pre-tool speech is produced.
	SpeechMode string

	// SpeechScope selects the conversation context given to the model when
	// speech mode is AUTO.
	SpeechScope string

	// ExecMode orders pre-tool speech relative to tool execution.
	ExecMode string

	// Spec is a versioned tool definition: identity, typed parameters and
	// the execution policies applied by the runtime. Published specs are
	// immutable; the registry enforces copy-on-write versioning.
	Spec struct {
		// ID identifies the tool across versions.
		ID string `json:"id"`
		// Version is the semver of this revision.
		Version string `json:"version"`
		// ToolName is the callable name exposed to models and nodes.
		ToolName string `json:"tool_name"`
		// Description tells models when to call the tool.
		Description string `json:"description,omitempty"`
		// ToolType discriminates the executor.
		ToolType Type `json:"tool_type"`
		// Parameters declares the accepted arguments.
		Parameters []*Parameter `json:"parameters,omitempty"`
		// Returns describes the result content shape.
		Returns ReturnType `json:"return_type,omitempty"`
		// ReturnTo names the consumer of the result.
		ReturnTo ReturnTarget `json:"return_target,omitempty"`
		// TimeoutS bounds one execution attempt in seconds.
		TimeoutS float64 `json:"timeout_s,omitempty"`
		// Permissions lists the scopes a caller needs.
		Permissions []string `json:"permissions,omitempty"`
		// Retry configures retries around the executor.
		Retry *RetryPolicy `json:"retry,omitempty"`
		// CircuitBreaker configures fail-fast protection.
		CircuitBreaker *BreakerPolicy `json:"circuit_breaker,omitempty"`
		// Idempotency configures result deduplication.
		Idempotency *IdempotencyPolicy `json:"idempotency,omitempty"`
		// Limits configures per-tool concurrency and rate.
		Limits *LimitPolicy `json:"limits,omitempty"`
		// Interruption controls cancellation of in-flight calls.
		Interruption *InterruptionPolicy `json:"interruption,omitempty"`
		// PreToolSpeech configures the user-visible message produced before
		// execution.
		PreToolSpeech *SpeechPolicy `json:"pre_tool_speech,omitempty"`
		// Execution orders speech relative to the tool call.
		Execution *ExecutionPolicy `json:"execution,omitempty"`
		// DynamicVariables are applied to the caller's variable store after
		// a successful call.
		DynamicVariables []*VariableAssignment `json:"dynamic_variables,omitempty"`
		// Function configures function tools.
		Function *FunctionSpec `json:"function,omitempty"`
		// HTTP configures HTTP tools.
		HTTP *HTTPSpec `json:"http,omitempty"`
		// DB configures database tools.
		DB *DBSpec `json:"db,omitempty"`
		// MetricsTags are added to every metric emitted for this tool.
		MetricsTags map[string]string `json:"metrics_tags,omitempty"`
		// Metadata carries free-form annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Parameter declares one tool argument with its constraints.
	Parameter struct {
		// Name is the argument name.
		Name string `json:"name"`
		// Type is the JSON type.
		Type ParamType `json:"type"`
		// Description documents the argument for models.
		Description string `json:"description,omitempty"`
		// Required rejects calls that omit the argument.
		Required bool `json:"required,omitempty"`
		// Default fills the argument when omitted.
		Default any `json:"default,omitempty"`
		// Enum restricts the value to a fixed set.
		Enum []any `json:"enum,omitempty"`
		// Minimum and Maximum bound numeric values.
		Minimum *float64 `json:"minimum,omitempty"`
		Maximum *float64 `json:"maximum,omitempty"`
		// Pattern is a regular expression string values must match.
		Pattern string `json:"pattern,omitempty"`
		// MinLength and MaxLength bound string and array lengths.
		MinLength *int `json:"min_length,omitempty"`
		MaxLength *int `json:"max_length,omitempty"`
		// Items constrains array elements.
		Items *Parameter `json:"items,omitempty"`
		// Properties constrains object members.
		Properties []*Parameter `json:"properties,omitempty"`
	}

	// FunctionSpec configures a function tool. The runtime resolves Handler
	// against its registered Go functions; Code is retained verbatim for
	// specs imported from systems that store source alongside the tool.
	FunctionSpec struct {
		// Handler names the registered function executing the tool.
		Handler string `json:"handler,omitempty"`
		// Code is an opaque source payload carried for round-tripping.
		Code string `json:"function_code,omitempty"`
	}

	// HTTPSpec configures an HTTP tool. Arguments named url, method,
	// headers, query_params and body override the spec at call time.
	HTTPSpec struct {
		URL         string            `json:"url"`
		Method      string            `json:"method,omitempty"`
		Headers     map[string]string `json:"headers,omitempty"`
		QueryParams map[string]string `json:"query_params,omitempty"`
		Body        any               `json:"body,omitempty"`
		// RetryOnStatus overrides the status codes considered transient.
		RetryOnStatus []int `json:"retry_on_status,omitempty"`
		// ExpectJSON forces JSON parsing regardless of response content
		// type.
		ExpectJSON bool `json:"expect_json,omitempty"`
	}

	// DBSpec configures a database tool for one of the supported providers.
	DBSpec struct {
		// Provider selects the database driver.
		Provider DBProvider `json:"provider"`
		// DSN is the connection string for SQL providers.
		DSN string `json:"dsn,omitempty"`
		// Query is the parameterized statement to execute. Arguments bind
		// by name.
		Query string `json:"query,omitempty"`
		// Table and Region configure the DynamoDB provider.
		Table  string `json:"table,omitempty"`
		Region string `json:"region,omitempty"`
		// Operation selects the DynamoDB operation (get_item, put_item,
		// query, delete_item).
		Operation string `json:"operation,omitempty"`
		// MaxRows caps result sets; zero means no cap.
		MaxRows int `json:"max_rows,omitempty"`
	}

	// DBProvider names a supported database backend.
	DBProvider string

	// RetryPolicy retries transient executor failures with exponential
	// backoff: baseDelay * multiplier^attempt, capped at maxDelay, with
	// jitter in [0.5, 1.5] of the computed delay.
	RetryPolicy struct {
		Enabled bool `json:"enabled"`
		// MaxAttempts counts all tries including the first.
		MaxAttempts int     `json:"max_attempts,omitempty"`
		BaseDelayS  float64 `json:"base_delay_s,omitempty"`
		Multiplier  float64 `json:"multiplier,omitempty"`
		MaxDelayS   float64 `json:"max_delay_s,omitempty"`
		// RetryOn lists additional error kinds treated as transient.
		RetryOn []string `json:"retry_on,omitempty"`
		// RetryOnStatus lists HTTP statuses treated as transient. Empty
		// means the default {429, 500, 502, 503, 504}.
		RetryOnStatus []int `json:"retry_on_status,omitempty"`
	}

	// BreakerPolicy configures the per-tool circuit breaker. From CLOSED the
	// breaker opens after FailureThreshold consecutive failures or any
	// failure whose code is in ErrorCodesToTrip; after RecoveryTimeoutS it
	// admits up to HalfOpenMaxCalls probes, closing on success and
	// re-opening on failure.
	BreakerPolicy struct {
		Enabled          bool     `json:"enabled"`
		FailureThreshold int      `json:"failure_threshold,omitempty"`
		RecoveryTimeoutS float64  `json:"recovery_timeout_s,omitempty"`
		HalfOpenMaxCalls int      `json:"half_open_max_calls,omitempty"`
		ErrorCodesToTrip []string `json:"error_codes_to_trip,omitempty"`
	}

	// IdempotencyPolicy deduplicates calls: calls with equal keys within the
	// TTL return the first call's result without re-invoking the executor.
	IdempotencyPolicy struct {
		Enabled bool `json:"enabled"`
		// KeyFields selects the arguments hashed into the key; empty hashes
		// all arguments.
		KeyFields []string `json:"key_fields,omitempty"`
		// TTLS bounds how long a result is replayed, in seconds.
		TTLS float64 `json:"ttl_s,omitempty"`
	}

	// LimitPolicy bounds per-tool concurrency and call rate. Calls that
	// cannot proceed within WaitTimeoutS fail with tool_limit_exceeded; a
	// zero wait rejects immediately.
	LimitPolicy struct {
		MaxConcurrent int     `json:"max_concurrent,omitempty"`
		RatePerSecond float64 `json:"rate_per_second,omitempty"`
		Burst         int     `json:"burst,omitempty"`
		WaitTimeoutS  float64 `json:"wait_timeout_s,omitempty"`
	}

	// InterruptionPolicy controls whether the surrounding runtime may cancel
	// an in-flight call in response to user input. With Disabled true the
	// call runs to completion regardless of caller cancellation.
	InterruptionPolicy struct {
		Disabled bool `json:"disabled"`
	}

	// SpeechPolicy produces a short user-visible message before the tool
	// executes, so voice agents stay audible during slow calls.
	SpeechPolicy struct {
		Enabled bool       `json:"enabled"`
		Mode    SpeechMode `json:"mode,omitempty"`
		// Text is the message for CONSTANT mode.
		Text string `json:"text,omitempty"`
		// Choices are the candidate messages for RANDOM mode.
		Choices []string `json:"choices,omitempty"`
		// Scope selects the context for AUTO mode.
		Scope SpeechScope `json:"context_scope,omitempty"`
		// CustomInstruction overrides the generation prompt when Scope is
		// custom.
		CustomInstruction string `json:"custom_instruction,omitempty"`
		// IncludeToolParams adds the call arguments to the prompt.
		IncludeToolParams bool `json:"include_tool_params,omitempty"`
		// IncludeUserIntent adds the last user message to the prompt.
		IncludeUserIntent bool    `json:"include_user_intent,omitempty"`
		MaxTokens         int     `json:"max_tokens,omitempty"`
		Temperature       float32 `json:"temperature,omitempty"`
		// Style hints the voice of the generated message.
		Style string `json:"speech_style,omitempty"`
		// TimeoutMS bounds speech generation in SEQUENTIAL execution.
		TimeoutMS int `json:"speech_timeout_ms,omitempty"`
	}

	// ExecutionPolicy orders speech and execution: SEQUENTIAL waits for
	// speech before calling the tool, PARALLEL runs both and joins on the
	// tool.
	ExecutionPolicy struct {
		Mode ExecMode `json:"mode,omitempty"`
	}

	// Result is the outcome of one pipeline invocation.
	Result struct {
		// Success is false when Error is set.
		Success bool `json:"success"`
		// Content is the tool output.
		Content any `json:"content,omitempty"`
		// Error describes the failure.
		Error *Error `json:"error,omitempty"`
		// Speech is the pre-tool message generated for this call, if any.
		Speech string `json:"speech,omitempty"`
		// Usage carries executor-specific accounting such as token counts
		// or row counts.
		Usage map[string]any `json:"usage,omitempty"`
		// LatencyMS is the executor wall time in milliseconds.
		LatencyMS int64 `json:"latency_ms"`
		// Attempts counts executor invocations including retries.
		Attempts int `json:"attempts"`
		// Replayed is true when the result came from the idempotency store
		// without invoking the executor.
		Replayed bool `json:"replayed,omitempty"`
	}
)

const (
	TypeFunction Type = "function"
	TypeHTTP     Type = "http"
	TypeDB       Type = "db"
)

const (
	ReturnJSON ReturnType = "json"
	ReturnText ReturnType = "text"
	ReturnTOON ReturnType = "toon"
)

const (
	TargetHuman ReturnTarget = "human"
	TargetLLM   ReturnTarget = "llm"
	TargetAgent ReturnTarget = "agent"
	TargetStep  ReturnTarget = "step"
)

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

const (
	SpeechConstant SpeechMode = "CONSTANT"
	SpeechRandom   SpeechMode = "RANDOM"
	SpeechAuto     SpeechMode = "AUTO"
)

const (
	ScopeFullContext SpeechScope = "full_context"
	ScopeToolOnly    SpeechScope = "tool_only"
	ScopeLastMessage SpeechScope = "last_message"
	ScopeCustom      SpeechScope = "custom"
)

const (
	ModeSequential ExecMode = "SEQUENTIAL"
	ModeParallel   ExecMode = "PARALLEL"
)

const (
	ProviderPostgres DBProvider = "postgres"
	ProviderMySQL    DBProvider = "mysql"
	ProviderSQLite   DBProvider = "sqlite"
	ProviderDynamoDB DBProvider = "dynamodb"
)

// Default retry-on-status set for HTTP tools.
var DefaultRetryStatuses = []int{429, 500, 502, 503, 504}

// Timeout returns the per-attempt budget as a duration, zero when unset.
func (s *Spec) Timeout() time.Duration {
	if s.TimeoutS <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutS * float64(time.Second))
}

// Param returns the parameter with the given name, or nil.
func (s *Spec) Param(name string) *Parameter {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Name returns the callable name, falling back to the id.
func (s *Spec) Name() string {
	if s.ToolName != "" {
		return s.ToolName
	}
	return s.ID
}

// normalized returns the retry policy with defaults applied.
func (p *RetryPolicy) normalized() RetryPolicy {
	out := RetryPolicy{Enabled: true, MaxAttempts: 3, BaseDelayS: 0.5, Multiplier: 2, MaxDelayS: 30}
	if p == nil {
		out.Enabled = false
		return out
	}
	out.Enabled = p.Enabled
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.BaseDelayS > 0 {
		out.BaseDelayS = p.BaseDelayS
	}
	if p.Multiplier > 0 {
		out.Multiplier = p.Multiplier
	}
	if p.MaxDelayS > 0 {
		out.MaxDelayS = p.MaxDelayS
	}
	out.RetryOn = p.RetryOn
	out.RetryOnStatus = p.RetryOnStatus
	if len(out.RetryOnStatus) == 0 {
		out.RetryOnStatus = DefaultRetryStatuses
	}
	return out
}
