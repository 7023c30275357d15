package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
)

// Reserved argument names that override the corresponding spec fields instead
// of becoming request data.
const (
	ArgURL         = "url"
	ArgMethod      = "method"
	ArgHeaders     = "headers"
	ArgQueryParams = "query_params"
	ArgBody        = "body"
)

type (
	// Executor implements tools.Executor for HTTP tools over the shared
	// session.
	Executor struct {
		mgr    *SessionManager
		logger telemetry.Logger
	}

	// ExecutorOption configures an Executor.
	ExecutorOption func(*Executor)
)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l telemetry.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// New builds an HTTP executor on the session and registers it for shutdown.
func New(mgr *SessionManager, opts ...ExecutorOption) *Executor {
	e := &Executor{mgr: mgr, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	mgr.Register(e)
	return e
}

// Close implements io.Closer for session shutdown. The executor holds no
// resources of its own.
func (e *Executor) Close() error { return nil }

// Execute sends the request described by the spec merged with argument
// overrides and returns {status_code, response, headers}. Responses with
// status >= 400 become execution errors carrying the status code so retry
// policies can classify them.
func (e *Executor) Execute(ctx context.Context, spec *tools.Spec, args map[string]any) (*tools.ExecOutput, error) {
	hs := spec.HTTP
	if hs == nil {
		return nil, tools.NewError(tools.KindValidation, "tool %q has no http config", spec.Name())
	}
	req, err := e.buildRequest(ctx, hs, args)
	if err != nil {
		return nil, err
	}

	resp, err := e.mgr.Do(req)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err,
			"http request to %s failed", req.URL.Redacted())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "reading http response failed")
	}
	parsed := parseBody(raw, resp.Header.Get("Content-Type"), hs.ExpectJSON)

	content := map[string]any{
		"status_code": resp.StatusCode,
		"response":    parsed,
		"headers":     flattenHeaders(resp.Header),
	}
	if resp.StatusCode >= 400 {
		return nil, tools.NewError(tools.KindExecution,
			"http request to %s returned %d", req.URL.Redacted(), resp.StatusCode).
			WithDetails("status_code", resp.StatusCode).
			WithDetails("response", parsed)
	}
	e.logger.Debug(ctx, "http tool request",
		"tool", spec.Name(), "method", req.Method, "status", resp.StatusCode, "bytes", len(raw))
	return &tools.ExecOutput{
		Content: content,
		Usage:   map[string]any{"response_bytes": len(raw)},
	}, nil
}

// buildRequest merges the spec with argument overrides. Non-reserved
// arguments join the query string for bodyless methods and the JSON body
// otherwise.
func (e *Executor) buildRequest(ctx context.Context, hs *tools.HTTPSpec, args map[string]any) (*http.Request, error) {
	rawURL := hs.URL
	if v, ok := args[ArgURL].(string); ok && v != "" {
		rawURL = v
	}
	if rawURL == "" {
		return nil, tools.NewError(tools.KindValidation, "http tool has no url")
	}
	method := strings.ToUpper(hs.Method)
	if v, ok := args[ArgMethod].(string); ok && v != "" {
		method = strings.ToUpper(v)
	}
	if method == "" {
		method = http.MethodGet
	}

	query := url.Values{}
	for k, v := range hs.QueryParams {
		query.Set(k, v)
	}
	if overrides, ok := args[ArgQueryParams].(map[string]any); ok {
		for k, v := range overrides {
			query.Set(k, fmt.Sprintf("%v", v))
		}
	}

	body := hs.Body
	if v, ok := args[ArgBody]; ok {
		body = v
	}

	hasBody := method != http.MethodGet && method != http.MethodHead && method != http.MethodDelete
	extra := extraArgs(args)
	if hasBody {
		if body == nil && len(extra) > 0 {
			body = extra
		}
	} else {
		for k, v := range extra {
			query.Set(k, fmt.Sprintf("%v", v))
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, tools.WrapError(tools.KindValidation, err, "invalid url %q", rawURL)
	}
	if base := u.Query(); len(base) > 0 {
		for k, vs := range query {
			for _, v := range vs {
				base.Set(k, v)
			}
		}
		query = base
	}
	u.RawQuery = query.Encode()

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, tools.WrapError(tools.KindValidation, err, "encoding request body failed")
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, tools.WrapError(tools.KindValidation, err, "building http request failed")
	}
	for k, v := range hs.Headers {
		req.Header.Set(k, v)
	}
	if overrides, ok := args[ArgHeaders].(map[string]any); ok {
		for k, v := range overrides {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func extraArgs(args map[string]any) map[string]any {
	extra := make(map[string]any)
	for k, v := range args {
		switch k {
		case ArgURL, ArgMethod, ArgHeaders, ArgQueryParams, ArgBody:
		default:
			extra[k] = v
		}
	}
	return extra
}

// parseBody decodes JSON responses by content type with a plain-text
// fallback.
func parseBody(raw []byte, contentType string, expectJSON bool) any {
	if len(raw) == 0 {
		return nil
	}
	if expectJSON || strings.Contains(contentType, "application/json") || strings.Contains(contentType, "+json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
