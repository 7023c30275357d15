package nodes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/flow/workflow"
	"goa.design/flow/workflow/transform"
)

// HTTPDoer executes HTTP requests for webhook nodes. *http.Client and the
// httpexec session manager both satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultHTTPClient serves webhook nodes built from a factory without
// WithHTTPClient.
var defaultHTTPClient HTTPDoer = &http.Client{Timeout: 30 * time.Second}

const webhookBodyLimit = 1 << 20

type (
	webhookConfig struct {
		URL            string            `json:"url"`
		Method         string            `json:"method"`
		Headers        map[string]string `json:"headers"`
		BodyTemplate   string            `json:"body_template"`
		BodyKey        string            `json:"body_key"`
		TimeoutSeconds float64           `json:"timeout"`
		ExpectedStatus []int             `json:"expected_status"`
		ResponseType   string            `json:"response_type"`
	}

	// webhookNode calls an external HTTP endpoint. URL, headers and body
	// template support {field} and {ctx.var} substitution from the payload
	// and context. Unexpected statuses fail the node with the status code
	// in the error details so error edges can route on them.
	webhookNode struct {
		id     string
		cfg    webhookConfig
		client HTTPDoer
	}
)

func newWebhook(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	var cfg webhookConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, workflow.NewError(workflow.KindNodeValidation, "node %q has no url", ns.ID)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if len(cfg.ExpectedStatus) == 0 {
		cfg.ExpectedStatus = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted}
	}
	if cfg.ResponseType == "" {
		cfg.ResponseType = "json"
	}
	client := f.httpClient
	if client == nil {
		client = defaultHTTPClient
	}
	return &webhookNode{id: ns.ID, cfg: cfg, client: client}, nil
}

func (n *webhookNode) ID() string              { return n.id }
func (n *webhookNode) Kind() workflow.NodeKind { return workflow.NodeWebhook }

func (n *webhookNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	url := transform.Substitute(n.cfg.URL, input, wctx)

	body, contentType, err := n.buildBody(input, wctx)
	if err != nil {
		return nil, err
	}

	if n.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n.cfg.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, n.cfg.Method, url, reader)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindWebhook, err, "node %q request", n.id).
			WithDetails("url", url)
	}
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, transform.Substitute(v, input, wctx))
	}
	if body != nil && req.Header.Get("Content-Type") == "" && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		werr := workflow.WrapError(workflow.KindWebhook, err, "node %q call %s", n.id, url).
			WithDetails("url", url)
		if ctx.Err() != nil {
			werr = werr.WithDetails("code", "tool_timeout")
		}
		return nil, werr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))
	if err != nil {
		return nil, workflow.WrapError(workflow.KindWebhook, err, "node %q read response", n.id).
			WithDetails("url", url, "status_code", resp.StatusCode)
	}

	if !n.statusExpected(resp.StatusCode) {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, workflow.NewError(workflow.KindWebhook,
			"node %q unexpected status %d from %s", n.id, resp.StatusCode, url).
			WithDetails("url", url, "status_code", resp.StatusCode, "response", snippet)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
		"body":        n.parseBody(raw, resp.Header.Get("Content-Type")),
	}, nil
}

// buildBody returns the request body and its content type. Precedence is
// body_template, then body_key extraction, then the whole payload for
// methods that carry bodies.
func (n *webhookNode) buildBody(input any, wctx *workflow.Context) ([]byte, string, error) {
	if n.cfg.BodyTemplate != "" {
		rendered := transform.Substitute(n.cfg.BodyTemplate, input, wctx)
		contentType := "application/json"
		if !json.Valid([]byte(rendered)) {
			contentType = "text/plain"
		}
		return []byte(rendered), contentType, nil
	}
	var payload any
	if n.cfg.BodyKey != "" {
		m, ok := asMap(input)
		if !ok {
			return nil, "", workflow.NewError(workflow.KindWebhook,
				"node %q body_key %q requires an object payload", n.id, n.cfg.BodyKey)
		}
		v, found := lookupPath(m, n.cfg.BodyKey)
		if !found {
			return nil, "", workflow.NewError(workflow.KindWebhook,
				"node %q payload has no field %q", n.id, n.cfg.BodyKey)
		}
		payload = v
	} else {
		if !methodHasBody(n.cfg.Method) || input == nil {
			return nil, "", nil
		}
		payload = input
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", workflow.WrapError(workflow.KindWebhook, err, "node %q encode body", n.id)
	}
	return raw, "application/json", nil
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return false
	default:
		return true
	}
}

func (n *webhookNode) statusExpected(code int) bool {
	for _, want := range n.cfg.ExpectedStatus {
		if code == want {
			return true
		}
	}
	return false
}

// parseBody decodes the response per response_type: "json" attempts JSON
// with a string fallback, "text" returns the raw string and "binary"
// returns base64 with the content type alongside.
func (n *webhookNode) parseBody(raw []byte, contentType string) any {
	switch n.cfg.ResponseType {
	case "binary":
		return map[string]any{
			"data":         base64.StdEncoding.EncodeToString(raw),
			"content_type": contentType,
		}
	case "text":
		return string(raw)
	default:
		if len(raw) == 0 {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
		return string(raw)
	}
}

func flattenHeader(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			flat[k] = vals[0]
		}
	}
	return flat
}
