package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weft-dev/weft/pkg/schema"
)

// HTTPConfig configures the http.* actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPActions returns the http.* builtin actions.
func HTTPActions(cfg HTTPConfig) []Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	req := &httpRequestAction{cfg: cfg}
	return []Action{
		req,
		&httpMethodAction{name: "http.get", method: http.MethodGet, inner: req},
		&httpMethodAction{name: "http.post", method: http.MethodPost, inner: req},
	}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"], "default": "json"},
    "bearer_token": {"type": "string"},
    "basic_auth": {
      "type": "object",
      "properties": {
        "username": {"type": "string"},
        "password": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// --- http.request ---

type httpRequestAction struct {
	cfg HTTPConfig
}

func (a *httpRequestAction) Name() string { return "http.request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Execute an HTTP request with control over method, headers, body, and auth.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (a *httpRequestAction) Validate(input map[string]any) error {
	rawURL := stringParam(input, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")

	timeout := a.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			timeout = d
		}
	}

	bodyReader, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "http.request: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}
	if token := stringParam(params, "bearer_token", ""); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if auth, ok := params["basic_auth"].(map[string]any); ok {
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.request: timed out after %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "http.request: read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		if strings.Contains(respContentType, "application/json") {
			if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
				parsedBody = string(bodyBytes)
			}
		} else {
			parsedBody = string(bodyBytes)
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "http.request: marshal output").WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}

	switch stringParam(params, "body_encoding", "json") {
	case "form":
		formData, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range formData {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", rawBody)), "text/plain", nil
	default:
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeActionExecution, "http.request: marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

// --- http.get / http.post ---

// httpMethodAction pins the method and delegates to http.request.
type httpMethodAction struct {
	name   string
	method string
	inner  *httpRequestAction
}

func (a *httpMethodAction) Name() string { return a.name }

func (a *httpMethodAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  fmt.Sprintf("Convenience action for HTTP %s requests.", a.method),
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (a *httpMethodAction) Validate(input map[string]any) error {
	return a.inner.Validate(input)
}

func (a *httpMethodAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := make(map[string]any, len(input.Params)+1)
	for k, v := range input.Params {
		params[k] = v
	}
	params["method"] = a.method
	input.Params = params
	return a.inner.Execute(ctx, input)
}
