package handlers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

// HTTPConfig configures the http_request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json", "form", "text", "raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// HTTPRequest executes an outbound HTTP call with full control over method,
// headers, body encoding, auth and redirects. URL, headers and body config
// values may reference the data context with {{path}} placeholders.
type HTTPRequest struct {
	config HTTPConfig
}

// NewHTTPRequest creates an http_request handler.
func NewHTTPRequest(cfg HTTPConfig) *HTTPRequest {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequest{config: cfg}
}

func (h *HTTPRequest) Type() string                  { return "http_request" }
func (h *HTTPRequest) ConfigSchema() json.RawMessage { return json.RawMessage(httpRequestSchema) }

func (h *HTTPRequest) Execute(ctx context.Context, req Request) (*Result, error) {
	rawURL := datapath.Substitute(stringParam(req.Config, "url", ""), req.Input)
	if rawURL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "url is required")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(req.Config, "method", "GET"))
	bodyEncoding := stringParam(req.Config, "body_encoding", "json")
	followRedirects := boolParam(req.Config, "follow_redirects", true)
	maxRedirects := intParam(req.Config, "max_redirects", 10)
	tlsSkipVerify := boolParam(req.Config, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(req.Config, "fail_on_error_status", false)

	timeout := h.config.DefaultTimeout
	if ts := stringParam(req.Config, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := req.Config["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, datapath.Substitute(datapath.Render(v), req.Input))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(datapath.Substitute(datapath.Render(rawBody), req.Input))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(datapath.Substitute(datapath.Render(rawBody), req.Input))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to marshal request body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(datapath.Substitute(string(b), req.Input))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to create request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(req.Config, "headers") {
		httpReq.Header.Set(k, datapath.Substitute(datapath.Render(v), req.Input))
	}

	if auth := mapParam(req.Config, "auth"); auth != nil {
		switch stringParam(auth, "type", "") {
		case "bearer":
			httpReq.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
		case "basic":
			httpReq.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
		case "api_key":
			if name := stringParam(auth, "header_name", ""); name != "" {
				httpReq.Header.Set(name, stringParam(auth, "header_value", ""))
			}
		}
	}

	// Always create a new client to avoid mutating shared state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, h.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
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

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	return &Result{Output: OK(result, fmt.Sprintf("HTTP %s %s returned %d", method, rawURL, resp.StatusCode))}, nil
}
