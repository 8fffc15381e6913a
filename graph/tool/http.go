package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPTool performs HTTP requests on behalf of a run.
//
// Arguments:
//   - url: target URL (required)
//   - method: "GET" or "POST", default "GET"
//   - headers: optional map of header values
//   - body: optional request body string (POST)
//
// Output:
//   - status_code: int
//   - headers: response headers
//   - body: response body as string
//
// Transport failures, timeouts and upstream 5xx responses come back as
// transient *Error so retry policies re-attempt them. A 4xx is returned as a
// normal value; it is the workflow's decision, not an infrastructure fault.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool builds the tool with a default client. Deadlines come from the
// call context, not the client.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: &http.Client{}}
}

// NewHTTPToolWithClient builds the tool around a caller-owned client.
func NewHTTPToolWithClient(client *http.Client) *HTTPTool {
	return &HTTPTool{client: client}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, req Request) (Result, error) {
	urlStr, ok := req.Args["url"].(string)
	if !ok || urlStr == "" {
		return Result{}, &Error{Tool: h.Name(), Message: "url argument required"}
	}

	method := http.MethodGet
	if m, ok := req.Args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Result{}, &Error{Tool: h.Name(), Message: fmt.Sprintf("unsupported method %s", method)}
	}

	var body io.Reader
	if bodyStr, ok := req.Args["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Result{}, &Error{Tool: h.Name(), Message: "building request", Cause: err}
	}
	if headers, ok := req.Args["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				httpReq.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		transient := !errors.Is(err, context.Canceled)
		return Result{}, &Error{Tool: h.Name(), Message: "request failed", Transient: transient, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Tool: h.Name(), Message: "reading response", Transient: true, Cause: err}
	}

	if resp.StatusCode >= 500 {
		return Result{}, &Error{
			Tool:      h.Name(),
			Message:   fmt.Sprintf("upstream returned %d", resp.StatusCode),
			Transient: true,
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return Value(map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}), nil
}
