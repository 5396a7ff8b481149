package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowforge/flowforge/common/engine"
)

const maxResponseBytes = 10 << 20 // 10 MiB

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "HEAD": {},
}

// httpRequestHandler performs an outbound HTTP call. Failures route
// through the "error" handle so workflows can branch on them.
type httpRequestHandler struct {
	client *http.Client
	guard  *URLGuard
}

func (h *httpRequestHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "httpRequest",
		DisplayName: "HTTP Request",
		Category:    "action",
		Fields: []engine.Field{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Description: "GET, POST, PUT, PATCH, DELETE or HEAD; defaults to GET"},
			{Name: "headers", Type: "object"},
			{Name: "query", Type: "object"},
			{Name: "body", Type: "object", Description: "Request body, JSON-encoded for non-GET methods"},
			{Name: "credential", Type: "string", Description: "Credential injected as an Authorization header"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"success", "error"},
	}
}

func (h *httpRequestHandler) ValidateConfig(config map[string]any) []string {
	var problems []string
	rawURL, _ := config["url"].(string)
	if strings.TrimSpace(rawURL) == "" {
		problems = append(problems, "url is required")
	}
	if m, ok := config["method"].(string); ok && m != "" {
		if _, allowed := allowedMethods[strings.ToUpper(m)]; !allowed {
			problems = append(problems, fmt.Sprintf("unsupported method %q", m))
		}
	}
	return problems
}

func (h *httpRequestHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	rawURL, _ := config["url"].(string)
	method := "GET"
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if err := h.guard.Validate(rawURL); err != nil {
		return engine.Fail("error", err.Error()), nil
	}

	var bodyReader io.Reader
	if body, ok := config["body"]; ok && body != nil && method != "GET" && method != "HEAD" {
		encoded, err := json.Marshal(body)
		if err != nil {
			return engine.Fail("error", fmt.Sprintf("encode request body: %v", err)), nil
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return engine.Fail("error", fmt.Sprintf("build request: %v", err)), nil
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if query, ok := config["query"].(map[string]any); ok && len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}
	h.applyCredential(req, config, ec)

	resp, err := h.client.Do(req)
	if err != nil {
		return engine.Fail("error", fmt.Sprintf("request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.Fail("error", fmt.Sprintf("read response: %v", err)), nil
	}

	var parsedBody any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsedBody); err != nil {
			parsedBody = string(raw)
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
		"url":         rawURL,
	}
	if resp.StatusCode >= 400 {
		result["error"] = fmt.Sprintf("server returned %s", resp.Status)
		return &engine.NodeExecutionResult{
			Success:      false,
			Items:        engine.Items(result),
			Error:        fmt.Sprintf("http %d from %s", resp.StatusCode, req.URL.Host),
			OutputHandle: "error",
		}, nil
	}
	return engine.Succeed("success", engine.Items(result)), nil
}

// applyCredential injects auth material from the resolved credential
// payload. Values are written to the request only, never logged.
func (h *httpRequestHandler) applyCredential(req *http.Request, config map[string]any, ec *engine.ExecutionContext) {
	credID, _ := config["credential"].(string)
	if credID == "" || ec == nil {
		return
	}
	payload, ok := ec.Credentials[credID]
	if !ok {
		return
	}

	if name, ok := payload["header_name"].(string); ok && name != "" {
		if value, ok := payload["header_value"].(string); ok {
			req.Header.Set(name, value)
			return
		}
	}
	if token, ok := payload["token"].(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if key, ok := payload["api_key"].(string); ok && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
		return
	}
	if user, ok := payload["username"].(string); ok && user != "" {
		pass, _ := payload["password"].(string)
		req.SetBasicAuth(user, pass)
	}
}
