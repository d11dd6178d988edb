// Package executor replays an approved queue entry's write batch against the
// upstream service. Requests run strictly in index order and the batch stops
// at the first non-2xx response; the caller receives a results array aligned
// with the requests it sent.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/gate/registry"
	"github.com/agentgate/agentgate/internal/gate/vault"
)

// Classification sentinels for Open failures. Anything not matching these is
// a transport failure on the way to upstream.
var (
	ErrUnauthorized = errors.New("no usable credential")
	ErrBadRequest   = errors.New("malformed request")
)

// Request is one element of a queue entry's batch.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// BinaryBase64 marks Body as a base64 string to decode to raw bytes
	// before sending, instead of passing it through as JSON.
	BinaryBase64 bool `json:"binaryBase64,omitempty"`
}

// Result is the outcome of one upstream call, aligned by index with the
// request that produced it.
type Result struct {
	OK     bool `json:"ok"`
	Status int  `json:"status"`
	Body   any  `json:"body,omitempty"`
}

// maxResultBody caps how much of an upstream response is retained per
// result.
const maxResultBody = 256 * 1024

// Executor is safe for concurrent use; distinct entries may run in parallel.
type Executor struct {
	vault *vault.Vault
	http  *http.Client
}

// New builds an Executor. client defaults to a 60-second-timeout client.
func New(v *vault.Vault, client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Executor{vault: v, http: client}
}

// Run executes the batch for (service, account). It returns the aligned
// results, truncated at the first failure, and whether every element
// succeeded. Run itself only errors on malformed input; upstream failures
// live in the results.
func (e *Executor) Run(ctx context.Context, svc *registry.Service, account string, reqs []Request) ([]Result, bool) {
	results := make([]Result, 0, len(reqs))
	for i, req := range reqs {
		res := e.runOne(ctx, svc, account, req)
		results = append(results, res)
		if !res.OK {
			slog.Info("batch stopped at first failure",
				"service", svc.Key, "account", account, "index", i, "status", res.Status)
			return results, false
		}
	}
	return results, true
}

func (e *Executor) runOne(ctx context.Context, svc *registry.Service, account string, req Request) Result {
	base, err := e.vault.BaseURL(ctx, svc, account)
	if err != nil {
		return failure(http.StatusUnauthorized, err)
	}

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	contentType := ""
	if req.BinaryBase64 {
		var encoded string
		if err := json.Unmarshal(req.Body, &encoded); err != nil {
			return failure(http.StatusBadRequest, fmt.Errorf("binaryBase64 body must be a string: %w", err))
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return failure(http.StatusBadRequest, fmt.Errorf("decode base64 body: %w", err))
		}
		body = bytes.NewReader(raw)
		contentType = "application/octet-stream"
	} else if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, base+path, body)
	if err != nil {
		return failure(http.StatusBadRequest, fmt.Errorf("build request: %w", err))
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	// Per-element headers win over the defaults, auth excepted.
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if err := e.vault.Authorize(ctx, svc, account, httpReq); err != nil {
		// No valid token: a 401-equivalent result without touching upstream.
		return failure(http.StatusUnauthorized, err)
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return failure(http.StatusBadGateway, fmt.Errorf("upstream call: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return failure(http.StatusBadGateway, fmt.Errorf("read upstream response: %w", err))
	}

	return Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Status: resp.StatusCode,
		Body:   decodeBody(raw),
	}
}

// Open performs one authorized GET against the service and hands back the
// raw response, body unread and uncapped. The caller owns closing the body.
// Failures before upstream answers wrap ErrUnauthorized or ErrBadRequest;
// everything else is a transport error.
func (e *Executor) Open(ctx context.Context, svc *registry.Service, account, path, rawQuery string) (*http.Response, error) {
	base, err := e.vault.BaseURL(ctx, svc, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := base + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrBadRequest, err)
	}
	if err := e.vault.Authorize(ctx, svc, account, httpReq); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	return resp, nil
}

// Read performs one authorized GET and folds the response into a Result,
// retaining at most maxResultBody bytes. It backs the category read tools,
// where the body is re-embedded in a JSON envelope; the read-only proxy uses
// Open instead so upstream bytes pass through untouched.
func (e *Executor) Read(ctx context.Context, svc *registry.Service, account, path, rawQuery string) Result {
	resp, err := e.Open(ctx, svc, account, path, rawQuery)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			return failure(http.StatusUnauthorized, err)
		case errors.Is(err, ErrBadRequest):
			return failure(http.StatusBadRequest, err)
		default:
			return failure(http.StatusBadGateway, err)
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return failure(http.StatusBadGateway, fmt.Errorf("read upstream response: %w", err))
	}
	return Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode <= 299,
		Status: resp.StatusCode,
		Body:   decodeBody(raw),
	}
}

// decodeBody keeps JSON responses structured and falls back to a plain
// string for everything else.
func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return string(raw)
}

func failure(status int, err error) Result {
	return Result{
		OK:     false,
		Status: status,
		Body:   map[string]string{"error": err.Error()},
	}
}
