package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
)

// JSON-RPC error codes that classify as something other than a semantic
// request error.
const (
	rpcCodeNodeBehind    = -32005 // node unhealthy / throttled
	rpcCodeParseError    = -32700
	rpcCodeInvalidReq    = -32600
	rpcCodeMethodMissing = -32601
	rpcCodeInvalidParams = -32602
)

// RPCTransport speaks JSON-RPC 2.0 over HTTP POST to a raw node endpoint.
type RPCTransport struct {
	providerID string
	url        string
	client     *http.Client
	limiter    *resilience.RateLimiter
	nextID     atomic.Uint64
}

// RPCTransportConfig holds raw-RPC transport configuration.
type RPCTransportConfig struct {
	ProviderID string
	URL        string
	Timeout    time.Duration
	// Limiter optionally throttles calls client-side; nil disables throttling
	Limiter *resilience.RateLimiter
	// HTTPClient overrides the default client, used by tests
	HTTPClient *http.Client
}

// NewRPCTransport creates a raw JSON-RPC transport.
func NewRPCTransport(cfg RPCTransportConfig) *RPCTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RPCTransport{
		providerID: cfg.ProviderID,
		url:        cfg.URL,
		client:     client,
		limiter:    cfg.Limiter,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call issues one JSON-RPC request and returns the raw result payload.
func (t *RPCTransport) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if t.limiter != nil && !t.limiter.Allow() {
		return nil, &RateLimitedError{Provider: t.providerID, RetryAfter: t.limiter.RetryAfter(), Local: true}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, &ProviderError{Provider: t.providerID, Message: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Provider: t.providerID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The caller's own cancellation must propagate as-is.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Provider: t.providerID, Err: err}
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(t.providerID, resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransportError{Provider: t.providerID, Err: err}
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, &TransportError{Provider: t.providerID, Err: fmt.Errorf("decode response: %w", err)}
	}
	if rr.Error != nil {
		return nil, classifyRPCError(t.providerID, rr.Error)
	}
	return rr.Result, nil
}

// checkHTTPStatus maps non-200 responses to the error taxonomy.
func checkHTTPStatus(providerID string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Provider: providerID, RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransportError{Provider: providerID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &ProviderError{Provider: providerID, Code: resp.StatusCode, Message: resp.Status}
	}
}

// parseRetryAfter reads the Retry-After header, returning 0 when absent so
// the tracker applies its default window.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// classifyRPCError splits provider-reported errors into semantic rejections
// (never retried), throttling, and server-side faults (retried elsewhere).
func classifyRPCError(providerID string, e *rpcError) error {
	switch e.Code {
	case rpcCodeNodeBehind:
		return &RateLimitedError{Provider: providerID}
	case rpcCodeParseError, rpcCodeInvalidReq, rpcCodeMethodMissing, rpcCodeInvalidParams:
		return &ProviderError{Provider: providerID, Code: e.Code, Message: e.Message}
	default:
		if e.Code > -32000 && e.Code < 0 {
			// Implementation-defined application errors: the request itself
			// was rejected (e.g. invalid address).
			return &ProviderError{Provider: providerID, Code: e.Code, Message: e.Message}
		}
		return &TransportError{Provider: providerID, Err: fmt.Errorf("rpc error %d: %s", e.Code, e.Message)}
	}
}
