package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
)

// enhancedPaths maps the enriched token methods to their REST resources.
// Anything not listed falls through to the provider's standard RPC endpoint.
var enhancedPaths = map[string]string{
	"getTokenMetadata":  "metadata",
	"getTokenHolders":   "holders",
	"getTokenPrice":     "price",
	"getTokenLiquidity": "liquidity",
}

// EnhancedTransport speaks to an enhanced-API provider: REST GET for the
// enriched token endpoints, standard JSON-RPC for everything else on the same
// credentials.
type EnhancedTransport struct {
	providerID string
	baseURL    string
	apiKey     string
	client     *http.Client
	limiter    *resilience.RateLimiter
	rpc        *RPCTransport
}

// EnhancedTransportConfig holds enhanced-API transport configuration.
type EnhancedTransportConfig struct {
	ProviderID string
	BaseURL    string
	// RPCURL is the provider's standard RPC endpoint; defaults to BaseURL
	RPCURL  string
	APIKey  string
	Timeout time.Duration
	Limiter *resilience.RateLimiter
	// HTTPClient overrides the default client, used by tests
	HTTPClient *http.Client
}

// NewEnhancedTransport creates an enhanced-API transport.
func NewEnhancedTransport(cfg EnhancedTransportConfig) *EnhancedTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = cfg.BaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	rpcURL := cfg.RPCURL
	if cfg.APIKey != "" {
		sep := "?"
		if strings.Contains(rpcURL, "?") {
			sep = "&"
		}
		rpcURL = rpcURL + sep + "api-key=" + url.QueryEscape(cfg.APIKey)
	}
	return &EnhancedTransport{
		providerID: cfg.ProviderID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		client:     client,
		limiter:    cfg.Limiter,
		rpc: NewRPCTransport(RPCTransportConfig{
			ProviderID: cfg.ProviderID,
			URL:        rpcURL,
			Timeout:    cfg.Timeout,
			HTTPClient: client,
			// The shared limiter is checked once in Call, not again here.
		}),
	}
}

// Call routes enriched token methods to the REST API and everything else to
// the standard RPC endpoint.
func (t *EnhancedTransport) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if t.limiter != nil && !t.limiter.Allow() {
		return nil, &RateLimitedError{Provider: t.providerID, RetryAfter: t.limiter.RetryAfter(), Local: true}
	}

	resource, ok := enhancedPaths[method]
	if !ok {
		return t.rpc.Call(ctx, method, params)
	}

	mint, err := firstStringParam(params)
	if err != nil {
		return nil, &ProviderError{Provider: t.providerID, Message: err.Error()}
	}

	u := fmt.Sprintf("%s/v0/tokens/%s/%s", t.baseURL, url.PathEscape(mint), resource)
	q := url.Values{}
	if t.apiKey != "" {
		q.Set("api-key", t.apiKey)
	}
	if len(params) > 1 {
		if limit, ok := params[1].(int); ok && limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
	}
	if enc := q.Encode(); enc != "" {
		u = u + "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Provider: t.providerID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
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
	if !json.Valid(data) {
		return nil, &TransportError{Provider: t.providerID, Err: errors.New("invalid JSON response")}
	}
	return json.RawMessage(data), nil
}

func firstStringParam(params []interface{}) (string, error) {
	if len(params) == 0 {
		return "", errors.New("missing address parameter")
	}
	s, ok := params[0].(string)
	if !ok || s == "" {
		return "", errors.New("address parameter must be a non-empty string")
	}
	return s, nil
}
