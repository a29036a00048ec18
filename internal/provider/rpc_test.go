package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
)

func rpcServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCTransport_Call_Success(t *testing.T) {
	var gotMethod string
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string        `json:"jsonrpc"`
			Method  string        `json:"method"`
			Params  []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		gotMethod = req.Method
		if req.JSONRPC != "2.0" {
			t.Errorf("Expected jsonrpc 2.0, got %q", req.JSONRPC)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"lamports":100}}`))
	})

	transport := NewRPCTransport(RPCTransportConfig{ProviderID: "node", URL: srv.URL})
	raw, err := transport.Call(context.Background(), "getAccountInfo", []interface{}{"ADDR"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotMethod != "getAccountInfo" {
		t.Errorf("Expected method forwarded, got %q", gotMethod)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Bad result payload: %v", err)
	}
	if result["lamports"] != float64(100) {
		t.Errorf("Expected lamports 100, got %v", result["lamports"])
	}
}

func TestRPCTransport_Call_HTTP429(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	transport := NewRPCTransport(RPCTransportConfig{ProviderID: "node", URL: srv.URL})
	_, err := transport.Call(context.Background(), "getAccountInfo", nil)

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("Expected Retry-After honored, got %v", rl.RetryAfter)
	}
	if rl.Local {
		t.Error("Expected an upstream rate limit, not a local one")
	}
}

func TestRPCTransport_Call_HTTP500(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	transport := NewRPCTransport(RPCTransportConfig{ProviderID: "node", URL: srv.URL})
	_, err := transport.Call(context.Background(), "getAccountInfo", nil)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError for 5xx, got %v", err)
	}
}

func TestRPCTransport_Call_RPCErrors(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		wantRate  bool
		wantRejec bool
	}{
		{"node behind", -32005, true, false},
		{"invalid params", -32602, false, true},
		{"application error", -1, false, true},
		{"server fault", -32015, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := tc.code
			srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      1,
					"error":   map[string]interface{}{"code": code, "message": tc.name},
				})
			})

			transport := NewRPCTransport(RPCTransportConfig{ProviderID: "node", URL: srv.URL})
			_, err := transport.Call(context.Background(), "getAccountInfo", nil)
			if err == nil {
				t.Fatal("Expected an error")
			}

			if got := IsRateLimited(err); got != tc.wantRate {
				t.Errorf("IsRateLimited = %v, want %v", got, tc.wantRate)
			}
			if got := IsProviderError(err); got != tc.wantRejec {
				t.Errorf("IsProviderError = %v, want %v", got, tc.wantRejec)
			}
			if !tc.wantRate && !tc.wantRejec {
				var te *TransportError
				if !errors.As(err, &te) {
					t.Errorf("Expected TransportError, got %v", err)
				}
			}
		})
	}
}

func TestRPCTransport_LocalLimiter(t *testing.T) {
	calls := 0
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":1}`))
	})

	transport := NewRPCTransport(RPCTransportConfig{
		ProviderID: "node",
		URL:        srv.URL,
		Limiter:    resilience.NewRateLimiter(0.001, 1), // One call, then a long refill
	})

	if _, err := transport.Call(context.Background(), "getHealth", nil); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	_, err := transport.Call(context.Background(), "getHealth", nil)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected local RateLimitedError, got %v", err)
	}
	if !rl.Local {
		t.Error("Expected the rate limit flagged as local")
	}
	if calls != 1 {
		t.Errorf("Expected the throttled call never to reach the wire, got %d calls", calls)
	}
}

func TestRPCTransport_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	defer close(block)

	transport := NewRPCTransport(RPCTransportConfig{ProviderID: "node", URL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := transport.Call(ctx, "getAccountInfo", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled passthrough, got %v", err)
	}
}

func TestEnhancedTransport_RoutesTokenMethodsToREST(t *testing.T) {
	var gotPath, gotKey string
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("api-key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BLZ","decimals":9}`))
	})

	transport := NewEnhancedTransport(EnhancedTransportConfig{
		ProviderID: "helius",
		BaseURL:    srv.URL,
		APIKey:     "secret",
	})

	raw, err := transport.Call(context.Background(), "getTokenMetadata", []interface{}{"MINT123"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotPath != "/v0/tokens/MINT123/metadata" {
		t.Errorf("Expected REST path, got %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("Expected api key forwarded, got %q", gotKey)
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if meta["symbol"] != "BLZ" {
		t.Errorf("Expected metadata payload, got %v", meta)
	}
}

func TestEnhancedTransport_FallsBackToRPC(t *testing.T) {
	srv := rpcServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected RPC POST for non-token method, got %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("api-key") != "secret" {
			t.Errorf("Expected api key on the RPC URL, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":["sig1","sig2"]}`))
	})

	transport := NewEnhancedTransport(EnhancedTransportConfig{
		ProviderID: "helius",
		BaseURL:    srv.URL,
		APIKey:     "secret",
	})

	raw, err := transport.Call(context.Background(), "getSignaturesForAddress", []interface{}{"ADDR"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var sigs []string
	if err := json.Unmarshal(raw, &sigs); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if len(sigs) != 2 {
		t.Errorf("Expected 2 signatures, got %v", sigs)
	}
}

func TestEnhancedTransport_MissingMintParam(t *testing.T) {
	transport := NewEnhancedTransport(EnhancedTransportConfig{
		ProviderID: "helius",
		BaseURL:    "http://unused.invalid",
	})

	_, err := transport.Call(context.Background(), "getTokenMetadata", nil)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProviderError for missing mint, got %v", err)
	}
}
