// Package provider models the upstream blockchain data providers: their
// identity, the transport capability used to reach them, per-provider health
// tracking with circuit breaking, and health-aware selection.
package provider

import (
	"context"
	"encoding/json"
)

// Kind distinguishes the two provider families the gateway speaks to.
type Kind string

const (
	// KindEnhanced is an enhanced-API provider (REST endpoints for token
	// metadata, holders, price and liquidity, plus standard RPC).
	KindEnhanced Kind = "enhanced-api"

	// KindRPC is a raw JSON-RPC node endpoint.
	KindRPC Kind = "raw-rpc"
)

// Transport is the capability a descriptor uses to reach its provider.
// Implementations return the raw response payload or one of the typed errors
// in errors.go.
type Transport interface {
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
}

// Descriptor identifies one upstream provider. Identity fields are immutable
// after construction; health state lives in the HealthTracker.
type Descriptor struct {
	ID        string
	BaseURL   string
	Kind      Kind
	Priority  int // lower = preferred
	Transport Transport
}
