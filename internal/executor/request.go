package executor

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// RequestSpec describes one logical data request. Specs are ephemeral:
// constructed per call, never persisted.
type RequestSpec struct {
	Method   string
	Params   []interface{}
	CacheKey string
	TTL      time.Duration
}

// TTLTable maps logical method names to cache TTLs. Data volatility differs
// by orders of magnitude between methods, so TTLs are per method class, never
// global.
type TTLTable map[string]time.Duration

// DefaultTTL is applied to methods missing from the table.
const DefaultTTL = 2 * time.Minute

// DefaultTTLTable returns per-method-class TTLs: immutable data (confirmed
// transactions, token metadata) lives long, volatile data (prices, recent
// signatures) expires fast.
func DefaultTTLTable() TTLTable {
	return TTLTable{
		"getTokenMetadata":        time.Hour,
		"getTransaction":          time.Hour,
		"getTokenHolders":         15 * time.Minute,
		"getAccountInfo":          5 * time.Minute,
		"getTokenLiquidity":       5 * time.Minute,
		"getTokenPrice":           time.Minute,
		"getSignaturesForAddress": 30 * time.Second,
	}
}

// TTLFor returns the TTL for method, falling back to DefaultTTL.
func (t TTLTable) TTLFor(method string) time.Duration {
	if ttl, ok := t[method]; ok {
		return ttl
	}
	return DefaultTTL
}

// NewRequest builds a spec with a deterministic cache key and the method's
// TTL. getTokenMetadata("MINT123") yields key "token_metadata:MINT123".
func NewRequest(method string, params []interface{}, ttls TTLTable) RequestSpec {
	return RequestSpec{
		Method:   method,
		Params:   params,
		CacheKey: CacheKey(method, params),
		TTL:      ttls.TTLFor(method),
	}
}

// CacheKey derives the cache key for method+params. The method name is
// snake_cased with its "get" prefix dropped; parameters are appended in order.
func CacheKey(method string, params []interface{}) string {
	var b strings.Builder
	b.WriteString(snakeCase(strings.TrimPrefix(method, "get")))
	for _, p := range params {
		b.WriteByte(':')
		fmt.Fprintf(&b, "%v", p)
	}
	return b.String()
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
