package fedmiddleware

import (
	"context"
	"strings"
)

// OriginSource supplies the current allow/deny lists; the store-backed
// settings implement it so the lists are tunable at runtime.
type OriginSource interface {
	AllowedOrigins(ctx context.Context) []string
	BlockedOrigins(ctx context.Context) []string
}

// OriginPolicy answers whether a remote host may interact with this
// server. A block always wins; an empty allow list admits everyone else.
// Satisfies signature.OriginPolicy.
type OriginPolicy struct {
	source OriginSource
}

func NewOriginPolicy(source OriginSource) *OriginPolicy {
	return &OriginPolicy{source: source}
}

func (p *OriginPolicy) OriginAllowed(host string) bool {
	host = strings.ToLower(host)
	ctx := context.Background()

	for _, blocked := range p.source.BlockedOrigins(ctx) {
		if hostMatches(host, blocked) {
			return false
		}
	}

	allowed := p.source.AllowedOrigins(ctx)
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if hostMatches(host, a) {
			return true
		}
	}
	return false
}

// hostMatches treats a listed origin as covering itself and its subdomains.
func hostMatches(host, origin string) bool {
	return host == origin || strings.HasSuffix(host, "."+origin)
}
