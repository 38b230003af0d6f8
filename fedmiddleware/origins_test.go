package fedmiddleware

import (
	"context"
	"testing"
)

type staticSource struct {
	allowed []string
	blocked []string
}

func (s staticSource) AllowedOrigins(ctx context.Context) []string { return s.allowed }
func (s staticSource) BlockedOrigins(ctx context.Context) []string { return s.blocked }

func TestOriginPolicy(t *testing.T) {
	cases := []struct {
		name   string
		source staticSource
		host   string
		want   bool
	}{
		{"empty lists admit everyone", staticSource{}, "any.example", true},
		{"block wins", staticSource{blocked: []string{"bad.example"}}, "bad.example", false},
		{"block covers subdomains", staticSource{blocked: []string{"bad.example"}}, "mastodon.bad.example", false},
		{"allow list restricts", staticSource{allowed: []string{"good.example"}}, "other.example", false},
		{"allow list admits listed", staticSource{allowed: []string{"good.example"}}, "good.example", true},
		{"block beats allow", staticSource{allowed: []string{"x.example"}, blocked: []string{"x.example"}}, "x.example", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := NewOriginPolicy(c.source).OriginAllowed(c.host); got != c.want {
				t.Errorf("OriginAllowed(%q) = %v, want %v", c.host, got, c.want)
			}
		})
	}
}
