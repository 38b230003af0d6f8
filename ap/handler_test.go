package ap

import "testing"

func TestIsActivityContentType(t *testing.T) {
	cases := []struct {
		header string
		want   bool
	}{
		{"application/activity+json", true},
		{`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`, true},
		{"text/html, application/activity+json;q=0.9", true},
		{"text/html", false},
		{"application/json", false},
		{"", false},
	}
	for _, c := range cases {
		if got := isActivityContentType(c.header); got != c.want {
			t.Errorf("isActivityContentType(%q) = %v, want %v", c.header, got, c.want)
		}
	}
}
