package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want URLKind
	}{
		{"web article", "https://example.com/posts/1", URLKindWeb},
		{"twitter status", "https://twitter.com/user/status/123", URLKindTwitter},
		{"www twitter", "https://www.twitter.com/user/status/123", URLKindTwitter},
		{"mobile twitter", "https://mobile.twitter.com/user/status/123", URLKindTwitter},
		{"x.com", "https://x.com/user/status/123", URLKindTwitter},
		{"www x.com", "https://www.x.com/user", URLKindTwitter},
		{"mobile x.com", "https://mobile.x.com/user", URLKindTwitter},
		{"uppercase host", "https://TWITTER.COM/user", URLKindTwitter},
		{"twitter-lookalike host", "https://twitter.com.evil.example/user", URLKindWeb},
		{"twitter subdomain", "https://cards.twitter.com/thing", URLKindWeb},
		{"scheme-less input", "twitter.com/user/status/123", URLKindWeb},
		{"unparseable input", "://bad", URLKindWeb},
		{"empty input", "", URLKindWeb},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyURL(tc.url))
		})
	}
}
