package cache

import (
	"net/url"
	"strings"
	"testing"
)

func TestKeys_StableAndScoped(t *testing.T) {
	a := NewKeys("token-a")
	if a != NewKeys("token-a") {
		t.Error("NewKeys() not stable for the same token")
	}
	b := NewKeys("token-b")
	if a.User() == b.User() {
		t.Error("different tokens produced the same user key")
	}
	if strings.Contains(a.User(), "token-a") {
		t.Errorf("key %q leaks the token", a.User())
	}
	if !strings.HasPrefix(a.Commits(1, nil), a.Prefix()+":") {
		t.Errorf("Commits key %q missing prefix %q", a.Commits(1, nil), a.Prefix())
	}
}

func TestKeys_RequestSortsParams(t *testing.T) {
	k := NewKeys("t")
	p1 := url.Values{}
	p1.Set("page", "2")
	p1.Set("per_page", "100")
	p1.Set("order_by", "name")
	p2 := url.Values{}
	p2.Set("order_by", "name")
	p2.Set("per_page", "100")
	p2.Set("page", "2")

	if k.Request("get", "/projects", p1) != k.Request("GET", "/projects", p2) {
		t.Error("Request() depends on parameter insertion order or method case")
	}
	if k.Request("GET", "/projects", p1) == k.Request("GET", "/groups", p1) {
		t.Error("Request() ignores the endpoint")
	}
}

func TestNewMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"", "anything", true},
		{"gitlab:abc", "gitlab:abc:user:", true},
		{"gitlab:abc", "gitlab:abd:user:", false},
		{"gitlab:*:user:", "gitlab:abc:user:", true},
		{"gitlab:*:file:*", "gitlab:abc:file:1:main:src/app/main.go", true},
		{"gitlab:?bc:*", "gitlab:abc:user:", true},
		{"gitlab:?bc:*", "gitlab:abbc:user:", false},
		{"gitlab:a.c:*", "gitlab:abc:user:", false},
	}
	for _, tt := range tests {
		if got := NewMatcher(tt.pattern)(tt.key); got != tt.want {
			t.Errorf("NewMatcher(%q)(%q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestRedisPattern(t *testing.T) {
	tests := map[string]string{
		"":                "*",
		"gitlab:abc":      "gitlab:abc*",
		"gitlab:*:user:":  "gitlab:*:user:",
		"gitlab:[x]:file": `gitlab:\[x\]:file*`,
	}
	for in, want := range tests {
		if got := redisPattern(in); got != want {
			t.Errorf("redisPattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHitRate(t *testing.T) {
	tests := []struct {
		hits, misses uint64
		want         string
	}{
		{0, 0, "0.00%"},
		{3, 1, "75.00%"},
		{1, 2, "33.33%"},
		{5, 0, "100.00%"},
	}
	for _, tt := range tests {
		if got := HitRate(tt.hits, tt.misses); got != tt.want {
			t.Errorf("HitRate(%d, %d) = %q, want %q", tt.hits, tt.misses, got, tt.want)
		}
	}
}
