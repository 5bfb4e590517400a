package fetch

import (
	"testing"
	"time"
)

func TestIsInterstitial(t *testing.T) {
	pages := []string{
		"<html><title>Just a moment...</title></html>",
		"<html><body>Checking your browser before accessing</body></html>",
		"<html><body>Please wait</body></html>",
		"<html><body>DDoS protection by Cloudflare</body></html>",
	}
	for _, p := range pages {
		if !IsInterstitial(p) {
			t.Errorf("expected interstitial: %q", p)
		}
	}
	if IsInterstitial("<html><body>正文内容</body></html>") {
		t.Error("plain page flagged as interstitial")
	}
}

func TestIsBlocked(t *testing.T) {
	if !IsBlocked("<html><body>Access denied</body></html>") {
		t.Error("expected blocked")
	}
	if !IsBlocked("<html><body>Error 1020</body></html>") {
		t.Error("expected blocked")
	}
	if IsBlocked("<html><title>Just a moment...</title></html>") {
		t.Error("interstitial is not a terminal block")
	}
}

func TestRetryDelay_ScalesWithAttempt(t *testing.T) {
	base := 3 * time.Second
	if got := retryDelay(base, 1); got != 3*time.Second {
		t.Errorf("attempt 1 = %v", got)
	}
	if got := retryDelay(base, 3); got != 9*time.Second {
		t.Errorf("attempt 3 = %v", got)
	}
	if got := retryDelay(base, 0); got != 3*time.Second {
		t.Errorf("attempt 0 clamps to base, got %v", got)
	}
}

func TestTextIndicatesLoggedIn(t *testing.T) {
	tests := []struct {
		text, url string
		want      bool
	}{
		{"Welcome back. Logout", "https://linux.do/latest", true},
		{"欢迎 退出", "https://linux.do/", true},
		{"Welcome back. Logout", "https://linux.do/login", false},
		{"Please sign in", "https://linux.do/latest", false},
	}
	for _, tt := range tests {
		if got := textIndicatesLoggedIn(tt.text, tt.url); got != tt.want {
			t.Errorf("textIndicatesLoggedIn(%q, %q) = %v, want %v", tt.text, tt.url, got, tt.want)
		}
	}
}

func TestSelectorChain(t *testing.T) {
	chain := selectorChain("#custom", []string{"#a", "#custom", "#b"})
	if chain[0] != "#custom" {
		t.Errorf("preferred not first: %v", chain)
	}
	if len(chain) != 3 {
		t.Errorf("duplicate not collapsed: %v", chain)
	}
	if got := selectorChain("", []string{"#a"}); len(got) != 1 || got[0] != "#a" {
		t.Errorf("empty preferred: %v", got)
	}
}
