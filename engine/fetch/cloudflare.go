package fetch

import (
	"strings"
	"time"
)

// interstitialIndicators appear in the Cloudflare browser-check page that
// resolves on its own after a wait.
var interstitialIndicators = []string{
	"Just a moment",
	"Checking your browser",
	"Please wait",
	"DDoS protection",
}

// blockedIndicators appear when Cloudflare has rejected the client outright.
// No amount of waiting clears these.
var blockedIndicators = []string{
	"Access denied",
	"Error 1020",
}

// IsInterstitial reports whether the page is a Cloudflare browser check.
func IsInterstitial(html string) bool {
	return containsAny(html, interstitialIndicators)
}

// IsBlocked reports whether Cloudflare has terminally rejected the client.
func IsBlocked(html string) bool {
	return containsAny(html, blockedIndicators)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// retryDelay scales the base delay linearly with the attempt number, so
// later attempts give the challenge more time to settle.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}
