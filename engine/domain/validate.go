package domain

import (
	"fmt"
	"strings"
)

// ValidateLink checks a discovered link before it enters the store.
func ValidateLink(l ArticleLink) error {
	if strings.TrimSpace(l.URL) == "" {
		return fmt.Errorf("%w: empty url", ErrConfig)
	}
	if !strings.HasPrefix(l.URL, "http://") && !strings.HasPrefix(l.URL, "https://") {
		return fmt.Errorf("%w: url scheme: %s", ErrConfig, l.URL)
	}
	if strings.TrimSpace(l.Title) == "" {
		return fmt.Errorf("%w: empty title for %s", ErrConfig, l.URL)
	}
	if !ValidSourceTypes[l.SourceType] {
		return fmt.Errorf("%w: source type %q", ErrConfig, l.SourceType)
	}
	if l.PublishedAt.IsZero() {
		return fmt.Errorf("%w: zero publish time for %s", ErrConfig, l.URL)
	}
	return nil
}
