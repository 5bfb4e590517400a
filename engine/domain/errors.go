package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying pipeline failures. Call sites wrap these with
// %w so errors.Is can route retry, skip, and exit-code decisions.
var (
	ErrCredentialsExpired = errors.New("platform credentials expired")
	ErrRateLimited        = errors.New("platform rate limited")
	ErrCloudflareBlocked  = errors.New("blocked by cloudflare")
	ErrAuthentication     = errors.New("site authentication failed")
	ErrExtraction         = errors.New("content extraction failed")
	ErrPublish            = errors.New("forum publish failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrDatabase           = errors.New("database operation failed")
	ErrConfig             = errors.New("invalid configuration")
)

// ErrorClass maps an error chain to its reporting label, as recorded in
// step state and API responses. Unclassified errors return "".
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, ErrCredentialsExpired):
		return "CREDENTIALS_EXPIRED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrCloudflareBlocked):
		return "CLOUDFLARE_BLOCKED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrAuthentication):
		return "AUTH_FAILED"
	case errors.Is(err, ErrExtraction):
		return "EXTRACTION_FAILED"
	case errors.Is(err, ErrPublish):
		return "PUBLISH_FAILED"
	case errors.Is(err, ErrDatabase):
		return "DATABASE"
	default:
		return ""
	}
}

// CrawlError wraps a sentinel with the URL and stage where it occurred.
type CrawlError struct {
	URL     string
	Stage   string
	Wrapped error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl %s: %s: %s", e.Stage, e.Wrapped, e.URL)
}

func (e *CrawlError) Unwrap() error { return e.Wrapped }

// NewCrawlError creates a CrawlError.
func NewCrawlError(stage, url string, wrapped error) *CrawlError {
	return &CrawlError{URL: url, Stage: stage, Wrapped: wrapped}
}
