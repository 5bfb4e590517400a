package fetch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxCookieValueLen is the longest cookie value kept; longer values are
// truncated, matching browser storage limits.
const maxCookieValueLen = 4096

// cookieNameForbidden are characters that make a cookie name unusable for
// header injection.
const cookieNameForbidden = `{}"'`

// Cookie is a stored browser cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// Jar is a JSON-file-backed cookie store grouped by domain. Cookies are
// injected lazily per target domain; the jar never replays the full set.
type Jar struct {
	mu          sync.Mutex
	path        string
	cookies     map[string][]Cookie
	sessionData map[string]any
	savedAt     time.Time
	log         *slog.Logger
}

// jarFile is the on-disk layout. The cookies field tolerates legacy shapes:
// a list of cookie objects, a single object, or "name=value" strings.
type jarFile struct {
	Cookies     map[string]json.RawMessage `json:"cookies"`
	SessionData map[string]any             `json:"session_data,omitempty"`
	SavedAt     time.Time                  `json:"saved_at,omitempty"`
}

// OpenJar loads the jar at path, creating an empty jar if the file is absent.
// Invalid cookies are dropped (or truncated) during load.
func OpenJar(path string, log *slog.Logger) (*Jar, error) {
	if log == nil {
		log = slog.Default()
	}
	j := &Jar{
		path:        path,
		cookies:     make(map[string][]Cookie),
		sessionData: make(map[string]any),
		log:         log.With("component", "cookiejar"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie jar: %w", err)
	}

	var f jarFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cookie jar %s: %w", path, err)
	}
	for domain, raw := range f.Cookies {
		j.cookies[domain] = j.clean(domain, normalizeCookies(raw, domain))
	}
	if f.SessionData != nil {
		j.sessionData = f.SessionData
	}
	j.savedAt = f.SavedAt
	return j, nil
}

// Set replaces the cookies for a domain and persists the jar.
func (j *Jar) Set(domain string, cookies []Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[domain] = j.clean(domain, cookies)
	return j.save()
}

// ForHost returns cookies whose domain matches the given host, including
// parent-domain cookies (".linux.do" matches "linux.do" and subdomains).
func (j *Jar) ForHost(host string) []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Cookie
	for domain, cookies := range j.cookies {
		if domainMatches(host, domain) {
			out = append(out, cookies...)
		}
	}
	return out
}

// Domains returns all domains with stored cookies.
func (j *Jar) Domains() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.cookies))
	for d := range j.cookies {
		out = append(out, d)
	}
	return out
}

// SessionValue returns a stored session datum.
func (j *Jar) SessionValue(key string) (any, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.sessionData[key]
	return v, ok
}

// SetSessionValue stores a session datum and persists the jar.
func (j *Jar) SetSessionValue(key string, v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionData[key] = v
	return j.save()
}

// SavedAt returns when the jar was last persisted.
func (j *Jar) SavedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.savedAt
}

// save writes the jar atomically via temp file + rename. Must hold mu.
func (j *Jar) save() error {
	j.savedAt = time.Now()

	raw := make(map[string]json.RawMessage, len(j.cookies))
	for domain, cookies := range j.cookies {
		data, err := json.Marshal(cookies)
		if err != nil {
			return err
		}
		raw[domain] = data
	}
	data, err := json.MarshalIndent(jarFile{
		Cookies:     raw,
		SessionData: j.sessionData,
		SavedAt:     j.savedAt,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".cookies-*")
	if err != nil {
		return fmt.Errorf("cookie jar temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), j.path)
}

// clean validates cookies for a domain: names with forbidden characters are
// rejected, oversized values truncated, and a missing domain falls back to
// the jar key.
func (j *Jar) clean(domain string, cookies []Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || strings.ContainsAny(c.Name, cookieNameForbidden) {
			j.log.Debug("dropping cookie with invalid name", "domain", domain, "name", c.Name)
			continue
		}
		if len(c.Value) > maxCookieValueLen {
			j.log.Debug("truncating oversized cookie value",
				"domain", domain, "name", c.Name, "len", len(c.Value))
			c.Value = c.Value[:maxCookieValueLen]
		}
		if c.Domain == "" {
			c.Domain = domain
		}
		if c.Path == "" {
			c.Path = "/"
		}
		out = append(out, c)
	}
	return out
}

// normalizeCookies accepts the cookie shapes found in jars written by older
// tooling: an array of objects, a single object, or "name=value" strings.
func normalizeCookies(raw json.RawMessage, domain string) []Cookie {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		// Single object form.
		var one Cookie
		if err := json.Unmarshal(raw, &one); err == nil && one.Name != "" {
			return []Cookie{one}
		}
		return nil
	}

	var out []Cookie
	for _, item := range list {
		var c Cookie
		if err := json.Unmarshal(item, &c); err == nil && c.Name != "" {
			out = append(out, c)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if name, value, ok := strings.Cut(s, "="); ok {
				out = append(out, Cookie{Name: name, Value: value, Domain: domain})
			}
		}
	}
	return out
}

// domainMatches reports whether a cookie stored under domain applies to host.
func domainMatches(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}
