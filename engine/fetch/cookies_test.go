package fetch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempJar(t *testing.T) *Jar {
	t.Helper()
	j, err := OpenJar(filepath.Join(t.TempDir(), "cookies.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestJar_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	j1, err := OpenJar(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = j1.Set("linux.do", []Cookie{
		{Name: "_t", Value: "abc", Domain: ".linux.do", Path: "/", Secure: true, HTTPOnly: true},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	j2, err := OpenJar(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := j2.ForHost("linux.do")
	if len(got) != 1 || got[0].Name != "_t" || got[0].Value != "abc" {
		t.Fatalf("reloaded cookies = %+v", got)
	}
	if j2.SavedAt().IsZero() {
		t.Error("saved_at not persisted")
	}
}

func TestJar_TruncatesOversizedValue(t *testing.T) {
	j := tempJar(t)
	long := strings.Repeat("x", maxCookieValueLen+1)
	if err := j.Set("example.com", []Cookie{{Name: "big", Value: long}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := j.ForHost("example.com")
	if len(got) != 1 {
		t.Fatalf("expected cookie kept, got %d", len(got))
	}
	if len(got[0].Value) != maxCookieValueLen {
		t.Errorf("value len = %d, want %d", len(got[0].Value), maxCookieValueLen)
	}
}

func TestJar_RejectsForbiddenNames(t *testing.T) {
	j := tempJar(t)
	err := j.Set("example.com", []Cookie{
		{Name: "ab{cd", Value: "v"},
		{Name: `qu"ote`, Value: "v"},
		{Name: "fine", Value: "v"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	got := j.ForHost("example.com")
	if len(got) != 1 || got[0].Name != "fine" {
		t.Fatalf("expected only the valid cookie, got %+v", got)
	}
}

func TestJar_DomainFallbackAndDefaults(t *testing.T) {
	j := tempJar(t)
	if err := j.Set("example.com", []Cookie{{Name: "a", Value: "1"}}); err != nil {
		t.Fatal(err)
	}
	got := j.ForHost("example.com")
	if got[0].Domain != "example.com" {
		t.Errorf("domain fallback = %q", got[0].Domain)
	}
	if got[0].Path != "/" {
		t.Errorf("path default = %q", got[0].Path)
	}
}

func TestJar_ForHost_SubdomainMatch(t *testing.T) {
	j := tempJar(t)
	if err := j.Set(".linux.do", []Cookie{{Name: "a", Value: "1", Domain: ".linux.do"}}); err != nil {
		t.Fatal(err)
	}
	if got := j.ForHost("forum.linux.do"); len(got) != 1 {
		t.Errorf("subdomain should match parent cookie, got %d", len(got))
	}
	if got := j.ForHost("linux.do"); len(got) != 1 {
		t.Errorf("apex should match, got %d", len(got))
	}
	if got := j.ForHost("notlinux.do"); len(got) != 0 {
		t.Errorf("unrelated host matched: %d", len(got))
	}
}

func TestOpenJar_NormalizesLegacyShapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	body := `{
		"cookies": {
			"a.com": [{"name": "n1", "value": "v1"}, "n2=v2"],
			"b.com": {"name": "solo", "value": "v", "domain": "b.com"}
		}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	j, err := OpenJar(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := j.ForHost("a.com"); len(got) != 2 {
		t.Errorf("a.com cookies = %+v", got)
	}
	if got := j.ForHost("b.com"); len(got) != 1 || got[0].Name != "solo" {
		t.Errorf("b.com cookies = %+v", got)
	}
}

func TestJar_SessionData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	j, err := OpenJar(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.SetSessionValue("last_login", "2023-11-15"); err != nil {
		t.Fatal(err)
	}
	j2, err := OpenJar(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := j2.SessionValue("last_login")
	if !ok || v != "2023-11-15" {
		t.Errorf("session value = %v %v", v, ok)
	}
}
