package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_PersistsAcrossRestarts(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedules.json")
	fired := make(chan string, 1)
	trigger := func(task string) { fired <- task }

	s1, err := newScheduler(file, trigger, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	added, err := s1.Add("30 2 * * *", taskLinkCrawl)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	s2, err := newScheduler(file, trigger, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	got := s2.List()
	if len(got) != 1 || got[0].ID != added.ID || got[0].Cron != "30 2 * * *" {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestScheduler_AddRejectsBadInput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedules.json")
	s, err := newScheduler(file, func(string) {}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("banana", taskWorkflow); err == nil {
		t.Error("bad cron accepted")
	}
	if _, err := s.Add("* * * * *", "mystery"); err == nil {
		t.Error("bad task accepted")
	}
}

func TestScheduler_RemoveUnknown(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedules.json")
	s, err := newScheduler(file, func(string) {}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("missing"); err == nil {
		t.Error("removing unknown schedule should fail")
	}
}
