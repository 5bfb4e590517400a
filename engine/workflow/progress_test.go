package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestNewExecutionID(t *testing.T) {
	at := time.Date(2023, 11, 15, 14, 30, 5, 0, time.UTC)
	if got := NewExecutionID(at); got != "20231115_143005" {
		t.Errorf("id = %q", got)
	}
}

func TestJournal_SaveLoadRoundTrip(t *testing.T) {
	j := testJournal(t)
	started := time.Now().Truncate(time.Second)
	e := &Execution{
		ID:        "20231115_143005",
		Status:    ExecRunning,
		StartedAt: started,
		Steps: []*StepState{
			{Name: StepLinkCrawl, Status: StepCompleted, Attempts: 1,
				Summary: map[string]any{"discovered": 7.0}},
			{Name: StepContentCrawl, Status: StepPending},
		},
	}
	e.Log("info", "hello %s", "world")

	if err := j.Save(e); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := j.Load(e.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != ExecRunning || len(got.Steps) != 2 {
		t.Errorf("got %+v", got)
	}
	if got.Step(StepLinkCrawl).Summary["discovered"] != 7.0 {
		t.Errorf("summary = %v", got.Step(StepLinkCrawl).Summary)
	}
	if len(got.Logs) != 1 || got.Logs[0].Message != "hello world" {
		t.Errorf("logs = %v", got.Logs)
	}
}

func TestJournal_SaveLeavesNoTempFiles(t *testing.T) {
	j := testJournal(t)
	e := &Execution{ID: "20231115_000000", Status: ExecCompleted, StartedAt: time.Now()}
	if err := j.Save(e); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", ent.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(j.dir, "progress_20231115_000000.json")); err != nil {
		t.Errorf("journal file missing: %v", err)
	}
}

func TestExecutionLog_TrimsRing(t *testing.T) {
	e := &Execution{ID: "x"}
	for i := 0; i < maxLogEntries+1; i++ {
		e.Log("info", "line %d", i)
	}
	if len(e.Logs) != keepLogEntries {
		t.Fatalf("len = %d, want %d", len(e.Logs), keepLogEntries)
	}
	if e.Logs[len(e.Logs)-1].Message != "line 1000" {
		t.Errorf("last = %q", e.Logs[len(e.Logs)-1].Message)
	}
}

func TestJournal_ListResumable(t *testing.T) {
	j := testJournal(t)
	for _, e := range []*Execution{
		{ID: "20231115_010000", Status: ExecCompleted, StartedAt: time.Now()},
		{ID: "20231115_020000", Status: ExecFailed, StartedAt: time.Now()},
		{ID: "20231115_030000", Status: ExecInterrupted, StartedAt: time.Now()},
	} {
		if err := j.Save(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.ListResumable()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("resumable = %d", len(got))
	}
	// Newest first.
	if got[0].ID != "20231115_030000" || got[1].ID != "20231115_020000" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestJournal_ListSkipsMalformed(t *testing.T) {
	j := testJournal(t)
	if err := j.Save(&Execution{ID: "20231115_010000", Status: ExecCompleted, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(j.dir, "progress_garbage.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("list = %d entries", len(got))
	}
}
