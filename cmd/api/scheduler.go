package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Tasks a schedule can trigger.
const (
	taskWorkflow     = "workflow"
	taskLinkCrawl    = "link_crawl"
	taskContentCrawl = "content_crawl"
	taskPublish      = "forum_publish"
)

func validTask(task string) bool {
	switch task {
	case taskWorkflow, taskLinkCrawl, taskContentCrawl, taskPublish:
		return true
	}
	return false
}

// Schedule is one persisted cron entry.
type Schedule struct {
	ID        string    `json:"id"`
	Cron      string    `json:"cron"`
	Task      string    `json:"task"`
	CreatedAt time.Time `json:"created_at"`
}

// Scheduler runs persisted cron schedules against pipeline tasks. Schedules
// survive restarts: they are saved to a JSON file and re-armed on open.
type Scheduler struct {
	mu        sync.Mutex
	file      string
	cron      *cron.Cron
	entries   map[string]cron.EntryID
	schedules map[string]Schedule
	trigger   func(task string)
	log       *slog.Logger
}

func newScheduler(file string, trigger func(task string), log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		file:      file,
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
		schedules: make(map[string]Schedule),
		trigger:   trigger,
		log:       log.With("component", "scheduler"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Add validates, persists, and arms a new schedule.
func (s *Scheduler) Add(cronExpr, task string) (Schedule, error) {
	if !validTask(task) {
		return Schedule{}, fmt.Errorf("unknown task %q", task)
	}
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %v", err)
	}

	sched := Schedule{
		ID:        uuid.NewString(),
		Cron:      cronExpr,
		Task:      task,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.arm(sched); err != nil {
		return Schedule{}, err
	}
	s.schedules[sched.ID] = sched
	if err := s.save(); err != nil {
		return Schedule{}, err
	}
	s.log.Info("schedule added", "id", sched.ID, "cron", cronExpr, "task", task)
	return sched, nil
}

// Remove disarms and deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("no such schedule %q", id)
	}
	s.cron.Remove(entry)
	delete(s.entries, id)
	delete(s.schedules, id)
	return s.save()
}

// List returns schedules oldest first.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (s *Scheduler) arm(sched Schedule) error {
	task := sched.Task
	id, err := s.cron.AddFunc(sched.Cron, func() { s.trigger(task) })
	if err != nil {
		return fmt.Errorf("arm schedule: %v", err)
	}
	s.entries[sched.ID] = id
	return nil
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var stored []Schedule
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse schedules %s: %w", s.file, err)
	}
	for _, sched := range stored {
		if err := s.arm(sched); err != nil {
			s.log.Warn("could not re-arm schedule", "id", sched.ID, "err", err)
			continue
		}
		s.schedules[sched.ID] = sched
	}
	return nil
}

// save writes atomically; callers hold the lock.
func (s *Scheduler) save() error {
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.file)
}
