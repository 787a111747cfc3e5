// Package jsonfile implements the job store on top of two plain JSON
// files: a map of active jobs and an ordered history list. The in-memory
// tables guarded by the mutex are authoritative; every mutation rewrites
// the backing file wholesale so concurrent completions cannot lose
// updates to a read-modify-write race on disk.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mobtestlab/devicepilot/pkg/models"
	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// Ensure Store implements storage.JobStore at compile time
var _ storage.JobStore = (*Store)(nil)

// Store persists jobs and history to JSON files.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]models.Job
	history     []models.HistoryEntry
	jobsPath    string
	historyPath string
	logger      *slog.Logger
}

// NewStore loads (or initializes) the backing files. A missing or corrupt
// file is treated as empty; a corrupt file is renamed aside so its content
// stays available for inspection.
func NewStore(jobsPath, historyPath string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		jobs:        make(map[string]models.Job),
		history:     []models.HistoryEntry{},
		jobsPath:    jobsPath,
		historyPath: historyPath,
		logger:      logger,
	}

	for _, dir := range []string{filepath.Dir(jobsPath), filepath.Dir(historyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	loadJSON(jobsPath, &s.jobs, logger)
	loadJSON(historyPath, &s.history, logger)
	s.sortHistoryLocked()
	return s, nil
}

// loadJSON reads path into v, tolerating missing and corrupt files.
func loadJSON(path string, v any, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read store file, starting empty", slog.String("path", path), slog.String("error", err.Error()))
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.Warn("Store file is corrupt, moving it aside and starting empty",
			slog.String("path", path), slog.String("error", err.Error()))
		if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
			logger.Warn("Failed to move corrupt store file aside", slog.String("path", path), slog.String("error", renameErr.Error()))
		}
	}
}

// PutJob inserts or replaces an active job.
func (s *Store) PutJob(job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid job data for put")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return s.flushJobsLocked()
}

// GetJob retrieves an active job by id.
func (s *Store) GetJob(id string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return &job, true
}

// ListJobs returns a snapshot of all active jobs.
func (s *Store) ListJobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs
}

// DeleteJob removes a job from the active set.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.flushJobsLocked()
}

// UpsertHistory merges an entry keyed by its dedup key, then re-sorts
// newest-first and truncates to the history cap.
func (s *Store) UpsertHistory(entry models.HistoryEntry) error {
	if entry.DedupKey() == "" {
		return fmt.Errorf("history entry has no dedup key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.history {
		if s.history[i].DedupKey() == entry.DedupKey() {
			s.history[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		s.history = append([]models.HistoryEntry{entry}, s.history...)
	}
	s.sortHistoryLocked()
	if len(s.history) > models.HistoryLimit {
		s.history = s.history[:models.HistoryLimit]
	}
	return s.flushHistoryLocked()
}

// GetHistory retrieves an entry by dedup key, falling back to the job id
// for remote entries looked up by their local id.
func (s *Store) GetHistory(key string) (*models.HistoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].DedupKey() == key || s.history[i].ID == key {
			entry := s.history[i]
			return &entry, true
		}
	}
	return nil, false
}

// ListHistory returns a snapshot of the history, newest first.
func (s *Store) ListHistory() []models.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]models.HistoryEntry, len(s.history))
	copy(history, s.history)
	return history
}

// Close flushes both tables a final time.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobsErr := s.flushJobsLocked()
	historyErr := s.flushHistoryLocked()
	if jobsErr != nil {
		return jobsErr
	}
	return historyErr
}

// sortHistoryLocked orders history newest-first. In-flight entries have
// no end time yet and sort ahead of every completed one, so filling the
// cap evicts the oldest completed run, never a run that only just
// started.
func (s *Store) sortHistoryLocked() {
	sort.SliceStable(s.history, func(i, j int) bool {
		a, b := s.history[i], s.history[j]
		if a.EndedAt.IsZero() != b.EndedAt.IsZero() {
			return a.EndedAt.IsZero()
		}
		if a.EndedAt.IsZero() {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.EndedAt.After(b.EndedAt)
	})
}

func (s *Store) flushJobsLocked() error {
	return writeJSON(s.jobsPath, s.jobs)
}

func (s *Store) flushHistoryLocked() error {
	return writeJSON(s.historyPath, s.history)
}

// writeJSON rewrites path wholesale via a temp file + rename so a crash
// mid-write never leaves a half-written store file behind.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store file %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace store file %s: %w", path, err)
	}
	return nil
}
