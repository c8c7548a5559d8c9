package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/hermes/pkg/models"
)

// jobsDocument is the on-disk shape of cron/jobs.json.
type jobsDocument struct {
	Jobs []*models.CronJob `json:"jobs"`
}

// Store persists the job list to a JSON document. All access runs
// under one mutex, held for a single call; overlapping ticks are
// excluded by the Scheduler, not by the Store.
type Store struct {
	mu   sync.Mutex
	path string
	jobs map[string]*models.CronJob
}

// OpenStore loads (or initializes) the job document at path.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, jobs: map[string]*models.CronJob{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc jobsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt job document %s: %w", path, err)
	}
	for _, job := range doc.Jobs {
		s.jobs[job.ID] = job
	}
	return s, nil
}

// saveLocked writes the document atomically. Callers hold s.mu.
func (s *Store) saveLocked() error {
	doc := jobsDocument{Jobs: make([]*models.CronJob, 0, len(s.jobs))}
	for _, job := range s.jobs {
		doc.Jobs = append(doc.Jobs, job)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Add inserts a job and persists.
func (s *Store) Add(job *models.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return s.saveLocked()
}

// Remove deletes a job and persists.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, s.saveLocked()
}

// Get returns a copy of one job.
func (s *Store) Get(id string) (models.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.CronJob{}, false
	}
	return *job, true
}

// List returns copies of all jobs.
func (s *Store) List() []models.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// Update applies fn to a job under the lock and persists.
func (s *Store) Update(id string, fn func(*models.CronJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(job)
	return s.saveLocked()
}
