// Package process tracks foreground and background child processes
// spawned by tools: output buffering with a hard cap, a TTL for
// finished records, and best-effort kill of everything belonging to a
// task.
package process

import (
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hermes/pkg/models"
)

const (
	// DefaultOutputCap bounds one record's buffered output; overflow
	// drops the oldest bytes and sets Truncated.
	DefaultOutputCap = 200 * 1024

	// DefaultRecordTTL is how long exited records survive before being
	// pruned on the next registry touch.
	DefaultRecordTTL = 15 * time.Minute

	// DefaultMaxRecords caps active+exited records; overflow evicts
	// oldest exited first, then oldest active.
	DefaultMaxRecords = 64

	// killGrace is the pause between SIGTERM and SIGKILL in KillAll.
	killGrace = 2 * time.Second
)

// Registry is the process-wide child-process table. All mutations run
// under one mutex; the kill path spawns a goroutine so it never blocks
// agent execution.
type Registry struct {
	mu        sync.Mutex
	records   map[string]*models.ProcessRecord
	outputCap int
	ttl       time.Duration
	maxCount  int
	logger    *slog.Logger

	// kill is swappable for tests; defaults to syscall.Kill.
	kill func(pid int, sig syscall.Signal) error
}

// NewRegistry creates an empty registry with the recommended limits.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		records:   make(map[string]*models.ProcessRecord),
		outputCap: DefaultOutputCap,
		ttl:       DefaultRecordTTL,
		maxCount:  DefaultMaxRecords,
		logger:    logger.With("component", "process_registry"),
		kill:      syscall.Kill,
	}
}

// Register records a newly spawned child and returns its record ID.
func (r *Registry) Register(command, taskID string, pid int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(time.Now())

	id := uuid.NewString()
	r.records[id] = &models.ProcessRecord{
		ID:        id,
		Command:   command,
		TaskID:    taskID,
		PID:       pid,
		StartedAt: time.Now(),
	}
	return id
}

// MarkExited records a child's exit status. Unknown IDs are ignored
// (the record may already have been evicted under cap pressure).
func (r *Registry) MarkExited(id string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.Exited = true
	rec.ExitCode = exitCode
	rec.ExitedAt = time.Now()
}

// AppendOutput buffers more child output, enforcing the cap by dropping
// the oldest bytes.
func (r *Registry) AppendOutput(id string, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.Output += string(chunk)
	if len(rec.Output) > r.outputCap {
		rec.Output = rec.Output[len(rec.Output)-r.outputCap:]
		rec.Truncated = true
	}
}

// Get returns a copy of the record, if present.
func (r *Registry) Get(id string) (models.ProcessRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return models.ProcessRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records for taskID (all tasks when empty),
// newest first.
func (r *Registry) List(taskID string) []models.ProcessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(time.Now())

	out := make([]models.ProcessRecord, 0, len(r.records))
	for _, rec := range r.records {
		if taskID == "" || rec.TaskID == taskID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// KillAll sends SIGTERM to every live process of taskID, then SIGKILL
// after a short grace period. The escalation runs in a goroutine so the
// caller never blocks on it.
func (r *Registry) KillAll(taskID string) int {
	r.mu.Lock()
	var pids []int
	var ids []string
	for id, rec := range r.records {
		if rec.TaskID == taskID && !rec.Exited && rec.PID > 0 {
			pids = append(pids, rec.PID)
			ids = append(ids, id)
		}
	}
	kill := r.kill
	r.mu.Unlock()

	for _, pid := range pids {
		kill(pid, syscall.SIGTERM)
	}
	if len(pids) > 0 {
		go func() {
			time.Sleep(killGrace)
			for i, pid := range pids {
				if err := kill(pid, syscall.Signal(0)); err == nil {
					kill(pid, syscall.SIGKILL)
				}
				r.MarkExited(ids[i], int(models.ExitCodeInterrupted))
			}
		}()
	}
	return len(pids)
}

// Prune removes exited records older than the TTL and enforces the
// global cap. Called automatically on Register and List.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(time.Now())
}

func (r *Registry) pruneLocked(now time.Time) {
	for id, rec := range r.records {
		if rec.Exited && now.Sub(rec.ExitedAt) > r.ttl {
			delete(r.records, id)
		}
	}
	if len(r.records) <= r.maxCount {
		return
	}

	type aged struct {
		id  string
		rec *models.ProcessRecord
	}
	var exited, active []aged
	for id, rec := range r.records {
		if rec.Exited {
			exited = append(exited, aged{id, rec})
		} else {
			active = append(active, aged{id, rec})
		}
	}
	sort.Slice(exited, func(i, j int) bool { return exited[i].rec.ExitedAt.Before(exited[j].rec.ExitedAt) })
	sort.Slice(active, func(i, j int) bool { return active[i].rec.StartedAt.Before(active[j].rec.StartedAt) })

	over := len(r.records) - r.maxCount
	for _, a := range exited {
		if over <= 0 {
			return
		}
		delete(r.records, a.id)
		over--
	}
	for _, a := range active {
		if over <= 0 {
			return
		}
		r.logger.Warn("evicting active process record under cap pressure", "id", a.id, "pid", a.rec.PID)
		delete(r.records, a.id)
		over--
	}
}
