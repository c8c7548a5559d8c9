package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/security"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Runner spawns one fresh isolated agent run: the job's prompt is the
// only user message and there is no prior transcript. Returns the
// agent's final text.
type Runner func(ctx context.Context, job models.CronJob) (string, error)

// Deliverer ships the agent's output to a platform chat; empty chatID
// means the platform's home channel.
type Deliverer func(ctx context.Context, platform models.Platform, chatID, text string) (models.SendResult, error)

// outputHistoryCap bounds the per-job record of past runs.
const outputHistoryCap = 20

// Scheduler evaluates due jobs on a wall-clock timer.
type Scheduler struct {
	store    *Store
	runner   Runner
	deliver  Deliverer
	interval time.Duration
	logPath  string
	logger   *slog.Logger
	metrics  *observability.Metrics

	tickMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc

	// now is swappable for tests.
	now func() time.Time
}

// New creates a scheduler over store. logPath receives output that
// could not be delivered anywhere else.
func New(store *Store, runner Runner, deliver Deliverer, interval time.Duration, logPath string, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		deliver:  deliver,
		interval: interval,
		logPath:  logPath,
		logger:   logger.With("component", "cron"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start runs the tick loop until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// AddJob validates, schedules, and persists a new job.
func (s *Scheduler) AddJob(id, name, scheduleExpr, prompt string, repeatTimes int, origin *models.Origin) (*models.CronJob, error) {
	now := s.now()
	kind, value, next, err := ParseSchedule(scheduleExpr, now)
	if err != nil {
		return nil, err
	}
	job := &models.CronJob{
		ID:              id,
		Name:            name,
		ScheduleDisplay: scheduleExpr,
		ScheduleKind:    kind,
		ScheduleValue:   value,
		Prompt:          prompt,
		Enabled:         true,
		NextRunAt:       next,
		Repeat:          models.Repeat{Times: repeatTimes},
		Origin:          origin,
		CreatedAt:       now,
	}
	if kind == models.ScheduleAt && job.Repeat.Times == 0 {
		job.Repeat.Times = 1
	}
	if err := s.store.Add(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Tick evaluates every enabled job due at or before now. Concurrent
// ticks are excluded by a mutex: a long-running job batch never
// overlaps the next timer firing.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.metrics != nil {
		s.metrics.CronTicks.Inc()
	}

	now := s.now()
	for _, job := range s.store.List() {
		if !job.Enabled || job.NextRunAt.IsZero() || job.NextRunAt.After(now) {
			continue
		}
		s.runJob(ctx, job, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job models.CronJob, now time.Time) {
	logger := s.logger.With("job_id", job.ID, "job_name", job.Name)

	// Injection scan before spawn; blocked jobs record the rejection
	// and are disabled.
	if scan := security.ScanPrompt(job.Prompt); scan.Blocked {
		logger.Warn("job blocked by injection scanner", "rule", scan.Rule, "detail", scan.Detail)
		if s.metrics != nil {
			s.metrics.CronRuns.WithLabelValues("blocked").Inc()
		}
		s.store.Update(job.ID, func(j *models.CronJob) {
			j.Enabled = false
			j.OutputHistory = appendHistory(j.OutputHistory, models.CronOutputEntry{
				At:      now,
				Blocked: true,
				Reason:  fmt.Sprintf("prompt rejected by injection scanner (%s): %s", scan.Rule, scan.Detail),
			})
		})
		return
	}

	output, err := s.runner(ctx, job)
	if err != nil {
		logger.Error("job run failed", "error", err)
		if s.metrics != nil {
			s.metrics.CronRuns.WithLabelValues("failed").Inc()
		}
		output = "Scheduled job failed: " + err.Error()
	}

	s.deliverOutput(ctx, job, output, logger)

	// Advance counters and compute the next firing.
	s.store.Update(job.ID, func(j *models.CronJob) {
		j.Repeat.Completed++
		j.LastRunAt = now
		j.OutputHistory = appendHistory(j.OutputHistory, models.CronOutputEntry{At: now, Output: truncateOutput(output)})

		if j.Repeat.Done() || j.ScheduleKind == models.ScheduleAt {
			j.Enabled = false
			j.NextRunAt = time.Time{}
			return
		}
		next, err := NextRun(j.ScheduleKind, j.ScheduleValue, s.now())
		if err != nil || next.IsZero() {
			j.Enabled = false
			j.NextRunAt = time.Time{}
			return
		}
		j.NextRunAt = next
	})
	if err == nil && s.metrics != nil {
		s.metrics.CronRuns.WithLabelValues("delivered").Inc()
	}
}

// deliverOutput walks the fallback chain: origin chat, then the
// platform's home channel, then the local output log.
func (s *Scheduler) deliverOutput(ctx context.Context, job models.CronJob, output string, logger *slog.Logger) {
	if s.deliver != nil && job.Origin != nil {
		if res, err := s.deliver(ctx, job.Origin.Platform, job.Origin.ChatID, output); err == nil && res.Success {
			return
		}
		// Origin unreachable: try its platform's home channel.
		if res, err := s.deliver(ctx, job.Origin.Platform, "", output); err == nil && res.Success {
			return
		}
	} else if s.deliver != nil {
		// No origin recorded: home channels in platform order.
		for _, platform := range []models.Platform{models.PlatformTelegram, models.PlatformDiscord, models.PlatformSlack, models.PlatformWhatsApp} {
			if res, err := s.deliver(ctx, platform, "", output); err == nil && res.Success {
				return
			}
		}
	}

	// Last resort: the local output log.
	logger.Warn("output undeliverable, writing to log file")
	if s.logPath != "" {
		os.MkdirAll(filepath.Dir(s.logPath), 0o755)
		f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "[%s] job %s (%s):\n%s\n\n", s.now().Format(time.RFC3339), job.ID, job.Name, output)
			f.Close()
		}
	}
}

func appendHistory(history []models.CronOutputEntry, entry models.CronOutputEntry) []models.CronOutputEntry {
	history = append(history, entry)
	if len(history) > outputHistoryCap {
		history = history[len(history)-outputHistoryCap:]
	}
	return history
}

func truncateOutput(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
