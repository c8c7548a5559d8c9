// Package cron schedules isolated agent runs: parse a schedule form,
// tick on a wall-clock timer, scan prompts for injection before every
// spawn, and deliver results back to the job's origin channel.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/haasonsaas/hermes/pkg/models"
)

// cronParser accepts standard five-field expressions.
var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// ParseSchedule turns one of the accepted schedule forms into its
// kind, canonical value, and the first run time after now:
//
//   - five-field cron expression ("0 9 * * 1-5")
//   - "every N minutes|hours|days"
//   - "in N minutes|hours|days" (one-shot)
//   - ISO-8601 absolute datetime
func ParseSchedule(expr string, now time.Time) (models.ScheduleKind, string, time.Time, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", "", time.Time{}, fmt.Errorf("empty schedule")
	}
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(lower, "every ") || strings.HasPrefix(lower, "in ") {
		interval, err := parseIntervalExpr(lower)
		if err != nil {
			return "", "", time.Time{}, err
		}
		kind := models.ScheduleInterval
		if strings.HasPrefix(lower, "in ") {
			kind = models.ScheduleAt
			// One-shot: the value records the absolute time.
			at := now.Add(interval)
			return kind, at.Format(time.RFC3339), at, nil
		}
		return kind, lower, now.Add(interval), nil
	}

	if at, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return models.ScheduleAt, trimmed, at, nil
	}
	if at, err := time.Parse("2006-01-02T15:04:05", trimmed); err == nil {
		return models.ScheduleAt, at.Format(time.RFC3339), at, nil
	}

	schedule, err := cronParser.Parse(trimmed)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("unrecognized schedule %q: %w", expr, err)
	}
	return models.ScheduleCron, trimmed, schedule.Next(now), nil
}

// NextRun computes the run after now for a stored job schedule.
// One-shot "at" schedules return the zero time once passed.
func NextRun(kind models.ScheduleKind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case models.ScheduleCron:
		schedule, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(now), nil
	case models.ScheduleInterval:
		interval, err := parseIntervalExpr(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(interval), nil
	case models.ScheduleAt:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, err
		}
		if at.After(now) {
			return at, nil
		}
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

func parseIntervalExpr(expr string) (time.Duration, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return 0, fmt.Errorf("expected '%s N minutes|hours|days'", fields[0])
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval count %q", fields[1])
	}
	switch strings.TrimSuffix(fields[2], "s") + "s" {
	case "minutes":
		return time.Duration(n) * time.Minute, nil
	case "hours":
		return time.Duration(n) * time.Hour, nil
	case "days":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("bad interval unit %q", fields[2])
	}
}
