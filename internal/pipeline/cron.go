package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// RunCron runs the sweep on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week", UTC) until ctx is cancelled.
// Fields accept "*", "*/n" and comma lists.
func (s *Sweeper) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	s.logger.Info("sweep cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sweep cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := s.Run(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

type cronField struct {
	wildcard bool
	step     int
	values   []int
}

func (f cronField) matches(val int) bool {
	switch {
	case f.step > 0:
		return val%f.step == 0
	case f.wildcard:
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return cronField{}, fmt.Errorf("invalid step %q", field)
		}
		return cronField{step: n}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		if v < lo || v > hi {
			return cronField{}, fmt.Errorf("cron value %d outside [%d,%d]", v, lo, hi)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type schedule [5]cronField

var cronBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
var cronNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

func parseCron(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	var s schedule
	for i, f := range fields {
		cf, err := parseCronField(f, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("parsing %s field: %w", cronNames[i], err)
		}
		s[i] = cf
	}
	return s, nil
}

func (s schedule) matches(t time.Time) bool {
	return s[0].matches(t.Minute()) &&
		s[1].matches(t.Hour()) &&
		s[2].matches(t.Day()) &&
		s[3].matches(int(t.Month())) &&
		s[4].matches(int(t.Weekday()))
}

// next returns the first minute strictly after 'after' matching s, searching
// up to one year ahead.
func (s schedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within one year")
}
