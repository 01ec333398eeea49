package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/agentgate/internal/types"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextFire returns the first instant after now at which t should fire,
// interpreting schedules without a timezone in the local zone. ok is false
// when the trigger is disabled or spent. Unschedulable triggers return an
// error wrapping types.ErrConfig.
func NextFire(t *types.Trigger, now time.Time) (next time.Time, ok bool, err error) {
	return NextFireIn(t, now, time.Local)
}

// NextFireIn is NextFire with an explicit default zone.
func NextFireIn(t *types.Trigger, now time.Time, def *time.Location) (time.Time, bool, error) {
	if !t.Enabled {
		return time.Time{}, false, nil
	}
	loc, err := location(t.Schedule.Timezone, def)
	if err != nil {
		return time.Time{}, false, err
	}

	switch t.Schedule.Mode {
	case types.ModeOnce:
		if t.Schedule.At == nil {
			return time.Time{}, false, fmt.Errorf("once trigger without at: %w", types.ErrConfig)
		}
		if t.Schedule.At.After(now) {
			return *t.Schedule.At, true, nil
		}
		return time.Time{}, false, nil

	case types.ModeDaily:
		hour, minute, err := parseClock(t.Schedule.Time)
		if err != nil {
			return time.Time{}, false, err
		}
		local := now.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
		}
		return next, true, nil

	case types.ModeInterval:
		every := time.Duration(t.Schedule.IntervalMinutes * float64(time.Minute))
		if every <= 0 {
			return time.Time{}, false, fmt.Errorf("interval_minutes must be positive, got %v: %w", t.Schedule.IntervalMinutes, types.ErrConfig)
		}
		anchor := now
		switch {
		case t.LastFired != nil:
			anchor = *t.LastFired
		case !t.CreatedAt.IsZero():
			anchor = t.CreatedAt
		}
		if anchor.After(now) {
			return anchor.Add(every), true, nil
		}
		steps := now.Sub(anchor)/every + 1
		return anchor.Add(steps * every), true, nil

	case types.ModeCron:
		sched, err := cronParser.Parse(t.Schedule.Expression)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("cron expression %q: %v: %w", t.Schedule.Expression, err, types.ErrConfig)
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next, true, nil
	}
	return time.Time{}, false, fmt.Errorf("unknown schedule mode %q: %w", t.Schedule.Mode, types.ErrConfig)
}

func location(name string, def *time.Location) (*time.Location, error) {
	if name == "" {
		if def == nil {
			return time.Local, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %v: %w", name, err, types.ErrConfig)
	}
	return loc, nil
}

func parseClock(s string) (int, int, error) {
	v, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("daily time %q must be HH:MM: %w", s, types.ErrConfig)
	}
	return v.Hour(), v.Minute(), nil
}
