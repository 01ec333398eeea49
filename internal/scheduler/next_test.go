package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/user/agentgate/internal/types"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNextFireDailyAcrossDST(t *testing.T) {
	trig := &types.Trigger{
		Enabled:  true,
		Schedule: types.Schedule{Mode: types.ModeDaily, Time: "09:00", Timezone: "America/New_York"},
	}
	cases := []struct {
		now  string
		want string
	}{
		// 08:59 EST, before the spring-forward weekend.
		{"2025-03-08T13:59:00Z", "2025-03-08T14:00:00Z"},
		// 08:59 EDT on the transition day.
		{"2025-03-09T12:59:00Z", "2025-03-09T13:00:00Z"},
		// 09:59 EDT: today's slot has passed, next is tomorrow 09:00 EDT.
		{"2025-03-09T13:59:00Z", "2025-03-10T13:00:00Z"},
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	for _, tc := range cases {
		next, ok, err := NextFire(trig, mustTime(t, tc.now))
		if err != nil || !ok {
			t.Fatalf("NextFire(%s) = %v, %v", tc.now, ok, err)
		}
		if !next.Equal(mustTime(t, tc.want)) {
			t.Errorf("NextFire(%s) = %s, want %s", tc.now, next.UTC().Format(time.RFC3339), tc.want)
		}
		if local := next.In(ny); local.Hour() != 9 || local.Minute() != 0 {
			t.Errorf("NextFire(%s) local = %s, want 09:00", tc.now, local)
		}
	}
}

func TestNextFireIntervalDriftFree(t *testing.T) {
	now := mustTime(t, "2025-06-01T12:00:00Z")
	last := now.Add(-210 * time.Minute)
	trig := &types.Trigger{
		Enabled:   true,
		CreatedAt: now.Add(-48 * time.Hour),
		LastFired: &last,
		Schedule:  types.Schedule{Mode: types.ModeInterval, IntervalMinutes: 60},
	}
	next, ok, err := NextFire(trig, now)
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if want := last.Add(4 * time.Hour); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
	if next.Sub(now) > time.Hour {
		t.Errorf("next is %s away, want at most one interval", next.Sub(now))
	}
}

func TestNextFireIntervalAnchors(t *testing.T) {
	now := mustTime(t, "2025-06-01T12:00:00Z")

	created := &types.Trigger{
		Enabled:   true,
		CreatedAt: now.Add(-90 * time.Second),
		Schedule:  types.Schedule{Mode: types.ModeInterval, IntervalMinutes: 1},
	}
	next, _, _ := NextFire(created, now)
	if want := now.Add(30 * time.Second); !next.Equal(want) {
		t.Errorf("created-at anchor: next = %s, want %s", next, want)
	}

	// Exactly on a boundary the next slot is strictly later.
	exact := &types.Trigger{
		Enabled:   true,
		CreatedAt: now.Add(-time.Hour),
		Schedule:  types.Schedule{Mode: types.ModeInterval, IntervalMinutes: 30},
	}
	next, _, _ = NextFire(exact, now)
	if want := now.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("boundary: next = %s, want %s", next, want)
	}

	fractional := &types.Trigger{
		Enabled:  true,
		Schedule: types.Schedule{Mode: types.ModeInterval, IntervalMinutes: 0.5},
	}
	next, _, _ = NextFire(fractional, now)
	if want := now.Add(30 * time.Second); !next.Equal(want) {
		t.Errorf("no anchor: next = %s, want %s", next, want)
	}
}

func TestNextFireOnce(t *testing.T) {
	now := mustTime(t, "2025-06-01T12:00:00Z")
	future := now.Add(time.Hour)
	past := now.Add(-time.Second)

	next, ok, err := NextFire(&types.Trigger{Enabled: true, Schedule: types.Schedule{Mode: types.ModeOnce, At: &future}}, now)
	if err != nil || !ok || !next.Equal(future) {
		t.Errorf("future once = %s, %v, %v", next, ok, err)
	}
	_, ok, err = NextFire(&types.Trigger{Enabled: true, Schedule: types.Schedule{Mode: types.ModeOnce, At: &past}}, now)
	if err != nil || ok {
		t.Errorf("spent once = %v, %v", ok, err)
	}
}

func TestNextFireCron(t *testing.T) {
	trig := &types.Trigger{
		Enabled:  true,
		Schedule: types.Schedule{Mode: types.ModeCron, Expression: "30 7 * * 1-5", Timezone: "Europe/Berlin"},
	}
	if _, err := time.LoadLocation("Europe/Berlin"); err != nil {
		t.Skip("tzdata unavailable")
	}
	// Saturday; next weekday 07:30 Berlin (CEST, UTC+2) is Monday.
	next, ok, err := NextFire(trig, mustTime(t, "2025-06-07T10:00:00Z"))
	if err != nil || !ok {
		t.Fatal(ok, err)
	}
	if want := mustTime(t, "2025-06-09T05:30:00Z"); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next.UTC(), want)
	}
}

func TestNextFireConfigErrors(t *testing.T) {
	now := time.Now()
	cases := map[string]types.Schedule{
		"zero interval":     {Mode: types.ModeInterval},
		"negative interval": {Mode: types.ModeInterval, IntervalMinutes: -5},
		"bad daily time":    {Mode: types.ModeDaily, Time: "25:00"},
		"missing time":      {Mode: types.ModeDaily},
		"bad timezone":      {Mode: types.ModeDaily, Time: "09:00", Timezone: "Mars/Olympus"},
		"once without at":   {Mode: types.ModeOnce},
		"bad cron":          {Mode: types.ModeCron, Expression: "every tuesday"},
		"unknown mode":      {Mode: "weekly"},
	}
	for name, sched := range cases {
		_, ok, err := NextFire(&types.Trigger{Enabled: true, Schedule: sched}, now)
		if ok || !errors.Is(err, types.ErrConfig) {
			t.Errorf("%s: ok=%v err=%v, want config error", name, ok, err)
		}
	}
}

func TestNextFireDisabled(t *testing.T) {
	trig := &types.Trigger{Schedule: types.Schedule{Mode: types.ModeInterval, IntervalMinutes: 5}}
	if _, ok, err := NextFire(trig, time.Now()); ok || err != nil {
		t.Errorf("disabled trigger: ok=%v err=%v", ok, err)
	}
}
