package schedule_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/fleetjobs/schedule"
)

func date(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestValidate(t *testing.T) {
	ev := schedule.NewCronEvaluator()
	now := date(2029, time.December, 1, 0)

	tests := []struct {
		name       string
		recurrence string
		startsOn   time.Time
		endsOn     *time.Time
		wantErr    error
	}{
		{
			name:       "start equals end",
			recurrence: "0 0 * * *",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.March, 1, 0)),
			wantErr:    schedule.ErrTriggerInvalidDates,
		},
		{
			name:       "end before start",
			recurrence: "0 0 * * *",
			startsOn:   date(2030, time.March, 2, 0),
			endsOn:     ptr(date(2030, time.March, 1, 0)),
			wantErr:    schedule.ErrTriggerInvalidDates,
		},
		{
			name:       "end already past",
			recurrence: "0 0 * * *",
			startsOn:   date(2029, time.January, 1, 0),
			endsOn:     ptr(date(2029, time.June, 1, 0)),
			wantErr:    schedule.ErrTriggerInvalidDates,
		},
		{
			name:       "fires only outside window",
			recurrence: "0 0 1 1 *",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.June, 1, 0)),
			wantErr:    schedule.ErrTriggerInvalidScheduling,
		},
		{
			name:       "daily inside window",
			recurrence: "0 0 * * *",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.June, 1, 0)),
		},
		{
			name:       "first fire exactly at start",
			recurrence: "0 0 1 3 *",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.March, 1, 1)),
		},
		{
			name:       "first fire exactly at end is excluded",
			recurrence: "0 1 1 3 *",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.March, 1, 1)),
			wantErr:    schedule.ErrTriggerInvalidScheduling,
		},
		{
			name:       "unbounded yearly from the past",
			recurrence: "0 0 1 1 *",
			startsOn:   date(2020, time.January, 1, 0),
		},
		{
			name:       "unbounded never fires",
			recurrence: "0 0 30 2 *",
			startsOn:   date(2030, time.January, 1, 0),
			wantErr:    schedule.ErrTriggerInvalidScheduling,
		},
		{
			name:       "interval longer than window",
			recurrence: "@every 2h",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.March, 1, 1)),
			wantErr:    schedule.ErrTriggerInvalidScheduling,
		},
		{
			name:       "interval inside window",
			recurrence: "@every 30m",
			startsOn:   date(2030, time.March, 1, 0),
			endsOn:     ptr(date(2030, time.March, 1, 1)),
		},
		{
			name:     "event trigger checks dates only",
			startsOn: date(2030, time.March, 1, 0),
			endsOn:   ptr(date(2030, time.June, 1, 0)),
		},
		{
			name:     "event trigger with bad dates",
			startsOn: date(2030, time.March, 1, 0),
			endsOn:   ptr(date(2030, time.March, 1, 0)),
			wantErr:  schedule.ErrTriggerInvalidDates,
		},
		{
			name:       "unparseable recurrence",
			recurrence: "every tuesday",
			startsOn:   date(2030, time.March, 1, 0),
			wantErr:    schedule.ErrInvalidRecurrence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schedule.Validate(ev, tt.recurrence, tt.startsOn, tt.endsOn, now)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextFireAfter(t *testing.T) {
	ev := schedule.NewCronEvaluator()
	base := date(2030, time.January, 1, 0)

	tests := []struct {
		name       string
		recurrence string
		want       time.Time
	}{
		{"daily", "0 0 * * *", date(2030, time.January, 2, 0)},
		{"hourly descriptor", "@hourly", date(2030, time.January, 1, 1)},
		{"seconds field", "30 * * * * *", base.Add(30 * time.Second)},
		{"interval", "@every 90s", base.Add(90 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ev.NextFireAfter(tt.recurrence, base)
			if err != nil {
				t.Fatalf("NextFireAfter: %v", err)
			}
			if !ok {
				t.Fatal("expected a next fire time")
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	_, ok, err := ev.NextFireAfter("0 0 30 2 *", base)
	if err != nil {
		t.Fatalf("NextFireAfter(Feb 30): %v", err)
	}
	if ok {
		t.Error("Feb 30 should never fire")
	}
}

func TestFireCount(t *testing.T) {
	ev := schedule.NewCronEvaluator()
	from := date(2030, time.January, 1, 0)
	to := date(2030, time.January, 1, 3)

	n, err := ev.FireCount("0 * * * *", from, to, 100)
	if err != nil {
		t.Fatalf("FireCount: %v", err)
	}
	if n != 3 {
		t.Errorf("hourly fires in [00:00, 03:00) = %d, want 3", n)
	}

	n, err = ev.FireCount("0 * * * *", from, to, 2)
	if err != nil {
		t.Fatalf("FireCount: %v", err)
	}
	if n != 2 {
		t.Errorf("limited count = %d, want 2", n)
	}

	n, err = ev.FireCount("0 0 1 1 *", date(2030, time.February, 1, 0), date(2030, time.December, 1, 0), 10)
	if err != nil {
		t.Fatalf("FireCount: %v", err)
	}
	if n != 0 {
		t.Errorf("yearly fires in Feb-Dec = %d, want 0", n)
	}
}

func TestParseCachesSchedule(t *testing.T) {
	ev := schedule.NewCronEvaluator()

	a, err := ev.Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := ev.Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a != b {
		t.Error("expected cached schedule to be reused")
	}
}

func TestFirstFireAtOrAfter(t *testing.T) {
	ev := schedule.NewCronEvaluator()
	start := date(2030, time.March, 1, 0)

	got, ok, err := ev.FirstFireAtOrAfter("0 0 * * *", start)
	if err != nil || !ok {
		t.Fatalf("FirstFireAtOrAfter: %v %v", got, err)
	}
	if !got.Equal(start) {
		t.Errorf("daily at midnight from midnight = %v, want %v", got, start)
	}

	got, ok, err = ev.FirstFireAtOrAfter("@every 10m", start)
	if err != nil || !ok {
		t.Fatalf("FirstFireAtOrAfter: %v %v", got, err)
	}
	if !got.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("interval first fire = %v, want one interval after start", got)
	}
}
