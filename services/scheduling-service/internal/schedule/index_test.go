package schedule

import (
	"errors"
	"testing"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"09:00", 540, false},
		{"00:00", 0, false},
		{"23:59", 1439, false},
		{" 10:30 ", 630, false},
		{"24:00", 0, true},
		{"09:60", 0, true},
		{"9", 0, true},
		{"", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if !errors.Is(err, model.ErrInvalidTimeRange) {
				t.Errorf("ParseClock(%q): err = %v, want ErrInvalidTimeRange", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseClock(%q) = %d, %v, want %d", tc.in, got, err, tc.want)
		}
	}
}

func TestWindowFromClocksRejectsInverted(t *testing.T) {
	for _, pair := range [][2]string{{"17:00", "09:00"}, {"09:00", "09:00"}} {
		if _, err := WindowFromClocks(pair[0], pair[1]); !errors.Is(err, model.ErrInvalidTimeRange) {
			t.Errorf("WindowFromClocks(%s, %s): err = %v, want ErrInvalidTimeRange", pair[0], pair[1], err)
		}
	}
}

func TestValidateNewWindow(t *testing.T) {
	existing := []model.Schedule{
		{Weekday: 1, StartTime: "09:00", EndTime: "12:00", IsActive: true},
		{Weekday: 1, StartTime: "14:00", EndTime: "18:00", IsActive: true},
		{Weekday: 2, StartTime: "09:00", EndTime: "18:00", IsActive: true},
		{Weekday: 3, StartTime: "09:00", EndTime: "18:00", IsActive: false},
	}

	// Fits in the Monday lunch gap.
	w, _ := WindowFromClocks("12:00", "14:00")
	if err := ValidateNewWindow(existing, 1, w); err != nil {
		t.Fatalf("gap window rejected: %v", err)
	}

	// Overlaps the Monday morning shift.
	w, _ = WindowFromClocks("11:00", "13:00")
	if err := ValidateNewWindow(existing, 1, w); !errors.Is(err, model.ErrScheduleConflict) {
		t.Fatalf("err = %v, want ErrScheduleConflict", err)
	}

	// Same clock range on a different weekday is fine.
	w, _ = WindowFromClocks("11:00", "13:00")
	if err := ValidateNewWindow(existing, 4, w); err != nil {
		t.Fatalf("other weekday rejected: %v", err)
	}

	// Inactive rows do not block.
	w, _ = WindowFromClocks("10:00", "11:00")
	if err := ValidateNewWindow(existing, 3, w); err != nil {
		t.Fatalf("inactive row blocked new window: %v", err)
	}

	// Touching boundaries are not an overlap (half-open windows).
	w, _ = WindowFromClocks("12:00", "14:00")
	if err := ValidateNewWindow(existing, 2, w); !errors.Is(err, model.ErrScheduleConflict) {
		t.Fatalf("err = %v, want ErrScheduleConflict", err)
	}
	w, _ = WindowFromClocks("18:00", "20:00")
	if err := ValidateNewWindow(existing, 2, w); err != nil {
		t.Fatalf("adjacent window rejected: %v", err)
	}
}

func TestBuildWeekSortsAndFilters(t *testing.T) {
	week := BuildWeek([]model.Schedule{
		{Weekday: 1, StartTime: "14:00", EndTime: "18:00", IsActive: true},
		{Weekday: 1, StartTime: "09:00", EndTime: "12:00", IsActive: true},
		{Weekday: 1, StartTime: "19:00", EndTime: "21:00", IsActive: false},
		{Weekday: 2, StartTime: "bogus", EndTime: "18:00", IsActive: true},
	})

	mon := week[1]
	if len(mon) != 2 {
		t.Fatalf("monday windows = %d, want 2", len(mon))
	}
	if mon[0].StartMinute != 9*60 || mon[1].StartMinute != 14*60 {
		t.Fatalf("windows not sorted: %+v", mon)
	}
	if len(week[2]) != 0 {
		t.Fatalf("malformed row survived: %+v", week[2])
	}
}
