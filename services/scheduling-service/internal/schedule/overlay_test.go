package schedule

import (
	"errors"
	"testing"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

func TestResolveDateDayClosingWins(t *testing.T) {
	// Order must not matter: the holiday closes the day even though the
	// special hours row was stored first.
	res := ResolveDate([]model.Exception{
		{Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "13:00", IsActive: true},
		{Type: model.ExceptionHoliday, IsActive: true},
	})
	if res.Ruling != DayClosed {
		t.Fatalf("ruling = %v, want DayClosed", res.Ruling)
	}

	res = ResolveDate([]model.Exception{
		{Type: model.ExceptionVacation, IsActive: true},
		{Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "13:00", IsActive: true},
	})
	if res.Ruling != DayClosed {
		t.Fatalf("ruling = %v, want DayClosed", res.Ruling)
	}
}

func TestResolveDateSpecialReplacesWindows(t *testing.T) {
	res := ResolveDate([]model.Exception{
		{Type: model.ExceptionSpecial, StartTime: "15:00", EndTime: "18:00", IsActive: true},
		{Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "12:00", IsActive: true},
	})
	if res.Ruling != ReplacedWindows {
		t.Fatalf("ruling = %v, want ReplacedWindows", res.Ruling)
	}
	if len(res.Windows) != 2 || res.Windows[0].StartMinute != 10*60 {
		t.Fatalf("windows = %+v", res.Windows)
	}
}

func TestResolveDateIgnoresInactive(t *testing.T) {
	res := ResolveDate([]model.Exception{
		{Type: model.ExceptionHoliday, IsActive: false},
		{Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "12:00", IsActive: false},
	})
	if res.Ruling != NoOverride {
		t.Fatalf("ruling = %v, want NoOverride", res.Ruling)
	}
}

func TestValidateNewException(t *testing.T) {
	existing := []model.Exception{
		{Date: "2026-12-25", Type: model.ExceptionHoliday, IsActive: true},
		{Date: "2026-12-26", Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "13:00", IsActive: true},
	}

	// Second day-closing exception on the same date.
	err := ValidateNewException(existing, model.Exception{Date: "2026-12-25", Type: model.ExceptionVacation})
	if !errors.Is(err, model.ErrScheduleConflict) {
		t.Fatalf("err = %v, want ErrScheduleConflict", err)
	}

	// Day-closing on top of special hours is allowed; it wins at read time.
	if err := ValidateNewException(existing, model.Exception{Date: "2026-12-26", Type: model.ExceptionBlocked}); err != nil {
		t.Fatalf("closing over special rejected: %v", err)
	}

	// Overlapping special hours.
	err = ValidateNewException(existing, model.Exception{
		Date: "2026-12-26", Type: model.ExceptionSpecial, StartTime: "12:00", EndTime: "15:00",
	})
	if !errors.Is(err, model.ErrScheduleConflict) {
		t.Fatalf("err = %v, want ErrScheduleConflict", err)
	}

	// Adjacent special hours are fine.
	if err := ValidateNewException(existing, model.Exception{
		Date: "2026-12-26", Type: model.ExceptionSpecial, StartTime: "13:00", EndTime: "15:00",
	}); err != nil {
		t.Fatalf("adjacent special rejected: %v", err)
	}

	// Special hours need a valid window.
	err = ValidateNewException(nil, model.Exception{Date: "2026-12-27", Type: model.ExceptionSpecial})
	if !errors.Is(err, model.ErrInvalidTimeRange) {
		t.Fatalf("err = %v, want ErrInvalidTimeRange", err)
	}

	// Unknown type.
	err = ValidateNewException(nil, model.Exception{Date: "2026-12-27", Type: "siesta"})
	if !errors.Is(err, model.ErrInvalidTimeRange) {
		t.Fatalf("err = %v, want ErrInvalidTimeRange", err)
	}
}
