package schedule

import (
	"fmt"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

type DayRuling int

const (
	// NoOverride defers to the recurring weekly schedule.
	NoOverride DayRuling = iota
	// DayClosed removes all availability for the date.
	DayClosed
	// ReplacedWindows substitutes the recurring windows with the special
	// hours for the date.
	ReplacedWindows
)

// Resolution is the outcome of applying all exceptions stored for one
// (office, date).
type Resolution struct {
	Ruling  DayRuling
	Windows []Window
}

// ResolveDate applies exception precedence at read time: any day-closing
// exception wins over special hours, no matter the order rows were stored
// in. Inactive exceptions are ignored.
func ResolveDate(exceptions []model.Exception) Resolution {
	var special []Window
	for _, ex := range exceptions {
		if !ex.IsActive {
			continue
		}
		if ex.Type.ClosesDay() {
			return Resolution{Ruling: DayClosed}
		}
		w, err := WindowFromClocks(ex.StartTime, ex.EndTime)
		if err != nil {
			// A special exception without usable hours replaces the day
			// with nothing rather than silently reopening it.
			continue
		}
		special = append(special, w)
	}
	if len(special) == 0 {
		return Resolution{Ruling: NoOverride}
	}
	sortWindows(special)
	return Resolution{Ruling: ReplacedWindows, Windows: special}
}

// ValidateNewException enforces the write-time invariants: at most one
// day-closing exception per date, and special hours for the same date must
// not overlap each other.
func ValidateNewException(existing []model.Exception, candidate model.Exception) error {
	if !candidate.Type.Valid() {
		return fmt.Errorf("%w: unknown exception type %q", model.ErrInvalidTimeRange, candidate.Type)
	}

	var candidateWindow Window
	if candidate.Type == model.ExceptionSpecial {
		w, err := WindowFromClocks(candidate.StartTime, candidate.EndTime)
		if err != nil {
			return err
		}
		candidateWindow = w
	}

	for _, ex := range existing {
		if !ex.IsActive || ex.Date != candidate.Date {
			continue
		}
		if candidate.Type.ClosesDay() && ex.Type.ClosesDay() {
			return fmt.Errorf("%w: %s already closed by %q exception",
				model.ErrScheduleConflict, ex.Date, ex.Type)
		}
		if candidate.Type == model.ExceptionSpecial && ex.Type == model.ExceptionSpecial {
			w, err := WindowFromClocks(ex.StartTime, ex.EndTime)
			if err != nil {
				continue
			}
			if w.overlaps(candidateWindow) {
				return fmt.Errorf("%w: special hours overlap on %s",
					model.ErrScheduleConflict, ex.Date)
			}
		}
	}
	return nil
}
