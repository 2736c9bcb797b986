package availability

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/schedule"
)

// DateLayout is the wire format for calendar dates, interpreted in the
// office's timezone.
const DateLayout = "2006-01-02"

type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is a bookable interval of exactly the doctor's consultation duration.
type Slot struct {
	Start time.Time
	End   time.Time
}

type Directory interface {
	Doctor(ctx context.Context, id string) (model.Doctor, error)
	Office(ctx context.Context, id string) (model.Office, error)
}

type ScheduleSource interface {
	OfficeSchedules(ctx context.Context, officeID string) ([]model.Schedule, error)
	OfficeExceptions(ctx context.Context, officeID, fromDate, toDate string) ([]model.Exception, error)
}

// Ledger reads the non-terminal appointments that occupy a doctor's time.
type Ledger interface {
	BusyIntervals(ctx context.Context, doctorID string, from, to time.Time) ([]Interval, error)
}

// Engine derives bookable slots from the recurring schedule, date exceptions,
// and the live ledger. All reads are side-effect free.
type Engine struct {
	dir    Directory
	src    ScheduleSource
	ledger Ledger
	now    func() time.Time
}

func NewEngine(dir Directory, src ScheduleSource, ledger Ledger) *Engine {
	return &Engine{dir: dir, src: src, ledger: ledger, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ComputeSlots returns the chronological sequence of free slots for the
// doctor at the office across [fromDate, toDate] (inclusive, office-local
// dates). The sequence is a pure function of the snapshot loaded here and
// may be iterated any number of times.
func (e *Engine) ComputeSlots(ctx context.Context, doctorID, officeID, fromDate, toDate string) (iter.Seq[Slot], error) {
	doctor, err := e.dir.Doctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	office, err := e.dir.Office(ctx, officeID)
	if err != nil {
		return nil, err
	}
	if office.DoctorID != doctor.ID {
		return nil, fmt.Errorf("%w: office %s does not belong to doctor %s", model.ErrNotFound, officeID, doctorID)
	}
	if doctor.ConsultationDuration <= 0 || doctor.BufferMinutes < 0 {
		return nil, fmt.Errorf("%w: duration %dm buffer %dm", model.ErrInvalidTimeRange,
			doctor.ConsultationDuration, doctor.BufferMinutes)
	}

	loc, err := time.LoadLocation(office.Timezone)
	if err != nil {
		return nil, fmt.Errorf("office %s: %w", office.ID, err)
	}
	from, err := time.ParseInLocation(DateLayout, fromDate, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: from %q", model.ErrInvalidTimeRange, fromDate)
	}
	to, err := time.ParseInLocation(DateLayout, toDate, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: to %q", model.ErrInvalidTimeRange, toDate)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s after %s", model.ErrInvalidTimeRange, fromDate, toDate)
	}

	empty := func(yield func(Slot) bool) {}
	if !doctor.IsActive || !office.IsActive {
		return empty, nil
	}

	rows, err := e.src.OfficeSchedules(ctx, officeID)
	if err != nil {
		return nil, err
	}
	week := schedule.BuildWeek(rows)

	exceptions, err := e.src.OfficeExceptions(ctx, officeID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	exByDate := make(map[string][]model.Exception)
	for _, ex := range exceptions {
		exByDate[ex.Date] = append(exByDate[ex.Date], ex)
	}

	duration := doctor.Duration()
	buffer := doctor.Buffer()
	rangeEnd := to.AddDate(0, 0, 1)

	// Widen the ledger read so an appointment ending just before the range
	// still blocks through its buffer.
	busy, err := e.ledger.BusyIntervals(ctx, doctorID, from.Add(-buffer), rangeEnd)
	if err != nil {
		return nil, err
	}
	blocked := make([]Interval, 0, len(busy))
	for _, b := range busy {
		blocked = append(blocked, Interval{Start: b.Start, End: b.End.Add(buffer)})
	}
	now := e.now()

	return func(yield func(Slot) bool) {
		for day := from; day.Before(rangeEnd); day = day.AddDate(0, 0, 1) {
			windows := dayWindows(week, exByDate, day, loc)
			for _, w := range windows {
				// Wall-clock endpoints resolved in the office zone; across a
				// DST transition Go picks the offset in effect at that
				// instant, so the grid neither drops nor duplicates slots.
				start := clockOnDay(day, w.StartMinute, loc)
				end := clockOnDay(day, w.EndMinute, loc)
				for s := start; !s.Add(duration).After(end); s = s.Add(duration + buffer) {
					if s.Before(now) {
						continue
					}
					if overlapsAny(s, s.Add(duration), blocked) {
						continue
					}
					if !yield(Slot{Start: s.UTC(), End: s.Add(duration).UTC()}) {
						return
					}
				}
			}
		}
	}, nil
}

// SlotFitsGrid reports whether startAt lands exactly on the slot grid of the
// office's open windows for its local date. It ignores the ledger; conflict
// checks are the coordinator's job.
func (e *Engine) SlotFitsGrid(ctx context.Context, doctor model.Doctor, office model.Office, startAt time.Time) (bool, error) {
	if !doctor.IsActive || !office.IsActive {
		return false, nil
	}
	loc, err := time.LoadLocation(office.Timezone)
	if err != nil {
		return false, fmt.Errorf("office %s: %w", office.ID, err)
	}

	rows, err := e.src.OfficeSchedules(ctx, office.ID)
	if err != nil {
		return false, err
	}
	week := schedule.BuildWeek(rows)

	local := startAt.In(loc)
	date := local.Format(DateLayout)
	exceptions, err := e.src.OfficeExceptions(ctx, office.ID, date, date)
	if err != nil {
		return false, err
	}

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	windows := dayWindows(week, map[string][]model.Exception{date: exceptions}, day, loc)

	duration := doctor.Duration()
	step := duration + doctor.Buffer()
	for _, w := range windows {
		start := clockOnDay(day, w.StartMinute, loc)
		end := clockOnDay(day, w.EndMinute, loc)
		for s := start; !s.Add(duration).After(end); s = s.Add(step) {
			if s.Equal(startAt) {
				return true, nil
			}
			if s.After(startAt) {
				break
			}
		}
	}
	return false, nil
}

func dayWindows(week map[int][]schedule.Window, exByDate map[string][]model.Exception, day time.Time, loc *time.Location) []schedule.Window {
	res := schedule.ResolveDate(exByDate[day.In(loc).Format(DateLayout)])
	switch res.Ruling {
	case schedule.DayClosed:
		return nil
	case schedule.ReplacedWindows:
		return res.Windows
	default:
		return week[int(day.Weekday())]
	}
}

func clockOnDay(day time.Time, minute int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, loc)
}

func overlapsAny(start, end time.Time, blocked []Interval) bool {
	for _, b := range blocked {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
