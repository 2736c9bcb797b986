package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

// Window is an open interval within a single day, in minutes from local
// midnight. Half-open: [StartMinute, EndMinute).
type Window struct {
	StartMinute int
	EndMinute   int
}

// ParseClock parses a local wall-clock "HH:MM" into minutes from midnight.
func ParseClock(clock string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(clock), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: bad clock %q", model.ErrInvalidTimeRange, clock)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: bad clock %q", model.ErrInvalidTimeRange, clock)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: bad clock %q", model.ErrInvalidTimeRange, clock)
	}
	return h*60 + m, nil
}

// WindowFromClocks validates start < end and returns the parsed window.
func WindowFromClocks(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	if s >= e {
		return Window{}, fmt.Errorf("%w: %s >= %s", model.ErrInvalidTimeRange, start, end)
	}
	return Window{StartMinute: s, EndMinute: e}, nil
}

func (w Window) overlaps(o Window) bool {
	return w.StartMinute < o.EndMinute && o.StartMinute < w.EndMinute
}

// ValidateNewWindow enforces the write-time invariant for recurring
// schedules: the candidate window must not overlap any active window already
// stored for the same office and weekday. Overlaps are rejected, never
// merged.
func ValidateNewWindow(existing []model.Schedule, weekday int, candidate Window) error {
	for _, row := range existing {
		if !row.IsActive || row.Weekday != weekday {
			continue
		}
		w, err := WindowFromClocks(row.StartTime, row.EndTime)
		if err != nil {
			// A malformed stored row cannot justify accepting more rows on
			// the same day.
			return err
		}
		if w.overlaps(candidate) {
			return fmt.Errorf("%w: weekday %d %02d:%02d-%02d:%02d",
				model.ErrScheduleConflict, weekday,
				candidate.StartMinute/60, candidate.StartMinute%60,
				candidate.EndMinute/60, candidate.EndMinute%60)
		}
	}
	return nil
}

// BuildWeek indexes active schedule rows by weekday as sorted windows.
// Malformed rows are skipped; write-time validation keeps them out in the
// first place.
func BuildWeek(rows []model.Schedule) map[int][]Window {
	week := make(map[int][]Window, 7)
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		w, err := WindowFromClocks(row.StartTime, row.EndTime)
		if err != nil {
			continue
		}
		week[row.Weekday] = append(week[row.Weekday], w)
	}
	for wd := range week {
		sortWindows(week[wd])
	}
	return week
}

func sortWindows(ws []Window) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].StartMinute != ws[j].StartMinute {
			return ws[i].StartMinute < ws[j].StartMinute
		}
		return ws[i].EndMinute < ws[j].EndMinute
	})
}
