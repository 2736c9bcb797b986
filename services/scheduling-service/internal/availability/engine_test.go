package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
)

// fakeStore serves a single doctor/office pair from memory.
type fakeStore struct {
	doctor     model.Doctor
	office     model.Office
	schedules  []model.Schedule
	exceptions []model.Exception
	busy       []Interval
}

func (f *fakeStore) Doctor(_ context.Context, id string) (model.Doctor, error) {
	if id != f.doctor.ID {
		return model.Doctor{}, model.ErrNotFound
	}
	return f.doctor, nil
}

func (f *fakeStore) Office(_ context.Context, id string) (model.Office, error) {
	if id != f.office.ID {
		return model.Office{}, model.ErrNotFound
	}
	return f.office, nil
}

func (f *fakeStore) OfficeSchedules(_ context.Context, officeID string) ([]model.Schedule, error) {
	return f.schedules, nil
}

func (f *fakeStore) OfficeExceptions(_ context.Context, officeID, fromDate, toDate string) ([]model.Exception, error) {
	var out []model.Exception
	for _, ex := range f.exceptions {
		if ex.Date >= fromDate && ex.Date <= toDate {
			out = append(out, ex)
		}
	}
	return out, nil
}

func (f *fakeStore) BusyIntervals(_ context.Context, doctorID string, from, to time.Time) ([]Interval, error) {
	var out []Interval
	for _, b := range f.busy {
		if b.Start.Before(to) && from.Before(b.End) {
			out = append(out, b)
		}
	}
	return out, nil
}

// newFixture sets up a Monday 09:00-11:00 grid with a 30-minute consultation
// and a 10-minute buffer. 2026-03-02 is a Monday.
func newFixture() (*fakeStore, *Engine) {
	store := &fakeStore{
		doctor: model.Doctor{
			ID:                   "doc-1",
			ConsultationDuration: 30,
			BufferMinutes:        10,
			IsActive:             true,
		},
		office: model.Office{
			ID:       "off-1",
			DoctorID: "doc-1",
			Timezone: "UTC",
			IsActive: true,
		},
		schedules: []model.Schedule{
			{OfficeID: "off-1", Weekday: 1, StartTime: "09:00", EndTime: "11:00", IsActive: true},
		},
	}
	engine := NewEngine(store, store, store).WithClock(func() time.Time {
		return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	})
	return store, engine
}

func collect(t *testing.T, engine *Engine, fromDate, toDate string) []Slot {
	t.Helper()
	seq, err := engine.ComputeSlots(context.Background(), "doc-1", "off-1", fromDate, toDate)
	if err != nil {
		t.Fatalf("ComputeSlots: %v", err)
	}
	var slots []Slot
	for s := range seq {
		slots = append(slots, s)
	}
	return slots
}

func TestComputeSlots_Basic(t *testing.T) {
	_, engine := newFixture()

	slots := collect(t, engine, "2026-03-02", "2026-03-02")

	// 30m duration + 10m buffer steps the grid by 40m; 10:20+30m fits but
	// 11:00 would not, so the remainder past 10:50 is discarded.
	want := []time.Time{
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 10, 20, 0, 0, time.UTC),
	}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d: %+v", len(slots), len(want), slots)
	}
	for i, s := range slots {
		if !s.Start.Equal(want[i]) {
			t.Errorf("slot %d start = %v, want %v", i, s.Start, want[i])
		}
		if !s.End.Equal(want[i].Add(30 * time.Minute)) {
			t.Errorf("slot %d end = %v, want %v", i, s.End, want[i].Add(30*time.Minute))
		}
	}
}

func TestComputeSlots_ZeroBuffer(t *testing.T) {
	store, engine := newFixture()
	store.doctor.BufferMinutes = 0

	slots := collect(t, engine, "2026-03-02", "2026-03-02")
	if len(slots) != 4 {
		t.Fatalf("got %d slots, want 4 back-to-back: %+v", len(slots), slots)
	}
	last := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	if !slots[3].Start.Equal(last) {
		t.Fatalf("last slot = %v, want %v", slots[3].Start, last)
	}
}

func TestComputeSlots_HolidayClosesDay(t *testing.T) {
	store, engine := newFixture()
	store.exceptions = []model.Exception{
		{OfficeID: "off-1", Date: "2026-03-02", Type: model.ExceptionHoliday, IsActive: true},
	}

	if slots := collect(t, engine, "2026-03-02", "2026-03-02"); len(slots) != 0 {
		t.Fatalf("holiday produced %d slots: %+v", len(slots), slots)
	}
}

func TestComputeSlots_ClosingBeatsSpecialHours(t *testing.T) {
	store, engine := newFixture()
	store.exceptions = []model.Exception{
		{OfficeID: "off-1", Date: "2026-03-02", Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "12:00", IsActive: true},
		{OfficeID: "off-1", Date: "2026-03-02", Type: model.ExceptionVacation, IsActive: true},
	}

	if slots := collect(t, engine, "2026-03-02", "2026-03-02"); len(slots) != 0 {
		t.Fatalf("closed day produced %d slots: %+v", len(slots), slots)
	}
}

func TestComputeSlots_SpecialHoursReplaceSchedule(t *testing.T) {
	store, engine := newFixture()
	store.exceptions = []model.Exception{
		{OfficeID: "off-1", Date: "2026-03-02", Type: model.ExceptionSpecial, StartTime: "10:00", EndTime: "12:00", IsActive: true},
	}

	slots := collect(t, engine, "2026-03-02", "2026-03-02")
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3: %+v", len(slots), slots)
	}
	if first := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC); !slots[0].Start.Equal(first) {
		t.Fatalf("first slot = %v, want %v", slots[0].Start, first)
	}
}

func TestComputeSlots_BusyRemovesSlot(t *testing.T) {
	store, engine := newFixture()
	// A 09:00-09:30 appointment blocks through its buffer until 09:40, so the
	// 09:40 slot survives.
	store.busy = []Interval{{
		Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}}

	slots := collect(t, engine, "2026-03-02", "2026-03-02")
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2: %+v", len(slots), slots)
	}
	if want := time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC); !slots[0].Start.Equal(want) {
		t.Fatalf("first slot = %v, want %v", slots[0].Start, want)
	}
}

func TestComputeSlots_SkipsPast(t *testing.T) {
	_, engine := newFixture()
	// 09:00 already started; 09:40 and 10:20 are still bookable.
	engine.WithClock(func() time.Time {
		return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	})

	slots := collect(t, engine, "2026-03-02", "2026-03-02")
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2: %+v", len(slots), slots)
	}
	if want := time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC); !slots[0].Start.Equal(want) {
		t.Fatalf("first slot = %v, want %v", slots[0].Start, want)
	}
}

func TestComputeSlots_InactiveDoctorOrOffice(t *testing.T) {
	store, engine := newFixture()
	store.doctor.IsActive = false
	if slots := collect(t, engine, "2026-03-02", "2026-03-02"); len(slots) != 0 {
		t.Fatalf("inactive doctor produced slots: %+v", slots)
	}

	store.doctor.IsActive = true
	store.office.IsActive = false
	if slots := collect(t, engine, "2026-03-02", "2026-03-02"); len(slots) != 0 {
		t.Fatalf("inactive office produced slots: %+v", slots)
	}
}

func TestComputeSlots_InvalidRange(t *testing.T) {
	_, engine := newFixture()

	if _, err := engine.ComputeSlots(context.Background(), "doc-1", "off-1", "2026-03-05", "2026-03-02"); !errors.Is(err, model.ErrInvalidTimeRange) {
		t.Fatalf("inverted range: err = %v, want ErrInvalidTimeRange", err)
	}
	if _, err := engine.ComputeSlots(context.Background(), "doc-1", "off-1", "03/02/2026", "2026-03-02"); !errors.Is(err, model.ErrInvalidTimeRange) {
		t.Fatalf("bad date: err = %v, want ErrInvalidTimeRange", err)
	}
	if _, err := engine.ComputeSlots(context.Background(), "doc-9", "off-1", "2026-03-02", "2026-03-02"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown doctor: err = %v, want ErrNotFound", err)
	}
}

func TestComputeSlots_SpringForwardOffsets(t *testing.T) {
	store, engine := newFixture()
	store.office.Timezone = "America/New_York"
	// One slot per day: Saturday before and Sunday after the 2026-03-08
	// spring-forward. 09:00 local is 14:00Z under EST and 13:00Z under EDT.
	store.schedules = []model.Schedule{
		{OfficeID: "off-1", Weekday: 6, StartTime: "09:00", EndTime: "10:00", IsActive: true},
		{OfficeID: "off-1", Weekday: 0, StartTime: "09:00", EndTime: "10:00", IsActive: true},
	}
	engine.WithClock(func() time.Time {
		return time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	})

	slots := collect(t, engine, "2026-03-07", "2026-03-08")
	if len(slots) != 2 {
		t.Fatalf("got %d slots, want 2: %+v", len(slots), slots)
	}
	if want := time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC); !slots[0].Start.Equal(want) {
		t.Fatalf("saturday slot = %v, want %v", slots[0].Start, want)
	}
	if want := time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC); !slots[1].Start.Equal(want) {
		t.Fatalf("sunday slot = %v, want %v", slots[1].Start, want)
	}
}

func TestComputeSlots_SequenceIsRestartable(t *testing.T) {
	_, engine := newFixture()
	seq, err := engine.ComputeSlots(context.Background(), "doc-1", "off-1", "2026-03-02", "2026-03-02")
	if err != nil {
		t.Fatalf("ComputeSlots: %v", err)
	}

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if first, second := count(), count(); first != 3 || second != 3 {
		t.Fatalf("iterations returned %d then %d slots, want 3 both times", first, second)
	}

	// Early break must not poison later iterations.
	for range seq {
		break
	}
	if n := count(); n != 3 {
		t.Fatalf("after break: %d slots, want 3", n)
	}
}

func TestSlotFitsGrid(t *testing.T) {
	store, engine := newFixture()
	ctx := context.Background()

	cases := []struct {
		name    string
		startAt time.Time
		want    bool
	}{
		{"on grid", time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC), true},
		{"off grid", time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC), false},
		{"spills past window end", time.Date(2026, 3, 2, 10, 40, 0, 0, time.UTC), false},
		{"closed weekday", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		got, err := engine.SlotFitsGrid(ctx, store.doctor, store.office, tc.startAt)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: SlotFitsGrid = %v, want %v", tc.name, got, tc.want)
		}
	}

	store.exceptions = []model.Exception{
		{OfficeID: "off-1", Date: "2026-03-02", Type: model.ExceptionHoliday, IsActive: true},
	}
	got, err := engine.SlotFitsGrid(ctx, store.doctor, store.office, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("holiday: %v", err)
	}
	if got {
		t.Fatal("slot on a holiday reported as fitting the grid")
	}
}
