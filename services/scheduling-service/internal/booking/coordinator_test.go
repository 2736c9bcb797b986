package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/availability"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/model"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/outbox"
)

// memLedger backs the coordinator and the availability engine in tests. It
// serializes nothing itself; any race that slips past the coordinator shows
// up as a double booking.
type memLedger struct {
	mu        sync.Mutex
	doctors   map[string]model.Doctor
	offices   map[string]model.Office
	schedules []model.Schedule
	appts     map[string]model.Appointment
	events    []outbox.Event
	seq       int

	// overlapGate, when set, blocks ActiveOverlaps until it is closed.
	overlapGate chan struct{}
}

func newMemLedger() *memLedger {
	return &memLedger{
		doctors: make(map[string]model.Doctor),
		offices: make(map[string]model.Office),
		appts:   make(map[string]model.Appointment),
	}
}

func (m *memLedger) Doctor(_ context.Context, id string) (model.Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return model.Doctor{}, fmt.Errorf("%w: doctor %s", model.ErrNotFound, id)
	}
	return d, nil
}

func (m *memLedger) Office(_ context.Context, id string) (model.Office, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offices[id]
	if !ok {
		return model.Office{}, fmt.Errorf("%w: office %s", model.ErrNotFound, id)
	}
	return o, nil
}

func (m *memLedger) Appointment(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, fmt.Errorf("%w: appointment %s", model.ErrNotFound, id)
	}
	return a, nil
}

func (m *memLedger) ActiveOverlaps(_ context.Context, doctorID string, from, to time.Time, excludeID string) ([]model.Appointment, error) {
	if m.overlapGate != nil {
		<-m.overlapGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Appointment
	for _, a := range m.appts {
		if a.DoctorID != doctorID || a.ID == excludeID || a.Status.Terminal() {
			continue
		}
		if a.StartAt.Before(to) && from.Before(a.EndAt) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memLedger) Insert(_ context.Context, appt *model.Appointment, events ...outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if appt.ID == "" {
		m.seq++
		appt.ID = fmt.Sprintf("appt-%d", m.seq)
	}
	m.appts[appt.ID] = *appt
	m.events = append(m.events, events...)
	return nil
}

func (m *memLedger) Update(_ context.Context, appt model.Appointment, events ...outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[appt.ID]; !ok {
		return fmt.Errorf("%w: appointment %s", model.ErrNotFound, appt.ID)
	}
	m.appts[appt.ID] = appt
	m.events = append(m.events, events...)
	return nil
}

func (m *memLedger) Supersede(_ context.Context, orig model.Appointment, repl *model.Appointment, events ...outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[orig.ID]; !ok {
		return fmt.Errorf("%w: appointment %s", model.ErrNotFound, orig.ID)
	}
	if repl.ID == "" {
		m.seq++
		repl.ID = fmt.Sprintf("appt-%d", m.seq)
	}
	m.appts[orig.ID] = orig
	m.appts[repl.ID] = *repl
	m.events = append(m.events, events...)
	return nil
}

func (m *memLedger) OfficeSchedules(_ context.Context, officeID string) ([]model.Schedule, error) {
	var out []model.Schedule
	for _, s := range m.schedules {
		if s.OfficeID == officeID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memLedger) OfficeExceptions(_ context.Context, _, _, _ string) ([]model.Exception, error) {
	return nil, nil
}

func (m *memLedger) BusyIntervals(ctx context.Context, doctorID string, from, to time.Time) ([]availability.Interval, error) {
	appts, err := m.ActiveOverlaps(ctx, doctorID, from, to, "")
	if err != nil {
		return nil, err
	}
	var out []availability.Interval
	for _, a := range appts {
		out = append(out, availability.Interval{Start: a.StartAt, End: a.EndAt})
	}
	return out, nil
}

func (m *memLedger) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}

// testNow is a Monday; the fixture schedule opens Monday 09:00-11:00 with a
// 30 minute consultation and 10 minute buffer, so the grid is 09:00, 09:40,
// 10:20.
var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, lockWait time.Duration) (*Coordinator, *memLedger) {
	t.Helper()
	ledger := newMemLedger()
	ledger.doctors["doc-1"] = model.Doctor{
		ID:                   "doc-1",
		ConsultationDuration: 30,
		BufferMinutes:        10,
		IsActive:             true,
		ConsultationFee:      decimal.New(500, -1),
	}
	ledger.offices["off-1"] = model.Office{
		ID:       "off-1",
		DoctorID: "doc-1",
		Timezone: "UTC",
		IsActive: true,
	}
	ledger.schedules = []model.Schedule{
		{ID: "sch-1", OfficeID: "off-1", Weekday: 1, StartTime: "09:00", EndTime: "11:00", IsActive: true},
	}

	clock := func() time.Time { return testNow }
	engine := availability.NewEngine(ledger, ledger, ledger).WithClock(clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(ledger, engine, logger, lockWait).WithClock(clock), ledger
}

func TestCreateBooksGridSlot(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	appt, err := c.Create(context.Background(), "doc-1", "off-1", "pat-1", start)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", appt.Status)
	}
	if !appt.EndAt.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("EndAt = %v", appt.EndAt)
	}
	if !appt.Fee.Equal(decimal.New(500, -1)) {
		t.Fatalf("Fee = %s", appt.Fee)
	}
	if got := ledger.eventTypes(); len(got) != 1 || got[0] != outbox.EventAppointmentCreated {
		t.Fatalf("events = %v", got)
	}
}

func TestCreateAutoConfirm(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	d := ledger.doctors["doc-1"]
	d.AutoConfirmAppointments = true
	ledger.doctors["doc-1"] = d

	appt, err := c.Create(context.Background(), "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if appt.Status != model.StatusConfirmed || appt.ConfirmedAt == nil {
		t.Fatalf("appt = %+v, want confirmed with ConfirmedAt set", appt)
	}
}

func TestCreateRejectsOffGridStart(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)

	for _, start := range []time.Time{
		time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC),  // between grid points
		time.Date(2026, 3, 2, 10, 40, 0, 0, time.UTC), // would spill past close
		time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),   // Tuesday, no schedule
	} {
		_, err := c.Create(context.Background(), "doc-1", "off-1", "pat-1", start)
		if !errors.Is(err, model.ErrSlotUnavailable) {
			t.Errorf("create at %v: err = %v, want ErrSlotUnavailable", start, err)
		}
	}
}

func TestCreateRejectsPastStart(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	// Previous Monday, on the grid but already gone.
	_, err := c.Create(context.Background(), "doc-1", "off-1", "pat-1",
		time.Date(2026, 2, 23, 9, 0, 0, 0, time.UTC))
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}
	if len(ledger.appts) != 0 {
		t.Fatalf("appointment written on rejected create")
	}
}

func TestCreateRejectsBufferedOverlap(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	if _, err := c.Create(ctx, "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// 09:40 starts inside the first booking's buffer tail only if the buffer
	// were longer; it is the next grid point and must succeed.
	if _, err := c.Create(ctx, "doc-1", "off-1", "pat-2",
		time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC)); err != nil {
		t.Fatalf("adjacent create: %v", err)
	}
	// Same slot again conflicts.
	_, err := c.Create(ctx, "doc-1", "off-1", "pat-3",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}
}

func TestConcurrentCreatesExactlyOneWins(t *testing.T) {
	c, ledger := newTestCoordinator(t, 5*time.Second)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	const n = 12
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Create(context.Background(), "doc-1", "off-1",
				fmt.Sprintf("pat-%d", i), start)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrSlotUnavailable):
		default:
			t.Errorf("goroutine %d: unexpected err %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d creates succeeded, want exactly 1", wins)
	}
	if len(ledger.appts) != 1 {
		t.Fatalf("%d appointments written, want 1", len(ledger.appts))
	}
}

func TestCreateLockWaitTimeout(t *testing.T) {
	c, ledger := newTestCoordinator(t, 30*time.Millisecond)
	ledger.overlapGate = make(chan struct{})
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	holderDone := make(chan error, 1)
	go func() {
		_, err := c.Create(context.Background(), "doc-1", "off-1", "pat-1", start)
		holderDone <- err
	}()
	time.Sleep(10 * time.Millisecond) // let the holder take the lock and park on the gate

	_, err := c.Create(context.Background(), "doc-1", "off-1", "pat-2", start)
	if !errors.Is(err, model.ErrBookingTimeout) {
		t.Fatalf("err = %v, want ErrBookingTimeout", err)
	}

	close(ledger.overlapGate)
	if err := <-holderDone; err != nil {
		t.Fatalf("holder create: %v", err)
	}
}

func TestCancelRecordsReasonAndFreesSlot(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	appt, err := c.Create(ctx, "doc-1", "off-1", "pat-1", start)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := c.Cancel(ctx, appt.ID, model.ReasonPatientRequest, "flu", "user-9")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	if cancelled.CancellationReason != model.ReasonPatientRequest || cancelled.CancelledByUserID != "user-9" {
		t.Fatalf("cancellation fields = %+v", cancelled)
	}

	// The window is free again.
	if _, err := c.Create(ctx, "doc-1", "off-1", "pat-2", start); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
	want := []string{outbox.EventAppointmentCreated, outbox.EventAppointmentCancelled, outbox.EventAppointmentCreated}
	got := ledger.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestCancelTwiceIsAlreadyTerminal(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	appt, err := c.Create(ctx, "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := c.Cancel(ctx, appt.ID, model.ReasonPatientRequest, "", "user-9")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = c.Cancel(ctx, appt.ID, model.ReasonOther, "", "user-9")
	if !errors.Is(err, model.ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
	stored := ledger.appts[appt.ID]
	if !stored.CancelledAt.Equal(*first.CancelledAt) || stored.CancellationReason != model.ReasonPatientRequest {
		t.Fatalf("second cancel mutated the appointment: %+v", stored)
	}
}

func TestCancelRejectsUnknownReason(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	_, err := c.Cancel(context.Background(), "appt-1", "sick_of_waiting", "", "user-9")
	if !errors.Is(err, model.ErrInvalidTimeRange) {
		t.Fatalf("err = %v, want ErrInvalidTimeRange", err)
	}
}

func TestRescheduleSupersedes(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	orig, err := c.Create(ctx, "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	repl, err := c.Reschedule(ctx, orig.ID, time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if repl.ID == orig.ID {
		t.Fatalf("replacement reused original id")
	}
	if repl.PatientID != orig.PatientID || !repl.Fee.Equal(orig.Fee) {
		t.Fatalf("replacement = %+v", repl)
	}
	if got := ledger.appts[orig.ID].Status; got != model.StatusRescheduled {
		t.Fatalf("original status = %s, want rescheduled", got)
	}

	// Original slot is free, replacement slot is taken.
	if _, err := c.Create(ctx, "doc-1", "off-1", "pat-2",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("rebook original slot: %v", err)
	}
	_, err = c.Create(ctx, "doc-1", "off-1", "pat-3",
		time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC))
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}

	want := []string{
		outbox.EventAppointmentCreated,
		outbox.EventAppointmentRescheduled,
		outbox.EventAppointmentCreated,
		outbox.EventAppointmentCreated,
	}
	got := ledger.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRescheduleToSameSlotSucceeds(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	orig, err := c.Create(ctx, "doc-1", "off-1", "pat-1", start)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The original must not block its own replacement.
	if _, err := c.Reschedule(ctx, orig.ID, start); err != nil {
		t.Fatalf("reschedule onto own slot: %v", err)
	}
}

func TestRescheduleFailureLeavesOriginalUntouched(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	orig, err := c.Create(ctx, "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = c.Reschedule(ctx, orig.ID, time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC))
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("err = %v, want ErrSlotUnavailable", err)
	}
	stored := ledger.appts[orig.ID]
	if stored.Status != orig.Status || !stored.StartAt.Equal(orig.StartAt) {
		t.Fatalf("original mutated after failed reschedule: %+v", stored)
	}
	if got := ledger.eventTypes(); len(got) != 1 {
		t.Fatalf("events = %v, want only the create", got)
	}
}

func TestRescheduleTerminalRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	appt, err := c.Create(ctx, "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Cancel(ctx, appt.ID, model.ReasonPatientRequest, "", "user-9"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = c.Reschedule(ctx, appt.ID, time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC))
	if !errors.Is(err, model.ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestLifecycleConfirmCompleteNoShow(t *testing.T) {
	c, ledger := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	appt, err := c.Create(ctx, "doc-1", "off-1", "pat-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	confirmed, err := c.Confirm(ctx, appt.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != model.StatusConfirmed {
		t.Fatalf("status = %s", confirmed.Status)
	}

	completed, err := c.Complete(ctx, appt.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != model.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed = %+v", completed)
	}

	// no_show from a terminal state is rejected.
	if _, err := c.MarkNoShow(ctx, appt.ID); !errors.Is(err, model.ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}

	second, err := c.Create(ctx, "doc-1", "off-1", "pat-2",
		time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := c.Confirm(ctx, second.ID); err != nil {
		t.Fatalf("confirm second: %v", err)
	}
	noShow, err := c.MarkNoShow(ctx, second.ID)
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if noShow.Status != model.StatusNoShow {
		t.Fatalf("status = %s", noShow.Status)
	}

	// created x2, confirmed x2, completed x1; no event for no_show.
	counts := map[string]int{}
	for _, et := range ledger.eventTypes() {
		counts[et]++
	}
	if counts[outbox.EventAppointmentCreated] != 2 ||
		counts[outbox.EventAppointmentConfirmed] != 2 ||
		counts[outbox.EventAppointmentCompleted] != 1 ||
		len(ledger.events) != 5 {
		t.Fatalf("event counts = %v", counts)
	}
}

func TestOperationsOnMissingAppointment(t *testing.T) {
	c, _ := newTestCoordinator(t, time.Second)
	ctx := context.Background()

	if _, err := c.Confirm(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("confirm: err = %v, want ErrNotFound", err)
	}
	if _, err := c.Reschedule(ctx, "nope", testNow); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("reschedule: err = %v, want ErrNotFound", err)
	}
}
