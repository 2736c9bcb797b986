package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/turnomed/turnomed/libs/metrics"
	"github.com/turnomed/turnomed/services/scheduling-service/internal/availability"
)

type SlotsHandler struct {
	engine  *availability.Engine
	logger  *slog.Logger
	metrics *metrics.BookingMetrics
}

func NewSlotsHandler(engine *availability.Engine, logger *slog.Logger, m *metrics.BookingMetrics) *SlotsHandler {
	return &SlotsHandler{engine: engine, logger: logger, metrics: m}
}

type slotItem struct {
	StartAt string `json:"start_at"`
	EndAt   string `json:"end_at"`
}

// Get serves GET /v1/slots?doctor_id=&office_id=&from=&to=. Omitting to
// queries a single day.
func (h *SlotsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	officeID := strings.TrimSpace(r.URL.Query().Get("office_id"))
	fromDate := strings.TrimSpace(r.URL.Query().Get("from"))
	toDate := strings.TrimSpace(r.URL.Query().Get("to"))
	if doctorID == "" || officeID == "" || fromDate == "" {
		http.Error(w, "doctor_id, office_id and from are required", http.StatusBadRequest)
		return
	}
	if toDate == "" {
		toDate = fromDate
	}

	started := time.Now()
	seq, err := h.engine.ComputeSlots(r.Context(), doctorID, officeID, fromDate, toDate)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.Error("compute slots failed", "err", err, "doctor_id", doctorID, "office_id", officeID)
		http.Error(w, "failed to compute slots", http.StatusInternalServerError)
		return
	}

	items := []slotItem{}
	for slot := range seq {
		items = append(items, slotItem{
			StartAt: slot.Start.Format(time.RFC3339),
			EndAt:   slot.End.Format(time.RFC3339),
		})
	}
	h.metrics.ObserveSlotQuery(time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, items)
}
