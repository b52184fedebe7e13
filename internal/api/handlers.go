package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"smart-health-backend/internal/models"
	"smart-health-backend/internal/services"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 1000

	dateLayout    = "2006-01-02"
	clockLayout   = "15:04"
	maxDailyTimes = 6
	maxPlanDays   = 366
)

// Runner is the part of the ingestion service the API reads from
type Runner interface {
	GetLatestRecord() (models.Record, bool)
	RecentRecords(n int) ([]models.Record, error)
	PublishSchedule(schedules []string) error
	Status() services.Status
}

// Handler serves the latest state, the record log and medication schedules
type Handler struct {
	runner Runner

	mu        sync.Mutex
	schedules []models.MedicationSchedule
}

// NewHandler serves runner's state; the schedule list starts empty
func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

type errorResponse struct {
	Error string `json:"error"`
}

// scheduleRequest carries either explicit datetimes or a daily plan that is
// expanded to one entry per day and time, start and end dates inclusive.
type scheduleRequest struct {
	Medicine  string   `json:"medicine"`
	Schedules []string `json:"schedules"`

	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Times     []string `json:"times"`
}

func (r scheduleRequest) hasPlan() bool {
	return r.StartDate != "" || r.EndDate != "" || len(r.Times) > 0
}

type scheduleResponse struct {
	Published int                         `json:"published"`
	Schedules []models.MedicationSchedule `json:"schedules"`
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) getLatest(w http.ResponseWriter, _ *http.Request) {
	record, ok := h.runner.GetLatestRecord()
	if !ok {
		writeError(w, http.StatusNotFound, "no records yet")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// listRecords returns the tail of the durable log, oldest first
func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecordLimit)
	}

	records, err := h.runner.RecentRecords(limit)
	if err != nil {
		log.Printf("API: Error reading record log: %v", err)
		writeError(w, http.StatusInternalServerError, "record log unavailable")
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Status())
}

// postSchedules validates and forwards a medication plan to the devices.
// Entries are only kept once the publish succeeded.
func (h *Handler) postSchedules(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.hasPlan() {
		if len(req.Schedules) > 0 {
			writeError(w, http.StatusBadRequest, "send either schedules or start_date/end_date/times")
			return
		}
		schedules, err := expandPlan(req.StartDate, req.EndDate, req.Times)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Schedules = schedules
	}
	if err := validateSchedule(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.runner.PublishSchedule(req.Schedules); err != nil {
		log.Printf("API: Error publishing schedules: %v", err)
		writeError(w, http.StatusServiceUnavailable, "schedule could not be sent to devices")
		return
	}

	entries := make([]models.MedicationSchedule, 0, len(req.Schedules))
	for _, s := range req.Schedules {
		entries = append(entries, models.MedicationSchedule{Datetime: s, Medicine: req.Medicine})
	}
	h.mu.Lock()
	h.schedules = append(h.schedules, entries...)
	h.mu.Unlock()

	writeJSON(w, http.StatusAccepted, scheduleResponse{Published: len(entries), Schedules: entries})
}

func (h *Handler) listSchedules(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	schedules := append([]models.MedicationSchedule{}, h.schedules...)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, schedules)
}

func (h *Handler) clearSchedules(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	h.schedules = nil
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func validateSchedule(req scheduleRequest) error {
	if strings.TrimSpace(req.Medicine) == "" {
		return errors.New("medicine is required")
	}
	if len(req.Schedules) == 0 {
		return errors.New("schedules must not be empty")
	}
	for _, s := range req.Schedules {
		if _, err := time.Parse(models.TimestampLayout, s); err != nil {
			return fmt.Errorf("schedule %q is not in YYYY-MM-DD HH:MM format", s)
		}
	}
	return nil
}

func expandPlan(startDate, endDate string, times []string) ([]string, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return nil, fmt.Errorf("start_date %q is not in YYYY-MM-DD format", startDate)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return nil, fmt.Errorf("end_date %q is not in YYYY-MM-DD format", endDate)
	}
	if end.Before(start) {
		return nil, errors.New("end_date is before start_date")
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > maxPlanDays {
		return nil, fmt.Errorf("plan spans %d days, at most %d allowed", days, maxPlanDays)
	}
	if len(times) == 0 || len(times) > maxDailyTimes {
		return nil, fmt.Errorf("times must hold 1 to %d entries", maxDailyTimes)
	}
	clocks := make([]string, len(times))
	for i, t := range times {
		parsed, err := time.Parse(clockLayout, strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("time %q is not in HH:MM format", t)
		}
		clocks[i] = parsed.Format(clockLayout)
	}

	var schedules []string
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		for _, clock := range clocks {
			schedules = append(schedules, day.Format(dateLayout)+" "+clock)
		}
	}
	return schedules, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
