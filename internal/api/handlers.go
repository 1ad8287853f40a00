package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LeventeLantos/sequenced-messaging/internal/errs"
	"github.com/LeventeLantos/sequenced-messaging/internal/model"
	"github.com/LeventeLantos/sequenced-messaging/internal/scheduler"
	"github.com/LeventeLantos/sequenced-messaging/internal/service"
)

const maxBodyBytes = 1 << 20

type Enroller interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*service.EnrollResult, error)
	ListActiveSequences(ctx context.Context) ([]model.SequenceSummary, error)
}

type Dispatcher interface {
	DispatchDueMessages(ctx context.Context, now time.Time) (*model.DispatchReport, error)
}

type ProgressRecorder interface {
	Delivered(ctx context.Context, o service.DeliveryOutcome) (model.EnrollmentStatus, error)
	Failed(ctx context.Context, enrollmentID, reason string) error
}

type Handler struct {
	sched      *scheduler.Scheduler
	enroller   Enroller
	dispatcher Dispatcher
	progress   ProgressRecorder
	now        func() time.Time
}

func NewHandler(s *scheduler.Scheduler, e Enroller, d Dispatcher, p ProgressRecorder) *Handler {
	return &Handler{
		sched:      s,
		enroller:   e,
		dispatcher: d,
		progress:   p,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req service.EnrollRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.enroller.Enroll(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Enrolled {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) ListSequences(w http.ResponseWriter, r *http.Request) {
	list, err := h.enroller.ListActiveSequences(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type deliveredRequest struct {
	NextStepID    string           `json:"nextStepId"`
	NextStepDelay *model.StepDelay `json:"nextStepDelay"`
}

func (h *Handler) Delivered(w http.ResponseWriter, r *http.Request) {
	var req deliveredRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	status, err := h.progress.Delivered(r.Context(), service.DeliveryOutcome{
		EnrollmentID:  id,
		NextStepID:    req.NextStepID,
		NextStepDelay: req.NextStepDelay,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollmentId": id, "status": status})
}

type failedRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Failed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.progress.Failed(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollmentId": id, "status": model.Failed})
}

// DispatchRun runs the dispatcher through the scheduler so a manual run
// waits for an in-flight scheduled tick.
func (h *Handler) DispatchRun(w http.ResponseWriter, r *http.Request) {
	var report *model.DispatchReport
	err := h.sched.Run(r.Context(), func(ctx context.Context) error {
		var err error
		report, err = h.dispatcher.DispatchDueMessages(ctx, h.now())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type schedulerStatus struct {
	Running         bool       `json:"running"`
	IntervalSeconds float64    `json:"intervalSeconds"`
	Runs            int64      `json:"runs"`
	Failures        int64      `json:"failures"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

func (h *Handler) schedulerStatus() schedulerStatus {
	st := h.sched.Status()
	return schedulerStatus{
		Running:         st.Running,
		IntervalSeconds: st.Interval.Seconds(),
		Runs:            st.Runs,
		Failures:        st.Failures,
		LastRun:         st.LastRun,
		LastError:       st.LastError,
	}
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerStatus())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.schedulerStatus())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.schedulerStatus())
}

// decodeBody treats an empty body as a zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.Wrap(errs.KindInvalidInput, err, "invalid request body")
	}
	return nil
}

type errorBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	ValidSegments any    `json:"validSegments,omitempty"`
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindSequenceInactive:
		return http.StatusConflict
	case errs.KindConfiguration:
		return http.StatusUnprocessableEntity
	case errs.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	body := errorBody{Error: err.Error(), Kind: string(kind)}
	if kind == "" {
		body.Kind = "internal"
	}
	var e *errs.Error
	if errors.As(err, &e) {
		if v, ok := e.Details["validSegments"]; ok {
			body.ValidSegments = v
		}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	if kind == errs.KindTimeout {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
