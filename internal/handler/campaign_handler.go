// internal/handler/campaign_handler.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

// DispatcherControl is what the handlers need from the dispatch loop.
type DispatcherControl interface {
	Status() service.DispatcherStatus
	Tick(ctx context.Context) (service.TickReport, error)
}

// CampaignHandler holds the dependencies for campaign read views and the
// dispatcher endpoints.
type CampaignHandler struct {
	Service    *service.CampaignService
	Dispatcher DispatcherControl
}

// NewCampaignHandler creates a new CampaignHandler
func NewCampaignHandler(svc *service.CampaignService, dispatcher DispatcherControl) *CampaignHandler {
	return &CampaignHandler{Service: svc, Dispatcher: dispatcher}
}

// Routes registers the handlers on r.
func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/campaigns/{id}", h.GetCampaignHandlerWithStats)
	r.Get("/campaigns/{id}/leads", h.ListCampaignLeadsHandler)
	r.Patch("/campaigns/{id}/leads/{leadID}", h.UpdateFollowUpHandler)
	r.Get("/campaigns/{id}/export", h.ExportCampaignHandler)
	r.Get("/dispatcher/status", h.DispatcherStatusHandler)
	r.Post("/dispatcher/tick", h.TriggerTickHandler)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithField("path", r.URL.Path).WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", appErrors.ErrInvalidArgument, name)
	}
	return v, nil
}

// GetCampaignHandlerWithStats returns a campaign with its assignment counts.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	details, err := h.Service.GetCampaignDetails(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// ListCampaignLeadsHandler returns a page of a campaign's assignments.
// status may be repeated; no status means all.
func (h *CampaignHandler) ListCampaignLeadsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	var statuses []model.AssignmentStatus
	for _, s := range q["status"] {
		statuses = append(statuses, model.AssignmentStatus(s))
	}

	leads, pagination, err := h.Service.ListCampaignLeads(r.Context(), id, statuses, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       leads,
		"pagination": pagination,
	})
}

// UpdateFollowUpHandler stores a follow-up call date and remarks.
func (h *CampaignHandler) UpdateFollowUpHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	leadID, err := pathInt(r, "leadID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var payload struct {
		FollowUpCallDate *time.Time `json:"follow_up_call_date"`
		Remarks          string     `json:"remarks"`
		UpdatedBy        string     `json:"updated_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := h.Service.UpdateFollowUp(r.Context(), id, leadID, payload.FollowUpCallDate, payload.Remarks, payload.UpdatedBy); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportCampaignHandler streams the dispatched assignments as CSV.
func (h *CampaignHandler) ExportCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if _, err := h.Service.ExportCampaign(r.Context(), id, &buf); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="campaign_%d.csv"`, id))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

func (h *CampaignHandler) DispatcherStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Dispatcher.Status())
}

// TriggerTickHandler runs one tick now. 409 when a tick is already running.
func (h *CampaignHandler) TriggerTickHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.Dispatcher.Tick(r.Context())
	if err != nil && report.TickID == "" {
		writeError(w, r, err)
		return
	}
	if err != nil {
		// the tick ran but stopped early; the report carries the error
		writeJSON(w, http.StatusInternalServerError, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
