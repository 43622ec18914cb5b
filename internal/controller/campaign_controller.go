// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *zap.Logger
}

// Routes mounts the control API on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaign)
			r.Patch("/", c.UpdateCampaign)
			r.Delete("/", c.DeleteCampaign)
			r.Post("/run", c.RunCampaign)
			r.Post("/pause", c.PauseCampaign)
			r.Post("/resume", c.ResumeCampaign)
			r.Post("/cancel", c.CancelCampaign)
			r.Post("/schedule", c.ScheduleCampaign)
			r.Post("/preview", c.PersonalizedPreview)
		})
	})
	r.Get("/dispatch/limits", c.GetLimits)
	r.Put("/dispatch/limits", c.UpdateLimits)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body model.CampaignSpec
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.Create(r.Context(), body)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.List(r.Context(), page, pageSize, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var body model.CampaignPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.Update(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) RunCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := c.CampaignService.Run(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeCampaign(w, r, id, http.StatusAccepted)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := c.CampaignService.Resume(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeCampaign(w, r, id, http.StatusAccepted)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.Pause(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeCampaign(w, r, id, http.StatusOK)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.Cancel(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeCampaign(w, r, id, http.StatusOK)
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		ScheduledFor time.Time `json:"scheduled_for"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := c.CampaignService.Schedule(r.Context(), id, body.ScheduledFor); err != nil {
		c.writeError(w, err)
		return
	}
	c.writeCampaign(w, r, id, http.StatusOK)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := c.CampaignService.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var body struct {
		ContactID        string  `json:"contact_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rendered, err := c.CampaignService.Preview(r.Context(), campaignID, body.ContactID, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"contact_id":       body.ContactID,
	})
}

func (c *CampaignController) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.CampaignService.Limits())
}

func (c *CampaignController) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var body ratelimit.Limits
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.SetLimits(body); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.CampaignService.Limits())
}

func (c *CampaignController) writeCampaign(w http.ResponseWriter, r *http.Request, id string, status int) {
	campaign, err := c.CampaignService.GetStatus(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, status, campaign)
}

// writeError maps engine errors onto HTTP status codes.
func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case appErrors.IsDeleted(err):
		status = http.StatusGone
	case appErrors.IsInvalidTransition(err), appErrors.IsAlreadyRunning(err):
		status = http.StatusConflict
	case errors.Is(err, appErrors.ErrValidation), appErrors.IsRenderError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError && c.Logger != nil {
		c.Logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
