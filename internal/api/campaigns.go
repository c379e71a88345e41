package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/TDXCORE/EmailApp/internal/campaign"
	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type campaignRequest struct {
	Name        string   `json:"name" validate:"required,min=1,max=100"`
	Subject     string   `json:"subject" validate:"required,min=1,max=200"`
	Content     string   `json:"content" validate:"required"`
	Status      string   `json:"status" validate:"omitempty,oneof=draft scheduled paused"`
	ScheduledAt int64    `json:"scheduled_at" validate:"min=0"`
	GroupIDs    []string `json:"group_ids" validate:"required,min=1,dive,required"`
}

type eventRequest struct {
	ContactID string `json:"contact_id" validate:"required"`
	Event     string `json:"event" validate:"required,oneof=opened clicked bounced"`
}

func (h *handler) ownCampaign(w http.ResponseWriter, r *http.Request, id string) *store.Campaign {
	c, err := h.DB.GetCampaign(id)
	if err != nil {
		failErr(w, r, h.log, err)
		return nil
	}
	if c == nil || c.UserID != UserID(r.Context()) {
		fail(w, r, http.StatusNotFound, "campaign not found")
		return nil
	}
	return c
}

func (h *handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.DB.ListCampaigns(UserID(r.Context()))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if campaigns == nil {
		campaigns = []store.Campaign{}
	}
	ok(w, r, campaigns)
}

func (h *handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	if c := h.ownCampaign(w, r, chi.URLParam(r, "id")); c != nil {
		ok(w, r, c)
	}
}

// decodeCampaign validates the request body and the template content.
func (h *handler) decodeCampaign(w http.ResponseWriter, r *http.Request) (*campaignRequest, bool) {
	var req campaignRequest
	if !decode(w, r, &req) {
		return nil, false
	}
	if err := campaign.ValidateContent(req.Content); err != nil {
		failErr(w, r, h.log, err)
		return nil, false
	}
	if !h.checkGroups(w, r, req.GroupIDs) {
		return nil, false
	}
	return &req, true
}

func (h *handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	req, valid := h.decodeCampaign(w, r)
	if !valid {
		return
	}
	c := &store.Campaign{
		UserID:      UserID(r.Context()),
		Name:        strings.TrimSpace(req.Name),
		Subject:     strings.TrimSpace(req.Subject),
		Content:     req.Content,
		Status:      req.Status,
		ScheduledAt: req.ScheduledAt,
	}
	if err := h.DB.CreateCampaign(c, req.GroupIDs); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	h.reloadCampaign(w, r, c.ID, true)
}

func (h *handler) updateCampaign(w http.ResponseWriter, r *http.Request) {
	c := h.ownCampaign(w, r, chi.URLParam(r, "id"))
	if c == nil {
		return
	}
	if c.Status == store.CampaignSent {
		fail(w, r, http.StatusConflict, "campaign already sent")
		return
	}
	req, valid := h.decodeCampaign(w, r)
	if !valid {
		return
	}
	c.Name = strings.TrimSpace(req.Name)
	c.Subject = strings.TrimSpace(req.Subject)
	c.Content = req.Content
	c.ScheduledAt = req.ScheduledAt
	if req.Status != "" {
		c.Status = req.Status
	}
	if err := h.DB.UpdateCampaign(c, req.GroupIDs); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	h.reloadCampaign(w, r, c.ID, false)
}

func (h *handler) reloadCampaign(w http.ResponseWriter, r *http.Request, id string, isNew bool) {
	c, err := h.DB.GetCampaign(id)
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if isNew {
		created(w, r, c)
		return
	}
	ok(w, r, c)
}

func (h *handler) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.DeleteCampaign(UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sendCampaign(w http.ResponseWriter, r *http.Request) {
	// A client disconnect must not abort a half-sent campaign.
	ctx := context.WithoutCancel(r.Context())
	res, err := h.Dispatcher.Send(ctx, UserID(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, campaign.ErrNothingSent) {
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, Response{Status: "error", Error: err.Error(), Data: res})
		return
	}
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	ok(w, r, res)
}

func (h *handler) campaignMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Dispatcher.Metrics(UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	ok(w, r, m)
}

func (h *handler) campaignEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Dispatcher.RecordEvent(UserID(r.Context()), chi.URLParam(r, "id"), req.ContactID, req.Event); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
