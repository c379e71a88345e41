package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultReportLimit = 100
	maxReportLimit     = 1000
)

type configRequest struct {
	Key         string `json:"key" validate:"required,max=100"`
	Value       string `json:"value" validate:"required"`
	Description string `json:"description" validate:"max=200"`
}

func (h *handler) listConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := h.DB.ListConfig(UserID(r.Context()))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if entries == nil {
		entries = []store.ConfigEntry{}
	}
	ok(w, r, entries)
}

func (h *handler) createConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decode(w, r, &req) {
		return
	}
	e := &store.ConfigEntry{
		UserID:      UserID(r.Context()),
		Key:         strings.TrimSpace(req.Key),
		Value:       req.Value,
		Description: req.Description,
	}
	if err := h.DB.CreateConfig(e); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	created(w, r, e)
}

func (h *handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	e, err := h.DB.GetConfig(chi.URLParam(r, "id"))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if e == nil || e.UserID != UserID(r.Context()) {
		fail(w, r, http.StatusNotFound, "config entry not found")
		return
	}
	var req configRequest
	if !decode(w, r, &req) {
		return
	}
	e.Key, e.Value, e.Description = strings.TrimSpace(req.Key), req.Value, req.Description
	if err := h.DB.UpdateConfig(e); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	ok(w, r, e)
}

func (h *handler) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.DeleteConfig(UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Dispatcher.Dashboard(UserID(r.Context()))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	ok(w, r, d)
}

func (h *handler) unsubscribeReport(w http.ResponseWriter, r *http.Request) {
	limit := defaultReportLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReportLimit)
	}
	logs, err := h.DB.ListUnsubscribeLogs(UserID(r.Context()), limit)
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if logs == nil {
		logs = []store.UnsubscribeLog{}
	}
	ok(w, r, logs)
}
