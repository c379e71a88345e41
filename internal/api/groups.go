package api

import (
	"net/http"
	"strings"

	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/go-chi/chi/v5"
)

type groupRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=500"`
}

func (h *handler) ownGroup(w http.ResponseWriter, r *http.Request, id string) *store.Group {
	g, err := h.DB.GetGroup(id)
	if err != nil {
		failErr(w, r, h.log, err)
		return nil
	}
	if g == nil || g.UserID != UserID(r.Context()) {
		fail(w, r, http.StatusNotFound, "group not found")
		return nil
	}
	return g
}

func (h *handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.DB.ListGroups(UserID(r.Context()))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if groups == nil {
		groups = []store.Group{}
	}
	ok(w, r, groups)
}

func (h *handler) getGroup(w http.ResponseWriter, r *http.Request) {
	if g := h.ownGroup(w, r, chi.URLParam(r, "id")); g != nil {
		ok(w, r, g)
	}
}

func (h *handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decode(w, r, &req) {
		return
	}
	g := &store.Group{
		UserID:      UserID(r.Context()),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	}
	if err := h.DB.CreateGroup(g); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	created(w, r, g)
}

func (h *handler) updateGroup(w http.ResponseWriter, r *http.Request) {
	g := h.ownGroup(w, r, chi.URLParam(r, "id"))
	if g == nil {
		return
	}
	var req groupRequest
	if !decode(w, r, &req) {
		return
	}
	g.Name, g.Description = strings.TrimSpace(req.Name), req.Description
	if err := h.DB.UpdateGroup(g); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	ok(w, r, g)
}

func (h *handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.DeleteGroup(UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) groupContacts(w http.ResponseWriter, r *http.Request) {
	g := h.ownGroup(w, r, chi.URLParam(r, "id"))
	if g == nil {
		return
	}
	members, err := h.DB.GroupMembers(g.ID)
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if members == nil {
		members = []store.Contact{}
	}
	ok(w, r, members)
}
