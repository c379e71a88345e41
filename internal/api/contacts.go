package api

import (
	"net/http"
	"strings"

	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type contactRequest struct {
	Email     string   `json:"email" validate:"required,email,max=254"`
	FirstName string   `json:"first_name" validate:"required,min=1,max=50"`
	LastName  string   `json:"last_name" validate:"required,min=1,max=50"`
	Phone     string   `json:"phone" validate:"omitempty,max=30"`
	Status    string   `json:"status" validate:"omitempty,oneof=active unsubscribed bounced"`
	GroupIDs  []string `json:"group_ids" validate:"omitempty,dive,required"`
}

// ownContact loads a contact and checks it belongs to the caller. It
// writes a 404 and returns nil otherwise.
func (h *handler) ownContact(w http.ResponseWriter, r *http.Request, id string) *store.Contact {
	c, err := h.DB.GetContact(id)
	if err != nil {
		failErr(w, r, h.log, err)
		return nil
	}
	if c == nil || c.UserID != UserID(r.Context()) {
		fail(w, r, http.StatusNotFound, "contact not found")
		return nil
	}
	return c
}

// checkGroups verifies every id names a group of the caller.
func (h *handler) checkGroups(w http.ResponseWriter, r *http.Request, ids []string) bool {
	userID := UserID(r.Context())
	for _, id := range ids {
		g, err := h.DB.GetGroup(id)
		if err != nil {
			failErr(w, r, h.log, err)
			return false
		}
		if g == nil || g.UserID != userID {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, Response{Status: "error", Error: "validation failed", Fields: map[string]string{"group_ids": "unknown group " + id}})
			return false
		}
	}
	return true
}

func (h *handler) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.DB.ListContacts(UserID(r.Context()))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	if contacts == nil {
		contacts = []store.Contact{}
	}
	ok(w, r, contacts)
}

func (h *handler) getContact(w http.ResponseWriter, r *http.Request) {
	if c := h.ownContact(w, r, chi.URLParam(r, "id")); c != nil {
		ok(w, r, c)
	}
}

func (h *handler) createContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !decode(w, r, &req) || !h.checkGroups(w, r, req.GroupIDs) {
		return
	}
	c := &store.Contact{
		UserID:    UserID(r.Context()),
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     req.Phone,
		Status:    req.Status,
	}
	if err := h.DB.CreateContact(c, req.GroupIDs); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	h.reloadContact(w, r, c.ID, true)
}

func (h *handler) updateContact(w http.ResponseWriter, r *http.Request) {
	c := h.ownContact(w, r, chi.URLParam(r, "id"))
	if c == nil {
		return
	}
	var req contactRequest
	if !decode(w, r, &req) || !h.checkGroups(w, r, req.GroupIDs) {
		return
	}
	c.Email = strings.ToLower(strings.TrimSpace(req.Email))
	c.FirstName = strings.TrimSpace(req.FirstName)
	c.LastName = strings.TrimSpace(req.LastName)
	c.Phone = req.Phone
	if req.Status != "" {
		c.Status = req.Status
	}
	if err := h.DB.UpdateContact(c, req.GroupIDs); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	h.reloadContact(w, r, c.ID, false)
}

func (h *handler) reloadContact(w http.ResponseWriter, r *http.Request, id string, isNew bool) {
	c, err := h.DB.GetContact(id)
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

func (h *handler) deleteContact(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.DeleteContact(UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) addContactToGroup(w http.ResponseWriter, r *http.Request) {
	c := h.ownContact(w, r, chi.URLParam(r, "id"))
	if c == nil {
		return
	}
	gid := chi.URLParam(r, "groupID")
	if g := h.ownGroup(w, r, gid); g == nil {
		return
	}
	if err := h.DB.AddContactToGroup(c.ID, gid); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	h.reloadContact(w, r, c.ID, false)
}

func (h *handler) removeContactFromGroup(w http.ResponseWriter, r *http.Request) {
	c := h.ownContact(w, r, chi.URLParam(r, "id"))
	if c == nil {
		return
	}
	if err := h.DB.RemoveContactFromGroup(c.ID, chi.URLParam(r, "groupID")); err != nil {
		failErr(w, r, h.log, err)
		return
	}
	h.reloadContact(w, r, c.ID, false)
}
