package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/TDXCORE/EmailApp/internal/inbox"
	"github.com/TDXCORE/EmailApp/internal/media"
	"github.com/TDXCORE/EmailApp/internal/outbox"
	"github.com/TDXCORE/EmailApp/internal/whatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxUploadSize   = 16 << 20
)

type sendRequest struct {
	Type     string `json:"type" validate:"required,oneof=text image audio video document"`
	Text     string `json:"text" validate:"required_if=Type text,max=4096"`
	Link     string `json:"link" validate:"omitempty,url"`
	Caption  string `json:"caption" validate:"max=1024"`
	Filename string `json:"filename" validate:"max=255"`
}

func (h *handler) requireInbox(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Inbox == nil {
			fail(w, r, http.StatusServiceUnavailable, "whatsapp inbox is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session returns the caller's inbox session, starting it on first use.
func (h *handler) session(w http.ResponseWriter, r *http.Request) *inbox.Session {
	s, err := h.Inbox.Session(UserID(r.Context()))
	if err != nil {
		failErr(w, r, h.log, fmt.Errorf("start inbox session: %w", err))
		return nil
	}
	return s
}

func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	if s := h.session(w, r); s != nil {
		ok(w, r, s.Snapshot())
	}
}

func (h *handler) openConversation(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if s == nil {
		return
	}
	msgs, err := s.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	ok(w, r, map[string]any{"contact_id": chi.URLParam(r, "id"), "messages": msgs})
}

func (h *handler) closeConversation(w http.ResponseWriter, r *http.Request) {
	if s := h.session(w, r); s != nil {
		s.Close()
		w.WriteHeader(http.StatusNoContent)
	}
}

// listMessages pages backwards through a conversation. before is a unix
// millisecond bound; the response is oldest first.
func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			fail(w, r, http.StatusBadRequest, "before must be a unix millisecond timestamp")
			return
		}
		before = n
	}

	rows, err := h.DB.ListConversationMessages(chi.URLParam(r, "id"), before, limit)
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	msgs := make([]inbox.Message, 0, len(rows))
	for _, row := range rows {
		m, err := inbox.ParseRow(row, h.Own)
		if err != nil {
			h.log.Warn("skip unparseable message", zap.String("message_id", row.MessageID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	ok(w, r, msgs)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	if h.Outbox == nil {
		fail(w, r, http.StatusServiceUnavailable, "whatsapp sending is disabled")
		return
	}
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type != "text" && req.Link == "" {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, Response{Status: "error", Error: "validation failed", Fields: map[string]string{"link": "is required"}})
		return
	}
	to := chi.URLParam(r, "id")
	var msg whatsapp.OutgoingMessage
	if req.Type == "text" {
		msg = whatsapp.NewText(to, req.Text)
	} else {
		msg = whatsapp.NewMedia(to, req.Type, whatsapp.Media{Link: req.Link, Caption: req.Caption, Filename: req.Filename})
	}
	clientID, err := h.Outbox.Queue(msg)
	if errors.Is(err, outbox.ErrEmptyRecipient) {
		fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		failErr(w, r, h.log, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, Response{Status: "ok", Data: map[string]string{"client_msg_id": clientID}})
}

type uploadResult struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// uploadMedia stores an outbound attachment and returns its public URL,
// which the client then sends as the link of a media message.
func (h *handler) uploadMedia(w http.ResponseWriter, r *http.Request) {
	if h.Media == nil {
		fail(w, r, http.StatusServiceUnavailable, "media storage is disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		fail(w, r, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()

	ct := header.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		sniff := make([]byte, 512)
		n, _ := io.ReadFull(file, sniff)
		ct = http.DetectContentType(sniff[:n])
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			failErr(w, r, h.log, err)
			return
		}
	}
	now := time.Now().UTC()
	p := fmt.Sprintf("outbound/%04d/%02d/%s%s", now.Year(), now.Month(), uuid.NewString(), media.Extension(ct))
	url, err := h.Media.Upload(r.Context(), p, file, ct)
	if err != nil {
		failErr(w, r, h.log, fmt.Errorf("upload %s: %w", p, err))
		return
	}
	created(w, r, uploadResult{URL: url, ContentType: ct, Size: header.Size})
}

// serveMedia streams a stored file. Paths are public so the WhatsApp
// Cloud API can fetch outbound attachments by link.
func (h *handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	if h.Media == nil {
		http.NotFound(w, r)
		return
	}
	obj, err := h.Media.Open(r.Context(), chi.URLParam(r, "*"))
	switch {
	case errors.Is(err, media.ErrNotFound), errors.Is(err, media.ErrBadPath):
		http.NotFound(w, r)
		return
	case err != nil:
		h.log.Error("open media", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = obj.Close() }()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, obj); err != nil {
		h.log.Debug("media copy interrupted", zap.Error(err))
	}
}
