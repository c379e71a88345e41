package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/whatsapp"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

const (
	maxWebhookBody  = 1 << 20
	signatureHeader = "X-Hub-Signature-256"
)

func (h *handler) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := whatsapp.VerifySubscription(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.Webhook.VerifyToken)
	switch {
	case errors.Is(err, whatsapp.ErrMissingParams):
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	case err != nil:
		h.log.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.log.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

// receiveWebhook acknowledges every delivery the provider sends so it does
// not retry. Parsed payloads are handed to the sync engine over the bus.
func (h *handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.log.Warn("read webhook body", zap.Error(err))
		h.ackWebhook(w, r)
		return
	}
	if h.Webhook.AppSecret != "" && !whatsapp.VerifySignature(body, r.Header.Get(signatureHeader), h.Webhook.AppSecret) {
		h.log.Warn("webhook signature mismatch", zap.String("remote_addr", r.RemoteAddr))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"status": "error", "error": "invalid signature"})
		return
	}
	payload, err := whatsapp.ParseWebhook(body)
	if err != nil {
		h.log.Warn("ignoring webhook delivery", zap.Error(err))
		h.ackWebhook(w, r)
		return
	}
	h.Bus.Publish(bus.Event{Kind: whatsapp.KindWebhook, Timestamp: time.Now(), Payload: payload})
	h.ackWebhook(w, r)
}

func (h *handler) ackWebhook(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}
