package api

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/TDXCORE/EmailApp/internal/unsubscribe"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:Arial,sans-serif;background:#f4f4f4;margin:0;padding:40px 16px;color:#333}
.card{max-width:480px;margin:0 auto;background:#fff;border-radius:8px;padding:32px;text-align:center;box-shadow:0 2px 8px rgba(0,0,0,.08)}
h1{font-size:22px;margin:0 0 16px}
p{line-height:1.5;margin:8px 0}
.muted{color:#777;font-size:13px}
</style>
</head>
<body>
<div class="card">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Email}}<p><strong>{{.Email}}</strong></p>{{end}}
{{if .CampaignName}}<p class="muted">Campaña: {{.CampaignName}}</p>{{end}}
</div>
</body>
</html>
`))

type unsubscribeView struct {
	Title        string
	Message      string
	Email        string
	CampaignName string
}

// unsubscribeReply is the flat JSON body of the unsubscribe link.
type unsubscribeReply struct {
	Success      bool   `json:"success"`
	Status       string `json:"status,omitempty"`
	Email        string `json:"email,omitempty"`
	CampaignName string `json:"campaignName,omitempty"`
	Error        string `json:"error,omitempty"`
}

// unsubscribe handles the link embedded in every campaign email. It
// answers HTML by default and JSON when format=json.
func (h *handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asJSON := q.Get("format") == "json"

	out, err := h.Unsubscribe.Process(q.Get("contact"), q.Get("campaign"))
	if err != nil {
		code, msg, view := http.StatusInternalServerError, "internal error", unsubscribeView{
			Title:   "Error",
			Message: "No pudimos procesar tu solicitud. Inténtalo de nuevo más tarde.",
		}
		switch {
		case errors.Is(err, unsubscribe.ErrMissingParams):
			code, msg, view = http.StatusBadRequest, err.Error(), unsubscribeView{Title: "Enlace inválido", Message: "El enlace de desuscripción está incompleto."}
		case errors.Is(err, unsubscribe.ErrContactNotFound), errors.Is(err, unsubscribe.ErrCampaignNotFound):
			code, msg, view = http.StatusNotFound, err.Error(), unsubscribeView{Title: "Enlace inválido", Message: "No encontramos la suscripción asociada a este enlace."}
		default:
			h.log.Error("unsubscribe failed", zap.Error(err))
		}
		if asJSON {
			render.Status(r, code)
			render.JSON(w, r, unsubscribeReply{Error: msg})
			return
		}
		h.renderPage(w, code, view)
		return
	}

	if asJSON {
		render.JSON(w, r, unsubscribeReply{
			Success:      true,
			Status:       out.Status,
			Email:        out.Email,
			CampaignName: out.CampaignName,
		})
		return
	}
	view := unsubscribeView{
		Title:        "Te has dado de baja",
		Message:      "Ya no recibirás más correos de esta lista.",
		Email:        out.Email,
		CampaignName: out.CampaignName,
	}
	if out.Status == unsubscribe.StatusAlreadyUnsubscribed {
		view.Title = "Ya estabas dado de baja"
		view.Message = "Esta dirección ya no recibe correos de esta lista."
	}
	h.renderPage(w, http.StatusOK, view)
}

func (h *handler) renderPage(w http.ResponseWriter, code int, v unsubscribeView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := unsubscribePage.Execute(w, v); err != nil {
		h.log.Error("render unsubscribe page", zap.Error(err))
	}
}
