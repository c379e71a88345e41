// Package api serves the operator console's REST API, the inbox websocket,
// the WhatsApp webhook and the public unsubscribe page.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/campaign"
	"github.com/TDXCORE/EmailApp/internal/inbox"
	"github.com/TDXCORE/EmailApp/internal/media"
	"github.com/TDXCORE/EmailApp/internal/outbox"
	"github.com/TDXCORE/EmailApp/internal/status"
	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/TDXCORE/EmailApp/internal/unsubscribe"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

// WebhookConfig holds the WhatsApp webhook secrets.
type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
}

// Deps are the services the router dispatches to. Inbox and Outbox are nil
// when WhatsApp is disabled; the inbox routes then answer 503. Own lists
// the business numbers used to tell message direction.
type Deps struct {
	DB          *store.DB
	Bus         *bus.Bus
	Auth        Authenticator
	Dispatcher  *campaign.Dispatcher
	Unsubscribe *unsubscribe.Service
	Inbox       *inbox.Manager
	Outbox      *outbox.Sender
	Media       media.Storage
	Own         inbox.Addresses
	Status      *status.Machine
	Webhook     WebhookConfig
	Logger      *zap.Logger
}

type handler struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handler{Deps: d, log: d.Logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(h.log))

	r.Get("/healthz", h.health)
	r.Get("/unsubscribe", h.unsubscribe)
	r.Get("/media/*", h.serveMedia)
	r.Route("/webhook/whatsapp", func(r chi.Router) {
		r.Get("/", h.verifyWebhook)
		r.Post("/", h.receiveWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(authenticate(h.log, d.Auth))

		r.Route("/contacts", func(r chi.Router) {
			r.Get("/", h.listContacts)
			r.Post("/", h.createContact)
			r.Get("/{id}", h.getContact)
			r.Put("/{id}", h.updateContact)
			r.Delete("/{id}", h.deleteContact)
			r.Post("/{id}/groups/{groupID}", h.addContactToGroup)
			r.Delete("/{id}/groups/{groupID}", h.removeContactFromGroup)
		})
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.listGroups)
			r.Post("/", h.createGroup)
			r.Get("/{id}", h.getGroup)
			r.Put("/{id}", h.updateGroup)
			r.Delete("/{id}", h.deleteGroup)
			r.Get("/{id}/contacts", h.groupContacts)
		})
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.listCampaigns)
			r.Post("/", h.createCampaign)
			r.Get("/{id}", h.getCampaign)
			r.Put("/{id}", h.updateCampaign)
			r.Delete("/{id}", h.deleteCampaign)
			r.Post("/{id}/send", h.sendCampaign)
			r.Get("/{id}/metrics", h.campaignMetrics)
			r.Post("/{id}/events", h.campaignEvent)
		})
		r.Route("/config", func(r chi.Router) {
			r.Get("/", h.listConfig)
			r.Post("/", h.createConfig)
			r.Put("/{id}", h.updateConfig)
			r.Delete("/{id}", h.deleteConfig)
		})
		r.Get("/dashboard/metrics", h.dashboard)
		r.Get("/reports/unsubscribes", h.unsubscribeReport)

		r.Route("/inbox", func(r chi.Router) {
			r.Use(h.requireInbox)
			r.Get("/conversations", h.listConversations)
			r.Post("/conversations/{id}/open", h.openConversation)
			r.Post("/close", h.closeConversation)
			r.Get("/conversations/{id}/messages", h.listMessages)
			r.Post("/conversations/{id}/messages", h.sendMessage)
			r.Post("/media", h.uploadMedia)
			r.Get("/ws", h.serveWS)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		fail(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	state := status.Ready
	reason := ""
	if h.Status != nil {
		state, reason = h.Status.Current(), h.Status.Reason()
	}
	body := map[string]string{"state": string(state)}
	if reason != "" {
		body["reason"] = reason
	}
	if !state.Serving() {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, body)
}

// Server is the HTTP listener of the daemon.
type Server struct {
	srv    *http.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewServer binds addr immediately so a port conflict fails startup.
func NewServer(addr string, h http.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		lis:    lis,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Start serves in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.Addr()))
		if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
