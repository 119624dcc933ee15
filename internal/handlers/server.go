// Package handlers is the HTTP surface: provider webhooks, the agent REST API,
// the websocket upgrade and ingest queue administration.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/dispatch"
	"zapinbox/internal/ingest"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
	"zapinbox/internal/store"
)

// Store is the canonical store surface used by the REST API.
type Store interface {
	CreateChannel(ctx context.Context, platform models.Platform, name string, sessionData models.JSONMap) (*models.Channel, error)
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	DeleteChannel(ctx context.Context, id string) error

	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, f store.ConversationFilter) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, nc store.NewConversation) (*models.Conversation, bool, error)
	UpdateConversation(ctx context.Context, id string, u store.ConversationUpdate) (*models.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) (*models.Conversation, error)

	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
}

// Sessions is the connection manager surface.
type Sessions interface {
	Connect(ctx context.Context, channelID string) (session.Snapshot, error)
	Disconnect(ctx context.Context, channelID string, logout bool) error
	Forget(channelID string)
	Status(ctx context.Context, channelID string) (session.Snapshot, error)
	Platforms() []models.Platform
}

type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*models.Message, error)
}

// Webhook verifies deliveries for one webhook-driven platform.
type Webhook interface {
	Platform() models.Platform
	VerifyChallenge(mode, token, challenge string) (string, bool)
	VerifySignature(body []byte, header string) bool
}

type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Clients() int
}

// MediaCleaner removes stored media of a deleted channel.
type MediaCleaner interface {
	DeleteChannel(ctx context.Context, channelID string) error
}

// Deps are the server's collaborators. Media and Webhooks may be empty.
type Deps struct {
	Store    Store
	Sessions Sessions
	Sender   Sender
	Queue    ingest.Queue
	Hub      Hub
	Webhooks []Webhook
	Media    MediaCleaner
}

type Server struct {
	store    Store
	sessions Sessions
	sender   Sender
	queue    ingest.Queue
	hub      Hub
	media    MediaCleaner
	webhooks map[string]Webhook
}

func NewServer(d Deps) (*Server, error) {
	if d.Store == nil || d.Sessions == nil || d.Sender == nil || d.Queue == nil || d.Hub == nil {
		return nil, fmt.Errorf("%w: http server is missing a dependency", models.ErrConfiguration)
	}
	s := &Server{
		store:    d.Store,
		sessions: d.Sessions,
		sender:   d.Sender,
		queue:    d.Queue,
		hub:      d.Hub,
		media:    d.Media,
		webhooks: make(map[string]Webhook, len(d.Webhooks)),
	}
	for _, wh := range d.Webhooks {
		s.webhooks[string(wh.Platform())] = wh
	}
	return s, nil
}

// Router builds the route table behind the standard middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)

	r.HandleFunc("/webhooks/{platform}", s.VerifyWebhook()).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{platform}", s.ReceiveWebhook()).Methods(http.MethodPost)

	r.HandleFunc("/channels", s.ListChannels()).Methods(http.MethodGet)
	r.HandleFunc("/channels", s.CreateChannel()).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}", s.GetChannel()).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}", s.DeleteChannel()).Methods(http.MethodDelete)
	r.HandleFunc("/channels/{id}/connect", s.ConnectChannel()).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/disconnect", s.DisconnectChannel()).Methods(http.MethodPost)
	r.HandleFunc("/channels/{id}/status", s.ChannelStatus()).Methods(http.MethodGet)
	r.HandleFunc("/channels/{id}/qr", s.ChannelQR()).Methods(http.MethodGet)

	r.HandleFunc("/conversations", s.ListConversations()).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.CreateConversation()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}", s.GetConversation()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", s.UpdateConversation()).Methods(http.MethodPatch)
	r.HandleFunc("/conversations/{id}/read", s.MarkRead()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.ListMessages()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.SendMessage()).Methods(http.MethodPost)

	r.HandleFunc("/ingest/status", s.IngestStatus()).Methods(http.MethodGet)
	r.HandleFunc("/ingest/dead", s.DeadLetters()).Methods(http.MethodGet)
	r.HandleFunc("/ingest/dead/retry", s.RetryAll()).Methods(http.MethodPost)
	r.HandleFunc("/ingest/dead/{jobId}/retry", s.RetryJob()).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.Respond(w, req, http.StatusNotFound, errors.New("route not found"))
	})

	return alice.New(s.recoverer, requestLogger, agentIdentity).Then(r)
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]any{
			"status":    "ok",
			"clients":   s.hub.Clients(),
			"platforms": s.sessions.Platforms(),
			"ingest":    s.queue.Stats(),
		})
	}
}

// Respond writes the JSON envelope. An error value becomes
// {"code","error","success":false}; anything else is returned as data.
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	envelope := map[string]any{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = true
	}
	writeJSON(w, status, envelope)
}

// respondError maps err onto a status code. partial, when set, is returned
// alongside the error (the session snapshot of a failed connect, for instance).
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, partial any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	envelope := map[string]any{
		"code":    status,
		"error":   err.Error(),
		"success": false,
	}
	if partial != nil {
		envelope["data"] = partial
	}
	writeJSON(w, status, envelope)
}

func statusFor(err error) int {
	var perr *models.ProviderError
	switch {
	case errors.Is(err, models.ErrChannelNotFound),
		errors.Is(err, models.ErrConversationNotFound),
		errors.Is(err, models.ErrMessageNotFound),
		errors.Is(err, ingest.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrUnsupportedPlatform),
		errors.Is(err, models.ErrConfiguration),
		errors.Is(err, models.ErrAuthenticationFailure):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: could not decode payload: %v", models.ErrInvalidInput, err)
	}
	return nil
}
