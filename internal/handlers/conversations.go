package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/dispatch"
	"zapinbox/internal/models"
	"zapinbox/internal/store"
)

type createConversationRequest struct {
	ChannelID     string         `json:"channelId"`
	ContactID     string         `json:"contactId"`
	ContactName   string         `json:"contactName,omitempty"`
	ContactAvatar string         `json:"contactAvatar,omitempty"`
	Metadata      models.JSONMap `json:"metadata,omitempty"`
}

type updateConversationRequest struct {
	Status     *models.ConversationStatus `json:"status,omitempty"`
	AssignTo   *string                    `json:"assignTo,omitempty"`
	Labels     *models.StringList         `json:"labels,omitempty"`
	Notes      *string                    `json:"notes,omitempty"`
	AppendNote string                     `json:"appendNote,omitempty"`
}

type sendMessageRequest struct {
	Body        string             `json:"body"`
	ContentType models.ContentType `json:"contentType,omitempty"`
	MediaRef    string             `json:"mediaRef,omitempty"`
	AgentID     string             `json:"agentId,omitempty"`
}

func (s *Server) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		convs, err := s.store.ListConversations(r.Context(), store.ConversationFilter{
			ChannelID:       q.Get("channelId"),
			Status:          models.ConversationStatus(q.Get("status")),
			AssignedAgentID: q.Get("assignedAgentId"),
			Limit:           queryInt(r, "limit", 50),
			Offset:          queryInt(r, "offset", 0),
		})
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, convs)
	}
}

// CreateConversation finds or creates the thread for a contact. 201 means a
// new thread, 200 an existing one.
func (s *Server) CreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConversationRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		conv, created, err := s.store.CreateConversation(r.Context(), store.NewConversation{
			ChannelID: req.ChannelID,
			ContactID: req.ContactID,
			Contact:   models.ContactMeta{Name: req.ContactName, Avatar: req.ContactAvatar},
			Metadata:  req.Metadata,
		})
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		s.Respond(w, r, status, conv)
	}
}

func (s *Server) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.store.GetConversation(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, conv)
	}
}

func (s *Server) UpdateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateConversationRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		conv, err := s.store.UpdateConversation(r.Context(), mux.Vars(r)["id"], store.ConversationUpdate{
			Status:     req.Status,
			AssignTo:   req.AssignTo,
			Labels:     req.Labels,
			Notes:      req.Notes,
			AppendNote: req.AppendNote,
		})
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, conv)
	}
}

func (s *Server) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.store.MarkRead(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, conv)
	}
}

func (s *Server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, err := s.store.GetConversation(r.Context(), id); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		msgs, err := s.store.ListMessages(r.Context(), id, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, msgs)
	}
}

// SendMessage dispatches an agent message. A provider rejection still answers
// 201: the message comes back failed, with the detail in metadata "error".
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		agentID := req.AgentID
		if agentID == "" {
			agentID = agentFrom(r.Context())
		}
		msg, err := s.sender.Send(r.Context(), dispatch.Request{
			ConversationID: mux.Vars(r)["id"],
			Body:           req.Body,
			ContentType:    req.ContentType,
			MediaRef:       req.MediaRef,
			AgentID:        agentID,
		})
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		if msg.Status == models.StatusFailed {
			log.Warn().Str("messageID", msg.ID).Str("conversationID", msg.ConversationID).Msg("Message recorded as failed")
		}
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
