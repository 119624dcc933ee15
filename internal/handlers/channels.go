package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
)

type createChannelRequest struct {
	Platform    models.Platform `json:"platform"`
	Name        string          `json:"name"`
	AccessToken string          `json:"accessToken,omitempty"`
	// Connect starts the session right after creation.
	Connect bool `json:"connect,omitempty"`
}

type channelView struct {
	*models.Channel
	Session *session.Snapshot `json:"session,omitempty"`
}

func (s *Server) ListChannels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := s.store.ListChannels(r.Context())
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		out := make([]channelView, 0, len(channels))
		for i := range channels {
			v := channelView{Channel: &channels[i]}
			if snap, err := s.sessions.Status(r.Context(), channels[i].ID); err == nil {
				v.Session = &snap
			}
			out = append(out, v)
		}
		s.Respond(w, r, http.StatusOK, out)
	}
}

func (s *Server) CreateChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createChannelRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			s.respondError(w, r, fmt.Errorf("%w: name is required", models.ErrInvalidInput), nil)
			return
		}
		if !req.Platform.Valid() {
			s.respondError(w, r, fmt.Errorf("%w: %q", models.ErrUnsupportedPlatform, req.Platform), nil)
			return
		}

		data := models.JSONMap{}
		if req.Platform != models.PlatformWhatsApp {
			if req.AccessToken == "" {
				s.respondError(w, r, fmt.Errorf("%w: accessToken is required for %s", models.ErrInvalidInput, req.Platform), nil)
				return
			}
			data[meta.AccessTokenKey] = req.AccessToken
		}

		ch, err := s.store.CreateChannel(r.Context(), req.Platform, req.Name, data)
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		log.Info().Str("channelID", ch.ID).Str("platform", string(ch.Platform)).Msg("Channel created")

		view := channelView{Channel: ch}
		if req.Connect {
			snap, err := s.sessions.Connect(r.Context(), ch.ID)
			if err != nil {
				log.Warn().Err(err).Str("channelID", ch.ID).Msg("Initial connect failed")
			}
			view.Session = &snap
		}
		s.Respond(w, r, http.StatusCreated, view)
	}
}

func (s *Server) GetChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := s.store.GetChannel(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		view := channelView{Channel: ch}
		if snap, err := s.sessions.Status(r.Context(), ch.ID); err == nil {
			view.Session = &snap
		}
		s.Respond(w, r, http.StatusOK, view)
	}
}

// DeleteChannel logs the session out, removes the channel with its
// conversations and messages, then drops its stored media.
func (s *Server) DeleteChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, err := s.store.GetChannel(r.Context(), id); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.sessions.Forget(id)
		if err := s.store.DeleteChannel(r.Context(), id); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		if s.media != nil {
			if err := s.media.DeleteChannel(r.Context(), id); err != nil {
				log.Warn().Err(err).Str("channelID", id).Msg("Failed to delete channel media")
			}
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
	}
}

func (s *Server) ConnectChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.sessions.Connect(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			if snap.ChannelID == "" {
				s.respondError(w, r, err, nil)
			} else {
				s.respondError(w, r, err, snap)
			}
			return
		}
		s.Respond(w, r, http.StatusOK, snap)
	}
}

func (s *Server) DisconnectChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Logout bool `json:"logout"`
		}
		if r.ContentLength != 0 {
			if err := decodeBody(w, r, &req); err != nil {
				s.respondError(w, r, err, nil)
				return
			}
		}
		id := mux.Vars(r)["id"]
		if err := s.sessions.Disconnect(r.Context(), id, req.Logout); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		snap, err := s.sessions.Status(r.Context(), id)
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, snap)
	}
}

func (s *Server) ChannelStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.sessions.Status(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, snap)
	}
}

// ChannelQR renders the current pairing challenge as a PNG, or as a data URL
// inside the JSON envelope with ?format=dataurl.
func (s *Server) ChannelQR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.sessions.Status(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		if snap.State != session.StateWaitingForScan || snap.Challenge == "" {
			s.Respond(w, r, http.StatusNotFound, errors.New("no pairing challenge pending"))
			return
		}
		png, err := qrcode.Encode(snap.Challenge, qrcode.Medium, 256)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("rendering QR code: %w", err), nil)
			return
		}

		if r.URL.Query().Get("format") == "dataurl" {
			s.Respond(w, r, http.StatusOK, map[string]any{
				"qrCode":      dataurl.New(png, "image/png").String(),
				"challengeAt": snap.ChallengeAt,
			})
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
	}
}
