package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/ingest"
)

const maxWebhookBody = 5 << 20

func (s *Server) webhook(r *http.Request) (Webhook, bool) {
	wh, ok := s.webhooks[mux.Vars(r)["platform"]]
	return wh, ok
}

// VerifyWebhook answers the subscription handshake by echoing hub.challenge
// when hub.verify_token matches.
func (s *Server) VerifyWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wh, ok := s.webhook(r)
		if !ok {
			s.Respond(w, r, http.StatusNotFound, errors.New("unknown webhook platform"))
			return
		}
		q := r.URL.Query()
		challenge, ok := wh.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		if !ok {
			log.Warn().Str("platform", string(wh.Platform())).Msg("Webhook verification rejected")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		log.Info().Str("platform", string(wh.Platform())).Msg("Webhook verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	}
}

// ReceiveWebhook acknowledges a signed delivery once it is queued. Processing
// happens out of band so the provider never waits on the store.
func (s *Server) ReceiveWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wh, ok := s.webhook(r)
		if !ok {
			s.Respond(w, r, http.StatusNotFound, errors.New("unknown webhook platform"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			log.Error().Err(err).Msg("Failed to read webhook body")
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("failed to read request body"))
			return
		}
		if !wh.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			log.Warn().Str("platform", string(wh.Platform())).Msg("Invalid webhook signature")
			s.Respond(w, r, http.StatusUnauthorized, errors.New("invalid signature"))
			return
		}

		job := ingest.NewJob(string(wh.Platform()), body)
		if err := s.queue.Enqueue(job); err != nil {
			// A non-2xx makes the provider redeliver later.
			log.Error().Err(err).Str("platform", string(wh.Platform())).Msg("Failed to enqueue webhook")
			s.Respond(w, r, http.StatusServiceUnavailable, err)
			return
		}
		log.Debug().Str("platform", string(wh.Platform())).Str("jobID", job.ID).Msg("Webhook accepted")
		s.Respond(w, r, http.StatusOK, map[string]string{"jobId": job.ID})
	}
}

func (s *Server) IngestStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, s.queue.Stats())
	}
}

func (s *Server) DeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50)
		jobs := s.queue.DeadLetters()
		total := len(jobs)
		if limit > 0 && len(jobs) > limit {
			jobs = jobs[:limit]
		}
		s.Respond(w, r, http.StatusOK, map[string]any{
			"total": total,
			"shown": len(jobs),
			"jobs":  jobs,
		})
	}
}

func (s *Server) RetryJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["jobId"]
		if err := s.queue.Retry(id); err != nil {
			s.respondError(w, r, err, nil)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"jobId": id, "status": "requeued"})
	}
}

func (s *Server) RetryAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.queue.RetryAll()
		log.Info().Int("jobs", n).Msg("Requeued dead letters")
		s.Respond(w, r, http.StatusOK, map[string]int{"requeued": n})
	}
}
