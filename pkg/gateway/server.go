// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/immanuelfodor/matrix-encrypted-webhooks/pkg/gateway/payloadfmt"
)

// maxHookBodySize is the maximum allowed webhook request body (1 MiB).
const maxHookBodySize = 1 << 20

// Server is the webhook HTTP listener. It resolves the token from the
// path, formats the payload and dispatches it through the Messenger.
type Server struct {
	cfg       *Config
	router    *Router
	messenger Messenger
	log       zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the listener. The Messenger must be ready before
// ListenAndServe is called.
func NewServer(cfg *Config, router *Router, messenger Messenger, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		router:    router,
		messenger: messenger,
		log:       log.With().Str("component", "webhook").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: s.Handler(),
		// The handler blocks on the Matrix send, so the write timeout
		// must outlast the send timeout.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.SendTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /post/{token}", s.handleHook)
	return mux
}

// ListenAndServe blocks serving webhook traffic until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("Webhook listener starting")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	route, ok := s.router.Resolve(token)
	if !ok {
		// The response must not reveal which tokens exist.
		s.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected webhook with unknown token")
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "token mismatch"})
		return
	}

	log := s.log.With().
		Str("token", token).
		Str("room_id", string(route.RoomID)).
		Logger()

	r.Body = http.MaxBytesReader(w, r.Body, maxHookBodySize)

	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "unsupported content type"})
		return
	}

	var payload *payloadfmt.Payload
	switch contentType {
	case "application/json":
		payload, err = payloadfmt.ParseJSON(r.Body)
	case "application/x-www-form-urlencoded":
		var body []byte
		body, err = io.ReadAll(r.Body)
		if err == nil {
			payload, err = payloadfmt.ParseForm(string(body))
		}
	default:
		s.writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "unsupported content type"})
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decode webhook payload")
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed payload"})
		return
	}

	body, err := payloadfmt.Format(payload, s.cfg.FormatOptions())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to format webhook payload")
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unserializable payload"})
		return
	}

	content := BuildMessage(body, route.SenderName, s.cfg.UseMarkdown, s.cfg.DisplaySender)
	eventID, err := s.messenger.SendMessage(r.Context(), route.RoomID, content)
	if err != nil {
		log.Error().Err(err).Msg("Message dispatch failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": "message dispatch failed"})
		return
	}

	log.Info().Str("event_id", string(eventID)).Msg("Webhook relayed")
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}
