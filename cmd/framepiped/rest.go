package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/framepipe/framepipe/internal/auth"
	"github.com/framepipe/framepipe/internal/config"
	"github.com/framepipe/framepipe/internal/mux"
	"github.com/framepipe/framepipe/internal/registry"
	"github.com/framepipe/framepipe/internal/upload"
	"github.com/framepipe/framepipe/pkg/protocol"
)

type server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	verifier *auth.Verifier
	store    registry.Store
	manager  *upload.Manager
	hub      *mux.Hub
	limits   serverLimits
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	owner, err := s.verifier.FromRequest(r)
	if err != nil {
		sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.limits.sessionCreateRatePerSec > 0 {
		if ip := clientIP(r); ip != "" && !sessionIPLimiter.Allow(ip) {
			sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req protocol.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		sendError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = config.DefaultChunkSize
	}

	sess, err := s.store.Create(r.Context(), owner, req.Filename, req.FileSize, req.ChunkSize)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrInvalidSize):
		sendError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, registry.ErrQuotaExceeded):
		sendError(w, http.StatusTooManyRequests, "owner quota exceeded")
		return
	default:
		s.logger.Error("create session", "owner_id", owner, "error", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("session created", "token", sess.Token, "owner_id", owner,
		"filename", sess.Filename, "file_size", sess.FileSize,
		"chunk_size", sess.ChunkSize, "total_chunks", sess.TotalChunks)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(protocol.CreateSessionResponse{
		SessionToken: sess.Token,
		ChunkSize:    sess.ChunkSize,
		TotalChunks:  sess.TotalChunks,
		ExpiresAt:    sess.ExpiresAt,
	})
}

func (s *server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	owner, err := s.verifier.FromRequest(r)
	if err != nil {
		sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, err := s.manager.Status(r.Context(), r.PathValue("token"), owner)
	if err != nil {
		// Another owner's session is indistinguishable from a missing one.
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, upload.ErrNotOwner) {
			sendError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("session status", "error", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.SessionStatusResponse{
		Filename:       sess.Filename,
		FileSize:       sess.FileSize,
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks,
		ReceivedChunks: sess.ReceivedChunks,
		Status:         string(sess.Status),
		ExpiresAt:      sess.ExpiresAt,
		CompletedAt:    sess.CompletedAt,
	})
}

func (s *server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	owner, err := s.verifier.FromRequest(r)
	if err != nil {
		sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token := r.PathValue("token")
	if err := s.manager.Cancel(r.Context(), token, owner); err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, upload.ErrNotOwner) {
			sendError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("cancel session", "token", token, "error", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("session cancelled out of band", "token", token, "owner_id", owner)
	w.WriteHeader(http.StatusNoContent)
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
