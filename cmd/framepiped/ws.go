package main

import (
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepipe/framepipe/internal/bufpool"
	"github.com/framepipe/framepipe/internal/registry"
	"github.com/framepipe/framepipe/internal/staging"
	"github.com/framepipe/framepipe/internal/upload"
	"github.com/framepipe/framepipe/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the session token is the capability
	},
}

func (s *server) handleUploadSocket(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	if s.limits.connectRatePerSec > 0 {
		if ip := clientIP(r); ip != "" && !wsIPLimiter.Allow(ip) {
			sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	// Reject dead tokens before committing to the upgrade.
	sess, err := registry.ActiveSession(r.Context(), s.store, token)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			sendError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, registry.ErrExpired):
			sendError(w, http.StatusGone, "session expired")
		case errors.Is(err, registry.ErrSessionNotActive):
			sendError(w, http.StatusConflict, "session is not active")
		default:
			s.logger.Error("session lookup", "token", token, "error", err)
			sendError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Chunk payloads arrive base64-encoded inside a JSON envelope; cap
	// reads at the encoded chunk size plus envelope overhead.
	maxMessageBytes := base64.StdEncoding.EncodedLen(int(sess.ChunkSize)) + 512
	conn.SetReadLimit(int64(maxMessageBytes))

	var writeMu sync.Mutex
	if s.limits.wsIdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.limits.wsIdleTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.limits.wsIdleTimeout))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.limits.wsIdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}

	sendFunc := func(msg protocol.ServerMessage) error {
		writeMu.Lock()
		err := conn.WriteJSON(msg)
		writeMu.Unlock()
		return err
	}

	machine := s.manager.Machine(token)
	info, err := machine.Bind(r.Context())
	if err != nil {
		_ = sendFunc(protocol.NewError(clientMessageFor(err)))
		return
	}

	binding := s.hub.Bind(token, sendFunc, func() { _ = conn.Close() })
	defer binding.Unbind()
	defer machine.Unbind()
	binding.Queue(info...)

	if s.limits.wsIdleTimeout > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ticker.C:
					writeMu.Lock()
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
					writeMu.Unlock()
				}
			}
		}()
	}

	s.logger.Info("upload connection bound", "token", token, "owner_id", sess.OwnerID,
		"received_chunks", sess.ReceivedChunks, "total_chunks", sess.TotalChunks)
	defer s.logger.Info("upload connection closed", "token", token)

	chunkBufs := bufpool.New(base64.StdEncoding.DecodedLen(base64.StdEncoding.EncodedLen(int(sess.ChunkSize))))
	msgLimiter := newTokenBucket(s.limits.msgRatePerSec, s.limits.msgBurst)
	malformed := 0

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Info("websocket idle timeout", "token", token)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "token", token, "error", err)
			}
			return
		}
		if s.limits.wsIdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.limits.wsIdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if s.limits.msgRatePerSec > 0 && !msgLimiter.Allow() {
			s.logger.Warn("websocket message rate limit exceeded", "token", token)
			return
		}

		msg, err := protocol.DecodeClientMessage(raw)
		if err != nil {
			malformed++
			text := "malformed message"
			if errors.Is(err, protocol.ErrUnknownMessageKind) {
				text = err.Error()
			}
			binding.Queue(protocol.NewError(text))
			if malformed >= s.limits.malformedMsgLimit {
				s.logger.Warn("malformed message threshold reached", "token", token, "count", malformed)
				return
			}
			continue
		}

		switch msg.Type {
		case protocol.TypeChunk:
			buf := chunkBufs.Get()
			if msg.DecodedChunkLen() > len(buf) {
				binding.Queue(protocol.NewError("chunk payload too large"))
				chunkBufs.Put(buf)
				continue
			}
			n, err := msg.DecodeChunkData(buf)
			if err != nil {
				malformed++
				binding.Queue(protocol.NewError("chunk_data is not valid base64"))
				chunkBufs.Put(buf)
				if malformed >= s.limits.malformedMsgLimit {
					return
				}
				continue
			}
			msgs, err := machine.HandleChunk(r.Context(), msg.ChunkIndex, buf[:n], msg.ChunkCRC32C)
			chunkBufs.Put(buf)
			binding.Queue(msgs...)
			if err != nil {
				binding.Queue(protocol.NewError(clientMessageFor(err)))
				if fatalSessionError(err) {
					return
				}
			}

		case protocol.TypeCancel:
			msgs, err := machine.HandleCancel(r.Context())
			binding.Queue(msgs...)
			if err != nil {
				binding.Queue(protocol.NewError(clientMessageFor(err)))
				if fatalSessionError(err) {
					return
				}
				continue
			}
			s.manager.Release(token)
			return
		}
	}
}

// clientMessageFor maps handler errors onto stable client-facing text.
// Sentinel errors keep their message; anything unexpected is masked.
func clientMessageFor(err error) string {
	for _, known := range []error{
		registry.ErrNotFound,
		registry.ErrExpired,
		registry.ErrSessionNotActive,
		registry.ErrInvalidChunkIndex,
		staging.ErrChunkSizeMismatch,
		staging.ErrInvalidChunkIndex,
		upload.ErrChunkDigestMismatch,
		upload.ErrFinalizing,
		upload.ErrFinalizeFailed,
		protocol.ErrUnknownMessageKind,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return "internal error"
}

// fatalSessionError reports whether the session can no longer make
// progress on this connection.
func fatalSessionError(err error) bool {
	return errors.Is(err, registry.ErrNotFound) ||
		errors.Is(err, registry.ErrExpired) ||
		errors.Is(err, registry.ErrSessionNotActive)
}
