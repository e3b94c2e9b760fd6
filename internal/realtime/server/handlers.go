package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"realtime/internal/realtime"
	"realtime/internal/realtime/auth"
	"realtime/internal/realtime/registry"
)

type ingestRequest struct {
	EventType   string         `json:"eventType"`
	Data        map[string]any `json:"data"`
	TargetUsers []string       `json:"targetUsers,omitempty"`
}

type ingestResponse struct {
	Success               bool   `json:"success"`
	EventType             string `json:"eventType,omitempty"`
	SentToClients         int    `json:"sentToClients"`
	TotalConnectedClients int    `json:"totalConnectedClients"`
	Failed                int    `json:"failed"`
	Error                 string `json:"error,omitempty"`
}

type memoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heapInuse"`
	NumGC      uint32 `json:"numGC"`
}

type statsResponse struct {
	registry.Stats
	UptimeSeconds float64     `json:"uptimeSeconds"`
	Memory        memoryStats `json:"memory"`
	Goroutines    int         `json:"goroutines"`
	Timestamp     time.Time   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleIngest publishes an event from a platform service.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		if _, err := s.verifier.Verify(auth.TokenFromRequest(r)); err != nil {
			writeJSON(w, http.StatusUnauthorized, ingestResponse{Error: "unauthorized"})
			return
		}
	}

	var req ingestRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxIngestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	event := realtime.NewEvent(strings.TrimSpace(req.EventType), req.Data, req.TargetUsers...)

	// the fan-out finishes even if the publisher goes away
	result, err := s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), event)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, realtime.ErrMalformedEvent) {
			code = http.StatusBadRequest
		} else {
			s.logger.Error("failed to dispatch event", zap.String("topic", event.Topic), zap.Error(err))
		}
		writeJSON(w, code, ingestResponse{EventType: event.Topic, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Success:               true,
		EventType:             event.Topic,
		SentToClients:         result.Delivered,
		TotalConnectedClients: s.registry.Stats().TotalConnections,
		Failed:                result.Failed,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, statsResponse{
		Stats:         s.registry.Stats(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Memory: memoryStats{
			Alloc:      mem.Alloc,
			TotalAlloc: mem.TotalAlloc,
			Sys:        mem.Sys,
			HeapInuse:  mem.HeapInuse,
			NumGC:      mem.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now().UTC(),
	})
}

// identity resolves who is connecting. With a verifier the token decides and
// any query identity must agree with it; otherwise the query is trusted.
func (s *Server) identity(r *http.Request) (auth.Identity, error) {
	query := r.URL.Query()
	claimed := auth.Identity{
		UserID: strings.TrimSpace(query.Get("userId")),
		Role:   realtime.Role(strings.TrimSpace(query.Get("userRole"))),
	}

	if s.verifier == nil {
		if claimed.UserID == "" || claimed.Role == "" {
			return auth.Identity{}, realtime.ErrInvalidIdentity
		}
		if !claimed.Role.Known() {
			return auth.Identity{}, fmt.Errorf("%w: unknown role %q", realtime.ErrInvalidIdentity, claimed.Role)
		}
		return claimed, nil
	}

	id, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		return auth.Identity{}, err
	}
	if claimed.UserID != "" && claimed.UserID != id.UserID {
		return auth.Identity{}, fmt.Errorf("%w: userId does not match token", realtime.ErrInvalidCredential)
	}
	if claimed.Role != "" && claimed.Role != id.Role {
		return auth.Identity{}, fmt.Errorf("%w: userRole does not match token", realtime.ErrInvalidCredential)
	}

	return id, nil
}

// rejectCode maps an admission failure to its close code.
func rejectCode(err error) int {
	switch {
	case errors.Is(err, realtime.ErrInvalidCredential):
		return realtime.CloseCredential
	case errors.Is(err, realtime.ErrCapacityExceeded):
		return realtime.CloseCapacity
	default:
		return realtime.CloseInvalidIdentity
	}
}

// handleConnect upgrades the request and admits the connection. Rejections
// happen after the upgrade so that clients see a close code.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	remote := clientAddr(r, s.config.TrustProxyHeaders)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		s.logger.Debug("websocket upgrade failed", zap.String("remoteAddr", remote), zap.Error(err))
		return
	}

	if !s.limiter.Allow(remote) {
		s.metrics.RecordRateLimited()
		s.logger.Warn("admission rate limited", zap.String("remoteAddr", remote))
		reject(ws, realtime.CloseCapacity, "too many connection attempts", s.config.WriteTimeout)
		return
	}

	id, err := s.identity(r)
	if err != nil {
		s.metrics.RecordAdmission(err)
		s.logger.Info("connection rejected", zap.String("remoteAddr", remote), zap.Error(err))
		reject(ws, rejectCode(err), err.Error(), s.config.WriteTimeout)
		return
	}

	transport := newWSTransport(ws, s.config.SendQueueSize, s.config.WriteTimeout, s.logger)

	// admission and session tracking are atomic with respect to Shutdown so
	// that every admitted connection is closed by it
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		reject(ws, realtime.CloseGoingAway, "server shutting down", s.config.WriteTimeout)
		return
	}
	connID, err := s.registry.Admit(id.UserID, id.Role, transport, remote)
	if err == nil {
		s.sessions.Add(1)
	}
	s.mu.Unlock()

	s.metrics.RecordAdmission(err)
	if err != nil {
		s.logger.Info("connection rejected",
			zap.String("userId", id.UserID),
			zap.String("role", string(id.Role)),
			zap.String("remoteAddr", remote),
			zap.Error(err),
		)
		reject(ws, rejectCode(err), err.Error(), s.config.WriteTimeout)
		return
	}
	s.metrics.UpdateConnections(s.registry.Stats().ConnectionsByRole)

	go func() {
		defer s.sessions.Done()
		s.newSession(connID, id, transport).run()
	}()
}
