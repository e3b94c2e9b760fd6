package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime/internal/realtime"
	"realtime/internal/realtime/auth"
)

// session serves one admitted connection: it reads client frames, answers
// them and removes the connection when the socket goes away.
type session struct {
	server    *Server
	id        string
	identity  auth.Identity
	transport *wsTransport
	logger    *zap.Logger
}

func (s *Server) newSession(id string, identity auth.Identity, transport *wsTransport) *session {
	return &session{
		server:    s,
		id:        id,
		identity:  identity,
		transport: transport,
		logger: s.logger.With(
			zap.String("connectionId", id),
			zap.String("userId", identity.UserID),
			zap.String("role", string(identity.Role)),
		),
	}
}

func (ss *session) run() {
	go ss.transport.writeLoop()

	ss.logger.Info("connection admitted")
	if conn, ok := ss.server.registry.Get(ss.id); ok {
		ss.reply(realtime.ConnectedReply(conn))
	}

	reason := ss.readLoop()
	ss.close(reason)
}

// readLoop returns the removal reason once the socket stops yielding frames.
func (ss *session) readLoop() string {
	ws := ss.transport.conn
	if limit := ss.server.config.MaxMessageBytes; limit > 0 {
		ws.SetReadLimit(limit)
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ss.transport.closed():
				// closed from our side: eviction, shutdown or a failed write
				return "closed"
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "closed"
			}
			ss.logger.Debug("read failed", zap.Error(err))
			return "error"
		}

		if !ss.server.registry.Touch(ss.id) {
			// evicted between frames
			return "closed"
		}
		ss.handle(raw)
	}
}

func (ss *session) close(reason string) {
	removed := false
	if _, ok := ss.server.registry.Remove(ss.id); ok {
		removed = true
		ss.server.metrics.RecordRemoval(reason)
		ss.server.metrics.UpdateConnections(ss.server.registry.Stats().ConnectionsByRole)
	}
	_ = ss.transport.Close(websocket.CloseNormalClosure, "")

	ss.logger.Info("connection closed", zap.String("reason", reason), zap.Bool("removed", removed))
}

func (ss *session) handle(raw []byte) {
	msg, err := realtime.ParseInbound(raw)
	if err != nil {
		ss.server.metrics.RecordInbound("malformed")
		ss.reply(realtime.ErrorReply(err.Error()))
		return
	}
	ss.server.metrics.RecordInbound(string(msg.Type))

	switch msg.Type {
	case realtime.MessageAuthenticate:
		// identity is bound at admission; this only confirms it
		if conn, ok := ss.server.registry.Get(ss.id); ok {
			ss.reply(realtime.AuthSuccessReply(conn))
		}
	case realtime.MessageSubscribe:
		topics, err := ss.server.subscriptions.Subscribe(ss.id, msg.Events)
		ss.subscriptionResult("subscribe", topics, err)
	case realtime.MessageUnsubscribe:
		topics, err := ss.server.subscriptions.Unsubscribe(ss.id, msg.Events)
		ss.subscriptionResult("unsubscribe", topics, err)
	case realtime.MessagePing:
		ss.reply(realtime.PongReply(msg.Timestamp))
	case realtime.MessageBroadcast:
		ss.broadcast(msg)
	}
}

func (ss *session) subscriptionResult(operation string, topics []string, err error) {
	ss.server.metrics.RecordSubscription(operation, err)

	switch {
	case errors.Is(err, realtime.ErrUnknownConnection):
		return
	case err != nil:
		ss.reply(realtime.ErrorReply(err.Error()))
		if topics == nil {
			return
		}
	}
	ss.reply(realtime.NewSubscriptionReply(topics))
}

func (ss *session) broadcast(msg realtime.Inbound) {
	event := realtime.Event{
		Topic:            msg.EventType,
		Payload:          msg.Data,
		Timestamp:        time.Now().UTC(),
		From:             ss.identity.UserID,
		OriginConnection: ss.id,
	}

	result, err := ss.server.dispatcher.Dispatch(context.Background(), event)
	if err != nil {
		ss.reply(realtime.ErrorReply(err.Error()))
		return
	}
	ss.logger.Debug("broadcast dispatched",
		zap.String("topic", event.Topic),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
	)
}

func (ss *session) reply(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		ss.logger.Error("failed to encode reply", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ss.server.config.WriteTimeout)
	defer cancel()
	if err := ss.transport.Send(ctx, frame); err != nil && !errors.Is(err, realtime.ErrTransportClosed) {
		ss.logger.Warn("failed to queue reply", zap.Error(err))
	}
}
