package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime/internal/realtime"
)

// wsTransport adapts a websocket connection to realtime.Transport. gorilla
// allows one concurrent writer, so a single goroutine owns data writes and
// drains the queue; close frames go through WriteControl which is safe to
// call alongside it.
type wsTransport struct {
	conn         *websocket.Conn
	queue        chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *zap.Logger
}

func newWSTransport(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *zap.Logger) *wsTransport {
	if queueSize < 1 {
		queueSize = 1
	}

	return &wsTransport{
		conn:         conn,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Send enqueues frame for the writer. It fails once the transport is closed
// and blocks on a full queue until ctx is done.
func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return realtime.ErrTransportClosed
	default:
	}

	select {
	case t.queue <- frame:
		return nil
	case <-t.done:
		return realtime.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a close frame with code and reason and releases the socket.
// Only the first call has any effect.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		deadline := time.Now().Add(t.writeTimeout)
		err = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	})

	return err
}

// closed is done once Close has been called.
func (t *wsTransport) closed() <-chan struct{} {
	return t.done
}

// writeLoop drains the queue until the transport is closed. A write error
// closes the transport, which also ends the read loop.
func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case frame := <-t.queue:
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				t.fail(err)
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *wsTransport) fail(err error) {
	t.logger.Debug("write failed, closing connection", zap.Error(err))
	_ = t.Close(websocket.CloseInternalServerErr, "write failed")
}

// maxCloseReason keeps a close payload within the 125 byte control frame limit.
const maxCloseReason = 123

// reject closes a connection that was never admitted.
func reject(conn *websocket.Conn, code int, reason string, timeout time.Duration) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	_ = conn.Close()
}
