package server

import (
	"errors"
	"sync"
	"time"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/protocol"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// wsConn adapts a WebSocket to the registry's writer and the dispatcher's
// reader. Text frames only.
type wsConn struct {
	ws *websocket.Conn

	writeTimeout time.Duration
	closeTimeout time.Duration

	// mu orders write deadlines so Close always has the last word.
	mu      sync.Mutex
	closing bool

	closeOnce sync.Once
	closeErr  error
}

var errConnClosing = errors.New("websocket closing")

func newWSConn(ws *websocket.Conn, maxFrameBytes int) *wsConn {
	ws.MaxPayloadBytes = maxFrameBytes
	return &wsConn{
		ws:           ws,
		writeTimeout: timeouts.SessionWrite,
		closeTimeout: timeouts.SessionClose,
	}
}

// Send writes one text frame. A peer that stops reading fails the write once
// the deadline passes.
func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return errConnClosing
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return websocket.Message.Send(c.ws, string(frame))
}

func (c *wsConn) Receive() (string, error) {
	var frame string
	err := websocket.Message.Receive(c.ws, &frame)
	if errors.Is(err, websocket.ErrFrameTooLarge) {
		return "", protocol.ErrFrameTooLarge
	}
	return frame, err
}

// Close sends a normal closure and closes the socket once. A write blocked
// on the peer is cut short so the closure is not stuck behind it.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.closeTimeout))
		c.mu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func handleWSConn(ws *websocket.Conn, deps handlerDeps) {
	conn := newWSConn(ws, deps.dispatcher.MaxFrameBytes())
	defer func() {
		_ = conn.Close()
	}()

	request := ws.Request()
	ctx := request.Context()
	user, ok := ctx.Value(wsUserContextKey{}).(domain.User)
	if !ok || user.ID == "" {
		deps.logger.Warn("websocket without resolved user", zap.String("remote", request.RemoteAddr))
		return
	}

	session, err := deps.bridge.Join(conn, user)
	if err != nil {
		deps.logger.Warn("join failed", zap.String("user_id", user.ID), zap.Error(err))
		if frame, encErr := domain.Failure(joinFailure(err)).Encode(); encErr == nil {
			_ = conn.Send(frame)
		}
		return
	}
	defer deps.sessions.Unregister(session)

	if err := deps.dispatcher.Serve(ctx, conn, session); err != nil {
		deps.logger.Debug("connection ended", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func joinFailure(err error) string {
	if apperrors.CodeOf(err) == apperrors.CodeUnknown {
		return "chat stream unavailable"
	}
	return apperrors.MessageOf(err)
}
