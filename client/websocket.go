package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventSource is a stream of decoded events. Close releases the underlying
// connection and is safe to call more than once.
type EventSource interface {
	ReadEvent(ctx context.Context) (WSMessage, error)
	Close() error
}

type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	MaxRetry     int

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 250 milliseconds
	MaxDelay  time.Duration // The maximum delay, e.g., 5 seconds
	Dialer    websocket.Dialer

	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// ConnectEvents opens the event stream for the client's id. Open it before
// queueing a prompt so no event of that prompt is missed.
func (c *ComfyClient) ConnectEvents(ctx context.Context) (*WebSocketConnection, error) {
	w := &WebSocketConnection{
		WebSocketURL: c.websocketURL(),
		MaxRetry:     c.dialRetries,
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Dialer:       *websocket.DefaultDialer,
		logger:       c.logger,
	}
	if err := w.Connect(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Connect dials the WebSocket, retrying with exponential backoff up to MaxRetry times.
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	if w.logger == nil {
		w.logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	if w.BaseDelay > 0 {
		b.InitialInterval = w.BaseDelay
	}
	if w.MaxDelay > 0 {
		b.MaxInterval = w.MaxDelay
	}

	attempt := 0
	connect := func() error {
		attempt++
		conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
		if err != nil {
			w.logger.Warn("connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		w.Conn = conn
		return nil
	}

	if err := backoff.Retry(connect, backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.MaxRetry)), ctx)); err != nil {
		return fmt.Errorf("connecting to %s: %w", w.WebSocketURL, err)
	}
	return nil
}

// ReadEvent blocks until the next decodable text frame, the context deadline,
// or cancellation. Binary frames (previews) and undecodable frames are skipped.
// An elapsed deadline is reported as context.DeadlineExceeded.
func (w *WebSocketConnection) ReadEvent(ctx context.Context) (WSMessage, error) {
	if w.Conn == nil {
		return nil, errors.New("websocket is not connected")
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := w.Conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock the read when the context is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = w.Conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, message, err := w.Conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeWSMessage(message)
		if err != nil {
			w.logger.Warn("skipping undecodable event", zap.Error(err))
			continue
		}
		return msg, nil
	}
}

// Close sends a close frame and releases the connection. Only the first call has an effect.
func (w *WebSocketConnection) Close() error {
	w.closeOnce.Do(func() {
		if w.Conn == nil {
			return
		}
		_ = w.Conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.closeErr = w.Conn.Close()
	})
	return w.closeErr
}
