// Package ws serves the client protocol over websocket connections. Each
// connection gets a reader that feeds requests to the session Coordinator and
// a writer that drains the connection's outbox to the wire.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/chessroom/internal/config"
	"github.com/cory-johannsen/chessroom/internal/game/session"
	"github.com/cory-johannsen/chessroom/internal/observability"
)

const writeTimeout = 10 * time.Second

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	coord   *session.Coordinator
	cfg     config.SessionConfig
	origins []string
	logger  *zap.Logger

	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

// NewHandler creates a websocket Handler. origins are host patterns accepted
// from cross-origin browsers; same-origin and non-browser clients are always
// accepted.
//
// Precondition: coord and logger must be non-nil.
// Postcondition: Returns a Handler ready to be mounted on an HTTP server.
func NewHandler(coord *session.Coordinator, cfg config.SessionConfig, origins []string, logger *zap.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		coord:   coord,
		cfg:     cfg,
		origins: origins,
		logger:  logger,
		base:    ctx,
		cancel:  cancel,
	}
}

// ServeHTTP implements http.Handler. It blocks for the life of the session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket handshake failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if h.cfg.ReadLimit > 0 {
		c.SetReadLimit(h.cfg.ReadLimit)
	}

	connID := uuid.NewString()
	logger := observability.ConnLogger(h.logger, "ws", connID)
	if err := h.serve(c, connID, logger); err != nil {
		logger.Debug("session ended", zap.Error(err))
	}
}

// serve runs one session until either side goes away.
func (h *Handler) serve(c *websocket.Conn, connID string, logger *zap.Logger) error {
	start := time.Now()
	out, err := h.coord.Connect(connID)
	if err != nil {
		_ = c.Close(websocket.StatusInternalError, "connect failed")
		return fmt.Errorf("registering connection: %w", err)
	}
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	var leaving atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		if err := h.writeLoop(ctx, c, out, &leaving); err != nil && !leaving.Load() {
			logger.Debug("writer stopped", zap.Error(err))
		}
	}()

	readErr := h.readLoop(ctx, c, connID, logger)

	leaving.Store(true)
	h.coord.Disconnect(connID)
	<-done
	_ = c.Close(websocket.StatusNormalClosure, "")

	logger.Info("client disconnected", zap.Duration("duration", time.Since(start)))
	if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(readErr) == websocket.StatusGoingAway {
		return nil
	}
	return readErr
}

// readLoop decodes inbound frames and hands them to the Coordinator until
// the connection fails or ctx is cancelled.
func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, connID string, logger *zap.Logger) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			_ = h.coord.Reject(connID, "", errors.New("binary frames are not supported"))
			continue
		}
		var req session.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = h.coord.Reject(connID, "", err)
			continue
		}
		if err := h.coord.Handle(connID, req); err != nil {
			logger.Debug("request rejected",
				zap.String("request_id", req.RequestID),
				zap.String("intent", req.Intent),
				zap.String("reason", session.Code(err)),
			)
		}
	}
}

// writeLoop writes queued frames in order and keeps the connection alive
// with pings. A closed outbox before the reader has finished means the
// Coordinator cut the connection off for falling behind.
func (h *Handler) writeLoop(ctx context.Context, c *websocket.Conn, out *session.Outbox, leaving *atomic.Bool) error {
	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		t := time.NewTicker(h.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-out.Frames():
			if !ok {
				if leaving.Load() {
					return nil
				}
				_ = c.Close(websocket.StatusPolicyViolation, "client too slow")
				return session.ErrOutboxClosed
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// Shutdown stops accepting sessions, cancels the live ones and waits for
// them to finish or for ctx to expire.
//
// Postcondition: No new sessions are accepted.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket sessions: %w", ctx.Err())
	}
}
