package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync/subscription"
)

const (
	sseWriteWait = 10 * time.Second
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// RegisterStream wires the live-update endpoints on e.
func RegisterStream(e *echo.Echo, app *App) {
	e.GET("/stream", app.streamEvents)
	e.GET("/ws", app.streamSocket)
}

// streamAuthHeader accepts the token from the header or, for clients that
// cannot set headers, from the token query parameter.
func streamAuthHeader(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			header = "Bearer " + token
		}
	}
	return header
}

// sseSink writes each payload as one server-sent event. Every write has a
// deadline and is cut short when the push context ends, so a client that
// stopped reading cannot hold the subscription open.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func (s sseSink) Send(ctx context.Context, payload []byte) error {
	if err := s.setWriteDeadline(time.Now().Add(sseWriteWait)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.setWriteDeadline(time.Now()) })
	defer stop()

	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s sseSink) setWriteDeadline(t time.Time) error {
	if s.rc == nil {
		return nil
	}
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (a *App) streamEvents(c echo.Context) error {
	scope, err := a.scopeFor(streamAuthHeader(c))
	if err != nil {
		return unauthorized(c)
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	handle := a.Broadcaster.Attach(ctx, scope, subscription.ParseMode(c.QueryParam("mode")), sseSink{
		w:       c.Response(),
		flusher: flusher,
		rc:      http.NewResponseController(c.Response().Writer),
	})
	a.logger().WithFields(log.Fields{"subscription": handle.ID(), "scope": scope.Key()}).Info("sse client connected")

	if err := handle.Serve(ctx); err != nil {
		a.logger().WithError(err).WithField("subscription", handle.ID()).Warn("sse stream ended")
	}
	return nil
}

// wsSink writes each payload as one text frame.
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Send(_ context.Context, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (a *App) streamSocket(c echo.Context) error {
	scope, err := a.scopeFor(streamAuthHeader(c))
	if err != nil {
		return unauthorized(c)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		a.logger().WithError(err).Warn("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	handle := a.Broadcaster.Attach(ctx, scope, subscription.ParseMode(c.QueryParam("mode")), wsSink{conn: conn})
	logger := a.logger().WithFields(log.Fields{"subscription": handle.ID(), "scope": scope.Key()})
	logger.Info("websocket client connected")

	var wg sync.WaitGroup
	wg.Add(2)
	// Client messages are ignored; reading surfaces close frames and
	// dead peers.
	go func() {
		defer wg.Done()
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	if err := handle.Serve(ctx); err != nil {
		logger.WithError(err).Warn("websocket stream ended")
	}
	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	wg.Wait()
	return nil
}
