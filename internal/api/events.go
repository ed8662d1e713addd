package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamEvents upgrades to a WebSocket and forwards hub events as JSON
// frames. ?types=a,b restricts the stream to the listed event types. A slow
// client only loses its own events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	filter := parseTypes(r.URL.Query().Get("types"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	reqID := RequestIDFrom(r.Context())
	sub := s.events.Subscribe("ws-"+reqID, s.opts.EventBuffer)
	defer sub.Unsubscribe()
	logger := s.logger.With(zap.String("request_id", reqID))
	logger.Info("event stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Info("event stream closed by client", zap.Int64("dropped", sub.Dropped()))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"),
					time.Now().Add(writeWait))
				return
			}
			if filter != nil {
				if _, keep := filter[evt.Type]; !keep {
					continue
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func parseTypes(raw string) map[progress.EventType]struct{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[progress.EventType]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[progress.EventType(part)] = struct{}{}
		}
	}
	return out
}
