package admin

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/sensorhub/internal/events"
	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
)

// Event is one item on the /events stream.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFeed is satisfied by *events.Bus[Event].
type EventFeed interface {
	Subscribe(fn func(Event)) events.Subscription
}

// streamEvents upgrades to a websocket and forwards feed events until the
// client goes away or the server shuts down. Slow clients lose events rather
// than stalling publishers.
func (s *Server) streamEvents(c *gin.Context) {
	if s.deps.Feed == nil {
		disabled(c, "event feed")
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("event stream upgrade failed")
		return
	}
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Info().Str("remote", remote).Msg("event stream opened")

	queue := make(chan Event, streamBuffer)
	var dropped atomic.Int64
	sub := s.deps.Feed.Subscribe(func(ev Event) {
		select {
		case queue <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer sub.Unsubscribe()
	observability.AddEventStreams(1)
	defer observability.AddEventStreams(-1)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Str("remote", remote).Msg("event stream read ended")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	write := func(ev Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug().Err(err).Str("remote", remote).Msg("event stream write failed")
			return false
		}
		return true
	}

	if !write(Event{Type: "hello", Data: gin.H{"hub": s.id}, Timestamp: time.Now().UTC()}) {
		return
	}
	for {
		select {
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub stopping"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			s.logger.Info().Str("remote", remote).Int64("dropped", dropped.Load()).Msg("event stream closed")
			return
		case <-ticker.C:
			if !write(Event{Type: "ping", Timestamp: time.Now().UTC()}) {
				return
			}
		case ev := <-queue:
			if !write(ev) {
				return
			}
		}
	}
}

// checkOrigin admits same-host clients, non-browser clients, and the
// configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
