package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pairrelay/internal/auth"
	"github.com/haasonsaas/pairrelay/internal/pairing"
	"github.com/haasonsaas/pairrelay/internal/ratelimit"
	"github.com/haasonsaas/pairrelay/pkg/models"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPingPeriod      = 30 * time.Second
	wsPongWait        = 60 * time.Second
	wsControlWait     = 5 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// wsConn adapts a websocket to pairing.Conn. Frames are written by a single
// writer goroutine; Close lets it flush queued frames before the close
// frame goes out.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	user   *models.User
	logger *slog.Logger

	send chan []byte
	quit chan struct{}
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, user *models.User, buffer int, logger *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:     id,
		conn:   conn,
		user:   user,
		logger: logger.With("conn", id),
		send:   make(chan []byte, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Ready() bool { return !c.closed.Load() }

// Send queues resp. It is a no-op once the connection is closing.
func (c *wsConn) Send(resp pairing.Response) error {
	if c.closed.Load() {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.quit:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
	})
}

func (c *wsConn) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.Close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWait)); err != nil {
				c.Close()
				_ = c.conn.Close()
				return
			}
		case <-c.quit:
			c.flush()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsControlWait),
			)
			_ = c.conn.Close()
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop feeds frames to the relay until the socket fails or closes.
func (c *wsConn) readLoop(relay *pairing.Relay) {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			relay.HandleInvalid(c)
			continue
		}
		relay.HandleFrame(c, data)
	}
}

// wsHandler upgrades requests and runs one connection per socket.
type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.server
	if !s.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if client := ratelimit.ClientKey(r); !s.upgrades.Allow(client) {
		wait := s.upgrades.RetryAfter(client)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		s.logger.Warn("websocket upgrade throttled", "client", client)
		return
	}
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	user, _ := auth.UserFromContext(r.Context())
	conn := newWSConn(raw, user, s.config.Pairing.SendBuffer, s.logger)

	if !s.track(conn) {
		conn.Close()
		go conn.writeLoop()
		<-conn.done
		return
	}
	defer s.untrack(conn)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	conn.logger.Debug("websocket connected", "remote", r.RemoteAddr, "dashboard", user != nil)

	go conn.writeLoop()
	conn.readLoop(s.relay)

	conn.Close()
	s.relay.HandleClose(conn)
	<-conn.done
	conn.logger.Debug("websocket disconnected")
}

// Authorizer returns the create-session check for dashboard sockets.
func Authorizer(service *auth.Service) pairing.AuthorizeFunc {
	return func(conn pairing.Conn, companyID int64) error {
		var user *models.User
		if c, ok := conn.(*wsConn); ok {
			user = c.user
		}
		return service.AuthorizeCompany(user, companyID)
	}
}
