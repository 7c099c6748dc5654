// Package bridge connects the browser shell to the agent over a WebSocket:
// environment signals come in, session state and guard directives go out.
package bridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/environment"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stemsi/exstem-proctor/internal/session"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Publisher receives signals from the shell.
type Publisher interface {
	Publish(sig environment.Signal) int
}

// StateSource supplies the snapshot sent to a newly connected shell.
type StateSource interface {
	Snapshot() session.Snapshot
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Hub fans state out to every connected shell and feeds their signals into
// the environment bus.
type Hub struct {
	bus      Publisher
	enforcer *security.Enforcer
	state    StateSource
	clock    clockwork.Clock
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*connection]struct{}
	lastVersion uint64
}

type connection struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	hub  *Hub
}

// NewHub creates a Hub. Call SetState before serving connections.
func NewHub(bus Publisher, enforcer *security.Enforcer, clock clockwork.Clock, log zerolog.Logger, allowedOrigins []string) *Hub {
	return &Hub{
		bus:      bus,
		enforcer: enforcer,
		clock:    clock,
		log:      logger.Component(log, "shell_bridge"),
		upgrader: buildUpgrader(allowedOrigins),
		conns:    make(map[*connection]struct{}),
	}
}

// SetState attaches the session whose snapshots new connections receive.
func (h *Hub) SetState(src StateSource) {
	h.mu.Lock()
	h.state = src
	h.mu.Unlock()
}

// ShellStream godoc
// WS /ws/v1/shell
// Upgrades to WebSocket for environment signals and state events.
func (h *Hub) ShellStream(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := &connection{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		hub:  h,
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	src := h.state
	h.mu.Unlock()

	h.log.Info().Str("connection_id", conn.id).Msg("shell connected")

	if src != nil {
		conn.enqueue(encode(Message{Event: EventState, Data: src.Snapshot()}))
	}
	conn.enqueue(encode(Message{Event: EventDirective, Data: h.enforcer.Directive()}))

	go conn.writePump()
	conn.readPump()
}

// PublishState sends snap to every shell. Snapshots older than the last one
// sent are dropped.
func (h *Hub) PublishState(snap session.Snapshot) {
	h.mu.Lock()
	if snap.Version != 0 && snap.Version < h.lastVersion {
		h.mu.Unlock()
		return
	}
	h.lastVersion = snap.Version
	h.mu.Unlock()

	h.broadcast(Message{Event: EventState, Data: snap})
}

// PublishDirective sends the guard set to every shell.
func (h *Hub) PublishDirective(d security.Directive) {
	h.broadcast(Message{Event: EventDirective, Data: d})
}

// Connections returns the number of connected shells.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every shell.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) broadcast(msg Message) {
	data := encode(msg)
	if data == nil {
		return
	}

	h.mu.Lock()
	targets := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// handleSignal forwards a shell signal to the bus. Key presses only count
// when the enforcer restricts the combination right now.
func (h *Hub) handleSignal(c *connection, req Request) {
	kind := req.Signal
	if !knownKind(kind) {
		c.enqueue(encode(Message{Event: EventError, Data: ErrorData{Error: "unknown signal: " + string(kind)}}))
		return
	}

	forwarded := true
	if kind == environment.RestrictedKey && !h.enforcer.IsRestricted(req.Combo) {
		forwarded = false
	}
	if forwarded {
		h.bus.Publish(environment.Signal{Kind: kind, At: h.clock.Now(), Combo: security.NormalizeCombo(req.Combo)})
	}

	h.log.Debug().
		Str("connection_id", c.id).
		Str("signal", string(kind)).
		Bool("forwarded", forwarded).
		Msg("shell signal")
	c.enqueue(encode(Message{Event: EventAck, Data: AckData{Signal: kind, Forwarded: forwarded}}))
}

func knownKind(k environment.Kind) bool {
	switch k {
	case environment.FocusLoss, environment.VisibilityHidden, environment.FullscreenExit,
		environment.FullscreenEnter, environment.FullscreenDenied, environment.RestrictedKey:
		return true
	}
	return false
}

func encode(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

// enqueue drops the connection when its buffer is full.
func (c *connection) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn().Str("connection_id", c.id).Msg("connection send buffer full, closing connection")
		c.close()
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		c.conn.Close()
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug().Err(err).Str("connection_id", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected close")
			} else {
				c.hub.log.Debug().Str("connection_id", c.id).Msg("shell disconnected")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch req.Action {
		case ActionSignal:
			c.hub.handleSignal(c, req)
		case ActionPing:
			c.enqueue(encode(Message{Event: EventPong}))
		default:
			c.enqueue(encode(Message{Event: EventError, Data: ErrorData{Error: "unknown action: " + string(req.Action)}}))
		}
	}
}
