// Package opswatch exposes a websocket endpoint that broadcasts
// periodic JSON snapshots of server.Server's stats to connected
// dashboards, grounded on the teacher's main.go serveWS client
// registry and ping/pong keepalive loop.
package opswatch

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opera-aberglund/nimble-server-lib/internal/logging"
)

const (
	writeWait          = 10 * time.Second
	pingInterval       = 30 * time.Second
	pongWaitMultiplier = 2
	broadcastInterval  = time.Second
	sendBufferSize     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StatsProvider is polled at broadcastInterval to produce the
// snapshot payload sent to every connected watcher.
type StatsProvider interface {
	Snapshot() any
}

// StatsProviderFunc adapts a function into a StatsProvider.
type StatsProviderFunc func() any

// Snapshot implements StatsProvider.
func (f StatsProviderFunc) Snapshot() any { return f() }

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	log  *logging.Logger
}

// Watch is the websocket broadcast hub. Its zero value is not usable;
// construct with NewWatch.
type Watch struct {
	log   *logging.Logger
	stats StatsProvider

	mu      sync.Mutex
	clients map[*client]struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatch constructs a Watch that polls stats at broadcastInterval
// and fans the resulting snapshot out to every connected client.
func NewWatch(log *logging.Logger, stats StatsProvider) *Watch {
	if log == nil {
		log = logging.L()
	}
	w := &Watch{
		log:     log,
		stats:   stats,
		clients: make(map[*client]struct{}),
		stop:    make(chan struct{}),
	}
	go w.broadcastLoop()
	return w
}

// Close stops the broadcast loop and disconnects all clients.
func (w *Watch) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.clients {
		close(c.send)
		delete(w.clients, c)
	}
}

func (w *Watch) broadcastLoop() {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if w.stats == nil {
				continue
			}
			payload, err := json.Marshal(w.stats.Snapshot())
			if err != nil {
				w.log.Warn("opswatch snapshot marshal failed", logging.Error(err))
				continue
			}
			w.broadcast(payload)
		}
	}
}

func (w *Watch) broadcast(msg []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.clients {
		select {
		case c.send <- msg:
		default:
			//1.- A slow client is dropped rather than blocking the whole hub.
			close(c.send)
			delete(w.clients, c)
		}
	}
}

func (w *Watch) register(c *client) {
	w.mu.Lock()
	w.clients[c] = struct{}{}
	w.mu.Unlock()
}

func (w *Watch) deregister(c *client) {
	w.mu.Lock()
	if _, ok := w.clients[c]; ok {
		delete(w.clients, c)
		close(c.send)
	}
	w.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and registers the
// resulting client with the broadcast hub.
func (w *Watch) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	reqLogger := w.log.With(logging.String("remote_addr", r.RemoteAddr))
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		reqLogger.Error("opswatch websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize), id: r.RemoteAddr, log: reqLogger}
	w.register(c)

	waitDuration := pongWaitMultiplier * pingInterval
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		c.log.Error("failed to set initial read deadline", logging.Error(err))
		w.deregister(c)
		_ = conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go w.readPump(c, waitDuration)
	go w.writePump(c)
}

// readPump discards inbound messages (this is a broadcast-only feed)
// but keeps the keepalive deadline moving and detects disconnects.
func (w *Watch) readPump(c *client, waitDuration time.Duration) {
	defer func() {
		w.deregister(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("opswatch read deadline exceeded", logging.Error(err))
			} else if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("opswatch read error", logging.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			c.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
	}
}

func (w *Watch) writePump(c *client) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("failed to set write deadline", logging.Error(err))
				w.deregister(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Error("opswatch write error", logging.Error(err))
				w.deregister(c)
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("opswatch ping failure", logging.Error(err))
				w.deregister(c)
				return
			}
		}
	}
}
