package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Publishers are expected to sit behind the same origin or a
		// reverse proxy; adjust if you introduce cross-origin browsers.
		return true
	},
}

// Scope names follow the original namespace rule: word characters only.
var validScope = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// envelope is the wire format for every server-to-client frame.
type envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type wsInbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type connectedPayload struct {
	ID      string `json:"id"`
	Service string `json:"service"`
}

type filtersPayload struct {
	Service string `json:"service"`
	Filters filter `json:"filters"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// wsClient is one live connection. The write pump owns the conn for writes;
// trySend hands frames to it through the buffered send channel and fails
// fast instead of blocking a dispatch behind a stalled peer.
type wsClient struct {
	id    string
	scope string
	srv   *server
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}

	closeOnce sync.Once
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	scope := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if scope == "" {
		scope = s.cfg.DefaultScope
	}
	if !validScope.MatchString(scope) {
		http.Error(w, "invalid service name", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if !errors.Is(err, http.ErrHijacked) {
			s.logger.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	client := &wsClient{
		id:    uuid.NewString(),
		scope: scope,
		srv:   s,
		conn:  conn,
		send:  make(chan []byte, s.cfg.SendBuffer),
		done:  make(chan struct{}),
	}

	if err := s.reg.insert(client.id, scope, client); err != nil {
		// Only reachable if uuid generation collides; that is an
		// internal invariant violation, not a client mistake.
		s.logger.Error("subscriber insert failed", "id", client.id, "error", err)
		_ = conn.Close()
		return
	}

	s.logger.Info("client connected", "service", scope, "id", client.id)
	client.sendEnvelope("connected", connectedPayload{ID: client.id, Service: scope})

	go client.writeLoop()
	client.readLoop()
}

func (c *wsClient) readLoop() {
	defer c.close()

	cfg := c.srv.cfg
	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout.value()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout.value()))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("websocket read error", "id", c.id, "error", err)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message: expected a JSON object with a type field")
			continue
		}
		c.handleEvent(msg)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval.value())
	defer func() {
		ticker.Stop()
		c.close()
	}()

	writeWait := c.srv.cfg.WriteTimeout.value()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *wsClient) handleEvent(msg wsInbound) {
	switch msg.Type {
	case "register_filters":
		c.handleSetFilters(msg.Data, "filters_registered")
	case "update_filters":
		c.handleSetFilters(msg.Data, "filters_updated")
	case "get_filters":
		c.handleGetFilters()
	case "ping":
		c.sendEnvelope("pong", map[string]any{})
	default:
		c.sendError(fmt.Sprintf("unknown type: %s", msg.Type))
	}
}

// handleSetFilters replaces the client's filter wholesale. register and
// update are deliberately the same operation; only the ack type differs.
func (c *wsClient) handleSetFilters(data json.RawMessage, ackType string) {
	var f filter
	if len(data) == 0 || json.Unmarshal(data, &f) != nil || f == nil {
		c.sendError("filters must be a JSON object")
		return
	}
	if err := validateFilter(f); err != nil {
		c.sendError(err.Error())
		return
	}

	stored, err := c.srv.reg.setFilter(c.id, f)
	if err != nil {
		// Raced our own disconnect; the connection is on its way out.
		c.srv.logger.Info("filter update for departed subscriber", "id", c.id)
		c.sendError("subscriber no longer registered")
		return
	}

	c.srv.logger.Info("filters set", "service", c.scope, "id", c.id, "filters", stored)
	c.sendEnvelope(ackType, filtersPayload{Service: c.scope, Filters: stored})
}

func (c *wsClient) handleGetFilters() {
	f, err := c.srv.reg.currentFilter(c.id)
	if err != nil {
		c.sendError("no filters registered")
		return
	}
	c.sendEnvelope("current_filters", filtersPayload{Service: c.scope, Filters: f})
}

// trySend implements sender. It never blocks: a closed client or a full
// buffer reports failure immediately so dispatch can count it and move on.
func (c *wsClient) trySend(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) sendEnvelope(typ string, data any) {
	payload, err := json.Marshal(envelope{Type: typ, Data: data, Timestamp: isoNow()})
	if err != nil {
		c.srv.logger.Error("marshal outbound frame", "type", typ, "error", err)
		return
	}
	if err := c.trySend(payload); err != nil {
		c.srv.logger.Debug("outbound frame dropped", "type", typ, "id", c.id, "reason", err)
	}
}

func (c *wsClient) sendError(message string) {
	c.sendEnvelope("error", errorPayload{Message: message})
}

// close removes the subscriber and tears the connection down, exactly once.
// Removal is synchronous with disconnect detection: once close returns, no
// registry read can observe this client.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.srv.reg.remove(c.id)
		close(c.done)
		_ = c.conn.Close()
		c.srv.logger.Info("client disconnected", "service", c.scope, "id", c.id)
	})
}
