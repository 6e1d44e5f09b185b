// Package rpc is the websocket surface of the hub: the event
// subscription stream plus the request commands. Requests carry a
// top-level "command" and optional "id"; every remaining field is a
// parameter.
package rpc

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclearing/hubd/internal/events"
)

const (
	sendBuffer   = 256
	maxFrameSize = 512 * 1024
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
)

// WebSocketServer upgrades connections and dispatches their commands.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	handlers *Handlers

	mu    sync.RWMutex
	conns map[string]*wsConn
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	sub *events.Subscription
}

// NewWebSocketServer creates a server dispatching to handlers.
func NewWebSocketServer(handlers *Handlers) *WebSocketServer {
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: handlers,
		conns:    make(map[string]*wsConn),
	}
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (ws *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	ws.mu.Lock()
	ws.conns[c.id] = c
	ws.mu.Unlock()

	go ws.readLoop(c)
	go ws.writeLoop(c)
}

func (ws *WebSocketServer) readLoop(c *wsConn) {
	defer ws.close(c)

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read failed on %s: %v", c.id, err)
			}
			return
		}
		ws.dispatch(c, message)
	}
}

func (ws *WebSocketServer) writeLoop(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.close(c)
				return
			}
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("websocket send failed on %s: %v", c.id, err)
				ws.close(c)
				return
			}
		}
	}
}

// dispatch parses one command and routes it.
func (ws *WebSocketServer) dispatch(c *wsConn, message []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		ws.sendError(c, nil, invalidParams("invalid JSON: "+err.Error()))
		return
	}

	var cmd Command
	if v, ok := raw["command"]; ok {
		if err := json.Unmarshal(v, &cmd.Command); err != nil || cmd.Command == "" {
			ws.sendError(c, nil, invalidParams("command must be a non-empty string"))
			return
		}
	} else {
		ws.sendError(c, nil, invalidParams("missing command field"))
		return
	}
	if v, ok := raw["id"]; ok {
		_ = json.Unmarshal(v, &cmd.ID)
	}
	delete(raw, "command")
	delete(raw, "id")
	if len(raw) > 0 {
		params, _ := json.Marshal(raw)
		cmd.Params = params
	}

	if cmd.Command == "subscribe_events" {
		ws.handleSubscribe(c, cmd)
		return
	}

	result, wserr := ws.handlers.Handle(c.ctx, cmd)
	if wserr != nil {
		ws.sendError(c, cmd.ID, wserr)
		return
	}
	ws.sendJSON(c, Response{Type: "response", ID: cmd.ID, Status: "success", Result: result})
}

// handleSubscribe attaches the connection to the event bus. When the
// journal cannot cover the client's last_seen_seq the reply carries
// resync=true and a full snapshot; the live feed starts after it.
func (ws *WebSocketServer) handleSubscribe(c *wsConn, cmd Command) {
	var p subscribeParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			ws.sendError(c, cmd.ID, invalidParams("invalid subscription parameters"))
			return
		}
	}

	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		ws.sendError(c, cmd.ID, invalidParams("connection is already subscribed"))
		return
	}
	sub, resync, err := ws.handlers.bus.Subscribe(p.LastSeenSeq)
	if err != nil {
		c.mu.Unlock()
		ws.sendError(c, cmd.ID, errorOf(err))
		return
	}
	c.sub = sub
	c.mu.Unlock()

	result := map[string]interface{}{"subscribed": true, "resync": resync}
	if resync {
		snap, serr := ws.handlers.Snapshot(c.ctx, snapshotParams{})
		if serr != nil {
			ws.handlers.bus.Unsubscribe(sub.ID())
			ws.sendError(c, cmd.ID, serr)
			return
		}
		result["snapshot"] = snap
	}
	ws.sendJSON(c, Response{Type: "response", ID: cmd.ID, Status: "success", Result: result})

	go ws.pumpEvents(c, sub)
}

// pumpEvents forwards the subscription feed onto the connection. The
// send here may block; the bus's bounded queue is what sheds load, by
// disconnecting the subscription when it fills.
func (ws *WebSocketServer) pumpEvents(c *wsConn, sub *events.Subscription) {
	defer ws.handlers.bus.Unsubscribe(sub.ID())
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-sub.Lost():
			ws.sendEvent(c, ev)
			ws.close(c)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			ws.sendEvent(c, ev)
		}
	}
}

func (ws *WebSocketServer) sendEvent(c *wsConn, ev events.Event) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		events.Event
	}{Type: "event", Event: ev})
	if err != nil {
		log.Printf("event marshal failed: %v", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (ws *WebSocketServer) sendJSON(c *wsConn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("response marshal failed: %v", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		log.Printf("send channel full, closing connection %s", c.id)
		ws.close(c)
	}
}

func (ws *WebSocketServer) sendError(c *wsConn, id interface{}, wserr *wsError) {
	response := map[string]interface{}{
		"type":          "response",
		"status":        "error",
		"error":         wserr.Kind,
		"error_message": wserr.Message,
	}
	if id != nil {
		response["id"] = id
	}
	ws.sendJSON(c, response)
}

func (ws *WebSocketServer) close(c *wsConn) {
	c.cancel()

	ws.mu.Lock()
	delete(ws.conns, c.id)
	ws.mu.Unlock()

	c.mu.Lock()
	if c.sub != nil {
		ws.handlers.bus.Unsubscribe(c.sub.ID())
		c.sub = nil
	}
	c.mu.Unlock()

	c.conn.Close()
}

// CloseAll disconnects every connection. Used at shutdown.
func (ws *WebSocketServer) CloseAll() {
	ws.mu.Lock()
	conns := make([]*wsConn, 0, len(ws.conns))
	for _, c := range ws.conns {
		conns = append(conns, c)
	}
	ws.mu.Unlock()
	for _, c := range conns {
		ws.close(c)
	}
}
