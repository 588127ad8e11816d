package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the dashboard origin once it is deployed behind
		// a fixed hostname
		return true
	},
}

// ClientMessage is what a websocket client sends.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	LoopID string `json:"loopId"` // loop ID, or "*" for every loop
}

// ServerMessage is what the server pushes.
type ServerMessage struct {
	Type    string `json:"type"` // "point", "subscribed", "unsubscribed", "ping", "error"
	Payload any    `json:"payload"`
}

// loopSubscriptions tracks which loops one client wants.
type loopSubscriptions struct {
	mu    sync.RWMutex
	loops map[string]bool
}

func newLoopSubscriptions() *loopSubscriptions {
	return &loopSubscriptions{loops: make(map[string]bool)}
}

func (ls *loopSubscriptions) subscribe(loopID string) {
	ls.mu.Lock()
	ls.loops[loopID] = true
	ls.mu.Unlock()
}
func (ls *loopSubscriptions) unsubscribe(loopID string) {
	ls.mu.Lock()
	delete(ls.loops, loopID)
	ls.mu.Unlock()
}

func (ls *loopSubscriptions) wants(loopID string) bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.loops["*"] || ls.loops[loopID]
}

// HandleWebSocket upgrades the connection and streams live points for the
// loops the client subscribes to.
//
// Client sends: {"action": "subscribe", "loopId": "TIC-101"} or "*" for all.
// Server sends point, subscribed/unsubscribed acks, pings, and errors.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.Bus == nil {
		http.Error(w, "Live streaming not available (bus disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	c.App.Logger.Info("Websocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newLoopSubscriptions()
	send := make(chan ServerMessage, 256)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.forwardLivePoints(ctx, send, subs)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case send <- ServerMessage{Type: "ping", Payload: map[string]int64{"timestamp": time.Now().Unix()}}:
				default:
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if writeErr := conn.WriteJSON(msg); writeErr != nil {
				cancel()
				return
			}
		}
	}()

	// Read loop doubles as close detection; it returns when the client
	// disconnects.
	c.readClientMessages(ctx, conn, cancel, subs, send)

	close(send)
	wg.Wait()
	c.App.Logger.Info("Websocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// forwardLivePoints tails the bus and forwards points the client asked for.
// The bus subscription covers every loop; filtering happens here so
// subscribe/unsubscribe never needs a new Redis round-trip.
func (c *Controller) forwardLivePoints(ctx context.Context, send chan<- ServerMessage, subs *loopSubscriptions) {
	sub := c.App.Bus.SubscribeLoops(ctx)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case lp, ok := <-sub.Points():
			if !ok {
				return
			}
			if !subs.wants(lp.LoopID) {
				continue
			}
			select {
			case send <- ServerMessage{Type: "point", Payload: lp}:
			case <-ctx.Done():
				return
			default:
				// Slow consumer: drop rather than stall the tail.
			}
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *loopSubscriptions, send chan<- ServerMessage) {
	defer cancel()

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]string{"message": "invalid message"}})
			continue
		}

		switch msg.Action {
		case "subscribe":
			subs.subscribe(msg.LoopID)
			c.trySend(ctx, send, ServerMessage{Type: "subscribed", Payload: map[string]string{"loopId": msg.LoopID}})
		case "unsubscribe":
			subs.unsubscribe(msg.LoopID)
			c.trySend(ctx, send, ServerMessage{Type: "unsubscribed", Payload: map[string]string{"loopId": msg.LoopID}})
		default:
			c.trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action " + msg.Action}})
		}
	}
}

func (c *Controller) trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) {
	select {
	case send <- msg:
	case <-ctx.Done():
	}
}
