// Package feed streams toggle changes to browsers over a WebSocket so they do
// not need to poll the state endpoint.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TypeState  = "state"
	TypeChange = "change"

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	bufferSize = 16
)

type Event struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Value bool            `json:"value"`
	State map[string]bool `json:"state,omitempty"`
}

// Hub fans toggle changes out to every connected client.
type Hub struct {
	snapshot func() map[string]bool
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewHub returns a Hub that greets new clients with snapshot().
func NewHub(snapshot func() map[string]bool) *Hub {
	return &Hub{
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross origin access is governed by the CORS settings of the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[chan Event]struct{}),
	}
}

// ToggleChanged publishes a change to every client. A client that has fallen
// too far behind is disconnected instead of blocking the caller.
func (h *Hub) ToggleChanged(name string, value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := Event{Type: TypeChange, Name: name, Value: value}
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slog.Warn("feed client too slow, disconnecting")
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add() chan Event {
	ch := make(chan Event, bufferSize)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request and streams events until either side goes
// away.
func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	events := h.add()
	defer h.remove(events)

	if err := h.serve(request.Context(), conn, events); err != nil {
		slog.Info("feed client disconnected", "err", err)
	}
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, events <-chan Event) error {
	closed := make(chan struct{})
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(closed)
		for {
			// Clients only ever send control frames; reading surfaces the close.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer wg.Wait()
	defer conn.Close()

	if err := writeEvent(conn, Event{Type: TypeState, State: h.snapshot()}); err != nil {
		return err
	}

	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return fmt.Errorf("disconnected by hub")
			}
			if err := writeEvent(conn, ev); err != nil {
				return err
			}
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-closed:
			return fmt.Errorf("closed by client")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Watch connects to a feed at url and calls fn for every event until ctx is
// cancelled or the connection fails.
func Watch(ctx context.Context, url string, fn func(Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		fn(ev)
	}
}
