package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openmined/mirrorbox/internal/server/api"
	"github.com/openmined/mirrorbox/internal/version"
)

// Hub broadcasts events to every connected websocket subscriber.
// A subscriber whose send buffer is full misses the event; delivery is best effort.
type Hub struct {
	subs     map[string]*subscriber
	register chan *subscriber
	done     chan struct{}
	doneOnce sync.Once

	mu sync.RWMutex
	wg sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]*subscriber),
		register: make(chan *subscriber),
		done:     make(chan struct{}),
	}
}

// Run accepts registrations until ctx is done, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("notify hub started")
	defer slog.Info("notify hub stopped")

	for {
		select {
		case sub := <-h.register:
			h.add(ctx, sub)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) add(ctx context.Context, sub *subscriber) {
	h.mu.Lock()
	h.subs[sub.id] = sub
	active := len(h.subs)
	h.mu.Unlock()
	slog.Debug("notify hub registered", "id", sub.id, "remote", sub.remote, "active", active)

	h.wg.Add(1)
	sub.start(ctx)
	go func() {
		defer h.wg.Done()
		<-sub.closed

		h.mu.Lock()
		delete(h.subs, sub.id)
		active := len(h.subs)
		h.mu.Unlock()
		slog.Debug("notify hub removed", "id", sub.id, "active", active)
	}()
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.Close()
	}
	h.wg.Wait()
}

// Notify implements Notifier
func (h *Hub) Notify(eventType string, data any) {
	h.Broadcast(NewEvent(eventType, data))
}

func (h *Hub) Broadcast(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.send(ev) {
			slog.Warn("notify hub send buffer full", "id", sub.id, "type", ev.Type)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Handler upgrades the request to a websocket and registers it with the hub.
func (h *Hub) Handler(ctx *gin.Context) {
	conn, err := websocket.Accept(ctx.Writer, ctx.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS is enforced by the router
	})
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}

	sub := newSubscriber(uuid.NewString(), ctx.ClientIP(), conn)
	sub.send(NewEvent(EventHello, version.Current()))

	select {
	case h.register <- sub:
	case <-h.done:
		sub.Close()
	case <-ctx.Request.Context().Done():
		sub.Close()
	}
}

var _ Notifier = (*Hub)(nil)
