package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/agentmarket/internal/metrics"
	"nhooyr.io/websocket"
)

// Hub streams marketplace events to websocket clients. A nil *Hub accepts
// Publish calls and drops them.
type Hub struct {
	clients    map[string]*Client
	register   chan *clientRegistration
	unregister chan *Client
	broadcast  chan hubBroadcast
	token      string
	logger     *slog.Logger
	mu         sync.RWMutex
	ctxWrap    *ctxWrapper
	running    atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client *Client
	hello  []byte
}

func New(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan hubBroadcast, 256),
		token:      token,
		logger:     logger,
		ctxWrap:    &ctxWrapper{ctx: context.Background()},
	}
}

func (h *Hub) getContext() context.Context {
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			metrics.SetHubClients(0)
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.hello != nil {
				select {
				case reg.client.send <- reg.hello:
				default:
				}
			}
			go reg.client.serve(h.getContext())
			count := h.ClientCount()
			metrics.SetHubClients(count)
			h.logger.Info("event client connected", "client_id", reg.client.id, "total", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			count := h.ClientCount()
			metrics.SetHubClients(count)
			h.logger.Info("event client disconnected", "client_id", client.id, "total", count)

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) broadcastToClients(msg hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsOrg(msg.orgID) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("event client send buffer full, dropping event", "client_id", c.id)
		}
	}
}

// HandleWebSocket upgrades the request. The token query parameter must match
// the hub token; an optional comma separated org parameter sets the initial
// subscriptions.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	var orgs []string
	if raw := strings.TrimSpace(r.URL.Query().Get("org")); raw != "" {
		for _, org := range strings.Split(raw, ",") {
			if org = strings.TrimSpace(org); org != "" {
				client.subscribe(org)
				orgs = append(orgs, org)
			}
		}
	}
	hello, _ := json.Marshal(HelloMessage{Type: "hello", ClientID: client.id, Orgs: orgs})

	select {
	case h.register <- &clientRegistration{client: client, hello: hello}:
	default:
		h.logger.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// Publish fans ev out to subscribed clients without blocking the caller.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, orgID: ev.OrgID}:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", ev.Type, "entity_id", ev.EntityID)
	}
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Message: message})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
