package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	clientReadLimit = 4096
	clientSendQueue = 256
	pingInterval    = 30 * time.Second
)

var errSendClosed = errors.New("send queue closed")

// orgFilter selects the orgs a client hears about. A nil filter admits
// every org.
type orgFilter map[string]struct{}

func (f orgFilter) admits(orgID string) bool {
	if f == nil || orgID == "" {
		return true
	}
	_, ok := f[orgID]
	return ok
}

type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu   sync.RWMutex
	orgs orgFilter
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendQueue),
		hub:  hub,
	}
}

// serve runs the client's read and write loops until either stops, then
// leaves the hub.
func (c *Client) serve(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	err := g.Wait()

	c.hub.unregisterClient(c)
	c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && !errors.Is(err, errSendClosed) && ctx.Err() == nil &&
		websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		c.hub.logger.Debug("event client stopped", "client_id", c.id, "error", err)
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.conn.SetReadLimit(clientReadLimit)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.SendError(c, "invalid message format")
			continue
		}
		if reason := c.apply(msg); reason != "" {
			c.hub.SendError(c, reason)
		}
	}
}

// apply handles one control message and returns a non-empty reason when it
// is refused.
func (c *Client) apply(msg ClientMessage) string {
	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.OrgID)
	case "unsubscribe":
		c.unsubscribe(msg.OrgID)
	default:
		return "unknown message type: " + msg.Type
	}
	return ""
}

func (c *Client) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return err
			}
		case msg, ok := <-c.send:
			if !ok {
				return errSendClosed
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return err
			}
		}
	}
}

// subscribe narrows the client to orgID on top of earlier subscriptions. An
// empty orgID restores the receive-everything default.
func (c *Client) subscribe(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if orgID == "" {
		c.orgs = nil
		return
	}
	if c.orgs == nil {
		c.orgs = orgFilter{}
	}
	c.orgs[orgID] = struct{}{}
}

func (c *Client) unsubscribe(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orgs != nil {
		delete(c.orgs, orgID)
	}
}

func (c *Client) wantsOrg(orgID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orgs.admits(orgID)
}
