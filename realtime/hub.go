package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"market_intel/models"
)

const writeTimeout = 5 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans progress events out to websocket subscribers, one channel per
// tenant. Intermediate updates are throttled per tenant; events that close a
// job or a platform are always delivered. Dropped updates lose nothing a
// subscriber needs: each event carries cumulative platform counters, and
// GET /api/scrape/jobs/{id} returns the persisted totals.
type Hub struct {
	throttle time.Duration
	upgrader websocket.Upgrader
	origins  map[string]bool

	mu       sync.RWMutex
	channels map[string]map[*client]struct{}
	limiters map[string]*rate.Limiter
}

// NewHub creates a hub. A throttle of zero delivers every event. Browsers may
// connect from the serving host or from one of allowedOrigins; "*" allows any.
func NewHub(throttle time.Duration, allowedOrigins []string) *Hub {
	h := &Hub{
		throttle: throttle,
		origins:  make(map[string]bool, len(allowedOrigins)),
		channels: make(map[string]map[*client]struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range allowedOrigins {
		h.origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts non-browser clients, which send no Origin header.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins["*"] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return h.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
}

// Publish delivers ev to the tenant's subscribers. Write failures drop the
// subscriber and are returned joined.
func (h *Hub) Publish(ctx context.Context, ev models.ProgressEvent) error {
	if ev.OrgID == "" {
		return fmt.Errorf("event for job %s has no org", ev.JobID)
	}
	clients := h.subscribers(ev.OrgID)
	if len(clients) == 0 {
		return nil
	}
	if !ev.Final() && !h.allow(ev.OrgID) {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.write(data); err != nil {
			errs = append(errs, err)
			h.remove(ev.OrgID, c)
		}
	}
	return errors.Join(errs...)
}

// ServeWS upgrades the request and subscribes it to the tenant's channel
// until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, orgID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade websocket connection")
		return
	}

	c := &client{conn: conn}
	h.add(orgID, c)
	log.Debug().Str("org_id", orgID).Int("subscribers", h.Subscribers(orgID)).Msg("Progress subscriber connected")

	defer func() {
		h.remove(orgID, c)
		log.Debug().Str("org_id", orgID).Msg("Progress subscriber disconnected")
	}()

	// Subscribers only listen; reads keep the connection alive and detect close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("org_id", orgID).Msg("Websocket error")
			}
			return
		}
	}
}

func (h *Hub) Subscribers(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[orgID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for orgID, clients := range h.channels {
		for c := range clients {
			c.mu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			c.conn.Close()
			c.mu.Unlock()
		}
		delete(h.channels, orgID)
	}
}

func (h *Hub) allow(orgID string) bool {
	if h.throttle <= 0 {
		return true
	}
	h.mu.Lock()
	limiter, ok := h.limiters[orgID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.throttle), 1)
		h.limiters[orgID] = limiter
	}
	h.mu.Unlock()
	return limiter.Allow()
}

func (h *Hub) subscribers(orgID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*client, 0, len(h.channels[orgID]))
	for c := range h.channels[orgID] {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) add(orgID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[orgID] == nil {
		h.channels[orgID] = make(map[*client]struct{})
	}
	h.channels[orgID][c] = struct{}{}
}

func (h *Hub) remove(orgID string, c *client) {
	h.mu.Lock()
	clients, ok := h.channels[orgID]
	if ok {
		if _, present := clients[c]; !present {
			ok = false
		}
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.channels, orgID)
			delete(h.limiters, orgID)
		}
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}
