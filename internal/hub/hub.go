package hub

import (
	"context"
	"log/slog"
	"sync"
)

// Change is a collected-state change made through one registry that the
// other registries should mirror.
type Change struct {
	Code      string `json:"code"`
	Collected bool   `json:"collected"`
	Origin    string `json:"-"`
}

type Client struct {
	ID      string
	Changes chan Change
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:      id,
		Changes: make(chan Change, bufferSize),
	}
}

// Hub fans collected-state changes out to every registered client except
// the one that made them. It also remembers the latest state of every code
// it has fanned out, so a client joining late can catch up on changes whose
// store writes may not have landed yet.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  map[string]Change
	stopped bool

	broadcast chan Change

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		latest:    make(map[string]Change),
		broadcast: make(chan Change, 256),
		logger:    logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case change := <-h.broadcast:
			h.fanout(change)
		}
	}
}

func (h *Hub) Broadcast(change Change) {
	select {
	case h.broadcast <- change:
	default:
		h.logger.Warn("broadcast channel full, dropping change", "code", change.Code)
	}
}

// Register adds client before returning, along with the latest state of
// every code changed so far. Every change is either in the returned slice
// or delivered on client.Changes afterwards. Registering on a stopped hub
// closes the client's channel.
func (h *Hub) Register(client *Client) []Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		close(client.Changes)
		return nil
	}

	h.clients[client] = struct{}{}
	known := make([]Change, 0, len(h.latest))
	for _, c := range h.latest {
		known = append(known, c)
	}
	h.logger.Debug("client registered", "client_id", client.ID, "total", len(h.clients), "known_changes", len(known))
	return known
}

// Unregister removes client and closes its channel. It never blocks, even
// after the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	close(client.Changes)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) fanout(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest[change.Code] = change
	for client := range h.clients {
		if client.ID == change.Origin {
			continue
		}
		select {
		case client.Changes <- change:
		default:
			h.logger.Debug("client change buffer full", "client_id", client.ID, "code", change.Code)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for client := range h.clients {
		close(client.Changes)
	}
	h.clients = make(map[*Client]struct{})
}
