package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"ekistamp/internal/domain"
	"ekistamp/internal/hub"
	"ekistamp/internal/persistence"
	"ekistamp/internal/registry"
	"ekistamp/internal/session"
)

type WSConfig struct {
	InitialZoom float64
	Registry    registry.Config
	Session     session.Options
}

// WSHandler gives every connection its own registry and session. The
// stations are shared read-only; collected flags come from the store.
// Sessions end when ctx is cancelled; Wait then covers their pending
// store writes.
type WSHandler struct {
	ctx      context.Context
	hub      *hub.Hub
	stations []domain.Station
	store    persistence.Store
	cfg      WSConfig
	sessions sync.WaitGroup
	logger   *slog.Logger
}

func NewWSHandler(ctx context.Context, h *hub.Hub, stations []domain.Station, store persistence.Store, cfg WSConfig, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		ctx:      ctx,
		hub:      h,
		stations: stations,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("handler", "ws"),
	}
}

// Wait blocks until every session has ended and its store writes have
// finished, or ctx is done.
func (h *WSHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	sessionID := uuid.New().String()
	logger := h.logger.With("session_id", sessionID)

	h.sessions.Add(1)
	defer h.sessions.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	// Flags read from the store can predate writes still in flight from
	// other sessions. Changes fanned out before registration come back from
	// Register and are applied over the store state; later ones arrive on
	// the client channel.
	client := hub.NewClient(sessionID, 256)
	known := h.hub.Register(client)

	start := time.Now()
	reg := registry.New(h.store, h.cfg.Registry, logger)
	defer reg.WaitWrites()
	reg.BuildAll(ctx, h.stations, h.cfg.InitialZoom)
	for _, c := range known {
		reg.Apply(c.Code, c.Collected)
	}
	logger.Debug("session registry ready",
		"markers", reg.Len(),
		"caught_up", len(known),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	sess := session.New(sessionID, reg, client, h.hub, h.cfg.Session, logger)

	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	go sess.Run(ctx)
	go h.writeLoop(ctx, cancel, conn, sess.Outbound())

	h.readLoop(ctx, conn, sess, client)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "session_id", sess.ID, "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		select {
		case sess.Inbound() <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	defer cancel()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-out:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancelWrite()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}
