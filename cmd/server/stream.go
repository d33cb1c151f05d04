package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// depthReader is the part of the queue client the stream needs.
type depthReader interface {
	GetQueueDepths(ctx context.Context) map[string]int64
}

// statsHub pushes queue depth snapshots to websocket clients.
// Writes to a connection only happen under mu.
type statsHub struct {
	src      depthReader
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newStatsHub(src depthReader) *statsHub {
	return &statsHub{
		src: src,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logger.For("stream"),
		clients: make(map[*websocket.Conn]bool),
	}
}

// addClient registers conn, sends an initial snapshot and drops the
// client once its read side fails.
func (h *statsHub) addClient(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.send(conn, h.src.GetQueueDepths(ctx))
	h.mu.Unlock()
	h.log.Info().Int("clients", count).Msg("Stream client connected")

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *statsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()
	_ = conn.Close()
	h.log.Info().Int("clients", count).Msg("Stream client disconnected")
}

// send writes one snapshot. Callers hold mu.
func (h *statsHub) send(conn *websocket.Conn, depths map[string]int64) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(depths); err != nil {
		h.log.Warn().Err(err).Msg("Stream write failed")
	}
}

// broadcast sends the current depths to every client.
func (h *statsHub) broadcast(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	depths := h.src.GetQueueDepths(ctx)
	for conn := range h.clients {
		h.send(conn, depths)
	}
}

// ClientCount returns the number of connected clients.
func (h *statsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// run broadcasts every interval until ctx is cancelled, then closes all clients.
func (h *statsHub) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
			}
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}
