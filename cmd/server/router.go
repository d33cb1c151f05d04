package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/queue"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// authMiddleware enforces API key authentication. Browsers cannot set
// headers on a websocket handshake, so the key may also come as ?api_key=.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// No key configured: dev mode.
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}
			if apiKey != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds CORS headers and answers preflight requests before auth runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	log := logger.For("admin")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

type api struct {
	client *queue.Client
	hub    *statsHub
}

// setupRouter configures the admin routes. The middleware order is
// CORS, then auth, so preflight requests never need a key.
func setupRouter(client *queue.Client, hub *statsHub, apiKey string) http.Handler {
	a := &api{client: client, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(enableCORS)

	r.Get("/healthz", a.healthz)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(apiKey))
		r.Post("/enqueue", a.enqueue)
		r.Get("/stats", a.stats)
		r.Get("/tasks", a.inspect)
		r.Get("/result", a.result)
		r.Get("/dead", a.deadLetters)
		r.Post("/dead/replay", a.replay)
		r.Post("/beat/trigger", a.triggerBeat)
		r.Get("/ws/stats", a.streamStats)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// storeStatus maps a queue store error to a response status.
func storeStatus(err error) int {
	if errors.Is(err, queue.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.client.Redis().Ping(r.Context()).Err(); err != nil {
		http.Error(w, "queue store unreachable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueue accepts {"name": ..., "queue": ..., "args": [...], "delay": "30s"}.
func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string            `json:"name"`
		Queue string            `json:"queue"`
		Args  []json.RawMessage `json:"args"`
		Delay string            `json:"delay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Missing task name", http.StatusBadRequest)
		return
	}
	q, err := tasks.ParseQueue(req.Queue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := tasks.New(req.Name, q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task.Args = req.Args
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			http.Error(w, "Invalid delay", http.StatusBadRequest)
			return
		}
		task.NotBefore = time.Now().Add(d).UTC()
	}

	if err := a.client.Enqueue(r.Context(), task); err != nil {
		http.Error(w, err.Error(), storeStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": task.ID, "queue": string(task.Queue)})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.client.GetQueueDepths(r.Context()))
}

// inspect lists tasks of ?queue= in ?view= (ready, processing or delayed).
func (a *api) inspect(w http.ResponseWriter, r *http.Request) {
	q, err := tasks.ParseQueue(r.URL.Query().Get("queue"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view := r.URL.Query().Get("view")
	switch view {
	case "", "ready", "processing", "delayed":
	default:
		http.Error(w, "Unknown view", http.StatusBadRequest)
		return
	}

	list, err := a.client.InspectQueue(r.Context(), q, view, limitParam(r, "limit", 50))
	if err != nil {
		http.Error(w, err.Error(), storeStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) result(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("id")
	if taskID == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	result, err := a.client.GetResult(r.Context(), taskID)
	if errors.Is(err, redis.Nil) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), storeStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(result))
}

func (a *api) deadLetters(w http.ResponseWriter, r *http.Request) {
	list, err := a.client.DeadLetters(r.Context(), limitParam(r, "limit", 50))
	if err != nil {
		http.Error(w, err.Error(), storeStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// replay re-enqueues the oldest ?n= dead letters (default 1).
func (a *api) replay(w http.ResponseWriter, r *http.Request) {
	n := int(limitParam(r, "n", 1))
	replayed, err := a.client.Replay(r.Context(), n)
	if err != nil {
		http.Error(w, err.Error(), storeStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": replayed})
}

// triggerBeat asks the beat role to fire an entry now.
func (a *api) triggerBeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Missing entry name", http.StatusBadRequest)
		return
	}
	task, err := tasks.New(tasks.BeatTrigger, tasks.QueueBeat, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.client.Enqueue(r.Context(), task); err != nil {
		http.Error(w, err.Error(), storeStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": task.ID})
}

func (a *api) streamStats(w http.ResponseWriter, r *http.Request) {
	conn, err := a.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	a.hub.addClient(r.Context(), conn)
}

func limitParam(r *http.Request, name string, def int64) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || v <= 0 {
		return def
	}
	if v > 1000 {
		return 1000
	}
	return v
}
