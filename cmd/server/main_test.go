package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/guido-cesarano/chainq/pkg/queue"
	"github.com/guido-cesarano/chainq/pkg/tasks"
)

func setup(t *testing.T, apiKey string) (*queue.Client, http.Handler) {
	t.Helper()
	s := miniredis.RunT(t)
	client := queue.NewClient(s.Addr())
	t.Cleanup(func() { client.Close() })
	return client, setupRouter(client, newStatsHub(client), apiKey)
}

func do(h http.Handler, method, target, body, key string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	_, mux := setup(t, "secret-key")

	tests := []struct {
		name           string
		headerValue    string
		expectedStatus int
	}{
		{name: "No API Key", headerValue: "", expectedStatus: http.StatusUnauthorized},
		{name: "Wrong API Key", headerValue: "wrong-key", expectedStatus: http.StatusUnauthorized},
		// 400 because body is empty, but auth passed
		{name: "Correct API Key", headerValue: "secret-key", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, "POST", "/enqueue", "", tt.headerValue)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	_, mux := setup(t, "")
	if w := do(mux, "POST", "/enqueue", "", ""); w.Code == http.StatusUnauthorized {
		t.Errorf("Expected auth to be disabled, got 401")
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	_, mux := setup(t, "secret-key")
	w := do(mux, "OPTIONS", "/enqueue", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestEnqueueAndInspect(t *testing.T) {
	client, mux := setup(t, "")

	w := do(mux, "POST", "/enqueue", `{"name":"notify.transfer","queue":"default","args":[{"event_key":"0xa:1"}]}`, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp["id"] == "" {
		t.Fatalf("Expected task id, got %v %v", resp, err)
	}

	w = do(mux, "GET", "/tasks?queue=default", "", "")
	var listed []tasks.Task
	if err := json.NewDecoder(w.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != resp["id"] || listed[0].Name != tasks.NotifyStatus {
		t.Errorf("Unexpected inspect result %+v", listed)
	}

	if n, _ := client.Length(context.Background(), tasks.QueueDefault); n != 1 {
		t.Errorf("Expected one queued task, got %d", n)
	}
}

func TestEnqueueValidation(t *testing.T) {
	_, mux := setup(t, "")
	cases := []string{
		`{"queue":"default"}`,
		`{"name":"x","queue":"bogus"}`,
		`{"name":"x","queue":"default","delay":"soon"}`,
	}
	for _, body := range cases {
		if w := do(mux, "POST", "/enqueue", body, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
	if w := do(mux, "GET", "/tasks?queue=default&view=sideways", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown view, got %d", w.Code)
	}
}

func TestDelayedEnqueue(t *testing.T) {
	client, mux := setup(t, "")
	do(mux, "POST", "/enqueue", `{"name":"x","queue":"filter","delay":"1h"}`, "")
	depths := client.GetQueueDepths(context.Background())
	if depths["filter"] != 0 || depths["filter.delayed"] != 1 {
		t.Errorf("Expected the task in the delayed set, got %v", depths)
	}
}

func TestResult(t *testing.T) {
	client, mux := setup(t, "")
	if w := do(mux, "GET", "/result?id=missing", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if err := client.SetResult(context.Background(), "t1", map[string]string{"status": "completed"}); err != nil {
		t.Fatal(err)
	}
	w := do(mux, "GET", "/result?id=t1", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "completed") {
		t.Errorf("Unexpected result response %d %s", w.Code, w.Body.String())
	}
}

func TestDeadLetterReplay(t *testing.T) {
	client, mux := setup(t, "")
	ctx := context.Background()
	task, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor)
	if err := client.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}
	d, err := client.Dequeue(ctx, tasks.QueueProcessor, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.DeadLetter(ctx, d, "permanent: bad payload"); err != nil {
		t.Fatal(err)
	}

	var dead []queue.DeadLetter
	json.NewDecoder(do(mux, "GET", "/dead", "", "").Body).Decode(&dead)
	if len(dead) != 1 || dead[0].Task.ID != task.ID {
		t.Fatalf("Unexpected dead letters %+v", dead)
	}

	w := do(mux, "POST", "/dead/replay?n=5", "", "")
	if !strings.Contains(w.Body.String(), `"replayed":1`) {
		t.Errorf("Unexpected replay response %s", w.Body.String())
	}
	if n, _ := client.Length(ctx, tasks.QueueProcessor); n != 1 {
		t.Errorf("Expected the replayed task back in its queue, got %d", n)
	}
}

func TestBeatTrigger(t *testing.T) {
	client, mux := setup(t, "")
	if w := do(mux, "POST", "/beat/trigger", `{}`, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a name, got %d", w.Code)
	}
	if w := do(mux, "POST", "/beat/trigger", `{"name":"poll-usdt"}`, ""); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	listed, _ := client.InspectQueue(context.Background(), tasks.QueueBeat, "", 10)
	if len(listed) != 1 || listed[0].Name != tasks.BeatTrigger {
		t.Fatalf("Unexpected beat queue %+v", listed)
	}
	var name string
	if err := listed[0].Arg(0, &name); err != nil || name != "poll-usdt" {
		t.Errorf("Expected entry name argument, got %q %v", name, err)
	}
}

func TestStatsStream(t *testing.T) {
	s := miniredis.RunT(t)
	client := queue.NewClient(s.Addr())
	defer client.Close()
	task, _ := tasks.New("x", tasks.QueueDefault)
	client.Enqueue(context.Background(), task)

	hub := newStatsHub(client)
	srv := httptest.NewServer(setupRouter(client, hub, "k"))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stats"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("Expected the handshake to require the API key")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?api_key=k", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var depths map[string]int64
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&depths); err != nil {
		t.Fatal(err)
	}
	if depths["default"] != 1 {
		t.Errorf("Expected depth 1 in the initial snapshot, got %v", depths)
	}

	hub.broadcast(context.Background())
	if err := conn.ReadJSON(&depths); err != nil {
		t.Fatalf("Expected a broadcast snapshot: %v", err)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected one client, got %d", hub.ClientCount())
	}
}

func TestHealthz(t *testing.T) {
	_, mux := setup(t, "secret-key")
	w := do(mux, "GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 without a key, got %d", w.Code)
	}
}
