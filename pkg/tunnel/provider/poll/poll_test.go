package poll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// mockBackend is a minimal long-polling gateway with an in-memory
// message log addressed by cursor.
type mockBackend struct {
	mu           sync.Mutex
	subs         map[string]bool
	log          []provider.Message
	unauthorized map[string]bool
	failPolls    bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		subs:         make(map[string]bool),
		unauthorized: make(map[string]bool),
	}
}

func (b *mockBackend) handler() http.Handler {
	mux := http.NewServeMux()

	control := func(w http.ResponseWriter, r *http.Request) (controlRequest, bool) {
		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return req, false
		}
		if req.ClientID == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return req, false
		}
		if b.unauthorized[req.Channel] {
			http.Error(w, "no access", http.StatusForbidden)
			return req, false
		}
		return req, true
	}

	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := control(w, r); !ok {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/subscribe", func(w http.ResponseWriter, r *http.Request) {
		req, ok := control(w, r)
		if !ok {
			return
		}
		b.mu.Lock()
		b.subs[req.Channel] = true
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		req, ok := control(w, r)
		if !ok {
			return
		}
		b.mu.Lock()
		delete(b.subs, req.Channel)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		req, ok := control(w, r)
		if !ok {
			return
		}
		if req.Message != nil {
			b.mu.Lock()
			if b.subs[req.Message.Channel] {
				b.log = append(b.log, *req.Message)
			}
			b.mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := control(w, r); !ok {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.failPolls
		b.mu.Unlock()
		if fail {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}

		cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)

		// Park briefly, then return anything past the cursor.
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			b.mu.Lock()
			pending := int64(len(b.log)) > cursor
			b.mu.Unlock()
			if pending {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		b.mu.Lock()
		batch := pollResponse{Cursor: int64(len(b.log))}
		if int64(len(b.log)) > cursor {
			batch.Messages = append(batch.Messages, b.log[cursor:]...)
		}
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(batch)
	})

	return mux
}

func testAdapter(t *testing.T, backend *mockBackend) *Adapter {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	a := New(Config{
		URL:            server.URL,
		WaitTimeout:    300 * time.Millisecond,
		RequestTimeout: time.Second,
	}, nil)
	t.Cleanup(func() { a.Disconnect() })
	return a
}

func TestConnectSubscribePublish(t *testing.T) {
	backend := newMockBackend()
	a := testAdapter(t, backend)

	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Errorf("repeat Connect failed: %v", err)
	}

	if err := a.Subscribe(ctx, "room:1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	latency, err := a.Ping(ctx)
	if err != nil || latency <= 0 {
		t.Errorf("Ping = %v, %v", latency, err)
	}

	msg, _ := provider.NewMessage("room:1", "chat", map[string]string{"text": "hi"}, "client-1")
	if err := a.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-a.Messages():
		if got.Channel != "room:1" || got.Event != "chat" {
			t.Errorf("delivered = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published message never polled back")
	}
}

func TestCursorAdvances(t *testing.T) {
	backend := newMockBackend()
	a := testAdapter(t, backend)

	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := a.Subscribe(ctx, "room:1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg, _ := provider.NewMessage("room:1", "chat", map[string]int{"n": i}, "client-1")
		if err := a.Send(ctx, msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	// Each message is delivered exactly once despite repeated polls.
	seen := 0
	deadline := time.After(3 * time.Second)
	for seen < 3 {
		select {
		case <-a.Messages():
			seen++
		case <-deadline:
			t.Fatalf("delivered %d messages, want 3", seen)
		}
	}

	select {
	case got := <-a.Messages():
		t.Errorf("duplicate delivery: %+v", got)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestUnauthorizedSubscribe(t *testing.T) {
	backend := newMockBackend()
	backend.unauthorized["secret"] = true
	a := testAdapter(t, backend)

	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := a.Subscribe(ctx, "secret")
	if !provider.IsAuthorization(err) {
		t.Fatalf("Subscribe error = %v, want authorization error", err)
	}
}

func TestPollFailureReportsError(t *testing.T) {
	backend := newMockBackend()
	a := testAdapter(t, backend)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	backend.mu.Lock()
	backend.failPolls = true
	backend.mu.Unlock()

	select {
	case err := <-a.Errors():
		if !provider.IsRetryable(err) {
			t.Errorf("poll failure = %v, want retryable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll failure not reported on Errors()")
	}
}

func TestConnectUnreachable(t *testing.T) {
	a := New(Config{URL: "http://127.0.0.1:1", RequestTimeout: 200 * time.Millisecond}, nil)

	err := a.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect to unreachable backend succeeded")
	}
	if !provider.IsRetryable(err) {
		t.Errorf("Connect error = %v, want retryable", err)
	}
}

func TestOperationsWhileDisconnected(t *testing.T) {
	a := New(Config{URL: "http://127.0.0.1:0"}, nil)

	if err := a.Subscribe(context.Background(), "room:1"); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
	if _, err := a.Ping(context.Background()); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Ping = %v, want ErrNotConnected", err)
	}
	msg, _ := provider.NewMessage("room:1", "chat", nil, "c")
	if err := a.Send(context.Background(), msg); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}
