package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

// mockBackend is a minimal SSE gateway: one stream per client plus
// JSON control endpoints.
type mockBackend struct {
	mu           sync.Mutex
	subs         map[string]bool
	events       chan []byte
	unauthorized map[string]bool
	dropStream   chan struct{}
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		subs:         make(map[string]bool),
		events:       make(chan []byte, 64),
		unauthorized: make(map[string]bool),
		dropStream:   make(chan struct{}),
	}
}

func (b *mockBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_id") == "" {
			http.Error(w, "client_id required", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-b.dropStream:
				return
			case data := <-b.events:
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

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
			subscribed := b.subs[req.Message.Channel]
			b.mu.Unlock()
			if subscribed {
				data, _ := json.Marshal(req.Message)
				b.events <- data
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := control(w, r); !ok {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func testAdapter(t *testing.T, backend *mockBackend) *Adapter {
	t.Helper()
	server := httptest.NewServer(backend.handler(t))
	t.Cleanup(server.Close)

	a := New(Config{URL: server.URL, ConnectTimeout: time.Second, RequestTimeout: time.Second}, nil)
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
	// Idempotent.
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
	case <-time.After(time.Second):
		t.Fatal("published message not delivered on stream")
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
	var authErr *provider.AuthorizationError
	if errors.As(err, &authErr) && authErr.Reason != "no access" {
		t.Errorf("reason = %q, want no access", authErr.Reason)
	}

	if err := a.Subscribe(ctx, "open"); err != nil {
		t.Errorf("Subscribe after rejection failed: %v", err)
	}
}

func TestConnectRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	a := New(Config{URL: server.URL, ConnectTimeout: time.Second}, nil)

	err := a.Connect(context.Background())
	var connErr *provider.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect error = %v, want ConnectionError", err)
	}
}

func TestStreamDropReportsError(t *testing.T) {
	backend := newMockBackend()
	a := testAdapter(t, backend)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	close(backend.dropStream)

	select {
	case err := <-a.Errors():
		if !provider.IsRetryable(err) {
			t.Errorf("drop error = %v, want retryable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream drop not reported on Errors()")
	}
}

func TestControlWhileDisconnected(t *testing.T) {
	a := New(Config{URL: "http://127.0.0.1:0"}, nil)

	if err := a.Subscribe(context.Background(), "room:1"); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
	msg, _ := provider.NewMessage("room:1", "chat", nil, "c")
	if err := a.Send(context.Background(), msg); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}
