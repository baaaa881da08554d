package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/driftlabs/tunnel/pkg/tunnel/provider"
)

func connect(t *testing.T, b *Broker) *Adapter {
	t.Helper()
	a := New(b)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })
	return a
}

func recv(t *testing.T, a *Adapter) provider.Message {
	t.Helper()
	select {
	case msg := <-a.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return provider.Message{}
	}
}

func TestPublishFanOut(t *testing.T) {
	b := NewBroker()
	sender := connect(t, b)
	sub1 := connect(t, b)
	sub2 := connect(t, b)
	other := connect(t, b)

	ctx := context.Background()
	sub1.Subscribe(ctx, "room:1")
	sub2.Subscribe(ctx, "room:1")
	other.Subscribe(ctx, "room:2")

	msg, _ := provider.NewMessage("room:1", "chat", map[string]string{"text": "hi"}, "sender")
	if err := sender.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	for _, sub := range []*Adapter{sub1, sub2} {
		got := recv(t, sub)
		if got.Channel != "room:1" || got.Event != "chat" {
			t.Errorf("delivered = %+v", got)
		}
	}

	select {
	case msg := <-other.Messages():
		t.Errorf("unsubscribed client received %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	sender := connect(t, b)
	sub := connect(t, b)

	ctx := context.Background()
	sub.Subscribe(ctx, "room:1")
	sub.Unsubscribe(ctx, "room:1")

	msg, _ := provider.NewMessage("room:1", "chat", nil, "sender")
	sender.Send(ctx, msg)

	select {
	case got := <-sub.Messages():
		t.Errorf("received %+v after unsubscribe", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPresenceBroadcastAndSync(t *testing.T) {
	b := NewBroker()
	sub := connect(t, b)

	ctx := context.Background()
	sub.Subscribe(ctx, "room:1")

	b.Join("room:1", "alice", json.RawMessage(`{"s":1}`))

	got := recv(t, sub)
	if got.Event != provider.EventPresenceJoin {
		t.Fatalf("event = %q, want join", got.Event)
	}
	var delta provider.PresenceDelta
	if err := json.Unmarshal(got.Data, &delta); err != nil || delta.UserID != "alice" {
		t.Errorf("join delta = %+v err=%v", delta, err)
	}

	// A sync request is answered only to the requesting client.
	req, _ := provider.NewMessage("room:1", provider.EventPresenceSyncRequest, nil, "me")
	if err := sub.Send(ctx, req); err != nil {
		t.Fatalf("sync request failed: %v", err)
	}

	got = recv(t, sub)
	if got.Event != provider.EventPresenceSync {
		t.Fatalf("event = %q, want sync", got.Event)
	}
	var snap provider.PresenceSnapshot
	if err := json.Unmarshal(got.Data, &snap); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if len(snap.Members) != 1 || snap.Members[0].UserID != "alice" {
		t.Errorf("snapshot members = %+v, want [alice]", snap.Members)
	}

	b.Leave("room:1", "alice")
	got = recv(t, sub)
	if got.Event != provider.EventPresenceLeave {
		t.Fatalf("event = %q, want leave", got.Event)
	}
}

func TestFailSurfacesError(t *testing.T) {
	b := NewBroker()
	a := connect(t, b)

	cause := errors.New("simulated drop")
	a.Fail(cause)

	select {
	case err := <-a.Errors():
		if !errors.Is(err, cause) {
			t.Errorf("error = %v, want %v", err, cause)
		}
	case <-time.After(time.Second):
		t.Fatal("Fail not surfaced on Errors()")
	}

	msg, _ := provider.NewMessage("room:1", "chat", nil, "sender")
	if err := a.Send(context.Background(), msg); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Send after Fail = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectedClientOperations(t *testing.T) {
	b := NewBroker()
	a := New(b)

	if err := a.Subscribe(context.Background(), "room:1"); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
	if _, err := a.Ping(context.Background()); !errors.Is(err, provider.ErrNotConnected) {
		t.Errorf("Ping = %v, want ErrNotConnected", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Errorf("Disconnect on never-connected = %v", err)
	}
}
