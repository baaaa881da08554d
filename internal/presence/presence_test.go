package presence

import (
	"encoding/json"
	"testing"
)

func TestJoinLeave(t *testing.T) {
	tr := NewTracker()

	tr.Join("room:1", "alice", json.RawMessage(`{"status":"active"}`))
	tr.Join("room:1", "bob", nil)
	tr.Join("room:2", "carol", nil)

	members := tr.Members("room:1")
	if len(members) != 2 {
		t.Fatalf("room:1 has %d members, want 2", len(members))
	}
	if members[0].UserID != "alice" || members[1].UserID != "bob" {
		t.Errorf("members = %v, want sorted [alice bob]", members)
	}
	if string(members[0].Metadata) != `{"status":"active"}` {
		t.Errorf("alice metadata = %s", members[0].Metadata)
	}
	if members[0].JoinedAt.IsZero() {
		t.Error("JoinedAt not stamped on join")
	}

	tr.Leave("room:1", "alice")
	if got := tr.Members("room:1"); len(got) != 1 || got[0].UserID != "bob" {
		t.Errorf("after leave: %v, want [bob]", got)
	}

	// Leaving twice or leaving unknown users is a no-op.
	tr.Leave("room:1", "alice")
	tr.Leave("ghost", "nobody")
}

func TestRejoinOverwrites(t *testing.T) {
	tr := NewTracker()

	tr.Join("room:1", "alice", json.RawMessage(`{"v":1}`))
	tr.Join("room:1", "alice", json.RawMessage(`{"v":2}`))

	members := tr.Members("room:1")
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1 after rejoin", len(members))
	}
	if string(members[0].Metadata) != `{"v":2}` {
		t.Errorf("metadata = %s, want latest", members[0].Metadata)
	}
}

func TestSyncFullReplacesState(t *testing.T) {
	tr := NewTracker()

	// Accumulated incremental state, possibly stale.
	tr.Join("room:1", "alice", nil)
	tr.Join("room:1", "bob", nil)

	// Server reports a different truth: bob left, dave arrived.
	tr.SyncFull("room:1", []Entry{
		{UserID: "alice"},
		{UserID: "dave"},
	})

	members := tr.Members("room:1")
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2 after sync", len(members))
	}
	if members[0].UserID != "alice" || members[1].UserID != "dave" {
		t.Errorf("members = %v, want [alice dave]", members)
	}
	for _, m := range members {
		if m.Channel != "room:1" {
			t.Errorf("entry channel = %q, want room:1", m.Channel)
		}
		if m.JoinedAt.IsZero() {
			t.Error("JoinedAt not stamped on sync")
		}
	}
}

func TestSyncFullEmptyClearsChannel(t *testing.T) {
	tr := NewTracker()
	tr.Join("room:1", "alice", nil)

	tr.SyncFull("room:1", nil)
	if got := tr.Members("room:1"); len(got) != 0 {
		t.Errorf("members = %v after empty sync, want none", got)
	}
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Join("room:1", "alice", nil)
	tr.Join("room:2", "bob", nil)

	tr.Clear("room:1")
	if len(tr.Members("room:1")) != 0 {
		t.Error("room:1 not cleared")
	}
	if len(tr.Members("room:2")) != 1 {
		t.Error("Clear removed an unrelated channel")
	}

	tr.ClearAll()
	if len(tr.Members("room:2")) != 0 {
		t.Error("ClearAll left state behind")
	}
}
