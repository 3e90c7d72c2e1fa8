package realtime

import "testing"

func TestStaleRemoveKeepsReplacementSession(t *testing.T) {
	r := NewRegistry()
	key := "provider:p1"

	old := r.Add(key, nil)
	r.Join("job:j1", key)
	replacement := r.Add(key, nil)

	// The old connection's read loop exits after the reconnect already
	// replaced the session; its removal must be a no-op.
	r.Remove(key, old)

	if r.sessions[key] != replacement {
		t.Fatal("stale removal evicted the replacement session")
	}
	if _, ok := r.rooms["job:j1"][key]; !ok {
		t.Fatal("stale removal purged room membership")
	}
}

func TestRemoveCurrentSession(t *testing.T) {
	r := NewRegistry()
	key := "customer:c1"

	s := r.Add(key, nil)
	r.Join("job:j1", key)
	r.Remove(key, s)

	if _, ok := r.sessions[key]; ok {
		t.Fatal("session still registered after removal")
	}
	if _, ok := r.rooms["job:j1"][key]; ok {
		t.Fatal("room membership survived removal")
	}
	if err := r.SendTo(key, "ping", nil); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
