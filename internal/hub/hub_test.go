package hub

import (
	"strings"
	"sync"
	"testing"
)

type sink struct {
	mu   sync.Mutex
	msgs []string
	full bool
}

func (s *sink) Send(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.msgs = append(s.msgs, string(p))
	return true
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	h := New()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := h.Register("u1", &sink{})
		if !strings.HasPrefix(id, "u1-") {
			t.Fatalf("unexpected id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	h := New()
	a := h.Register("u1", &sink{})
	if !h.Join(a, "r1") || !h.Join(a, "r1") {
		t.Fatalf("Join failed")
	}
	if got := h.Members("r1"); len(got) != 1 {
		t.Fatalf("set semantics violated: %+v", got)
	}
	h.Join(a, "r2")
	if len(h.Members("r1")) != 0 || len(h.Members("r2")) != 1 {
		t.Fatalf("connection must be in exactly one room")
	}
	if _, rooms := h.Stats(); rooms != 1 {
		t.Fatalf("empty room entry must be evicted, rooms=%d", rooms)
	}
	if h.Join("ghost", "r1") {
		t.Fatalf("unknown connection joined")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New()
	a := h.Register("u1", &sink{})
	h.Join(a, "r1")
	if got := h.Unregister(a); got != "r1" {
		t.Fatalf("Unregister returned %q", got)
	}
	if got := h.Unregister(a); got != "" {
		t.Fatalf("second Unregister returned %q", got)
	}
	if conns, rooms := h.Stats(); conns != 0 || rooms != 0 {
		t.Fatalf("leftover state conns=%d rooms=%d", conns, rooms)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := New()
	sa, sb, sc := &sink{}, &sink{}, &sink{}
	a := h.Register("u1", sa)
	b := h.Register("u2", sb)
	c := h.Register("u3", sc)
	h.Join(a, "r1")
	h.Join(b, "r1")
	h.Join(c, "r2")

	if n := h.Broadcast("r1", []byte("hi"), a); n != 1 {
		t.Fatalf("Broadcast delivered %d", n)
	}
	if sa.count() != 0 || sb.count() != 1 || sc.count() != 0 {
		t.Fatalf("wrong recipients a=%d b=%d c=%d", sa.count(), sb.count(), sc.count())
	}
}

func TestBroadcastSkipsFullQueues(t *testing.T) {
	h := New()
	ok, full := &sink{}, &sink{full: true}
	h.Join(h.Register("u1", ok), "r1")
	h.Join(h.Register("u2", full), "r1")
	if n := h.Broadcast("r1", []byte("x"), ""); n != 1 {
		t.Fatalf("Broadcast delivered %d, want 1", n)
	}
}

func TestConnectedUsersDeduplicates(t *testing.T) {
	h := New()
	h.Join(h.Register("u1", &sink{}), "r1")
	h.Join(h.Register("u1", &sink{}), "r1")
	h.Join(h.Register("u2", &sink{}), "r1")
	if got := h.ConnectedUsers("r1"); len(got) != 2 {
		t.Fatalf("ConnectedUsers = %v", got)
	}
}

func TestIdentifyRebindsUser(t *testing.T) {
	h := New()
	id := h.Register("", &sink{})
	h.Join(id, "r1")
	if !h.Identify(id, "u9") {
		t.Fatalf("Identify failed")
	}
	if _, ok := h.ConnectedUsers("r1")["u9"]; !ok {
		t.Fatalf("identified user not visible in room")
	}
	if h.Identify("ghost", "u1") {
		t.Fatalf("unknown connection identified")
	}
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := h.Register("u", &sink{})
			h.Join(id, "r1")
			h.Broadcast("r1", []byte("x"), id)
			h.Unregister(id)
		}()
	}
	wg.Wait()
	if conns, rooms := h.Stats(); conns != 0 || rooms != 0 {
		t.Fatalf("leftover state conns=%d rooms=%d", conns, rooms)
	}
}
