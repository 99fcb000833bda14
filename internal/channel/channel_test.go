package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/internal/message"
)

type recordingSender struct {
	mu  sync.Mutex
	got []string
	// failFor marks connection IDs whose Send should return an error
	// without aborting the broadcast.
	failFor map[string]bool
}

func (s *recordingSender) Send(c *conn.Connection, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, c.ID())
	if s.failFor != nil && s.failFor[c.ID()] {
		return errSendFailed
	}
	return nil
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"room.general":     KindPublic,
		"private-chat":     KindPrivate,
		"private.chat":     KindPrivate,
		"user.42":          KindPrivate,
		"presence-lobby":   KindPresence,
		"presence.lobby":   KindPresence,
	}
	for name, want := range cases {
		if got := Classify(name); got != want {
			t.Errorf("Classify(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	m := NewManager(nil, nil)
	c := conn.New("c1", conn.Identity{}, conn.Network{}, "", time.Now())
	m.Subscribe("room.1", c)
	m.Subscribe("room.1", c)
	if got := m.SubscriberCount("room.1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	if !c.HasChannel("room.1") {
		t.Fatalf("expected connection to record channel membership")
	}
}

func TestUnsubscribeAllRemovesFromEveryChannel(t *testing.T) {
	m := NewManager(nil, nil)
	c := conn.New("c1", conn.Identity{}, conn.Network{}, "", time.Now())
	m.Subscribe("room.1", c)
	m.Subscribe("room.2", c)

	m.UnsubscribeAll("c1")

	if m.SubscriberCount("room.1") != 0 || m.SubscriberCount("room.2") != 0 {
		t.Fatalf("expected connection removed from all channels")
	}
}

func TestBroadcastNoSubscribersIsNoop(t *testing.T) {
	m := NewManager(&recordingSender{}, nil)
	m.Broadcast("room.empty", message.New("m1", "room.empty", "ev", nil, time.Now()), "")
}

func TestBroadcastExcludesAndContinuesOnFailure(t *testing.T) {
	sender := &recordingSender{failFor: map[string]bool{"c2": true}}
	m := NewManager(sender, nil)
	c1 := conn.New("c1", conn.Identity{}, conn.Network{}, "", time.Now())
	c2 := conn.New("c2", conn.Identity{}, conn.Network{}, "", time.Now())
	c3 := conn.New("c3", conn.Identity{}, conn.Network{}, "", time.Now())
	m.Subscribe("room.1", c1)
	m.Subscribe("room.1", c2)
	m.Subscribe("room.1", c3)

	m.Broadcast("room.1", message.New("m1", "room.1", "ev", nil, time.Now()), "c1")

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.got) != 2 {
		t.Fatalf("expected 2 sends (c1 excluded), got %v", sender.got)
	}
}

func TestPresenceOfOnlyAuthenticated(t *testing.T) {
	m := NewManager(nil, nil)
	anon := conn.New("anon", conn.Identity{}, conn.Network{}, "", time.Now())
	auth := conn.New("auth", conn.Identity{UserID: "u1"}, conn.Network{}, "", time.Now())
	m.Subscribe("presence-lobby", anon)
	m.Subscribe("presence-lobby", auth)

	members, ok := m.PresenceOf("presence-lobby")
	if !ok {
		t.Fatalf("expected presence channel to be recognized")
	}
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("expected only authenticated subscriber in presence snapshot, got %+v", members)
	}
}

func TestPresenceOfNotDefinedOnNonPresenceChannel(t *testing.T) {
	m := NewManager(nil, nil)
	if _, ok := m.PresenceOf("room.general"); ok {
		t.Fatalf("expected presenceOf to be undefined on a public channel")
	}
}
