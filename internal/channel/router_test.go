package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/internal/errs"
)

func newConn(guard string) *conn.Connection {
	return conn.New("c1", conn.Identity{}, conn.Network{}, guard, time.Now())
}

func TestValidName(t *testing.T) {
	cases := map[string]bool{
		"room.general":     true,
		"room:general":     true,
		"room-general_1":   true,
		"bad//name":        false,
		"bad..name":        false,
		"bad name":         false,
		"":                 false,
	}
	for name, want := range cases {
		if got := ValidName(name); got != want {
			t.Errorf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestMatchExactBeatsWildcard(t *testing.T) {
	rt := NewRouter()
	rt.Register(&Route{Pattern: "private-*"})
	rt.Register(&Route{Pattern: "private-vip"})

	route, _, ok := rt.Match("private-vip")
	if !ok || route.Pattern != "private-vip" {
		t.Fatalf("expected exact match to win, got %+v", route)
	}
}

func TestMatchParamExtraction(t *testing.T) {
	rt := NewRouter()
	rt.Register(&Route{Pattern: "user.{id}"})

	route, params, ok := rt.Match("user.42")
	if !ok {
		t.Fatalf("expected parameter route to match")
	}
	if params["id"] != "42" {
		t.Fatalf("expected id=42, got %v", params)
	}
	_ = route
}

func TestDispatchPublicAllowedWithoutAuthorizer(t *testing.T) {
	rt := NewRouter()
	c := newConn("")
	if err := rt.Dispatch(c, "room.general"); err != nil {
		t.Fatalf("expected public channel without route to be allowed, got %v", err)
	}
}

func TestDispatchPrivateDeniedByDefault(t *testing.T) {
	rt := NewRouter()
	c := newConn("")
	err := rt.Dispatch(c, "private-chat")
	if !errors.Is(err, errs.ErrAuthorizationDenied) {
		t.Fatalf("expected authorization denied by default for private channel, got %v", err)
	}
}

func TestDispatchInvalidName(t *testing.T) {
	rt := NewRouter()
	c := newConn("")
	err := rt.Dispatch(c, "bad//name")
	if !errors.Is(err, errs.ErrChannelValidation) {
		t.Fatalf("expected channel validation error, got %v", err)
	}
}

func TestDispatchGuardFiltering(t *testing.T) {
	rt := NewRouter()
	rt.Register(&Route{
		Pattern:    "private-vip",
		Guards:     []string{"api"},
		Authorizer: func(c *conn.Connection, name string, params map[string]string) error { return nil },
	})

	denied := rt.Dispatch(newConn("web"), "private-vip")
	if !errors.Is(denied, errs.ErrAuthorizationDenied) {
		t.Fatalf("expected guard mismatch to deny, got %v", denied)
	}

	allowed := rt.Dispatch(newConn("api"), "private-vip")
	if allowed != nil {
		t.Fatalf("expected matching guard to be allowed, got %v", allowed)
	}
}

func TestDispatchMiddlewareRunsInDeclarationOrderAndCanShortCircuit(t *testing.T) {
	rt := NewRouter()
	var order []string
	rt.Register(&Route{
		Pattern: "room.mid",
		Middleware: []Middleware{
			func(c *conn.Connection, name string, next Next) error {
				order = append(order, "first")
				return next()
			},
			func(c *conn.Connection, name string, next Next) error {
				order = append(order, "second")
				return errors.New("blocked")
			},
		},
		Authorizer: func(c *conn.Connection, name string, params map[string]string) error {
			order = append(order, "authorizer")
			return nil
		},
	})

	err := rt.Dispatch(newConn(""), "room.mid")
	if err == nil {
		t.Fatalf("expected second middleware to block the chain")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected declaration order first,second; got %v", order)
	}
}
