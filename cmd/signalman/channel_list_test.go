package main

import (
	"testing"

	"github.com/relaysignal/signalman/internal/app"
	"github.com/relaysignal/signalman/internal/channel"
	"github.com/relaysignal/signalman/internal/settings"
)

func TestChannelListRoutesIncludeGuards(t *testing.T) {
	router := channel.NewRouter()
	app.RegisterConfiguredRoutes(router, []settings.ChannelRoute{
		{Pattern: "room.general"},
		{Pattern: "private.*", Guards: []string{"jwt"}},
	})

	routes := router.Routes()
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}

	for _, r := range routes {
		if r.Pattern == "private.*" && (len(r.Guards) != 1 || r.Guards[0] != "jwt") {
			t.Fatalf("expected jwt guard on private.*, got %+v", r.Guards)
		}
	}
}
