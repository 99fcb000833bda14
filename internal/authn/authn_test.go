package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaysignal/signalman/pkg/auth"
)

func TestResolveMissingHeaderYieldsAnonymous(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	id, err := Resolve(r, []byte("secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Authenticated() {
		t.Fatalf("expected anonymous identity for missing header")
	}
}

func TestResolveMalformedSchemeYieldsAnonymous(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic abc123")
	id, err := Resolve(r, []byte("secret"))
	if err != nil || id.Authenticated() {
		t.Fatalf("expected anonymous identity for non-Bearer scheme, got %+v err=%v", id, err)
	}
}

func TestResolveValidBearerTokenPopulatesIdentity(t *testing.T) {
	token, err := auth.GenerateJWT("u1", "t1", "u1@example.com", "admin", []byte("secret"))
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := Resolve(r, []byte("secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "u1" || id.Email != "u1@example.com" {
		t.Fatalf("expected populated identity, got %+v", id)
	}
}

func TestResolveInvalidBearerTokenRejected(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer not-a-real-token")
	_, err := Resolve(r, []byte("secret"))
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
