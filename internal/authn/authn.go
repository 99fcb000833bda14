// Package authn resolves a connection's identity from a bearer JWT before
// the WebSocket upgrade completes, per SPEC_FULL.md §4.12. Grounded on
// api_realtime/internal/websocket/hub.go's ServeWS (Authorization header
// parsing, optional-auth semantics: a missing/absent header yields an
// anonymous connection rather than a rejection) and pkg/auth/jwt.go's
// ValidateJWT.
package authn

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/pkg/auth"
)

// ErrInvalidToken is returned when an Authorization header is present but
// the bearer token fails validation; unlike a missing header (which yields
// an anonymous connection), a present-but-invalid token is a hard reject.
var ErrInvalidToken = errors.New("authn: invalid bearer token")

// Claims is the shape this package needs from a validated token; it only
// requires a UserID plus optional name/email/role — it does not depend on
// a specific identity provider, per SPEC_FULL.md §4.12's "the core only
// requires a Claims{UserID, Roles, ...} shape" note.
type Claims struct {
	UserID string
	Name   string
	Email  string
	Roles  []string
}

// Resolve inspects r's Authorization header and returns the Identity to
// attach to a new Connection. A missing header yields a zero (anonymous)
// Identity and a nil error — matching the teacher's "optional auth" ws
// upgrade path. A malformed scheme is ignored the same way. A present
// Bearer token that fails JWT validation returns ErrInvalidToken.
func Resolve(r *http.Request, secret []byte) (conn.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return conn.Identity{}, nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return conn.Identity{}, nil
	}

	claims, err := auth.ValidateJWT(parts[1], secret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return conn.Identity{}, ErrInvalidToken
		}
		return conn.Identity{}, ErrInvalidToken
	}

	roles := []string{}
	if claims.Role != "" {
		roles = append(roles, claims.Role)
	}
	return conn.Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Roles:  roles,
	}, nil
}
