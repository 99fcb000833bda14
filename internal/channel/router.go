package channel

import (
	"regexp"
	"strings"

	"github.com/relaysignal/signalman/internal/conn"
)

// nameValidator enforces spec.md §4.3: channel names match
// [a-zA-Z0-9._\-:]+, length <= 200, and contain neither ".." nor "//".
var nameValidator = regexp.MustCompile(`^[a-zA-Z0-9._\-:]+$`)

// ValidName reports whether name is an acceptable channel (or event) name.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > 200 {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return false
	}
	return nameValidator.MatchString(name)
}

// Authorizer decides whether a connection may subscribe to a channel,
// receiving any path parameters extracted by the route pattern.
type Authorizer func(c *conn.Connection, channelName string, params map[string]string) error

// Next invokes the remainder of a middleware pipeline.
type Next func() error

// Middleware may short-circuit a subscribe attempt by not calling next.
type Middleware func(c *conn.Connection, channelName string, next Next) error

// Route binds a channel name pattern to an authorizer, a middleware chain,
// and an optional guard allow-list.
type Route struct {
	Pattern    string
	Authorizer Authorizer
	Middleware []Middleware
	Guards     []string

	kind     routeKind
	wildcard *regexp.Regexp
	param    *regexp.Regexp
	paramIDs []string
}

type routeKind int

const (
	kindExact routeKind = iota
	kindWildcard
	kindParam
)

var paramToken = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compile determines the route's matching strategy from its pattern:
// a literal pattern is exact; one containing "*" is a wildcard
// ("*" -> ".*"); one containing "{name}" segments is a parameter pattern
// ("." is the path separator).
func (r *Route) compile() {
	switch {
	case strings.Contains(r.Pattern, "{"):
		r.kind = kindParam
		var ids []string
		expr := paramToken.ReplaceAllStringFunc(r.Pattern, func(tok string) string {
			name := paramToken.FindStringSubmatch(tok)[1]
			ids = append(ids, name)
			return `([^.]+)`
		})
		r.paramIDs = ids
		r.param = regexp.MustCompile("^" + expr + "$")
	case strings.Contains(r.Pattern, "*"):
		r.kind = kindWildcard
		expr := regexp.QuoteMeta(r.Pattern)
		expr = strings.ReplaceAll(expr, `\*`, ".*")
		r.wildcard = regexp.MustCompile("^" + expr + "$")
	default:
		r.kind = kindExact
	}
}

// Router resolves channel names to routes in priority order: exact match,
// then wildcard, then parameter-extracting pattern.
type Router struct {
	exact    map[string]*Route
	wildcard []*Route
	param    []*Route
}

func NewRouter() *Router {
	return &Router{exact: make(map[string]*Route)}
}

// Register compiles and adds a route. Middleware is stored in declaration
// order; Dispatch runs it in that order by building the call chain in
// reverse (the last middleware wraps `next` first).
func (rt *Router) Register(route *Route) {
	route.compile()
	switch route.kind {
	case kindExact:
		rt.exact[route.Pattern] = route
	case kindWildcard:
		rt.wildcard = append(rt.wildcard, route)
	case kindParam:
		rt.param = append(rt.param, route)
	}
}

// Match resolves name against registered routes: exact, then wildcard, then
// parameter pattern (first match wins within each tier, in registration
// order). Returns the route and any extracted parameters.
func (rt *Router) Match(name string) (*Route, map[string]string, bool) {
	if r, ok := rt.exact[name]; ok {
		return r, nil, true
	}
	for _, r := range rt.wildcard {
		if r.wildcard.MatchString(name) {
			return r, nil, true
		}
	}
	for _, r := range rt.param {
		m := r.param.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(r.paramIDs))
		for i, id := range r.paramIDs {
			params[id] = m[i+1]
		}
		return r, params, true
	}
	return nil, nil, false
}

// Dispatch authorizes a subscribe attempt against channelName. Guards
// filter which authentication sources may even attempt the route: an empty
// guard list allows everything; otherwise the connection's guard must
// appear in the list. Private and presence channels are denied by default
// (an authorizer is required); public channels are allowed unless an
// authorizer is present and rejects.
func (rt *Router) Dispatch(c *conn.Connection, channelName string) error {
	if !ValidName(channelName) {
		return errChannelValidation(channelName)
	}

	route, params, ok := rt.Match(channelName)
	if !ok {
		return rt.defaultAuthorize(c, channelName)
	}

	if len(route.Guards) > 0 && !guardAllowed(route.Guards, c.Guard()) {
		return errAuthorizationDenied(channelName)
	}

	chain := rt.buildChain(route, params, channelName)
	return chain(c)
}

func (rt *Router) defaultAuthorize(c *conn.Connection, channelName string) error {
	if Classify(channelName) == KindPublic {
		return nil
	}
	return errAuthorizationDenied(channelName)
}

// buildChain builds the middleware pipeline in reverse so that, when
// invoked, execution happens in declaration order: the first-declared
// middleware runs first and decides whether to call next.
func (rt *Router) buildChain(route *Route, params map[string]string, channelName string) func(*conn.Connection) error {
	terminal := func(c *conn.Connection) error {
		if route.Authorizer != nil {
			return route.Authorizer(c, channelName, params)
		}
		return rt.defaultAuthorize(c, channelName)
	}

	chain := terminal
	for i := len(route.Middleware) - 1; i >= 0; i-- {
		mw := route.Middleware[i]
		next := chain
		chain = func(c *conn.Connection) error {
			called := false
			err := mw(c, channelName, func() error {
				called = true
				return next(c)
			})
			if !called && err == nil {
				// middleware declined to call next without returning an
				// error: treat as an implicit denial, never a silent pass.
				return errAuthorizationDenied(channelName)
			}
			return err
		}
	}
	return chain
}

func guardAllowed(allowed []string, guard string) bool {
	for _, g := range allowed {
		if g == guard {
			return true
		}
	}
	return false
}

// RouteInfo summarizes one registered route for the channel:list CLI
// command and the /debug/channels endpoint.
type RouteInfo struct {
	Pattern string
	Kind    Kind
	Guards  []string
}

// Routes lists every registered route, classified by channel Kind (derived
// from its pattern the same way Classify would for a live channel name),
// in exact -> wildcard -> param order.
func (rt *Router) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(rt.exact)+len(rt.wildcard)+len(rt.param))
	for _, r := range rt.exact {
		out = append(out, RouteInfo{Pattern: r.Pattern, Kind: Classify(r.Pattern), Guards: r.Guards})
	}
	for _, r := range rt.wildcard {
		out = append(out, RouteInfo{Pattern: r.Pattern, Kind: Classify(r.Pattern), Guards: r.Guards})
	}
	for _, r := range rt.param {
		out = append(out, RouteInfo{Pattern: r.Pattern, Kind: Classify(r.Pattern), Guards: r.Guards})
	}
	return out
}
