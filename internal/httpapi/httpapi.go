// Package httpapi exposes the HTTP surface SPEC_FULL.md §4.13 describes: a
// gin-gonic/gin server serving the WebSocket upgrade, Prometheus metrics,
// health, and channel-debug endpoints. Grounded on
// api_realtime/internal/websocket/hub.go's Hub/Client/ServeWS/readPump/
// writePump machinery (generalized from the teacher's hardcoded
// streams/analytics/system channel set into internal/channel.Router-driven
// subscribe/unsubscribe), and pkg/middleware/middleware.go for the
// recovery/request-ID/logging/CORS chain.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaysignal/signalman/internal/app"
	"github.com/relaysignal/signalman/internal/authn"
	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/internal/message"
	"github.com/relaysignal/signalman/internal/task"
	"github.com/relaysignal/signalman/pkg/logging"
	"github.com/relaysignal/signalman/pkg/middleware"
)

// deferredJobsKey is the gin.Context key a request handler stashes its
// queued deferred submissions under; deferredTaskMiddleware drains it once
// the handler has returned and the response is on the wire.
const deferredJobsKey = "httpapi.deferredJobs"

// QueueDeferred registers a best-effort task.Submission to run after this
// request's response has been written, per SPEC_FULL.md §9's "after-response
// deferred tasks" (task.Executor.Defer/DrainDeferred). Handlers call this
// instead of invoking the executor directly so the submission is batched
// with the rest of the request's deferred work and only enqueued once the
// handler itself is done.
func QueueDeferred(c *gin.Context, key string, sub task.Submission) {
	jobs, _ := c.Get(deferredJobsKey)
	m, _ := jobs.(map[string]task.Submission)
	if m == nil {
		m = make(map[string]task.Submission)
	}
	m[key] = sub
	c.Set(deferredJobsKey, m)
}

// deferredTaskMiddleware runs the handler, then — once c.Writer has the
// response queued — hands any QueueDeferred submissions to exec.Defer,
// which enqueues them onto the buffered channel a DrainDeferred goroutine
// (started by cmd/signalman's serve command) drains in the background.
func deferredTaskMiddleware(exec *task.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		jobs, _ := c.Get(deferredJobsKey)
		m, _ := jobs.(map[string]task.Submission)
		if len(m) == 0 {
			return
		}
		exec.Defer(context.Background(), m)
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	sendBufferSize = 256
)

var errConnectionClosed = errors.New("httpapi: connection closed or unknown")

// Server owns the WebSocket upgrade/fan-out machinery and the gin router.
// It implements channel.Sender itself, so it is constructed before
// app.Context (which needs a Sender to build its channel.Manager) and
// Attach is called once Context exists — the one two-phase piece of wiring
// this repository needs, to break what would otherwise be an import cycle
// between internal/app and internal/httpapi.
type Server struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	outbound map[string]chan []byte

	ctx *app.Context
}

// NewServer builds the transport shell. Call Attach with the constructed
// app.Context before serving any request.
func NewServer(logger logging.Logger) *Server {
	return &Server{
		logger:   logger,
		outbound: make(map[string]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Attach completes construction: from this point on Send/ServeWS may be
// called concurrently and rely on ctx being non-nil.
func (s *Server) Attach(ctx *app.Context) {
	s.ctx = ctx
}

// Send implements channel.Sender by marshaling msg and pushing it onto the
// connection's outbound buffer. A full buffer drops the message rather
// than blocking the broadcaster (spec.md's broadcast invariant is that one
// slow subscriber never stalls delivery to the others).
func (s *Server) Send(c *conn.Connection, msg *message.Message) error {
	s.mu.Lock()
	ch, ok := s.outbound[c.ID()]
	s.mu.Unlock()
	if !ok {
		return errConnectionClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("httpapi: marshal message: %w", err)
	}

	select {
	case ch <- payload:
		return nil
	default:
		return fmt.Errorf("httpapi: send buffer full for connection %s", c.ID())
	}
}

// Engine builds the gin router: recovery, request-ID, logging, and CORS
// middleware (all grounded verbatim on pkg/middleware/middleware.go), then
// the four routes SPEC_FULL.md §4.13 names.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(s.logger),
		middleware.CORSMiddleware(),
		s.ctx.Metrics.HTTPMiddleware(),
		deferredTaskMiddleware(s.ctx.TaskExec),
	)

	r.GET("/ws", s.ServeWS)
	r.GET("/healthz", s.ctx.HealthCheck.Handler())
	r.GET("/metrics", s.ctx.Metrics.Handler())
	r.GET("/debug/channels", s.debugChannels)
	return r
}

// debugChannels prints the same registered-route data channel:list prints
// on the CLI, per spec.md §6. It also queues a best-effort audit record of
// the introspection request — this operational endpoint exposes the whole
// authorization topology, so who consulted it is worth logging, but that
// logging must never add latency to the response itself.
func (s *Server) debugChannels(c *gin.Context) {
	routes := s.ctx.Router.Routes()
	out := make([]gin.H, 0, len(routes))
	for _, r := range routes {
		out = append(out, gin.H{
			"pattern": r.Pattern,
			"kind":    string(r.Kind),
			"guards":  r.Guards,
		})
	}

	if args, err := json.Marshal(map[string]any{
		"remote_addr": c.ClientIP(),
		"route_count": len(routes),
	}); err == nil {
		QueueDeferred(c, "debug-channels-audit", task.Submission{JobName: "echo", Args: args})
	}

	c.JSON(http.StatusOK, gin.H{"channels": out})
}

// ServeWS upgrades the request, resolves the caller's identity via
// internal/authn, registers a Connection, and starts the read/write pumps.
// A present-but-invalid bearer token is a hard reject (401, no upgrade); a
// missing/absent header proceeds anonymously, matching ServeWS's original
// optional-auth behavior.
func (s *Server) ServeWS(c *gin.Context) {
	identity, err := authn.Resolve(c.Request, []byte(s.ctx.Config.JWTSecret))
	if err != nil {
		c.String(http.StatusUnauthorized, "invalid authentication")
		return
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade websocket connection")
		return
	}

	guard := ""
	if identity.Authenticated() {
		guard = "jwt"
	}
	id := uuid.NewString()
	network := conn.Network{IP: c.ClientIP(), UserAgent: c.Request.UserAgent(), Origin: c.Request.Header.Get("Origin")}
	connection := conn.New(id, identity, network, guard, time.Now())

	outbound := make(chan []byte, sendBufferSize)
	s.mu.Lock()
	s.outbound[id] = outbound
	s.mu.Unlock()

	s.ctx.Conns.Register(connection)
	s.ctx.Metrics.ActiveConnections.Inc()

	go s.writePump(id, wsConn, outbound)
	go s.readPump(connection, wsConn)
}

// readPump reads subscribe/unsubscribe frames off the socket and routes
// them through internal/channel.Router + Manager, until the connection
// closes — at which point it tears down registry and outbound state.
// Grounded on hub.go's readPump, generalized from a single hardcoded
// subscription shape into message.Message{Type: Subscribe/Unsubscribe}.
func (s *Server) readPump(c *conn.Connection, wsConn *websocket.Conn) {
	defer s.cleanup(c, wsConn)

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).WithField("connection_id", c.ID()).Warn("websocket read error")
			}
			return
		}
		c.Touch(time.Now())

		var in message.Message
		if err := json.Unmarshal(raw, &in); err != nil {
			s.sendError(c.ID(), "invalid message")
			continue
		}

		switch in.Type {
		case message.TypeSubscribe:
			s.handleSubscribe(c, in.Channel)
		case message.TypeUnsubscribe:
			s.ctx.Channels.Unsubscribe(in.Channel, c)
		case message.TypePing:
			s.sendRaw(c.ID(), &message.Message{Type: message.TypePong, Timestamp: time.Now()})
		default:
			s.sendError(c.ID(), "unrecognized message type")
		}
	}
}

func (s *Server) handleSubscribe(c *conn.Connection, channelName string) {
	if err := s.ctx.Router.Dispatch(c, channelName); err != nil {
		s.sendError(c.ID(), err.Error())
		return
	}
	s.ctx.Channels.Subscribe(channelName, c)
}

func (s *Server) sendError(connID, reason string) {
	s.sendRaw(connID, &message.Message{Type: message.TypeError, Event: reason, Timestamp: time.Now()})
}

func (s *Server) sendRaw(connID string, msg *message.Message) {
	s.mu.Lock()
	ch, ok := s.outbound[connID]
	s.mu.Unlock()
	if !ok {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

func (s *Server) cleanup(c *conn.Connection, wsConn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.outbound[c.ID()]; ok {
		close(ch)
		delete(s.outbound, c.ID())
	}
	s.mu.Unlock()

	s.ctx.Conns.Unregister(c.ID())
	s.ctx.Metrics.ActiveConnections.Dec()
	wsConn.Close()
}

// writePump drains outbound onto the socket, pinging on pingPeriod to keep
// intermediaries from timing out an idle connection. Grounded on hub.go's
// writePump, including its queued-message coalescing into one WS frame.
func (s *Server) writePump(connID string, wsConn *websocket.Conn, outbound <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case payload, ok := <-outbound:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)

			n := len(outbound)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-outbound)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
