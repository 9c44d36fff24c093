package ws

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/delivery"
	"github.com/fathima-sithara/realtime-service/internal/metric"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/relay"
)

// IdentityResolver turns a handshake credential into an identity.
type IdentityResolver interface {
	Validate(token string) (string, error)
}

// PresenceMirror records online/offline transitions outside the process.
type PresenceMirror interface {
	Online(ctx context.Context, identity, handle string) error
	Offline(ctx context.Context, identity, handle string) error
}

type Options struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RatePerSecond  float64
	RateBurst      int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	return o
}

const mirrorTimeout = 2 * time.Second

// Server owns the connection lifecycle: attach on upgrade, identify via
// session events, unregister on disconnect.
type Server struct {
	registry *presence.Registry
	coord    *delivery.Coordinator
	relay    *relay.Relay
	auth     IdentityResolver
	mirror   PresenceMirror
	opts     Options
	log      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the websocket front. auth and mirror may be nil.
func NewServer(registry *presence.Registry, coord *delivery.Coordinator, rl *relay.Relay, auth IdentityResolver, mirror PresenceMirror, opts Options, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry: registry,
		coord:    coord,
		relay:    rl,
		auth:     auth,
		mirror:   mirror,
		opts:     opts.withDefaults(),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) AuthEnabled() bool { return s.auth != nil }

func (s *Server) HandleWS() func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		s.serve(conn, conn.Query("token"))
	}
}

func (s *Server) serve(sock socket, token string) {
	var verified string
	if s.auth != nil {
		sub, err := s.auth.Validate(token)
		if err != nil {
			s.log.Infow("ws handshake rejected", "err", err)
			_ = sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"))
			_ = sock.Close()
			return
		}
		verified = sub
	}

	conn := newConnection(uuid.NewString(), sock, s.opts, s.log)
	s.registry.Attach(conn)
	metric.Connections.Inc()
	s.log.Debugw("connection attached", "conn", conn.ID())

	sess := newSession(s, conn, verified)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.writePump()
	}()
	sess.readLoop(s.ctx)

	s.registry.Unregister(conn)
	metric.Connections.Dec()
	metric.OnlineIdentities.Set(float64(len(s.registry.ListIdentities())))
	if sess.identity != "" {
		s.mirrorOffline(context.Background(), sess.identity, conn.ID())
	}
	conn.Close()
	<-done
	s.log.Debugw("connection closed", "conn", conn.ID(), "identity", sess.identity)
}

// Shutdown closes every live connection. Sessions then unwind on their own.
func (s *Server) Shutdown() {
	s.cancel()
	for _, h := range s.registry.Handles() {
		if c, ok := h.(*Connection); ok {
			c.Close()
		}
	}
}

func (s *Server) mirrorOnline(ctx context.Context, identity, handle string) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := s.mirror.Online(ctx, identity, handle); err != nil {
		s.log.Warnw("presence mirror online failed", "identity", identity, "err", err)
	}
}

func (s *Server) mirrorOffline(ctx context.Context, identity, handle string) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := s.mirror.Offline(ctx, identity, handle); err != nil {
		s.log.Warnw("presence mirror offline failed", "identity", identity, "err", err)
	}
}
