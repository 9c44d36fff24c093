package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/realtime-service/internal/delivery"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/metric"
	"github.com/fathima-sithara/realtime-service/internal/relay"
)

// Session runs the inbound side of one connection. Events are handled one
// at a time in arrival order.
type Session struct {
	srv     *Server
	conn    *Connection
	limiter *rate.Limiter

	// verified is the token subject when auth is on; identity is what the
	// client announced via identify.
	verified string
	identity string
}

func newSession(srv *Server, conn *Connection, verified string) *Session {
	return &Session{
		srv:      srv,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(srv.opts.RatePerSecond), srv.opts.RateBurst),
		verified: verified,
	}
}

// claimed is the identity the connection speaks for, or "" when unknown.
func (s *Session) claimed() string {
	if s.verified != "" {
		return s.verified
	}
	return s.identity
}

// readLoop reads until the socket fails or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context) {
	s.conn.prepareRead()
	for {
		mt, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.conn.extendRead()
		if mt != websocket.TextMessage {
			continue
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		s.conn.Push(EventError, errorPayload{Error: "malformed frame"})
		return
	}
	if !s.limiter.Allow() {
		s.reply(env, ackFail(ErrRateLimited))
		return
	}

	switch {
	case env.Type == EventIdentify:
		s.reply(env, s.identify(ctx, env.Payload))
	case strings.HasPrefix(env.Type, EventSendPrefix):
		s.reply(env, s.submit(ctx, strings.TrimPrefix(env.Type, EventSendPrefix), env.Payload))
	case env.Type == EventMarkRead:
		s.reply(env, s.markRead(ctx, env.Payload))
	case env.Type == EventMarkAllRead:
		s.reply(env, s.markAllRead(ctx, env.Payload))
	default:
		if kind, ok := relay.ParseKind(env.Type); ok {
			s.signal(kind, env.Payload)
			return
		}
		s.reply(env, ackFail(fmt.Errorf("%w: unknown event %q", domain.ErrValidation, env.Type)))
	}
}

func (s *Session) reply(env Envelope, ack AckPayload) {
	ack.Ref = env.Ref
	s.conn.Push(EventAck, ack)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload", domain.ErrValidation)
	}
	return nil
}

func (s *Session) identify(ctx context.Context, raw json.RawMessage) AckPayload {
	var p identifyPayload
	if err := decode(raw, &p); err != nil {
		return ackFail(err)
	}
	p.Identity = strings.TrimSpace(p.Identity)
	if p.Identity == "" {
		return ackFail(fmt.Errorf("%w: identity is required", domain.ErrValidation))
	}
	if s.verified != "" && p.Identity != s.verified {
		return ackFail(fmt.Errorf("%w: token is for another identity", domain.ErrForbidden))
	}

	prev := s.identity
	s.identity = p.Identity
	s.srv.registry.Register(p.Identity, s.conn)
	metric.OnlineIdentities.Set(float64(len(s.srv.registry.ListIdentities())))
	if prev != "" && prev != p.Identity {
		s.srv.mirrorOffline(ctx, prev, s.conn.ID())
	}
	s.srv.mirrorOnline(ctx, p.Identity, s.conn.ID())
	s.srv.log.Debugw("identified", "conn", s.conn.ID(), "identity", p.Identity)
	return ackOK()
}

func (s *Session) submit(ctx context.Context, kind string, raw json.RawMessage) AckPayload {
	var p sendPayload
	if err := decode(raw, &p); err != nil {
		return ackFail(err)
	}
	at, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return ackFail(err)
	}
	if claimed := s.claimed(); claimed != "" {
		if p.Sender == "" {
			p.Sender = claimed
		}
		if p.Sender != claimed {
			return ackFail(fmt.Errorf("%w: cannot send as %s", domain.ErrForbidden, p.Sender))
		}
	}
	ack := s.srv.coord.Submit(ctx, delivery.Submission{
		ID:        p.ID,
		Kind:      domain.Kind(kind),
		Sender:    p.Sender,
		Recipient: p.Recipient,
		Content:   p.Content,
		CreatedAt: at,
		Status:    p.Status,
	})
	if !ack.Success {
		s.srv.log.Infow("submission rejected", "conn", s.conn.ID(), "kind", kind, "err", ack.Err)
	}
	return ackFrom(ack)
}

func (s *Session) markRead(ctx context.Context, raw json.RawMessage) AckPayload {
	var p markReadPayload
	if err := decode(raw, &p); err != nil {
		return ackFail(err)
	}
	if err := s.srv.coord.MarkRead(ctx, s.claimed(), p.ID); err != nil {
		return ackFail(err)
	}
	return AckPayload{Success: true, ID: p.ID}
}

func (s *Session) markAllRead(ctx context.Context, raw json.RawMessage) AckPayload {
	var p markAllReadPayload
	if err := decode(raw, &p); err != nil {
		return ackFail(err)
	}
	if claimed := s.claimed(); claimed != "" && p.Me != claimed {
		return ackFail(fmt.Errorf("%w: cannot read for %s", domain.ErrForbidden, p.Me))
	}
	updated, err := s.srv.coord.MarkAllRead(ctx, p.Me, p.Counterpart)
	if err != nil {
		return ackFail(err)
	}
	return AckPayload{Success: true, Status: domain.StatusSeen, Count: len(updated)}
}

// signal relays an indicator. Signals are never acknowledged; bad ones are
// dropped.
func (s *Session) signal(kind relay.Kind, raw json.RawMessage) {
	var p signalPayload
	if err := decode(raw, &p); err != nil {
		return
	}
	if claimed := s.claimed(); claimed != "" && p.Sender != claimed {
		s.srv.log.Debugw("dropping spoofed signal", "conn", s.conn.ID(), "kind", kind, "sender", p.Sender)
		return
	}
	if _, err := s.srv.relay.Forward(kind, relay.Signal{Sender: p.Sender, Recipient: p.Recipient, Raw: raw}); err != nil {
		s.srv.log.Debugw("dropping signal", "conn", s.conn.ID(), "kind", kind, "err", err)
	}
}
