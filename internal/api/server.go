package api

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/cache"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/storage"
	"github.com/fathima-sithara/realtime-service/internal/utils"
	"github.com/fathima-sithara/realtime-service/internal/ws"
)

// PresenceReader exposes mirrored presence (last seen) for lookups.
type PresenceReader interface {
	Get(ctx context.Context, identity string) (cache.Presence, bool, error)
}

type Deps struct {
	Store    repository.MessageStore
	Registry *presence.Registry
	WS       *ws.Server
	// Auth, Presence and Uploader are optional.
	Auth      ws.IdentityResolver
	Presence  PresenceReader
	Uploader  *storage.Uploader
	OpTimeout time.Duration
	BodyLimit int
	AccessLog bool
	Log       *zap.SugaredLogger
}

type Server struct {
	d Deps
}

// IdentityHeader carries the caller identity when token auth is off.
const IdentityHeader = "X-Identity"

func NewServer(d Deps) *fiber.App {
	if d.OpTimeout <= 0 {
		d.OpTimeout = 5 * time.Second
	}
	cfg := fiber.Config{
		ErrorHandler: errorHandler,
	}
	if d.BodyLimit > 0 {
		cfg.BodyLimit = d.BodyLimit
	}
	app := fiber.New(cfg)
	app.Use(recover.New())
	app.Use(cors.New())
	if d.AccessLog {
		app.Use(logger.New())
	}
	s := &Server{d: d}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/v1")
	api.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	if d.WS != nil {
		api.Get("/ws", websocket.New(d.WS.HandleWS()))
	}

	api.Get("/blobs/*", s.getBlob)

	priv := api.Group("", s.identify)
	priv.Get("/chats/:me/:counterpart/messages", s.listMessages)
	priv.Get("/chats/:me/:counterpart/media", s.listMedia)
	priv.Get("/presence", s.listPresence)
	priv.Get("/presence/:identity", s.getPresence)
	priv.Post("/messages/:id/hide", s.hideMessage)
	priv.Post("/uploads/:kind", s.upload)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return utils.JSONError(c, code, err.Error())
}

// identify resolves the caller. With token auth on, a valid bearer token is
// required; otherwise the identity header is trusted when present.
func (s *Server) identify(c *fiber.Ctx) error {
	if s.d.Auth == nil {
		if id := strings.TrimSpace(c.Get(IdentityHeader)); id != "" {
			c.Locals("user_id", id)
		}
		return c.Next()
	}
	token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return utils.JSONError(c, fiber.StatusUnauthorized, err.Error())
	}
	sub, err := s.d.Auth.Validate(token)
	if err != nil {
		return utils.JSONError(c, fiber.StatusUnauthorized, "invalid token")
	}
	c.Locals("user_id", sub)
	return c.Next()
}

func caller(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

// fail maps domain and storage errors to HTTP statuses.
func fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, storage.ErrInvalidFile):
		return utils.JSONError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return utils.JSONError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrUnknownMessage), errors.Is(err, storage.ErrFileNotFound):
		return utils.JSONError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, storage.ErrStorageFailure):
		return utils.JSONError(c, fiber.StatusServiceUnavailable, "service unavailable")
	}
	return utils.JSONError(c, fiber.StatusInternalServerError, "internal error")
}

func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.d.OpTimeout)
}

// conversationFor checks the caller may read me's side of the conversation.
func (s *Server) conversationFor(c *fiber.Ctx) (repository.ConversationQuery, error) {
	q := repository.ConversationQuery{Me: c.Params("me"), Counterpart: c.Params("counterpart")}
	if who := caller(c); who != "" && who != q.Me {
		return q, domain.ErrForbidden
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > 500 {
			return q, errors.Join(domain.ErrValidation, errors.New("limit must be between 1 and 500"))
		}
		q.Limit = n
	}
	if raw := c.Query("before"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return q, err
		}
		q.Before = t
	}
	return q, nil
}

func parseTime(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.Join(domain.ErrValidation, errors.New("before must be epoch millis or RFC 3339"))
	}
	return t.UTC(), nil
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	q, err := s.conversationFor(c)
	if err != nil {
		return fail(c, err)
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	msgs, err := s.d.Store.Conversation(ctx, q)
	if err != nil {
		s.d.Log.Warnw("history query failed", "me", q.Me, "counterpart", q.Counterpart, "err", err)
		return fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, msgs)
}

func (s *Server) listMedia(c *fiber.Ctx) error {
	q, err := s.conversationFor(c)
	if err != nil {
		return fail(c, err)
	}
	kinds, err := domain.KindsForFilter(c.Query("kind"))
	if err != nil {
		return fail(c, err)
	}
	q.Kinds = kinds
	ctx, cancel := s.ctx(c)
	defer cancel()
	msgs, err := s.d.Store.Conversation(ctx, q)
	if err != nil {
		return fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, msgs)
}

func (s *Server) listPresence(c *fiber.Ctx) error {
	return utils.JSONSuccess(c, fiber.StatusOK, s.d.Registry.ListIdentities())
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	identity := c.Params("identity")
	out := fiber.Map{"identity": identity, "online": s.d.Registry.IsOnline(identity)}
	if s.d.Presence != nil {
		ctx, cancel := s.ctx(c)
		defer cancel()
		p, ok, err := s.d.Presence.Get(ctx, identity)
		if err != nil {
			s.d.Log.Warnw("presence mirror read failed", "identity", identity, "err", err)
		} else if ok {
			out["last_seen"] = p.LastSeen
		}
	}
	return utils.JSONSuccess(c, fiber.StatusOK, out)
}

func (s *Server) hideMessage(c *fiber.Ctx) error {
	who := caller(c)
	if who == "" {
		return utils.JSONError(c, fiber.StatusBadRequest, "caller identity is required")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	m, err := s.d.Store.HideFor(ctx, c.Params("id"), who)
	if err != nil {
		return fail(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"id": m.ID, "hidden_for": m.HiddenFor})
}

func (s *Server) upload(c *fiber.Ctx) error {
	if s.d.Uploader == nil {
		return utils.JSONError(c, fiber.StatusServiceUnavailable, "uploads are disabled")
	}
	kind, err := domain.ParseKind(c.Params("kind"))
	if err != nil {
		return fail(c, err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "unreadable file")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "unreadable file")
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	up, err := s.d.Uploader.Upload(ctx, caller(c), kind, fh.Filename, fh.Header.Get("Content-Type"), data)
	if err != nil {
		s.d.Log.Infow("upload rejected", "kind", kind, "err", err)
		return fail(c, err)
	}
	url, err := s.d.Uploader.Store().URL(ctx, string(up.Ref))
	if err != nil {
		return fail(c, errors.Join(storage.ErrStorageFailure, err))
	}
	return utils.JSONSuccess(c, fiber.StatusCreated, fiber.Map{"upload": up, "url": url})
}

// getBlob serves local blobs directly and redirects to the backend URL for
// remote stores.
func (s *Server) getBlob(c *fiber.Ctx) error {
	if s.d.Uploader == nil {
		return utils.JSONError(c, fiber.StatusNotFound, "not found")
	}
	key := c.Params("*")
	store := s.d.Uploader.Store()
	if local, ok := store.(interface{ Path(string) (string, error) }); ok {
		p, err := local.Path(key)
		if err != nil {
			return fail(c, err)
		}
		if _, err := os.Stat(p); err != nil {
			return fail(c, storage.ErrFileNotFound)
		}
		return c.SendFile(p)
	}
	url, err := store.URL(c.UserContext(), key)
	if err != nil {
		return fail(c, errors.Join(storage.ErrStorageFailure, err))
	}
	return c.Redirect(url, fiber.StatusFound)
}
