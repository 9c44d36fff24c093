package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceCache mirrors the in-process presence table into Redis so that
// last-seen times survive restarts and are readable by other services.
// Keys used:
// - <prefix>:conn:<identity>     set of connection handle ids
// - <prefix>:presence:<identity> json {status,last_seen}
type PresenceCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// Presence is the mirrored state of one identity.
type Presence struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func NewPresenceCache(r *redis.Client, prefix string, ttl time.Duration) *PresenceCache {
	if prefix == "" {
		prefix = "rt"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PresenceCache{client: r, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *PresenceCache) connKey(identity string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, identity)
}

func (s *PresenceCache) presenceKey(identity string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, identity)
}

// Online records handle as a live connection of identity.
func (s *PresenceCache) Online(ctx context.Context, identity, handle string) error {
	pb, err := json.Marshal(Presence{Status: StatusOnline, LastSeen: s.now().Unix()})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.connKey(identity), handle)
		p.Expire(ctx, s.connKey(identity), s.ttl)
		p.Set(ctx, s.presenceKey(identity), pb, s.ttl)
		return nil
	})
	return err
}

// Offline drops handle and flips identity offline once no handle is left.
func (s *PresenceCache) Offline(ctx context.Context, identity, handle string) error {
	key := s.connKey(identity)
	if err := s.client.SRem(ctx, key, handle).Err(); err != nil {
		return err
	}
	cnt, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt > 0 {
		return nil
	}
	pb, err := json.Marshal(Presence{Status: StatusOffline, LastSeen: s.now().Unix()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.presenceKey(identity), pb, 0).Err()
}

// Get returns the mirrored presence; ok is false when nothing is recorded.
func (s *PresenceCache) Get(ctx context.Context, identity string) (p Presence, ok bool, err error) {
	b, err := s.client.Get(ctx, s.presenceKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{}, false, nil
	}
	if err != nil {
		return Presence{}, false, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, false, err
	}
	return p, true, nil
}

func (s *PresenceCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *PresenceCache) Close() error { return s.client.Close() }
