package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultTTL       = 45 * time.Second
	defaultKeyPrefix = "collab:"
)

// Service mirrors room membership into Redis and reserves room codes across
// process restarts. Every method is best-effort: Redis being down degrades
// the server to in-memory state and never blocks the editing path.
type Service struct {
	client    *redis.Client
	logger    zerolog.Logger
	ttl       time.Duration
	codeTTL   time.Duration
	keyPrefix string
}

// Option configures the service.
type Option func(*Service)

// WithMemberTTL overrides how long an untouched member entry survives.
func WithMemberTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithCodeTTL overrides how long a room code reservation is held.
func WithCodeTTL(d time.Duration) Option {
	return func(s *Service) { s.codeTTL = d }
}

// NewService constructs a roster backed by Redis. client may be nil, in which
// case every method is a no-op.
func NewService(client *redis.Client, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		client:    client,
		logger:    logger,
		ttl:       defaultTTL,
		codeTTL:   24 * time.Hour,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveCode claims a room code with SET NX so a restarted process cannot
// hand out a code that a persisted room still owns. Returns false when the
// claim could not be made (taken, or Redis unavailable).
func (s *Service) ReserveCode(ctx context.Context, code string) bool {
	if s == nil || s.client == nil {
		return true
	}
	ok, err := s.client.SetNX(ctx, s.codeKey(code), time.Now().UTC().Format(time.RFC3339), s.codeTTL).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("room", code).Msg("room code reservation failed")
		return false
	}
	reservations.Inc()
	return ok
}

// ReleaseCode frees a reservation after the room is gone.
func (s *Service) ReleaseCode(ctx context.Context, code string) {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Del(ctx, s.codeKey(code)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("room", code).Msg("failed to release room code")
	}
}

// TouchMember refreshes the member's roster entry and TTL.
func (s *Service) TouchMember(ctx context.Context, code, id, username, color string) {
	if s == nil || s.client == nil {
		return
	}
	key := s.memberKey(code, id)
	value := fmt.Sprintf("%s|%s", username, color)
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to cache roster entry")
	}
}

// RemoveMember drops the member's roster entry.
func (s *Service) RemoveMember(ctx context.Context, code, id string) {
	if s == nil || s.client == nil {
		return
	}
	key := s.memberKey(code, id)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to drop roster entry")
	}
}

// Members lists the participant ids currently cached for a room.
func (s *Service) Members(ctx context.Context, code string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	pattern := s.memberKey(code, "*")
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()

	prefix := s.memberKey(code, "")
	var ids []string
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > len(prefix) {
			ids = append(ids, key[len(prefix):])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan roster keys: %w", err)
	}
	return ids, nil
}

func (s *Service) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.keyPrefix, code)
}

func (s *Service) memberKey(code, id string) string {
	return fmt.Sprintf("%sroom:%s:member:%s", s.keyPrefix, code, id)
}
