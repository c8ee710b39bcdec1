package livesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 6 * time.Hour

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Dial connects to redisURL and verifies the server answers PING.
func Dial(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) keySession(id string) string  { return "race:session:" + strings.TrimSpace(id) }
func (s *RedisStore) keyRoom(roomID string) string { return "race:room:" + strings.TrimSpace(roomID) + ":sessions" }

func (s *RedisStore) Upsert(ctx context.Context, sess *domain.Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id required")
	}
	cp := *sess
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keySession(cp.ID), raw, s.ttl)
	pipe.SAdd(ctx, s.keyRoom(cp.RoomID), cp.ID)
	pipe.Expire(ctx, s.keyRoom(cp.RoomID), s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	raw, err := s.rdb.Get(ctx, s.keySession(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionGone
	}
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	return s.mutate(ctx, id, func(sess *domain.Session) { applyProgress(sess, p) })
}

func (s *RedisStore) MarkFinished(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(sess *domain.Session) {
		sess.Finished = true
		sess.UpdatedAt = time.Now()
	})
}

// mutate applies fn under WATCH so a concurrent delete is never resurrected.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*domain.Session)) error {
	key := s.keySession(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrSessionGone
		}
		if err != nil {
			return err
		}
		var sess domain.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return err
		}
		fn(&sess)
		next, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionGone) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keySession(id))
	pipe.SRem(ctx, s.keyRoom(sess.RoomID), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListByRoom(ctx context.Context, roomID string) ([]*domain.Session, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyRoom(roomID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionGone) {
			// expired entry; prune the index lazily
			_ = s.rdb.SRem(ctx, s.keyRoom(roomID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sortSessions(out)
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "6379"
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: host + ":" + port, Password: pass, DB: db}, nil
}
