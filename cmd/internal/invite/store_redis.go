package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisVerifyPrefix = "bloks:verify:"

// RedisVerificationStore keeps verification records in Redis, keyed by token
// digest. Keys expire on their own once past expiry plus retention, so it
// does not implement Purger.
type RedisVerificationStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisVerificationStore parses redisURL, connects and pings.
func NewRedisVerificationStore(ctx context.Context, redisURL string, retention time.Duration) (*RedisVerificationStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	st := NewRedisVerificationStoreWithClient(redis.NewClient(opts), retention)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return st, nil
}

// NewRedisVerificationStoreWithClient wraps an existing client.
func NewRedisVerificationStoreWithClient(client *redis.Client, retention time.Duration) *RedisVerificationStore {
	if retention < 0 {
		retention = 0
	}
	return &RedisVerificationStore{
		client:    client,
		prefix:    redisVerifyPrefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisVerificationStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisVerificationStore) SaveVerification(ctx context.Context, rec VerificationRecord) error {
	const op = "invite.verification.save"
	if len(rec.TokenHash) != 64 {
		return errInvalid(op, "token hash")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}

	ttl := rec.ExpiresAt.Sub(s.now()) + s.retention
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.TokenHash), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	if !ok {
		return errInvalid(op, "duplicate token")
	}
	return nil
}

func (s *RedisVerificationStore) PeekVerification(ctx context.Context, tokenHash string) (VerificationRecord, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	return s.decode("invite.verification.peek", raw, err)
}

// TakeVerification uses GETDEL, which is atomic on the server.
func (s *RedisVerificationStore) TakeVerification(ctx context.Context, tokenHash string) (VerificationRecord, error) {
	raw, err := s.client.GetDel(ctx, s.key(tokenHash)).Bytes()
	return s.decode("invite.verification.take", raw, err)
}

func (s *RedisVerificationStore) decode(op string, raw []byte, err error) (VerificationRecord, error) {
	if errors.Is(err, redis.Nil) {
		return VerificationRecord{}, errNotFound(op, "verification")
	}
	if err != nil {
		return VerificationRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	var rec VerificationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return VerificationRecord{}, fmt.Errorf("%s: unmarshal: %w", op, err)
	}
	return rec, nil
}

// Ping checks if Redis is reachable.
func (s *RedisVerificationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisVerificationStore) Close() error {
	return s.client.Close()
}
