// Package tokenstore provides shared wecom.TokenStore backends.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wecomagent/pkg/wecom"
)

const defaultPrefix = "wecom:token:"

// Redis stores access tokens in Redis so every process using the same corp ID and
// secret shares one token.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisConfig struct {
	Client redis.UniversalClient
	Prefix string // default "wecom:token:"
}

func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, now: time.Now}
}

func (r *Redis) Load(ctx context.Context, key string) (wecom.Token, bool, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return wecom.Token{}, false, nil
	}
	if err != nil {
		return wecom.Token{}, false, fmt.Errorf("failed to load token: %w", err)
	}

	var tok wecom.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return wecom.Token{}, false, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return tok, true, nil
}

// Save writes tok with a TTL matching its remaining validity. Expired tokens are not
// written.
func (r *Redis) Save(ctx context.Context, key string, tok wecom.Token) error {
	ttl := tok.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}
