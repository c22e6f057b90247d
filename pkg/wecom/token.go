package wecom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Token is a cached access token together with its validity window.
type Token struct {
	Value      string    `json:"value"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be used at now, keeping margin in reserve.
// The margin never exceeds half of the token's lifetime.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	if half := t.ExpiresAt.Sub(t.ObtainedAt) / 2; margin > half {
		margin = half
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// TokenStore caches tokens outside a single Client, e.g. to share one token between
// processes. Implementations must be safe for concurrent use.
type TokenStore interface {
	Load(ctx context.Context, key string) (Token, bool, error)
	Save(ctx context.Context, key string, tok Token) error
}

// MemoryStore is the default process-local TokenStore.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[key]
	return tok, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = tok
	return nil
}

// StoreKey derives the cache key for a corp ID / secret pair. Tokens are issued per
// secret, and the secret itself never appears in the key.
func StoreKey(corpID, secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return corpID + ":" + hex.EncodeToString(sum[:])[:12]
}

// fetchFunc performs the vendor round trip for a new token.
type fetchFunc func(ctx context.Context) (Token, error)

// credentials guards the cached token. mu is held across the vendor round trip so a
// caller that finds the token stale while another refresh is running waits for it and
// then re-checks instead of fetching again.
type credentials struct {
	mu          sync.Mutex
	current     Token
	lastRefresh time.Time
	// rejected is the last token the vendor refused. It is never reloaded from the
	// store. rejectPending holds until a replacement has been fetched.
	rejected      string
	rejectPending bool

	key         string
	store       TokenStore
	margin      time.Duration
	minInterval time.Duration
	now         func() time.Time
	fetch       fetchFunc
}

// get returns a usable token, refreshing it when absent, expired or inside the margin.
func (c *credentials) get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.current.Valid(now, c.margin) {
		return c.current.Value, nil
	}
	if tok, ok, err := c.store.Load(ctx, c.key); err == nil && ok && tok.Valid(now, c.margin) && tok.Value != c.rejected {
		c.current = tok
		return tok.Value, nil
	}
	if err := c.refreshLocked(ctx, c.rejectPending); err != nil {
		return "", err
	}
	return c.current.Value, nil
}

// invalidate drops the cached token if it is still the one the vendor rejected, then
// fetches a replacement.
func (c *credentials) invalidate(ctx context.Context, rejected string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.current.Value != rejected && c.current.Valid(now, c.margin) {
		// Another caller already replaced it.
		return c.current.Value, nil
	}
	// Only a token that looked usable counts against the refresh throttle; an
	// expired one is replaced unconditionally.
	throttle := c.rejectPending || (c.current.Value == rejected && c.current.Valid(now, c.margin))
	c.current = Token{}
	c.rejected = rejected
	c.rejectPending = throttle
	if err := c.refreshLocked(ctx, throttle); err != nil {
		return "", err
	}
	return c.current.Value, nil
}

// refreshLocked fetches a new token. With throttle set, a refresh within minInterval
// of the previous one is refused; missing or expired tokens are always replaced.
func (c *credentials) refreshLocked(ctx context.Context, throttle bool) error {
	now := c.now()
	if throttle && !c.lastRefresh.IsZero() && now.Sub(c.lastRefresh) < c.minInterval {
		return &AuthError{Code: -9, Message: "refresh throttled", Err: ErrRefreshTooFrequent}
	}
	tok, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.current = tok
	c.rejectPending = false
	c.lastRefresh = tok.ObtainedAt
	// A store failure only costs other processes a refresh of their own.
	_ = c.store.Save(ctx, c.key, tok)
	return nil
}

func (c *credentials) expiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.ExpiresAt
}
