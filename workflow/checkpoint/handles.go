package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/internal/database"
	"github.com/BaSui01/layerflow/types"
)

// Handle is a live store connection shared by every workflow invocation
// that targets the same store.
type Handle struct {
	Target   string
	Store    Store
	Token    string
	OpenedAt time.Time
}

// Opener opens a store for a target of one scheme.
type Opener func(ctx context.Context, target string) (Store, error)

// HandleOptions are passed to the built-in openers.
type HandleOptions struct {
	KeyPrefix   string
	TTL         time.Duration
	Pool        database.PoolConfig
	AutoMigrate bool
}

// HandleCache opens each distinct store target once and hands out the
// cached handle afterwards.
type HandleCache struct {
	mu      sync.Mutex
	handles map[string]*Handle
	openers map[string]Opener
	logger  *zap.Logger
}

// NewHandleCache creates a cache with openers for memory://, redis://,
// rediss://, postgres://, postgresql://, mysql://, sqlite://, mongodb://
// and mongodb+srv:// targets.
func NewHandleCache(opts HandleOptions, logger *zap.Logger) *HandleCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &HandleCache{
		handles: make(map[string]*Handle),
		openers: make(map[string]Opener),
		logger:  logger.With(zap.String("component", "checkpoint_handles")),
	}

	c.openers["memory"] = func(context.Context, string) (Store, error) {
		return NewMemoryStore(), nil
	}
	redisOpener := func(ctx context.Context, target string) (Store, error) {
		return OpenRedisStore(ctx, target, RedisStoreConfig{KeyPrefix: opts.KeyPrefix, TTL: opts.TTL}, logger)
	}
	c.openers["redis"] = redisOpener
	c.openers["rediss"] = redisOpener

	sqlOpener := func(driver string, dsn func(string) string, autoMigrate bool) Opener {
		return func(ctx context.Context, target string) (Store, error) {
			return OpenSQLStore(ctx, driver, dsn(target), opts.Pool, SQLStoreConfig{AutoMigrate: autoMigrate}, logger)
		}
	}
	keep := func(target string) string { return target }
	c.openers["postgres"] = sqlOpener("postgres", keep, opts.AutoMigrate)
	c.openers["postgresql"] = sqlOpener("postgres", keep, opts.AutoMigrate)
	c.openers["mysql"] = sqlOpener("mysql", stripScheme, opts.AutoMigrate)
	c.openers["sqlite"] = sqlOpener("sqlite", stripScheme, true)

	mongoOpener := func(ctx context.Context, target string) (Store, error) {
		return OpenMongoStore(ctx, target, logger)
	}
	c.openers["mongodb"] = mongoOpener
	c.openers["mongodb+srv"] = mongoOpener
	return c
}

// RegisterOpener adds or replaces the opener for a scheme.
func (c *HandleCache) RegisterOpener(scheme string, o Opener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openers[strings.ToLower(scheme)] = o
}

// Acquire returns the cached handle for target, opening it on first use.
// Failures are returned as STORE_UNAVAILABLE errors; nothing falls back
// to memory.
func (c *HandleCache) Acquire(ctx context.Context, target string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[target]; ok {
		return h, nil
	}

	scheme, _, ok := strings.Cut(target, "://")
	if !ok {
		return nil, types.Errorf(types.ErrStoreUnavailable, "store target %q has no scheme", redact(target))
	}
	open, ok := c.openers[strings.ToLower(scheme)]
	if !ok {
		return nil, types.Errorf(types.ErrStoreUnavailable, "no checkpoint store for scheme %q", scheme)
	}

	store, err := open(ctx, target)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "open checkpoint store %s", redact(target)).
			WithCause(err).
			WithRetryable(true)
	}

	h := &Handle{Target: target, Store: store, Token: uuid.NewString(), OpenedAt: time.Now()}
	c.handles[target] = h
	c.logger.Info("checkpoint store opened",
		zap.String("target", redact(target)),
		zap.String("token", h.Token),
	)
	return h, nil
}

// Len returns the number of cached handles.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// ReleaseAll closes every cached handle and empties the cache.
func (c *HandleCache) ReleaseAll(ctx context.Context) error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]*Handle)
	c.mu.Unlock()

	var errs []error
	for target, h := range handles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", redact(target), err))
			continue
		}
		c.logger.Info("checkpoint store closed", zap.String("token", h.Token))
	}
	return errors.Join(errs...)
}

func stripScheme(target string) string {
	_, rest, _ := strings.Cut(target, "://")
	return rest
}

// redact hides the password part of a connection target.
func redact(target string) string {
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		return target
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return target
	}
	creds := rest[:at]
	if user, _, hasPass := strings.Cut(creds, ":"); hasPass {
		creds = user + ":***"
	}
	return scheme + "://" + creds + rest[at:]
}
