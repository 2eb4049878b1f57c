package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Scope string

const (
	ScopeGlobalIP     Scope = "ip"
	ScopeInstallation Scope = "installation"
	ScopeActivation   Scope = "activation"
	ScopeAdmin        Scope = "admin"
)

type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate" validate:"gte=0"`
	Window time.Duration `yaml:"window" validate:"gte=0"`
}

// Disabled reports whether the limit is switched off.
func (c LimitConfig) Disabled() bool {
	return c.Rate <= 0 || c.Window <= 0
}

// Fixed window keyed on first hit. Returns {count, pttl}.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if tonumber(current) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type Limiter struct {
	client *redis.Client
	salt   string
	now    func() time.Time
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{client: client, salt: salt, now: time.Now}
}

// HashIP keeps raw client addresses out of Redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

func Key(scope Scope, subject string) string {
	return fmt.Sprintf("rl:%s:%s", scope, subject)
}

// Allow counts one hit against subject in scope.
func (l *Limiter) Allow(ctx context.Context, scope Scope, subject string, config LimitConfig) (*Decision, error) {
	if config.Disabled() {
		return &Decision{Scope: scope, Allowed: true}, nil
	}
	d, err := l.CheckRateLimit(ctx, Key(scope, subject), config)
	if err != nil {
		return nil, err
	}
	d.Scope = scope
	return d, nil
}

func (l *Limiter) CheckRateLimit(ctx context.Context, key string, config LimitConfig) (*Decision, error) {
	res, err := windowScript.Run(ctx, l.client, []string{key}, config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, pttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if pttl <= 0 {
		pttl = config.Window
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int((pttl + time.Second - 1) / time.Second)

	return &Decision{
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      l.now().Add(pttl),
		RetryAfter: retry,
		Allowed:    count <= config.Rate,
	}, nil
}
