package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pkgredis "storefront/pkg/redis"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数
// 返回：当前窗口内的请求数（如果 >= limit 则返回 -1 表示限流）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

-- 统计当前窗口内的请求数
local count = redis.call('ZCARD', key)

-- 添加当前请求（如果还没超限）
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// RedisRateLimit Redis 分布式限流（Lua 原子操作 + 按用户）。
// Redis 出错时降级为进程内令牌桶，而不是直接放行。
func RedisRateLimit(rdb rd.Scripter, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	fallback := newLocalLimiter(limit, window)

	return func(c *gin.Context) {
		// 已识别用户按 user_id 限流，否则按 IP
		subject := "ip:" + c.ClientIP()
		if uid := UserID(c); uid != "" {
			subject = "user:" + uid
		}
		key := pkgredis.RateLimitKey(subject)

		now := time.Now()
		windowSec := int64(window.Seconds())
		if windowSec < 1 {
			windowSec = 1
		}
		windowStart := now.UnixMilli() - window.Milliseconds()
		member := fmt.Sprintf("%d-%d", now.Unix(), now.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now.UnixMilli(), windowStart, windowSec, member, limit).Int()
		if err != nil {
			log.Warn("rate limit degraded to local limiter", zap.String("key", key), zap.Error(err))
			if !fallback.allow(key) {
				tooMany(c)
				return
			}
			c.Next()
			return
		}

		if res < 0 {
			tooMany(c)
			return
		}
		c.Next()
	}
}

func tooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"code": http.StatusTooManyRequests,
		"msg":  "too many requests, please retry later",
		"kind": "rate_limited",
	})
}

// maxLocalKeys 降级期间进程内最多保留的 key 数。
const maxLocalKeys = 10000

// localLimiter 每个 key 一个令牌桶，速率与 Redis 窗口等价。
// 空闲满一个窗口的桶已回满，删除后重建行为不变，因此按窗口周期清理。
type localLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*localEntry
	every     rate.Limit
	burst     int
	idle      time.Duration
	maxKeys   int
	lastSweep time.Time
}

type localEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &localLimiter{
		limiters: make(map[string]*localEntry),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idle:     window,
		maxKeys:  maxLocalKeys,
	}
}

func (l *localLimiter) allow(key string) bool {
	return l.allowAt(key, time.Now())
}

func (l *localLimiter) allowAt(key string, now time.Time) bool {
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxKeys {
			l.sweep(now)
			if len(l.limiters) >= l.maxKeys {
				l.evictOldest()
			}
		}
		e = &localEntry{lim: rate.NewLimiter(l.every, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	allowed := e.lim.AllowN(now, 1)
	l.mu.Unlock()
	return allowed
}

// sweep 删除空闲超过一个窗口的桶，调用方持有 mu。
func (l *localLimiter) sweep(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.seen) >= l.idle {
			delete(l.limiters, k)
		}
	}
	l.lastSweep = now
}

func (l *localLimiter) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for k, e := range l.limiters {
		if oldest == "" || e.seen.Before(at) {
			oldest, at = k, e.seen
		}
	}
	delete(l.limiters, oldest)
}

func (l *localLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
