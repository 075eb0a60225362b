package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配 owner 时才删除，避免误删过期后被他人重新获取的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', lockKey) == owner then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireCheckoutLock SET NX PX 获取结账锁，返回是否获取成功。
func AcquireCheckoutLock(ctx context.Context, rdb rd.Cmdable, requestID, owner string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, CheckoutLockKey(requestID), owner, ttl).Result()
}

// ReleaseCheckoutLock 安全释放结账锁。
func ReleaseCheckoutLock(ctx context.Context, rdb rd.Scripter, requestID, owner string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{CheckoutLockKey(requestID)}, owner).Int()
	return err
}
