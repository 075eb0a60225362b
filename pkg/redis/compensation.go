package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaClaimOnce 通过 SETNX 标记保证同一请求的同一补偿步骤只执行一次。
const luaClaimOnce = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])

if redis.call('SETNX', key, '1') == 1 then
  redis.call('EXPIRE', key, ttlSec)
  return 1
end
return 0
`

// ClaimCompensationOnce 幂等补偿占位：
// - 首次调用返回 true，调用方执行补偿
// - 重复调用返回 false（补偿已由其它流程执行）
func ClaimCompensationOnce(ctx context.Context, rdb rd.Scripter, requestID, step string) (bool, error) {
	const ttlSeconds = int64((7 * 24 * time.Hour) / time.Second)

	n, err := rdb.Eval(ctx, luaClaimOnce, []string{CompensationKey(requestID, step)}, ttlSeconds).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
