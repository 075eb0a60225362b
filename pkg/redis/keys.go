package redis

import "fmt"

// CheckoutLockKey 同一 request_id 同一时刻只允许一个结账流程执行。
func CheckoutLockKey(requestID string) string {
	return fmt.Sprintf("storefront:checkout:lock:%s", requestID)
}

// RequestStatusKey 缓存 request_id 的结账状态（pending/success/failed），数据库为准。
func RequestStatusKey(requestID string) string {
	return fmt.Sprintf("storefront:checkout:status:%s", requestID)
}

// CompensationKey 标记某个 request_id 的某一步补偿是否已执行。
func CompensationKey(requestID, step string) string {
	return fmt.Sprintf("storefront:checkout:compensated:%s:%s", requestID, step)
}

// RateLimitKey 结账接口限流键，subject 为 user:<id> 或 ip:<addr>。
func RateLimitKey(subject string) string {
	return fmt.Sprintf("storefront:rate_limit:checkout:%s", subject)
}
