package kvstore

import "fmt"

// HotMemoryKey returns the per-user hash key used to store HOT-tier
// MemoryItems, per §6's persisted state layout.
func HotMemoryKey(userID string) string {
	return fmt.Sprintf("memory:hot:%s", userID)
}

// RateLimitWindowKey returns the per-identity, per-minute counter key.
func RateLimitWindowKey(identity string, minute int64) string {
	return fmt.Sprintf("rate_limit:%s:window:%d", identity, minute)
}

// RateLimitBlockedKey returns the per-identity blocked-until key.
func RateLimitBlockedKey(identity string) string {
	return fmt.Sprintf("rate_limit:%s:blocked", identity)
}

// RateLimitViolationsKey returns the per-identity violations sorted-set key.
func RateLimitViolationsKey(identity string) string {
	return fmt.Sprintf("rate_limit:%s:violations", identity)
}

// HealthListKey returns the capped list key for a named health probe.
func HealthListKey(cmd string) string {
	return fmt.Sprintf("mcp_health_%s", cmd)
}

// HealthAlertsKey is the capped list key for rate-limit/health alerts.
const HealthAlertsKey = "health_alerts"

// RateLimitViolationLogKey is the capped list key recording every rate
// limit violation across all identities, for the admin violations feed.
const RateLimitViolationLogKey = "rate_limit:violations_log"

// RateLimitAlertsKey is the capped list key for rate-limiter threshold
// alerts (violation-spike, endpoint-attack, sustained block-rate).
const RateLimitAlertsKey = "rate_limit:alerts_log"

// TokenBlacklistKey returns the revocation-set key for a JWT's unique id.
func TokenBlacklistKey(jti string) string {
	return fmt.Sprintf("auth:blacklist:%s", jti)
}
