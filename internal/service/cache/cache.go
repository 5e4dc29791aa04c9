package cache

import "time"

// Cache is an in-process value cache with per-entry TTL.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, v any, ttl time.Duration)
}
