package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheStamp versions a cached effective-permission set. A set is only
// served while both the catalogue and the role store still sit at the
// versions it was computed against.
type CacheStamp struct {
	CatalogueVersion int64
	RoleStoreVersion int64
}

// PermissionCache stores effective permission sets in Redis keyed by subject
// and stamp. Entries carry a short TTL as a backstop; correctness comes from
// the stamp, not the TTL.
type PermissionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPermissionCache constructs the cache.
func NewPermissionCache(client *redis.Client, ttl time.Duration) *PermissionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PermissionCache{client: client, ttl: ttl}
}

// Get returns the cached set for the subject at the given stamp.
func (c *PermissionCache) Get(ctx context.Context, subjectID string, stamp CacheStamp) (map[string]struct{}, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, c.key(subjectID, stamp)).Bytes()
	if err != nil {
		return nil, false
	}
	var codes []string
	if err := json.Unmarshal(payload, &codes); err != nil {
		return nil, false
	}
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set, true
}

// Set stores the effective set for the subject at the given stamp.
func (c *PermissionCache) Set(ctx context.Context, subjectID string, stamp CacheStamp, effective map[string]struct{}) {
	if c == nil || c.client == nil {
		return
	}
	codes := make([]string, 0, len(effective))
	for code := range effective {
		codes = append(codes, code)
	}
	payload, err := json.Marshal(codes)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(subjectID, stamp), payload, c.ttl).Err()
}

func (c *PermissionCache) key(subjectID string, stamp CacheStamp) string {
	return fmt.Sprintf("authz:perms:%s:c%d:r%d", subjectID, stamp.CatalogueVersion, stamp.RoleStoreVersion)
}
