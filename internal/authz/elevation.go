package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ElevationStore records MFA step-up elevations in Redis. The external
// step-up verifier writes an elevation after second-factor proof; the
// evaluator reads it when the presented subject context carries none. Keys
// expire with the elevation so a lapsed step-up cannot be observed.
type ElevationStore struct {
	client *redis.Client
}

// NewElevationStore constructs the store.
func NewElevationStore(client *redis.Client) *ElevationStore {
	return &ElevationStore{client: client}
}

// Elevate records that the subject passed MFA until the given time.
func (s *ElevationStore) Elevate(ctx context.Context, subjectID string, until time.Time) error {
	if s == nil || s.client == nil {
		return errors.New("authz: elevation store not configured")
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return fmt.Errorf("authz: elevation for %q already expired", subjectID)
	}
	return s.client.Set(ctx, s.key(subjectID), until.UTC().Format(time.RFC3339Nano), ttl).Err()
}

// ElevatedUntil reports the subject's current elevation deadline. A zero
// time means no elevation is recorded.
func (s *ElevationStore) ElevatedUntil(ctx context.Context, subjectID string) (time.Time, error) {
	if s == nil || s.client == nil {
		return time.Time{}, nil
	}
	value, err := s.client.Get(ctx, s.key(subjectID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	until, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return until, nil
}

func (s *ElevationStore) key(subjectID string) string {
	return "authz:mfa:" + subjectID
}
