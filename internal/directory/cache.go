package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const profileKeyPrefix = "takehome:profile:"

// CachedPatients fronts a Patients source with a redis read-through cache.
// Cache failures fall through to the source.
type CachedPatients struct {
	next   Patients
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedPatients wraps next with a redis cache
func NewCachedPatients(next Patients, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedPatients {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedPatients{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedPatients) DosingProfile(ctx context.Context, patientID string) (*DosingProfile, error) {
	key := profileKeyPrefix + patientID

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p DosingProfile
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
		c.logger.Warn("dropping corrupt cached profile", zap.String("patient_id", patientID))
		c.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("profile cache read failed", zap.String("patient_id", patientID), zap.Error(err))
	}

	p, err := c.next.DosingProfile(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(p); jerr == nil {
		if serr := c.rdb.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			c.logger.Warn("profile cache write failed", zap.String("patient_id", patientID), zap.Error(serr))
		}
	}
	return p, nil
}

// Invalidate evicts a cached profile
func (c *CachedPatients) Invalidate(ctx context.Context, patientID string) error {
	return c.rdb.Del(ctx, profileKeyPrefix+patientID).Err()
}
