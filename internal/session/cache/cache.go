// Package cache is the read-through session cache on Redis. It never returns errors: every
// failure is logged and reported to the caller as a miss or as "not applied". Reads and fills
// short-circuit while the availability flag is down; evictions always reach the server.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"device-sessions/backend/internal/session/domain"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	sessionKeyPrefix   = "session:"
	userIndexKeyPrefix = "user_sessions:"
)

// SessionKey is the string key holding the JSON view of a session.
func SessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }

// UserIndexKey is the set key listing a user's cached session ids.
func UserIndexKey(userID string) string { return userIndexKeyPrefix + userID }

// Cache wraps a Redis client with an availability flag maintained from observed command outcomes.
type Cache struct {
	rdb       redis.UniversalClient
	log       logrus.FieldLogger
	available atomic.Bool
	onChange  func(up bool)
}

// New wraps rdb and installs the availability hook. The flag starts false until a command,
// dial or probe succeeds; callers normally probe once with IsReallyAvailable at startup.
func New(rdb redis.UniversalClient, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Cache{rdb: rdb, log: log.WithField("component", "session_cache")}
	if rdb != nil {
		rdb.AddHook(availabilityHook{c: c})
	}
	return c
}

// NewDisabled returns a Cache that is permanently unavailable. Used when no address is configured.
func NewDisabled() *Cache {
	return New(nil, nil)
}

// OnAvailabilityChange registers fn to be called on every flag transition. Call before use.
func (c *Cache) OnAvailabilityChange(fn func(up bool)) {
	c.onChange = fn
}

// IsAvailable reports the last observed liveness without network I/O.
func (c *Cache) IsAvailable() bool {
	return c.rdb != nil && c.available.Load()
}

// IsReallyAvailable sends PING and updates the flag from the result.
func (c *Cache) IsReallyAvailable(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	err := c.rdb.Ping(ctx).Err()
	c.setAvailable(err == nil)
	return err == nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// GetSession returns the cached view for sessionID. ok is false on miss, decode failure or outage.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (domain.View, bool) {
	if !c.IsAvailable() {
		return domain.View{}, false
	}
	b, err := c.rdb.Get(ctx, SessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.View{}, false
	}
	if err != nil {
		c.warn("get", err, logrus.Fields{"session_id": sessionID})
		return domain.View{}, false
	}
	var v domain.View
	if err := json.Unmarshal(b, &v); err != nil {
		c.warn("decode", err, logrus.Fields{"session_id": sessionID})
		return domain.View{}, false
	}
	return v, true
}

// GetSessions fetches several views in one round trip. Ids with no usable entry are returned in missing.
// ok is false when the cache could not be read at all.
func (c *Cache) GetSessions(ctx context.Context, sessionIDs []string) (found []domain.View, missing []string, ok bool) {
	if !c.IsAvailable() {
		return nil, nil, false
	}
	if len(sessionIDs) == 0 {
		return nil, nil, true
	}
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = SessionKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.warn("mget", err, logrus.Fields{"count": len(keys)})
		return nil, nil, false
	}
	for i, raw := range vals {
		s, isString := raw.(string)
		if !isString {
			missing = append(missing, sessionIDs[i])
			continue
		}
		var v domain.View
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			c.warn("decode", err, logrus.Fields{"session_id": sessionIDs[i]})
			missing = append(missing, sessionIDs[i])
			continue
		}
		found = append(found, v)
	}
	return found, missing, true
}

// PutSession stores the view with ttl. A non-positive ttl is not applied.
func (c *Cache) PutSession(ctx context.Context, v domain.View, ttl time.Duration) bool {
	if ttl <= 0 || !c.IsAvailable() {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.warn("encode", err, logrus.Fields{"session_id": v.SessionID})
		return false
	}
	if err := c.rdb.Set(ctx, SessionKey(v.SessionID), b, ttl).Err(); err != nil {
		c.warn("set", err, logrus.Fields{"session_id": v.SessionID})
		return false
	}
	return true
}

// DropSession deletes the cached view. Deleting an absent key counts as applied.
// Like every eviction it is attempted even while the flag reads down: a stale flag must not
// leave a revoked session readable once the flag recovers.
func (c *Cache) DropSession(ctx context.Context, sessionID string) bool {
	if c.rdb == nil {
		return false
	}
	if err := c.rdb.Del(ctx, SessionKey(sessionID)).Err(); err != nil {
		c.warn("del", err, logrus.Fields{"session_id": sessionID})
		return false
	}
	return true
}

// AddToUserIndex adds sessionID to the user's index. The index TTL is only ever extended to ttl,
// never shortened, so a short-lived repopulation cannot expire the index under longer-lived entries.
func (c *Cache) AddToUserIndex(ctx context.Context, userID, sessionID string, ttl time.Duration) bool {
	if ttl <= 0 || !c.IsAvailable() {
		return false
	}
	key := UserIndexKey(userID)
	var ttlCmd *redis.DurationCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, sessionID)
		ttlCmd = p.TTL(ctx, key)
		return nil
	})
	if err != nil {
		c.warn("sadd", err, logrus.Fields{"user_id": userID, "session_id": sessionID})
		return false
	}
	if cur := ttlCmd.Val(); cur >= 0 && cur >= ttl {
		return true
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		c.warn("expire", err, logrus.Fields{"user_id": userID})
		return false
	}
	return true
}

// RemoveFromUserIndex removes ids from the user's index. Attempted regardless of the flag.
func (c *Cache) RemoveFromUserIndex(ctx context.Context, userID string, sessionIDs ...string) bool {
	if len(sessionIDs) == 0 {
		return true
	}
	if c.rdb == nil {
		return false
	}
	members := make([]interface{}, len(sessionIDs))
	for i, id := range sessionIDs {
		members[i] = id
	}
	if err := c.rdb.SRem(ctx, UserIndexKey(userID), members...).Err(); err != nil {
		c.warn("srem", err, logrus.Fields{"user_id": userID})
		return false
	}
	return true
}

// DropUserIndex deletes the user's index set. Attempted regardless of the flag.
func (c *Cache) DropUserIndex(ctx context.Context, userID string) bool {
	if c.rdb == nil {
		return false
	}
	if err := c.rdb.Del(ctx, UserIndexKey(userID)).Err(); err != nil {
		c.warn("del_index", err, logrus.Fields{"user_id": userID})
		return false
	}
	return true
}

// UserSessionIDs returns the members of the user's index. ok is false when the cache could not be read;
// an empty or absent index yields (nil, true).
func (c *Cache) UserSessionIDs(ctx context.Context, userID string) ([]string, bool) {
	if !c.IsAvailable() {
		return nil, false
	}
	ids, err := c.rdb.SMembers(ctx, UserIndexKey(userID)).Result()
	if err != nil {
		c.warn("smembers", err, logrus.Fields{"user_id": userID})
		return nil, false
	}
	return ids, true
}

func (c *Cache) warn(op string, err error, fields logrus.Fields) {
	c.log.WithFields(fields).WithField("op", op).WithError(err).Warn("session cache operation failed")
}

func (c *Cache) setAvailable(v bool) {
	if old := c.available.Swap(v); old != v {
		if v {
			c.log.Info("session cache available")
		} else {
			c.log.Warn("session cache unavailable, falling back to store")
		}
		if c.onChange != nil {
			c.onChange(v)
		}
	}
}
