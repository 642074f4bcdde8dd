package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlorchat/parlor/internal/models"
)

const (
	userKeyPrefix = "presence:user:"
	nickKey       = "presence:nicknames"
	lastSeenKey   = "presence:lastseen"
)

// RedisStore keeps presence in Redis so multiple stateless server replicas
// can share one authoritative view. Each user is a hash, nicknames are
// claimed in a lowercased index hash, and the expiration sweep walks a
// sorted set scored by last-seen time.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Join(ctx context.Context, user models.User) (models.User, error) {
	nick := strings.ToLower(user.Nickname)

	// Claim the nickname first; HSetNX makes the claim atomic across
	// replicas. A rejoin by the same id is allowed through.
	claimed, err := s.rdb.HSetNX(ctx, nickKey, nick, user.ID).Result()
	if err != nil {
		return models.User{}, fmt.Errorf("claim nickname: %w", err)
	}
	if !claimed {
		holder, err := s.rdb.HGet(ctx, nickKey, nick).Result()
		if err != nil {
			return models.User{}, fmt.Errorf("check nickname holder: %w", err)
		}
		if holder != user.ID {
			return models.User{}, ErrNicknameTaken
		}
	}

	// A rejoin under a new nickname must release the old claim, or it
	// would block that name with nobody online holding it.
	oldNick, err := s.rdb.HGet(ctx, userKeyPrefix+user.ID, "nickname").Result()
	if err != nil && err != redis.Nil {
		return models.User{}, fmt.Errorf("load previous nickname: %w", err)
	}

	now := time.Now()
	if user.JoinedAt.IsZero() {
		user.JoinedAt = now
	}
	user.LastSeenAt = now

	pipe := s.rdb.TxPipeline()
	if old := strings.ToLower(oldNick); old != "" && old != nick {
		pipe.HDel(ctx, nickKey, old)
	}
	pipe.HSet(ctx, userKeyPrefix+user.ID, map[string]interface{}{
		"id":       user.ID,
		"nickname": user.Nickname,
		"joinedAt": user.JoinedAt.Format(time.RFC3339Nano),
		"lastSeen": user.LastSeenAt.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, lastSeenKey, redis.Z{Score: float64(now.UnixMilli()), Member: user.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.HDel(ctx, nickKey, nick)
		return models.User{}, fmt.Errorf("store user: %w", err)
	}
	return user, nil
}

func (s *RedisStore) Leave(ctx context.Context, userID string) error {
	nickname, err := s.rdb.HGet(ctx, userKeyPrefix+userID, "nickname").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load user: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, userKeyPrefix+userID)
	pipe.ZRem(ctx, lastSeenKey, userID)
	if nickname != "" {
		pipe.HDel(ctx, nickKey, strings.ToLower(nickname))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	return nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID string) error {
	exists, err := s.rdb.Exists(ctx, userKeyPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists == 0 {
		return ErrUnknownUser
	}

	now := time.Now()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, userKeyPrefix+userID, "lastSeen", now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, lastSeenKey, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh user: %w", err)
	}
	return nil
}

func (s *RedisStore) ListOnline(ctx context.Context, excludeID string) ([]models.User, error) {
	ids, err := s.rdb.ZRange(ctx, lastSeenKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}

	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		fields, err := s.rdb.HGetAll(ctx, userKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Sorted-set entry outlived the hash; drop it.
			s.rdb.ZRem(ctx, lastSeenKey, id)
			continue
		}
		users = append(users, userFromFields(fields))
	}
	return users, nil
}

func (s *RedisStore) Expire(ctx context.Context, olderThan time.Time) ([]models.User, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, lastSeenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", olderThan.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan stale ids: %w", err)
	}

	var expired []models.User
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, userKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		if len(fields) > 0 {
			expired = append(expired, userFromFields(fields))
		}
		if err := s.Leave(ctx, id); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func userFromFields(fields map[string]string) models.User {
	joined, _ := time.Parse(time.RFC3339Nano, fields["joinedAt"])
	lastSeen, _ := time.Parse(time.RFC3339Nano, fields["lastSeen"])
	return models.User{
		ID:         fields["id"],
		Nickname:   fields["nickname"],
		JoinedAt:   joined,
		LastSeenAt: lastSeen,
	}
}
