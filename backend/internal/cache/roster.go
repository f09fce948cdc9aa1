package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Roster tracks which users are connected to a document across every instance.
type Roster interface {
	AddMember(ctx context.Context, docID, connID string, m Member, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, connID string) error
	Members(ctx context.Context, docID string) ([]Member, error)
}

type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// cleanupScript drops connections whose expire-at score has passed.
// KEYS[1] = rosterKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

type redisRoster struct {
	rdb redis.UniversalClient
}

func NewRedisRoster(rdb redis.UniversalClient) Roster {
	return &redisRoster{rdb: rdb}
}

// AddMember also refreshes the ttl of an existing connection.
func (r *redisRoster) AddMember(ctx context.Context, docID, connID string, m Member, ttl time.Duration) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(ttl).Unix()
	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, rosterKey(docID), redis.Z{Score: float64(expireAt), Member: connID})
	tx.HSet(ctx, namesKey(docID), connID, b)
	_, err = tx.Exec(ctx)
	return err
}

func (r *redisRoster) RemoveMember(ctx context.Context, docID, connID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, rosterKey(docID), connID)
	tx.HDel(ctx, namesKey(docID), connID)
	_, err := tx.Exec(ctx)
	return err
}

// Members lists live users once each, ordered by user id.
func (r *redisRoster) Members(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()
	err := cleanupScript.Run(ctx, r.rdb, []string{rosterKey(docID), namesKey(docID)}, now).Err()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	connIDs, err := r.rdb.ZRangeByScore(ctx, rosterKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(connIDs) == 0 {
		return nil, nil
	}

	raw, err := r.rdb.HMGet(ctx, namesKey(docID), connIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	seen := make(map[uint64]struct{}, len(raw))
	members := make([]Member, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			continue
		}
		if _, dup := seen[m.UserID]; dup {
			continue
		}
		seen[m.UserID] = struct{}{}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

type noopRoster struct{}

func NewNoopRoster() Roster { return noopRoster{} }

func (noopRoster) AddMember(context.Context, string, string, Member, time.Duration) error {
	return nil
}
func (noopRoster) RemoveMember(context.Context, string, string) error { return nil }
func (noopRoster) Members(context.Context, string) ([]Member, error)  { return nil, nil }
