package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"

	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

// Key schema. Everything the janitor must be able to repair carries either a
// TTL or a timestamp (queue scores are entry times).
const (
	keyQueue      = "sig:queue" // zset, score = entry unix milli
	keyPairPrefix = "sig:pair:" // string, value = partner sid
	keyLockPrefix = "sig:lock:" // string with EX LockTTL
	keyBanPrefix  = "sig:ban:"  // string with PX window
	keyBusySet    = "sig:busy"  // set of userIds
	keyTSPrefix   = "sig:ts:"   // sig:ts:<kind>:<sid>, unix milli with EX
)

// Redis is the clustered queue store shared by all instances.
type Redis struct {
	client *redis.Client
	clock  clock.PassiveClock
}

// NewRedis connects to the shared store and verifies the connection.
func NewRedis(addr, password string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to queue store: %w", err)
	}

	return &Redis{client: client, clock: clock.RealClock{}}, nil
}

// NewRedisWithClient is used by tests to point at a miniredis instance.
func NewRedisWithClient(client *redis.Client, c clock.PassiveClock) *Redis {
	return &Redis{client: client, clock: c}
}

// Client exposes the underlying connection for health checks.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) AddToQueue(ctx context.Context, sid types.SID) error {
	// NX keeps the original entry time if the sid is already waiting.
	return r.client.ZAddNX(ctx, keyQueue, redis.Z{
		Score:  float64(r.clock.Now().UnixMilli()),
		Member: string(sid),
	}).Err()
}

func (r *Redis) RemoveFromQueue(ctx context.Context, sid types.SID) error {
	return r.client.ZRem(ctx, keyQueue, string(sid)).Err()
}

func (r *Redis) IsInQueue(ctx context.Context, sid types.SID) (bool, error) {
	_, err := r.client.ZScore(ctx, keyQueue, string(sid)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) WaitingQueue(ctx context.Context) ([]types.SID, error) {
	members, err := r.client.ZRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.SID, len(members))
	for i, m := range members {
		out[i] = types.SID(m)
	}
	return out, nil
}

func (r *Redis) QueueSize(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, keyQueue).Result()
	return int(n), err
}

func (r *Redis) QueueEntryTime(ctx context.Context, sid types.SID) (time.Time, error) {
	score, err := r.client.ZScore(ctx, keyQueue, string(sid)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(score)), nil
}

func (r *Redis) SetPair(ctx context.Context, a, b types.SID) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyPairPrefix+string(a), string(b), 0)
	pipe.Set(ctx, keyPairPrefix+string(b), string(a), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Partner(ctx context.Context, sid types.SID) (types.SID, error) {
	v, err := r.client.Get(ctx, keyPairPrefix+string(sid)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return types.SID(v), nil
}

func (r *Redis) RemovePair(ctx context.Context, sid types.SID) (types.SID, error) {
	other, err := r.Partner(ctx, sid)
	if err != nil {
		return "", err
	}
	if other == "" {
		return "", nil
	}
	if err := r.client.Del(ctx, keyPairPrefix+string(sid), keyPairPrefix+string(other)).Err(); err != nil {
		return "", err
	}
	return other, nil
}

func (r *Redis) LockSocket(ctx context.Context, sid types.SID) error {
	return r.client.Set(ctx, keyLockPrefix+string(sid), "1", LockTTL).Err()
}

func (r *Redis) UnlockSocket(ctx context.Context, sid types.SID) error {
	return r.client.Del(ctx, keyLockPrefix+string(sid)).Err()
}

func (r *Redis) IsLocked(ctx context.Context, sid types.SID) (bool, error) {
	n, err := r.client.Exists(ctx, keyLockPrefix+string(sid)).Result()
	return n > 0, err
}

func (r *Redis) BanPair(ctx context.Context, a, b types.SID, window time.Duration) error {
	return r.client.Set(ctx, keyBanPrefix+banKey(a, b), "1", window).Err()
}

func (r *Redis) IsBannedTogether(ctx context.Context, a, b types.SID) (bool, error) {
	n, err := r.client.Exists(ctx, keyBanPrefix+banKey(a, b)).Result()
	return n > 0, err
}

func (r *Redis) SetBusy(ctx context.Context, uid types.UserID, busy bool) error {
	if busy {
		return r.client.SAdd(ctx, keyBusySet, string(uid)).Err()
	}
	return r.client.SRem(ctx, keyBusySet, string(uid)).Err()
}

func (r *Redis) IsBusy(ctx context.Context, uid types.UserID) (bool, error) {
	return r.client.SIsMember(ctx, keyBusySet, string(uid)).Result()
}

func tsKey(sid types.SID, kind TimestampKind) string {
	return keyTSPrefix + string(kind) + ":" + string(sid)
}

func (r *Redis) SetTimestamp(ctx context.Context, sid types.SID, kind TimestampKind, t time.Time) error {
	return r.client.Set(ctx, tsKey(sid, kind), strconv.FormatInt(t.UnixMilli(), 10), timestampTTL).Err()
}

func (r *Redis) Timestamp(ctx context.Context, sid types.SID, kind TimestampKind) (time.Time, error) {
	v, err := r.client.Get(ctx, tsKey(sid, kind)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp for %s: %w", sid, err)
	}
	return time.UnixMilli(ms), nil
}

func (r *Redis) ClearTimestamps(ctx context.Context, sid types.SID) error {
	return r.client.Del(ctx,
		tsKey(sid, TSSearch),
		tsKey(sid, TSStart),
		tsKey(sid, TSMatchAttempt),
	).Err()
}

func (r *Redis) CleanupStaleQueueEntries(ctx context.Context, maxWait time.Duration, isConnected ConnectedFunc) ([]types.SID, error) {
	cutoff := r.clock.Now().Add(-maxWait).UnixMilli()
	members, err := r.client.ZRangeByScore(ctx, keyQueue, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var dropped []types.SID
	var stale []interface{}
	for _, m := range members {
		sid := types.SID(m)
		if isConnected(sid) {
			continue
		}
		dropped = append(dropped, sid)
		stale = append(stale, m)
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, keyQueue, stale...).Err(); err != nil {
			return nil, err
		}
	}
	return dropped, nil
}

func (r *Redis) CleanupStaleStates(ctx context.Context, isConnected ConnectedFunc) (CleanupReport, error) {
	var report CleanupReport

	// Bans carry their own TTL; Redis expires them without help.

	lockKeys, err := r.scanKeys(ctx, keyLockPrefix+"*")
	if err != nil {
		return report, err
	}
	for _, key := range lockKeys {
		sid := types.SID(key[len(keyLockPrefix):])
		if !isConnected(sid) {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return report, err
			}
			report.Locks++
		}
	}

	pairKeys, err := r.scanKeys(ctx, keyPairPrefix+"*")
	if err != nil {
		return report, err
	}
	seen := set.New[types.SID]()
	for _, key := range pairKeys {
		sid := types.SID(key[len(keyPairPrefix):])
		if seen.Has(sid) {
			continue
		}
		other, err := r.Partner(ctx, sid)
		if err != nil {
			return report, err
		}
		seen.Insert(sid, other)
		if other == "" {
			continue
		}
		if !isConnected(sid) || !isConnected(other) {
			if err := r.client.Del(ctx, keyPairPrefix+string(sid), keyPairPrefix+string(other)).Err(); err != nil {
				return report, err
			}
			report.Pairs++
		}
	}

	return report, nil
}

func (r *Redis) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ Store = (*Redis)(nil)
