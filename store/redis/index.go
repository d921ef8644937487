package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// popScript promotes due delayed members of every requested worker type
// and then pops the best ready member across them.
//
// KEYS: ready1, delayed1, ready2, delayed2, ...
// ARGV[1]: now in unix milliseconds
// ARGV[2]: promotion batch size per worker type
var popScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])

for i = 1, #KEYS, 2 do
	local ready, delayed = KEYS[i], KEYS[i + 1]
	local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now, 'LIMIT', 0, batch)
	for _, m in ipairs(due) do
		local prio, member = string.match(m, '^(-?%d+)|(.+)$')
		if member then
			redis.call('ZADD', ready, tonumber(prio), member)
		end
		redis.call('ZREM', delayed, m)
	end
end

local bestKey, bestMember, bestScore = nil, nil, nil
for i = 1, #KEYS, 2 do
	local head = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
	if #head > 0 then
		local member, score = head[1], tonumber(head[2])
		if bestKey == nil or score < bestScore or (score == bestScore and member < bestMember) then
			bestKey, bestMember, bestScore = KEYS[i], member, score
		end
	end
end

if bestKey == nil then
	return false
end
redis.call('ZREM', bestKey, bestMember)
return bestMember
`)

// promoteBatch caps how many delayed members one pop promotes per worker
// type.
const promoteBatch = 100

// Index is the Redis priority index over pending unit IDs.
type Index struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

// Option configures the Index.
type Option func(*Index)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) { x.logger = l }
}

// WithKeyPrefix replaces the default "taskcrew:" key prefix, which lets
// several deployments share one Redis.
func WithKeyPrefix(prefix string) Option {
	return func(x *Index) { x.prefix = prefix }
}

// New creates a Redis index. The caller owns the Redis client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Index {
	x := &Index{client: client, prefix: defaultKeyPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Client returns the underlying Redis client.
func (x *Index) Client() redis.Cmdable { return x.client }

// Ping verifies the Redis connection is alive.
func (x *Index) Ping(ctx context.Context) error {
	return x.client.Ping(ctx).Err()
}

// Add indexes a pending unit: into the ready set when it is available at
// now, into the delayed set otherwise. Adding an already indexed unit is a
// no-op, so Add doubles as resync.
func (x *Index) Add(ctx context.Context, u *workunit.WorkUnit, now time.Time) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		x.queueAdd(ctx, pipe, u, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("taskcrew/redis: add %s: %w", u.ID, err)
	}
	return nil
}

// AddAll indexes many units in one pipeline.
func (x *Index) AddAll(ctx context.Context, units []*workunit.WorkUnit, now time.Time) error {
	if len(units) == 0 {
		return nil
	}
	_, err := x.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range units {
			x.queueAdd(ctx, pipe, u, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("taskcrew/redis: add %d units: %w", len(units), err)
	}
	return nil
}

func (x *Index) queueAdd(ctx context.Context, pipe redis.Pipeliner, u *workunit.WorkUnit, now time.Time) {
	ready, delayed := x.readyKey(u.WorkerType), x.delayedKey(u.WorkerType)
	if u.AvailableAt.After(now) {
		pipe.ZRem(ctx, ready, readyMember(u))
		pipe.ZAdd(ctx, delayed, redis.Z{Score: scoreMillis(u.AvailableAt), Member: delayedMember(u)})
		return
	}
	pipe.ZRem(ctx, delayed, delayedMember(u))
	pipe.ZAdd(ctx, ready, redis.Z{Score: float64(u.Priority), Member: readyMember(u)})
}

// Remove drops a unit from both sets, for example after a cancel.
func (x *Index) Remove(ctx context.Context, u *workunit.WorkUnit) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, x.readyKey(u.WorkerType), readyMember(u))
		pipe.ZRem(ctx, x.delayedKey(u.WorkerType), delayedMember(u))
		return nil
	})
	if err != nil {
		return fmt.Errorf("taskcrew/redis: remove %s: %w", u.ID, err)
	}
	return nil
}

// Pop removes and returns the best ready unit ID among workerTypes. ok is
// false when nothing is ready.
func (x *Index) Pop(ctx context.Context, workerTypes []string, now time.Time) (unitID id.WorkUnitID, ok bool, err error) {
	if len(workerTypes) == 0 {
		return id.Nil, false, nil
	}

	keys := make([]string, 0, 2*len(workerTypes))
	for _, wt := range workerTypes {
		keys = append(keys, x.readyKey(wt), x.delayedKey(wt))
	}

	member, err := popScript.Run(ctx, x.client, keys, now.UnixMilli(), promoteBatch).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return id.Nil, false, nil
		}
		return id.Nil, false, fmt.Errorf("taskcrew/redis: pop: %w", err)
	}

	unitID, err = parseMember(member)
	if err != nil {
		x.logger.Warn("dropping malformed index member", slog.String("member", member))
		return id.Nil, false, err
	}
	return unitID, true, nil
}

// Len returns how many units of workerType are indexed as ready and
// delayed.
func (x *Index) Len(ctx context.Context, workerType string) (ready, delayed int64, err error) {
	pipe := x.client.Pipeline()
	r := pipe.ZCard(ctx, x.readyKey(workerType))
	d := pipe.ZCard(ctx, x.delayedKey(workerType))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("taskcrew/redis: len %s: %w", workerType, err)
	}
	return r.Val(), d.Val(), nil
}
