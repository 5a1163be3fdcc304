package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"payrun-orchestrator/internal/config"
)

// ItemMessage asks a worker to finalize one employee of a pay run.
type ItemMessage struct {
	EmployerID string `json:"employer_id"`
	PayRunID   string `json:"pay_run_id"`
	EmployeeID string `json:"employee_id"`
	Attempt    int    `json:"attempt"`
}

// ID is the queue member for the message. Re-enqueueing the same item
// collapses onto one member.
func (m ItemMessage) ID() string {
	return m.EmployerID + "|" + m.PayRunID + "|" + m.EmployeeID
}

func parseID(id string) (ItemMessage, error) {
	parts := strings.SplitN(id, "|", 3)
	if len(parts) != 3 {
		return ItemMessage{}, fmt.Errorf("malformed queue member %q", id)
	}
	return ItemMessage{EmployerID: parts[0], PayRunID: parts[1], EmployeeID: parts[2]}, nil
}

// DeadLetter is a message that exhausted its delivery attempts.
type DeadLetter struct {
	Message ItemMessage `json:"message"`
	Reason  string      `json:"reason"`
	At      time.Time   `json:"at"`
}

// RedisQueue coordinates ready, in-flight, and scheduled item messages in Redis.
type RedisQueue struct {
	client        *redis.Client
	clock         clockwork.Clock
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, cfg.Queue.Name, cfg.Queue.VisibilityTimeout, clockwork.NewRealClock())
}

// New wraps an existing client. All keys live under name.
func New(client *redis.Client, name string, visibility time.Duration, clock clockwork.Clock) *RedisQueue {
	if name == "" {
		name = "payrun:finalize"
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		clock:         clock,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		metaPrefix:    name + ":meta:",
		dlqKey:        name + ":dlq",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying connection for health checks and the rate limiter.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// Enqueue makes msg ready now, or schedules it when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, msg ItemMessage, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	q.add(ctx, pipe, msg, runAt)
	_, err := pipe.Exec(ctx)
	return err
}

// EnqueueMany makes every message ready in one round trip.
func (q *RedisQueue) EnqueueMany(ctx context.Context, msgs []ItemMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := q.clock.Now()
	pipe := q.client.TxPipeline()
	for _, m := range msgs {
		q.add(ctx, pipe, m, now)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) add(ctx context.Context, pipe redis.Pipeliner, msg ItemMessage, runAt time.Time) {
	id := msg.ID()
	pipe.HSet(ctx, q.metaKey(id), "attempt", msg.Attempt)
	if runAt.After(q.clock.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey, id)
	}
}

// Schedule moves an in-flight message into the scheduled set for a later retry.
func (q *RedisQueue) Schedule(ctx context.Context, msg ItemMessage, runAt time.Time) error {
	id := msg.ID()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "attempt", msg.Attempt)
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages onto the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueMembers(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) dueMembers(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// DequeueWithLease pops the next ready message and places it into inflight
// with a visibility timeout. ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (msg ItemMessage, ok bool, err error) {
	deadline := q.clock.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return ItemMessage{}, false, nil
	}
	if err != nil {
		return ItemMessage{}, false, err
	}
	id, isString := res.(string)
	if !isString {
		return ItemMessage{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	msg, err = parseID(id)
	if err != nil {
		return ItemMessage{}, false, err
	}
	attempt, err := q.client.HGet(ctx, q.metaKey(id), "attempt").Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ItemMessage{}, false, err
	}
	msg.Attempt = attempt
	return msg, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, msg ItemMessage, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.clock.Now().Add(extension).UnixMilli()),
		Member: msg.ID(),
	}).Err()
}

// Ack removes a message from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, msg ItemMessage) error {
	id := msg.ID()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, making them ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]ItemMessage, error) {
	ids, err := q.dueMembers(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	out := make([]ItemMessage, 0, len(ids))
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
		if m, err := parseID(id); err == nil {
			out = append(out, m)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// DLQPush records an exhausted message for operational inspection and
// drops it from in-flight tracking.
func (q *RedisQueue) DLQPush(ctx context.Context, msg ItemMessage, reason string) error {
	raw, err := json.Marshal(DeadLetter{Message: msg, Reason: reason, At: q.clock.Now().UTC()})
	if err != nil {
		return err
	}
	id := msg.ID()
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, raw)
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered messages.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		return nil, nil
	}
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns how many messages are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local msg = redis.call('LPOP', KEYS[1])
if msg then
  redis.call('ZADD', KEYS[2], ARGV[1], msg)
  return msg
end
return nil
`)
