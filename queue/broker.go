// Package queue is the job broker: one durable, prioritised channel per
// engine on Redis, with at-least-once delivery and visibility leases.
//
// Each channel is four keys:
//
//	<prefix>:<engine>:ready     ZSET  member -> priority score (lower first)
//	<prefix>:<engine>:delayed   ZSET  member -> due time (unix ms)
//	<prefix>:<engine>:inflight  ZSET  member -> lease deadline (unix ms)
//	<prefix>:<engine>:payload   HASH  member -> Message JSON
//
// A member is "<jobID>:<attempt>", which makes enqueue idempotent per attempt.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/models"
)

// Message is what travels through a channel.
type Message struct {
	JobID      string            `json:"job_id"`
	AccountID  string            `json:"account_id"`
	Attempt    int               `json:"attempt"`
	Engine     models.EngineType `json:"engine"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Key is the broker-level idempotent delivery key.
func (m Message) Key() string {
	return m.JobID + ":" + strconv.Itoa(m.Attempt)
}

// Delivery is a leased Message. It must be acked once its attempt is resolved.
type Delivery struct {
	Message
	LeaseUntil time.Time
}

// Broker is safe for concurrent use.
type Broker struct {
	rdb       *redis.Client
	prefix    string
	agingStep time.Duration
	maxBoost  int
	now       func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the broker's clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// New returns a Broker over rdb.
func New(rdb *redis.Client, cfg config.QueueConfig, opts ...Option) *Broker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "harvester"
	}
	b := &Broker{
		rdb:       rdb,
		prefix:    prefix,
		agingStep: cfg.AgingStep,
		maxBoost:  cfg.MaxBoostSteps,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type keys struct {
	ready, delayed, inflight, payload string
}

func (b *Broker) keys(engine models.EngineType) keys {
	base := b.prefix + ":" + string(engine)
	return keys{
		ready:    base + ":ready",
		delayed:  base + ":delayed",
		inflight: base + ":inflight",
		payload:  base + ":payload",
	}
}

// Score is the ready-set priority of an attempt enqueued at t. Each retry
// gains AgingStep of head start over fresh work, up to MaxBoostSteps steps,
// so no message waits behind retries for longer than MaxWait.
func (b *Broker) Score(t time.Time, attempt int) float64 {
	boost := attempt - 1
	if boost < 0 {
		boost = 0
	}
	if boost > b.maxBoost {
		boost = b.maxBoost
	}
	return float64(t.UnixMilli() - int64(boost)*b.agingStep.Milliseconds())
}

// MaxWait bounds how far ahead of a fresh message a retry can be placed.
func (b *Broker) MaxWait() time.Duration {
	return time.Duration(b.maxBoost) * b.agingStep
}

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// Enqueue publishes msg on its engine's channel, after delay when positive.
// Enqueueing the same (job, attempt) twice is a no-op.
func (b *Broker) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	k := b.keys(msg.Engine)
	target, score := k.ready, b.Score(msg.EnqueuedAt, msg.Attempt)
	if delay > 0 {
		target, score = k.delayed, float64(b.now().Add(delay).UnixMilli())
	}
	if err := enqueueScript.Run(ctx, b.rdb, []string{k.payload, target}, msg.Key(), body, score).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.Key(), err)
	}
	return nil
}

var claimScript = redis.NewScript(`
local m = redis.call('ZRANGE', KEYS[1], 0, 0)
if #m == 0 then
  return false
end
redis.call('ZREM', KEYS[1], m[1])
redis.call('ZADD', KEYS[2], ARGV[1], m[1])
return {m[1], redis.call('HGET', KEYS[3], m[1])}
`)

// Dequeue leases the highest-priority ready message of engine for lease.
// It returns nil, nil when the channel is empty.
func (b *Broker) Dequeue(ctx context.Context, engine models.EngineType, lease time.Duration) (*Delivery, error) {
	k := b.keys(engine)
	deadline := b.now().Add(lease)
	res, err := claimScript.Run(ctx, b.rdb, []string{k.ready, k.inflight, k.payload}, deadline.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", engine, err)
	}
	member, _ := res[0].(string)
	body, _ := res[1].(string)
	if body == "" {
		// Payload already acked; the member was a leftover.
		b.rdb.ZRem(ctx, k.inflight, member)
		return nil, nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		b.rdb.ZRem(ctx, k.inflight, member)
		b.rdb.HDel(ctx, k.payload, member)
		return nil, fmt.Errorf("queue: decode %s: %w", member, err)
	}
	return &Delivery{Message: msg, LeaseUntil: deadline}, nil
}

// Extend pushes a delivery's lease deadline out by lease.
func (b *Broker) Extend(ctx context.Context, d *Delivery, lease time.Duration) error {
	k := b.keys(d.Engine)
	deadline := b.now().Add(lease)
	err := b.rdb.ZAddXX(ctx, k.inflight, redis.Z{Score: float64(deadline.UnixMilli()), Member: d.Key()}).Err()
	if err != nil {
		return fmt.Errorf("queue: extend %s: %w", d.Key(), err)
	}
	d.LeaseUntil = deadline
	return nil
}

// Ack removes a delivery for good.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	k := b.keys(d.Engine)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.inflight, d.Key())
		p.HDel(ctx, k.payload, d.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", d.Key(), err)
	}
	return nil
}

var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// Sweep promotes due delayed messages and returns expired leases of engine
// to the ready set. It reports how many messages moved.
func (b *Broker) Sweep(ctx context.Context, engine models.EngineType) (promoted, reclaimed int, err error) {
	k := b.keys(engine)
	now := b.now()
	if promoted, err = b.move(ctx, k, k.delayed, now); err != nil {
		return 0, 0, err
	}
	if reclaimed, err = b.move(ctx, k, k.inflight, now); err != nil {
		return promoted, 0, err
	}
	return promoted, reclaimed, nil
}

func (b *Broker) move(ctx context.Context, k keys, from string, now time.Time) (int, error) {
	due, err := b.rdb.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan %s: %w", from, err)
	}
	moved := 0
	for _, member := range due {
		attempt := 1
		if body, err := b.rdb.HGet(ctx, k.payload, member).Result(); err == nil {
			var msg Message
			if json.Unmarshal([]byte(body), &msg) == nil {
				attempt = msg.Attempt
			}
		} else if errors.Is(err, redis.Nil) {
			b.rdb.ZRem(ctx, from, member)
			continue
		}
		n, err := moveScript.Run(ctx, b.rdb, []string{from, k.ready}, member, b.Score(now, attempt)).Int()
		if err != nil {
			return moved, fmt.Errorf("queue: move %s: %w", member, err)
		}
		moved += n
	}
	return moved, nil
}

// Depth reports the size of each of engine's sets.
type Depth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	Inflight int64 `json:"inflight"`
}

// Depth returns the current depth of engine's channel.
func (b *Broker) Depth(ctx context.Context, engine models.EngineType) (Depth, error) {
	k := b.keys(engine)
	var ready, delayed, inflight *redis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.ZCard(ctx, k.ready)
		delayed = p.ZCard(ctx, k.delayed)
		inflight = p.ZCard(ctx, k.inflight)
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("queue: depth %s: %w", engine, err)
	}
	return Depth{Ready: ready.Val(), Delayed: delayed.Val(), Inflight: inflight.Val()}, nil
}

// Ping checks broker reachability.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
