package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"content-orchestrator/internal/config"
	"content-orchestrator/internal/models"
)

// ErrLockHeld is returned by AcquireLock when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another worker")

// RedisQueue is the job message transport: priority ready lists, a scheduled zset for
// delayed retries, an in-flight zset of leases and a dead-letter list.
// Delivery is at least once: a lease that expires before Ack is handed out again.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	lockPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
	dlqEntriesKey  string
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		jobMetaPrefix:  "queue:jobmeta:",
		lockPrefix:     "queue:lock:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		dlqEntriesKey:  dlq + ":entries",
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) defaultPriority() string {
	for _, p := range q.priorityQueues {
		if p == "default" {
			return p
		}
	}
	return q.priorityQueues[0]
}

// Enqueue stores msg and makes it deliverable at runAt. A zero or past runAt means now.
func (q *RedisQueue) Enqueue(ctx context.Context, msg models.Message, priority string, runAt time.Time) error {
	if msg.JobID == "" {
		return errors.New("enqueue: message has no job id")
	}
	if priority == "" {
		priority = q.defaultPriority()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	pipe := q.client.TxPipeline()
	q.schedule(ctx, pipe, msg.JobID, priority, raw, runAt)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) schedule(ctx context.Context, pipe redis.Pipeliner, jobID, priority string, raw []byte, runAt time.Time) {
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority, "message", raw)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, jobID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil || priority == "" {
		return q.defaultPriority()
	}
	return priority
}

// DequeueWithLease pops the next job in priority order, leases it for the visibility
// timeout and returns its message. ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (msg models.Message, ok bool, err error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	jobID, isString := res.(string)
	if !isString {
		return models.Message{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := q.client.HGet(ctx, q.metaKey(jobID), "message").Result()
	if errors.Is(err, redis.Nil) {
		// Leased id whose message was cancelled meanwhile; the processor resolves it from the store.
		return models.Message{JobID: jobID}, true, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return models.Message{JobID: jobID}, true, nil
	}
	return msg, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its message.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the same message for runAt in one transaction.
// When it fails the lease is still held, so lease expiry redelivers the job.
func (q *RedisQueue) Retry(ctx context.Context, msg models.Message, runAt time.Time) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.JobID)
	q.schedule(ctx, pipe, msg.JobID, q.priorityOf(ctx, msg.JobID), raw, runAt)
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// SendToDeadLetter records dl and releases the job's lease and message.
// A job already present in the dead-letter list is replaced, not duplicated.
func (q *RedisQueue) SendToDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.dlqKey, 0, dl.JobID)
	pipe.LPush(ctx, q.dlqKey, dl.JobID)
	pipe.HSet(ctx, q.dlqEntriesKey, dl.JobID, raw)
	pipe.ZRem(ctx, q.inflightKey, dl.JobID)
	pipe.Del(ctx, q.metaKey(dl.JobID))
	_, err = pipe.Exec(ctx)
	return err
}

// ListDeadLetters returns up to count dead letters, most recent first.
func (q *RedisQueue) ListDeadLetters(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	if count <= 0 {
		count = 100
	}
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.dlqEntriesKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			out = append(out, models.DeadLetter{JobID: ids[i]})
			continue
		}
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", ids[i], err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// RemoveDeadLetter drops jobID from the dead-letter list.
func (q *RedisQueue) RemoveDeadLetter(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.dlqKey, 0, jobID)
	pipe.HDel(ctx, q.dlqEntriesKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// AcquireLock takes a named lock for ttl. It returns ErrLockHeld when someone else has it.
// The lock is never released explicitly; it expires with its ttl.
func (q *RedisQueue) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	ok, err := q.client.SetNX(ctx, q.lockPrefix+name, holder, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
