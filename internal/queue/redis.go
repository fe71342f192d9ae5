package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if ARGV[3] == "1" then
  redis.call("HSET", KEYS[1], "data", ARGV[2], "state", "delayed")
  redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
else
  redis.call("HSET", KEYS[1], "data", ARGV[2], "state", "waiting")
  redis.call("RPUSH", KEYS[2], ARGV[1])
end
return 1
`)

var reserveScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[2], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("HSET", ARGV[1] .. id, "state", "waiting")
  redis.call("RPUSH", KEYS[1], id)
end
while true do
  local id = redis.call("LPOP", KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[1] .. id
  if redis.call("HGET", key, "state") == "waiting" then
    redis.call("HSET", key, "state", "active", "token", ARGV[4])
    redis.call("ZADD", KEYS[3], ARGV[3], id)
    return redis.call("HGET", key, "data")
  end
end
`)

var extendScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("DEL", KEYS[1])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "data", ARGV[3], "state", "delayed")
redis.call("HDEL", KEYS[1], "token")
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])
return 1
`)

var removeScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return 0
end
if state == "active" then
  return -1
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

var stalledScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local result = {}
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  local key = ARGV[1] .. id
  local data = redis.call("HGET", key, "data")
  if data then
    local count = redis.call("HINCRBY", key, "stalled", 1)
    if count > tonumber(ARGV[3]) then
      redis.call("DEL", key)
      table.insert(result, "failed")
      table.insert(result, data)
    else
      redis.call("HSET", key, "state", "waiting")
      redis.call("HDEL", key, "token")
      redis.call("RPUSH", KEYS[2], id)
      table.insert(result, "requeued")
      table.insert(result, id)
    end
  end
end
return result
`)

// RedisBackend stores jobs in Redis. A job lives in a hash under
// <prefix>:job:<id>; the wait list, the delayed set (scored by run time)
// and the active set (scored by lease expiry) hold ids only.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, queueName string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "crosspost:" + queueName,
	}
}

func (r *RedisBackend) jobKey(id string) string { return r.jobPrefix() + id }
func (r *RedisBackend) jobPrefix() string { return r.prefix + ":job:" }
func (r *RedisBackend) waitKey() string { return r.prefix + ":wait" }
func (r *RedisBackend) delayedKey() string { return r.prefix + ":delayed" }
func (r *RedisBackend) activeKey() string { return r.prefix + ":active" }

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (r *RedisBackend) Add(ctx context.Context, job *Job, runAt time.Time, now time.Time) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job: %w", err)
	}

	delayed := "0"
	if runAt.After(now) {
		delayed = "1"
	}

	added, err := addScript.Run(ctx, r.client,
		[]string{r.jobKey(job.ID), r.waitKey(), r.delayedKey()},
		job.ID, string(data), delayed, millis(runAt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add job %s: %w", job.ID, err)
	}
	return added == 1, nil
}

func (r *RedisBackend) Reserve(ctx context.Context, token string, now time.Time, leaseUntil time.Time) (*Job, error) {
	data, err := reserveScript.Run(ctx, r.client,
		[]string{r.waitKey(), r.delayedKey(), r.activeKey()},
		r.jobPrefix(), millis(now), millis(leaseUntil), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (r *RedisBackend) Extend(ctx context.Context, id, token string, leaseUntil time.Time) error {
	ok, err := extendScript.Run(ctx, r.client,
		[]string{r.jobKey(id), r.activeKey()},
		token, millis(leaseUntil), id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease of job %s: %w", id, err)
	}
	if ok != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBackend) finish(ctx context.Context, id, token string) error {
	ok, err := finishScript.Run(ctx, r.client,
		[]string{r.jobKey(id), r.activeKey()},
		token, id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	if ok != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBackend) Complete(ctx context.Context, id, token string) error {
	return r.finish(ctx, id, token)
}

// Fail drops the job. Terminal bookkeeping belongs to the OnFailed hook.
func (r *RedisBackend) Fail(ctx context.Context, job *Job, token string) error {
	return r.finish(ctx, job.ID, token)
}

func (r *RedisBackend) Retry(ctx context.Context, job *Job, token string, runAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := retryScript.Run(ctx, r.client,
		[]string{r.jobKey(job.ID), r.activeKey(), r.delayedKey()},
		token, job.ID, string(data), millis(runAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to schedule retry of job %s: %w", job.ID, err)
	}
	if ok != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBackend) Remove(ctx context.Context, id string) error {
	res, err := removeScript.Run(ctx, r.client,
		[]string{r.jobKey(id), r.waitKey(), r.delayedKey()},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to remove job %s: %w", id, err)
	}

	switch res {
	case -1:
		return ErrJobActive
	case 0:
		return ErrJobNotFound
	}
	return nil
}

func (r *RedisBackend) State(ctx context.Context, id string) (JobState, error) {
	state, err := r.client.HGet(ctx, r.jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to get state of job %s: %w", id, err)
	}
	return JobState(state), nil
}

func (r *RedisBackend) RecoverStalled(ctx context.Context, now time.Time, maxStalled int) (int, []*Job, error) {
	res, err := stalledScript.Run(ctx, r.client,
		[]string{r.activeKey(), r.waitKey()},
		r.jobPrefix(), millis(now), maxStalled,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}

	requeued := 0
	var failed []*Job
	for i := 0; i+1 < len(res); i += 2 {
		switch res[i] {
		case "requeued":
			requeued++
		case "failed":
			var job Job
			if err := json.Unmarshal([]byte(res[i+1]), &job); err != nil {
				return requeued, failed, fmt.Errorf("failed to decode stalled job: %w", err)
			}
			job.StalledCount = maxStalled + 1
			failed = append(failed, &job)
		}
	}

	return requeued, failed, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
