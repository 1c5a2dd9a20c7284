package counter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// spendScript runs the whole spend decision server-side: IK replay
// check, count compare, increment and decision persist execute as one
// unit, so the read-compare-write sequence admits no interleaving. The
// stored decision uses the encodeDecision format.
var spendScript = redis.NewScript(`
local cached = redis.call("GET", KEYS[2])
if cached then
  return {1, cached}
end
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
if count >= limit then
  local resp = "0|limit_exceeded|0"
  redis.call("SETEX", KEYS[2], ttl, resp)
  return {0, resp}
end
count = count + 1
redis.call("SETEX", KEYS[1], ttl, tostring(count))
local remaining = limit - count
if remaining < 0 then
  remaining = 0
end
local resp = "1||" .. tostring(remaining)
redis.call("SETEX", KEYS[2], ttl, resp)
return {0, resp}
`)

// Atomic is the strongly consistent counter store. Redis executes each
// script invocation as a single-writer transaction per key, which is
// what strict enforcement requires.
type Atomic struct {
	client *redis.Client
}

func NewAtomic(client *redis.Client) *Atomic {
	return &Atomic{client: client}
}

func (a *Atomic) Spend(ctx context.Context, req SpendRequest) (Response, error) {
	keys := []string{countKey(req.Key), ikKey(req.Key.ProjectID, req.IK)}
	res, err := spendScript.Run(ctx, a.client, keys, req.Limit, req.TTLSeconds).Result()
	if err != nil {
		return Response{}, fmt.Errorf("spend script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Response{}, fmt.Errorf("spend script: unexpected result %v", res)
	}
	replay, _ := vals[0].(int64)
	encoded, _ := vals[1].(string)

	resp, err := decodeDecision(encoded)
	if err != nil {
		return Response{}, err
	}
	resp.Idempotent = replay == 1
	return resp, nil
}

func (a *Atomic) GuardGrace(ctx context.Context, projectID, graceKey string, ttlSeconds int64) (*Response, error) {
	val, err := a.client.Get(ctx, graceKeyName(projectID, graceKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("grace lookup: %w", err)
	}
	resp, err := decodeDecision(val)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Atomic) CacheGraceResponse(ctx context.Context, projectID, graceKey string, ttlSeconds int64, resp Response) error {
	// SET NX gives test-and-set semantics: only the first writer
	// stores, every later writer observes the hit instead.
	err := a.client.SetNX(ctx, graceKeyName(projectID, graceKey), encodeDecision(resp), secondsToDuration(ttlSeconds)).Err()
	if err != nil {
		return fmt.Errorf("grace cache: %w", err)
	}
	return nil
}
