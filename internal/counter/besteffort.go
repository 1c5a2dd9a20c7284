package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// BestEffort runs the same spend protocol as Atomic but as discrete
// cache operations with no transactional guarantees: concurrent
// writers may each read the same count and each write count+1,
// under-counting. Acceptable for a free tier; never for strict
// enforcement.
type BestEffort struct {
	cache Cache
}

func NewBestEffort(cache Cache) *BestEffort {
	return &BestEffort{cache: cache}
}

func (b *BestEffort) Spend(ctx context.Context, req SpendRequest) (Response, error) {
	ik := ikKey(req.Key.ProjectID, req.IK)
	ttl := secondsToDuration(req.TTLSeconds)

	cached, err := b.cache.Get(ctx, ik)
	if err == nil {
		resp, derr := decodeDecision(cached)
		if derr != nil {
			return Response{}, derr
		}
		resp.Idempotent = true
		return resp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Response{}, fmt.Errorf("ik lookup: %w", err)
	}

	count := 0
	raw, err := b.cache.Get(ctx, countKey(req.Key))
	if err == nil {
		count, err = strconv.Atoi(raw)
		if err != nil {
			return Response{}, fmt.Errorf("malformed counter %q", raw)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Response{}, fmt.Errorf("counter lookup: %w", err)
	}

	if count >= req.Limit {
		resp := Response{OK: false, Err: "limit_exceeded", Remaining: 0}
		if err := b.cache.Set(ctx, ik, encodeDecision(resp), ttl); err != nil {
			return Response{}, fmt.Errorf("ik store: %w", err)
		}
		return resp, nil
	}

	count++
	remaining := req.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	resp := Response{OK: true, Remaining: remaining}

	if err := b.cache.Set(ctx, countKey(req.Key), strconv.Itoa(count), ttl); err != nil {
		return Response{}, fmt.Errorf("counter store: %w", err)
	}
	if err := b.cache.Set(ctx, ik, encodeDecision(resp), ttl); err != nil {
		return Response{}, fmt.Errorf("ik store: %w", err)
	}
	return resp, nil
}

func (b *BestEffort) GuardGrace(ctx context.Context, projectID, graceKey string, ttlSeconds int64) (*Response, error) {
	val, err := b.cache.Get(ctx, graceKeyName(projectID, graceKey))
	if errors.Is(err, ErrNotFound) {
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

func (b *BestEffort) CacheGraceResponse(ctx context.Context, projectID, graceKey string, ttlSeconds int64, resp Response) error {
	// Read-before-write de-duplication; racing writers can both miss
	// the read and the second SetNX loses, which is the documented
	// best-effort behavior.
	_, err := b.cache.SetNX(ctx, graceKeyName(projectID, graceKey), encodeDecision(resp), secondsToDuration(ttlSeconds))
	if err != nil {
		return fmt.Errorf("grace cache: %w", err)
	}
	return nil
}
