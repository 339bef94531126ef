package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// SaveTask upserts the task blob and maintains the queue, chain and
// enumeration indexes in one transaction.
func (a *Adapter) SaveTask(ctx context.Context, t *ctmq.Task) error {
	raw, err := a.encoder.Encode(t)
	if err != nil {
		return fmt.Errorf("cloudtaskmq/redis: encode task: %w", err)
	}
	_, err = a.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, a.keys.Task(t.ID), raw, 0)
		p.SAdd(ctx, a.keys.TaskIDs(), t.ID)
		p.ZAdd(ctx, a.keys.Queue(t.QueueName), goredis.Z{Score: float64(t.CreatedAt), Member: t.ID})
		if t.Chain != nil {
			p.ZAdd(ctx, a.keys.Chain(t.Chain.ID), goredis.Z{Score: float64(t.Chain.Index), Member: t.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cloudtaskmq/redis: save task: %w", err)
	}
	return nil
}

// GetTask loads and decodes one task blob.
func (a *Adapter) GetTask(ctx context.Context, id string) (*ctmq.Task, error) {
	raw, err := a.rdb.Get(ctx, a.keys.Task(id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ctmq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("cloudtaskmq/redis: get task: %w", err)
	}
	var t ctmq.Task
	if err := a.encoder.Decode([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: decode task: %w", err)
	}
	return &t, nil
}

// UpdateTaskStatus does a read-modify-write with the shared merge semantics.
// CAS is the consumer's job, not the adapter's.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, status ctmq.TaskStatus, patch ctmq.TaskPatch) (*ctmq.Task, error) {
	t, err := a.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	ctmq.ApplyStatusPatch(t, status, patch, nowMillis())
	raw, err := a.encoder.Encode(t)
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: encode task: %w", err)
	}
	if err := a.rdb.Set(ctx, a.keys.Task(id), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: update task: %w", err)
	}
	return t, nil
}

// DeleteTask removes the blob and every index entry referencing it.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	t, err := a.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ctmq.ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err = a.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, a.keys.Task(id))
		p.SRem(ctx, a.keys.TaskIDs(), id)
		p.ZRem(ctx, a.keys.Queue(t.QueueName), id)
		if t.Chain != nil {
			p.ZRem(ctx, a.keys.Chain(t.Chain.ID), id)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cloudtaskmq/redis: delete task: %w", err)
	}
	return true, nil
}

// QueryTasks narrows candidates via the chain or queue index when the filter
// names one, then decodes and filters in memory.
func (a *Adapter) QueryTasks(ctx context.Context, f ctmq.TaskFilter) ([]*ctmq.Task, error) {
	tasks, err := a.loadCandidates(ctx, f)
	if err != nil {
		return nil, err
	}
	matched := tasks[:0]
	for _, t := range tasks {
		if f.Matches(t) {
			matched = append(matched, t)
		}
	}
	return f.SortAndPage(matched), nil
}

// CountTasks counts matches, ignoring paging.
func (a *Adapter) CountTasks(ctx context.Context, f ctmq.TaskFilter) (int64, error) {
	tasks, err := a.loadCandidates(ctx, f)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, t := range tasks {
		if f.Matches(t) {
			n++
		}
	}
	return n, nil
}

// HasActiveTaskInChain reports whether any chain member is idle or active.
func (a *Adapter) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	tasks, err := a.GetChainTasks(ctx, chainID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// GetChainTasks returns chain members in index order (the ZSET score).
func (a *Adapter) GetChainTasks(ctx context.Context, chainID string) ([]*ctmq.Task, error) {
	ids, err := a.rdb.ZRange(ctx, a.keys.Chain(chainID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: chain range: %w", err)
	}
	return a.loadTasks(ctx, ids)
}

// GetNextTaskInChain returns the member with the smallest index strictly
// greater than afterIndex.
func (a *Adapter) GetNextTaskInChain(ctx context.Context, chainID string, afterIndex int) (*ctmq.Task, error) {
	ids, err := a.rdb.ZRangeByScore(ctx, a.keys.Chain(chainID), &goredis.ZRangeBy{
		Min:    "(" + strconv.Itoa(afterIndex),
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: chain next: %w", err)
	}
	if len(ids) == 0 {
		return nil, ctmq.ErrTaskNotFound
	}
	return a.GetTask(ctx, ids[0])
}

// Cleanup loads every task, applies the policy and deletes matches.
func (a *Adapter) Cleanup(ctx context.Context, policy ctmq.CleanupPolicy) (int64, error) {
	tasks, err := a.loadCandidates(ctx, ctmq.TaskFilter{})
	if err != nil {
		return 0, err
	}
	now := nowMillis()
	var n int64
	for _, t := range tasks {
		if !policy.ShouldDelete(t, now) {
			continue
		}
		deleted, err := a.DeleteTask(ctx, t.ID)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) loadCandidates(ctx context.Context, f ctmq.TaskFilter) ([]*ctmq.Task, error) {
	var (
		ids []string
		err error
	)
	switch {
	case f.ChainID != "":
		ids, err = a.rdb.ZRange(ctx, a.keys.Chain(f.ChainID), 0, -1).Result()
	case f.QueueName != "":
		ids, err = a.rdb.ZRange(ctx, a.keys.Queue(f.QueueName), 0, -1).Result()
	default:
		ids, err = a.rdb.SMembers(ctx, a.keys.TaskIDs()).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: list ids: %w", err)
	}
	return a.loadTasks(ctx, ids)
}

func (a *Adapter) loadTasks(ctx context.Context, ids []string) ([]*ctmq.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	taskKeys := make([]string, len(ids))
	for i, id := range ids {
		taskKeys[i] = a.keys.Task(id)
	}
	raws, err := a.rdb.MGet(ctx, taskKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: mget tasks: %w", err)
	}
	out := make([]*ctmq.Task, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// Index entry outlived its blob; skip rather than fail the query.
			continue
		}
		var t ctmq.Task
		if err := a.encoder.Decode([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("cloudtaskmq/redis: decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, nil
}
