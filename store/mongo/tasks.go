package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// SaveTask upserts the task document by id.
func (a *Adapter) SaveTask(ctx context.Context, t *ctmq.Task) error {
	doc := toTaskDoc(t)
	opts := options.Replace().SetUpsert(true)
	if _, err := a.db.Collection(colTasks).ReplaceOne(ctx, bson.M{"_id": t.ID}, doc, opts); err != nil {
		return fmt.Errorf("cloudtaskmq/mongo: save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (a *Adapter) GetTask(ctx context.Context, id string) (*ctmq.Task, error) {
	var doc taskDoc
	err := a.db.Collection(colTasks).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ctmq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("cloudtaskmq/mongo: get task: %w", err)
	}
	return fromTaskDoc(&doc)
}

// UpdateTaskStatus applies the patch as one $set so merge and stamp happen in
// a single write.
func (a *Adapter) UpdateTaskStatus(ctx context.Context, id string, status ctmq.TaskStatus, patch ctmq.TaskPatch) (*ctmq.Task, error) {
	set := bson.M{
		"status":    string(status),
		"updatedAt": nowMillis(),
	}
	if patch.Attempts != nil {
		set["attempts"] = *patch.Attempts
	}
	if patch.Result != nil {
		set["result"] = patch.Result
	}
	if patch.Error != nil {
		set["error"] = &taskErrorDoc{
			Message:   patch.Error.Message,
			Stack:     patch.Error.Stack,
			Timestamp: patch.Error.Timestamp,
		}
	}
	if patch.Progress != nil {
		set["progress"] = &progressDoc{
			Percentage: patch.Progress.Percentage,
			Data:       patch.Progress.Data,
		}
	}
	if patch.ActiveAt != nil {
		set["activeAt"] = *patch.ActiveAt
	}
	if patch.CompletedAt != nil {
		set["completedAt"] = *patch.CompletedAt
	}
	if patch.FailedAt != nil {
		set["failedAt"] = *patch.FailedAt
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc taskDoc
	err := a.db.Collection(colTasks).
		FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).
		Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ctmq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("cloudtaskmq/mongo: update task: %w", err)
	}
	return fromTaskDoc(&doc)
}

// DeleteTask removes the task document.
func (a *Adapter) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := a.db.Collection(colTasks).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("cloudtaskmq/mongo: delete task: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// QueryTasks translates the filter into a Mongo query with server-side sort
// and paging.
func (a *Adapter) QueryTasks(ctx context.Context, f ctmq.TaskFilter) ([]*ctmq.Task, error) {
	opts := options.Find()
	switch f.SortBy {
	case "createdAt", "updatedAt", chainIndexSort:
		dir := 1
		if f.SortDesc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: f.SortBy, Value: dir}})
	}
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cur, err := a.db.Collection(colTasks).Find(ctx, filterQuery(f), opts)
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/mongo: query tasks: %w", err)
	}
	defer cur.Close(ctx)

	var out []*ctmq.Task
	for cur.Next(ctx) {
		var doc taskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("cloudtaskmq/mongo: decode task: %w", err)
		}
		t, err := fromTaskDoc(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cloudtaskmq/mongo: query cursor: %w", err)
	}
	return out, nil
}

// CountTasks counts documents matching the filter, ignoring paging.
func (a *Adapter) CountTasks(ctx context.Context, f ctmq.TaskFilter) (int64, error) {
	n, err := a.db.Collection(colTasks).CountDocuments(ctx, filterQuery(f))
	if err != nil {
		return 0, fmt.Errorf("cloudtaskmq/mongo: count tasks: %w", err)
	}
	return n, nil
}

// HasActiveTaskInChain reports whether any chain member is idle or active.
func (a *Adapter) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	n, err := a.db.Collection(colTasks).CountDocuments(ctx, bson.M{
		"chain.id": chainID,
		"status":   bson.M{"$in": []string{string(ctmq.StatusIdle), string(ctmq.StatusActive)}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("cloudtaskmq/mongo: chain active: %w", err)
	}
	return n > 0, nil
}

// GetChainTasks returns chain members ordered by chain index.
func (a *Adapter) GetChainTasks(ctx context.Context, chainID string) ([]*ctmq.Task, error) {
	return a.QueryTasks(ctx, ctmq.TaskFilter{ChainID: chainID, SortBy: chainIndexSort})
}

// GetNextTaskInChain returns the member with the smallest index strictly
// greater than afterIndex.
func (a *Adapter) GetNextTaskInChain(ctx context.Context, chainID string, afterIndex int) (*ctmq.Task, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "chain.index", Value: 1}})
	var doc taskDoc
	err := a.db.Collection(colTasks).FindOne(ctx, bson.M{
		"chain.id":    chainID,
		"chain.index": bson.M{"$gt": afterIndex},
	}, opts).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ctmq.ErrTaskNotFound
		}
		return nil, fmt.Errorf("cloudtaskmq/mongo: chain next: %w", err)
	}
	return fromTaskDoc(&doc)
}

// Cleanup deletes in bulk server-side and returns the exact count.
func (a *Adapter) Cleanup(ctx context.Context, policy ctmq.CleanupPolicy) (int64, error) {
	query := bson.M{}
	if policy.OlderThan > 0 {
		query["createdAt"] = bson.M{"$lt": nowMillis() - policy.OlderThan.Milliseconds()}
	}

	statuses := make([]string, 0, len(policy.Statuses)+2)
	for _, s := range policy.Statuses {
		statuses = append(statuses, string(s))
	}
	if policy.RemoveCompleted {
		statuses = append(statuses, string(ctmq.StatusCompleted))
	}
	if policy.RemoveFailed {
		statuses = append(statuses, string(ctmq.StatusFailed))
	}
	if len(statuses) > 0 {
		query["status"] = bson.M{"$in": statuses}
	} else if policy.OlderThan <= 0 {
		// No clause and no age gate selects nothing.
		return 0, nil
	}

	res, err := a.db.Collection(colTasks).DeleteMany(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cloudtaskmq/mongo: cleanup: %w", err)
	}
	return res.DeletedCount, nil
}

// chainIndexSort is an internal sort key understood only by this adapter's
// filterQuery/QueryTasks pair.
const chainIndexSort = "chain.index"

func filterQuery(f ctmq.TaskFilter) bson.M {
	query := bson.M{}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		query["status"] = bson.M{"$in": ss}
	}
	if f.QueueName != "" {
		query["queueName"] = f.QueueName
	}
	if f.ChainID != "" {
		query["chain.id"] = f.ChainID
	}
	if f.UniquenessKey != "" {
		query["uniquenessKey"] = f.UniquenessKey
	}
	created := bson.M{}
	if f.CreatedAfter != 0 {
		created["$gte"] = f.CreatedAfter
	}
	if f.CreatedBefore != 0 {
		created["$lt"] = f.CreatedBefore
	}
	if len(created) > 0 {
		query["createdAt"] = created
	}
	return query
}
