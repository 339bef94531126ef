package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

// IsUniquenessKeyActive reports whether a non-expired lease exists for key.
// TTL reaping is eventual, so expiry is also checked here.
func (a *Adapter) IsUniquenessKeyActive(ctx context.Context, key string) (bool, error) {
	n, err := a.db.Collection(colUniqueness).CountDocuments(ctx, bson.M{
		"_id":       key,
		"expiresAt": bson.M{"$gt": time.Now()},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("cloudtaskmq/mongo: uniqueness check: %w", err)
	}
	return n > 0, nil
}

// SetUniquenessKeyActive acquires the lease with one upsert: the filter only
// matches an expired lease, so a live one forces an insert that collides on
// _id and reads as not-acquired.
func (a *Adapter) SetUniquenessKeyActive(ctx context.Context, key, taskID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	_, err := a.db.Collection(colUniqueness).UpdateOne(ctx,
		bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"taskId": taskID, "expiresAt": now.Add(ttl)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("cloudtaskmq/mongo: uniqueness acquire: %w", err)
	}
	return true, nil
}

// RemoveUniquenessKey releases the lease for key.
func (a *Adapter) RemoveUniquenessKey(ctx context.Context, key string) error {
	if _, err := a.db.Collection(colUniqueness).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("cloudtaskmq/mongo: uniqueness release: %w", err)
	}
	return nil
}

// IncrementRateLimit drops the window if it lapsed, then upserts with $inc
// and $setOnInsert so resetTime is fixed at window creation.
func (a *Adapter) IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*ctmq.RateLimitResult, error) {
	now := time.Now()
	col := a.db.Collection(colRateLimits)

	if _, err := col.DeleteMany(ctx, bson.M{"_id": key, "resetTime": bson.M{"$lte": now}}); err != nil {
		return nil, fmt.Errorf("cloudtaskmq/mongo: rate reset: %w", err)
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc rateDoc
	err := col.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{
			"$inc":         bson.M{"count": 1},
			"$setOnInsert": bson.M{"resetTime": now.Add(window)},
		},
		opts,
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/mongo: rate increment: %w", err)
	}
	return &ctmq.RateLimitResult{
		Allowed:   doc.Count <= int64(maxRequests),
		Count:     doc.Count,
		ResetTime: doc.ResetTime.UnixMilli(),
	}, nil
}

// GetRateLimit reads the window without incrementing; a lapsed window reads
// as absent.
func (a *Adapter) GetRateLimit(ctx context.Context, key string) (*ctmq.RateLimitResult, error) {
	var doc rateDoc
	err := a.db.Collection(colRateLimits).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cloudtaskmq/mongo: rate get: %w", err)
	}
	if !doc.ResetTime.After(time.Now()) {
		return nil, nil
	}
	return &ctmq.RateLimitResult{Count: doc.Count, ResetTime: doc.ResetTime.UnixMilli()}, nil
}

// DeleteRateLimit drops the window for key.
func (a *Adapter) DeleteRateLimit(ctx context.Context, key string) error {
	if _, err := a.db.Collection(colRateLimits).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("cloudtaskmq/mongo: rate delete: %w", err)
	}
	return nil
}
