package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Store persists tasks. Save is called when a task is created and again on
// every terminal transition (at-least-once); FailInterrupted runs once at
// startup so crashed-in-flight tasks never silently resume.
type Store interface {
	Save(ctx context.Context, t *types.Task) error
	FailInterrupted(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// MongoStore writes tasks to a MongoDB collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     *slog.Logger
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(uri, database, collection string, timeout time.Duration, logger *slog.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		timeout:    timeout,
		logger:     logger.With("component", "task_store"),
	}, nil
}

// Save upserts the task row by id.
func (s *MongoStore) Save(ctx context.Context, t *types.Task) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": t.ID},
		t,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb save task: %w", err)
	}
	return nil
}

// FailInterrupted marks every persisted non-terminal task as failed with
// reason interrupted. Call before accepting new work.
func (s *MongoStore) FailInterrupted(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"status": bson.M{"$nin": []types.TaskStatus{
			types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
		}}},
		bson.M{"$set": bson.M{
			"status":           types.StatusFailed,
			"progress_message": "interrupted by restart",
			"completed_at":     now,
			"error": &types.TaskError{
				Kind:    types.KindInterrupted,
				Message: "process restarted while task was in flight",
			},
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongodb fail interrupted: %w", err)
	}
	if res.ModifiedCount > 0 {
		s.logger.Warn("marked interrupted tasks as failed", "count", res.ModifiedCount)
	}
	return res.ModifiedCount, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
