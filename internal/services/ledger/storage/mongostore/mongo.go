// Package mongostore keeps read models as MongoDB documents keyed by
// aggregate type and stream. Events, snapshots and cursors stay in the
// primary SQL backend.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// DefaultCollection holds the read models.
const DefaultCollection = "read_models"

type readModelBSON struct {
	ID            string    `bson:"_id"`
	TenantID      string    `bson:"tenant_id"`
	AggregateType string    `bson:"aggregate_type"`
	AggregateID   string    `bson:"aggregate_id"`
	AsOfSeq       int64     `bson:"as_of_seq"`
	State         []byte    `bson:"state"`
	LastEventAt   time.Time `bson:"last_event_at"`
}

// ReadModelStore is a MongoDB storage.ReadModelStore.
type ReadModelStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ storage.ReadModelStore = (*ReadModelStore)(nil)

// Connect dials uri and returns a store using database dbName.
func Connect(ctx context.Context, uri, dbName string) (*ReadModelStore, error) {
	if strings.TrimSpace(uri) == "" || strings.TrimSpace(dbName) == "" {
		return nil, fmt.Errorf("mongo uri and database are required")
	}
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &ReadModelStore{client: client, coll: client.Database(dbName).Collection(DefaultCollection)}, nil
}

// Close disconnects the client.
func (s *ReadModelStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func documentID(aggregateType event.AggregateType, key event.StreamKey) string {
	return string(aggregateType) + ":" + key.String()
}

// GetReadModel implements storage.ReadModelStore.
func (s *ReadModelStore) GetReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (storage.ReadModel, error) {
	var doc readModelBSON
	err := s.coll.FindOne(ctx, bson.M{"_id": documentID(aggregateType, key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ReadModel{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ReadModel{}, classify("get read model", err)
	}
	return storage.ReadModel{
		Key:           key,
		AggregateType: aggregateType,
		AsOfSeq:       uint64(doc.AsOfSeq),
		State:         doc.State,
		LastEventAt:   doc.LastEventAt.UTC(),
	}, nil
}

// PutReadModel implements storage.ReadModelStore. The update only matches a
// document at or behind the new sequence; when a newer one exists the upsert
// collides on _id and the write is dropped.
func (s *ReadModelStore) PutReadModel(ctx context.Context, model storage.ReadModel) error {
	if err := model.Key.Validate(); err != nil {
		return err
	}
	id := documentID(model.AggregateType, model.Key)
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "as_of_seq": bson.M{"$lte": int64(model.AsOfSeq)}},
		bson.M{"$set": bson.M{
			"tenant_id":      model.Key.TenantID,
			"aggregate_type": string(model.AggregateType),
			"aggregate_id":   model.Key.AggregateID,
			"as_of_seq":      int64(model.AsOfSeq),
			"state":          model.State,
			"last_event_at":  model.LastEventAt.UTC(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return classify("put read model", err)
}

// DeleteReadModel implements storage.ReadModelStore.
func (s *ReadModelStore) DeleteReadModel(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": documentID(aggregateType, key)})
	return classify("delete read model", err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return apperrors.Wrap(apperrors.CodeTransientStorage, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
