// Package mongo stores laboratory memory documents in MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/trellis-data/labflow/internal/core"
)

const (
	// DefaultDatabase is used when Config.Database is empty.
	DefaultDatabase = "labflow"
	// DefaultCollection is used when Config.Collection is empty.
	DefaultCollection = "laboratory_memory"

	connectTimeout = 10 * time.Second
)

// Config locates the collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// record is the stored shape: the document keyed by its request id.
type record struct {
	ID                            string `bson:"_id"`
	core.LaboratoryMemoryDocument `bson:",inline"`
}

// MemoryStore implements core.MemoryStore.
type MemoryStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMemoryStore wraps an existing collection.
func NewMemoryStore(coll *mongo.Collection) *MemoryStore {
	return &MemoryStore{coll: coll}
}

// Open connects, pings the primary and ensures indexes.
func Open(ctx context.Context, cfg Config) (*MemoryStore, error) {
	if cfg.URI == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "mongodb uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("labflow").
		SetConnectTimeout(connectTimeout).
		SetRetryWrites(true)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, core.ErrNetwork("mongodb unreachable").WithCause(err)
	}

	s := &MemoryStore{client: client, coll: client.Database(cfg.Database).Collection(cfg.Collection)}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Close disconnects a client created by Open.
func (s *MemoryStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the sequence timeline index.
func (s *MemoryStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "envelope.sequence_id", Value: 1}, {Key: "envelope.timestamp", Value: -1}},
		Options: options.Index().SetName("sequence_timeline"),
	})
	if err != nil {
		return fmt.Errorf("creating memory indexes: %w", err)
	}
	return nil
}

// SaveDocument implements core.MemoryStore. Saving the same request id twice
// replaces the earlier document.
func (s *MemoryStore) SaveDocument(ctx context.Context, doc *core.LaboratoryMemoryDocument) error {
	if doc == nil || doc.Envelope.RequestID == "" {
		return core.ErrValidation(core.CodeInvalidMessage, "memory document has no request id")
	}
	rec := record{ID: doc.Envelope.RequestID, LaboratoryMemoryDocument: *doc}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return classify("saving memory document", err)
	}
	return nil
}

// History returns the newest documents of a sequence first. A non-positive
// limit returns all of them.
func (s *MemoryStore) History(ctx context.Context, sequenceID string, limit int) ([]*core.LaboratoryMemoryDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "envelope.timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"envelope.sequence_id": sequenceID}, opts)
	if err != nil {
		return nil, classify("listing memory documents", err)
	}
	defer cur.Close(ctx)

	docs := []*core.LaboratoryMemoryDocument{}
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding memory document: %w", err)
		}
		doc := rec.LaboratoryMemoryDocument
		docs = append(docs, &doc)
	}
	if err := cur.Err(); err != nil {
		return nil, classify("iterating memory documents", err)
	}
	return docs, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return core.ErrNetwork(op).WithCause(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
