// ABOUTME: MongoDB implementation of the Store interface using the official driver
// ABOUTME: One document per workflow keyed by _id, replaced whole on every Put

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// MongoStore implements the Store interface on a Mongo collection
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

var _ Store = (*MongoStore)(nil)

type mongoRecordDoc struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	Domain    string    `bson:"domain"`
	Version   int64     `bson:"version"`
	Record    []byte    `bson:"record"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore connects to uri and uses dbName.workflows. dbName defaults to "pinn".
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "pinn"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	s := &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection("workflows"),
		logger: slog.Default().With("component", "store", "driver", "mongo"),
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating index: %w", err)
	}
	s.logger.Info("Mongo store initialized", "database", dbName)
	return s, nil
}

// Get retrieves a workflow record by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*workflow.Record, error) {
	var doc mongoRecordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return decodeRecord(doc.Record)
}

// Put replaces the whole document, inserting it when missing
func (s *MongoStore) Put(ctx context.Context, rec *workflow.Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	doc := mongoRecordDoc{
		ID:        rec.ID,
		Status:    string(rec.Status),
		Domain:    string(rec.Domain),
		Version:   rec.Version,
		Record:    payload,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

// List returns matching records ordered by creation time, newest first
func (s *MongoStore) List(ctx context.Context, filter ListFilter) ([]*workflow.Record, int, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.Domain != "" {
		q["domain"] = string(filter.Domain)
	}

	total, err := s.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, unavailable("list", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(filter.limit()))
	cur, err := s.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, unavailable("list", err)
	}
	defer cur.Close(ctx)

	var docs []mongoRecordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, unavailable("list", err)
	}

	out := make([]*workflow.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeRecord(doc.Record)
		if err != nil {
			s.logger.Warn("skipping undecodable record", "id", doc.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, int(total), nil
}

// Ping checks server connectivity
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
