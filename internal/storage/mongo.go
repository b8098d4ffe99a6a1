package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/temoto/heroshi/internal/config"
	"github.com/temoto/heroshi/internal/types"
)

const (
	urlsCollection    = "urls"
	contentCollection = "contents"
)

// MongoStorage implements Storage on a MongoDB database. URL records
// live in the urls collection keyed by _id = url; fetched bodies live
// separately in contents so metadata queries stay light.
type MongoStorage struct {
	client  *mongo.Client
	urls    *mongo.Collection
	content *mongo.Collection
	db      *mongo.Database
	recheck time.Duration
	logger  *slog.Logger
}

type contentDoc struct {
	URL         string `bson:"_id"`
	Content     []byte `bson:"content"`
	ContentType string `bson:"content_type,omitempty"`
	Length      int    `bson:"length"`
}

// NewMongoStorage connects to MongoDB with the pool capped at
// cfg.Storage.MaxConnections.
func NewMongoStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*MongoStorage, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.Storage.URL).
		SetMaxPoolSize(uint64(cfg.Storage.MaxConnections))
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	db := client.Database(cfg.Storage.Database)
	return &MongoStorage{
		client:  client,
		db:      db,
		urls:    db.Collection(urlsCollection),
		content: db.Collection(contentCollection),
		recheck: time.Duration(cfg.API.MinRevisitMinutes) * time.Minute,
		logger:  logger.With("component", "mongo_storage"),
	}, nil
}

// QueryNewRandom samples candidate records. The wire timestamp format
// sorts lexicographically, so staleness is a plain string comparison.
func (s *MongoStorage) QueryNewRandom(ctx context.Context, limit int) ([]*types.URLRecord, error) {
	cutoff := types.FormatTime(time.Now().Add(-s.recheck))
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"$or": bson.A{
				bson.M{"visited": bson.M{"$exists": false}},
				bson.M{"visited": ""},
				bson.M{"visited": bson.M{"$lt": cutoff}},
			},
		}}},
		bson.D{{Key: "$sample", Value: bson.M{"size": limit}}},
	}

	cursor, err := s.urls.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, &types.StorageError{Op: "query-new-random", Err: err}
	}
	defer cursor.Close(ctx)

	var recs []*types.URLRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, &types.StorageError{Op: "query-new-random", Err: err}
	}
	return recs, nil
}

func (s *MongoStorage) QueryAllByURLOne(ctx context.Context, url string) (*types.URLRecord, error) {
	var rec types.URLRecord
	err := s.urls.FindOne(ctx, bson.M{"_id": url}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Op: "query-by-url", Err: err}
	}
	return &rec, nil
}

func (s *MongoStorage) Save(ctx context.Context, rec *types.URLRecord, forceUpdate bool) error {
	if forceUpdate {
		_, err := s.urls.ReplaceOne(ctx, bson.M{"_id": rec.URL}, rec,
			options.Replace().SetUpsert(true))
		if err != nil {
			return &types.StorageError{Op: "save", Err: err}
		}
		return nil
	}
	if _, err := s.urls.InsertOne(ctx, rec); err != nil {
		return &types.StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *MongoStorage) Update(ctx context.Context, recs []*types.URLRecord, allOrNothing, ensureCommit bool) error {
	if len(recs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(recs))
	for _, rec := range recs {
		if rec.New {
			// A record with no storage identity must not clobber a
			// document another report already created for that URL.
			doc, err := bson.Marshal(rec)
			if err != nil {
				return &types.StorageError{Op: "update", Err: err}
			}
			var raw bson.M
			if err := bson.Unmarshal(doc, &raw); err != nil {
				return &types.StorageError{Op: "update", Err: err}
			}
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": rec.URL}).
				SetUpdate(bson.M{"$setOnInsert": raw}).
				SetUpsert(true))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.URL}).
			SetReplacement(rec).
			SetUpsert(true))
	}

	coll := s.urls
	if ensureCommit {
		coll = s.db.Collection(urlsCollection,
			options.Collection().SetWriteConcern(writeconcern.Majority()))
	}

	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(allOrNothing))
	if err != nil {
		return &types.StorageError{Op: "update", Err: err}
	}
	return nil
}

// SaveContent skips the write when the stored length already matches,
// mirroring the idempotence contract.
func (s *MongoStorage) SaveContent(ctx context.Context, rec *types.URLRecord, content []byte, contentType string) error {
	var existing struct {
		Length int `bson:"length"`
	}
	err := s.content.FindOne(ctx, bson.M{"_id": rec.URL},
		options.FindOne().SetProjection(bson.M{"length": 1})).Decode(&existing)
	if err == nil && existing.Length == len(content) {
		s.logger.Debug("skipping content update with same length", "url", rec.URL)
		return nil
	}
	if err != nil && err != mongo.ErrNoDocuments {
		return &types.StorageError{Op: "save-content", Err: err}
	}

	doc := contentDoc{
		URL:         rec.URL,
		Content:     content,
		ContentType: contentType,
		Length:      len(content),
	}
	_, err = s.content.ReplaceOne(ctx, bson.M{"_id": rec.URL}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return &types.StorageError{Op: "save-content", Err: err}
	}
	return nil
}

func (s *MongoStorage) Close(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Disconnect(disconnectCtx)
}
