package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const defaultMongoDatabase = "layerflow"

// checkpointDoc is the stored form of a checkpoint in MongoDB.
type checkpointDoc struct {
	Key          string    `bson:"_id"`
	ThreadID     string    `bson:"thread_id"`
	Namespace    string    `bson:"namespace"`
	CheckpointID string    `bson:"checkpoint_id"`
	ParentID     string    `bson:"parent_id,omitempty"`
	Step         int       `bson:"step"`
	Node         string    `bson:"node"`
	NextNode     string    `bson:"next_node,omitempty"`
	Record       string    `bson:"record"`
	Metadata     string    `bson:"metadata,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func docKey(threadID, namespace, id string) string {
	return threadID + "|" + namespace + "|" + id
}

func docFrom(f flat) checkpointDoc {
	return checkpointDoc{
		Key:          docKey(f.ThreadID, f.Namespace, f.ID),
		ThreadID:     f.ThreadID,
		Namespace:    f.Namespace,
		CheckpointID: f.ID,
		ParentID:     f.ParentID,
		Step:         f.Step,
		Node:         f.Node,
		NextNode:     f.NextNode,
		Record:       f.Record,
		Metadata:     f.Metadata,
		CreatedAt:    f.CreatedAt,
	}
}

func (d checkpointDoc) flat() flat {
	return flat{
		ThreadID:  d.ThreadID,
		Namespace: d.Namespace,
		ID:        d.CheckpointID,
		ParentID:  d.ParentID,
		Step:      d.Step,
		Node:      d.Node,
		NextNode:  d.NextNode,
		Record:    d.Record,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
	}
}

// MongoStore keeps checkpoints in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
	logger *zap.Logger
}

// NewMongoStore uses an existing collection. The caller keeps ownership of
// the client.
func NewMongoStore(coll *mongo.Collection, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		client: coll.Database().Client(),
		coll:   coll,
		logger: logger.With(zap.String("store", "mongo_checkpoint")),
	}
}

// OpenMongoStore connects to uri and uses the "checkpoints" collection of
// the database named in the uri path, or "layerflow" when none is given.
func OpenMongoStore(ctx context.Context, uri string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	coll := client.Database(mongoDatabase(uri)).Collection("checkpoints")
	_, err = coll.Indexes().CreateOne(pingCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "namespace", Value: 1}, {Key: "step", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create checkpoint index: %w", err)
	}

	s := NewMongoStore(coll, logger)
	s.owned = true
	return s, nil
}

func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultMongoDatabase
}

func (s *MongoStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	f, err := flatten(cp)
	if err != nil {
		return err
	}
	doc := docFrom(f)
	_, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.Key}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, threadID, namespace, id string) (*Checkpoint, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: docKey(threadID, namespace, id)}}, options.FindOne())
}

func (s *MongoStore) Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	return s.findOne(ctx,
		bson.D{{Key: "thread_id", Value: threadID}, {Key: "namespace", Value: namespace}},
		options.FindOne().SetSort(bson.D{{Key: "step", Value: -1}, {Key: "created_at", Value: -1}}),
	)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D, opts *options.FindOneOptionsBuilder) (*Checkpoint, error) {
	var doc checkpointDoc
	if err := s.coll.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return doc.flat().checkpoint()
}

func (s *MongoStore) List(ctx context.Context, threadID, namespace string, limit int) ([]*Checkpoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "step", Value: -1}, {Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.D{{Key: "thread_id", Value: threadID}, {Key: "namespace", Value: namespace}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var docs []checkpointDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(docs))
	for _, d := range docs {
		cp, err := d.flat().checkpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MongoStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{{Key: "thread_id", Value: threadID}}); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client when the store opened it.
func (s *MongoStore) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
