package persist

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDoc struct {
	ID      string `bson:"_id"`
	Type    string `bson:"type"`
	Version int64  `bson:"version"`
	Data    []byte `bson:"data"`
}

// Mongo keeps one document per snapshot in the "documents" collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo store needs STORE_URL")
	}
	if database == "" {
		database = "syncpad"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, failed(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, failed(err, "ping mongo")
	}
	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection("documents"),
	}, nil
}

func (m *Mongo) Load(ctx context.Context, id string) (*Snapshot, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(id)
	} else if err != nil {
		return nil, failed(err, "find snapshot")
	}
	return &Snapshot{ID: doc.ID, Type: doc.Type, Version: doc.Version, Data: doc.Data}, nil
}

func (m *Mongo) Save(ctx context.Context, snap *Snapshot) error {
	filter := bson.M{"_id": snap.ID, "version": bson.M{"$lte": snap.Version}}
	update := bson.M{"$set": bson.M{
		"type":    snap.Type,
		"version": snap.Version,
		"data":    snap.Data,
	}}
	_, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// a newer version is stored, the filter missed and the upsert collided
		return nil
	} else if err != nil {
		return failed(err, "upsert snapshot")
	}
	return nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
