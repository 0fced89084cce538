package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/docforge/docforge/job"
)

// Mongo is the MongoDB-backed store. Construct with Open, release with
// Close; the client holds a connection pool and is safe for concurrent
// use by all workers and the intake service.
type Mongo struct {
	client    *mongo.Client
	jobs      *mongo.Collection
	documents *mongo.Collection
	files     *mongo.Collection
}

// MongoConfig configures the store connection.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	// ConnectTimeout bounds the initial connect + ping.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func (c *MongoConfig) defaults() {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "docforge"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Open connects to MongoDB and prepares collections and indexes.
func Open(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	cfg.defaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		client:    client,
		jobs:      db.Collection("jobs"),
		documents: db.Collection("documents"),
		files:     db.Collection("files"),
	}

	_, err = m.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}

	return m, nil
}

// Close releases the connection pool.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) CreateJob(ctx context.Context, j *job.Job) error {
	if _, err := m.jobs.InsertOne(ctx, j); err != nil {
		return &TransientError{Op: "create job", Err: err}
	}
	return nil
}

func (m *Mongo) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	err := m.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "get job", Err: err}
	}
	return &j, nil
}

// UpdateJobState applies a state transition atomically: the update
// matches only when the job's current state may legally move to the
// target state, so concurrent or duplicate deliveries cannot regress a
// terminal job.
func (m *Mongo) UpdateJobState(ctx context.Context, id string, upd StateUpdate) (*job.Job, error) {
	froms := transitionSources(upd.State)
	if len(froms) == 0 {
		return nil, ErrInvalidTransition
	}

	set := bson.M{
		"state":      upd.State,
		"updated_at": time.Now().UTC(),
	}
	if upd.ErrorDetail != "" {
		set["error_detail"] = upd.ErrorDetail
	}
	update := bson.M{"$set": set}
	if upd.IncrementAttempts {
		update["$inc"] = bson.M{"attempts": 1}
	}

	var j job.Job
	err := m.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "state": bson.M{"$in": froms}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&j)

	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the job is missing or its current state forbids the
		// transition. Re-read to tell the two apart.
		if _, getErr := m.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, &TransientError{Op: "update job state", Err: err}
	}
	return &j, nil
}

func (m *Mongo) ListJobs(ctx context.Context, ownerID string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := m.jobs.Find(ctx, bson.M{"owner_id": ownerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, &TransientError{Op: "list jobs", Err: err}
	}
	defer cur.Close(ctx)

	var out []*job.Job
	if err := cur.All(ctx, &out); err != nil {
		return nil, &TransientError{Op: "list jobs", Err: err}
	}
	return out, nil
}

// CreateDocument inserts the extraction result. Documents are keyed by
// job id, so a duplicate delivery that reaches this point inserts
// nothing and reports success.
func (m *Mongo) CreateDocument(ctx context.Context, d *job.Document) error {
	_, err := m.documents.InsertOne(ctx, d)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return &TransientError{Op: "create document", Err: err}
	}
	return nil
}

func (m *Mongo) GetDocument(ctx context.Context, jobID string) (*job.Document, error) {
	var d job.Document
	err := m.documents.FindOne(ctx, bson.M{"_id": jobID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "get document", Err: err}
	}
	return &d, nil
}

type fileRecord struct {
	ID        string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Length    int64     `bson:"length"`
	CreatedAt time.Time `bson:"created_at"`
}

func (m *Mongo) PutFile(ctx context.Context, data []byte) (string, error) {
	rec := fileRecord{
		ID:        uuid.NewString(),
		Data:      data,
		Length:    int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := m.files.InsertOne(ctx, rec); err != nil {
		return "", &TransientError{Op: "put file", Err: err}
	}
	return rec.ID, nil
}

func (m *Mongo) GetFile(ctx context.Context, id string) ([]byte, error) {
	var rec fileRecord
	err := m.files.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "get file", Err: err}
	}
	return rec.Data, nil
}

func (m *Mongo) ListStalePendingJobs(ctx context.Context, olderThan time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	cur, err := m.jobs.Find(ctx,
		bson.M{"state": job.StatePending, "updated_at": bson.M{"$lt": olderThan}},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, &TransientError{Op: "list stale pending", Err: err}
	}
	defer cur.Close(ctx)

	var out []*job.Job
	if err := cur.All(ctx, &out); err != nil {
		return nil, &TransientError{Op: "list stale pending", Err: err}
	}
	return out, nil
}

func (m *Mongo) TouchJob(ctx context.Context, id string) error {
	res, err := m.jobs.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return &TransientError{Op: "touch job", Err: err}
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// transitionSources returns the states from which target is reachable.
func transitionSources(target job.State) []job.State {
	var froms []job.State
	for _, from := range []job.State{job.StatePending, job.StateProcessing, job.StateFailed} {
		if job.CanTransition(from, target) {
			froms = append(froms, from)
		}
	}
	return froms
}
