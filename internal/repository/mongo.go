package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// MongoStore implements Store on a MongoDB database holding the trials,
// results and stop collections.
type MongoStore struct {
	client  *mongo.Client
	trials  *mongo.Collection
	results *mongo.Collection
	stop    *mongo.Collection
}

type trialDoc struct {
	TrialID    int64          `bson:"trial_id"`
	Parameters map[string]any `bson:"parameters"`
	CreatedAt  time.Time      `bson:"created_at"`
}

type resultDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	TrialID    int64              `bson:"trial_id"`
	Parameters map[string]any     `bson:"parameters"`
	Iteration  int64              `bson:"iteration"`
	Objective  float64            `bson:"objective"`
	Context    map[string]any     `bson:"context"`
	CreatedAt  time.Time          `bson:"created_at"`
}

type stopDoc struct {
	TrialID   int64     `bson:"trial_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoURI builds a connection string for a single mongod.
func MongoURI(host string, port int) string {
	return "mongodb://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NewMongoStore connects to uri and uses the given database (domain.DefaultDatabase
// when empty). The connection is verified with a ping.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = domain.DefaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client:  client,
		trials:  db.Collection(domain.CollectionTrials),
		results: db.Collection(domain.CollectionResults),
		stop:    db.Collection(domain.CollectionStop),
	}, nil
}

// EnsureSchema creates the indexes the protocol relies on. trial_id is unique
// in the trials collection.
func (s *MongoStore) EnsureSchema(ctx context.Context) error {
	_, err := s.trials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "trial_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to index trials: %w", err)
	}
	for _, coll := range []*mongo.Collection{s.results, s.stop} {
		if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "trial_id", Value: 1}},
		}); err != nil {
			return fmt.Errorf("failed to index %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// InsertTrial writes a trial request. Parameters must be representable.
func (s *MongoStore) InsertTrial(ctx context.Context, req *domain.TrialRequest) error {
	if err := domain.ValidateParameters(req.Parameters); err != nil {
		return err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err := s.trials.InsertOne(ctx, trialDoc{
		TrialID:    int64(req.TrialID),
		Parameters: req.Parameters,
		CreatedAt:  req.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("trial %d: %w", req.TrialID, domain.ErrDuplicateTrial)
		}
		return fmt.Errorf("failed to insert trial: %w", err)
	}
	return nil
}

// FindTrial returns the request for trialID, or nil when there is none.
func (s *MongoStore) FindTrial(ctx context.Context, trialID domain.TrialID) (*domain.TrialRequest, error) {
	var doc trialDoc
	err := s.trials.FindOne(ctx, bson.D{{Key: "trial_id", Value: int64(trialID)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}
	return doc.toDomain(), nil
}

// ListTrials returns every trial request in ID order.
func (s *MongoStore) ListTrials(ctx context.Context) ([]domain.TrialRequest, error) {
	cur, err := s.trials.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "trial_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	var docs []trialDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode trials: %w", err)
	}

	trials := make([]domain.TrialRequest, 0, len(docs))
	for _, d := range docs {
		trials = append(trials, *d.toDomain())
	}
	return trials, nil
}

// InsertResult appends a result record and assigns its ObjectID (hex) as ID.
func (s *MongoStore) InsertResult(ctx context.Context, rec *domain.ResultRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	resultContext := rec.Context
	if resultContext == nil {
		resultContext = map[string]any{}
	}

	res, err := s.results.InsertOne(ctx, resultDoc{
		TrialID:    int64(rec.TrialID),
		Parameters: rec.Parameters,
		Iteration:  int64(rec.Iteration),
		Objective:  rec.Objective,
		Context:    resultContext,
		CreatedAt:  rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	rec.ID = oid.Hex()
	return nil
}

// ListResults returns results in insertion order.
func (s *MongoStore) ListResults(ctx context.Context, filter ResultFilter) ([]domain.ResultRecord, error) {
	query := bson.D{}
	if filter.TrialID != 0 {
		query = bson.D{{Key: "trial_id", Value: int64(filter.TrialID)}}
	}
	cur, err := s.results.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	var docs []resultDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}

	results := make([]domain.ResultRecord, 0, len(docs))
	for _, d := range docs {
		results = append(results, d.toDomain())
	}
	return results, nil
}

// InsertStopRequest appends a stop request. Duplicates are allowed.
func (s *MongoStore) InsertStopRequest(ctx context.Context, req *domain.StopRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if _, err := s.stop.InsertOne(ctx, stopDoc{TrialID: int64(req.TrialID), CreatedAt: req.CreatedAt}); err != nil {
		return fmt.Errorf("failed to insert stop request: %w", err)
	}
	return nil
}

// HasStopRequest reports whether at least one stop request exists for trialID.
func (s *MongoStore) HasStopRequest(ctx context.Context, trialID domain.TrialID) (bool, error) {
	n, err := s.stop.CountDocuments(ctx,
		bson.D{{Key: "trial_id", Value: int64(trialID)}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check stop requests: %w", err)
	}
	return n > 0, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d trialDoc) toDomain() *domain.TrialRequest {
	return &domain.TrialRequest{
		TrialID:    domain.TrialID(d.TrialID),
		Parameters: fromBSONDocument(d.Parameters),
		CreatedAt:  d.CreatedAt,
	}
}

func (d resultDoc) toDomain() domain.ResultRecord {
	return domain.ResultRecord{
		ID:         d.ID.Hex(),
		TrialID:    domain.TrialID(d.TrialID),
		Parameters: fromBSONDocument(d.Parameters),
		Iteration:  int(d.Iteration),
		Objective:  d.Objective,
		Context:    fromBSONDocument(d.Context),
		CreatedAt:  d.CreatedAt,
	}
}

// fromBSONDocument turns decoded BSON (where nested documents arrive as
// primitive.D) into plain maps of canonical values.
func fromBSONDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = fromBSON(v)
	}
	return out
}

func fromBSON(v any) any {
	switch x := v.(type) {
	case primitive.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = fromBSON(e.Value)
		}
		return m
	case primitive.M:
		return fromBSONDocument(x)
	case map[string]any:
		return fromBSONDocument(x)
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromBSON(e)
		}
		return out
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.ObjectID:
		return x.Hex()
	}
	return domain.CanonicalValue(v)
}
