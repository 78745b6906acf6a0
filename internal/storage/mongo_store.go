package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"llm_fanout/internal/models"
)

const (
	// DefaultMongoConnectTimeout bounds the initial connect and ping
	DefaultMongoConnectTimeout = 10 * time.Second

	projectsCollection = "projects"
)

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Mongo wraps a connected client and the database holding the collections.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      MongoConfig
}

// NewMongo connects and pings the primary.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMongoConnectTimeout
	}

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAppName("llm-fanout").
		SetRetryWrites(true).
		SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &Mongo{client: client, database: client.Database(cfg.Database), cfg: cfg}, nil
}

// Close disconnects the client
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Health pings the primary
func (m *Mongo) Health(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

// EnsureIndexes creates the indexes the stores query by.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.database.Collection(m.cfg.Collection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "projectId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create aggregate indexes: %w", err)
	}

	_, err = m.database.Collection(projectsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerId", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"isDefault": true}),
	})
	if err != nil {
		return fmt.Errorf("failed to create project indexes: %w", err)
	}
	return nil
}

// AggregateStore returns the document-backed aggregate store
func (m *Mongo) AggregateStore() *MongoAggregateStore {
	return &MongoAggregateStore{
		coll: m.database.Collection(m.cfg.Collection),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// ProjectStore returns the document-backed project store
func (m *Mongo) ProjectStore() *MongoProjectStore {
	return &MongoProjectStore{coll: m.database.Collection(projectsCollection)}
}

// MongoAggregateStore keeps one document per aggregate. Each mutation is a
// single findOneAndUpdate whose aggregation pipeline patches the target
// field and recomputes the derived counters server-side, so concurrent
// provider completions are serialized by the document write lock.
type MongoAggregateStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func (s *MongoAggregateStore) Create(ctx context.Context, agg *models.ResponseAggregate) error {
	if _, err := s.coll.InsertOne(ctx, agg); err != nil {
		return fmt.Errorf("failed to create response aggregate: %w", err)
	}
	return nil
}

func (s *MongoAggregateStore) Get(ctx context.Context, id string) (*models.ResponseAggregate, error) {
	var agg models.ResponseAggregate
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&agg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAggregateNotFound
		}
		return nil, fmt.Errorf("failed to get response aggregate: %w", err)
	}
	return normalize(&agg), nil
}

func (s *MongoAggregateStore) List(ctx context.Context, ownerID string, filter ListFilter) (*ListResult, error) {
	query := bson.M{"ownerId": ownerID}
	if filter.ProjectID != "" {
		query["projectId"] = filter.ProjectID
	}
	if filter.Status != "" {
		query["overallStatus"] = string(filter.Status)
	}
	if filter.From != nil || filter.To != nil {
		created := bson.M{}
		if filter.From != nil {
			created["$gte"] = *filter.From
		}
		if filter.To != nil {
			created["$lte"] = *filter.To
		}
		query["createdAt"] = created
	}

	total, err := s.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count response aggregates: %w", err)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Offset > 0 {
		findOpts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.coll.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list response aggregates: %w", err)
	}
	defer cursor.Close(ctx)

	result := &ListResult{Aggregates: []*models.ResponseAggregate{}, TotalCount: int(total)}
	for cursor.Next(ctx) {
		var agg models.ResponseAggregate
		if err := cursor.Decode(&agg); err != nil {
			return nil, fmt.Errorf("failed to decode response aggregate: %w", err)
		}
		result.Aggregates = append(result.Aggregates, normalize(&agg))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response aggregates: %w", err)
	}
	return result, nil
}

// resultsArray is the results map as [{k, v}] pairs.
var resultsArray = bson.M{"$objectToArray": "$results"}

func resultsWithStatus(status models.ResultStatus) bson.M {
	return bson.M{"$filter": bson.M{
		"input": resultsArray,
		"as":    "r",
		"cond":  bson.M{"$eq": bson.A{"$$r.v.status", string(status)}},
	}}
}

// endedAtUnset is true while the aggregate has never reached a terminal status.
var endedAtUnset = bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$endedAt", nil}}, nil}}

// recomputeStages derive the counters and overall status from the result
// map and stamp endedAt/durationMs on the first terminal transition.
func recomputeStages(now time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"completedCount": bson.M{"$size": resultsWithStatus(models.ResultSuccess)},
			"failedCount":    bson.M{"$size": resultsWithStatus(models.ResultError)},
			"totalTokensUsed": bson.M{"$sum": bson.M{"$map": bson.M{
				"input": resultsWithStatus(models.ResultSuccess),
				"as":    "r",
				"in":    "$$r.v.tokenUsage.total",
			}}},
		}}},
		{{Key: "$set", Value: bson.M{
			"overallStatus": bson.M{"$switch": bson.M{
				"branches": bson.A{
					bson.M{
						"case": bson.M{"$and": bson.A{
							bson.M{"$gt": bson.A{"$totalCount", 0}},
							bson.M{"$eq": bson.A{"$completedCount", "$totalCount"}},
						}},
						"then": string(models.StatusCompleted),
					},
					bson.M{
						"case": bson.M{"$lt": bson.A{bson.M{"$add": bson.A{"$completedCount", "$failedCount"}}, "$totalCount"}},
						"then": string(models.StatusProcessing),
					},
					bson.M{
						"case": bson.M{"$eq": bson.A{"$completedCount", 0}},
						"then": string(models.StatusFailed),
					},
				},
				"default": string(models.StatusPartial),
			}},
		}}},
		{{Key: "$set", Value: bson.M{
			"endedAt": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{endedAtUnset, bson.M{"$ne": bson.A{"$overallStatus", string(models.StatusProcessing)}}}},
				now,
				bson.M{"$ifNull": bson.A{"$endedAt", nil}},
			}},
			"durationMs": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{endedAtUnset, bson.M{"$ne": bson.A{"$overallStatus", string(models.StatusProcessing)}}}},
				bson.M{"$subtract": bson.A{now, "$startedAt"}},
				"$durationMs",
			}},
		}}},
	}
}

func (s *MongoAggregateStore) ApplyResult(ctx context.Context, id string, result models.ProviderResult) (*models.ResponseAggregate, error) {
	now := s.now()
	path := "results." + result.ProviderKey

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			path:        bson.M{"$literal": result},
			"updatedAt": now,
		}}},
	}
	pipeline = append(pipeline, recomputeStages(now)...)

	filter := bson.M{"_id": id, path: bson.M{"$exists": true}}
	agg, err := s.findOneAndUpdate(ctx, filter, pipeline)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.missingTarget(ctx, id)
	}
	return agg, err
}

func (s *MongoAggregateStore) missingTarget(ctx context.Context, id string) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to check response aggregate: %w", err)
	}
	if n == 0 {
		return ErrAggregateNotFound
	}
	return models.ErrResultNotFound
}

func (s *MongoAggregateStore) SelectProvider(ctx context.Context, id, providerKey string) (*models.ResponseAggregate, error) {
	now := s.now()
	path := "results." + providerKey

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"results": bson.M{"$arrayToObject": bson.M{"$filter": bson.M{
				"input": resultsArray,
				"as":    "r",
				"cond":  bson.M{"$eq": bson.A{"$$r.k", providerKey}},
			}}},
			"requestedProviders": bson.M{"$literal": bson.A{providerKey}},
			"selectedProvider":   bson.M{"$literal": providerKey},
			"overallStatus":      string(models.StatusCompleted),
			"totalCount":         1,
			"completedCount":     1,
			"failedCount":        0,
			"totalTokensUsed":    bson.M{"$ifNull": bson.A{"$" + path + ".tokenUsage.total", 0}},
			"endedAt":            bson.M{"$ifNull": bson.A{"$endedAt", now}},
			"durationMs": bson.M{"$cond": bson.A{
				endedAtUnset,
				bson.M{"$subtract": bson.A{now, "$startedAt"}},
				"$durationMs",
			}},
			"updatedAt": now,
		}}},
	}

	filter := bson.M{"_id": id, path + ".status": string(models.ResultSuccess)}
	agg, err := s.findOneAndUpdate(ctx, filter, pipeline)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, models.ErrInvalidSelection
	}
	return agg, err
}

// ClearSelection needs $sortArray, available from MongoDB 5.2.
func (s *MongoAggregateStore) ClearSelection(ctx context.Context, id string) (*models.ResponseAggregate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"selectedProvider": nil,
			"requestedProviders": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{bson.M{"$size": resultsArray}, 0}},
				"$originalProviders",
				bson.M{"$sortArray": bson.M{
					"input":  bson.M{"$map": bson.M{"input": resultsArray, "as": "r", "in": "$$r.k"}},
					"sortBy": 1,
				}},
			}},
			"updatedAt": s.now(),
		}}},
	}

	agg, err := s.findOneAndUpdate(ctx, bson.M{"_id": id}, pipeline)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAggregateNotFound
	}
	return agg, err
}

func (s *MongoAggregateStore) UpdateResultText(ctx context.Context, id, providerKey, text string) (*models.ResponseAggregate, error) {
	path := "results." + providerKey
	filter := bson.M{"_id": id, path + ".status": string(models.ResultSuccess)}
	update := bson.M{"$set": bson.M{
		path + ".responseText": text,
		path + ".isEdited":     true,
		"updatedAt":            s.now(),
	}}

	agg, err := s.findOneAndUpdate(ctx, filter, update)
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return agg, err
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if editErr := current.EditResult(providerKey, text, s.now()); editErr != nil {
		return nil, editErr
	}
	return nil, models.ErrResultNotEditable
}

func (s *MongoAggregateStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete response aggregate: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrAggregateNotFound
	}
	return nil
}

// findOneAndUpdate returns mongo.ErrNoDocuments unwrapped so callers can
// tell which precondition failed.
func (s *MongoAggregateStore) findOneAndUpdate(ctx context.Context, filter bson.M, update any) (*models.ResponseAggregate, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var agg models.ResponseAggregate
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&agg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("failed to update response aggregate: %w", err)
	}
	return normalize(&agg), nil
}

// normalize restores the invariants bson decoding loses: nil maps and UTC times.
func normalize(agg *models.ResponseAggregate) *models.ResponseAggregate {
	if agg.Results == nil {
		agg.Results = models.ResultSet{}
	}
	agg.StartedAt = agg.StartedAt.UTC()
	agg.CreatedAt = agg.CreatedAt.UTC()
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	if agg.EndedAt != nil {
		ended := agg.EndedAt.UTC()
		agg.EndedAt = &ended
	}
	return agg
}

type projectDocument struct {
	ID            string    `bson:"_id"`
	OwnerID       string    `bson:"ownerId"`
	Name          string    `bson:"name"`
	IsDefault     bool      `bson:"isDefault"`
	DefaultModels []string  `bson:"defaultModels"`
	CreatedAt     time.Time `bson:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

// MongoProjectStore is the document-backed ProjectStore.
type MongoProjectStore struct {
	coll *mongo.Collection
}

func (s *MongoProjectStore) EnsureProject(ctx context.Context, ownerID, projectID string) (string, error) {
	if projectID != "" {
		var doc projectDocument
		err := s.coll.FindOne(ctx, bson.M{"_id": projectID, "ownerId": ownerID}).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return "", ErrProjectNotFound
			}
			return "", fmt.Errorf("failed to get project: %w", err)
		}
		return doc.ID, nil
	}

	now := time.Now().UTC()
	filter := bson.M{"ownerId": ownerID, "isDefault": true}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":           uuid.NewString(),
		"name":          "Default",
		"defaultModels": bson.A{},
		"createdAt":     now,
		"updatedAt":     now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc projectDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// lost the upsert race against another request for the same owner
		err = s.coll.FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return "", fmt.Errorf("failed to ensure default project: %w", err)
	}
	return doc.ID, nil
}

func (s *MongoProjectStore) UpdateDefaultModels(ctx context.Context, projectID string, providerKeys []string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": projectID}, bson.M{"$set": bson.M{
		"defaultModels": providerKeys,
		"updatedAt":     time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("failed to update default models: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrProjectNotFound
	}
	return nil
}
