package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pitabwire/intake/model"
)

// MongoStore keeps each submission as one document with its collections,
// status history and build logs embedded.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoEvent struct {
	ID        string    `bson:"id"`
	From      string    `bson:"from"`
	To        string    `bson:"to"`
	Actor     string    `bson:"actor"`
	Comment   string    `bson:"comment,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
}

type mongoBuildLog struct {
	ID         string     `bson:"id"`
	Provider   string     `bson:"provider"`
	Status     string     `bson:"status"`
	Message    string     `bson:"message,omitempty"`
	StartedAt  time.Time  `bson:"started_at"`
	FinishedAt *time.Time `bson:"finished_at,omitempty"`
}

type mongoSubmission struct {
	ID           string          `bson:"_id"`
	AccessToken  string          `bson:"access_token"`
	Vertical     string          `bson:"vertical"`
	Status       string          `bson:"status"`
	Attributes   bson.Raw        `bson:"attributes"`
	CreatedAt    time.Time       `bson:"created_at"`
	UpdatedAt    time.Time       `bson:"updated_at"`
	SubmittedAt  *time.Time      `bson:"submitted_at,omitempty"`
	Services     []bson.Raw      `bson:"services,omitempty"`
	Testimonials []bson.Raw      `bson:"testimonials,omitempty"`
	Hours        []bson.Raw      `bson:"hours,omitempty"`
	Versions     map[string]int  `bson:"versions,omitempty"`
	History      []mongoEvent    `bson:"history,omitempty"`
	BuildLogs    []mongoBuildLog `bson:"build_logs,omitempty"`
}

// NewMongoStore connects to uri and uses the "submissions" collection of
// database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &MongoStore{client: client, coll: client.Database(database).Collection("submissions")}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "access_token", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create mongo indexes: %w", err)
	}
	return nil
}

// CreateSubmission inserts a new draft submission document.
func (s *MongoStore) CreateSubmission(ctx context.Context, vertical model.Vertical) (model.Submission, error) {
	token, err := NewAccessToken()
	if err != nil {
		return model.Submission{}, err
	}
	sub := model.NewSubmission(uuid.New().String(), token, vertical, time.Now().UTC())

	attrs, err := toDocument(sub.Attributes)
	if err != nil {
		return model.Submission{}, err
	}
	_, err = s.coll.InsertOne(ctx, bson.M{
		"_id":          sub.ID,
		"access_token": sub.AccessToken,
		"vertical":     string(sub.Vertical),
		"status":       string(sub.Status),
		"attributes":   attrs,
		"created_at":   sub.CreatedAt,
		"updated_at":   sub.UpdatedAt,
		"versions":     bson.M{},
	})
	if err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// GetByToken resolves an access token.
func (s *MongoStore) GetByToken(ctx context.Context, token string) (model.Submission, error) {
	doc, err := s.findOne(ctx, bson.M{"access_token": token}, true)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Submission{}, model.NewNotFoundError("no submission for this access token")
	}
	if err != nil {
		return model.Submission{}, err
	}
	return doc.submission()
}

// Get retrieves a submission by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (model.Submission, error) {
	doc, err := s.findOne(ctx, bson.M{"_id": id}, true)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Submission{}, notFound(id)
	}
	if err != nil {
		return model.Submission{}, err
	}
	return doc.submission()
}

// UpdateSubmission merges the attribute patch with $mergeObjects in an
// update pipeline so the merge and the submitted_at guard are one write.
func (s *MongoStore) UpdateSubmission(ctx context.Context, id string, patch model.SubmissionPatch) (model.Submission, error) {
	attrs, err := toDocument(patch.Attributes)
	if err != nil {
		return model.Submission{}, err
	}

	set := bson.D{
		{Key: "attributes", Value: bson.M{"$mergeObjects": bson.A{"$attributes", bson.M{"$literal": attrs}}}},
		{Key: "updated_at", Value: time.Now().UTC()},
	}
	if patch.Status != nil {
		set = append(set, bson.E{Key: "status", Value: string(*patch.Status)})
	}
	if patch.SubmittedAt != nil {
		set = append(set, bson.E{Key: "submitted_at", Value: bson.M{"$ifNull": bson.A{"$submitted_at", *patch.SubmittedAt}}})
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(summaryProjection())
	var doc mongoSubmission
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, mongo.Pipeline{{{Key: "$set", Value: set}}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Submission{}, notFound(id)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	return doc.submission()
}

// GetCollections loads the embedded collections.
func (s *MongoStore) GetCollections(ctx context.Context, id string) (model.Collections, error) {
	doc, err := s.findOne(ctx, bson.M{"_id": id}, false)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Collections{}, notFound(id)
	}
	if err != nil {
		return model.Collections{}, err
	}
	return doc.collections()
}

// ReplaceCollection overwrites the embedded array. The filter carries the
// version guard so the check and the write are one document update.
func (s *MongoStore) ReplaceCollection(ctx context.Context, id string, name model.CollectionName, records []model.Record, expectedVersion int) (int, error) {
	if err := checkRecords(name, records); err != nil {
		return 0, err
	}

	docs := make(bson.A, 0, len(records))
	for i, rec := range records {
		d, err := toDocument(rec.WithIdentity(uuid.New().String(), i))
		if err != nil {
			return 0, err
		}
		docs = append(docs, d)
	}

	versionKey := "versions." + string(name)
	filter := bson.M{"_id": id}
	if expectedVersion != AnyVersion {
		if expectedVersion == 0 {
			filter[versionKey] = bson.M{"$in": bson.A{0, nil}}
		} else {
			filter[versionKey] = expectedVersion
		}
	}
	update := bson.M{
		"$set": bson.M{string(name): docs, "updated_at": time.Now().UTC()},
		"$inc": bson.M{versionKey: 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"versions": 1})

	var doc mongoSubmission
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, lookupErr := s.findOne(ctx, bson.M{"_id": id}, true)
		if lookupErr != nil {
			return 0, notFound(id)
		}
		return 0, versionConflict(id, name, expectedVersion, current.Versions[string(name)])
	}
	if err != nil {
		return 0, fmt.Errorf("replace collection: %w", err)
	}
	return doc.Versions[string(name)], nil
}

// GetFull loads the whole document.
func (s *MongoStore) GetFull(ctx context.Context, id string) (model.FullSubmission, error) {
	doc, err := s.findOne(ctx, bson.M{"_id": id}, false)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.FullSubmission{}, notFound(id)
	}
	if err != nil {
		return model.FullSubmission{}, err
	}

	sub, err := doc.submission()
	if err != nil {
		return model.FullSubmission{}, err
	}
	cols, err := doc.collections()
	if err != nil {
		return model.FullSubmission{}, err
	}
	full := model.FullSubmission{Submission: sub, Collections: cols}
	for _, ev := range doc.History {
		full.History = append(full.History, model.StatusEvent{
			ID:           ev.ID,
			SubmissionID: id,
			From:         model.Status(ev.From),
			To:           model.Status(ev.To),
			Actor:        ev.Actor,
			Comment:      ev.Comment,
			Timestamp:    ev.Timestamp,
		})
	}
	// Build logs are pushed in order; the detail view shows newest first.
	for i := len(doc.BuildLogs) - 1; i >= 0; i-- {
		l := doc.BuildLogs[i]
		full.BuildLogs = append(full.BuildLogs, model.BuildLog{
			ID:           l.ID,
			SubmissionID: id,
			Provider:     l.Provider,
			Status:       l.Status,
			Message:      l.Message,
			StartedAt:    l.StartedAt,
			FinishedAt:   l.FinishedAt,
		})
	}
	return full, nil
}

// List returns summaries matching filters, newest first.
func (s *MongoStore) List(ctx context.Context, filters model.SubmissionFilters) ([]model.SubmissionSummary, error) {
	filter := bson.M{}
	if filters.Status != "" {
		filter["status"] = string(filters.Status)
	}
	if q := strings.TrimSpace(filters.Search); q != "" {
		re := bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"attributes.business_name": re},
			bson.M{"attributes.email": re},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(summaryProjection())
	if filters.Limit > 0 {
		opts.SetLimit(int64(filters.Limit))
	}
	if filters.Offset > 0 {
		opts.SetSkip(int64(filters.Offset))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer cursor.Close(ctx)

	var result []model.SubmissionSummary
	for cursor.Next(ctx) {
		var doc mongoSubmission
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		sub, err := doc.submission()
		if err != nil {
			return nil, err
		}
		result = append(result, model.Summarize(sub))
	}
	return result, cursor.Err()
}

// CountByStatus groups submissions by status.
func (s *MongoStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[model.Status]int)
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode count: %w", err)
		}
		counts[model.Status(row.Status)] = row.Count
	}
	return counts, cursor.Err()
}

// AppendStatusEvent pushes onto the embedded history.
func (s *MongoStore) AppendStatusEvent(ctx context.Context, event model.StatusEvent) error {
	return s.push(ctx, event.SubmissionID, "history", mongoEvent{
		ID:        event.ID,
		From:      string(event.From),
		To:        string(event.To),
		Actor:     event.Actor,
		Comment:   event.Comment,
		Timestamp: event.Timestamp,
	})
}

// AppendBuildLog pushes onto the embedded build logs.
func (s *MongoStore) AppendBuildLog(ctx context.Context, entry model.BuildLog) error {
	return s.push(ctx, entry.SubmissionID, "build_logs", mongoBuildLog{
		ID:         entry.ID,
		Provider:   entry.Provider,
		Status:     entry.Status,
		Message:    entry.Message,
		StartedAt:  entry.StartedAt,
		FinishedAt: entry.FinishedAt,
	})
}

func (s *MongoStore) push(ctx context.Context, id, field string, value any) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{field: value}})
	if err != nil {
		return fmt.Errorf("append %s: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return notFound(id)
	}
	return nil
}

// HealthCheck pings the primary.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, summary bool) (mongoSubmission, error) {
	opts := options.FindOne()
	if summary {
		opts.SetProjection(summaryProjection())
	}
	var doc mongoSubmission
	if err := s.coll.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return doc, err
		}
		return doc, fmt.Errorf("find submission: %w", err)
	}
	return doc, nil
}

func summaryProjection() bson.M {
	return bson.M{"services": 0, "testimonials": 0, "hours": 0, "history": 0, "build_logs": 0}
}

func (d mongoSubmission) submission() (model.Submission, error) {
	sub := model.Submission{
		ID:          d.ID,
		AccessToken: d.AccessToken,
		Vertical:    model.Vertical(d.Vertical),
		Status:      model.Status(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	if d.SubmittedAt != nil {
		at := d.SubmittedAt.UTC()
		sub.SubmittedAt = &at
	}
	if len(d.Attributes) > 0 {
		data, err := bson.MarshalExtJSON(d.Attributes, false, false)
		if err != nil {
			return model.Submission{}, fmt.Errorf("convert attributes: %w", err)
		}
		if err := json.Unmarshal(data, &sub.Attributes); err != nil {
			return model.Submission{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return sub, nil
}

func (d mongoSubmission) collections() (model.Collections, error) {
	cols := model.Collections{Versions: map[model.CollectionName]int{}}
	for name, v := range d.Versions {
		cols.Versions[model.CollectionName(name)] = v
	}
	for name, raws := range map[model.CollectionName][]bson.Raw{
		model.CollectionServices:     d.Services,
		model.CollectionTestimonials: d.Testimonials,
		model.CollectionHours:        d.Hours,
	} {
		for _, raw := range raws {
			data, err := bson.MarshalExtJSON(raw, false, false)
			if err != nil {
				return cols, fmt.Errorf("convert %s record: %w", name, err)
			}
			rec, err := model.DecodeRecord(name, data)
			if err != nil {
				return cols, err
			}
			cols.Add(rec)
		}
	}
	return cols, nil
}

// toDocument converts a JSON-tagged value to a BSON document so stored
// field names match the API's.
func toDocument(v any) (bson.M, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("convert document: %w", err)
	}
	return doc, nil
}
