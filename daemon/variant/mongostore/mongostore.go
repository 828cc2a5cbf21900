// Package mongostore implements the variant record store on MongoDB.
package mongostore

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// CollectionName is the collection variant records live in.
const CollectionName = "image_variants"

const connectTimeout = 10 * time.Second

// Connect dials the MongoDB deployment at uri and verifies the connection
// with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to metadata store")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, errors.Wrap(err, "error pinging metadata store")
	}
	return client, nil
}

// Store is a variant.Store backed by a MongoDB collection.
type Store struct {
	coll *mongo.Collection
}

// New returns a Store over the image_variants collection of dbName and
// ensures the indexes the record semantics depend on: the unique compound
// index over the identity tuple and the secondary status index.
func New(ctx context.Context, client *mongo.Client, dbName string) (*Store, error) {
	coll := client.Database(dbName).Collection(CollectionName)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "imageId", Value: 1},
				{Key: "width", Value: 1},
				{Key: "height", Value: 1},
				{Key: "format", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_identity"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_status"),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "error ensuring indexes on "+CollectionName)
	}
	return &Store{coll: coll}, nil
}

type record struct {
	ID           string     `bson:"_id"`
	ImageID      string     `bson:"imageId"`
	Width        int        `bson:"width"`
	Height       int        `bson:"height"`
	Format       string     `bson:"format"`
	OriginalKey  string     `bson:"originalKey"`
	VariantKey   string     `bson:"variantKey"`
	Bucket       string     `bson:"bucket"`
	Status       string     `bson:"status"`
	FileSize     int64      `bson:"fileSize"`
	FailedReason string     `bson:"failedReason,omitempty"`
	FailedAt     *time.Time `bson:"failedAt,omitempty"`
	RequeueCount int        `bson:"requeueCount"`
	CreatedAt    time.Time  `bson:"createdAt"`
	CompletedAt  *time.Time `bson:"completedAt,omitempty"`
}

func toDoc(r *variant.Record) record {
	return record{
		ID:           r.ID,
		ImageID:      r.ImageID,
		Width:        r.Width,
		Height:       r.Height,
		Format:       string(r.Format),
		OriginalKey:  r.OriginalKey,
		VariantKey:   r.VariantKey,
		Bucket:       r.Bucket,
		Status:       string(r.Status),
		FileSize:     r.FileSize,
		FailedReason: r.FailedReason,
		FailedAt:     r.FailedAt,
		RequeueCount: r.RequeueCount,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

func fromDoc(d record) *variant.Record {
	return &variant.Record{
		ID:           d.ID,
		ImageID:      d.ImageID,
		Width:        d.Width,
		Height:       d.Height,
		Format:       variant.Format(d.Format),
		OriginalKey:  d.OriginalKey,
		VariantKey:   d.VariantKey,
		Bucket:       d.Bucket,
		Status:       variant.Status(d.Status),
		FileSize:     d.FileSize,
		FailedReason: d.FailedReason,
		FailedAt:     d.FailedAt,
		RequeueCount: d.RequeueCount,
		CreatedAt:    d.CreatedAt,
		CompletedAt:  d.CompletedAt,
	}
}

func keyQuery(k variant.Key) bson.M {
	return bson.M{
		"imageId": k.ImageID,
		"width":   k.Width,
		"height":  k.Height,
		"format":  string(k.Format),
	}
}

func filterQuery(f variant.Filter) bson.M {
	q := bson.M{"imageId": f.ImageID}
	if f.Width > 0 {
		q["width"] = f.Width
	}
	if f.Height > 0 {
		q["height"] = f.Height
	}
	if f.Format != "" {
		q["format"] = string(f.Format)
	}
	return q
}

func (s *Store) Create(ctx context.Context, r *variant.Record) error {
	if _, err := s.coll.InsertOne(ctx, toDoc(r)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &variant.OpErr{Err: variant.ErrKeyConflict, Op: "create", Ref: r.VariantKey}
		}
		return &variant.OpErr{Err: err, Op: "create", Ref: r.VariantKey}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*variant.Record, error) {
	var d record
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "get", Ref: id}
		}
		return nil, &variant.OpErr{Err: err, Op: "get", Ref: id}
	}
	return fromDoc(d), nil
}

func (s *Store) GetByKey(ctx context.Context, key variant.Key) (*variant.Record, error) {
	var d record
	if err := s.coll.FindOne(ctx, keyQuery(key)).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: "get", Ref: key.String()}
		}
		return nil, &variant.OpErr{Err: err, Op: "get", Ref: key.String()}
	}
	return fromDoc(d), nil
}

func (s *Store) List(ctx context.Context, f variant.Filter) ([]*variant.Record, error) {
	cur, err := s.coll.Find(ctx, filterQuery(f))
	if err != nil {
		return nil, &variant.OpErr{Err: err, Op: "list", Ref: f.ImageID}
	}
	var docs []record
	if err := cur.All(ctx, &docs); err != nil {
		return nil, &variant.OpErr{Err: err, Op: "list", Ref: f.ImageID}
	}
	out := make([]*variant.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	return out, nil
}

// findOneAndUpdate runs the update and decodes the post-update document.
func (s *Store) findOneAndUpdate(ctx context.Context, op string, id string, filter, update bson.M) (*variant.Record, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d record
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &variant.OpErr{Err: variant.ErrNoSuchRecord, Op: op, Ref: id}
		}
		return nil, &variant.OpErr{Err: err, Op: op, Ref: id}
	}
	return fromDoc(d), nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (*variant.Record, error) {
	return s.findOneAndUpdate(ctx, "mark-processing", id,
		bson.M{"_id": id, "status": bson.M{"$ne": string(variant.StatusReady)}},
		bson.M{"$set": bson.M{"status": string(variant.StatusProcessing)}},
	)
}

func (s *Store) MarkReady(ctx context.Context, id string, fileSize int64) (*variant.Record, error) {
	now := time.Now().UTC()
	return s.findOneAndUpdate(ctx, "mark-ready", id,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":      string(variant.StatusReady),
			"fileSize":    fileSize,
			"completedAt": now,
		}},
	)
}

func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": string(variant.StatusReady)}},
		bson.M{"$set": bson.M{
			"status":       string(variant.StatusFailed),
			"failedReason": reason,
			"failedAt":     now,
		}},
	)
	if err != nil {
		return &variant.OpErr{Err: err, Op: "mark-failed", Ref: id}
	}
	if res.MatchedCount == 0 {
		// record gone or already ready; the annotation is best-effort
		log.G(ctx).WithField("record", id).Debug("failed annotation matched no record")
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, id string, maxRequeues int) (*variant.Record, error) {
	return s.findOneAndUpdate(ctx, "requeue", id,
		bson.M{
			"_id":          id,
			"status":       string(variant.StatusFailed),
			"requeueCount": bson.M{"$lt": maxRequeues},
		},
		bson.M{
			"$set":   bson.M{"status": string(variant.StatusQueued)},
			"$unset": bson.M{"failedReason": "", "failedAt": ""},
			"$inc":   bson.M{"requeueCount": 1},
		},
	)
}

func (s *Store) Delete(ctx context.Context, f variant.Filter) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, filterQuery(f))
	if err != nil {
		return 0, &variant.OpErr{Err: err, Op: "delete", Ref: f.ImageID}
	}
	return res.DeletedCount, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[variant.Status]int64, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, &variant.OpErr{Err: err, Op: "count"}
	}
	var rows []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, &variant.OpErr{Err: err, Op: "count"}
	}
	counts := make(map[variant.Status]int64, len(rows))
	for _, row := range rows {
		counts[variant.Status(row.Status)] = row.Count
	}
	return counts, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.coll.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return &variant.OpErr{Err: err, Op: "ping"}
	}
	return nil
}

var _ variant.Store = (*Store)(nil)
