package mongodriver

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Collection wraps a *mongo.Collection
type Collection struct {
	db   *Database
	coll *mongo.Collection
}

var _ driver.Collection = (*Collection)(nil)

// Name returns the collection name
func (c *Collection) Name() string {
	return c.coll.Name()
}

func (c *Collection) InsertOne(ctx context.Context, sess driver.Session, doc bson.M) (any, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, classify(err)
	}
	return res.InsertedID, nil
}

func (c *Collection) InsertMany(ctx context.Context, sess driver.Session, docs []bson.M) ([]any, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	batch := make([]any, len(docs))
	for i, d := range docs {
		batch[i] = d
	}
	res, err := c.coll.InsertMany(ctx, batch)
	if err != nil {
		return nil, classify(err)
	}
	return res.InsertedIDs, nil
}

func (c *Collection) Find(ctx context.Context, sess driver.Session, filter bson.M, opts *driver.FindOptions) ([]bson.M, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	findOpts := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			findOpts.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			findOpts.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}
		if len(opts.Projection) > 0 {
			findOpts.SetProjection(opts.Projection)
		}
	}

	cur, err := c.coll.Find(ctx, nonNil(filter), findOpts)
	if err != nil {
		return nil, classify(err)
	}
	out := []bson.M{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, sess driver.Session, filter, update bson.M, opts *driver.UpdateOptions) (bson.M, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	fo := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if opts != nil {
		fo.SetUpsert(opts.Upsert)
		if len(opts.Sort) > 0 {
			fo.SetSort(opts.Sort)
		}
	}

	var before bson.M
	err = c.coll.FindOneAndUpdate(ctx, nonNil(filter), update, fo).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return before, nil
}

func (c *Collection) UpdateMany(ctx context.Context, sess driver.Session, filter, update bson.M, opts *driver.UpdateOptions) (*driver.UpdateResult, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	uo := options.Update()
	if opts != nil {
		uo.SetUpsert(opts.Upsert)
	}
	res, err := c.coll.UpdateMany(ctx, nonNil(filter), update, uo)
	if err != nil {
		return nil, classify(err)
	}
	return &driver.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

func (c *Collection) FindOneAndDelete(ctx context.Context, sess driver.Session, filter bson.M, opts *driver.DeleteOptions) (bson.M, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	do := options.FindOneAndDelete()
	if opts != nil && len(opts.Sort) > 0 {
		do.SetSort(opts.Sort)
	}

	var deleted bson.M
	err = c.coll.FindOneAndDelete(ctx, nonNil(filter), do).Decode(&deleted)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return deleted, nil
}

func (c *Collection) DeleteMany(ctx context.Context, sess driver.Session, filter bson.M) (int64, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return 0, err
	}
	res, err := c.coll.DeleteMany(ctx, nonNil(filter))
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

func (c *Collection) CountDocuments(ctx context.Context, sess driver.Session, filter bson.M, opts *driver.CountOptions) (int64, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return 0, err
	}
	co := options.Count()
	if opts != nil {
		if opts.Skip > 0 {
			co.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			co.SetLimit(opts.Limit)
		}
	}
	n, err := c.coll.CountDocuments(ctx, nonNil(filter), co)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *Collection) Distinct(ctx context.Context, sess driver.Session, field string, filter bson.M) ([]any, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	vals, err := c.coll.Distinct(ctx, field, nonNil(filter))
	if err != nil {
		return nil, classify(err)
	}
	return vals, nil
}

func (c *Collection) Aggregate(ctx context.Context, sess driver.Session, pipeline []bson.D) ([]bson.M, error) {
	ctx, err := c.db.bind(ctx, sess)
	if err != nil {
		return nil, err
	}
	cur, err := c.coll.Aggregate(ctx, mongo.Pipeline(pipeline))
	if err != nil {
		return nil, classify(err)
	}
	out := []bson.M{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (c *Collection) ListIndexes(ctx context.Context) ([]driver.IndexModel, error) {
	cur, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var stored []storedIndex
	if err := cur.All(ctx, &stored); err != nil {
		return nil, classify(err)
	}
	out := make([]driver.IndexModel, 0, len(stored))
	for _, s := range stored {
		out = append(out, s.model())
	}
	return out, nil
}

func (c *Collection) CreateIndex(ctx context.Context, idx driver.IndexModel) (string, error) {
	ixOpts := options.Index()
	if idx.Name != "" {
		ixOpts.SetName(idx.Name)
	}
	if idx.Unique {
		ixOpts.SetUnique(true)
	}
	if idx.DefaultLanguage != "" {
		ixOpts.SetDefaultLanguage(idx.DefaultLanguage)
	}
	name, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.Keys, Options: ixOpts})
	if err != nil {
		return "", classify(err)
	}
	return name, nil
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	_, err := c.coll.Indexes().DropOne(ctx, name)
	return classify(err)
}

func (c *Collection) Drop(ctx context.Context) error {
	return classify(c.coll.Drop(ctx))
}

// nonNil avoids sending a null filter, which the server rejects
func nonNil(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}
