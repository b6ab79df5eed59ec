package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// codeNamespaceExists is the server error returned by create on an existing collection.
const codeNamespaceExists = 48

// Mongo maps each namespace to a MongoDB database on a shared client.
type Mongo struct {
	client *mongo.Client
}

// NewMongo connects to uri and verifies the server is reachable.
func NewMongo(ctx context.Context, uri string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongo: %v", ErrUnavailable, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: ping mongo: %v", ErrUnavailable, err)
	}
	return &Mongo{client: client}, nil
}

func (b *Mongo) Name() string { return "mongo" }

func (b *Mongo) Ensure(ctx context.Context, namespace string, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	db := b.client.Database(namespace)
	if err := db.CreateCollection(ctx, schema.Collection); err != nil {
		var ce mongo.CommandError
		if !errors.As(err, &ce) || ce.Code != codeNamespaceExists {
			return classifyMongo(fmt.Errorf("create collection %s.%s: %w", namespace, schema.Collection, err))
		}
	}

	var models []mongo.IndexModel
	keys := func(names []string) bson.D {
		d := make(bson.D, len(names))
		for i, n := range names {
			d[i] = bson.E{Key: n, Value: 1}
		}
		return d
	}
	if len(schema.Unique) > 0 {
		models = append(models, mongo.IndexModel{Keys: keys(schema.Unique), Options: options.Index().SetUnique(true)})
	}
	for _, idx := range schema.Indexes {
		models = append(models, mongo.IndexModel{Keys: keys(idx)})
	}
	if len(models) > 0 {
		if _, err := db.Collection(schema.Collection).Indexes().CreateMany(ctx, models); err != nil {
			return classifyMongo(fmt.Errorf("create indexes on %s: %w", namespace, err))
		}
	}
	return nil
}

func (b *Mongo) Open(ctx context.Context, namespace string, schema Schema) (Collection, error) {
	if err := b.Ensure(ctx, namespace, schema); err != nil {
		return nil, err
	}
	return &mongoCollection{coll: b.client.Database(namespace).Collection(schema.Collection), schema: schema}, nil
}

func (b *Mongo) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

type mongoCollection struct {
	coll   *mongo.Collection
	schema Schema
}

// Close is a no-op: the client is shared and closed by the backend.
func (c *mongoCollection) Close() error { return nil }

func (c *mongoCollection) encode(docs []Document) ([]any, error) {
	out := make([]any, len(docs))
	for n, doc := range docs {
		m := make(bson.M, len(c.schema.Fields))
		for _, f := range c.schema.Fields {
			v, err := coerce(f, doc[f.Name])
			if err != nil {
				return nil, fmt.Errorf("document %d: %w", n, err)
			}
			if p, ok := v.(*float64); ok {
				if p == nil {
					m[f.Name] = nil
				} else {
					m[f.Name] = *p
				}
				continue
			}
			m[f.Name] = v
		}
		out[n] = m
	}
	return out, nil
}

// InsertMany is not transactional: a failure part-way leaves the documents
// written so far in place.
func (c *mongoCollection) InsertMany(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	encoded, err := c.encode(docs)
	if err != nil {
		return 0, err
	}
	res, err := c.coll.InsertMany(ctx, encoded)
	if err != nil {
		n := 0
		if res != nil {
			n = len(res.InsertedIDs)
		}
		return n, classifyMongo(err)
	}
	return len(res.InsertedIDs), nil
}

func (c *mongoCollection) Replace(ctx context.Context, docs []Document) (int, error) {
	encoded, err := c.encode(docs)
	if err != nil {
		return 0, err
	}
	if _, err := c.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return 0, classifyMongo(err)
	}
	if len(encoded) == 0 {
		return 0, nil
	}
	res, err := c.coll.InsertMany(ctx, encoded)
	if err != nil {
		return 0, classifyMongo(err)
	}
	return len(res.InsertedIDs), nil
}

func (c *mongoCollection) filter(f Filter) (bson.M, error) {
	if len(f) == 0 {
		return bson.M{}, nil
	}
	and := make([]bson.M, 0, len(f))
	for _, cond := range f {
		field, ok := c.schema.Field(cond.Field)
		if !ok {
			return nil, fmt.Errorf("filter on unknown field %q", cond.Field)
		}
		if len(cond.Values) == 0 {
			return nil, fmt.Errorf("filter on %q: no value", cond.Field)
		}
		switch cond.Op {
		case Eq, Gte, Lte:
			v, err := coerce(field, cond.Values[0])
			if err != nil {
				return nil, err
			}
			switch cond.Op {
			case Eq:
				and = append(and, bson.M{field.Name: v})
			case Gte:
				and = append(and, bson.M{field.Name: bson.M{"$gte": v}})
			case Lte:
				and = append(and, bson.M{field.Name: bson.M{"$lte": v}})
			}
		case In:
			vs := make(bson.A, len(cond.Values))
			for i, raw := range cond.Values {
				v, err := coerce(field, raw)
				if err != nil {
					return nil, err
				}
				vs[i] = v
			}
			and = append(and, bson.M{field.Name: bson.M{"$in": vs}})
		case Contains:
			pattern := regexp.QuoteMeta(fmt.Sprint(cond.Values[0]))
			and = append(and, bson.M{field.Name: primitive.Regex{Pattern: pattern, Options: "i"}})
		default:
			return nil, fmt.Errorf("filter on %q: unknown operator %d", cond.Field, cond.Op)
		}
	}
	return bson.M{"$and": and}, nil
}

// decode converts a raw BSON document to the canonical field types.
func (c *mongoCollection) decode(raw bson.M) Document {
	doc := make(Document, len(c.schema.Fields))
	for _, f := range c.schema.Fields {
		v := raw[f.Name]
		switch f.Type {
		case String:
			s, _ := v.(string)
			doc[f.Name] = s
		case Float:
			n, _ := toFloat(v)
			doc[f.Name] = n
		case NullFloat:
			if n, ok := toFloat(v); ok && v != nil {
				doc[f.Name] = &n
			} else {
				doc[f.Name] = (*float64)(nil)
			}
		case Time:
			switch t := v.(type) {
			case primitive.DateTime:
				doc[f.Name] = t.Time().In(time.Local)
			case time.Time:
				doc[f.Name] = t.In(time.Local)
			default:
				doc[f.Name] = time.Time{}
			}
		}
	}
	return doc
}

func (c *mongoCollection) Find(ctx context.Context, f Filter, opts FindOptions) ([]Document, error) {
	filter, err := c.filter(f)
	if err != nil {
		return nil, err
	}
	sortDoc := bson.D{}
	for _, s := range opts.Sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		sortDoc = append(sortDoc, bson.E{Key: s.Field, Value: dir})
	}
	sortDoc = append(sortDoc, bson.E{Key: "_id", Value: 1})

	fo := options.Find().SetSort(sortDoc).SetProjection(bson.M{"_id": 0})
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}

	cur, err := c.coll.Find(ctx, filter, fo)
	if err != nil {
		return nil, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var docs []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.schema.Collection, err)
		}
		docs = append(docs, c.decode(raw))
	}
	return docs, classifyMongo(cur.Err())
}

func (c *mongoCollection) Count(ctx context.Context, f Filter) (int64, error) {
	filter, err := c.filter(f)
	if err != nil {
		return 0, err
	}
	n, err := c.coll.CountDocuments(ctx, filter)
	return n, classifyMongo(err)
}

func (c *mongoCollection) Distinct(ctx context.Context, field string, f Filter) ([]string, error) {
	fld, ok := c.schema.Field(field)
	if !ok || fld.Type != String {
		return nil, fmt.Errorf("distinct on %q: not a string field", field)
	}
	filter, err := c.filter(f)
	if err != nil {
		return nil, err
	}
	raw, err := c.coll.Distinct(ctx, field, filter)
	if err != nil {
		return nil, classifyMongo(err)
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			values = append(values, s)
		}
	}
	sort.Strings(values)
	return values, nil
}

func (c *mongoCollection) Exists(ctx context.Context, f Filter) (bool, error) {
	filter, err := c.filter(f)
	if err != nil {
		return false, err
	}
	n, err := c.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, classifyMongo(err)
	}
	return n > 0, nil
}

func classifyMongo(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
