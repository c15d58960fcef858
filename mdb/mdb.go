// Package mdb adapts MongoDB collections to the mangrove store
// interfaces using the official driver. Reference population is
// implemented client side with $in lookups against the sibling
// collections named by the resource schema.
package mdb

import (
	"context"

	"github.com/evergreen-ci/mangrove"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection wraps one mongo collection. It keeps a handle on the
// database so populate can reach referenced collections.
type Collection struct {
	db     *mongo.Database
	coll   *mongo.Collection
	name   string
	schema *mangrove.Schema
}

// Wrap builds a mangrove collection over a mongo collection. The
// schema drives reference resolution for populate and may be nil.
func Wrap(db *mongo.Database, name string, sch *mangrove.Schema) *Collection {
	return &Collection{
		db:     db,
		coll:   db.Collection(name),
		name:   name,
		schema: sch,
	}
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Find(f bson.M) mangrove.Query {
	return query{coll: c, filter: f, limit: -1}
}

func (c *Collection) FindID(id any) mangrove.Query {
	return query{coll: c, filter: bson.M{"_id": id}, limit: -1}
}

func (c *Collection) Insert(ctx context.Context, doc bson.M, _ *mangrove.WriteOptions) (bson.M, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, errors.Wrap(err, "inserting document")
	}

	out := make(bson.M, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	if _, ok := out["_id"]; !ok {
		out["_id"] = res.InsertedID
	}
	return out, nil
}

func (c *Collection) Replace(ctx context.Context, id any, doc bson.M, _ *mangrove.WriteOptions) (bson.M, error) {
	res, err := c.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc)
	if err != nil {
		return nil, errors.Wrap(err, "replacing document")
	}
	if res.MatchedCount == 0 {
		return nil, mangrove.ErrNotFound
	}

	out := make(bson.M, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	if _, ok := out["_id"]; !ok {
		out["_id"] = id
	}
	return out, nil
}

func (c *Collection) Remove(ctx context.Context, id any, _ *mangrove.WriteOptions) error {
	res, err := c.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "removing document")
	}
	if res.DeletedCount == 0 {
		return mangrove.ErrNotFound
	}
	return nil
}

type query struct {
	coll       *Collection
	filter     bson.M
	sortKeys   []string
	skip       int64
	limit      int64
	projection bson.M
	populate   []string
}

func (q query) Filter(f bson.M) mangrove.Query { q.filter = f; return q }
func (q query) Sort(keys ...string) mangrove.Query {
	q.sortKeys = append([]string{}, keys...)
	return q
}
func (q query) Skip(n int64) mangrove.Query       { q.skip = n; return q }
func (q query) Limit(n int64) mangrove.Query      { q.limit = n; return q }
func (q query) Select(proj bson.M) mangrove.Query { q.projection = proj; return q }
func (q query) Populate(paths ...string) mangrove.Query {
	q.populate = append(append([]string{}, q.populate...), paths...)
	return q
}
func (q query) Clone() mangrove.Query { return q }

func (q query) Count(ctx context.Context) (int64, error) {
	n, err := q.coll.coll.CountDocuments(ctx, orEmpty(q.filter))
	return n, errors.Wrap(err, "counting documents")
}

func (q query) All(ctx context.Context) ([]bson.M, error) {
	opts := options.Find()
	if len(q.sortKeys) > 0 {
		opts.SetSort(sortDoc(q.sortKeys))
	}
	if q.skip > 0 {
		opts.SetSkip(q.skip)
	}
	if q.limit >= 0 {
		opts.SetLimit(q.limit)
	}
	if q.projection != nil {
		opts.SetProjection(q.projection)
	}

	cur, err := q.coll.coll.Find(ctx, orEmpty(q.filter), opts)
	if err != nil {
		return nil, errors.Wrap(err, "finding documents")
	}

	docs := []bson.M{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decoding documents")
	}
	for i := range docs {
		docs[i] = normalizeDoc(docs[i])
	}

	if err := q.coll.populateDocs(ctx, docs, q.populate); err != nil {
		return nil, err
	}
	return docs, nil
}

func (q query) One(ctx context.Context) (bson.M, error) {
	opts := options.FindOne()
	if len(q.sortKeys) > 0 {
		opts.SetSort(sortDoc(q.sortKeys))
	}
	if q.skip > 0 {
		opts.SetSkip(q.skip)
	}
	if q.projection != nil {
		opts.SetProjection(q.projection)
	}

	doc := bson.M{}
	err := q.coll.coll.FindOne(ctx, orEmpty(q.filter), opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, mangrove.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding document")
	}

	doc = normalizeDoc(doc)
	if err := q.coll.populateDocs(ctx, []bson.M{doc}, q.populate); err != nil {
		return nil, err
	}
	return doc, nil
}

func orEmpty(f bson.M) bson.M {
	if f == nil {
		return bson.M{}
	}
	return f
}

// sortDoc translates hyphen-prefixed sort keys into a mongo sort
// document, preserving key order.
func sortDoc(keys []string) bson.D {
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		if len(k) > 1 && k[0] == '-' {
			d = append(d, bson.E{Key: k[1:], Value: -1})
		} else {
			d = append(d, bson.E{Key: k, Value: 1})
		}
	}
	return d
}

// populateDocs resolves schema references in place with one $in query
// per populated path. Documents whose reference is missing keep the
// raw id.
func (c *Collection) populateDocs(ctx context.Context, docs []bson.M, paths []string) error {
	if len(paths) == 0 || len(docs) == 0 || c.schema == nil {
		return nil
	}

	for _, path := range paths {
		target, ok := c.schema.Ref(path)
		if !ok {
			continue
		}

		ids := []any{}
		for _, doc := range docs {
			switch v := doc[path].(type) {
			case nil:
			case []any:
				ids = append(ids, v...)
			default:
				ids = append(ids, v)
			}
		}
		if len(ids) == 0 {
			continue
		}

		cur, err := c.db.Collection(target).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return errors.Wrapf(err, "finding '%s' references", path)
		}
		refs := []bson.M{}
		if err := cur.All(ctx, &refs); err != nil {
			return errors.Wrapf(err, "decoding '%s' references", path)
		}

		byID := make(map[any]bson.M, len(refs))
		for _, ref := range refs {
			ref = normalizeDoc(ref)
			byID[ref["_id"]] = ref
		}

		for _, doc := range docs {
			switch v := doc[path].(type) {
			case nil:
			case []any:
				out := make([]any, len(v))
				for i, id := range v {
					if ref, ok := byID[id]; ok {
						out[i] = ref
					} else {
						out[i] = id
					}
				}
				doc[path] = out
			default:
				if ref, ok := byID[v]; ok {
					doc[path] = ref
				}
			}
		}
	}
	return nil
}

// normalizeDoc rewrites driver-decoded values so embedded documents
// are bson.M and arrays are []any all the way down, the shapes the
// rest of the stack works in.
func normalizeDoc(doc bson.M) bson.M {
	for k, v := range doc {
		doc[k] = normalizeValue(v)
	}
	return doc
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.D:
		out := make(bson.M, len(t))
		for _, e := range t {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case bson.M:
		return normalizeDoc(t)
	case map[string]any:
		return normalizeDoc(bson.M(t))
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
