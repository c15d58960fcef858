// Package memdb provides an in-memory mangrove store. It exists for
// tests, examples, and small tools; it mirrors enough MongoDB query
// semantics to back the compiled filters the resource pipeline
// produces, but it is not a database.
package memdb

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evergreen-ci/mangrove"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store owns a set of named collections behind one lock, so populate
// can read across collections consistently.
type Store struct {
	mu    sync.RWMutex
	colls map[string]*Collection
}

func NewStore() *Store {
	return &Store{colls: map[string]*Collection{}}
}

// Collection returns the named collection, creating it on first use.
// The schema drives reference resolution for populate and may be nil.
func (s *Store) Collection(name string, sch *mangrove.Schema) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.colls[name]; ok {
		return c
	}
	c := &Collection{store: s, name: name, schema: sch}
	s.colls[name] = c
	return c
}

// Collection is an in-memory document collection. Documents are held
// in insertion order; reads hand out deep copies so callers can
// mutate results freely.
type Collection struct {
	store    *Store
	name     string
	schema   *mangrove.Schema
	validate func(bson.M) error
	docs     []bson.M
}

// SetValidator installs a write validator. Returning a
// *mangrove.ValidationError surfaces field-level detail to clients;
// any other error is treated as a plain write failure.
func (c *Collection) SetValidator(v func(bson.M) error) *Collection {
	c.validate = v
	return c
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Find(f bson.M) mangrove.Query {
	return query{coll: c, filter: f, limit: -1}
}

func (c *Collection) FindID(id any) mangrove.Query {
	return query{coll: c, filter: bson.M{"_id": id}, limit: -1}
}

// Seed inserts documents in order, stopping at the first failure.
func (c *Collection) Seed(ctx context.Context, docs ...bson.M) error {
	for _, doc := range docs {
		if _, err := c.Insert(ctx, doc, nil); err != nil {
			return errors.Wrap(err, "seeding collection")
		}
	}
	return nil
}

func (c *Collection) Insert(ctx context.Context, doc bson.M, _ *mangrove.WriteOptions) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.runValidation(doc); err != nil {
		return nil, err
	}

	stored := copyDoc(doc)
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = primitive.NewObjectID()
	}

	c.store.mu.Lock()
	c.docs = append(c.docs, stored)
	c.store.mu.Unlock()

	return copyDoc(stored), nil
}

func (c *Collection) Replace(ctx context.Context, id any, doc bson.M, _ *mangrove.WriteOptions) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.runValidation(doc); err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	for i, existing := range c.docs {
		if valueEqual(existing["_id"], id) {
			stored := copyDoc(doc)
			stored["_id"] = existing["_id"]
			c.docs[i] = stored
			return copyDoc(stored), nil
		}
	}
	return nil, mangrove.ErrNotFound
}

func (c *Collection) Remove(ctx context.Context, id any, _ *mangrove.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	for i, existing := range c.docs {
		if valueEqual(existing["_id"], id) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return nil
		}
	}
	return mangrove.ErrNotFound
}

func (c *Collection) runValidation(doc bson.M) error {
	if c.validate == nil {
		return nil
	}
	return c.validate(doc)
}

// query is a value type; builder methods copy it, so derived queries
// never affect their parents.
type query struct {
	coll       *Collection
	filter     bson.M
	sortKeys   []string
	skip       int64
	limit      int64
	projection bson.M
	populate   []string
}

func (q query) Filter(f bson.M) mangrove.Query  { q.filter = f; return q }
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
	if err := ctx.Err(); err != nil {
		return 0, errors.WithStack(err)
	}

	q.coll.store.mu.RLock()
	defer q.coll.store.mu.RUnlock()

	var n int64
	for _, doc := range q.coll.docs {
		if matchDoc(doc, q.filter) {
			n++
		}
	}
	return n, nil
}

func (q query) All(ctx context.Context) ([]bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	q.coll.store.mu.RLock()
	defer q.coll.store.mu.RUnlock()

	matched := []bson.M{}
	for _, doc := range q.coll.docs {
		if matchDoc(doc, q.filter) {
			matched = append(matched, copyDoc(doc))
		}
	}

	sortDocs(matched, q.sortKeys)

	if q.skip > 0 {
		if q.skip >= int64(len(matched)) {
			matched = []bson.M{}
		} else {
			matched = matched[q.skip:]
		}
	}
	if q.limit >= 0 && q.limit < int64(len(matched)) {
		matched = matched[:q.limit]
	}

	for i := range matched {
		matched[i] = applyProjection(matched[i], q.projection)
	}
	q.applyPopulate(matched)

	return matched, nil
}

func (q query) One(ctx context.Context) (bson.M, error) {
	docs, err := q.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, mangrove.ErrNotFound
	}
	return docs[0], nil
}

// applyPopulate swaps reference ids for copies of their referenced
// documents. Unresolvable references keep the raw id.
func (q query) applyPopulate(docs []bson.M) {
	if len(q.populate) == 0 || q.coll.schema == nil {
		return
	}
	for _, path := range q.populate {
		target, ok := q.coll.schema.Ref(path)
		if !ok {
			continue
		}
		ref, ok := q.coll.store.colls[target]
		if !ok {
			continue
		}
		for _, doc := range docs {
			switch v := doc[path].(type) {
			case []any:
				out := make([]any, len(v))
				for i, id := range v {
					out[i] = ref.lookupLocked(id)
				}
				doc[path] = out
			case nil:
			default:
				doc[path] = ref.lookupLocked(v)
			}
		}
	}
}

// lookupLocked resolves an id to a document copy, returning the id
// itself on a miss. The store lock must already be held.
func (c *Collection) lookupLocked(id any) any {
	for _, doc := range c.docs {
		if valueEqual(doc["_id"], id) {
			return copyDoc(doc)
		}
	}
	return id
}

func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return copyDoc(t)
	case map[string]any:
		return copyDoc(bson.M(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// matchDoc evaluates the filter shapes the resource layer compiles:
// literal equality, regex values, and per-field operator documents.
func matchDoc(doc bson.M, filter bson.M) bool {
	for field, cond := range filter {
		val, exists := resolvePath(doc, field)
		switch c := cond.(type) {
		case bson.M:
			if !matchOperators(val, exists, c) {
				return false
			}
		case map[string]any:
			if !matchOperators(val, exists, bson.M(c)) {
				return false
			}
		case primitive.Regex:
			if !regexMatch(val, c) {
				return false
			}
		case nil:
			if exists && val != nil {
				return false
			}
		default:
			if !equalOrContains(val, c) {
				return false
			}
		}
	}
	return true
}

func matchOperators(val any, exists bool, ops bson.M) bool {
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !equalOrContains(val, arg) {
				return false
			}
		case "$ne":
			if equalOrContains(val, arg) {
				return false
			}
		case "$gt":
			if c, ok := compareValues(val, arg); !ok || c <= 0 {
				return false
			}
		case "$gte":
			if c, ok := compareValues(val, arg); !ok || c < 0 {
				return false
			}
		case "$lt":
			if c, ok := compareValues(val, arg); !ok || c >= 0 {
				return false
			}
		case "$lte":
			if c, ok := compareValues(val, arg); !ok || c > 0 {
				return false
			}
		case "$in":
			if !inList(val, arg) {
				return false
			}
		case "$nin":
			if inList(val, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if exists != want {
				return false
			}
		case "$regex":
			re, ok := arg.(primitive.Regex)
			if !ok || !regexMatch(val, re) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func inList(val, arg any) bool {
	list, ok := arg.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if equalOrContains(val, e) {
			return true
		}
	}
	return false
}

// equalOrContains applies document equality, treating an array field
// as matching when any element matches.
func equalOrContains(val, want any) bool {
	if arr, ok := val.([]any); ok {
		if wantArr, ok := want.([]any); ok {
			return arraysEqual(arr, wantArr)
		}
		for _, e := range arr {
			if valueEqual(e, want) {
				return true
			}
		}
		return false
	}
	return valueEqual(val, want)
}

func arraysEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		return ok && at == bs
	case bool:
		bb, ok := b.(bool)
		return ok && at == bb
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	case primitive.ObjectID:
		bo, ok := b.(primitive.ObjectID)
		return ok && at == bo
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareValues orders two values of the same family. Mixed families
// are not comparable and match no range operator.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(at, bs), true
	case time.Time:
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	case primitive.ObjectID:
		bo, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(at.Hex(), bo.Hex()), true
	}
	return 0, false
}

func regexMatch(val any, re primitive.Regex) bool {
	s, ok := val.(string)
	if !ok {
		return false
	}
	var flags strings.Builder
	for _, f := range re.Options {
		switch f {
		case 'i', 'm', 's':
			flags.WriteRune(f)
		}
	}
	pattern := re.Pattern
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return compiled.MatchString(s)
}

// resolvePath walks a dotted field path. Arrays along the path fan
// out over their elements, mirroring how queries address embedded
// document arrays.
func resolvePath(doc any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		switch node := cur.(type) {
		case bson.M:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			rest := strings.Join(segments[i:], ".")
			out := []any{}
			for _, e := range node {
				if v, ok := resolvePath(e, rest); ok {
					out = append(out, v)
				}
			}
			if len(out) == 0 {
				return nil, false
			}
			return out, true
		default:
			return nil, false
		}
	}
	return cur, true
}

func sortDocs(docs []bson.M, keys []string) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			desc := strings.HasPrefix(key, "-")
			field := strings.TrimPrefix(key, "-")
			av, _ := resolvePath(docs[i], field)
			bv, _ := resolvePath(docs[j], field)
			c, ok := compareValues(av, bv)
			if !ok || c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// applyProjection reduces a document to an inclusion list or strips
// an exclusion list. Projections address top-level fields; the id
// field stays unless explicitly excluded.
func applyProjection(doc bson.M, proj bson.M) bson.M {
	if len(proj) == 0 {
		return doc
	}

	inclusion := false
	for field, v := range proj {
		if field != "_id" && projIncludes(v) {
			inclusion = true
			break
		}
	}

	out := bson.M{}
	if inclusion {
		for field, v := range proj {
			if !projIncludes(v) {
				continue
			}
			if val, ok := doc[field]; ok {
				out[field] = val
			}
		}
		if v, ok := proj["_id"]; !ok || projIncludes(v) {
			if val, ok := doc["_id"]; ok {
				out["_id"] = val
			}
		}
		return out
	}

	for k, v := range doc {
		out[k] = v
	}
	for field, v := range proj {
		if !projIncludes(v) {
			delete(out, field)
		}
	}
	return out
}

func projIncludes(v any) bool {
	f, ok := toFloat(v)
	return ok && f != 0
}
