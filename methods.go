package mangrove

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/utility"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// buildPipeline assembles the stage list for one verb. The shape is
// the same for every verb: decode the request, run the before hooks,
// honor SkipResource, build the store queries, then the data
// operation bracketed by its op hooks, then the after hooks. The
// before hooks run before query construction so any filter criteria
// they seed become the base the query compiler merges under.
func (r *Resource) buildPipeline(m Method, cfg MethodConfig) []stage {
	stages := []stage{}

	switch m {
	case MethodPost, MethodPut:
		stages = append(stages, r.parseBody())
	case MethodPatch:
		stages = append(stages, r.parsePatch())
	}

	stages = append(stages, hookStages("before", cfg.Before)...)
	stages = append(stages, r.skipResourceStage())
	stages = append(stages, r.queryStage(m))

	if cfg.Op.Before != nil {
		stages = append(stages, stage{name: "op.before", run: cfg.Op.Before})
	}

	op := r.dataOp(m)
	for i := len(r.wrappers[m]) - 1; i >= 0; i-- {
		op = r.wrappers[m][i](op)
	}
	stages = append(stages, stage{name: "op", run: op})

	if cfg.Op.After != nil {
		stages = append(stages, stage{name: "op.after", run: cfg.Op.After})
	}

	stages = append(stages, hookStages("after", cfg.After)...)
	return stages
}

func hookStages(name string, hooks []Hook) []stage {
	stages := make([]stage, 0, len(hooks))
	for _, h := range hooks {
		stages = append(stages, stage{name: name, run: h})
	}
	return stages
}

func (r *Resource) dataOp(m Method) Hook {
	switch m {
	case MethodIndex:
		return r.indexOp
	case MethodGet:
		return r.getOp
	case MethodPost:
		return r.postOp
	case MethodPut:
		return r.putOp
	case MethodPatch:
		return r.patchOp
	case MethodDelete:
		return r.deleteOp
	case MethodVirtual:
		return r.virtualOp
	default:
		return func(context.Context, *RequestState) (Signal, error) {
			return Halt, errors.Errorf("no data operation for method '%s'", m)
		}
	}
}

// parseBody decodes a JSON object request body for post and put.
func (r *Resource) parseBody() stage {
	return stage{name: "parse", run: func(_ context.Context, s *RequestState) (Signal, error) {
		body := utility.NewRequestReader(s.Request)
		defer body.Close()
		if err := utility.ReadJSON(body, &s.Body); err != nil {
			return Halt, gimlet.ErrorResponse{
				StatusCode: http.StatusBadRequest,
				Message:    errors.Wrap(err, "reading request body").Error(),
			}
		}
		return Continue, nil
	}}
}

// parsePatch decodes a patch request body. A single operation object
// is accepted and treated as a one-element patch.
func (r *Resource) parsePatch() stage {
	return stage{name: "parse", run: func(_ context.Context, s *RequestState) (Signal, error) {
		body := utility.NewRequestReader(s.Request)
		defer body.Close()

		var raw json.RawMessage
		if err := utility.ReadJSON(body, &raw); err != nil {
			return Halt, gimlet.ErrorResponse{
				StatusCode: http.StatusBadRequest,
				Message:    errors.Wrap(err, "reading request body").Error(),
			}
		}

		rawOps := []json.RawMessage{raw}
		if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
			rawOps = nil
			if err := json.Unmarshal(raw, &rawOps); err != nil {
				return Halt, gimlet.ErrorResponse{
					StatusCode: http.StatusBadRequest,
					Message:    errors.Wrap(err, "decoding patch operations").Error(),
				}
			}
		}

		ops := make([]PatchOperation, 0, len(rawOps))
		for i, rawOp := range rawOps {
			if !bytes.HasPrefix(bytes.TrimSpace(rawOp), []byte("{")) {
				perr := newPatchError(PatchNotAnObject, "patch operation is not an object")
				perr.Index = i
				return Halt, perr
			}
			var op PatchOperation
			if err := json.Unmarshal(rawOp, &op); err != nil {
				perr := newPatchError(PatchNotAnObject, "patch operation is not an object")
				perr.Index = i
				return Halt, perr
			}
			ops = append(ops, op)
		}

		s.Patch = ops
		return Continue, nil
	}}
}

// skipResourceStage hands the request to the fallback handler when a
// before hook flagged the resource as out of scope.
func (r *Resource) skipResourceStage() stage {
	return stage{name: "skip", run: func(_ context.Context, s *RequestState) (Signal, error) {
		if !s.SkipResource {
			return Continue, nil
		}
		r.fallbackHandler().ServeHTTP(s.Writer(), s.Request)
		return Halt, nil
	}}
}

// queryStage builds the store queries for the verb, treating any
// filter criteria seeded by before hooks as a base the request query
// string cannot override.
func (r *Resource) queryStage(m Method) stage {
	return stage{name: "query", run: func(_ context.Context, s *RequestState) (Signal, error) {
		switch m {
		case MethodIndex:
			s.Filter = CompileFilter(s.QueryParams, s.Filter, r.filterOptions())
			q := r.coll.Find(s.Filter)
			if keys := parseSortSpec(s.QueryParams.Get("sort")); len(keys) > 0 {
				q = q.Sort(keys...)
			}
			if proj := parseProjection(s.QueryParams.Get("select")); proj != nil {
				q = q.Select(proj)
			}
			if paths := parsePopulate(s.QueryParams.Get("populate")); len(paths) > 0 {
				q = q.Populate(paths...)
			}
			s.Query = q
			s.CountQuery = r.coll.Find(s.Filter)
		case MethodGet:
			q := r.coll.FindID(r.coerceID(s.ID()))
			if proj := parseProjection(s.QueryParams.Get("select")); proj != nil {
				forceIDProjection(proj)
				q = q.Select(proj)
			}
			if paths := parsePopulate(s.QueryParams.Get("populate")); len(paths) > 0 {
				q = q.Populate(paths...)
			}
			s.Query = q
		case MethodPut, MethodPatch, MethodDelete:
			s.Query = r.coll.FindID(r.coerceID(s.ID()))
		}
		return Continue, nil
	}}
}

// forceIDProjection keeps the id field in inclusion projections so a
// narrow select cannot strip document identity. Exclusion
// projections are left alone; adding an inclusion there would make
// the projection invalid.
func forceIDProjection(proj bson.M) {
	for _, v := range proj {
		if v == 1 {
			proj[idField] = 1
			return
		}
	}
}

func (r *Resource) filterOptions() FilterOptions {
	return FilterOptions{
		Schema:       r.schema,
		IDPattern:    r.idPattern,
		StrictFields: r.strictFilter,
	}
}

// coerceID converts a path id into its stored form, preferring an
// object id when the value is valid hex.
func (r *Resource) coerceID(raw string) any {
	if oid, err := primitive.ObjectIDFromHex(raw); err == nil {
		return oid
	}
	return raw
}

func (r *Resource) indexOp(ctx context.Context, s *RequestState) (Signal, error) {
	total := int64(-1)
	if s.CountQuery != nil {
		t, err := s.CountQuery.Count(ctx)
		if err != nil {
			return Halt, errors.Wrap(err, "counting documents")
		}
		total = t
	}

	page := NegotiateRange(total, ParseRangeSpec(s.Request, r.maxRange))
	s.Page = &page

	if page.Status == http.StatusNoContent || page.Status == http.StatusRequestedRangeNotSatisfiable {
		s.Outcome = &Outcome{Status: page.Status, Items: []bson.M{}}
		return Halt, nil
	}

	items, err := s.Query.Skip(page.Skip).Limit(page.Limit).All(ctx)
	if err != nil {
		return Halt, errors.Wrap(err, "finding documents")
	}
	if items == nil {
		items = []bson.M{}
	}

	s.Outcome = &Outcome{Status: page.Status, Items: items}
	return Continue, nil
}

func (r *Resource) getOp(ctx context.Context, s *RequestState) (Signal, error) {
	item, err := s.Query.One(ctx)
	if err != nil {
		return Halt, err
	}
	s.Outcome = &Outcome{Status: http.StatusOK, Item: item}
	return Continue, nil
}

func (r *Resource) postOp(ctx context.Context, s *RequestState) (Signal, error) {
	created, err := r.coll.Insert(ctx, s.Body, s.WriteOptions)
	if err != nil {
		return Halt, err
	}
	s.Outcome = &Outcome{Status: http.StatusCreated, Item: created}
	return Continue, nil
}

func (r *Resource) putOp(ctx context.Context, s *RequestState) (Signal, error) {
	existing, err := s.Query.One(ctx)
	if err != nil {
		return Halt, err
	}

	merged := make(bson.M, len(existing)+len(s.Body))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range s.Body {
		if k == idField || k == r.versionField {
			continue
		}
		merged[k] = v
	}

	saved, err := r.coll.Replace(ctx, existing[idField], merged, s.WriteOptions)
	if err != nil {
		return Halt, err
	}
	s.Outcome = &Outcome{Status: http.StatusOK, Item: saved}
	return Continue, nil
}

func (r *Resource) patchOp(ctx context.Context, s *RequestState) (Signal, error) {
	existing, err := s.Query.One(ctx)
	if err != nil {
		return Halt, err
	}

	patched, perr := ApplyPatch(existing, s.Patch)
	if perr != nil {
		status := http.StatusBadRequest
		if perr.IsTestFailure() {
			status = http.StatusPreconditionFailed
		}
		s.Outcome = &Outcome{Status: status, Item: existing, Err: perr}
		return Halt, nil
	}
	patched[idField] = existing[idField]

	saved, err := r.coll.Replace(ctx, existing[idField], patched, s.WriteOptions)
	if err != nil {
		return Halt, err
	}
	s.Outcome = &Outcome{Status: http.StatusOK, Item: saved}
	return Continue, nil
}

func (r *Resource) deleteOp(ctx context.Context, s *RequestState) (Signal, error) {
	existing, err := s.Query.One(ctx)
	if err != nil {
		return Halt, err
	}

	if s.SkipDelete {
		s.Outcome = &Outcome{Status: http.StatusNoContent, Item: existing}
		return Continue, nil
	}

	if err := r.coll.Remove(ctx, existing[idField], s.WriteOptions); err != nil {
		return Halt, err
	}
	s.Outcome = &Outcome{Status: http.StatusNoContent, Item: existing, Deleted: true}
	return Continue, nil
}

// virtualOp executes the query a virtual's before hook built. A
// virtual with no query set, or one that matches nothing, has nothing
// to serve.
func (r *Resource) virtualOp(ctx context.Context, s *RequestState) (Signal, error) {
	if s.Query == nil {
		return Halt, ErrNotFound
	}
	items, err := s.Query.All(ctx)
	if err != nil {
		return Halt, errors.Wrap(err, "finding documents")
	}
	if len(items) == 0 {
		return Halt, ErrNotFound
	}
	s.Outcome = &Outcome{Status: http.StatusOK, Items: items}
	return Continue, nil
}
