package mangrove

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/evergreen-ci/gimlet"
	"github.com/gorilla/mux"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
)

// defaultVersionField is stripped from put bodies unless overridden.
const defaultVersionField = "__v"

// OpHooks bracket a verb's data operation. Before runs after the
// store queries are built and can replace them; After runs once the
// outcome is set and can reshape it.
type OpHooks struct {
	Before Hook
	After  Hook
}

// MethodConfig is the complete hook configuration for one verb. The
// pipeline runs Before hooks ahead of the data operation and After
// hooks behind it, in slice order, resource-level hooks first.
type MethodConfig struct {
	Before []Hook
	After  []Hook
	Op     OpHooks
}

type virtualDef struct {
	path   string
	before Hook
}

// Resource describes one collection exposed over REST. Configure it
// with the builder methods, then freeze it onto a router with Attach
// or Mount. Configuration after attachment is ignored; the returned
// Routes are safe for concurrent use.
type Resource struct {
	name   string
	route  string
	coll   Collection
	schema *Schema

	methods      []Method
	globalBefore []Hook
	globalAfter  []Hook
	beforeMethod map[Method][]Hook
	afterMethod  map[Method][]Hook
	opHooks      map[Method]OpHooks
	wrappers     map[Method][]func(Hook) Hook
	virtuals     []virtualDef

	maxRange     int64
	versionField string
	fallback     http.Handler
	idPattern    *regexp.Regexp
	strictFilter bool

	built            bool
	pipelines        map[Method][]stage
	virtualPipelines map[string][]stage
}

// New builds a resource for a collection. The route defaults to
// /<name> and all conventional verbs are enabled; narrow with
// Methods or override the route with SetRoute.
func New(name string, coll Collection, sch *Schema) *Resource {
	return &Resource{
		name:         name,
		route:        "/" + name,
		coll:         coll,
		schema:       sch,
		methods:      append([]Method{}, allMethods...),
		beforeMethod: map[Method][]Hook{},
		afterMethod:  map[Method][]Hook{},
		opHooks:      map[Method]OpHooks{},
		wrappers:     map[Method][]func(Hook) Hook{},
		versionField: defaultVersionField,
	}
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Route returns the collection-level route path.
func (r *Resource) Route() string { return r.route }

func (r *Resource) frozen(op string) bool {
	if r.built {
		grip.Warning(message.Fields{
			"message":  "resource is already attached, ignoring configuration",
			"resource": r.name,
			"op":       op,
		})
	}
	return r.built
}

// SetRoute overrides the collection route. Nested routes like
// /list/{listId}/item are supported; path variables resolve through
// the request's path parameters.
func (r *Resource) SetRoute(route string) *Resource {
	if r.frozen("SetRoute") {
		return r
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	r.route = route
	return r
}

// Methods narrows the enabled verb set. Order is preserved for route
// registration.
func (r *Resource) Methods(ms ...Method) *Resource {
	if r.frozen("Methods") {
		return r
	}
	r.methods = append([]Method{}, ms...)
	return r
}

// Before adds hooks that run ahead of every verb's data operation.
func (r *Resource) Before(hooks ...Hook) *Resource {
	if r.frozen("Before") {
		return r
	}
	r.globalBefore = append(r.globalBefore, hooks...)
	return r
}

// After adds hooks that run behind every verb's data operation.
func (r *Resource) After(hooks ...Hook) *Resource {
	if r.frozen("After") {
		return r
	}
	r.globalAfter = append(r.globalAfter, hooks...)
	return r
}

// BeforeMethod adds before hooks for a single verb. They run after
// any resource-level before hooks.
func (r *Resource) BeforeMethod(m Method, hooks ...Hook) *Resource {
	if r.frozen("BeforeMethod") {
		return r
	}
	r.beforeMethod[m] = append(r.beforeMethod[m], hooks...)
	return r
}

// AfterMethod adds after hooks for a single verb. They run after any
// resource-level after hooks.
func (r *Resource) AfterMethod(m Method, hooks ...Hook) *Resource {
	if r.frozen("AfterMethod") {
		return r
	}
	r.afterMethod[m] = append(r.afterMethod[m], hooks...)
	return r
}

// Configure replaces the entire hook configuration for one verb.
func (r *Resource) Configure(m Method, cfg MethodConfig) *Resource {
	if r.frozen("Configure") {
		return r
	}
	r.beforeMethod[m] = append([]Hook{}, cfg.Before...)
	r.afterMethod[m] = append([]Hook{}, cfg.After...)
	r.opHooks[m] = cfg.Op
	return r
}

// SetOpHooks sets the hooks bracketing one verb's data operation.
func (r *Resource) SetOpHooks(m Method, hooks OpHooks) *Resource {
	if r.frozen("SetOpHooks") {
		return r
	}
	r.opHooks[m] = hooks
	return r
}

// WrapMethod wraps a verb's data operation. Wrappers apply in
// registration order, the first registered outermost.
func (r *Resource) WrapMethod(m Method, w func(Hook) Hook) *Resource {
	if r.frozen("WrapMethod") {
		return r
	}
	r.wrappers[m] = append(r.wrappers[m], w)
	return r
}

// Virtual registers a read-only sub-resource under
// <route>/virtual/<path>. The hook must set the state's Query;
// declarations missing a path or hook are skipped.
func (r *Resource) Virtual(path string, before Hook) *Resource {
	if r.frozen("Virtual") {
		return r
	}
	if path == "" || before == nil {
		grip.Warning(message.Fields{
			"message":  "skipping virtual with no path or hook",
			"resource": r.name,
			"path":     path,
		})
		return r
	}
	r.virtuals = append(r.virtuals, virtualDef{path: path, before: before})
	return r
}

// SetMaxRange caps the negotiated page size. Zero means no cap.
func (r *Resource) SetMaxRange(n int64) *Resource {
	if r.frozen("SetMaxRange") {
		return r
	}
	r.maxRange = n
	return r
}

// SetVersionField overrides the bookkeeping field stripped from put
// bodies. The empty string disables stripping.
func (r *Resource) SetVersionField(name string) *Resource {
	if r.frozen("SetVersionField") {
		return r
	}
	r.versionField = name
	return r
}

// SetFallback sets the handler that serves requests a before hook
// marked SkipResource. The default renders the not found shape.
func (r *Resource) SetFallback(h http.Handler) *Resource {
	if r.frozen("SetFallback") {
		return r
	}
	r.fallback = h
	return r
}

// SetIDPattern overrides the field name pattern that triggers object
// id coercion in compiled filters.
func (r *Resource) SetIDPattern(re *regexp.Regexp) *Resource {
	if r.frozen("SetIDPattern") {
		return r
	}
	r.idPattern = re
	return r
}

// StrictFilter drops filters on undeclared fields instead of passing
// them through to the store.
func (r *Resource) StrictFilter() *Resource {
	if r.frozen("StrictFilter") {
		return r
	}
	r.strictFilter = true
	return r
}

// idParam is the path variable item routes bind the document id to.
func (r *Resource) idParam() string {
	return r.name + "Id"
}

func (r *Resource) itemRoute() string {
	return r.route + "/{" + r.idParam() + "}"
}

func (r *Resource) virtualRoute(path string) string {
	return r.route + "/virtual/" + path
}

func (r *Resource) fallbackHandler() http.Handler {
	if r.fallback != nil {
		return r.fallback
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gimlet.WriteJSONResponse(w, http.StatusNotFound, notFoundBody{
			Status: http.StatusNotFound,
			Errors: []string{"Resource not found"},
		})
	})
}

func (r *Resource) methodConfig(m Method) MethodConfig {
	return MethodConfig{
		Before: append(append([]Hook{}, r.globalBefore...), r.beforeMethod[m]...),
		After:  append(append([]Hook{}, r.globalAfter...), r.afterMethod[m]...),
		Op:     r.opHooks[m],
	}
}

// build freezes the configuration into immutable pipelines. After
// this point the resource only reads its fields, so handlers can run
// concurrently without locks.
func (r *Resource) build() {
	if r.built {
		return
	}
	r.built = true

	r.pipelines = map[Method][]stage{}
	for _, m := range r.methods {
		if m == MethodVirtual {
			continue
		}
		r.pipelines[m] = r.buildPipeline(m, r.methodConfig(m))
	}

	r.virtualPipelines = map[string][]stage{}
	for _, v := range r.virtuals {
		cfg := MethodConfig{
			Before: append(append([]Hook{}, r.globalBefore...), v.before),
			After:  append([]Hook{}, r.globalAfter...),
			Op:     r.opHooks[MethodVirtual],
		}
		r.virtualPipelines[v.path] = r.buildPipeline(MethodVirtual, cfg)
	}
}

func (r *Resource) handlerFor(m Method, stages []stage) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s := newRequestState(m, r.idParam(), w, req)
		runPipeline(req.Context(), r.name, stages, s)
		r.respond(s)
	}
}

// Routes holds the frozen handlers for an attached resource. Handles
// are plain http handlers, so they can be exercised directly in
// tests or re-mounted elsewhere.
type Routes struct {
	name     string
	methods  []Method
	handlers map[Method]http.HandlerFunc
	virtuals map[string]http.HandlerFunc
}

// Name returns the resource name the routes serve.
func (rt *Routes) Name() string { return rt.name }

// Methods returns the verbs with registered handlers.
func (rt *Routes) Methods() []Method {
	return append([]Method{}, rt.methods...)
}

// Handler returns the handler for a verb, or nil if the verb is not
// enabled.
func (rt *Routes) Handler(m Method) http.Handler {
	h, ok := rt.handlers[m]
	if !ok {
		return nil
	}
	return h
}

// VirtualHandler returns the handler for a virtual path, or nil.
func (rt *Routes) VirtualHandler(path string) http.Handler {
	h, ok := rt.virtuals[path]
	if !ok {
		return nil
	}
	return h
}

func (r *Resource) routes() *Routes {
	rt := &Routes{
		name:     r.name,
		methods:  append([]Method{}, r.methods...),
		handlers: map[Method]http.HandlerFunc{},
		virtuals: map[string]http.HandlerFunc{},
	}
	for m, stages := range r.pipelines {
		rt.handlers[m] = r.handlerFor(m, stages)
	}
	for path, stages := range r.virtualPipelines {
		rt.virtuals[path] = r.handlerFor(MethodVirtual, stages)
	}
	return rt
}

// Attach freezes the resource and registers its routes on a gimlet
// app.
func (r *Resource) Attach(app *gimlet.APIApp) *Routes {
	r.build()
	rt := r.routes()

	for _, m := range r.methods {
		h, ok := rt.handlers[m]
		if !ok {
			continue
		}
		switch m {
		case MethodIndex, MethodPost:
			app.AddRoute(r.route).Method(m.httpMethod()).Handler(h)
		case MethodGet, MethodPut, MethodPatch, MethodDelete:
			app.AddRoute(r.itemRoute()).Method(m.httpMethod()).Handler(h)
		}
	}
	for _, v := range r.virtuals {
		if h, ok := rt.virtuals[v.path]; ok {
			app.AddRoute(r.virtualRoute(v.path)).Get().Handler(h)
		}
	}

	return rt
}

// Mount freezes the resource and registers its routes on a mux
// router.
func (r *Resource) Mount(root *mux.Router) *Routes {
	r.build()
	rt := r.routes()

	for _, m := range r.methods {
		h, ok := rt.handlers[m]
		if !ok {
			continue
		}
		switch m {
		case MethodIndex, MethodPost:
			root.HandleFunc(r.route, h).Methods(m.httpMethod())
		case MethodGet, MethodPut, MethodPatch, MethodDelete:
			root.HandleFunc(r.itemRoute(), h).Methods(m.httpMethod())
		}
	}
	for _, v := range r.virtuals {
		if h, ok := rt.virtuals[v.path]; ok {
			root.HandleFunc(r.virtualRoute(v.path), h).Methods("GET")
		}
	}

	return rt
}
