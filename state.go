package mangrove

import (
	"net/http"
	"net/url"

	"github.com/evergreen-ci/gimlet"
	"go.mongodb.org/mongo-driver/bson"
)

// Outcome is what a pipeline run decided to respond with. The data
// operation populates it; hooks may inspect or rewrite it before the
// normalizer renders it.
type Outcome struct {
	Status  int
	Item    bson.M
	Items   []bson.M
	Err     error
	Deleted bool
}

// RequestState is the per-request working state threaded through
// every pipeline stage. Its field set is fixed: stages communicate
// through these fields rather than through ad hoc attachments, so a
// hook can rely on what earlier stages produced.
type RequestState struct {
	Method  Method
	Request *http.Request

	// QueryParams and PathParams are decoded once by the parse stage.
	QueryParams url.Values
	PathParams  map[string]string

	// Body holds the decoded document for post and put. Patch holds
	// the decoded operations for patch.
	Body  bson.M
	Patch []PatchOperation

	// Filter is the compiled criteria for index and its count.
	Filter bson.M

	// Query is the read the data operation will execute: the windowed
	// list for index, the single document lookup otherwise. Hooks may
	// replace it. CountQuery is the unwindowed count for index.
	Query      Query
	CountQuery Query

	// Page is the negotiated response window, set during index.
	Page *PageRange

	// WriteOptions is passed through to store mutations.
	WriteOptions *WriteOptions

	// SkipResource diverts the request to the resource's fallback
	// handler after the before hooks. SkipDelete turns the delete
	// data operation into a no-op.
	SkipResource bool
	SkipDelete   bool

	Outcome *Outcome

	idParam string
	writer  *statusWriter
}

func newRequestState(m Method, idParam string, w http.ResponseWriter, r *http.Request) *RequestState {
	return &RequestState{
		Method:      m,
		Request:     r,
		QueryParams: r.URL.Query(),
		PathParams:  gimlet.GetVars(r),
		idParam:     idParam,
		writer:      &statusWriter{ResponseWriter: w},
	}
}

// ID returns the resource id from the request path, or the empty
// string on collection-level routes.
func (s *RequestState) ID() string {
	return s.PathParams[s.idParam]
}

// Writer exposes the response writer so a hook can take over the
// response. Once anything is written through it the normalizer
// stands down.
func (s *RequestState) Writer() http.ResponseWriter {
	return s.writer
}

// Finalized reports whether the response has already been written.
func (s *RequestState) Finalized() bool {
	return s.writer.wrote
}

// statusWriter records whether and with what status the response was
// written, so the pipeline can tell a finished response from a
// pending one.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
