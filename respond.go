package mangrove

import (
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// notFoundBody is the fixed wire shape for missing resources.
type notFoundBody struct {
	Status int      `json:"status"`
	Errors []string `json:"errors"`
}

// errorBody is the wire shape for client and server failures.
type errorBody struct {
	Status  int          `json:"status"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors"`
}

// respond renders the pipeline outcome. It is the single place
// response bodies take shape: hooks and data operations only ever
// set the outcome. If a hook already wrote the response, respond
// does nothing.
func (r *Resource) respond(s *RequestState) {
	if s.Finalized() {
		return
	}

	out := s.Outcome
	if out == nil {
		out = &Outcome{Status: http.StatusNotFound}
	}

	w := s.Writer()
	if s.Method == MethodIndex && s.Page != nil {
		w.Header().Set("Accept-Ranges", rangeUnit)
		w.Header().Set("Content-Range", s.Page.ContentRange())
		if link := s.Page.LinkHeader(s.Request.URL); link != "" {
			w.Header().Set("Link", link)
		}
	}

	if out.Status >= http.StatusInternalServerError {
		grip.Error(message.WrapError(out.Err, message.Fields{
			"message":  "resource operation failed",
			"resource": r.name,
			"method":   s.Method.String(),
			"status":   out.Status,
		}))
	}

	switch {
	case out.Status == http.StatusNotFound:
		gimlet.WriteJSONResponse(w, http.StatusNotFound, notFoundBody{
			Status: http.StatusNotFound,
			Errors: []string{"Resource not found"},
		})
	case out.Status == http.StatusBadRequest || out.Status >= http.StatusInternalServerError:
		gimlet.WriteJSONResponse(w, out.Status, buildErrorBody(out))
	case out.Status == http.StatusNoContent:
		// An empty outcome still answers 200 so clients always get a
		// JSON body: the empty list for index, the empty document
		// otherwise.
		if s.Method == MethodIndex {
			gimlet.WriteJSON(w, []struct{}{})
		} else {
			gimlet.WriteJSON(w, struct{}{})
		}
	case out.Status == http.StatusPreconditionFailed:
		gimlet.WriteJSONResponse(w, out.Status, out.Item)
	default:
		switch {
		case out.Items != nil:
			gimlet.WriteJSONResponse(w, out.Status, out.Items)
		case out.Item != nil:
			gimlet.WriteJSONResponse(w, out.Status, out.Item)
		default:
			gimlet.WriteJSONResponse(w, out.Status, struct{}{})
		}
	}
}

// buildErrorBody reduces an outcome error to the documented error
// shape. Field-level detail survives for validation and patch
// failures; anything else keeps only its message.
func buildErrorBody(out *Outcome) errorBody {
	body := errorBody{Status: out.Status, Errors: []FieldError{}}

	switch cause := errors.Cause(out.Err).(type) {
	case *ValidationError:
		body.Message = cause.Message
		body.Errors = append(body.Errors, cause.Errors...)
	case *PatchError:
		body.Message = cause.Message
		body.Errors = append(body.Errors, cause.FieldError())
	case gimlet.ErrorResponse:
		body.Message = cause.Message
	case nil:
		body.Message = http.StatusText(out.Status)
	default:
		body.Message = out.Err.Error()
	}

	return body
}
