package mangrove

import (
	"context"
	"net/http"

	"github.com/evergreen-ci/gimlet"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
)

// stage is one named step of a verb's pipeline.
type stage struct {
	name string
	run  Hook
}

// runPipeline drives the stages for one request. The loop is the
// whole control flow: a stage that returns Halt ends the run, a stage
// that returns an error converts it to the outcome and ends the run,
// and a panic anywhere inside a stage becomes a client-level failure
// rather than taking down the server. Response rendering happens
// afterward, outside the pipeline.
func runPipeline(ctx context.Context, name string, stages []stage, st *RequestState) {
	defer func() {
		if err := recovery.HandlePanicWithError(recover(), nil, "resource pipeline"); err != nil {
			grip.Error(message.WrapError(err, message.Fields{
				"message":  "panic in resource pipeline",
				"resource": name,
				"method":   st.Method.String(),
			}))
			st.Outcome = &Outcome{Status: http.StatusBadRequest, Err: err}
		}
	}()

	for _, sg := range stages {
		sig, err := sg.run(ctx, st)
		if err != nil {
			grip.Debug(message.WrapError(err, message.Fields{
				"message":  "resource pipeline stage failed",
				"resource": name,
				"method":   st.Method.String(),
				"stage":    sg.name,
			}))
			st.Outcome = outcomeForError(err)
			return
		}
		if sig == Halt {
			return
		}
	}
}

// outcomeForError maps an error from a stage or store onto the
// outcome the normalizer should render. Unrecognized errors are
// treated as client-level failures; nothing a stage returns escapes
// as a server crash.
func outcomeForError(err error) *Outcome {
	if IsNotFound(err) {
		return &Outcome{Status: http.StatusNotFound, Err: err}
	}
	switch cause := errors.Cause(err).(type) {
	case *ValidationError:
		return &Outcome{Status: http.StatusBadRequest, Err: cause}
	case *PatchError:
		if cause.IsTestFailure() {
			return &Outcome{Status: http.StatusPreconditionFailed, Err: cause}
		}
		return &Outcome{Status: http.StatusBadRequest, Err: cause}
	case gimlet.ErrorResponse:
		if cause.StatusCode == 0 {
			cause.StatusCode = http.StatusBadRequest
		}
		return &Outcome{Status: cause.StatusCode, Err: cause}
	case *gimlet.ErrorResponse:
		if cause.StatusCode == 0 {
			cause.StatusCode = http.StatusBadRequest
		}
		return &Outcome{Status: cause.StatusCode, Err: *cause}
	default:
		return &Outcome{Status: http.StatusBadRequest, Err: err}
	}
}
