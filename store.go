package mangrove

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// idField is the canonical document identity field for every store
// adapter.
const idField = "_id"

// ErrNotFound is returned by Query.One and by Collection mutations
// when no document matches. Adapters must return it (or wrap it) so
// the pipeline can map a miss to a not found outcome; use
// errors.Cause to unwrap.
var ErrNotFound = errors.New("document not found")

// IsNotFound reports whether an error from a store adapter indicates
// a missing document.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// WriteOptions carries adapter-specific options from hooks to store
// mutations. Raw is opaque to the pipeline; adapters that understand
// it may use it, all others must ignore it.
type WriteOptions struct {
	Raw any
}

// Query is an immutable description of a read against a collection.
// Builder methods return derived queries and never mutate the
// receiver, so a query captured by one hook can be refined by a later
// hook without the two interfering.
type Query interface {
	Filter(bson.M) Query
	Sort(...string) Query
	Skip(int64) Query
	Limit(int64) Query
	Select(bson.M) Query
	Populate(...string) Query
	Clone() Query

	Count(context.Context) (int64, error)
	All(context.Context) ([]bson.M, error)
	One(context.Context) (bson.M, error)
}

// Collection is the document store surface the method pipeline runs
// against. Implementations must be safe for concurrent use.
type Collection interface {
	Name() string
	Find(bson.M) Query
	FindID(any) Query
	Insert(context.Context, bson.M, *WriteOptions) (bson.M, error)
	Replace(context.Context, any, bson.M, *WriteOptions) (bson.M, error)
	Remove(context.Context, any, *WriteOptions) error
}

// FieldError is a single field-level validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ValidationError is returned by store adapters when a write fails
// document validation. The response normalizer renders it as a 400
// with one entry per failed field.
type ValidationError struct {
	Message string
	Errors  []FieldError
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Path, fe.Message))
	}
	return strings.Join(msgs, ", ")
}

// NewValidationError builds a ValidationError with a single field
// failure, for adapters with simple validate hooks.
func NewValidationError(path, name, message string) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf("validation failed: %s", message),
		Errors:  []FieldError{{Path: path, Name: name, Message: message}},
	}
}
