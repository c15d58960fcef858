package mangrove

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/evergreen-ci/utility"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Patch failure reason codes. These are stable identifiers carried in
// error payloads; clients match on them rather than on message text.
const (
	PatchOpInvalid         = "OPERATION_OP_INVALID"
	PatchNotAnObject       = "OPERATION_NOT_AN_OBJECT"
	PatchPathInvalid       = "OPERATION_PATH_INVALID"
	PatchFromRequired      = "OPERATION_FROM_REQUIRED"
	PatchValueRequired     = "OPERATION_VALUE_REQUIRED"
	PatchPathUnresolvable  = "OPERATION_PATH_UNRESOLVABLE"
	PatchFromUnresolvable  = "OPERATION_FROM_UNRESOLVABLE"
	PatchIllegalArrayIndex = "OPERATION_PATH_ILLEGAL_ARRAY_INDEX"
	PatchValueOutOfBounds  = "OPERATION_VALUE_OUT_OF_BOUNDS"
	PatchTestFailed        = "TEST_OPERATION_FAILED"
)

var patchOps = []string{"add", "remove", "replace", "move", "copy", "test"}

// PatchOperation is a single RFC 6902 operation. Path is a pointer so
// an absent path (invalid) is distinguishable from the empty path
// (the document root); build paths with utility.ToStringPtr.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  *string         `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchError describes why a patch could not be applied. Test
// failures use code TEST_OPERATION_FAILED and map to a precondition
// failure; every other code is a structural violation of the patch
// itself.
type PatchError struct {
	Code      string
	Index     int
	Operation PatchOperation
	Message   string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s: %s (operation %d)", e.Code, e.Message, e.Index)
}

// IsTestFailure reports whether the error is a failed test operation
// rather than a malformed patch.
func (e *PatchError) IsTestFailure() bool {
	return e.Code == PatchTestFailed
}

// FieldError renders the patch failure in the field error shape used
// by error response bodies.
func (e *PatchError) FieldError() FieldError {
	path := ""
	if e.Operation.Path != nil {
		path = *e.Operation.Path
	}
	return FieldError{Path: path, Name: e.Code, Message: e.Message}
}

func newPatchError(code, format string, args ...any) *PatchError {
	return &PatchError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ApplyPatch applies an RFC 6902 patch to a document and returns the
// result. Application is atomic: operations run in order against a
// deep copy, and the first failure abandons the copy, so the input
// document is never observed half-patched. Operations are validated
// as they apply; a nil PatchError means every operation succeeded.
func ApplyPatch(doc bson.M, ops []PatchOperation) (bson.M, *PatchError) {
	work := deepCopyValue(doc)

	for i, op := range ops {
		next, perr := applyOne(work, op)
		if perr != nil {
			perr.Index = i
			perr.Operation = op
			return nil, perr
		}
		work = next
	}

	m, ok := asMap(work)
	if !ok {
		perr := newPatchError(PatchNotAnObject, "patched document is not an object")
		perr.Index = len(ops) - 1
		if len(ops) > 0 {
			perr.Operation = ops[len(ops)-1]
		}
		return nil, perr
	}
	return bson.M(m), nil
}

func applyOne(work any, op PatchOperation) (any, *PatchError) {
	if !utility.StringSliceContains(patchOps, op.Op) {
		return nil, newPatchError(PatchOpInvalid, "op '%s' is not a valid operation", op.Op)
	}
	if op.Path == nil {
		return nil, newPatchError(PatchPathInvalid, "operation is missing its path")
	}
	tokens, ok := parsePointer(*op.Path)
	if !ok {
		return nil, newPatchError(PatchPathInvalid, "path '%s' is not a valid JSON pointer", *op.Path)
	}

	switch op.Op {
	case "add", "replace", "test":
		if op.Value == nil {
			return nil, newPatchError(PatchValueRequired, "operation '%s' requires a value", op.Op)
		}
		var v any
		if err := json.Unmarshal(op.Value, &v); err != nil {
			return nil, newPatchError(PatchValueRequired, "operation value is not valid JSON")
		}
		switch op.Op {
		case "add":
			return addAtPath(work, tokens, v)
		case "replace":
			return replaceAtPath(work, tokens, v)
		default:
			cur, perr := getAtPath(work, tokens)
			if perr != nil {
				return nil, perr
			}
			if !jsonEqual(cur, v) {
				return nil, newPatchError(PatchTestFailed, "test of path '%s' failed", *op.Path)
			}
			return work, nil
		}
	case "remove":
		next, _, perr := removeAtPath(work, tokens)
		return next, perr
	case "move", "copy":
		if op.From == "" {
			return nil, newPatchError(PatchFromRequired, "operation '%s' requires a from path", op.Op)
		}
		fromTokens, ok := parsePointer(op.From)
		if !ok {
			return nil, newPatchError(PatchFromRequired, "from '%s' is not a valid JSON pointer", op.From)
		}
		if op.Op == "copy" {
			v, perr := getAtPath(work, fromTokens)
			if perr != nil {
				return nil, relabelFrom(perr)
			}
			return addAtPath(work, tokens, deepCopyValue(v))
		}
		if op.From == *op.Path {
			return work, nil
		}
		next, removed, perr := removeAtPath(work, fromTokens)
		if perr != nil {
			return nil, relabelFrom(perr)
		}
		return addAtPath(next, tokens, removed)
	}
	return work, nil
}

// relabelFrom converts path resolution codes into their from-side
// equivalents for move and copy sources.
func relabelFrom(perr *PatchError) *PatchError {
	if perr.Code == PatchPathUnresolvable {
		perr.Code = PatchFromUnresolvable
	}
	return perr
}

// parsePointer splits an RFC 6901 JSON pointer into reference tokens.
// The empty pointer addresses the document root.
func parsePointer(p string) ([]string, bool) {
	if p == "" {
		return nil, true
	}
	if !strings.HasPrefix(p, "/") {
		return nil, false
	}
	parts := strings.Split(p[1:], "/")
	for i := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(parts[i], "~1", "/"), "~0", "~")
	}
	return parts, true
}

// arrayAccessIndex parses a token addressing an existing array
// element.
func arrayAccessIndex(tok string, length int) (int, *PatchError) {
	idx, perr := arrayToken(tok)
	if perr != nil {
		return 0, perr
	}
	if idx >= length {
		return 0, newPatchError(PatchPathUnresolvable, "array index %d is past the end of the array", idx)
	}
	return idx, nil
}

// arrayInsertIndex parses a token addressing an insertion point,
// where an index equal to the length appends.
func arrayInsertIndex(tok string, length int) (int, *PatchError) {
	idx, perr := arrayToken(tok)
	if perr != nil {
		return 0, perr
	}
	if idx > length {
		return 0, newPatchError(PatchValueOutOfBounds, "array index %d is out of bounds", idx)
	}
	return idx, nil
}

func arrayToken(tok string) (int, *PatchError) {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, newPatchError(PatchIllegalArrayIndex, "'%s' is not a valid array index", tok)
	}
	idx := 0
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, newPatchError(PatchIllegalArrayIndex, "'%s' is not a valid array index", tok)
		}
		idx = idx*10 + int(c-'0')
	}
	return idx, nil
}

func getAtPath(node any, tokens []string) (any, *PatchError) {
	for _, tok := range tokens {
		if m, ok := asMap(node); ok {
			child, ok := m[tok]
			if !ok {
				return nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not exist", tok)
			}
			node = child
			continue
		}
		if s, ok := asSlice(node); ok {
			idx, perr := arrayAccessIndex(tok, len(s))
			if perr != nil {
				return nil, perr
			}
			node = s[idx]
			continue
		}
		return nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not address a container", tok)
	}
	return node, nil
}

func addAtPath(node any, tokens []string, v any) (any, *PatchError) {
	if len(tokens) == 0 {
		return v, nil
	}
	tok := tokens[0]
	if m, ok := asMap(node); ok {
		if len(tokens) == 1 {
			m[tok] = v
			return node, nil
		}
		child, ok := m[tok]
		if !ok {
			return nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not exist", tok)
		}
		next, perr := addAtPath(child, tokens[1:], v)
		if perr != nil {
			return nil, perr
		}
		m[tok] = next
		return node, nil
	}
	if s, ok := asSlice(node); ok {
		if len(tokens) == 1 {
			if tok == "-" {
				return append(s, v), nil
			}
			idx, perr := arrayInsertIndex(tok, len(s))
			if perr != nil {
				return nil, perr
			}
			s = append(s, nil)
			copy(s[idx+1:], s[idx:])
			s[idx] = v
			return s, nil
		}
		idx, perr := arrayAccessIndex(tok, len(s))
		if perr != nil {
			return nil, perr
		}
		next, perr := addAtPath(s[idx], tokens[1:], v)
		if perr != nil {
			return nil, perr
		}
		s[idx] = next
		return node, nil
	}
	return nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not address a container", tok)
}

func replaceAtPath(node any, tokens []string, v any) (any, *PatchError) {
	if len(tokens) == 0 {
		return v, nil
	}
	tok := tokens[0]
	if m, ok := asMap(node); ok {
		if _, ok := m[tok]; !ok {
			return nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not exist", tok)
		}
		if len(tokens) == 1 {
			m[tok] = v
			return node, nil
		}
		next, perr := replaceAtPath(m[tok], tokens[1:], v)
		if perr != nil {
			return nil, perr
		}
		m[tok] = next
		return node, nil
	}
	if s, ok := asSlice(node); ok {
		idx, perr := arrayAccessIndex(tok, len(s))
		if perr != nil {
			return nil, perr
		}
		if len(tokens) == 1 {
			s[idx] = v
			return node, nil
		}
		next, perr := replaceAtPath(s[idx], tokens[1:], v)
		if perr != nil {
			return nil, perr
		}
		s[idx] = next
		return node, nil
	}
	return nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not address a container", tok)
}

func removeAtPath(node any, tokens []string) (any, any, *PatchError) {
	if len(tokens) == 0 {
		return nil, nil, newPatchError(PatchPathUnresolvable, "cannot remove the document root")
	}
	tok := tokens[0]
	if m, ok := asMap(node); ok {
		child, ok := m[tok]
		if !ok {
			return nil, nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not exist", tok)
		}
		if len(tokens) == 1 {
			delete(m, tok)
			return node, child, nil
		}
		next, removed, perr := removeAtPath(child, tokens[1:])
		if perr != nil {
			return nil, nil, perr
		}
		m[tok] = next
		return node, removed, nil
	}
	if s, ok := asSlice(node); ok {
		idx, perr := arrayAccessIndex(tok, len(s))
		if perr != nil {
			return nil, nil, perr
		}
		if len(tokens) == 1 {
			removed := s[idx]
			return append(s[:idx], s[idx+1:]...), removed, nil
		}
		next, removed, perr := removeAtPath(s[idx], tokens[1:])
		if perr != nil {
			return nil, nil, perr
		}
		s[idx] = next
		return node, removed, nil
	}
	return nil, nil, newPatchError(PatchPathUnresolvable, "path segment '%s' does not address a container", tok)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case primitive.A:
		return s, true
	}
	return nil, false
}

// deepCopyValue copies a document value so patches never touch the
// original. Maps normalize to bson.M and slices to []any; scalars,
// including times and object ids, copy by value.
func deepCopyValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return copyMap(t)
	case map[string]any:
		return copyMap(t)
	case primitive.D:
		out := bson.M{}
		for _, e := range t {
			out[e.Key] = deepCopyValue(e.Value)
		}
		return out
	case []any:
		return copySlice(t)
	case primitive.A:
		return copySlice(t)
	case []bson.M:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = deepCopyValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func copyMap(m map[string]any) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func copySlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = deepCopyValue(v)
	}
	return out
}

// jsonEqual compares two values by canonical JSON rendering, so
// numeric representations that encode identically compare equal.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
