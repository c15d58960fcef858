package mangrove

import (
	"encoding/json"
	"testing"

	"github.com/evergreen-ci/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func patchOp(op, path string, value string) PatchOperation {
	p := PatchOperation{Op: op, Path: utility.ToStringPtr(path)}
	if value != "" {
		p.Value = json.RawMessage(value)
	}
	return p
}

func movePatchOp(op, from, path string) PatchOperation {
	return PatchOperation{Op: op, Path: utility.ToStringPtr(path), From: from}
}

func docJSON(t *testing.T, doc bson.M) string {
	t.Helper()
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(out)
}

func TestApplyPatchOperations(t *testing.T) {
	t.Run("AddObjectMember", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": "one"}, []PatchOperation{
			patchOp("add", "/b", `"two"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"a":"one","b":"two"}`, docJSON(t, out))
	})
	t.Run("AddReplacesExistingMember", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": "one"}, []PatchOperation{
			patchOp("add", "/a", `"two"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"a":"two"}`, docJSON(t, out))
	})
	t.Run("AddAtRootReplacesDocument", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": "one"}, []PatchOperation{
			patchOp("add", "", `{"z":1}`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"z":1}`, docJSON(t, out))
	})
	t.Run("ArrayInsertShiftsElements", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"l": []any{"a", "b", "c"}}, []PatchOperation{
			patchOp("add", "/l/1", `"x"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"l":["a","x","b","c"]}`, docJSON(t, out))
	})
	t.Run("ArrayDashAppends", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"l": []any{"a", "b"}}, []PatchOperation{
			patchOp("add", "/l/-", `"c"`),
			patchOp("add", "/l/2", `"x"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"l":["a","b","x","c"]}`, docJSON(t, out))
	})
	t.Run("RemoveMemberAndElement", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": "one", "l": []any{"x", "y", "z"}}, []PatchOperation{
			patchOp("remove", "/a", ""),
			patchOp("remove", "/l/1", ""),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"l":["x","z"]}`, docJSON(t, out))
	})
	t.Run("ReplaceNestedValue", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": bson.M{"b": "one"}}, []PatchOperation{
			patchOp("replace", "/a/b", `"two"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"a":{"b":"two"}}`, docJSON(t, out))
	})
	t.Run("MoveReparentsValue", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": "one", "b": bson.M{}}, []PatchOperation{
			movePatchOp("move", "/a", "/b/a"),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"b":{"a":"one"}}`, docJSON(t, out))
	})
	t.Run("MoveOntoItselfIsANoop", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": "one"}, []PatchOperation{
			movePatchOp("move", "/a", "/a"),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"a":"one"}`, docJSON(t, out))
	})
	t.Run("CopyMakesAnIndependentSubtree", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a": bson.M{"x": "1"}}, []PatchOperation{
			movePatchOp("copy", "/a", "/b"),
			patchOp("replace", "/b/x", `"2"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"a":{"x":"1"},"b":{"x":"2"}}`, docJSON(t, out))
	})
	t.Run("TestPassesOnCanonicalEquality", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"count": int64(5)}, []PatchOperation{
			patchOp("test", "/count", `5`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"count":5}`, docJSON(t, out))
	})
	t.Run("PointerEscapes", func(t *testing.T) {
		out, perr := ApplyPatch(bson.M{"a/b": "one", "m~n": "two"}, []PatchOperation{
			patchOp("replace", "/a~1b", `"three"`),
			patchOp("test", "/m~0n", `"two"`),
		})
		require.Nil(t, perr)
		assert.JSONEq(t, `{"a/b":"three","m~n":"two"}`, docJSON(t, out))
	})
}

func TestApplyPatchFailures(t *testing.T) {
	for name, tc := range map[string]struct {
		doc  bson.M
		ops  []PatchOperation
		code string
	}{
		"UnknownOp": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("frobnicate", "/a", `1`)},
			code: PatchOpInvalid,
		},
		"MissingPath": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{{Op: "remove"}},
			code: PatchPathInvalid,
		},
		"RelativePath": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("remove", "a", "")},
			code: PatchPathInvalid,
		},
		"AddWithoutValue": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("add", "/b", "")},
			code: PatchValueRequired,
		},
		"MoveWithoutFrom": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("move", "/b", "")},
			code: PatchFromRequired,
		},
		"RemoveMissingMember": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("remove", "/z", "")},
			code: PatchPathUnresolvable,
		},
		"ReplaceMissingMember": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("replace", "/z", `1`)},
			code: PatchPathUnresolvable,
		},
		"AddThroughMissingParent": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("add", "/x/y", `1`)},
			code: PatchPathUnresolvable,
		},
		"MoveFromMissingSource": {
			doc:  bson.M{"a": "one", "b": bson.M{}},
			ops:  []PatchOperation{movePatchOp("move", "/z", "/b/z")},
			code: PatchFromUnresolvable,
		},
		"CopyFromMissingSource": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{movePatchOp("copy", "/z", "/b")},
			code: PatchFromUnresolvable,
		},
		"ArrayIndexPastEnd": {
			doc:  bson.M{"l": []any{"a"}},
			ops:  []PatchOperation{patchOp("replace", "/l/4", `1`)},
			code: PatchPathUnresolvable,
		},
		"ArrayInsertOutOfBounds": {
			doc:  bson.M{"l": []any{"a"}},
			ops:  []PatchOperation{patchOp("add", "/l/4", `1`)},
			code: PatchValueOutOfBounds,
		},
		"LeadingZeroIndex": {
			doc:  bson.M{"l": []any{"a", "b"}},
			ops:  []PatchOperation{patchOp("add", "/l/01", `1`)},
			code: PatchIllegalArrayIndex,
		},
		"NonNumericIndex": {
			doc:  bson.M{"l": []any{"a", "b"}},
			ops:  []PatchOperation{patchOp("remove", "/l/x", "")},
			code: PatchIllegalArrayIndex,
		},
		"TestOnMissingPath": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("test", "/z", `1`)},
			code: PatchPathUnresolvable,
		},
		"TestValueMismatch": {
			doc:  bson.M{"count": int64(5)},
			ops:  []PatchOperation{patchOp("test", "/count", `6`)},
			code: PatchTestFailed,
		},
		"RootReplacedWithScalar": {
			doc:  bson.M{"a": "one"},
			ops:  []PatchOperation{patchOp("replace", "", `5`)},
			code: PatchNotAnObject,
		},
	} {
		t.Run(name, func(t *testing.T) {
			out, perr := ApplyPatch(tc.doc, tc.ops)
			assert.Nil(t, out)
			require.NotNil(t, perr)
			assert.Equal(t, tc.code, perr.Code)
			assert.Equal(t, perr.Code == PatchTestFailed, perr.IsTestFailure())
		})
	}
}

func TestApplyPatchAtomicity(t *testing.T) {
	doc := bson.M{"a": "one", "l": []any{"x", "y"}}

	out, perr := ApplyPatch(doc, []PatchOperation{
		patchOp("replace", "/a", `"changed"`),
		patchOp("remove", "/missing", ""),
	})
	require.NotNil(t, perr)
	assert.Nil(t, out)
	assert.Equal(t, PatchPathUnresolvable, perr.Code)
	assert.Equal(t, 1, perr.Index)
	assert.Equal(t, "remove", perr.Operation.Op)
	assert.Equal(t, bson.M{"a": "one", "l": []any{"x", "y"}}, doc)

	out, perr = ApplyPatch(doc, []PatchOperation{
		patchOp("replace", "/a", `"changed"`),
		patchOp("add", "/l/-", `"z"`),
	})
	require.Nil(t, perr)
	assert.JSONEq(t, `{"a":"changed","l":["x","y","z"]}`, docJSON(t, out))
	assert.Equal(t, bson.M{"a": "one", "l": []any{"x", "y"}}, doc)
}

func TestPatchErrorRendering(t *testing.T) {
	_, perr := ApplyPatch(bson.M{"a": "one"}, []PatchOperation{
		patchOp("remove", "/z", ""),
	})
	require.NotNil(t, perr)

	fe := perr.FieldError()
	assert.Equal(t, "/z", fe.Path)
	assert.Equal(t, PatchPathUnresolvable, fe.Name)
	assert.NotEmpty(t, fe.Message)
	assert.Contains(t, perr.Error(), PatchPathUnresolvable)
}
