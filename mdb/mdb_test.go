package mdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestSortDoc(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "age", Value: -1}, {Key: "name", Value: 1}}, sortDoc([]string{"-age", "name"}))
	assert.Equal(t, bson.D{{Key: "age", Value: 1}}, sortDoc([]string{"age"}))
	assert.Empty(t, sortDoc(nil))
}

func TestOrEmpty(t *testing.T) {
	assert.Equal(t, bson.M{}, orEmpty(nil))

	f := bson.M{"a": 1}
	assert.Equal(t, f, orEmpty(f))
}

func TestNormalizeDoc(t *testing.T) {
	when := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	doc := bson.M{
		"nested": primitive.D{
			{Key: "list", Value: primitive.A{primitive.D{{Key: "deep", Value: int32(1)}}, "flat"}},
		},
		"when":  primitive.DateTime(when.UnixMilli()),
		"plain": "kept",
	}

	out := normalizeDoc(doc)

	nested, ok := out["nested"].(bson.M)
	require.True(t, ok, "embedded documents decode to bson.M")
	list, ok := nested["list"].([]any)
	require.True(t, ok, "embedded arrays decode to []any")
	require.Len(t, list, 2)
	deep, ok := list[0].(bson.M)
	require.True(t, ok)
	assert.Equal(t, int32(1), deep["deep"])
	assert.Equal(t, "flat", list[1])

	assert.Equal(t, when, out["when"])
	assert.Equal(t, "kept", out["plain"])
}

func TestQueryBuildersCopyTheReceiver(t *testing.T) {
	c := &Collection{name: "things"}
	base := c.Find(bson.M{"a": 1})

	derived := base.Skip(5).Limit(3).Sort("-age").Select(bson.M{"a": 1}).Populate("ref")

	bq, ok := base.(query)
	require.True(t, ok)
	assert.EqualValues(t, 0, bq.skip)
	assert.EqualValues(t, -1, bq.limit)
	assert.Empty(t, bq.sortKeys)
	assert.Nil(t, bq.projection)
	assert.Empty(t, bq.populate)

	dq, ok := derived.(query)
	require.True(t, ok)
	assert.EqualValues(t, 5, dq.skip)
	assert.EqualValues(t, 3, dq.limit)
	assert.Equal(t, []string{"-age"}, dq.sortKeys)
	assert.Equal(t, []string{"ref"}, dq.populate)

	iq, ok := c.FindID("x").(query)
	require.True(t, ok)
	assert.Equal(t, bson.M{"_id": "x"}, iq.filter)
}
