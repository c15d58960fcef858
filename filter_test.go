package mangrove

import (
	"math"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func testSchema() *Schema {
	return NewSchema().
		AddField("age", Field{Type: TypeNumber}).
		AddField("name", Field{Type: TypeString}).
		AddField("status", Field{Type: TypeString}).
		AddField("done", Field{Type: TypeBool}).
		AddField("scheduled", Field{Type: TypeDate}).
		AddField("tags", Field{Type: TypeArray}).
		AddField("author", Field{Type: TypeObject}).
		AddField("parent", Field{Type: TypeObjectID, Ref: "parents"})
}

func compile(t *testing.T, rawQuery string, base bson.M, opts FilterOptions) bson.M {
	t.Helper()
	params, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	return CompileFilter(params, base, opts)
}

func TestCompileFilterEquality(t *testing.T) {
	opts := FilterOptions{Schema: testSchema()}

	t.Run("NumberCoercion", func(t *testing.T) {
		out := compile(t, "age=5", nil, opts)
		assert.Equal(t, bson.M{"age": int64(5)}, out)
	})
	t.Run("NumberPrefixParsing", func(t *testing.T) {
		out := compile(t, "age=5abc", nil, opts)
		assert.Equal(t, bson.M{"age": int64(5)}, out)
	})
	t.Run("NumberGarbageIsNaN", func(t *testing.T) {
		out := compile(t, "age=abc", nil, opts)
		f, ok := out["age"].(float64)
		require.True(t, ok)
		assert.True(t, math.IsNaN(f))
	})
	t.Run("NullToken", func(t *testing.T) {
		out := compile(t, "status=null", nil, opts)
		require.Contains(t, out, "status")
		assert.Nil(t, out["status"])
	})
	t.Run("QuotedNullIsLiteral", func(t *testing.T) {
		out := compile(t, `status="null"`, nil, opts)
		assert.Equal(t, bson.M{"status": "null"}, out)
	})
	t.Run("BoolTokens", func(t *testing.T) {
		assert.Equal(t, bson.M{"status": true}, compile(t, "status=true", nil, opts))
		assert.Equal(t, bson.M{"status": false}, compile(t, "status=false", nil, opts))
		assert.Equal(t, bson.M{"status": "true"}, compile(t, `status="true"`, nil, opts))
	})
	t.Run("DateLayouts", func(t *testing.T) {
		out := compile(t, "scheduled=2021-03-04", nil, opts)
		assert.Equal(t, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC), out["scheduled"])

		out = compile(t, "scheduled=2021-03", nil, opts)
		assert.Equal(t, time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC), out["scheduled"])

		out = compile(t, "scheduled=1600000000000", nil, opts)
		assert.Equal(t, time.UnixMilli(1600000000000).UTC(), out["scheduled"])

		out = compile(t, "scheduled=2021-03-04T05:06:07Z", nil, opts)
		assert.Equal(t, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC), out["scheduled"])
	})
	t.Run("UnparseableDateStaysRaw", func(t *testing.T) {
		out := compile(t, "scheduled=tomorrow", nil, opts)
		assert.Equal(t, bson.M{"scheduled": "tomorrow"}, out)
	})
	t.Run("ObjectIDCoercion", func(t *testing.T) {
		oid := primitive.NewObjectID()
		out := compile(t, "_id="+oid.Hex(), nil, opts)
		assert.Equal(t, bson.M{"_id": oid}, out)
	})
	t.Run("InvalidObjectIDStaysRaw", func(t *testing.T) {
		out := compile(t, "_id=not-hex", nil, opts)
		assert.Equal(t, bson.M{"_id": "not-hex"}, out)
	})
	t.Run("DottedKnownRoot", func(t *testing.T) {
		out := compile(t, "author.name=kim", nil, opts)
		assert.Equal(t, bson.M{"author.name": "kim"}, out)
	})
}

func TestCompileFilterOperators(t *testing.T) {
	opts := FilterOptions{Schema: testSchema()}

	t.Run("Range", func(t *testing.T) {
		out := compile(t, "age__gte=5", nil, opts)
		assert.Equal(t, bson.M{"age": bson.M{"$gte": int64(5)}}, out)
	})
	t.Run("MergesOperatorsPerField", func(t *testing.T) {
		out := compile(t, "age__gte=5&age__lte=9", nil, opts)
		assert.Equal(t, bson.M{"age": bson.M{"$gte": int64(5), "$lte": int64(9)}}, out)
	})
	t.Run("NotEqualHonorsTokens", func(t *testing.T) {
		out := compile(t, "status__ne=null", nil, opts)
		assert.Equal(t, bson.M{"status": bson.M{"$ne": nil}}, out)
	})
	t.Run("InSplitsOnCommas", func(t *testing.T) {
		out := compile(t, "age__in=1,2", nil, opts)
		assert.Equal(t, bson.M{"age": bson.M{"$in": []any{int64(1), int64(2)}}}, out)
	})
	t.Run("NinRepeatedParams", func(t *testing.T) {
		out := compile(t, "name__nin=a&name__nin=b", nil, opts)
		assert.Equal(t, bson.M{"name": bson.M{"$nin": []any{"a", "b"}}}, out)
	})
	t.Run("Exists", func(t *testing.T) {
		out := compile(t, "name__exists=1", nil, opts)
		assert.Equal(t, bson.M{"name": bson.M{"$exists": true}}, out)

		out = compile(t, "name__exists=0", nil, opts)
		assert.Equal(t, bson.M{"name": bson.M{"$exists": false}}, out)
	})
	t.Run("RegexLiteral", func(t *testing.T) {
		out := compile(t, "name__regex=/^ki/m", nil, opts)
		assert.Equal(t, bson.M{"name": primitive.Regex{Pattern: "^ki", Options: "m"}}, out)
	})
	t.Run("BareRegexDefaultsInsensitive", func(t *testing.T) {
		out := compile(t, "name__regex=ki", nil, opts)
		assert.Equal(t, bson.M{"name": primitive.Regex{Pattern: "ki", Options: "i"}}, out)
	})
	t.Run("InvalidRegexDropped", func(t *testing.T) {
		out := compile(t, "name__regex=/(/", nil, opts)
		assert.Empty(t, out)
	})
	t.Run("UnknownSuffixIsFieldName", func(t *testing.T) {
		out := compile(t, "name__foo=1", nil, opts)
		assert.Equal(t, bson.M{"name__foo": "1"}, out)
	})
}

func TestCompileFilterFieldHandling(t *testing.T) {
	t.Run("ReservedParamsSkipped", func(t *testing.T) {
		out := compile(t, "limit=5&skip=2&sort=age&select=name&populate=parent", nil, FilterOptions{Schema: testSchema()})
		assert.Empty(t, out)
	})
	t.Run("UnknownFieldPassesThrough", func(t *testing.T) {
		out := compile(t, "shoe=11", nil, FilterOptions{Schema: testSchema()})
		assert.Equal(t, bson.M{"shoe": "11"}, out)
	})
	t.Run("StrictDropsUnknownFields", func(t *testing.T) {
		out := compile(t, "shoe=11&age=4", nil, FilterOptions{Schema: testSchema(), StrictFields: true})
		assert.Equal(t, bson.M{"age": int64(4)}, out)
	})
	t.Run("NilSchemaSkipsCoercion", func(t *testing.T) {
		out := compile(t, "age=5", nil, FilterOptions{})
		assert.Equal(t, bson.M{"age": "5"}, out)
	})
	t.Run("BaseFilterIsNeverOverwritten", func(t *testing.T) {
		base := bson.M{"age": int64(1)}
		out := compile(t, "age=9&age__gt=2&name=x", base, FilterOptions{Schema: testSchema()})
		assert.Equal(t, bson.M{"age": int64(1), "name": "x"}, out)
		assert.Equal(t, bson.M{"age": int64(1)}, base)
	})
	t.Run("NeverErrors", func(t *testing.T) {
		out := compile(t, "age__in=&name__regex=/(/&scheduled=garbage&_id=zz", nil, FilterOptions{Schema: testSchema()})
		assert.NotNil(t, out)
	})
}

func TestQueryParamParsers(t *testing.T) {
	t.Run("SortSpec", func(t *testing.T) {
		assert.Equal(t, []string{"-age", "name"}, parseSortSpec("-age name"))
		assert.Equal(t, []string{"-age", "name"}, parseSortSpec("-age,name"))
		assert.Equal(t, []string{"age"}, parseSortSpec("+age"))
		assert.Empty(t, parseSortSpec(""))
	})
	t.Run("Projection", func(t *testing.T) {
		assert.Equal(t, bson.M{"name": 1, "age": 1}, parseProjection("name age"))
		assert.Equal(t, bson.M{"name": 0}, parseProjection("-name"))
		assert.Nil(t, parseProjection(""))
	})
	t.Run("Populate", func(t *testing.T) {
		assert.Equal(t, []string{"parent", "author"}, parsePopulate("parent,author"))
		assert.Empty(t, parsePopulate(""))
	})
}
