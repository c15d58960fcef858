package mangrove

import (
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// reservedParams are query string keys with pipeline-level meaning.
// The filter compiler never treats them as field filters.
var reservedParams = []string{"limit", "skip", "select", "sort", "populate"}

// filterOperators is the recognized suffix vocabulary for
// field__operator query keys. A suffix outside this set makes the
// whole key a plain field name.
var filterOperators = []string{"regex", "exists", "in", "nin", "eq", "ne", "gt", "gte", "lt", "lte"}

// defaultIDPattern matches the field names whose values coerce to
// object ids.
var defaultIDPattern = regexp.MustCompile(`(^|\.)_id$`)

// regexLiteral splits a /pattern/flags filter value.
var regexLiteral = regexp.MustCompile(`^/(.*)/([a-zA-Z]*)$`)

// FilterOptions configures CompileFilter.
type FilterOptions struct {
	// Schema drives value coercion and the known-field check. With a
	// nil schema values pass through as strings (id coercion still
	// applies) and every field is treated as known.
	Schema *Schema

	// IDPattern overrides the field name pattern that triggers object
	// id coercion. Nil uses the default, which matches _id at any
	// nesting depth.
	IDPattern *regexp.Regexp

	// StrictFields drops filters on undeclared root fields instead of
	// passing them through verbatim.
	StrictFields bool
}

// CompileFilter translates request query parameters into store
// filter criteria, merged over a base filter. Keys follow the
// field__operator convention; keys without a recognized operator
// suffix filter on equality. Values are coerced using the schema's
// declared field types. Fields already present in the base filter are
// owned by whoever built it and are never overwritten.
//
// CompileFilter never fails: unparseable values fall back to
// representations that match nothing or match verbatim, so a
// malformed query produces an empty result set rather than an error.
func CompileFilter(params url.Values, base bson.M, opts FilterOptions) bson.M {
	out := bson.M{}
	for k, v := range base {
		out[k] = v
	}

	idPattern := opts.IDPattern
	if idPattern == nil {
		idPattern = defaultIDPattern
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		values := params[name]
		if len(values) == 0 || utility.StringSliceContains(reservedParams, name) {
			continue
		}

		field, op := splitFilterKey(name)
		if _, ok := base[field]; ok {
			continue
		}

		if opts.Schema != nil && !opts.Schema.Known(field) {
			if opts.StrictFields {
				continue
			}
			if _, ok := base[name]; !ok {
				out[name] = values[0]
			}
			continue
		}

		switch op {
		case "":
			out[field] = coerceValue(field, values[0], true, opts.Schema, idPattern)
		case "regex":
			if re, ok := parseRegexValue(values[0]); ok {
				out[field] = re
			}
		case "exists":
			mergeOperator(out, field, "$exists", values[0] == "true" || values[0] == "1")
		case "in", "nin":
			elems := values
			if len(values) == 1 {
				elems = strings.Split(values[0], ",")
			}
			coerced := make([]any, 0, len(elems))
			for _, e := range elems {
				coerced = append(coerced, coerceValue(field, e, false, opts.Schema, idPattern))
			}
			mergeOperator(out, field, "$"+op, coerced)
		case "ne":
			mergeOperator(out, field, "$ne", coerceValue(field, values[0], true, opts.Schema, idPattern))
		default:
			mergeOperator(out, field, "$"+op, coerceValue(field, values[0], false, opts.Schema, idPattern))
		}
	}

	return out
}

// splitFilterKey separates a query key into field name and operator.
// Only a recognized operator suffix counts; anything else stays part
// of the field name.
func splitFilterKey(name string) (string, string) {
	idx := strings.LastIndex(name, "__")
	if idx <= 0 {
		return name, ""
	}
	op := name[idx+2:]
	if !utility.StringSliceContains(filterOperators, op) {
		return name, ""
	}
	return name[:idx], op
}

// coerceValue converts a raw query string value into the type the
// store should compare against. In equality context (eq and ne) the
// null and boolean literal tokens apply before schema coercion;
// double-quoting a token keeps it a literal string.
func coerceValue(field, raw string, eqContext bool, sch *Schema, idPattern *regexp.Regexp) any {
	if eqContext {
		switch raw {
		case "null":
			return nil
		case "true":
			return true
		case "false":
			return false
		case `"null"`, `"true"`, `"false"`:
			return strings.Trim(raw, `"`)
		}
	}

	if sch != nil {
		if t, ok := sch.TypeOf(field); ok {
			switch t {
			case TypeNumber:
				return coerceNumber(raw)
			case TypeDate:
				return coerceDate(raw)
			case TypeBool:
				return raw == "true"
			case TypeObjectID:
				return coerceObjectID(field, raw)
			}
		}
	}

	if idPattern.MatchString(field) {
		return coerceObjectID(field, raw)
	}

	return raw
}

// intPrefix scans a string for a leading base-10 integer, returning
// the digit run and sign.
func intPrefix(raw string) (string, bool, bool) {
	s := strings.TrimSpace(raw)
	i := 0
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		return "", false, false
	}
	return s[i:j], neg, true
}

// coerceNumber parses the leading integer of a value, ignoring any
// trailing garbage. Values without a leading integer become NaN,
// which matches no documents.
func coerceNumber(raw string) any {
	digits, neg, ok := intPrefix(raw)
	if !ok {
		return math.NaN()
	}
	if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
		if neg {
			return -n
		}
		return n
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return math.NaN()
	}
	if neg {
		return -f
	}
	return f
}

var dateLayouts = []string{"2006-01-02", "2006-01", "2006"}

var allDigits = regexp.MustCompile(`^\d+$`)

// coerceDate tries calendar layouts, then a millisecond epoch, then
// RFC3339. Unparseable values stay raw strings.
func coerceDate(raw string) any {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t
		}
	}
	if allDigits.MatchString(raw) {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return raw
}

// coerceObjectID converts a hex string to an object id, keeping the
// raw string when it does not parse so the clause still compares
// (and matches nothing unless ids really are strings).
func coerceObjectID(field, raw string) any {
	oid, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		grip.Debug(message.WrapError(err, message.Fields{
			"message": "filter value is not an object id",
			"field":   field,
			"value":   raw,
		}))
		return raw
	}
	return oid
}

// parseRegexValue builds the store regex for a filter value. Values
// in /pattern/flags form use their own flags; bare values default to
// case-insensitive. Patterns that do not compile are dropped.
func parseRegexValue(raw string) (primitive.Regex, bool) {
	pattern, flags := raw, "i"
	if m := regexLiteral.FindStringSubmatch(raw); m != nil {
		pattern, flags = m[1], m[2]
	}
	if _, err := regexp.Compile(goRegexFlags(flags) + pattern); err != nil {
		grip.Debug(message.WrapError(err, message.Fields{
			"message": "invalid regex in filter",
			"value":   raw,
		}))
		return primitive.Regex{}, false
	}
	return primitive.Regex{Pattern: pattern, Options: flags}, true
}

// goRegexFlags translates the subset of PCRE flags Go understands
// into an inline flag group for validation.
func goRegexFlags(flags string) string {
	var kept strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			kept.WriteRune(f)
		}
	}
	if kept.Len() == 0 {
		return ""
	}
	return "(?" + kept.String() + ")"
}

// mergeOperator adds an operator clause for a field, merging with any
// operator document already built for it.
func mergeOperator(out bson.M, field, op string, value any) {
	if cur, ok := out[field].(bson.M); ok {
		cur[op] = value
		return
	}
	out[field] = bson.M{op: value}
}

// parseSortSpec converts a sort parameter into store sort keys.
// Fields are separated by spaces or commas and a leading hyphen means
// descending, matching the query builder convention.
func parseSortSpec(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" || f == "-" || f == "+" {
			continue
		}
		out = append(out, strings.TrimPrefix(f, "+"))
	}
	return out
}

// parseProjection converts a select parameter into a store
// projection. A leading hyphen excludes the field; otherwise fields
// are included.
func parseProjection(raw string) bson.M {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return nil
	}
	out := bson.M{}
	for _, f := range fields {
		if f == "" || f == "-" || f == "+" {
			continue
		}
		if strings.HasPrefix(f, "-") {
			out[f[1:]] = 0
		} else {
			out[strings.TrimPrefix(f, "+")] = 1
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parsePopulate splits a populate parameter into reference paths.
func parsePopulate(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
