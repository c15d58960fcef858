package mangrove

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// defaultPageLimit is the window size used when a request specifies
// none.
const defaultPageLimit = 10

// rangeUnit is the accepted Range header unit.
const rangeUnit = "items"

var rangeHeaderPattern = regexp.MustCompile(`^items[= ](\d+)-(\d+)$`)

// RangeSpec is the raw paging input extracted from a request before
// negotiation.
type RangeSpec struct {
	// Skip and Limit come from the query string, already defaulted.
	Skip  int64
	Limit int64
	// Header is the raw Range header, which wins over Skip and Limit
	// when it parses.
	Header string
	// MaxSize caps the negotiated window when positive.
	MaxSize int64
}

// ParseRangeSpec extracts paging parameters from a request. Negative
// or non-numeric skip and limit values reset to their defaults (zero
// and ten).
func ParseRangeSpec(r *http.Request, maxSize int64) RangeSpec {
	q := r.URL.Query()
	return RangeSpec{
		Skip:    parseIntParam(q.Get("skip"), 0),
		Limit:   parseIntParam(q.Get("limit"), defaultPageLimit),
		Header:  r.Header.Get("Range"),
		MaxSize: maxSize,
	}
}

// parseIntParam parses a paging parameter, falling back to the
// default for anything that is not a nonnegative integer prefix.
func parseIntParam(raw string, def int64) int64 {
	digits, neg, ok := intPrefix(raw)
	if !ok || neg {
		return def
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// PageRange is a negotiated response window. Status is the HTTP
// status pagination calls for: 200 when the window covers the whole
// result set, 206 for a partial window, 204 for an empty set, and 416
// for an unsatisfiable request. Total is -1 when the result set size
// is unknown.
type PageRange struct {
	Status int
	From   int64
	To     int64
	Skip   int64
	Limit  int64
	Total  int64
}

// NegotiateRange reconciles the requested window against the result
// set size. A total below zero means the size is unknown, which
// disables the upper clamp and forces partial-content status.
func NegotiateRange(total int64, spec RangeSpec) PageRange {
	from, to := spec.Skip, spec.Skip+spec.Limit-1
	if m := rangeHeaderPattern.FindStringSubmatch(strings.TrimSpace(spec.Header)); m != nil {
		from, _ = strconv.ParseInt(m[1], 10, 64)
		to, _ = strconv.ParseInt(m[2], 10, 64)
	}

	p := PageRange{From: from, To: to, Skip: from, Total: total}

	if total == 0 {
		p.Status = http.StatusNoContent
		return p
	}
	if from > to || (total >= 0 && from >= total) {
		p.Status = http.StatusRequestedRangeNotSatisfiable
		return p
	}

	if total >= 0 && to > total-1 {
		to = total - 1
	}
	if spec.MaxSize > 0 && to-from+1 > spec.MaxSize {
		to = from + spec.MaxSize - 1
	}

	p.To = to
	p.Limit = to - from + 1
	if p.Limit <= 0 {
		p.Status = http.StatusNoContent
		p.Total = 0
		return p
	}
	if total < 0 || p.Limit < total {
		p.Status = http.StatusPartialContent
	} else {
		p.Status = http.StatusOK
	}
	return p
}

// ContentRange renders the Content-Range header for the window. An
// unknown total renders as *.
func (p PageRange) ContentRange() string {
	totalStr := "*"
	if p.Total >= 0 {
		totalStr = strconv.FormatInt(p.Total, 10)
	}
	switch p.Status {
	case http.StatusNoContent, http.StatusRequestedRangeNotSatisfiable:
		return "*/" + totalStr
	default:
		return fmt.Sprintf("%d-%d/%s", p.From, p.To, totalStr)
	}
}

// LinkHeader renders pagination links for the window against the
// request URL, preserving its other query parameters. Relations that
// do not apply are omitted: no first or prev on the first window, no
// next or last on the final one or when the total is unknown (next
// alone survives an unknown total).
func (p PageRange) LinkHeader(u *url.URL) string {
	if (p.Status != http.StatusOK && p.Status != http.StatusPartialContent) || p.Limit <= 0 {
		return ""
	}

	var links []string
	add := func(rel string, skip int64) {
		ref := *u
		q := ref.Query()
		q.Set("skip", strconv.FormatInt(skip, 10))
		q.Set("limit", strconv.FormatInt(p.Limit, 10))
		ref.RawQuery = q.Encode()
		links = append(links, fmt.Sprintf("<%s>; rel=%q", ref.String(), rel))
	}

	if p.From > 0 {
		add("first", 0)
		prev := p.From - p.Limit
		if prev < 0 {
			prev = 0
		}
		add("prev", prev)
	}
	if p.Total < 0 {
		add("next", p.From+p.Limit)
	} else if p.To < p.Total-1 {
		add("next", p.From+p.Limit)
		last := p.From + ((p.Total-1-p.From)/p.Limit)*p.Limit
		add("last", last)
	}

	return strings.Join(links, ", ")
}
