package gateway

import (
	"net/url"
	"strconv"
	"strings"
)

// Filter is a single column predicate rendered in PostgREST syntax (col=op.value).
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq matches rows where column equals value.
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

// ILike matches rows where column case-insensitively contains substr.
func ILike(column, substr string) Filter {
	return Filter{Column: column, Op: "ilike", Value: "*" + substr + "*"}
}

// Query describes a table read.
type Query struct {
	Select  string   // column list, "*" when empty
	Filters []Filter // AND-ed together
	AnyOf   []Filter // OR-ed together as one group, AND-ed with Filters
	OrderBy string
	Desc    bool
	Limit   int // 0 means no limit
}

// Values renders q as PostgREST query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	sel := q.Select
	if sel == "" {
		sel = "*"
	}
	v.Set("select", sel)
	for _, f := range q.Filters {
		v.Add(f.Column, f.Op+"."+f.Value)
	}
	if len(q.AnyOf) > 0 {
		parts := make([]string, 0, len(q.AnyOf))
		for _, f := range q.AnyOf {
			parts = append(parts, f.Column+"."+f.Op+"."+quoteValue(f.Value))
		}
		v.Set("or", "("+strings.Join(parts, ",")+")")
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		v.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// quoteValue wraps a value used inside a logical group in double quotes so
// commas, dots and parentheses in free text do not break the grammar.
func quoteValue(s string) string {
	if !strings.ContainsAny(s, `,.:()"\ `) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
