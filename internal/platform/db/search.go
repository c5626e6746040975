package db

import (
	"fmt"
	"strings"
)

// SearchQuery builds a parameterised SELECT with optional filters, an
// allow-listed ORDER BY and LIMIT/OFFSET. Values are always bound as $n
// arguments; only column names from code reach the SQL text.
type SearchQuery struct {
	from    string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a SearchQuery over from (a table or join expression).
func NewSearchQuery(from, cols string) *SearchQuery {
	return &SearchQuery{from: from, cols: cols, idx: 1}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE fragment (without leading "AND"). The fragment must
// reference its arguments as $Idx(), $Idx()+1, ...
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// Eq adds "column = $n".
func (q *SearchQuery) Eq(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// Gte adds "column >= $n".
func (q *SearchQuery) Gte(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s >= $%d", column, q.idx), value)
}

// Lte adds "column <= $n".
func (q *SearchQuery) Lte(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s <= $%d", column, q.idx), value)
}

// Lt adds "column < $n".
func (q *SearchQuery) Lt(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s < $%d", column, q.idx), value)
}

// Between adds "column BETWEEN $n AND $n+1".
func (q *SearchQuery) Between(column string, lo, hi interface{}) {
	q.Add(fmt.Sprintf("%s BETWEEN $%d AND $%d", column, q.idx, q.idx+1), lo, hi)
}

// Contains adds a case-insensitive substring match of term against any of
// columns. LIKE wildcards inside term are escaped so they match literally.
func (q *SearchQuery) Contains(columns []string, term string) {
	if len(columns) == 0 {
		return
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = fmt.Sprintf("%s ILIKE $%d", col, q.idx)
	}
	q.Add("("+strings.Join(parts, " OR ")+")", "%"+EscapeLike(term)+"%")
}

// Raw adds a fragment that takes no arguments.
func (q *SearchQuery) Raw(clause string) {
	q.where += " AND " + clause
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// ApplySort resolves field through the allowed map (API name -> column). An
// unknown field falls back to defaultField; an order other than "asc"
// (case-insensitive) sorts descending. tieBreak, when set, is appended so
// pages stay stable when the sort column has duplicates.
func (q *SearchQuery) ApplySort(field, order string, allowed map[string]string, defaultField, tieBreak string) {
	col, ok := allowed[field]
	if !ok {
		col = allowed[defaultField]
	}
	dir := "DESC"
	if strings.EqualFold(order, "asc") {
		dir = "ASC"
	}
	q.orderBy = col + " " + dir
	if tieBreak != "" && tieBreak != col {
		q.orderBy += ", " + tieBreak + " ASC"
	}
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.from, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.from, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

// EscapeLike escapes the LIKE metacharacters %, _ and the escape character.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
