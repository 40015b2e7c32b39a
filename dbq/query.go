// Package dbq provides asynchronously executed database statements and
// transactions for the event loop.
//
// A Query is enqueued on a Transaction (or submitted directly on the
// Pool), runs on a worker goroutine, and delivers its rows and completion
// back on the loop goroutine. User code never blocks on the database; it
// is re-entered through the query's owner callback, in the manner of the
// loop's other dispatching.
package dbq

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Row is one result row: column name to value. Values are as delivered by
// the driver; nil for SQL NULL.
type Row map[string]any

// HasColumn reports whether the result set has the named column.
func (r Row) HasColumn(name string) bool {
	_, ok := r[name]
	return ok
}

// IsNull reports whether the named column is SQL NULL.
func (r Row) IsNull(name string) bool {
	v, ok := r[name]
	return !ok || v == nil
}

// Int returns an integer column. NULL and missing columns are 0.
func (r Row) Int(name string) int {
	return int(r.Int64(name))
}

// Int64 returns a bigint column.
func (r Row) Int64(name string) int64 {
	switch v := r[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case []byte:
		var n int64
		fmt.Sscan(string(v), &n)
		return n
	}
	return 0
}

// UInt32 returns a uid-sized column.
func (r Row) UInt32(name string) uint32 {
	return uint32(r.Int64(name))
}

// String returns a text column. NULL is the empty string.
func (r Row) String(name string) string {
	switch v := r[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bytes returns a bytea column.
func (r Row) Bytes(name string) []byte {
	switch v := r[name].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Bool returns a boolean column.
func (r Row) Bool(name string) bool {
	v, _ := r[name].(bool)
	return v
}

// Time returns a timestamp column.
func (r Row) Time(name string) time.Time {
	v, _ := r[name].(time.Time)
	return v
}

var ErrQueryFailed = errors.New("query failed")

// Query is an asynchronously executed statement with positional binds, an
// owner callback invoked as rows stream in, and a terminal done state.
// Its row stream is lazy, finite and forward-only; it is not restartable.
type Query struct {
	text  string
	binds map[int]any

	// COPY form, mutually exclusive with text.
	copyTable string
	copyCols  []string
	copyRows  [][]any

	allowFailure bool

	rows []Row
	next int
	done bool
	err  error

	owner func()
}

// NewQuery returns a statement with $n placeholders. owner is invoked on
// the loop goroutine as rows arrive and once more on completion; nil for
// fire-and-forget statements.
func NewQuery(text string, owner func()) *Query {
	return &Query{text: text, binds: map[int]any{}, owner: owner}
}

// NewCopy returns a bulk COPY ... FROM STDIN into table for the given
// columns. Rows are added with AddTuple.
func NewCopy(table string, cols []string, owner func()) *Query {
	return &Query{copyTable: table, copyCols: cols, owner: owner}
}

// Bind sets the value for placeholder $n.
func (q *Query) Bind(n int, v any) { q.binds[n] = v }

// AddTuple appends one row to a COPY.
func (q *Query) AddTuple(vals ...any) {
	q.copyRows = append(q.copyRows, vals)
}

// IsCopy reports whether this is a COPY statement.
func (q *Query) IsCopy() bool { return q.copyTable != "" }

// CopyTable returns the COPY target table.
func (q *Query) CopyTable() string { return q.copyTable }

// Tuples returns the COPY rows.
func (q *Query) Tuples() [][]any { return q.copyRows }

// AllowFailure marks the statement as allowed to fail without poisoning
// its transaction.
func (q *Query) AllowFailure() { q.allowFailure = true }

// Text returns the SQL text.
func (q *Query) Text() string { return q.text }

// SetText replaces the SQL text, for planners that splice into rendered
// queries.
func (q *Query) SetText(s string) { q.text = s }

// Args returns the bind values in placeholder order ($1 first).
func (q *Query) Args() []any {
	max := 0
	for n := range q.binds {
		if n > max {
			max = n
		}
	}
	args := make([]any, max)
	for n, v := range q.binds {
		args[n-1] = v
	}
	return args
}

// Done reports whether the statement reached its terminal state.
func (q *Query) Done() bool { return q.done }

// Failed reports whether the statement completed with an error.
func (q *Query) Failed() bool { return q.err != nil }

// Err returns the execution error, or nil.
func (q *Query) Err() error { return q.err }

// HasResults reports whether unconsumed rows are buffered.
func (q *Query) HasResults() bool { return q.next < len(q.rows) }

// NextRow returns the next row, or nil when none are buffered. More may
// arrive until Done.
func (q *Query) NextRow() Row {
	if q.next >= len(q.rows) {
		return nil
	}
	r := q.rows[q.next]
	q.next++
	return r
}

// Rows returns the number of rows received so far.
func (q *Query) Rows() int { return len(q.rows) }

// Deliver appends streamed rows and wakes the owner. The execution side
// (the pool worker, or a scripted resolver) calls this.
func (q *Query) Deliver(rows []Row) {
	q.rows = append(q.rows, rows...)
	if q.owner != nil {
		q.owner()
	}
}

// Complete marks the terminal state and wakes the owner.
func (q *Query) Complete(err error) {
	if q.done {
		return
	}
	q.done = true
	if err != nil {
		q.err = fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if q.owner != nil {
		q.owner()
	}
}

// savepoint statement classification, for the transaction's savepoint
// stack.
func savepointOp(text string) (op, name string) {
	s := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(s, "rollback to savepoint "):
		return "rollback", strings.TrimSpace(s[len("rollback to savepoint "):])
	case strings.HasPrefix(s, "release savepoint "):
		return "release", strings.TrimSpace(s[len("release savepoint "):])
	case strings.HasPrefix(s, "savepoint "):
		return "savepoint", strings.TrimSpace(s[len("savepoint "):])
	}
	return "", ""
}
