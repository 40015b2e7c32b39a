package store

import (
	"strings"

	"github.com/lib/pq"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/metrics"
	"github.com/aoxmail/aox/mlog"
)

// Creator adds rows to a helper table (flag_names, field_names,
// annotation_names) within a caller-provided transaction, guarded by the
// table's unique constraint. Concurrent inserters may all attempt;
// exactly one wins, and losers roll back to a savepoint and re-read the
// winner's id, so a lost race does not abort the enclosing transaction.
//
// The caller may batch several creators into one transaction. A creator
// never commits, and never leaves an unreleased savepoint.
type Creator struct {
	intern     *InternTable
	constraint string
	// Selects compare lowercased names for tables with a
	// case-insensitive unique index.
	lowered bool

	tx    *dbq.Transaction
	names []string

	sel  *dbq.Query
	copy *dbq.Query
	sp   bool
	done bool

	log *mlog.Log
}

// NewFlagCreator interns flags; the flag_names unique index fn_uname is
// on lower(name).
func NewFlagCreator(names []string, tx *dbq.Transaction) *Creator {
	return newCreator(FlagNames, "fn_uname", true, names, tx)
}

// NewFieldNameCreator interns header field names.
func NewFieldNameCreator(names []string, tx *dbq.Transaction) *Creator {
	return newCreator(FieldNames, "field_names_name_key", false, names, tx)
}

// NewAnnotationNameCreator interns annotation entry names.
func NewAnnotationNameCreator(names []string, tx *dbq.Transaction) *Creator {
	return newCreator(AnnotationNames, "annotation_names_name_key", false, names, tx)
}

func newCreator(intern *InternTable, constraint string, lowered bool, names []string, tx *dbq.Transaction) *Creator {
	return &Creator{
		intern:     intern,
		constraint: constraint,
		lowered:    lowered,
		tx:         tx,
		names:      names,
		log:        mlog.New("store").Fields(mlog.Field("table", intern.Table())),
	}
}

// Done reports whether the creator is finished with the transaction.
func (c *Creator) Done() bool { return c.done }

func (c *Creator) savepointName() string { return c.intern.Table() + "_creator" }

// Execute advances the state machine. It is re-entered as its queries
// complete and stops when every requested name has an id in the intern
// table (or the transaction failed).
func (c *Creator) Execute() {
	for !c.done {
		if c.sel != nil && !c.sel.Done() {
			return
		}
		if c.copy != nil && !c.copy.Done() {
			return
		}

		if c.copy != nil && c.copy.Done() {
			cp := c.copy
			c.copy = nil
			if !cp.Failed() {
				// We inserted and hit no race; the select below reads
				// back the generated ids.
			} else if strings.Contains(cp.Err().Error(), c.constraint) {
				// We lost the race; some peer inserted first. Roll
				// back to the savepoint, then re-read their ids.
				metrics.HelperRowRaces.WithLabelValues(c.intern.Table()).Inc()
				c.log.Debug("lost intern race, retrying")
				c.tx.Enqueue(dbq.NewQuery("rollback to savepoint "+c.savepointName(), nil))
			} else {
				// Total failure; the transaction is poisoned and the
				// owner hears about it below.
				c.done = true
				c.sp = false
				continue
			}
		}

		if c.sel == nil {
			c.sel = c.makeSelect()
			if c.sel != nil {
				c.tx.Enqueue(c.sel)
				c.tx.Execute()
			} else {
				c.done = true
			}
		}

		if c.sel != nil && c.sel.Done() && c.copy == nil {
			c.processSelect(c.sel)
			c.sel = nil
			c.copy = c.makeCopy()
			if c.copy != nil {
				if !c.sp {
					c.tx.Enqueue(dbq.NewQuery("savepoint "+c.savepointName(), nil))
					c.sp = true
				}
				c.tx.Enqueue(c.copy)
				c.tx.Execute()
			} else {
				c.done = true
			}
		}
	}

	if c.sp {
		c.tx.Enqueue(dbq.NewQuery("release savepoint "+c.savepointName(), nil))
		ch := strings.Replace(c.savepointName(), "creator", "extended", 1)
		c.tx.Enqueue(dbq.NewQuery("notify "+ch, nil))
		c.sp = false
		c.tx.Execute()
	}
	c.tx.Notify()
}

// makeSelect returns a query for the ids of requested names already in
// the table, or nil when every name is cached.
func (c *Creator) makeSelect() *dbq.Query {
	var missing []string
	for _, name := range c.names {
		if c.intern.Id(name) == 0 {
			if c.lowered {
				missing = append(missing, strings.ToLower(name))
			} else {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	col := "name"
	if c.lowered {
		col = "lower(name)"
	}
	q := dbq.NewQuery("select id, name from "+c.intern.Table()+
		" where "+col+"=any($1::text[])", c.Execute)
	q.Bind(1, pq.Array(missing))
	return q
}

func (c *Creator) processSelect(q *dbq.Query) {
	for r := q.NextRow(); r != nil; r = q.NextRow() {
		c.intern.Add(r.String("name"), r.Int("id"))
	}
}

// makeCopy returns a bulk COPY of the still-uncached names, or nil when
// none remain.
func (c *Creator) makeCopy() *dbq.Query {
	q := dbq.NewCopy(c.intern.Table(), []string{"name"}, c.Execute)
	q.AllowFailure()
	any := false
	for _, name := range c.names {
		if c.intern.Id(name) == 0 {
			q.AddTuple(name)
			any = true
		}
	}
	if !any {
		return nil
	}
	return q
}
