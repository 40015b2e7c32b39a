// Package store implements the storage substrate: interned name
// dictionaries, the mailbox registry, the batched fetcher pipeline,
// sessions and the undelete surface.
package store

import (
	"strings"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/mlog"
)

var xlog = mlog.New("store")

// InternTable is a process-wide (id, name) dictionary mirroring one of
// the helper tables. Lookup is O(1) both ways; names compare
// case-insensitively. All access happens on the loop goroutine.
type InternTable struct {
	table  string
	byId   map[int]string
	byName map[string]int
}

func NewInternTable(table string) *InternTable {
	return &InternTable{
		table:  table,
		byId:   map[int]string{},
		byName: map[string]int{},
	}
}

// Table returns the backing table name.
func (t *InternTable) Table() string { return t.table }

// Id returns the interned id for a name, 0 if unknown.
func (t *InternTable) Id(name string) int {
	return t.byName[strings.ToLower(name)]
}

// Name returns the name for an id, "" if unknown.
func (t *InternTable) Name(id int) string {
	return t.byId[id]
}

// Add records an (id, name) pair. The winner of an insert race and its
// losers all end up calling Add with the same id.
func (t *InternTable) Add(name string, id int) {
	t.byId[id] = name
	t.byName[strings.ToLower(name)] = id
}

// Clear empties the table, before a reload.
func (t *InternTable) Clear() {
	t.byId = map[int]string{}
	t.byName = map[string]int{}
}

// Reload re-reads the backing table, replacing the cache when the select
// completes.
func (t *InternTable) Reload(pool *dbq.Pool) {
	var q *dbq.Query
	q = dbq.NewQuery("select id, name from "+t.table, func() {
		if q.Failed() {
			xlog.Errorx("reloading intern table", q.Err(), mlog.Field("table", t.table))
			return
		}
		if !q.Done() {
			return
		}
		t.Clear()
		for r := q.NextRow(); r != nil; r = q.NextRow() {
			t.Add(r.String("name"), r.Int("id"))
		}
		xlog.Debug("intern table reloaded", mlog.Field("table", t.table), mlog.Field("entries", len(t.byId)))
	})
	pool.Submit(q)
}

// The three interned dictionaries.
var (
	FlagNames       = NewInternTable("flag_names")
	FieldNames      = NewInternTable("field_names")
	AnnotationNames = NewInternTable("annotation_names")
)

// HandleNotification reacts to cross-process signals: <table>_extended
// reloads that table, obliterated reloads all three.
func HandleNotification(pool *dbq.Pool, channel string) {
	switch channel {
	case "flag_names_extended":
		FlagNames.Reload(pool)
	case "field_names_extended":
		FieldNames.Reload(pool)
	case "annotation_names_extended":
		AnnotationNames.Reload(pool)
	case "obliterated":
		FlagNames.Reload(pool)
		FieldNames.Reload(pool)
		AnnotationNames.Reload(pool)
	}
}
