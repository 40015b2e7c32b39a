package dbq

import (
	"errors"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func TestRowAccessors(t *testing.T) {
	r := Row{
		"id":    int64(7),
		"name":  "x",
		"data":  []byte("abc"),
		"flag":  true,
		"none":  nil,
		"numtx": []byte("42"),
	}
	tcompare(t, r.Int("id"), 7)
	tcompare(t, r.Int64("id"), int64(7))
	tcompare(t, r.UInt32("id"), uint32(7))
	tcompare(t, r.String("name"), "x")
	tcompare(t, r.String("data"), "abc")
	tcompare(t, r.Bool("flag"), true)
	tcompare(t, r.Int64("numtx"), int64(42))
	tcompare(t, r.IsNull("none"), true)
	tcompare(t, r.IsNull("id"), false)
	tcompare(t, r.IsNull("missing"), true)
	tcompare(t, r.HasColumn("none"), true)
	tcompare(t, r.HasColumn("missing"), false)
}

func TestQueryStream(t *testing.T) {
	calls := 0
	q := NewQuery("select 1", func() { calls++ })
	tcompare(t, q.Done(), false)
	q.Deliver([]Row{{"a": int64(1)}, {"a": int64(2)}})
	tcompare(t, calls, 1)
	tcompare(t, q.HasResults(), true)
	tcompare(t, q.NextRow().Int("a"), 1)
	tcompare(t, q.NextRow().Int("a"), 2)
	if q.NextRow() != nil {
		t.Fatalf("expected nil after last row")
	}
	q.Complete(nil)
	tcompare(t, q.Done(), true)
	tcompare(t, q.Failed(), false)
	tcompare(t, calls, 2)
}

func TestQueryArgs(t *testing.T) {
	q := NewQuery("select $1, $2", nil)
	q.Bind(2, "b")
	q.Bind(1, "a")
	args := q.Args()
	tcompare(t, len(args), 2)
	tcompare(t, args[0], "a")
	tcompare(t, args[1], "b")
}

func TestSavepointStack(t *testing.T) {
	tx := Scripted(nil, func(t *Transaction, q *Query) {
		t.Resolve(q, nil, nil)
	})
	tx.Enqueue(NewQuery("savepoint flag_names_creator", nil))
	tx.Execute()
	tcompare(t, len(tx.OpenSavepoints()), 1)
	tcompare(t, tx.OpenSavepoints()[0], "flag_names_creator")

	// Rolling back keeps the savepoint itself.
	tx.Enqueue(NewQuery("rollback to savepoint flag_names_creator", nil))
	tx.Execute()
	tcompare(t, len(tx.OpenSavepoints()), 1)

	tx.Enqueue(NewQuery("release savepoint flag_names_creator", nil))
	tx.Execute()
	tcompare(t, len(tx.OpenSavepoints()), 0)

	tx.Enqueue(NewQuery("SAVEPOINT x", nil))
	tx.Enqueue(NewQuery("release savepoint x", nil))
	tx.Execute()
	tcompare(t, len(tx.OpenSavepoints()), 0)
}

func TestPoisoning(t *testing.T) {
	boom := errors.New("boom")
	tx := Scripted(nil, func(t *Transaction, q *Query) {
		if q.Text() == "bad" {
			t.Resolve(q, nil, boom)
		} else {
			t.Resolve(q, nil, nil)
		}
	})
	good := NewQuery("select 1", nil)
	bad := NewQuery("bad", nil)
	tx.Enqueue(good)
	tx.Enqueue(bad)
	tx.Execute()
	tcompare(t, good.Failed(), false)
	tcompare(t, bad.Failed(), true)
	tcompare(t, tx.Failed(), true)

	// Commit on a poisoned transaction fails.
	tx.Commit()
	tcompare(t, tx.Done(), true)
	tcompare(t, tx.State(), TxFailed)
}

func TestAllowFailure(t *testing.T) {
	boom := errors.New("unique violation: fn_uname")
	tx := Scripted(nil, func(t *Transaction, q *Query) {
		if q.IsCopy() {
			t.Resolve(q, nil, boom)
		} else {
			t.Resolve(q, nil, nil)
		}
	})
	c := NewCopy("flag_names", []string{"name"}, nil)
	c.AddTuple("NewFlag")
	c.AllowFailure()
	tx.Enqueue(c)
	tx.Execute()
	tcompare(t, c.Failed(), true)
	tcompare(t, tx.Failed(), false)

	tx.Commit()
	tcompare(t, tx.State(), TxCompleted)
}

func TestRollback(t *testing.T) {
	tx := Scripted(nil, func(t *Transaction, q *Query) {
		t.Resolve(q, nil, nil)
	})
	tx.Enqueue(NewQuery("select 1", nil))
	tx.Rollback()
	tcompare(t, tx.Done(), true)
	tcompare(t, tx.State(), TxRolledBack)
}

func TestReturnsRows(t *testing.T) {
	tcompare(t, returnsRows("select 1"), true)
	tcompare(t, returnsRows("  SELECT id from t"), true)
	tcompare(t, returnsRows("with x as (select 1) select * from x"), true)
	tcompare(t, returnsRows("update t set a=1"), false)
	tcompare(t, returnsRows("insert into t values (1) RETURNING id"), true)
	tcompare(t, returnsRows("savepoint x"), false)
}
