package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/search"
)

func TestBaseSubject(t *testing.T) {
	cases := map[string]string{
		"Hello":                    "Hello",
		"Re: Hello":                "Hello",
		"RE: Hello":                "Hello",
		"Fwd: Hello":               "Hello",
		"fw: Hello":                "Hello",
		"Re: Re: Fwd: Hello":       "Hello",
		"Re[2]: Hello":             "Hello",
		"Hello (fwd)":              "Hello",
		"Re: Hello (fwd)":          "Hello",
		"  spaced\t out ":          "spaced out",
		"Ready to go":              "Ready to go", // "re" without a colon stays.
		"Reply: yes":               "Reply: yes",
		"Re:":                      "",
		"":                         "",
	}
	for in, exp := range cases {
		if got := baseSubject(in); got != exp {
			t.Fatalf("baseSubject(%q): got %q, expected %q", in, got, exp)
		}
	}
}

// threadScript resolves the refresh transaction's statements like a
// database where thread ids get allocated as rows are copied in.
type threadScript struct {
	log []string

	// scanRows are the unthreaded (uid, subject value) pairs.
	scanRows []dbq.Row
	// existing maps base subject to a pre-existing thread id.
	existing map[string]int64
	// copyErr fails the first threads copy, e.g. with the constraint
	// name, simulating a lost race.
	copyErr error

	nextId      int64
	memberRows  [][]any
	threadCopies int
}

func (s *threadScript) fn(tx *dbq.Transaction, q *dbq.Query) {
	if s.existing == nil {
		s.existing = map[string]int64{}
	}
	if s.nextId == 0 {
		s.nextId = 100
	}
	switch {
	case q.IsCopy() && q.CopyTable() == "threads":
		s.threadCopies++
		s.log = append(s.log, "copy threads")
		if s.copyErr != nil {
			err := s.copyErr
			s.copyErr = nil
			tx.Resolve(q, nil, err)
			return
		}
		for _, tuple := range q.Tuples() {
			s.existing[tuple[1].(string)] = s.nextId
			s.nextId++
		}
		tx.Resolve(q, nil, nil)
	case q.IsCopy() && q.CopyTable() == "thread_members":
		s.log = append(s.log, "copy thread_members")
		s.memberRows = q.Tuples()
		tx.Resolve(q, nil, nil)
	case strings.HasPrefix(q.Text(), "select mm.uid, hf.value"):
		s.log = append(s.log, "scan")
		tx.Resolve(q, s.scanRows, nil)
	case strings.HasPrefix(q.Text(), "select id, subject from threads"):
		s.log = append(s.log, "select threads")
		var rows []dbq.Row
		for subject, id := range s.existing {
			rows = append(rows, dbq.Row{"id": id, "subject": subject})
		}
		tx.Resolve(q, rows, nil)
	default:
		s.log = append(s.log, q.Text())
		tx.Resolve(q, nil, nil)
	}
}

func scriptedThreader(sc *threadScript) *Threader {
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	th := mb.Threader()
	th.Begin = func(owner func()) *dbq.Transaction {
		return dbq.Scripted(owner, sc.fn)
	}
	return th
}

func TestThreaderRefresh(t *testing.T) {
	sc := &threadScript{
		scanRows: []dbq.Row{
			{"uid": int64(1), "value": "Hello"},
			{"uid": int64(2), "value": "Re: Hello"},
			{"uid": int64(3), "value": "Other"},
		},
		existing: map[string]int64{"Hello": 10},
	}
	th := scriptedThreader(sc)
	done := false
	th.Refresh(func() { done = true })

	tcompare(t, done, true)
	tcheck(t, th.Err(), "refresh")
	tcompare(t, th.Updated(false), true)

	// Statement sequence: scan, select threads, savepoint, copy threads,
	// select threads, release, copy members.
	want := []string{
		"scan", "select threads", "savepoint threads_creator", "copy threads",
		"select threads", "release savepoint threads_creator", "copy thread_members",
	}
	if len(sc.log) != len(want) {
		t.Fatalf("got statements %v", sc.log)
	}
	for i, w := range want {
		if !strings.HasPrefix(sc.log[i], w) {
			t.Fatalf("statement %d: got %q, expected prefix %q", i, sc.log[i], w)
		}
	}

	// Uids 1 and 2 share the existing Hello thread; Other got a fresh
	// row. Members are in uid order.
	tcompare(t, len(sc.memberRows), 3)
	tcompare(t, sc.memberRows[0][0], int64(10))
	tcompare(t, sc.memberRows[0][2], uint32(1))
	tcompare(t, sc.memberRows[1][0], int64(10))
	tcompare(t, sc.memberRows[1][2], uint32(2))
	tcompare(t, sc.memberRows[2][0], int64(100))
	tcompare(t, sc.memberRows[2][2], uint32(3))
}

// No statement the threader generates relies on a server-side function;
// subjects reduce to their base form in the client.
func TestThreaderNoServerFunction(t *testing.T) {
	sc := &threadScript{
		scanRows: []dbq.Row{{"uid": int64(1), "value": "Re: Hello"}},
	}
	th := scriptedThreader(sc)
	th.Refresh(nil)
	for _, stmt := range sc.log {
		if strings.Contains(stmt, "base_subject(") {
			t.Fatalf("server-side subject function in %q", stmt)
		}
	}
	// The copied thread row carries the stripped subject.
	if id, ok := sc.existing["Hello"]; !ok || id == 0 {
		t.Fatalf("base subject not threaded: %v", sc.existing)
	}
}

// Losing the unique-constraint race rolls back to the savepoint,
// re-reads the winner's id, and the transaction still commits.
func TestThreaderRace(t *testing.T) {
	sc := &threadScript{
		scanRows: []dbq.Row{{"uid": int64(1), "value": "Hello"}},
		copyErr:  errors.New(`duplicate key value violates unique constraint "threads_mailbox_subject_key"`),
	}
	// The winner's row becomes visible on the re-read after the
	// rollback.
	sc.existing = map[string]int64{}
	raceFixup := false
	th := scriptedThreader(sc)
	th.Begin = func(owner func()) *dbq.Transaction {
		return dbq.Scripted(owner, func(tx *dbq.Transaction, q *dbq.Query) {
			if strings.HasPrefix(q.Text(), "rollback to savepoint") && !raceFixup {
				raceFixup = true
				sc.existing["Hello"] = 77
			}
			sc.fn(tx, q)
		})
	}
	done := false
	th.Refresh(func() { done = true })

	tcompare(t, done, true)
	tcheck(t, th.Err(), "refresh with race")
	tcompare(t, th.Updated(false), true)
	joined := strings.Join(sc.log, "; ")
	if !strings.Contains(joined, "rollback to savepoint threads_creator") {
		t.Fatalf("expected rollback, got %v", sc.log)
	}
	if !strings.Contains(joined, "release savepoint threads_creator") {
		t.Fatalf("expected release, got %v", sc.log)
	}
	tcompare(t, len(sc.memberRows), 1)
	tcompare(t, sc.memberRows[0][0], int64(77))
}

// With nothing to thread, the refresh rolls back without touching the
// thread tables and still reports updated.
func TestThreaderNothingToDo(t *testing.T) {
	sc := &threadScript{}
	th := scriptedThreader(sc)
	done := false
	th.Refresh(func() { done = true })

	tcompare(t, done, true)
	tcompare(t, th.Updated(false), true)
	tcompare(t, sc.threadCopies, 0)
	tcompare(t, len(sc.log), 1)
	tcompare(t, sc.log[0], "scan")
}

// Subject sort runs the threader first, then compiles the query with
// the thread_members join.
func TestSorterSubjectRefreshesThreader(t *testing.T) {
	sc := &threadScript{
		scanRows: []dbq.Row{{"uid": int64(1), "value": "Hello"}},
	}
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	mb.Threader().Begin = func(owner func()) *dbq.Transaction {
		return dbq.Scripted(owner, sc.fn)
	}

	db := &fakeDB{}
	set := &search.UIDSet{}
	set.AddRange(1, 10)
	sel := search.NewUIDSet(set)
	srt := search.NewSort(search.SortKey{Criterion: search.SortSubject})

	done := false
	sorter := NewSorter(mb, sel, srt, 0, db, func() { done = true })
	sorter.Execute()

	// The threader ran before any sort query was submitted.
	if len(sc.log) == 0 || sc.log[0] != "scan" {
		t.Fatalf("threader did not run first: %v", sc.log)
	}
	qs := db.take()
	tcompare(t, len(qs), 1)
	text := qs[0].Text()
	if !strings.Contains(text, "thread_members") {
		t.Fatalf("subject sort without thread join: %q", text)
	}

	qs[0].Deliver([]dbq.Row{{"uid": int64(2)}, {"uid": int64(1)}})
	qs[0].Complete(nil)
	tcompare(t, done, true)
	tcheck(t, sorter.Err(), "sorter")
	tcompare(t, fmt.Sprint(sorter.UIDs()), "[2 1]")
}

// A sort without subject criteria leaves the threader alone.
func TestSorterNoSubject(t *testing.T) {
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	db := &fakeDB{}
	set := &search.UIDSet{}
	set.Add(5)
	sorter := NewSorter(mb, search.NewUIDSet(set), search.NewSort(search.SortKey{Criterion: search.SortSize}), 0, db, nil)
	sorter.Execute()
	qs := db.take()
	tcompare(t, len(qs), 1)
	qs[0].Deliver([]dbq.Row{{"uid": int64(5)}})
	qs[0].Complete(nil)
	tcompare(t, sorter.Done(), true)
	tcompare(t, len(sorter.UIDs()), 1)
}
