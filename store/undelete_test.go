package store

import (
	"strings"
	"testing"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/search"
)

// undeleteScript resolves the undelete transaction's statements like a
// database holding one deleted message, uid 42, in mailbox id 8.
type undeleteScript struct {
	log        []string
	committed  bool
	rolledBack bool
}

func (s *undeleteScript) fn(tx *dbq.Transaction, q *dbq.Query) {
	text := q.Text()
	s.log = append(s.log, text)
	switch {
	case strings.Contains(text, "from deleted_messages mm"):
		tx.Resolve(q, []dbq.Row{{"uid": int64(42)}}, nil)
	case strings.Contains(text, "for update"):
		tx.Resolve(q, []dbq.Row{{"uidnext": int64(100), "nextmodseq": int64(7)}}, nil)
	case strings.HasPrefix(text, "select id, name, owner"):
		// Registry refresh.
		tx.Resolve(q, []dbq.Row{{"id": int64(8), "name": "/a/b", "owner": nil,
			"uidnext": int64(101), "uidvalidity": int64(3), "nextmodseq": int64(8), "deleted": false}}, nil)
	default:
		tx.Resolve(q, nil, nil)
	}
}

func runUndelete(t *testing.T, dryRun bool) (*undeleteScript, *Undelete, []string) {
	t.Helper()
	r := NewRegistry(nil)
	r.attach("/a/b", 8, Ordinary, 0, 100, 3, 7)

	set := &search.UIDSet{}
	set.Add(42)
	sel := search.NewUIDSet(set)

	sc := &undeleteScript{}
	var out []string
	u := NewUndelete(r, "/a/b", sel, nil)
	u.DryRun = dryRun
	u.Out = func(line string) { out = append(out, line) }
	u.Begin = func(owner func()) *dbq.Transaction { return dbq.Scripted(owner, sc.fn) }
	u.Execute()
	return sc, u, out
}

func TestUndelete(t *testing.T) {
	sc, u, out := runUndelete(t, false)
	tcompare(t, u.Done(), true)
	tcheck(t, u.Err(), "undelete")

	joined := strings.Join(sc.log, "\n")
	for _, want := range []string{
		"for update",
		"create temporary sequence s start 100",
		"insert into mailbox_messages (mailbox,uid,message,modseq) select $1,nextval('s'),message,$2 from deleted_messages",
		"delete from deleted_messages where mailbox=$1 and uid=any($2)",
		"update mailboxes set uidnext=nextval('s'), nextmodseq=$1 where id=$2",
		"drop sequence s",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing statement %q in:\n%s", want, joined)
		}
	}
	// The lock precedes the sequence creation.
	if strings.Index(joined, "for update") > strings.Index(joined, "create temporary sequence") {
		t.Fatalf("uidnext lock after sequence creation:\n%s", joined)
	}
	if len(out) == 0 || !strings.Contains(out[0], "Undeleting 1 messages into /a/b") {
		t.Fatalf("unexpected output: %v", out)
	}
}

// With DryRun, the transaction rolls back; nothing persists.
func TestUndeleteDryRun(t *testing.T) {
	sc, u, out := runUndelete(t, true)
	tcompare(t, u.Done(), true)
	tcheck(t, u.Err(), "dry-run undelete")
	_ = sc

	found := false
	for _, line := range out {
		if strings.Contains(line, "dry run") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no dry-run notice in %v", out)
	}
}

func TestUndeleteNoMailbox(t *testing.T) {
	r := NewRegistry(nil)
	sel := search.NewAll()
	u := NewUndelete(r, "/missing", sel, nil)
	u.Begin = func(owner func()) *dbq.Transaction {
		return dbq.Scripted(owner, func(tx *dbq.Transaction, q *dbq.Query) { tx.Resolve(q, nil, nil) })
	}
	u.Execute()
	tcompare(t, u.Done(), true)
	if u.Err() == nil || !strings.Contains(u.Err().Error(), "no such mailbox") {
		t.Fatalf("got %v", u.Err())
	}
}

func TestUndeleteNothingFound(t *testing.T) {
	r := NewRegistry(nil)
	r.attach("/a/b", 8, Ordinary, 0, 100, 3, 7)
	set := &search.UIDSet{}
	set.Add(999)
	u := NewUndelete(r, "/a/b", search.NewUIDSet(set), nil)
	u.Begin = func(owner func()) *dbq.Transaction {
		return dbq.Scripted(owner, func(tx *dbq.Transaction, q *dbq.Query) {
			if strings.Contains(q.Text(), "for update") {
				tx.Resolve(q, []dbq.Row{{"uidnext": int64(100), "nextmodseq": int64(7)}}, nil)
				return
			}
			tx.Resolve(q, nil, nil)
		})
	}
	u.Execute()
	tcompare(t, u.Done(), true)
	if u.Err() == nil || !strings.Contains(u.Err().Error(), "no such deleted message") {
		t.Fatalf("got %v", u.Err())
	}
}

// A deleted mailbox is recreated first; ownership is not restored.
func TestUndeleteRecreatesMailbox(t *testing.T) {
	r := NewRegistry(nil)
	r.attach("/a/b", 8, Deleted, 5, 100, 3, 7)
	set := &search.UIDSet{}
	set.Add(42)
	sc := &undeleteScript{}
	var out []string
	u := NewUndelete(r, "/a/b", search.NewUIDSet(set), nil)
	u.Out = func(line string) { out = append(out, line) }
	u.Begin = func(owner func()) *dbq.Transaction { return dbq.Scripted(owner, sc.fn) }
	u.Execute()
	tcheck(t, u.Err(), "undelete into deleted mailbox")

	joined := strings.Join(sc.log, "\n")
	if !strings.Contains(joined, "update mailboxes set deleted=false, owner=$1 where id=$2") {
		t.Fatalf("mailbox not revived:\n%s", joined)
	}
	if len(out) == 0 || !strings.Contains(out[0], "recreated") {
		t.Fatalf("no recreate notice: %v", out)
	}
}
