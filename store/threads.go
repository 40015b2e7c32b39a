package store

import (
	"errors"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/aoxmail/aox/dbq"
)

const (
	threadsConstraint = "threads_mailbox_subject_key"
	threadsSavepoint  = "threads_creator"
)

var errThreaderFailed = errors.New("thread refresh failed")

// Threader maintains the threads/thread_members tables for one mailbox,
// grouping messages by base subject. Subject sort needs it updated
// before a query can join thread_members.
//
// Refresh scans for messages not yet in thread_members, reduces their
// subjects to the base form, finds or creates a threads row per base
// subject (a lost race on the unique constraint rolls back to a
// savepoint and re-reads, as the helper-row creators do), and inserts
// the membership rows, all in one transaction.
type Threader struct {
	mailbox *Mailbox
	updated bool
	err     error
	owners  []func()

	// Begin opens the transaction; replaceable for tests.
	Begin func(owner func()) *dbq.Transaction

	tx    *dbq.Transaction
	scan  *dbq.Query
	sel   *dbq.Query
	copy  *dbq.Query
	sp    bool
	state int

	subjects map[uint32]string // uid -> base subject.
	ids      map[string]int64  // base subject -> threads.id.
}

func NewThreader(m *Mailbox) *Threader {
	t := &Threader{mailbox: m}
	t.Begin = func(owner func()) *dbq.Transaction { return m.registry.pool.Begin(owner) }
	return t
}

// Updated reports whether the thread tables cover the mailbox's current
// content. With touch set, the state decays so the next caller refreshes
// again.
func (t *Threader) Updated(touch bool) bool {
	u := t.updated
	if touch {
		t.updated = false
	}
	return u
}

// Err returns what the last refresh failed with, or nil.
func (t *Threader) Err() error { return t.err }

// Refresh brings the thread tables up to date, then calls owner.
// Multiple owners may pile up while one refresh runs.
func (t *Threader) Refresh(owner func()) {
	if owner != nil {
		t.owners = append(t.owners, owner)
	}
	if t.tx != nil {
		return
	}
	t.err = nil
	t.sel = nil
	t.copy = nil
	t.sp = false
	t.state = 0
	t.subjects = map[uint32]string{}
	t.ids = map[string]int64{}

	t.tx = t.Begin(t.execute)
	t.scan = dbq.NewQuery("select mm.uid, hf.value from mailbox_messages mm "+
		"join header_fields hf on (hf.message=mm.message and hf.part='' and "+
		"hf.field=(select id from field_names where name='Subject')) "+
		"where mm.mailbox=$1 and not exists "+
		"(select 1 from thread_members tm where tm.mailbox=mm.mailbox and tm.uid=mm.uid)",
		t.execute)
	t.scan.Bind(1, t.mailbox.Id())
	t.tx.Enqueue(t.scan)
	t.tx.Execute()
}

// execute advances the refresh; it is re-entered by its queries'
// completions.
func (t *Threader) execute() {
	if t.tx == nil {
		return
	}

	if t.state == 0 {
		if !t.scan.Done() {
			return
		}
		for r := t.scan.NextRow(); r != nil; r = t.scan.NextRow() {
			t.subjects[r.UInt32("uid")] = baseSubject(r.String("value"))
		}
		if t.scan.Failed() || len(t.subjects) == 0 {
			t.state = 3
			t.tx.Rollback()
			return
		}
		t.state = 1
	}

	if t.state == 1 {
		for {
			if t.sel != nil && !t.sel.Done() {
				return
			}
			if t.copy != nil && !t.copy.Done() {
				return
			}

			if t.copy != nil {
				cp := t.copy
				t.copy = nil
				if cp.Failed() {
					if strings.Contains(cp.Err().Error(), threadsConstraint) {
						// Some peer threaded the same subjects first;
						// roll back and re-read their ids.
						t.tx.Enqueue(dbq.NewQuery("rollback to savepoint "+threadsSavepoint, nil))
					} else {
						t.state = 3
						t.tx.Rollback()
						return
					}
				}
			}

			if t.sel == nil {
				t.sel = t.makeThreadSelect()
				if t.sel == nil {
					// Every base subject has a thread id.
					break
				}
				t.tx.Enqueue(t.sel)
				t.tx.Execute()
				continue
			}

			t.processThreadSelect(t.sel)
			t.sel = nil
			t.copy = t.makeThreadCopy()
			if t.copy == nil {
				break
			}
			if !t.sp {
				t.tx.Enqueue(dbq.NewQuery("savepoint "+threadsSavepoint, nil))
				t.sp = true
			}
			t.tx.Enqueue(t.copy)
			t.tx.Execute()
		}

		if t.state == 1 {
			if t.sp {
				t.tx.Enqueue(dbq.NewQuery("release savepoint "+threadsSavepoint, nil))
				t.sp = false
			}
			t.tx.Enqueue(t.memberCopy())
			t.state = 2
			t.tx.Commit()
		}
	}

	if t.state >= 2 {
		if t.tx == nil || !t.tx.Done() {
			return
		}
		t.finishRefresh()
	}
}

// missingSubjects returns the base subjects without a thread id, sorted
// for stable statement generation.
func (t *Threader) missingSubjects() []string {
	seen := map[string]bool{}
	var missing []string
	for _, s := range t.subjects {
		if _, ok := t.ids[s]; !ok && !seen[s] {
			missing = append(missing, s)
			seen[s] = true
		}
	}
	sort.Strings(missing)
	return missing
}

// makeThreadSelect returns a query for the ids of base subjects already
// in threads, or nil when every subject has one.
func (t *Threader) makeThreadSelect() *dbq.Query {
	missing := t.missingSubjects()
	if len(missing) == 0 {
		return nil
	}
	q := dbq.NewQuery("select id, subject from threads "+
		"where mailbox=$1 and subject=any($2::text[])", t.execute)
	q.Bind(1, t.mailbox.Id())
	q.Bind(2, pq.Array(missing))
	return q
}

func (t *Threader) processThreadSelect(q *dbq.Query) {
	for r := q.NextRow(); r != nil; r = q.NextRow() {
		t.ids[r.String("subject")] = r.Int64("id")
	}
}

// makeThreadCopy returns a bulk COPY of the still-missing threads rows,
// or nil when none remain.
func (t *Threader) makeThreadCopy() *dbq.Query {
	missing := t.missingSubjects()
	if len(missing) == 0 {
		return nil
	}
	q := dbq.NewCopy("threads", []string{"mailbox", "subject"}, t.execute)
	q.AllowFailure()
	for _, s := range missing {
		q.AddTuple(t.mailbox.Id(), s)
	}
	return q
}

// memberCopy builds the thread_members rows for the scanned messages,
// in uid order.
func (t *Threader) memberCopy() *dbq.Query {
	q := dbq.NewCopy("thread_members", []string{"thread", "mailbox", "uid"}, nil)
	uids := make([]uint32, 0, len(t.subjects))
	for uid := range t.subjects {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, uid := range uids {
		q.AddTuple(t.ids[t.subjects[uid]], t.mailbox.Id(), uid)
	}
	return q
}

func (t *Threader) finishRefresh() {
	if t.tx.Failed() {
		t.err = errThreaderFailed
		xlog.Errorx("refreshing threads", t.tx.Err())
	} else {
		t.updated = true
	}
	t.tx = nil
	owners := t.owners
	t.owners = nil
	for _, fn := range owners {
		fn()
	}
}

// baseSubject reduces a subject to its base form as threading compares
// them: whitespace collapses, trailing "(fwd)" markers and leading
// re/fw/fwd prefixes (with an optional [blob] before the colon) come
// off, repeatedly.
func baseSubject(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for {
		t := s
		if l := strings.ToLower(t); strings.HasSuffix(l, "(fwd)") {
			t = strings.TrimSpace(t[:len(t)-len("(fwd)")])
		}
		if u, ok := stripReplyPrefix(t); ok {
			t = u
		}
		if t == s {
			return s
		}
		s = t
	}
}

// stripReplyPrefix removes one leading "re:", "fw:" or "fwd:", allowing
// a [blob] between the word and the colon. Reports whether it stripped.
func stripReplyPrefix(t string) (string, bool) {
	l := strings.ToLower(t)
	var rest string
	switch {
	case strings.HasPrefix(l, "fwd"):
		rest = t[3:]
	case strings.HasPrefix(l, "re"), strings.HasPrefix(l, "fw"):
		rest = t[2:]
	default:
		return t, false
	}
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "[") {
		i := strings.IndexByte(rest, ']')
		if i < 0 {
			return t, false
		}
		rest = strings.TrimSpace(rest[i+1:])
	}
	if !strings.HasPrefix(rest, ":") {
		return t, false
	}
	return strings.TrimSpace(rest[1:]), true
}
