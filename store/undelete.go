package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/search"
)

// Undelete recovers expunged messages: rows move back from
// deleted_messages into mailbox_messages, getting fresh uids from the
// mailbox's uidnext series under a row lock. With DryRun the transaction
// rolls back instead of committing, leaving everything byte-identical.
type Undelete struct {
	registry *Registry
	path     string
	selector *search.Selector
	DryRun   bool
	// Verbose also reads who deleted each message, when and why.
	Verbose bool

	// Out receives the progress lines a command prints.
	Out func(line string)

	// Begin opens the transaction; replaceable for tests.
	Begin func(owner func()) *dbq.Transaction

	mailbox *Mailbox
	tx      *dbq.Transaction
	find    *dbq.Query
	uidnext *dbq.Query
	users   *dbq.Query
	state   int
	err     error
	done    bool
	owner   func()
}

var (
	ErrNoMailbox       = errors.New("no such mailbox")
	ErrNothingToDo     = errors.New("no such deleted message")
	ErrUndeleteFailed  = errors.New("undelete failed")
	errInternalUidnext = errors.New("could not read mailbox uid")
)

// NewUndelete prepares an undelete of the selector's matches in the
// mailbox at path. owner is notified when the command finishes.
func NewUndelete(r *Registry, path string, sel *search.Selector, owner func()) *Undelete {
	u := &Undelete{
		registry: r,
		path:     path,
		selector: sel,
		Out:      func(string) {},
		owner:    owner,
	}
	u.Begin = func(owner func()) *dbq.Transaction { return r.pool.Begin(owner) }
	return u
}

// Done reports completion; Err holds the failure.
func (u *Undelete) Done() bool { return u.done }
func (u *Undelete) Err() error { return u.err }

func (u *Undelete) fail(err error) {
	u.err = err
	u.done = true
	if u.tx != nil && !u.tx.Done() {
		u.tx.Rollback()
	}
	if u.owner != nil {
		u.owner()
	}
}

// Execute advances the command. Like all command objects it is re-entered
// by its queries' completions.
func (u *Undelete) Execute() {
	if u.done {
		return
	}
	switch u.state {
	case 0:
		u.start()
	case 1:
		u.plan()
	case 2:
		u.finish()
	}
}

func (u *Undelete) start() {
	u.mailbox = u.registry.Find(u.path, true)
	if u.mailbox == nil {
		u.fail(fmt.Errorf("%w: %s", ErrNoMailbox, u.path))
		return
	}
	u.selector.Simplify()

	u.tx = u.Begin(u.Execute)
	if u.mailbox.Deleted() {
		if !u.mailbox.Create(u.tx, 0) {
			u.fail(fmt.Errorf("mailbox was deleted; recreating failed: %s", u.path))
			return
		}
		u.Out("Note: Mailbox " + u.path + " is recreated.")
		u.Out("     Its ownership and permissions could not be restored.")
	}

	wanted := []string{"uid"}
	if u.Verbose {
		wanted = append(wanted, "deleted_by", "deleted_at::text", "reason")
		u.users = dbq.NewQuery("select id, login from users", nil)
		u.tx.Enqueue(u.users)
	}

	u.find = u.selector.Query(0, u.mailbox, nil, true, wanted)
	u.tx.Enqueue(u.find)

	u.uidnext = dbq.NewQuery("select uidnext, nextmodseq from mailboxes where id=$1 for update", u.Execute)
	u.uidnext.Bind(1, u.mailbox.Id())
	u.tx.Enqueue(u.uidnext)

	// The state advances before execution: completions may re-enter
	// synchronously.
	u.state = 1
	u.tx.Execute()
}

func (u *Undelete) plan() {
	if !u.uidnext.Done() {
		return
	}
	if u.tx.Failed() {
		u.fail(fmt.Errorf("%w: %v", ErrUndeleteFailed, u.tx.Err()))
		return
	}
	r := u.uidnext.NextRow()
	if r == nil {
		u.fail(errInternalUidnext)
		return
	}
	uidnext := r.UInt32("uidnext")
	modseq := r.Int64("nextmodseq")

	logins := map[int64]string{}
	if u.users != nil {
		for ur := u.users.NextRow(); ur != nil; ur = u.users.NextRow() {
			logins[ur.Int64("id")] = ur.String("login")
		}
	}

	uids := &search.UIDSet{}
	var why []string
	for fr := u.find.NextRow(); fr != nil; fr = u.find.NextRow() {
		uid := fr.UInt32("uid")
		uids.Add(uid)
		if u.Verbose {
			why = append(why, fmt.Sprintf(" - Message %d was deleted by %q at %s\n   Reason: %s",
				uid, logins[fr.Int64("deleted_by")], fr.String("deleted_at"),
				strings.TrimSpace(fr.String("reason"))))
		}
	}
	if uids.IsEmpty() {
		u.fail(fmt.Errorf("%w (search returned 0 results)", ErrNothingToDo))
		return
	}

	u.Out(fmt.Sprintf("Undeleting %d messages into %s", uids.Count(), u.path))
	for _, line := range why {
		u.Out(line)
	}

	var uidlist []int64
	uids.Each(func(uid uint32) { uidlist = append(uidlist, int64(uid)) })

	u.tx.Enqueue(dbq.NewQuery(fmt.Sprintf("create temporary sequence s start %d", uidnext), nil))

	q := dbq.NewQuery("insert into mailbox_messages (mailbox,uid,message,modseq) "+
		"select $1,nextval('s'),message,$2 from deleted_messages "+
		"where mailbox=$1 and uid=any($3)", nil)
	q.Bind(1, u.mailbox.Id())
	q.Bind(2, modseq)
	q.Bind(3, pq.Array(uidlist))
	u.tx.Enqueue(q)

	q = dbq.NewQuery("delete from deleted_messages where mailbox=$1 and uid=any($2)", nil)
	q.Bind(1, u.mailbox.Id())
	q.Bind(2, pq.Array(uidlist))
	u.tx.Enqueue(q)

	q = dbq.NewQuery("update mailboxes set uidnext=nextval('s'), nextmodseq=$1 where id=$2", nil)
	q.Bind(1, modseq+1)
	q.Bind(2, u.mailbox.Id())
	u.tx.Enqueue(q)

	u.tx.Enqueue(dbq.NewQuery("drop sequence s", nil))

	u.registry.Refresh(u.tx, nil)

	u.state = 2
	if u.DryRun {
		u.Out("Cancelling undelete due to dry run. Rerun without it to actually undelete.")
		u.tx.Rollback()
	} else {
		u.tx.Commit()
	}
}

func (u *Undelete) finish() {
	if !u.tx.Done() {
		return
	}
	if u.tx.Failed() {
		u.fail(ErrUndeleteFailed)
		return
	}
	u.done = true
	if u.owner != nil {
		u.owner()
	}
}
