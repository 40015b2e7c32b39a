package store

import (
	"errors"
	"strings"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/mlog"
)

// MailboxType distinguishes persisted mailboxes from in-memory-only
// interior nodes and views.
type MailboxType int

const (
	Synthetic MailboxType = iota
	Ordinary
	Deleted
	View
)

func (t MailboxType) String() string {
	switch t {
	case Synthetic:
		return "synthetic"
	case Ordinary:
		return "ordinary"
	case Deleted:
		return "deleted"
	case View:
		return "view"
	}
	return "unknown"
}

var (
	ErrUIDExhausted  = errors.New("uid series exhausted")
	ErrMailboxExists = errors.New("mailbox exists")
)

// Mailbox is a node of the in-memory mailbox tree, mirroring a row of the
// mailboxes table, or synthesized to connect the tree. The tree is
// connected and rooted at /; every persisted mailbox's ancestor path is
// materialized.
type Mailbox struct {
	name string // Full slash-delimited path.
	id   int64
	typ  MailboxType

	uidnext     uint32
	uidvalidity uint32
	nextModseq  int64
	owner       int64

	parent   *Mailbox
	children []*Mailbox

	registry *Registry

	watchers []*Watcher
	sessions []*Session
	fetchers map[FetchClass]*Fetcher
	threader *Threader
}

// Watcher is a callback invoked when the mailbox's uidnext advances.
// Sessions register one and drop it on close.
type Watcher struct {
	fn func(*Mailbox)
}

// Registry is the process-wide mailbox tree, indexed by path and id.
type Registry struct {
	root *Mailbox
	byId map[int64]*Mailbox
	pool *dbq.Pool
	log  *mlog.Log
}

// NewRegistry returns a tree holding only the root.
func NewRegistry(pool *dbq.Pool) *Registry {
	r := &Registry{
		byId: map[int64]*Mailbox{},
		pool: pool,
		log:  mlog.New("store"),
	}
	r.root = &Mailbox{name: "/", typ: Synthetic, registry: r}
	return r
}

// Root returns the tree root.
func (r *Registry) Root() *Mailbox { return r.root }

// ById returns a mailbox by database id.
func (r *Registry) ById(id int64) *Mailbox { return r.byId[id] }

// Obtain walks (and with create, builds) the path, synthesizing interior
// Synthetic nodes so every leaf has a complete ancestor chain. Lookup is
// case-insensitive at each segment. Returns nil if the path does not
// exist and create is unset.
func (r *Registry) Obtain(path string, create bool) *Mailbox {
	if path == "" || path == "/" {
		return r.root
	}
	m := r.root
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		var next *Mailbox
		for _, c := range m.children {
			if strings.EqualFold(lastSegment(c.name), seg) {
				next = c
				break
			}
		}
		if next == nil {
			if !create {
				return nil
			}
			next = &Mailbox{
				name:     strings.TrimSuffix(m.name, "/") + "/" + seg,
				typ:      Synthetic,
				parent:   m,
				registry: r,
			}
			m.children = append(m.children, next)
		}
		m = next
	}
	return m
}

func lastSegment(path string) string {
	i := strings.LastIndexByte(path, '/')
	return path[i+1:]
}

// Find returns the mailbox at path, or nil. With deleted set, only
// persisted mailboxes qualify (Deleted ones included, Synthetic nodes
// not); without it, Synthetic interior nodes are visible for traversal
// but Deleted mailboxes are not.
func (r *Registry) Find(path string, deleted bool) *Mailbox {
	m := r.Obtain(path, false)
	if m == nil {
		return nil
	}
	if deleted {
		if m.id == 0 {
			return nil
		}
		return m
	}
	if m.typ == Deleted {
		return nil
	}
	return m
}

// attach records a persisted row in the tree.
func (r *Registry) attach(name string, id int64, typ MailboxType, owner int64, uidnext, uidvalidity uint32, nextModseq int64) *Mailbox {
	m := r.Obtain(name, true)
	m.id = id
	m.typ = typ
	m.owner = owner
	m.uidvalidity = uidvalidity
	m.nextModseq = nextModseq
	r.byId[id] = m
	if uidnext > m.uidnext {
		m.setUidnext(uidnext)
	}
	return m
}

// Refresh reloads the mailboxes table and rebuilds the tree, keeping
// existing nodes (and their watchers, sessions and fetchers) alive.
// Runs its select on t when given, so a transaction sees its own
// changes; otherwise standalone.
func (r *Registry) Refresh(t *dbq.Transaction, owner func()) {
	var q *dbq.Query
	q = dbq.NewQuery("select id, name, owner, uidnext, uidvalidity, nextmodseq, deleted from mailboxes order by name", func() {
		for row := q.NextRow(); row != nil; row = q.NextRow() {
			typ := Ordinary
			if row.Bool("deleted") {
				typ = Deleted
			}
			var mowner int64
			if !row.IsNull("owner") {
				mowner = row.Int64("owner")
			}
			r.attach(row.String("name"), row.Int64("id"), typ,
				mowner, row.UInt32("uidnext"), row.UInt32("uidvalidity"), row.Int64("nextmodseq"))
		}
		if q.Done() {
			if q.Failed() {
				r.log.Errorx("refreshing mailboxes", q.Err())
			}
			if owner != nil {
				owner()
			}
		}
	})
	if t != nil {
		t.Enqueue(q)
		t.Execute()
	} else {
		r.pool.Submit(q)
	}
}

func (m *Mailbox) Name() string      { return m.name }
func (m *Mailbox) Id() int64         { return m.id }
func (m *Mailbox) Type() MailboxType { return m.typ }
func (m *Mailbox) Owner() int64      { return m.owner }

func (m *Mailbox) Parent() *Mailbox     { return m.parent }
func (m *Mailbox) Children() []*Mailbox { return m.children }

func (m *Mailbox) Uidnext() uint32     { return m.uidnext }
func (m *Mailbox) Uidvalidity() uint32 { return m.uidvalidity }
func (m *Mailbox) NextModseq() int64   { return m.nextModseq }

func (m *Mailbox) Synthetic() bool { return m.typ == Synthetic }
func (m *Mailbox) Deleted() bool   { return m.typ == Deleted }
func (m *Mailbox) Ordinary() bool  { return m.typ == Ordinary }

// View reports whether this mailbox is a view onto another.
func (m *Mailbox) View() bool { return m.typ == View }

// Sessions returns the sessions currently viewing this mailbox.
func (m *Mailbox) Sessions() []*Session { return m.sessions }

// AddWatcher registers fn to run when uidnext advances, returning a
// handle for removal.
func (m *Mailbox) AddWatcher(fn func(*Mailbox)) *Watcher {
	w := &Watcher{fn: fn}
	m.watchers = append(m.watchers, w)
	return w
}

// RemoveWatcher detaches w.
func (m *Mailbox) RemoveWatcher(w *Watcher) {
	for i, o := range m.watchers {
		if o == w {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			return
		}
	}
}

// setUidnext records an advance and notifies watchers. uidnext never
// decreases.
func (m *Mailbox) setUidnext(u uint32) {
	if u <= m.uidnext {
		return
	}
	m.uidnext = u
	for _, w := range append([]*Watcher{}, m.watchers...) {
		w.fn(m)
	}
}

// AdvanceUidnext applies an advance event published by the cluster-wide
// controller, the only permitted mutator of uidnext.
func (m *Mailbox) AdvanceUidnext(u uint32) { m.setUidnext(u) }

// NextUID returns the uid the next message would get. Assignment refuses
// at the 32-bit boundary rather than wrapping.
func (m *Mailbox) NextUID() (uint32, error) {
	if m.uidnext >= 0xffffffff {
		return 0, ErrUIDExhausted
	}
	return m.uidnext, nil
}

// SetNextModseq records the published modseq counter.
func (m *Mailbox) SetNextModseq(seq int64) {
	if seq > m.nextModseq {
		m.nextModseq = seq
	}
}

// Create enqueues the statements creating this mailbox on t: a Deleted
// mailbox is revived in place, preserving uidvalidity and its uid series;
// an unknown one is inserted with uidnext=1, uidvalidity=1. The row is
// reloaded after the insert. Returns false for an existing, live mailbox.
func (m *Mailbox) Create(t *dbq.Transaction, owner int64) bool {
	switch m.typ {
	case Ordinary, View:
		return false
	case Deleted:
		q := dbq.NewQuery("update mailboxes set deleted=false, owner=$1 where id=$2", nil)
		if owner == 0 {
			q.Bind(1, nil)
		} else {
			q.Bind(1, owner)
		}
		q.Bind(2, m.id)
		t.Enqueue(q)
	default:
		q := dbq.NewQuery("insert into mailboxes (name, owner, uidnext, uidvalidity, nextmodseq, deleted) "+
			"values ($1, $2, 1, 1, 1, false)", nil)
		q.Bind(1, m.name)
		if owner == 0 {
			q.Bind(2, nil)
		} else {
			q.Bind(2, owner)
		}
		t.Enqueue(q)
	}
	m.registry.Refresh(t, nil)
	return true
}

// Remove enqueues deletion: the row is marked deleted (preserving
// uidvalidity and the uid series for re-creation), and permissions,
// views and live messages are purged.
func (m *Mailbox) Remove(t *dbq.Transaction) bool {
	if m.id == 0 {
		return false
	}
	q := dbq.NewQuery("update mailboxes set deleted=true where id=$1", nil)
	q.Bind(1, m.id)
	t.Enqueue(q)
	q = dbq.NewQuery("delete from permissions where mailbox=$1", nil)
	q.Bind(1, m.id)
	t.Enqueue(q)
	q = dbq.NewQuery("delete from views where view=$1 or source=$1", nil)
	q.Bind(1, m.id)
	t.Enqueue(q)
	q = dbq.NewQuery("delete from mailbox_messages where mailbox=$1", nil)
	q.Bind(1, m.id)
	t.Enqueue(q)
	m.typ = Deleted
	m.registry.Refresh(t, nil)
	return true
}

// Threader returns the mailbox's threader, creating it on first use.
func (m *Mailbox) Threader() *Threader {
	if m.threader == nil {
		m.threader = NewThreader(m)
	}
	return m.threader
}
