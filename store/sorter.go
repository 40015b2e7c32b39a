package store

import (
	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/search"
)

// Sorter compiles a search over one mailbox, splices the sort criteria
// into the generated query and collects the resulting uids in sort
// order. Subject sort requires the threader to be updated first, so
// Execute refreshes it before compiling.
type Sorter struct {
	mailbox  *Mailbox
	selector *search.Selector
	sort     *search.Sort
	user     int64
	pool     Submitter
	owner    func()

	q    *dbq.Query
	uids []uint32
	done bool
	err  error
}

// NewSorter prepares a sorted search; owner is notified when the uids
// are available.
func NewSorter(m *Mailbox, sel *search.Selector, srt *search.Sort, user int64, pool Submitter, owner func()) *Sorter {
	return &Sorter{
		mailbox:  m,
		selector: sel,
		sort:     srt,
		user:     user,
		pool:     pool,
		owner:    owner,
	}
}

// Done reports completion; Err holds the failure.
func (s *Sorter) Done() bool { return s.done }
func (s *Sorter) Err() error { return s.err }

// UIDs returns the matching uids in the requested sort order.
func (s *Sorter) UIDs() []uint32 { return s.uids }

// Execute advances the search; it is re-entered by the threader and by
// its query's completion.
func (s *Sorter) Execute() {
	if s.done {
		return
	}

	if s.q == nil {
		if s.sort.UsingSubject() {
			th := s.mailbox.Threader()
			if !th.Updated(true) {
				if th.Err() != nil {
					s.fail(th.Err())
					return
				}
				th.Refresh(s.Execute)
				return
			}
		}
		s.selector.Simplify()
		s.q = s.selector.Query(s.user, s.mailbox, s.Execute, false, []string{"uid"})
		s.sort.Apply(s.q, s.selector, s.user)
		s.pool.Submit(s.q)
	}

	if !s.q.Done() {
		return
	}
	for r := s.q.NextRow(); r != nil; r = s.q.NextRow() {
		s.uids = append(s.uids, r.UInt32("uid"))
	}
	if s.q.Failed() {
		s.fail(s.q.Err())
		return
	}
	s.done = true
	if s.owner != nil {
		s.owner()
	}
}

func (s *Sorter) fail(err error) {
	s.err = err
	s.done = true
	if s.owner != nil {
		s.owner()
	}
}
