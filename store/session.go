package store

import (
	"github.com/aoxmail/aox/search"
)

// SessionEvent is emitted to the protocol layer when a session's view
// changes.
type SessionEvent struct {
	// Expunge: the uid and its (former) msn. Zero uid means no expunge.
	ExpungeUID uint32
	ExpungeMSN int

	// Exists: the new message count after arrivals. Negative means no
	// announcement.
	Exists int
}

// Session is a per-client view onto a mailbox: a uid<->msn bijection, the
// visible uid set, pending arrival/expunge deltas and the client's
// modseq position. Each session registers a watcher on its mailbox that
// records the advanced uidnext (see UidnextSeen); the watcher does not
// compute deltas or emit events. Arrivals and expunges are noted with
// NoteNewMessages and NoteExpunged, and EmitUpdates emits them.
type Session struct {
	mailbox *Mailbox
	watcher *Watcher
	emit    func(SessionEvent)

	msns []uint32 // msn = index+1.

	pendingNew     *search.UIDSet
	pendingExpunge *search.UIDSet

	nextModseq int64

	announceAnnotations bool
	uidnextSeen         uint32
}

// NewSession attaches a view to m. emit receives ordered view-change
// events; nil discards them.
func NewSession(m *Mailbox, emit func(SessionEvent)) *Session {
	s := &Session{
		mailbox:        m,
		emit:           emit,
		pendingNew:     &search.UIDSet{},
		pendingExpunge: &search.UIDSet{},
		uidnextSeen:    m.Uidnext(),
	}
	if emit == nil {
		s.emit = func(SessionEvent) {}
	}
	s.watcher = m.AddWatcher(func(mb *Mailbox) {
		s.uidnextSeen = mb.Uidnext()
	})
	m.sessions = append(m.sessions, s)
	return s
}

// Close detaches the session from its mailbox.
func (s *Session) Close() {
	s.mailbox.RemoveWatcher(s.watcher)
	for i, o := range s.mailbox.sessions {
		if o == s {
			s.mailbox.sessions = append(s.mailbox.sessions[:i], s.mailbox.sessions[i+1:]...)
			break
		}
	}
}

// Mailbox returns the viewed mailbox.
func (s *Session) Mailbox() *Mailbox { return s.mailbox }

// Count returns the number of visible messages.
func (s *Session) Count() int { return len(s.msns) }

// Messages returns the visible uids.
func (s *Session) Messages() *search.UIDSet {
	set := &search.UIDSet{}
	for _, u := range s.msns {
		set.Add(u)
	}
	return set
}

// Msn returns the message sequence number for a uid, 0 if not visible.
func (s *Session) Msn(uid uint32) int {
	lo, hi := 0, len(s.msns)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.msns[mid] < uid {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s.msns) && s.msns[lo] == uid {
		return lo + 1
	}
	return 0
}

// Uid returns the uid at a message sequence number, 0 when out of range.
func (s *Session) Uid(msn int) uint32 {
	if msn < 1 || msn > len(s.msns) {
		return 0
	}
	return s.msns[msn-1]
}

// NextModseq returns the highest modseq this session has seen.
func (s *Session) NextModseq() int64 { return s.nextModseq }

// SetNextModseq records the client's modseq position; it never moves
// backwards.
func (s *Session) SetNextModseq(seq int64) {
	if seq > s.nextModseq {
		s.nextModseq = seq
	}
}

// AnnounceAnnotations controls whether annotation updates are streamed
// to this client.
func (s *Session) AnnounceAnnotations(v bool) { s.announceAnnotations = v }

func (s *Session) AnnouncingAnnotations() bool { return s.announceAnnotations }

// UidnextSeen returns the mailbox uidnext most recently published to this
// session's watcher.
func (s *Session) UidnextSeen() uint32 { return s.uidnextSeen }

// NoteNewMessages records arrived uids for the next delta emission.
func (s *Session) NoteNewMessages(uids *search.UIDSet) {
	s.pendingNew.AddSet(uids)
}

// NoteExpunged records expunged uids for the next delta emission.
func (s *Session) NoteExpunged(uids *search.UIDSet) {
	s.pendingExpunge.AddSet(uids)
}

// EmitUpdates flushes pending deltas in order: expunges first, in
// ascending uid order, so an expunge for uid u never follows any message
// whose uid is greater; then a single exists announcement for arrivals.
func (s *Session) EmitUpdates() {
	if !s.pendingExpunge.IsEmpty() {
		s.pendingExpunge.Each(func(uid uint32) {
			msn := s.Msn(uid)
			if msn == 0 {
				return
			}
			copy(s.msns[msn-1:], s.msns[msn:])
			s.msns = s.msns[:len(s.msns)-1]
			s.emit(SessionEvent{ExpungeUID: uid, ExpungeMSN: msn, Exists: -1})
		})
		s.pendingExpunge = &search.UIDSet{}
	}
	if !s.pendingNew.IsEmpty() {
		added := false
		s.pendingNew.Each(func(uid uint32) {
			if s.Msn(uid) != 0 {
				return
			}
			s.msns = insertUid(s.msns, uid)
			added = true
		})
		s.pendingNew = &search.UIDSet{}
		if added {
			s.emit(SessionEvent{Exists: len(s.msns)})
		}
	}
}

func insertUid(msns []uint32, uid uint32) []uint32 {
	i := len(msns)
	for i > 0 && msns[i-1] > uid {
		i--
	}
	msns = append(msns, 0)
	copy(msns[i+1:], msns[i:])
	msns[i] = uid
	return msns
}

// FetcherFor returns the mailbox's cached fetcher for a data class,
// allocating it lazily. All sessions sharing the mailbox share these.
func (m *Mailbox) FetcherFor(c FetchClass, pool Submitter) *Fetcher {
	if m.fetchers == nil {
		m.fetchers = map[FetchClass]*Fetcher{}
	}
	f := m.fetchers[c]
	if f == nil {
		f = NewFetcher(m, nil, pool, nil)
		f.Fetch(c)
		m.fetchers[c] = f
	}
	return f
}

// ForgetFetchers drops the fetcher cache. An abandoned fetcher still
// consumes pending rows so the database connection stays clean, but
// decodes nothing further.
func (m *Mailbox) ForgetFetchers() {
	for _, f := range m.fetchers {
		f.abandon()
	}
	m.fetchers = nil
}
