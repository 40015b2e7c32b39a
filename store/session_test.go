package store

import (
	"testing"

	"github.com/aoxmail/aox/search"
)

func uidset(uids ...uint32) *search.UIDSet {
	s := &search.UIDSet{}
	for _, u := range uids {
		s.Add(u)
	}
	return s
}

func TestSessionMsnBijection(t *testing.T) {
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	s := NewSession(mb, nil)
	s.NoteNewMessages(uidset(10, 20, 30))
	s.EmitUpdates()

	tcompare(t, s.Count(), 3)
	tcompare(t, s.Msn(10), 1)
	tcompare(t, s.Msn(20), 2)
	tcompare(t, s.Msn(30), 3)
	tcompare(t, s.Msn(15), 0)
	tcompare(t, s.Uid(2), uint32(20))
	tcompare(t, s.Uid(4), uint32(0))
	tcompare(t, s.Messages().String(), "10,20,30")
}

// Expunge events come first, in ascending uid order; arrivals follow as
// one exists announcement.
func TestSessionEventOrdering(t *testing.T) {
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	var events []SessionEvent
	s := NewSession(mb, func(e SessionEvent) { events = append(events, e) })
	s.NoteNewMessages(uidset(10, 20, 30, 40))
	s.EmitUpdates()
	events = nil

	s.NoteExpunged(uidset(30, 10))
	s.NoteNewMessages(uidset(50))
	s.EmitUpdates()

	tcompare(t, len(events), 3)
	tcompare(t, events[0].ExpungeUID, uint32(10))
	tcompare(t, events[0].ExpungeMSN, 1)
	tcompare(t, events[1].ExpungeUID, uint32(30))
	// 30 was msn 3; after expunging 10 it is msn 2.
	tcompare(t, events[1].ExpungeMSN, 2)
	tcompare(t, events[2].Exists, 3) // 20, 40, 50 remain.
	tcompare(t, s.Msn(50), 3)
}

func TestSessionWatcher(t *testing.T) {
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	s := NewSession(mb, nil)
	tcompare(t, s.UidnextSeen(), uint32(100))
	mb.AdvanceUidnext(105)
	tcompare(t, s.UidnextSeen(), uint32(105))

	tcompare(t, len(mb.Sessions()), 1)
	s.Close()
	tcompare(t, len(mb.Sessions()), 0)
	mb.AdvanceUidnext(110)
	tcompare(t, s.UidnextSeen(), uint32(105)) // Watcher detached.
}

func TestSessionModseq(t *testing.T) {
	r := NewRegistry(nil)
	mb := r.attach("/inbox", 1, Ordinary, 0, 100, 1, 1)
	s := NewSession(mb, nil)
	s.SetNextModseq(9)
	s.SetNextModseq(5)
	tcompare(t, s.NextModseq(), int64(9))

	tcompare(t, s.AnnouncingAnnotations(), false)
	s.AnnounceAnnotations(true)
	tcompare(t, s.AnnouncingAnnotations(), true)
}
