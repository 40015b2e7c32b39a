package eventloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func pair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	return fds[0], fds[1]
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return l
}

func TestTimerFires(t *testing.T) {
	l := newLoop(t)
	fired := 0
	l.AddTimer(NewTimer(0, func() { fired++ }))
	l.step()
	tcompare(t, fired, 1)
	// One-shot: no second firing.
	l.step()
	tcompare(t, fired, 1)
}

func TestTimerRemoval(t *testing.T) {
	l := newLoop(t)
	fired := 0
	tm := NewTimer(0, func() { fired++ })
	l.AddTimer(tm)
	l.RemoveTimer(tm)
	l.step()
	tcompare(t, fired, 0)
}

func TestPost(t *testing.T) {
	l := newLoop(t)
	ran := false
	l.Post(func() { ran = true })
	l.step()
	tcompare(t, ran, true)
}

func TestReadDispatch(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Internal)
	var events []Event
	c.SetHandler(func(ev Event) { events = append(events, ev) })
	l.AddConnection(c)

	unix.Write(b, []byte("hello"))
	l.step()
	tcompare(t, len(events), 1)
	tcompare(t, events[0], EventRead)
	tcompare(t, string(c.ReadBuffer()), "hello")
	c.Consume(5)
	tcompare(t, len(c.ReadBuffer()), 0)
}

func TestPeerClose(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	c := NewConn(a, Internal)
	var events []Event
	c.SetHandler(func(ev Event) { events = append(events, ev) })
	l.AddConnection(c)

	unix.Close(b)
	l.step()
	// Read of 0 bytes: Read event then Close, connection drains out.
	tcompare(t, len(events), 2)
	tcompare(t, events[0], EventRead)
	tcompare(t, events[1], EventClose)
	tcompare(t, c.Valid(), false)
}

func TestWriteFlush(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Internal)
	l.AddConnection(c)

	c.Write([]byte("out"))
	l.step()
	tcompare(t, c.PendingWrite(), 0)

	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	if err != nil || string(buf[:n]) != "out" {
		t.Fatalf("peer read %q, %v", buf[:n], err)
	}
}

func TestTimeoutEvent(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Internal)
	var events []Event
	c.SetHandler(func(ev Event) { events = append(events, ev) })
	c.SetTimeout(time.Now().Add(-time.Second))
	l.AddConnection(c)

	l.step()
	tcompare(t, len(events) >= 1, true)
	tcompare(t, events[0], EventTimeout)
	// The timeout is cleared after delivery, never fatal.
	tcompare(t, c.Timeout().IsZero(), true)
	tcompare(t, c.Valid(), true)
}

func TestStartupExcludesListeners(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Listener)
	var events []Event
	c.SetHandler(func(ev Event) { events = append(events, ev) })
	l.AddConnection(c)
	l.SetStartup(true)

	unix.Write(b, []byte("x"))
	// A due timer keeps the wait from sleeping while the listener's
	// readability is ignored.
	l.AddTimer(NewTimer(0, func() {}))
	l.step()
	tcompare(t, len(events), 0)

	l.SetStartup(false)
	l.step()
	tcompare(t, len(events), 1)
	tcompare(t, events[0], EventRead)
}

func TestAddConnectionDuplicate(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Internal)
	l.AddConnection(c)
	l.AddConnection(c)
	tcompare(t, len(l.conns), 1)

	l.Stop()
	d := NewConn(b, Internal)
	l.AddConnection(d)
	tcompare(t, len(l.conns), 1)
}

func TestShutdownWalk(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Internal)
	var events []Event
	c.SetHandler(func(ev Event) {
		events = append(events, ev)
		if ev == EventShutdown {
			c.Write([]byte("bye"))
		}
	})
	l.AddConnection(c)
	l.Stop()
	l.Run()

	tcompare(t, len(events), 1)
	tcompare(t, events[0], EventShutdown)
	buf := make([]byte, 16)
	n, _ := unix.Read(b, buf)
	tcompare(t, string(buf[:n]), "bye")
	tcompare(t, c.Valid(), false)
}

func TestCloseAllExceptListeners(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c, d := pair(t)
	defer unix.Close(d)
	lc := NewConn(a, Listener)
	ic := NewConn(c, Internal)
	l.AddConnection(lc)
	l.AddConnection(ic)
	l.CloseAllExceptListeners()
	tcompare(t, lc.Valid(), true)
	tcompare(t, ic.Valid(), false)
}

func TestHandlerPanicCloses(t *testing.T) {
	l := newLoop(t)
	a, b := pair(t)
	defer unix.Close(b)
	c := NewConn(a, Internal)
	c.SetHandler(func(ev Event) {
		if ev == EventRead {
			panic("boom")
		}
	})
	l.AddConnection(c)
	unix.Write(b, []byte("x"))
	l.step()
	tcompare(t, c.Valid(), false)
	tcompare(t, len(l.conns), 0)
}

func TestConnStateStrings(t *testing.T) {
	tcompare(t, Connecting.String(), "connecting")
	tcompare(t, EventTimeout.String(), "timeout")
	tcompare(t, DatabaseClient.String(), "db")
}
