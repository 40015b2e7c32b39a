// Package eventloop multiplexes non-blocking connections and timers
// around a poll(2) readiness wait.
//
// The loop is cooperative and single-threaded: all user code runs between
// readiness waits, on the loop goroutine. Other goroutines hand work to
// the loop with Post.
package eventloop

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aoxmail/aox/metrics"
	"github.com/aoxmail/aox/mlog"
)

var xlog = mlog.New("eventloop")

// The longest poll wait, one minute, so gc pacing and gauges stay fresh.
const maxWait = 60 * time.Second

// Loop owns connections and timers. Every Conn and Timer belongs to
// exactly one Loop.
type Loop struct {
	conns   []*Conn
	timers  []*Timer
	stopped bool
	startup bool

	// Self-pipe waking the poll for cross-goroutine Post.
	wakeR, wakeW int
	posted       chan func()

	// GC pacing state.
	lastAlloc     uint64
	lastAllocated bool
	gcAlloc       uint64
	gcTime        time.Time
}

// New returns an empty loop.
func New() (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	return &Loop{
		wakeR:  fds[0],
		wakeW:  fds[1],
		posted: make(chan func(), 1024),
		gcTime: time.Now(),
	}, nil
}

// AddConnection registers c. Ignored after Stop; duplicates are no-ops.
func (l *Loop) AddConnection(c *Conn) {
	if l.stopped {
		return
	}
	for _, o := range l.conns {
		if o == c {
			return
		}
	}
	l.conns = append(l.conns, c)
	if c.typ != LogClient {
		xlog.Info("new connection", mlog.Field("type", c.typ.String()), mlog.Field("fd", c.fd))
	}
	metrics.Connections.WithLabelValues(c.typ.String()).Inc()
}

// RemoveConnection detaches c without closing it.
func (l *Loop) RemoveConnection(c *Conn) {
	for i, o := range l.conns {
		if o == c {
			l.conns = append(l.conns[:i], l.conns[i+1:]...)
			metrics.Connections.WithLabelValues(c.typ.String()).Dec()
			return
		}
	}
}

// CloseAllExcept closes every connection except a and b, for handing a
// pair of sockets to a forked child.
func (l *Loop) CloseAllExcept(a, b *Conn) {
	for _, c := range l.conns {
		if c != a && c != b {
			c.Close()
		}
	}
}

// CloseAllExceptListeners closes everything but Listener connections.
func (l *Loop) CloseAllExceptListeners() {
	for _, c := range l.conns {
		if c.typ != Listener {
			c.Close()
		}
	}
}

// FlushAll attempts to drain every write buffer.
func (l *Loop) FlushAll() {
	for _, c := range l.conns {
		if c.Valid() && c.PendingWrite() > 0 {
			c.flush()
		}
	}
}

// AddTimer registers t.
func (l *Loop) AddTimer(t *Timer) {
	l.timers = append(l.timers, t)
}

// RemoveTimer detaches t; its callback will not run.
func (l *Loop) RemoveTimer(t *Timer) {
	for i, o := range l.timers {
		if o == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return
		}
	}
}

// SetStartup controls startup mode: while set, Listener connections are
// excluded from the read set so initialization finishes before the
// daemon accepts work.
func (l *Loop) SetStartup(v bool) { l.startup = v }

func (l *Loop) Startup() bool { return l.startup }

// Stop makes the loop finish its current iteration and shut down.
func (l *Loop) Stop() {
	l.stopped = true
	l.wake()
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool { return l.stopped }

// Post hands fn to the loop goroutine; it runs between readiness waits.
// Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.posted <- fn
	l.wake()
}

func (l *Loop) wake() {
	unix.Write(l.wakeW, []byte{0})
}

// Run iterates until Stop, then walks all connections for shutdown: each
// Connected one gets a Shutdown event and a final flush; panics in
// handlers are tolerated.
func (l *Loop) Run() {
	for !l.stopped {
		l.step()
	}
	for _, c := range l.conns {
		if c.state != Connected || !c.Valid() {
			continue
		}
		func() {
			defer func() {
				if x := recover(); x != nil {
					xlog.Error("shutdown handler panic", mlog.Field("panic", x))
				}
			}()
			c.react(EventShutdown)
			c.flush()
		}()
	}
	for _, c := range l.conns {
		c.Close()
	}
}

// step runs one iteration: wait for readiness, run gc pacing, fire due
// timers, dispatch ready connections.
func (l *Loop) step() {
	now := time.Now()

	// Earliest deadline across connection timeouts and timers.
	var deadline time.Time
	earlier := func(t time.Time) {
		if !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
			deadline = t
		}
	}
	for _, c := range l.conns {
		earlier(c.timeout)
	}
	for _, t := range l.timers {
		earlier(t.deadline)
	}
	wait := maxWait
	if !deadline.IsZero() {
		if d := deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}

	fds := make([]unix.PollFd, 0, len(l.conns)+1)
	fds = append(fds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	polled := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		if !c.Valid() {
			continue
		}
		var ev int16
		if c.CanRead() && c.state != Closing && !(l.startup && c.typ == Listener) {
			ev |= unix.POLLIN
		}
		if c.CanWrite() || c.state == Connecting || c.state == Closing {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: ev})
		polled = append(polled, c)
	}

	n, err := unix.Poll(fds, int(wait.Milliseconds()))
	if err == unix.EINTR {
		return
	}
	if err == unix.EBADF {
		// Some registered descriptor went bad; probe and drop the
		// invalid ones.
		kept := l.conns[:0]
		for _, c := range l.conns {
			if c.Valid() {
				if _, ferr := unix.FcntlInt(uintptr(c.fd), unix.F_GETFD, 0); ferr == nil {
					kept = append(kept, c)
					continue
				}
			}
			xlog.Error("dropping connection with invalid descriptor", mlog.Field("fd", c.fd))
			metrics.Connections.WithLabelValues(c.typ.String()).Dec()
		}
		l.conns = kept
		return
	}
	if err != nil {
		xlog.Disasterx("readiness wait failed", err)
		l.stopped = true
		return
	}
	_ = n

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	before := ms.HeapAlloc
	l.maybeGC(before, time.Now())

	// Drain posted work.
	if fds[0].Revents&unix.POLLIN != 0 {
		var buf [64]byte
		for {
			if rn, _ := unix.Read(l.wakeR, buf[:]); rn <= 0 {
				break
			}
		}
	}
	for {
		select {
		case fn := <-l.posted:
			fn()
			continue
		default:
		}
		break
	}

	// Fire due timers.
	now = time.Now()
	due := []*Timer{}
	kept := l.timers[:0]
	for _, t := range l.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	l.timers = kept
	for _, t := range due {
		t.fn()
	}

	for i, c := range polled {
		if !c.Valid() {
			continue
		}
		re := fds[i+1].Revents
		readable := re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		writable := re&unix.POLLOUT != 0
		c.dispatch(readable, writable, now)
		if !c.Valid() {
			l.RemoveConnection(c)
		}
	}

	runtime.ReadMemStats(&ms)
	metrics.MemoryInUse.Set(float64(ms.HeapAlloc))
	l.lastAllocated = ms.HeapAlloc > before
	l.lastAlloc = ms.HeapAlloc
}

// maybeGC runs the collector when the iteration pattern or growth since
// the last collection warrants it: the last iteration allocated and this
// one did not, or memory grew by >20% and >8MiB since the last gc, or at
// least 128KiB was allocated and the last gc is a minute old.
func (l *Loop) maybeGC(alloc uint64, now time.Time) {
	allocated := alloc > l.lastAlloc
	grew := alloc > l.gcAlloc+l.gcAlloc/5 && alloc > l.gcAlloc+8*1024*1024
	stale := alloc >= l.gcAlloc+128*1024 && now.Sub(l.gcTime) >= maxWait
	if (l.lastAllocated && !allocated) || grew || stale {
		runtime.GC()
		metrics.LoopGCRuns.Inc()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		l.gcAlloc = ms.HeapAlloc
		l.gcTime = now
	}
}
