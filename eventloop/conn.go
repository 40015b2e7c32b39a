package eventloop

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aoxmail/aox/mlog"
)

// State is the monotonic connection state.
type State int

const (
	Inactive State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// Type is the connection role, used for logging and metrics.
type Type int

const (
	Listener Type = iota
	IMAPServer
	POP3Server
	SMTPServer
	HTTPServer
	ManageSieveServer
	DatabaseClient
	LogClient
	Internal
)

var typeStrings = map[Type]string{
	Listener:          "listener",
	IMAPServer:        "imap",
	POP3Server:        "pop3",
	SMTPServer:        "smtp",
	HTTPServer:        "http",
	ManageSieveServer: "managesieve",
	DatabaseClient:    "db",
	LogClient:         "log",
	Internal:          "internal",
}

func (t Type) String() string { return typeStrings[t] }

// Event is delivered to a connection's handler by the loop's dispatch.
type Event int

const (
	EventConnect Event = iota
	EventRead
	EventError
	EventClose
	EventTimeout
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventRead:
		return "read"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventTimeout:
		return "timeout"
	case EventShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Handler reacts to connection events. All calls happen on the loop
// goroutine.
type Handler func(ev Event)

var errWriteFailed = errors.New("write failed")

// Conn is a non-blocking socket registered with the event loop, with
// buffered reads and writes and a monotonic state.
type Conn struct {
	fd    int
	typ   Type
	state State

	rbuf []byte
	wbuf []byte

	// Zero means no timeout.
	timeout time.Time

	canRead  bool
	canWrite bool

	pendingConnect bool
	pendingError   bool

	handler Handler
	err     error
	log     *mlog.Log
}

// NewConn wraps an already-connected non-blocking fd.
func NewConn(fd int, typ Type) *Conn {
	return &Conn{
		fd:      fd,
		typ:     typ,
		state:   Connected,
		canRead: true,
		log:     mlog.New("eventloop").Fields(mlog.Field("fd", fd), mlog.Field("type", typ.String())),
	}
}

// NewConnecting wraps an fd with a connect in progress.
func NewConnecting(fd int, typ Type) *Conn {
	c := NewConn(fd, typ)
	c.state = Connecting
	return c
}

func (c *Conn) Fd() int          { return c.fd }
func (c *Conn) Type() Type       { return c.typ }
func (c *Conn) State() State     { return c.state }
func (c *Conn) SetState(s State) { c.state = s }

// Valid reports whether the connection still has a usable descriptor.
func (c *Conn) Valid() bool { return c.fd >= 0 }

func (c *Conn) SetHandler(h Handler) { c.handler = h }

func (c *Conn) react(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

// CanRead reports whether the loop should wait for readability.
func (c *Conn) CanRead() bool  { return c.canRead }
func (c *Conn) CanWrite() bool { return c.canWrite || len(c.wbuf) > 0 }

func (c *Conn) SetCanRead(v bool)  { c.canRead = v }
func (c *Conn) SetCanWrite(v bool) { c.canWrite = v }

// Timeout returns the deadline, zero for none.
func (c *Conn) Timeout() time.Time     { return c.timeout }
func (c *Conn) SetTimeout(t time.Time) { c.timeout = t }
func (c *Conn) ClearTimeout()          { c.timeout = time.Time{} }

// Err returns the error that drove the connection to Closing, if any.
func (c *Conn) Err() error { return c.err }

// ReadBuffer returns the bytes read so far. The caller consumes them with
// Consume.
func (c *Conn) ReadBuffer() []byte { return c.rbuf }

// Consume removes the first n bytes from the read buffer.
func (c *Conn) Consume(n int) {
	if n >= len(c.rbuf) {
		c.rbuf = c.rbuf[:0]
		return
	}
	c.rbuf = append(c.rbuf[:0], c.rbuf[n:]...)
}

// Write appends to the write buffer; the loop flushes when the socket is
// writable.
func (c *Conn) Write(b []byte) {
	c.wbuf = append(c.wbuf, b...)
	c.canWrite = true
}

// PendingWrite returns the number of unflushed bytes.
func (c *Conn) PendingWrite() int { return len(c.wbuf) }

// MarkConnectPending records that the next dispatch should treat the
// connection as connected.
func (c *Conn) MarkConnectPending() { c.pendingConnect = true }

// MarkErrorPending records that the next dispatch should fail the
// connection.
func (c *Conn) MarkErrorPending() { c.pendingError = true }

// fill pulls available bytes into the read buffer without blocking.
// Returns false when the peer closed.
func (c *Conn) fill() bool {
	open := true
	buf := make([]byte, 8192)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.rbuf = append(c.rbuf, buf[:n]...)
			if n < len(buf) {
				break
			}
			continue
		}
		if n == 0 && err == nil {
			open = false
			break
		}
		if err == unix.EINTR {
			continue
		}
		// EAGAIN and friends: nothing more now.
		break
	}
	return open
}

// flush writes as much of the write buffer as the socket accepts.
func (c *Conn) flush() {
	for len(c.wbuf) > 0 {
		n, err := unix.Write(c.fd, c.wbuf)
		if n > 0 {
			c.wbuf = append(c.wbuf[:0], c.wbuf[n:]...)
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			c.err = errWriteFailed
			return
		}
		if n == 0 {
			return
		}
	}
	if len(c.wbuf) == 0 {
		c.canWrite = false
	}
}

// Close releases the descriptor. Safe to call more than once.
func (c *Conn) Close() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.state = Closing
}

// socketError returns the pending socket error, via SO_ERROR.
func (c *Conn) socketError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// dispatch handles one readiness result for this connection, following
// the state machine: timeouts first, then connect completion, then reads,
// then writes, then close-on-drained.
func (c *Conn) dispatch(readable, writable bool, now time.Time) {
	defer func() {
		if x := recover(); x != nil {
			c.log.Error("handler panic, closing connection", mlog.Field("panic", x))
			c.Close()
			c.react(EventClose)
		}
	}()

	if !c.timeout.IsZero() && !now.Before(c.timeout) {
		c.timeout = time.Time{}
		c.react(EventTimeout)
		writable = true
	}

	if c.state == Connecting {
		if (writable && !readable) || c.pendingConnect {
			c.pendingConnect = false
			c.state = Connected
			c.react(EventConnect)
		} else if c.pendingError || (writable && readable && c.socketError() != nil) {
			c.pendingError = false
			c.err = c.socketError()
			c.react(EventError)
			c.state = Closing
			c.canRead = false
			c.canWrite = false
			c.wbuf = c.wbuf[:0]
			return
		}
	}

	if readable && c.state != Closing {
		open := c.fill()
		c.react(EventRead)
		if !open {
			c.canRead = false
			c.state = Closing
			c.react(EventClose)
		}
	}

	if writable && c.Valid() {
		c.flush()
		if c.err != nil {
			c.state = Closing
			c.react(EventClose)
		}
	}

	if c.state == Closing && len(c.wbuf) == 0 {
		c.Close()
	}
}
