package dbq

import (
	"time"

	"github.com/lib/pq"

	"github.com/aoxmail/aox/mlog"
)

// Listener receives asynchronous notifications (LISTEN/NOTIFY) and hands
// them to the loop goroutine. Helper-row creators notify
// <table>_extended after extending an intern table; mass deletion
// notifies obliterated.
type Listener struct {
	pl     *pq.Listener
	post   func(func())
	handle func(channel, payload string)
	log    *mlog.Log
}

// NewListener connects a notification listener. handle runs on the loop
// goroutine for each received notification.
func NewListener(dsn string, post func(func()), handle func(channel, payload string)) *Listener {
	l := &Listener{
		post:   post,
		handle: handle,
		log:    mlog.New("dbq"),
	}
	l.pl = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.log.Errorx("listener event", err, mlog.Field("event", int(ev)))
		}
	})
	go l.run()
	return l
}

// Listen subscribes to a channel.
func (l *Listener) Listen(channel string) error {
	return l.pl.Listen(channel)
}

// Close stops the listener.
func (l *Listener) Close() error { return l.pl.Close() }

func (l *Listener) run() {
	for n := range l.pl.Notify {
		if n == nil {
			// Connection loss; the library reconnects, peers will
			// re-notify on their next change.
			continue
		}
		channel, payload := n.Channel, n.Extra
		l.post(func() { l.handle(channel, payload) })
	}
}
