package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/message"
	"github.com/aoxmail/aox/metrics"
	"github.com/aoxmail/aox/mlog"
	"github.com/aoxmail/aox/search"
)

// FetchClass is one data class the fetcher can reconstruct.
type FetchClass int

const (
	FetchFlags FetchClass = iota
	FetchAnnotations
	FetchAddresses
	FetchOtherHeader
	FetchBody
	FetchTrivia
	FetchPartNumbers
)

func (c FetchClass) String() string {
	switch c {
	case FetchFlags:
		return "flags"
	case FetchAnnotations:
		return "annotations"
	case FetchAddresses:
		return "addresses"
	case FetchOtherHeader:
		return "otherheader"
	case FetchBody:
		return "body"
	case FetchTrivia:
		return "trivia"
	case FetchPartNumbers:
		return "bytes/lines"
	}
	return "unknown"
}

type fetcherState int

const (
	notStarted fetcherState = iota
	findingMessages
	fetching
	fetcherDone
)

const batchHashSize = 1800

// Submitter runs standalone statements; satisfied by dbq.Pool.
type Submitter interface {
	Submit(q *dbq.Query)
}

// Fetcher retrieves message data for some or all messages in a mailbox,
// one batch at a time, issuing one query per requested data class per
// batch. Whenever a batch's decoders finish, it sizes and starts the
// next batch, targeting about 30 seconds per batch.
type Fetcher struct {
	mailbox *Mailbox
	pool    Submitter
	owner   func()
	log     *mlog.Log

	// Working set, sorted by uid; messages move out as they are
	// batched.
	messages  []*message.Message
	remaining int

	batch     [batchHashSize][]*message.Message
	batchList []*message.Message // Current batch in uid order.
	batchIds  string
	unique    bool
	batchSize int

	maxBatchSize     int
	lastBatchStarted time.Time

	state     fetcherState
	abandoned bool
	selector  *search.Selector
	find      *dbq.Query

	decoders map[FetchClass]*decoder

	// now is replaceable for tests.
	now func() time.Time
}

// NewFetcher returns a fetcher filling in the given messages of mailbox
// m, notifying owner when done.
func NewFetcher(m *Mailbox, messages []*message.Message, pool Submitter, owner func()) *Fetcher {
	f := &Fetcher{
		mailbox:      m,
		pool:         pool,
		owner:        owner,
		maxBatchSize: 32768,
		decoders:     map[FetchClass]*decoder{},
		now:          time.Now,
		log:          mlog.New("store"),
	}
	f.AddMessages(messages)
	return f
}

// NewMessageFetcher returns a fetcher filling in a single message by its
// database id. It can fetch bodies, headers and addresses.
func NewMessageFetcher(m *message.Message, pool Submitter, owner func()) *Fetcher {
	f := &Fetcher{
		pool:         pool,
		owner:        owner,
		maxBatchSize: 32768,
		decoders:     map[FetchClass]*decoder{},
		now:          time.Now,
		log:          mlog.New("store"),
	}
	f.messages = []*message.Message{m}
	return f
}

// AddMessages extends the working set; no-op once execution started.
// The set is kept in uid order for the uid-advance decoders.
func (f *Fetcher) AddMessages(messages []*message.Message) {
	if f.state != notStarted {
		return
	}
	f.messages = append(f.messages, messages...)
	sort.Slice(f.messages, func(i, j int) bool { return f.messages[i].UID() < f.messages[j].UID() })
}

// Fetch requests a data class. Body implies PartNumbers.
func (f *Fetcher) Fetch(c FetchClass) {
	if _, ok := f.decoders[c]; ok {
		return
	}
	f.decoders[c] = &decoder{f: f, class: c}
	if c == FetchBody {
		f.Fetch(FetchPartNumbers)
	}
}

// Fetching reports whether the class was requested.
func (f *Fetcher) Fetching(c FetchClass) bool {
	_, ok := f.decoders[c]
	return ok
}

// SetSelector overrides the uid-set selector built from the working set,
// so arbitrary selections can be retrieved.
func (f *Fetcher) SetSelector(s *search.Selector) { f.selector = s }

// Done reports whether the fetcher finished its assigned work.
func (f *Fetcher) Done() bool { return f.state == fetcherDone }

// abandon makes the fetcher drain pending rows without decoding or
// issuing further batches.
func (f *Fetcher) abandon() { f.abandoned = true }

// Execute advances the state machine; it is re-entered by its queries'
// callbacks.
func (f *Fetcher) Execute() {
	if f.abandoned {
		return
	}
	for {
		s := f.state
		switch f.state {
		case notStarted:
			f.start()
		case findingMessages:
			f.findMessages()
		case fetching:
			f.waitForEnd()
		case fetcherDone:
			return
		}
		if s == f.state {
			return
		}
	}
}

// classes returns the requested decoders, partnumbers omitted when body
// covers it.
func (f *Fetcher) classes() []*decoder {
	order := []FetchClass{FetchFlags, FetchAnnotations, FetchAddresses, FetchOtherHeader, FetchBody, FetchTrivia, FetchPartNumbers}
	var out []*decoder
	for _, c := range order {
		if c == FetchPartNumbers && f.Fetching(FetchBody) {
			continue
		}
		if d, ok := f.decoders[c]; ok {
			out = append(out, d)
		}
	}
	return out
}

// start classifies the job: single message by database id, small job
// issuing one query per class across the selector, or a pre-scan
// followed by batches.
func (f *Fetcher) start() {
	n := len(f.classes())
	if n == 0 {
		return
	}

	var what []string
	for _, d := range f.classes() {
		what = append(what, d.class.String())
	}
	f.log.Debug("fetching", mlog.Field("messages", len(f.messages)), mlog.Field("classes", strings.Join(what, " ")))

	if len(f.messages) == 1 && f.messages[0].DatabaseId() != 0 {
		// Fetching by database id, not uid. Just do it.
		f.batchSize = 1
		f.remaining = 1
		f.prepareBatch()
		f.makeQueries()
		f.state = fetching
		return
	}

	uids := &search.UIDSet{}
	for _, m := range f.messages {
		uids.Add(m.UID())
	}
	expected := uids.Count()

	// A separate pre-scan query pays off only for larger jobs.
	simple := false
	if n == 1 {
		simple = true
	} else if uids.IsRange() && expected*n < 2000 {
		simple = true
	} else if expected*n < 1000 {
		simple = true
	}

	// Maybe the set can become bigger but simpler, returning the same
	// messages: widen across uids known absent from the best session.
	if !uids.IsRange() && f.mailbox != nil {
		var best *Session
		for _, s := range f.mailbox.Sessions() {
			if best == nil || best.NextModseq() < s.NextModseq() {
				best = s
			}
		}
		if best != nil {
			uids.AddGapsFrom(best.Messages())
		}
	}

	if f.selector == nil {
		f.selector = search.NewUIDSet(uids)
	}

	if simple {
		f.makeQueries()
		f.state = fetching
		return
	}

	// Two steps; choose a size for the first batch.
	f.batchSize = 1024
	if f.Fetching(FetchBody) {
		f.batchSize /= 2
	}
	if f.Fetching(FetchOtherHeader) {
		f.batchSize = f.batchSize * 2 / 3
	}
	if f.Fetching(FetchAddresses) {
		f.batchSize = f.batchSize * 3 / 4
	}

	wanted := []string{"uid", "message"}
	if f.Fetching(FetchTrivia) {
		wanted = append(wanted, "idate", "modseq")
	}
	f.find = f.selector.Query(0, f.mailbox, f.Execute, false, wanted)
	f.pool.Submit(f.find)
	f.state = findingMessages
}

// findMessages consumes the pre-scan, populating each message's database
// id (and trivia when requested), then proceeds to batched fetching.
func (f *Fetcher) findMessages() {
	if !f.find.Done() {
		return
	}
	i := 0
	for r := f.find.NextRow(); r != nil; r = f.find.NextRow() {
		f.remaining++
		uid := r.UInt32("uid")
		for i < len(f.messages) && f.messages[i].UID() < uid {
			i++
		}
		if i < len(f.messages) && f.messages[i].UID() == uid {
			m := f.messages[i]
			m.SetDatabaseId(r.Int64("message"))
			if f.Fetching(FetchTrivia) {
				m.SetModSeq(r.Int64("modseq"))
				m.SetInternalDate(r.Int64("idate"))
			}
		}
	}
	f.state = fetching
	f.prepareBatch()
	f.makeQueries()
}

// waitForEnd checks whether the batch's queries and decoders are done;
// when they are, it closes out the batch and either starts the next or
// notifies the owner.
func (f *Fetcher) waitForEnd() {
	for _, d := range f.classes() {
		if d.q != nil && !d.q.Done() {
			return
		}
	}

	if f.batchSize > 0 {
		for _, d := range f.classes() {
			for _, bucket := range f.batch {
				for _, m := range bucket {
					d.setDone(m)
				}
			}
		}
	} else {
		for _, m := range f.messages {
			for _, d := range f.classes() {
				d.setDone(m)
			}
		}
		f.messages = nil
	}

	if len(f.messages) == 0 {
		f.state = fetcherDone
		if f.owner != nil {
			f.owner()
		}
		return
	}
	f.prepareBatch()
	f.makeQueries()
}

// prepareBatch adjusts the batch size toward one batch every ~30 seconds
// and fills the bucket table for the coming batch.
func (f *Fetcher) prepareBatch() {
	now := f.now()
	if !f.lastBatchStarted.IsZero() {
		prev := f.batchSize
		elapsed := now.Sub(f.lastBatchStarted)
		secs := int(elapsed / time.Second)
		switch {
		case secs == 0 && elapsed >= 0:
			// Suspiciously fast; a modest increase.
			f.batchSize *= 2
		case elapsed < 0:
			// Time went backwards; be very careful.
			f.batchSize = 128
		default:
			f.batchSize = f.batchSize * 30 / secs
		}
		if f.batchSize > prev*3 {
			f.batchSize = prev * 3
		}
		if f.batchSize > prev+2000 {
			f.batchSize = prev + 2000
		}
		if f.batchSize < 128 {
			f.batchSize = 128
		}
		if f.batchSize > f.maxBatchSize {
			f.batchSize = f.maxBatchSize
		}
		metrics.FetcherBatchSeconds.Observe(elapsed.Seconds())
		f.log.Debug("batch sized", mlog.Field("elapsed", elapsed), mlog.Field("prev", prev), mlog.Field("next", f.batchSize))
	}
	f.lastBatchStarted = now
	metrics.FetcherBatchSize.Set(float64(f.batchSize))

	// Absorb an almost-empty tail into this batch.
	if f.remaining <= f.batchSize*5/4 {
		f.batchSize = f.remaining
	}

	// Fill the bucket table, counting expected rows: several messages
	// may share one database id, and such duplicates share a bucket
	// entry.
	f.unique = true
	for i := range f.batch {
		f.batch[i] = nil
	}
	f.batchList = f.batchList[:0]
	ids := strings.Builder{}
	n := 0
	for len(f.messages) > 0 && n < f.batchSize {
		m := f.messages[0]
		f.messages = f.messages[1:]
		id := m.DatabaseId()
		b := int(id % batchHashSize)
		dup := false
		for _, o := range f.batch[b] {
			if o.DatabaseId() == id {
				dup = true
				break
			}
		}
		if dup {
			f.unique = false
		} else {
			if ids.Len() > 0 {
				ids.WriteByte(',')
			}
			fmt.Fprintf(&ids, "%d", id)
			n++
		}
		f.batch[b] = append(f.batch[b], m)
		f.batchList = append(f.batchList, m)
		f.remaining--
	}
	f.batchIds = ids.String()
}

// currentSet is what the uid-advance decoders iterate: the batch when
// batching, the whole working set otherwise.
func (f *Fetcher) currentSet() []*message.Message {
	if f.batchSize > 0 {
		return f.batchList
	}
	return f.messages
}

// batchUids collects the uids of the current batch.
func (f *Fetcher) batchUids() *search.UIDSet {
	s := &search.UIDSet{}
	for _, bucket := range f.batch {
		for _, m := range bucket {
			s.Add(m.UID())
		}
	}
	return s
}

// makeQueries issues one select per requested class, over the batch's id
// list or by splicing into the selector's query for small jobs.
func (f *Fetcher) makeQueries() {
	wanted := []string{"mailbox", "uid"}
	var uids *search.UIDSet
	batched := f.batchSize > 0
	uidSelector := f.selector != nil && f.selector.MessageSet() != nil

	if d, ok := f.decoders[FetchFlags]; ok && f.mailbox != nil {
		var q *dbq.Query
		if batched || uidSelector {
			if uids == nil && batched {
				uids = f.batchUids()
			}
			set := uids
			if set == nil {
				set = f.selector.MessageSet()
			}
			q = dbq.NewQuery("select mailbox, uid, flag from flags where mailbox=$1 and "+
				set.Where("uid")+" order by mailbox, uid, flag", d.execute)
			q.Bind(1, f.mailbox.Id())
		} else {
			q = f.selector.Query(0, f.mailbox, d.execute, false, wanted)
			t := q.Text()
			t = strings.Replace(t, " where ",
				" left join flags f on (mm.mailbox=f.mailbox and mm.uid=f.uid) where ", 1)
			t = strings.Replace(t, "select distinct mm.", "select distinct f.flag, mm.", 1)
			t = strings.Replace(t, " order by mm.uid", " order by mm.mailbox, mm.uid, f.flag", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}

	if d, ok := f.decoders[FetchAnnotations]; ok && f.mailbox != nil {
		var q *dbq.Query
		if batched || uidSelector {
			if uids == nil && batched {
				uids = f.batchUids()
			}
			set := uids
			if set == nil {
				set = f.selector.MessageSet()
			}
			q = dbq.NewQuery("select a.mailbox, a.uid, a.owner, a.value, an.name, an.id "+
				"from annotations a join annotation_names an on (a.name=an.id) "+
				"where a.mailbox=$1 and "+set.Where("a.uid")+" order by a.mailbox, a.uid", d.execute)
			q.Bind(1, f.mailbox.Id())
		} else {
			q = f.selector.Query(0, f.mailbox, d.execute, false, wanted)
			t := q.Text()
			t = strings.Replace(t, " where ",
				" join annotations a on (mm.mailbox=a.mailbox and mm.uid=a.uid)"+
					" join annotation_names an on (a.name=an.id) where ", 1)
			t = strings.Replace(t, "select distinct mm.",
				"select distinct a.owner, a.value, an.name, an.id, mm.", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}

	if batched {
		wanted = append(wanted, "message")
	}

	if d, ok := f.decoders[FetchPartNumbers]; ok && !f.Fetching(FetchBody) {
		// Body handles part numbers as a side effect.
		var q *dbq.Query
		if batched {
			q = dbq.NewQuery("select message, part, bytes, lines from part_numbers "+
				"where message in ("+f.batchIds+")", d.execute)
		} else {
			q = f.selector.Query(0, f.mailbox, d.execute, false, wanted)
			t := q.Text()
			t = strings.Replace(t, " where ",
				" join part_numbers pn on (mm.message=pn.message) where ", 1)
			t = strings.Replace(t, "select distinct mm.",
				"select distinct pn.part, pn.bytes, pn.lines, mm.", 1)
			t = strings.Replace(t, " order by mm.uid", " order by mm.uid, pn.part", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}

	if d, ok := f.decoders[FetchAddresses]; ok {
		var q *dbq.Query
		if batched {
			q = dbq.NewQuery("select af.message, af.part, af.position, af.field, af.number, "+
				"a.name, a.localpart, a.domain from address_fields af "+
				"join addresses a on (af.address=a.id) where af.message in ("+f.batchIds+") "+
				"order by af.message, af.part, af.field, af.number", d.execute)
		} else {
			q = f.selector.Query(0, f.mailbox, d.execute, false, wanted)
			t := q.Text()
			t = strings.Replace(t, " where ",
				" join address_fields af on (mm.message=af.message)"+
					" join addresses a on (af.address=a.id) where ", 1)
			t = strings.Replace(t, "select distinct mm.",
				"select distinct af.part, af.position, af.field, af.number, "+
					"a.name, a.localpart, a.domain, mm.", 1)
			t = strings.Replace(t, " order by mm.uid", " order by mm.uid, af.part, af.field, af.number", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}

	if d, ok := f.decoders[FetchOtherHeader]; ok {
		var q *dbq.Query
		if batched {
			q = dbq.NewQuery("select hf.message, hf.part, hf.position, fn.name, hf.value "+
				"from header_fields hf join field_names fn on (hf.field=fn.id) "+
				"where hf.message in ("+f.batchIds+") order by hf.message, hf.part", d.execute)
		} else {
			q = f.selector.Query(0, f.mailbox, d.execute, false, wanted)
			t := q.Text()
			t = strings.Replace(t, " where ",
				" join header_fields hf on (mm.message=hf.message)"+
					" join field_names fn on (hf.field=fn.id) where ", 1)
			t = strings.Replace(t, "select distinct mm.",
				"select distinct hf.part, hf.position, fn.name, hf.value, mm.", 1)
			t = strings.Replace(t, " order by mm.uid", " order by mm.uid, hf.part", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}

	if d, ok := f.decoders[FetchBody]; ok {
		var q *dbq.Query
		if batched {
			q = dbq.NewQuery("select pn.message, pn.part, bp.text, bp.data, "+
				"bp.bytes as rawbytes, pn.bytes, pn.lines from part_numbers pn "+
				"left join bodyparts bp on (pn.bodypart=bp.id) "+
				"where bp.id is not null and pn.message in ("+f.batchIds+")", d.execute)
		} else {
			q = f.selector.Query(0, f.mailbox, d.execute, false, wanted)
			t := q.Text()
			t = strings.Replace(t, " where ",
				" join part_numbers pn on (mm.message=pn.message)"+
					" join bodyparts bp on (pn.bodypart=bp.id) where ", 1)
			t = strings.Replace(t, "select distinct mm.",
				"select distinct pn.part, bp.text, bp.data, "+
					"bp.bytes as rawbytes, pn.bytes, pn.lines, mm.", 1)
			t = strings.Replace(t, " order by mm.uid", " order by mm.uid, pn.part", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}

	if d, ok := f.decoders[FetchTrivia]; ok {
		var q *dbq.Query
		if batched {
			q = dbq.NewQuery("select id as message, rfc822size from messages "+
				"where id in ("+f.batchIds+")", d.execute)
		} else {
			w := append(append([]string{}, wanted...), "idate", "modseq")
			q = f.selector.Query(0, f.mailbox, d.execute, false, w)
			t := q.Text()
			if !strings.Contains(t, " join messages m ") {
				t = strings.Replace(t, " where ",
					" join messages m on (mm.message=m.id) where ", 1)
			}
			t = strings.Replace(t, "select distinct mm.",
				"select distinct m.rfc822size, mm.", 1)
			q.SetText(t)
		}
		d.q = q
		d.mit = 0
		f.pool.Submit(q)
	}
}
