package store

import (
	"strings"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/message"
)

// decoder applies one data class's rows to the matching messages. On its
// first row it decides its lookup mode: by the message column when
// present (database-id mode), else by uid, advancing an iterator kept in
// sorted uid order.
type decoder struct {
	f     *Fetcher
	class FetchClass
	q     *dbq.Query

	findById  bool
	findByUid bool
	mit       int
}

// execute consumes buffered rows as they stream in; when the query
// completes it re-enters the fetcher.
func (d *decoder) execute() {
	if d.f.abandoned {
		// Drain so the connection stays clean, decode nothing.
		for d.q.NextRow() != nil {
		}
		return
	}
	r := d.q.NextRow()
	if r != nil && !d.findByUid && !d.findById {
		if r.HasColumn("message") {
			d.findById = true
		} else if r.HasColumn("uid") {
			d.mit = 0
			d.findByUid = true
		}
	}

	switch {
	case r == nil:
		// No rows, no work.
	case d.findByUid:
		set := d.f.currentSet()
		for r != nil {
			uid := r.UInt32("uid")
			for d.mit < len(set) && set[d.mit].UID() < uid {
				d.mit++
			}
			if d.mit < len(set) && set[d.mit].UID() == uid {
				if m := set[d.mit]; !d.isDone(m) {
					d.decode(m, r)
				}
			}
			r = d.q.NextRow()
		}
	case d.findById:
		for r != nil {
			id := r.Int64("message")
			b := int(id % batchHashSize)
			// When batch ids are not unique, several messages may want
			// this row; iterate all bucket entries then.
			for _, m := range d.f.batch[b] {
				if m.DatabaseId() != id {
					continue
				}
				if !d.isDone(m) {
					d.decode(m, r)
				}
				if d.f.unique {
					break
				}
			}
			r = d.q.NextRow()
		}
	}

	if d.q.Done() {
		d.f.Execute()
	}
}

func (d *decoder) decode(m *message.Message, r dbq.Row) {
	switch d.class {
	case FetchFlags:
		d.decodeFlags(m, r)
	case FetchAnnotations:
		d.decodeAnnotation(m, r)
	case FetchAddresses:
		d.decodeAddress(m, r)
	case FetchOtherHeader:
		d.decodeHeader(m, r)
	case FetchBody:
		d.decodePartNumber(m, r)
		d.decodeBody(m, r)
	case FetchTrivia:
		d.decodeTrivia(m, r)
	case FetchPartNumbers:
		d.decodePartNumber(m, r)
	}
}

func (d *decoder) setDone(m *message.Message) {
	switch d.class {
	case FetchFlags:
		m.SetFlagsFetched()
	case FetchAnnotations:
		m.SetAnnotationsFetched()
	case FetchAddresses:
		m.SetAddressesFetched()
	case FetchOtherHeader:
		m.SetHeadersFetched()
	case FetchBody:
		m.SetBodiesFetched()
		m.SetBytesAndLinesFetched()
	case FetchTrivia:
		// Hard work.
	case FetchPartNumbers:
		m.SetBytesAndLinesFetched()
	}
}

func (d *decoder) isDone(m *message.Message) bool {
	switch d.class {
	case FetchFlags:
		return m.HasFlags()
	case FetchAnnotations:
		return m.HasAnnotations()
	case FetchAddresses:
		return m.HasAddresses()
	case FetchOtherHeader:
		return m.HasHeaders()
	case FetchBody:
		return m.HasBodies() && m.HasBytesAndLines()
	case FetchTrivia:
		return m.Rfc822Size() > 0
	case FetchPartNumbers:
		return m.HasBytesAndLines()
	}
	return false
}

func (d *decoder) decodeFlags(m *message.Message, r dbq.Row) {
	id := r.Int("flag")
	if FlagNames.Name(id) != "" {
		m.AddFlag(id)
	}
	// A flag unknown in the intern cache is silently skipped: it is
	// new, so it was not announced on select either; the _extended
	// notification reloads the cache shortly.
}

func (d *decoder) decodeTrivia(m *message.Message, r dbq.Row) {
	m.SetRfc822Size(r.Int64("rfc822size"))
	if d.findById {
		return
	}
	m.SetInternalDate(r.Int64("idate"))
	m.SetModSeq(r.Int64("modseq"))
}

func (d *decoder) decodeAnnotation(m *message.Message, r dbq.Row) {
	id := r.Int("id")
	name := r.String("name")
	if AnnotationNames.Name(id) == "" {
		AnnotationNames.Add(name, id)
	}
	var owner uint32
	if !r.IsNull("owner") {
		owner = r.UInt32("owner")
	}
	m.ReplaceAnnotation(message.Annotation{
		NameId: id,
		Name:   name,
		Owner:  owner,
		Value:  r.String("value"),
	})
}

// headerFor resolves the header a row's part column refers to. Part
// "x.y.z.rfc822" is the embedded message at x.y.z, lazily allocated on
// first hit.
func headerFor(m *message.Message, part string) *message.Header {
	if part == "" {
		return m.Header()
	}
	if strings.HasSuffix(part, ".rfc822") {
		bp := m.Bodypart(strings.TrimSuffix(part, ".rfc822"), true)
		if bp.Message() == nil {
			sub := message.NewMessage()
			sub.SetParent(bp)
			bp.SetMessage(sub)
		}
		return bp.Message().Header()
	}
	return m.Bodypart(part, true).Header()
}

func (d *decoder) decodeHeader(m *message.Message, r dbq.Row) {
	h := headerFor(m, r.String("part"))
	f := message.Assemble(r.String("name"), r.String("value"))
	f.SetPosition(r.Int("position"))
	h.AddAt(f)
}

func (d *decoder) decodeAddress(m *message.Message, r dbq.Row) {
	h := headerFor(m, r.String("part"))
	position := r.Int("position")
	ft := message.FieldType(r.Int("field"))

	// Find the address field at this position, creating it if this is
	// the first address for it; position reconstructs the field order
	// within the header.
	var af *message.HeaderField
	n := 0
	for {
		f := h.Field(ft, n)
		if f == nil || f.Position() > position {
			break
		}
		if f.Position() == position {
			af = f
			break
		}
		n++
	}
	if af == nil {
		af = message.NewAddressField(ft)
		af.SetPosition(position)
		h.AddAt(af)
	}
	af.Addresses = append(af.Addresses, message.Address{
		Name:      r.String("name"),
		Localpart: r.String("localpart"),
		Domain:    r.String("domain"),
	})
}

func (d *decoder) decodeBody(m *message.Message, r dbq.Row) {
	part := r.String("part")
	if strings.HasSuffix(part, ".rfc822") {
		return
	}
	bp := m.Bodypart(part, true)
	if !r.IsNull("data") {
		bp.SetData(r.Bytes("data"))
	} else if !r.IsNull("text") {
		bp.SetText(r.String("text"))
	}
	if !r.IsNull("rawbytes") {
		bp.SetNumBytes(r.Int("rawbytes"))
	}
	if !r.IsNull("bytes") {
		bp.SetNumEncodedBytes(r.Int("bytes"))
	}
	if !r.IsNull("lines") {
		bp.SetNumEncodedLines(r.Int("lines"))
	}
}

func (d *decoder) decodePartNumber(m *message.Message, r dbq.Row) {
	part := r.String("part")
	if strings.HasSuffix(part, ".rfc822") {
		bp := m.Bodypart(strings.TrimSuffix(part, ".rfc822"), true)
		if bp.Message() == nil {
			sub := message.NewMessage()
			sub.SetParent(bp)
			bp.SetMessage(sub)
		}
		return
	}
	bp := m.Bodypart(part, true)
	if !r.IsNull("bytes") {
		bp.SetNumEncodedBytes(r.Int("bytes"))
	}
	if !r.IsNull("lines") {
		bp.SetNumEncodedLines(r.Int("lines"))
	}
}
