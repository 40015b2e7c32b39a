package message

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the parsing/verification rules for a header: a full RFC
// 5322 message header, or the header of a MIME body part.
type Mode int

const (
	Rfc2822 Mode = iota
	Mime
)

// DefaultType is the content-type assumed when a header carries none:
// text/plain, or message/rfc822 inside multipart/digest.
type DefaultType int

const (
	TextPlain DefaultType = iota
	MessageRfc822
)

// Multipart is the enclosing-part view shared by Message and Bodypart,
// used by header repair to look at ancestor headers.
type Multipart interface {
	Header() *Header
	Parent() Multipart
}

// Header is an ordered list of fields plus a mode and a default
// content-type.
type Header struct {
	mode        Mode
	defaultType DefaultType
	fields      []*HeaderField
	err         error
	verified    bool
}

// NewHeader returns an empty header in the given mode.
func NewHeader(mode Mode) *Header {
	return &Header{mode: mode}
}

func (h *Header) Mode() Mode { return h.mode }

func (h *Header) DefaultType() DefaultType     { return h.defaultType }
func (h *Header) SetDefaultType(t DefaultType) { h.defaultType = t }

// Fields returns the fields in order. The slice is the header's own.
func (h *Header) Fields() []*HeaderField { return h.fields }

// Add appends a field, assigning its position if unset.
func (h *Header) Add(f *HeaderField) {
	if f.position == 0 {
		f.position = len(h.fields) + 1
	}
	h.fields = append(h.fields, f)
	h.verified = false
}

// AddAt inserts a field ordered by its preset position, as when a fetcher
// reassembles a header from rows.
func (h *Header) AddAt(f *HeaderField) {
	i := len(h.fields)
	for i > 0 && h.fields[i-1].position > f.position {
		i--
	}
	h.fields = append(h.fields, nil)
	copy(h.fields[i+1:], h.fields[i:])
	h.fields[i] = f
	h.verified = false
}

func (h *Header) remove(f *HeaderField) {
	for i, g := range h.fields {
		if g == f {
			h.fields = append(h.fields[:i], h.fields[i+1:]...)
			h.verified = false
			return
		}
	}
}

// Field returns the n'th (0-based) field of the given type, or nil.
func (h *Header) Field(t FieldType, n int) *HeaderField {
	for _, f := range h.fields {
		if f.Type == t {
			if n == 0 {
				return f
			}
			n--
		}
	}
	return nil
}

// FieldByName returns the n'th field with the given name; for OtherField
// lookups the name decides, for known types the type does.
func (h *Header) FieldByName(name string, n int) *HeaderField {
	if t := FieldTypeByName(name); t != OtherField {
		return h.Field(t, n)
	}
	cased := headerCase(name)
	for _, f := range h.fields {
		if f.Type == OtherField && f.name == cased {
			if n == 0 {
				return f
			}
			n--
		}
	}
	return nil
}

func (h *Header) count(t FieldType) int {
	n := 0
	for _, f := range h.fields {
		if f.Type == t {
			n++
		}
	}
	return n
}

// Addresses returns the addresses of the first field of the given type.
func (h *Header) Addresses(t FieldType) []Address {
	f := h.Field(t, 0)
	if f == nil {
		return nil
	}
	return f.Addresses
}

// Date returns the parsed Date field, or the zero time.
func (h *Header) Date() time.Time {
	f := h.Field(Date, 0)
	if f == nil {
		return time.Time{}
	}
	return f.Time
}

// Subject returns the decoded subject.
func (h *Header) Subject() string {
	f := h.Field(Subject, 0)
	if f == nil {
		return ""
	}
	return f.data
}

// MessageId returns the Message-Id including angle brackets.
func (h *Header) MessageId() string {
	f := h.Field(MessageId, 0)
	if f == nil {
		return ""
	}
	return f.data
}

// ContentType returns the parsed Content-Type, or nil.
func (h *Header) ContentType() *CTData {
	f := h.Field(ContentType, 0)
	if f == nil || f.CT == nil {
		return nil
	}
	return f.CT
}

// ContentTransferEncoding returns the lowercased encoding token, or "7bit".
func (h *Header) ContentTransferEncoding() string {
	f := h.Field(ContentTransferEncoding, 0)
	if f == nil || !f.Valid() {
		return "7bit"
	}
	return f.data
}

// SetField replaces all fields of the given type with f.
func (h *Header) SetField(f *HeaderField) {
	kept := h.fields[:0]
	for _, g := range h.fields {
		if g.Type != f.Type {
			kept = append(kept, g)
		}
	}
	h.fields = kept
	h.Add(f)
}

// atMostOnce lists the types with cardinality 0..1 (and From/Date 1..1,
// checked separately).
var atMostOnce = []FieldType{
	Sender, ReplyTo, To, Cc, Bcc, MessageId, Subject, References,
	MimeVersion, ContentType, ContentTransferEncoding, ReturnPath, Date, From,
}

// Verify checks that each field is individually valid and that the
// cardinality constraints hold. The result is cached until the header is
// modified.
func (h *Header) Verify() error {
	if h.verified {
		return h.err
	}
	h.verified = true
	h.err = nil
	for _, f := range h.fields {
		if !f.Valid() {
			h.err = fmt.Errorf("%s: %w", f.Name(), f.Err())
			return h.err
		}
	}
	for _, t := range atMostOnce {
		if n := h.count(t); n > 1 {
			h.err = fmt.Errorf("%d %s fields seen, at most one allowed", n, t.Name())
			return h.err
		}
	}
	if h.mode == Rfc2822 {
		if h.count(From) != 1 {
			h.err = fmt.Errorf("%d From fields seen, exactly one needed", h.count(From))
			return h.err
		}
		if h.count(Date) != 1 {
			h.err = fmt.Errorf("%d Date fields seen, exactly one needed", h.count(Date))
			return h.err
		}
	}
	return nil
}

// Valid reports whether Verify succeeds.
func (h *Header) Valid() bool { return h.Verify() == nil }

// Repair fixes the common defects of real-world headers so that Verify
// can succeed. p is the part this header belongs to; its ancestors are
// consulted for missing Date and From.
func (h *Header) Repair(p Multipart) {
	h.verified = false

	// Duplicates of at-most-once fields: keep the first valid occurrence.
	for _, t := range atMostOnce {
		if h.count(t) <= 1 {
			continue
		}
		if t == ContentType && h.identicalContentTypes() {
			h.collapseContentTypes()
			continue
		}
		keep := h.Field(t, 0)
		for _, f := range h.fields {
			if f.Type == t && f.Valid() {
				keep = f
				break
			}
		}
		kept := h.fields[:0]
		for _, f := range h.fields {
			if f.Type != t || f == keep {
				kept = append(kept, f)
			}
		}
		h.fields = kept
	}

	// Received fields at and after the first unparsable one are dropped.
	bad := false
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Type == Received {
			if bad || !f.Valid() {
				bad = true
				continue
			}
		}
		kept = append(kept, f)
	}
	h.fields = kept

	// Invalid fields that can be dropped without semantic change.
	kept = h.fields[:0]
	for _, f := range h.fields {
		switch f.Type {
		case ContentLocation, ContentId, MessageId:
			if !f.Valid() {
				continue
			}
		}
		kept = append(kept, f)
	}
	h.fields = kept

	if h.mode == Rfc2822 && h.count(Date) == 0 {
		h.Add(Assemble("Date", h.synthesizeDate(p).Format(dateLayout)))
	}
	if h.mode == Rfc2822 && h.count(From) == 0 {
		if a := h.synthesizeFrom(p); a != nil {
			f := &HeaderField{Type: From, name: "From", Addresses: a}
			f.data = joinAddressData(a)
			f.value = f.assembleValue()
			h.Add(f)
		}
	}
}

func (h *Header) identicalContentTypes() bool {
	first := h.Field(ContentType, 0)
	for _, f := range h.fields {
		if f.Type == ContentType && f.data != first.data {
			return false
		}
	}
	return true
}

func (h *Header) collapseContentTypes() {
	first := h.Field(ContentType, 0)
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Type != ContentType || f == first {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// synthesizeDate finds a date for a header that has none: the oldest
// valid Received, else the nearest enclosing part's Date, else now.
func (h *Header) synthesizeDate(p Multipart) time.Time {
	var oldest time.Time
	for _, f := range h.fields {
		if f.Type != Received {
			continue
		}
		if t, ok := receivedDate(f.data); ok {
			if oldest.IsZero() || t.Before(oldest) {
				oldest = t
			}
		}
	}
	if !oldest.IsZero() {
		return oldest
	}
	for q := p; q != nil; q = q.Parent() {
		if q.Header() == nil || q.Header() == h {
			continue
		}
		if d := q.Header().Date(); !d.IsZero() {
			return d
		}
	}
	return time.Now()
}

// synthesizeFrom takes the missing From from Return-Path or Sender on
// this or an enclosing part.
func (h *Header) synthesizeFrom(p Multipart) []Address {
	candidates := func(g *Header) []Address {
		if f := g.Field(ReturnPath, 0); f != nil && len(f.Addresses) > 0 {
			return f.Addresses
		}
		if f := g.Field(Sender, 0); f != nil && len(f.Addresses) > 0 {
			return f.Addresses
		}
		return nil
	}
	if a := candidates(h); a != nil {
		return a
	}
	for q := p; q != nil; q = q.Parent() {
		if q.Header() == nil || q.Header() == h {
			continue
		}
		if a := candidates(q.Header()); a != nil {
			return a
		}
	}
	return nil
}

// Simplify removes fields that restate defaults.
func (h *Header) Simplify() {
	h.verified = false
	kept := h.fields[:0]
	for _, f := range h.fields {
		switch f.Type {
		case ContentDescription:
			if f.data == "" {
				continue
			}
		case ContentTransferEncoding:
			if f.data == "binary" {
				continue
			}
		case ContentDisposition:
			if h.mode == Rfc2822 && f.CT != nil && f.CT.MediaType == "inline" && len(f.CT.Params) == 0 {
				ct := h.ContentType()
				if ct == nil || ct.MediaType == "text" {
					continue
				}
			}
		case ContentType:
			if f.CT != nil && len(f.CT.Params) == 0 &&
				(f.CT.MediaType == "text" && f.CT.Subtype == "plain" && h.defaultType == TextPlain ||
					f.CT.MediaType == "message" && f.CT.Subtype == "rfc822" && h.defaultType == MessageRfc822) {
				continue
			}
		case ReplyTo, Sender:
			if from := h.Field(From, 0); from != nil && f.data == from.data {
				continue
			}
		}
		if f.Type.IsAddressType() && f.Valid() && len(f.Addresses) == 0 && f.data != "<>" {
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept

	if h.count(MimeVersion) > 0 && !h.hasMimeFields() {
		h.remove(h.Field(MimeVersion, 0))
	}
}

func (h *Header) hasMimeFields() bool {
	for _, f := range h.fields {
		switch f.Type {
		case ContentType, ContentTransferEncoding, ContentDisposition,
			ContentDescription, ContentLanguage, ContentLocation,
			ContentBase, ContentMd5, ContentId:
			return true
		}
	}
	return false
}

// AsText serializes the header in field order, each field folded, without
// the blank separator line.
func (h *Header) AsText() string {
	b := strings.Builder{}
	for _, f := range h.fields {
		b.WriteString(f.Name())
		b.WriteString(": ")
		b.WriteString(f.Value())
		b.WriteString("\r\n")
	}
	return b.String()
}
