package message

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// Annotation is one entry of message metadata: an interned entry name, an
// owner (0 for shared annotations) and a value.
type Annotation struct {
	NameId int
	Name   string
	Owner  uint32
	Value  string
}

// Message is a parsed or database-backed message: a header, a bodypart
// tree, flags, annotations and trivia. The has* flags track which data
// classes have been fetched; they are monotonic for the lifetime of the
// object.
type Message struct {
	header   *Header
	parent   *Bodypart // Enclosing part for embedded messages.
	children []*Bodypart

	uid        uint32
	databaseId int64

	rfc822Size   int64
	internalDate int64
	modseq       int64

	flags       []int
	annotations []Annotation

	hasHeaders       bool
	hasAddresses     bool
	hasFlags         bool
	hasBodies        bool
	hasBytesAndLines bool
	hasAnnotations   bool

	err error
}

// NewMessage returns an empty message with an RFC 5322 mode header.
func NewMessage() *Message {
	return &Message{header: NewHeader(Rfc2822)}
}

func (m *Message) Header() *Header { return m.header }

// Parent returns the bodypart enclosing this message, or nil for a
// top-level message.
func (m *Message) Parent() Multipart {
	if m.parent == nil {
		return nil
	}
	return m.parent
}

func (m *Message) SetParent(bp *Bodypart) { m.parent = bp }

// Children returns the top-level bodyparts.
func (m *Message) Children() []*Bodypart { return m.children }

func (m *Message) UID() uint32        { return m.uid }
func (m *Message) SetUID(uid uint32)  { m.uid = uid }
func (m *Message) DatabaseId() int64  { return m.databaseId }
func (m *Message) SetDatabaseId(id int64) {
	m.databaseId = id
}

func (m *Message) Rfc822Size() int64      { return m.rfc822Size }
func (m *Message) SetRfc822Size(n int64)  { m.rfc822Size = n }
func (m *Message) InternalDate() int64    { return m.internalDate }
func (m *Message) SetInternalDate(t int64) {
	m.internalDate = t
}
func (m *Message) ModSeq() int64         { return m.modseq }
func (m *Message) SetModSeq(seq int64)   { m.modseq = seq }

// Flags returns the interned flag ids set on this message.
func (m *Message) Flags() []int { return m.flags }

// AddFlag adds an interned flag id, once.
func (m *Message) AddFlag(id int) {
	for _, f := range m.flags {
		if f == id {
			return
		}
	}
	m.flags = append(m.flags, id)
}

// Annotations returns the message's annotations.
func (m *Message) Annotations() []Annotation { return m.annotations }

// ReplaceAnnotation replaces the annotation with the same entry name and
// owner, or adds it.
func (m *Message) ReplaceAnnotation(a Annotation) {
	for i, o := range m.annotations {
		if o.NameId == a.NameId && o.Owner == a.Owner {
			m.annotations[i] = a
			return
		}
	}
	m.annotations = append(m.annotations, a)
}

// Fetched-state flags, monotonic per data class.

func (m *Message) HasHeaders() bool       { return m.hasHeaders }
func (m *Message) SetHeadersFetched()     { m.hasHeaders = true }
func (m *Message) HasAddresses() bool     { return m.hasAddresses }
func (m *Message) SetAddressesFetched()   { m.hasAddresses = true }
func (m *Message) HasFlags() bool         { return m.hasFlags }
func (m *Message) SetFlagsFetched()       { m.hasFlags = true }
func (m *Message) HasBodies() bool        { return m.hasBodies }
func (m *Message) SetBodiesFetched()      { m.hasBodies = true }
func (m *Message) HasBytesAndLines() bool { return m.hasBytesAndLines }
func (m *Message) SetBytesAndLinesFetched() {
	m.hasBytesAndLines = true
}
func (m *Message) HasAnnotations() bool     { return m.hasAnnotations }
func (m *Message) SetAnnotationsFetched()   { m.hasAnnotations = true }

// Valid reports whether parsing succeeded and the header verifies.
func (m *Message) Valid() bool { return m.err == nil && m.header.Valid() }

// Err returns the parse error, if any.
func (m *Message) Err() error {
	if m.err != nil {
		return m.err
	}
	return m.header.Verify()
}

// Parse decomposes an RFC 5322 message into its header-field/body-part
// tree. The representation is losslessly round-trippable through AsText.
// Lone LFs are normalized to CRLF first.
func Parse(b []byte) *Message {
	return parseMessage(normalizeCRLF(b), nil)
}

func parseMessage(b []byte, parent *Bodypart) *Message {
	m := &Message{header: NewHeader(Rfc2822), parent: parent}
	m.rfc822Size = int64(len(b))
	rest := parseHeaderInto(m.header, b)

	ct := m.header.ContentType()
	switch {
	case ct != nil && ct.MediaType == "multipart":
		parseMultipart(m.header, rest, func(n int) *Bodypart {
			c := NewBodypart(n, m)
			m.children = append(m.children, c)
			return c
		})
	case ct != nil && ct.MediaType == "message" && ct.Subtype == "rfc822":
		bp := NewBodypart(1, m)
		bp.header.SetDefaultType(MessageRfc822)
		sub := parseMessage(rest, bp)
		bp.message = sub
		bp.children = append(bp.children, sub.children...)
		bp.numBytes = len(rest)
		bp.numEncodedBytes = len(rest)
		bp.numEncodedLines = countLines(rest)
		m.children = append(m.children, bp)
	default:
		// A single text (or other leaf) part governed by the message
		// header.
		bp := &Bodypart{number: 1, parent: m, header: m.header}
		effective := ct
		if effective == nil {
			effective = &CTData{MediaType: "text", Subtype: "plain"}
		}
		fillLeaf(bp, m.header, effective, rest)
		m.children = append(m.children, bp)
	}
	return m
}

// parseHeaderInto reads header fields from the top of b until the blank
// line, adds them to h, and returns the remaining body bytes.
func parseHeaderInto(h *Header, b []byte) []byte {
	pos := 0
	for pos < len(b) {
		if bytes.HasPrefix(b[pos:], []byte("\r\n")) {
			pos += 2
			break
		}
		// Collect one field including continuation lines.
		end := pos
		for {
			i := bytes.Index(b[end:], []byte("\r\n"))
			if i < 0 {
				end = len(b)
				break
			}
			end += i + 2
			if end >= len(b) || (b[end] != ' ' && b[end] != '\t') {
				break
			}
		}
		line := b[pos:end]
		pos = end
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			// Not a field; treat the rest as body.
			return b[pos-len(line):]
		}
		name := strings.TrimRight(string(line[:colon]), " \t")
		value := strings.TrimSuffix(string(line[colon+1:]), "\r\n")
		h.Add(Create(name, value))
	}
	return b[pos:]
}

func normalizeCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	// Fast path: already CRLF throughout.
	bare := false
	prev := byte(0)
	for _, c := range b {
		if c == '\n' && prev != '\r' {
			bare = true
			break
		}
		prev = c
	}
	if !bare {
		return b
	}
	out := make([]byte, 0, len(b)+64)
	prev = 0
	for _, c := range b {
		if c == '\n' && prev != '\r' {
			out = append(out, '\r')
		}
		out = append(out, c)
		prev = c
	}
	return out
}

// AsText regenerates the wire form of the message: headers in field
// order, then the body tree.
func (m *Message) AsText() string {
	b := strings.Builder{}
	b.WriteString(m.header.AsText())
	b.WriteString("\r\n")
	b.WriteString(m.bodyText())
	return b.String()
}

func (m *Message) bodyText() string {
	ct := m.header.ContentType()
	switch {
	case ct != nil && ct.MediaType == "multipart":
		return multipartText(ct, m.children)
	case len(m.children) == 1 && m.children[0].message != nil:
		return m.children[0].message.AsText()
	case len(m.children) == 1:
		return leafText(m.children[0])
	}
	return ""
}

// Bodypart returns the part at the given dotted number, creating missing
// interior parts when create is set.
func (m *Message) Bodypart(part string, create bool) *Bodypart {
	if part == "" {
		return nil
	}
	var bp *Bodypart
	children := &m.children
	var parent Multipart = m
	for _, s := range strings.Split(part, ".") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil
		}
		for len(*children) < n {
			if !create {
				return nil
			}
			*children = append(*children, NewBodypart(len(*children)+1, parent))
		}
		bp = (*children)[n-1]
		children = &bp.children
		parent = bp
	}
	return bp
}

// Repair applies header repair to this message's header.
func (m *Message) Repair() {
	m.header.Repair(m)
}

// Age returns the message age relative to its internal date.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(m.internalDate, 0))
}
