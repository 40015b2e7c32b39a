package message

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strconv"
	"strings"

	"github.com/aoxmail/aox/codec"
)

// Bodypart is a node in the MIME tree: a leaf with content, a multipart
// container, or a wrapper around an embedded message.
type Bodypart struct {
	number   int
	header   *Header
	parent   Multipart
	children []*Bodypart
	message  *Message // For message/rfc822.

	text    string
	hasText bool
	data    []byte

	numBytes        int
	numEncodedBytes int
	numEncodedLines int
}

// NewBodypart returns an empty part with the given position under parent.
func NewBodypart(number int, parent Multipart) *Bodypart {
	return &Bodypart{number: number, parent: parent, header: NewHeader(Mime)}
}

// Number returns the position of this part under its parent, counting
// from 1.
func (bp *Bodypart) Number() int { return bp.number }

func (bp *Bodypart) Header() *Header   { return bp.header }
func (bp *Bodypart) Parent() Multipart { return bp.parent }

// Children returns the sub-parts of a multipart.
func (bp *Bodypart) Children() []*Bodypart { return bp.children }

// Message returns the embedded message for message/rfc822 parts, or nil.
func (bp *Bodypart) Message() *Message     { return bp.message }
func (bp *Bodypart) SetMessage(m *Message) { bp.message = m }

// Text returns the canonical Unicode form of a text leaf.
func (bp *Bodypart) Text() string { return bp.text }

// HasText reports whether this part has a text representation.
func (bp *Bodypart) HasText() bool { return bp.hasText }

// Data returns the octet-exact payload after content-transfer-decoding.
func (bp *Bodypart) Data() []byte { return bp.data }

func (bp *Bodypart) SetText(s string) {
	bp.text = s
	bp.hasText = true
}

func (bp *Bodypart) SetData(d []byte) { bp.data = d }

// NumBytes returns the decoded size in octets.
func (bp *Bodypart) NumBytes() int { return bp.numBytes }

// NumEncodedBytes returns the size of the transfer-encoded form.
func (bp *Bodypart) NumEncodedBytes() int { return bp.numEncodedBytes }

// NumEncodedLines returns the line count of the transfer-encoded form.
func (bp *Bodypart) NumEncodedLines() int { return bp.numEncodedLines }

func (bp *Bodypart) SetNumBytes(n int)        { bp.numBytes = n }
func (bp *Bodypart) SetNumEncodedBytes(n int) { bp.numEncodedBytes = n }
func (bp *Bodypart) SetNumEncodedLines(n int) { bp.numEncodedLines = n }

// PartNumber returns the dotted position of this part, e.g. "2.1.3".
func (bp *Bodypart) PartNumber() string {
	s := strconv.Itoa(bp.number)
	p := bp.parent
	for {
		switch q := p.(type) {
		case *Bodypart:
			s = strconv.Itoa(q.number) + "." + s
			p = q.parent
		case *Message:
			if q.parent == nil {
				return s
			}
			p = q.parent
		default:
			return s
		}
	}
}

// effective content type of this part, consulting the header and the
// default for the container.
func (bp *Bodypart) contentType() *CTData {
	if ct := bp.header.ContentType(); ct != nil {
		return ct
	}
	if bp.header.DefaultType() == MessageRfc822 {
		return &CTData{MediaType: "message", Subtype: "rfc822"}
	}
	return &CTData{MediaType: "text", Subtype: "plain"}
}

// parseRegion parses one boundary-delimited region (or a whole message
// body when the region is the single part of a non-multipart message).
func parseRegion(bp *Bodypart, body []byte) {
	rest := parseHeaderInto(bp.header, body)
	ct := bp.contentType()
	switch {
	case ct.MediaType == "multipart":
		parseMultipart(bp.header, rest, func(n int) *Bodypart {
			c := NewBodypart(n, bp)
			bp.children = append(bp.children, c)
			return c
		})
	case ct.MediaType == "message" && ct.Subtype == "rfc822":
		sub := parseMessage(rest, bp)
		bp.message = sub
		// The embedded message's top-level children appear under this
		// part as well, for part-number addressing.
		bp.children = append(bp.children, sub.children...)
		bp.numBytes = len(rest)
		bp.numEncodedBytes = len(rest)
		bp.numEncodedLines = countLines(rest)
	default:
		fillLeaf(bp, bp.header, ct, rest)
	}
}

// parseMultipart splits body on the boundary from h's Content-Type and
// parses each delimited region via a part allocated by nextChild. A
// boundary line begins after a CRLF (or at the start) with two hyphens
// and the boundary, then optional whitespace; the closing boundary has
// two extra hyphens.
func parseMultipart(h *Header, body []byte, nextChild func(n int) *Bodypart) {
	ct := h.ContentType()
	var boundary string
	if ct != nil {
		boundary = ct.param("boundary")
	}
	if boundary == "" {
		return
	}
	defType := TextPlain
	if ct != nil && ct.Subtype == "digest" {
		defType = MessageRfc822
	}
	delim := []byte("--" + boundary)

	n := 0
	var regionStart = -1
	pos := 0
	for pos <= len(body) {
		lineEnd := bytes.Index(body[pos:], []byte("\r\n"))
		var line []byte
		next := len(body) + 1
		if lineEnd >= 0 {
			line = body[pos : pos+lineEnd]
			next = pos + lineEnd + 2
		} else {
			line = body[pos:]
		}
		match, closing := isBoundary(line, delim)
		if match {
			if regionStart >= 0 {
				end := pos
				if end >= 2 && bytes.Equal(body[end-2:end], []byte("\r\n")) {
					end -= 2
				}
				n++
				c := nextChild(n)
				c.header.SetDefaultType(defType)
				parseRegion(c, body[regionStart:end])
			}
			if closing {
				return
			}
			regionStart = next
		}
		pos = next
	}
	// Missing closing boundary: parse what we have.
	if regionStart >= 0 && regionStart <= len(body) {
		n++
		c := nextChild(n)
		c.header.SetDefaultType(defType)
		parseRegion(c, body[regionStart:])
	}
}

func isBoundary(line, delim []byte) (match, closing bool) {
	if !bytes.HasPrefix(line, delim) {
		return false, false
	}
	rest := line[len(delim):]
	if bytes.HasPrefix(rest, []byte("--")) {
		rest = rest[2:]
		closing = true
	}
	if len(bytes.TrimRight(rest, " \t")) != 0 {
		return false, false
	}
	return true, closing
}

// fillLeaf decodes the content-transfer-encoding and, for text parts,
// converts to canonical Unicode, then decides whether quoted-printable is
// required for the re-encoded form and adjusts the header.
func fillLeaf(bp *Bodypart, h *Header, ct *CTData, body []byte) {
	bp.numEncodedBytes = len(body)
	raw := transferDecode(h.ContentTransferEncoding(), body)
	bp.numBytes = len(raw)

	if ct.MediaType != "text" {
		bp.data = raw
		bp.numEncodedLines = countLines(body)
		return
	}

	bp.numEncodedLines = countLines(body)

	c := pickCodec(ct.param("charset"), raw)
	bp.text = c.ToUnicode(raw)
	bp.hasText = true

	// Round-trip the text: re-encoding under the chosen codec decides
	// whether quoted-printable is now required.
	out := codec.ByString(bp.text)
	encoded := out.FromUnicode(bp.text)
	cte := h.ContentTransferEncoding()
	if needsQP(encoded) {
		if cte != "quoted-printable" && cte != "base64" {
			h.SetField(Assemble("Content-Transfer-Encoding", "quoted-printable"))
		}
	} else if cte == "quoted-printable" {
		h.remove(h.Field(ContentTransferEncoding, 0))
	}

	// Normalize the charset parameter to the codec the text round-trips
	// through; us-ascii needs none.
	if f := h.Field(ContentType, 0); f != nil && f.CT != nil {
		if out.Name() == "US-ASCII" {
			f.CT.removeParam("charset")
		} else {
			f.CT.addParam("charset", strings.ToLower(out.Name()))
		}
		f.data = f.CT.String()
		f.value = f.assembleValue()
	} else if out.Name() != "US-ASCII" {
		nf := Assemble("Content-Type", ct.MediaType+"/"+ct.Subtype+"; charset="+strings.ToLower(out.Name()))
		h.SetField(nf)
	}
}

// pickCodec resolves the charset label, falling back to content sniffing:
// a valid utf-8 body is utf-8, anything else is treated as iso-8859-1
// (which decodes every octet string).
func pickCodec(charset string, raw []byte) *codec.Codec {
	if charset != "" {
		if c, err := codec.ByName(charset); err == nil {
			c.ToUnicode(raw)
			if c.Valid() {
				return revalidated(c)
			}
		}
	}
	c := codec.UTF8()
	c.ToUnicode(raw)
	if c.Valid() {
		return codec.UTF8()
	}
	return codec.Latin1()
}

// revalidated returns a fresh codec of the same charset, since conversion
// during sniffing may not leave state behind.
func revalidated(c *codec.Codec) *codec.Codec {
	nc, err := codec.ByName(c.Name())
	if err != nil {
		return c
	}
	return nc
}

func transferDecode(cte string, body []byte) []byte {
	switch cte {
	case "base64":
		clean := make([]byte, 0, len(body))
		for _, c := range body {
			if c == '\r' || c == '\n' || c == ' ' || c == '\t' {
				continue
			}
			clean = append(clean, c)
		}
		out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
		n, err := base64.StdEncoding.Decode(out, clean)
		if err != nil {
			// Tolerate trailing garbage; keep what decoded.
			return out[:n]
		}
		return out[:n]
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return out
	}
	return body
}

func needsQP(b []byte) bool {
	col := 0
	for _, c := range b {
		if c >= 0x80 {
			return true
		}
		if c == '\n' {
			col = 0
			continue
		}
		col++
		if col > 998 {
			return true
		}
	}
	return false
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte("\n"))
	if !bytes.HasSuffix(b, []byte("\n")) {
		n++
	}
	return n
}

// asText renders the content of this part (not its header).
func (bp *Bodypart) asText() string {
	ct := bp.contentType()
	switch {
	case bp.message != nil:
		return bp.message.AsText()
	case len(bp.children) > 0 && ct.MediaType == "multipart":
		return multipartText(ct, bp.children)
	default:
		return leafText(bp)
	}
}

func multipartText(ct *CTData, children []*Bodypart) string {
	boundary := ct.param("boundary")
	b := strings.Builder{}
	for _, c := range children {
		b.WriteString("--")
		b.WriteString(boundary)
		b.WriteString("\r\n")
		b.WriteString(c.header.AsText())
		b.WriteString("\r\n")
		body := c.asText()
		b.WriteString(body)
		// The next boundary line must start after a CRLF.
		if !strings.HasSuffix(body, "\r\n") {
			b.WriteString("\r\n")
		}
	}
	b.WriteString("--")
	b.WriteString(boundary)
	b.WriteString("--\r\n")
	return b.String()
}

// leafText re-encodes a leaf: canonical Unicode text under the cheapest
// codec and the header's transfer encoding, or base64 with 72-character
// lines for binary data.
func leafText(bp *Bodypart) string {
	if bp.hasText {
		c := codec.ByString(bp.text)
		octets := c.FromUnicode(bp.text)
		switch bp.header.ContentTransferEncoding() {
		case "quoted-printable":
			return qpEncode(octets)
		case "base64":
			return base64Lines(octets)
		}
		return string(octets)
	}
	return base64Lines(bp.data)
}

func base64Lines(b []byte) string {
	enc := base64.StdEncoding.EncodeToString(b)
	sb := strings.Builder{}
	for len(enc) > 72 {
		sb.WriteString(enc[:72])
		sb.WriteString("\r\n")
		enc = enc[72:]
	}
	if len(enc) > 0 {
		sb.WriteString(enc)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

func qpEncode(b []byte) string {
	sb := &strings.Builder{}
	w := quotedprintable.NewWriter(sb)
	w.Write(b)
	w.Close()
	s := sb.String()
	if !strings.HasSuffix(s, "\r\n") && s != "" {
		s += "\r\n"
	}
	return s
}
