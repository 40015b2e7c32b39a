package message

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"
)

// FieldType identifies a header field from the closed enumeration of known
// fields. Address fields store this value in the address_fields.field
// column, so the numbering is part of the database contract and must not
// change.
type FieldType int

const (
	OtherField FieldType = iota
	From
	ResentFrom
	Sender
	ResentSender
	ReturnPath
	ReplyTo
	To
	Cc
	Bcc
	ResentTo
	ResentCc
	ResentBcc
	MessageId
	ResentMessageId
	InReplyTo
	References
	Date
	OrigDate
	ResentDate
	Subject
	Comments
	Keywords
	ContentType
	ContentTransferEncoding
	ContentDisposition
	ContentDescription
	ContentLanguage
	ContentLocation
	ContentBase
	ContentMd5
	ContentId
	MimeVersion
	Received
)

var fieldNames = []struct {
	name string
	t    FieldType
}{
	{"From", From},
	{"Resent-From", ResentFrom},
	{"Sender", Sender},
	{"Resent-Sender", ResentSender},
	{"Return-Path", ReturnPath},
	{"Reply-To", ReplyTo},
	{"To", To},
	{"Cc", Cc},
	{"Bcc", Bcc},
	{"Resent-To", ResentTo},
	{"Resent-Cc", ResentCc},
	{"Resent-Bcc", ResentBcc},
	{"Message-Id", MessageId},
	{"Resent-Message-Id", ResentMessageId},
	{"In-Reply-To", InReplyTo},
	{"References", References},
	{"Date", Date},
	{"Orig-Date", OrigDate},
	{"Resent-Date", ResentDate},
	{"Subject", Subject},
	{"Comments", Comments},
	{"Keywords", Keywords},
	{"Content-Type", ContentType},
	{"Content-Transfer-Encoding", ContentTransferEncoding},
	{"Content-Disposition", ContentDisposition},
	{"Content-Description", ContentDescription},
	{"Content-Language", ContentLanguage},
	{"Content-Location", ContentLocation},
	{"Content-Base", ContentBase},
	{"Content-Md5", ContentMd5},
	{"Content-Id", ContentId},
	{"Mime-Version", MimeVersion},
	{"Received", Received},
}

var typeByName = map[string]FieldType{}
var nameByType = map[FieldType]string{}

func init() {
	for _, fn := range fieldNames {
		typeByName[strings.ToLower(fn.name)] = fn.t
		nameByType[fn.t] = fn.name
	}
}

// FieldTypeByName returns the type for a (case-insensitive) field name, or
// OtherField.
func FieldTypeByName(name string) FieldType {
	return typeByName[strings.ToLower(name)]
}

// Name returns the canonical, header-cased name of the field type. Empty
// for OtherField, whose name lives on the HeaderField.
func (t FieldType) Name() string { return nameByType[t] }

// IsAddressType reports whether fields of this type carry addresses.
func (t FieldType) IsAddressType() bool {
	switch t {
	case From, ResentFrom, Sender, ResentSender, ReturnPath, ReplyTo,
		To, Cc, Bcc, ResentTo, ResentCc, ResentBcc:
		return true
	}
	return false
}

func (t FieldType) isDateType() bool {
	return t == Date || t == OrigDate || t == ResentDate
}

var (
	errBadDate      = errors.New("could not parse date")
	errBadMessageId = errors.New("could not parse message-id")
	errBadMediaType = errors.New("could not parse content-type")
	errBadEncoding  = errors.New("unknown content-transfer-encoding")
	errBadVersion   = errors.New("mime-version is not 1.0")
	errBadAddresses = errors.New("could not parse addresses")
)

// CTData is the parsed form of a Content-Type or Content-Disposition
// field: a slash-delimited (or single) token plus parameters with
// lower-case keys.
type CTData struct {
	MediaType string // "text", or disposition token such as "attachment".
	Subtype   string
	Params    map[string]string
}

func (c *CTData) param(k string) string { return c.Params[strings.ToLower(k)] }

func (c *CTData) removeParam(k string) { delete(c.Params, strings.ToLower(k)) }

func (c *CTData) addParam(k, v string) {
	if c.Params == nil {
		c.Params = map[string]string{}
	}
	c.Params[strings.ToLower(k)] = v
}

func (c *CTData) String() string {
	t := c.MediaType
	if c.Subtype != "" {
		t += "/" + c.Subtype
	}
	return mime.FormatMediaType(t, c.Params)
}

// HeaderField is one field of a message header. It has a database form
// (data: unfolded, UTF-8, encoded-words decoded) and a wire form (value:
// folded, encoded-words applied where needed). Each is reconstructible
// from the other; for fields where the forms coincide they alias.
type HeaderField struct {
	Type FieldType

	name     string
	data     string
	value    string
	position int
	err      error

	// Per-type parsed payloads.
	Addresses []Address
	Time      time.Time
	CT        *CTData
}

// NewAddressField returns an empty address field of the given type, for
// reassembly from stored address rows.
func NewAddressField(t FieldType) *HeaderField {
	return &HeaderField{Type: t, name: t.Name()}
}

// Name returns the header-cased field name.
func (f *HeaderField) Name() string { return f.name }

// Data returns the database form.
func (f *HeaderField) Data() string {
	if f.data == "" && f.Type.IsAddressType() && len(f.Addresses) > 0 {
		f.data = joinAddressData(f.Addresses)
	}
	return f.data
}

// Value returns the wire form, without name, colon or trailing CRLF.
func (f *HeaderField) Value() string {
	if f.value == "" && f.Type.IsAddressType() && len(f.Addresses) > 0 {
		f.value = f.assembleValue()
	}
	return f.value
}

// Valid reports whether the field parsed without error.
func (f *HeaderField) Valid() bool { return f.err == nil }

// Err returns the parse error, or nil.
func (f *HeaderField) Err() error { return f.err }

func (f *HeaderField) Position() int     { return f.position }
func (f *HeaderField) SetPosition(p int) { f.position = p }

// headerCase returns name with each dash-delimited word capitalized, as
// the closed table spells its names.
func headerCase(name string) string {
	if t := FieldTypeByName(name); t != OtherField {
		return t.Name()
	}
	w := strings.Split(strings.ToLower(name), "-")
	for i, s := range w {
		if s == "" {
			continue
		}
		w[i] = strings.ToUpper(s[:1]) + s[1:]
	}
	return strings.Join(w, "-")
}

// Create returns a typed field parsed from its wire form. Unknown names
// yield a generic field of type OtherField. On parse failure the field
// records its error, remains identifiable by name and type, and Valid()
// returns false.
func Create(name, value string) *HeaderField {
	f := &HeaderField{
		Type:  FieldTypeByName(name),
		name:  headerCase(name),
		value: unfold(value),
	}
	f.parse(f.value)
	return f
}

// Assemble performs the inverse of Create: it builds a field from its
// database form, computing the wire form.
func Assemble(name, data string) *HeaderField {
	f := &HeaderField{
		Type: FieldTypeByName(name),
		name: headerCase(name),
		data: data,
	}
	// Re-parse structured fields so the typed payloads are available.
	switch {
	case f.Type.IsAddressType():
		f.Addresses, _ = parseAddresses(data)
	case f.Type.isDateType():
		f.Time, _ = mail.ParseDate(data)
	case f.Type == ContentType || f.Type == ContentDisposition:
		f.CT, _ = parseCT(data)
	}
	f.value = f.assembleValue()
	return f
}

// parse fills data (and the typed payload) from the unfolded wire form,
// recording an error on failure. parse is idempotent on its result: for a
// valid field, parsing value() again yields the same data.
func (f *HeaderField) parse(s string) {
	switch {
	case f.Type.IsAddressType():
		f.parseAddressField(s)
	case f.Type.isDateType():
		f.parseDate(s)
	case f.Type == MessageId || f.Type == ResentMessageId || f.Type == ContentId:
		f.parseMessageId(s)
	case f.Type == ContentType:
		f.parseContentType(s)
	case f.Type == ContentDisposition:
		f.parseDisposition(s)
	case f.Type == ContentTransferEncoding:
		f.parseEncoding(s)
	case f.Type == MimeVersion:
		f.parseMimeVersion(s)
	case f.Type == Received:
		f.parseReceived(s)
	case f.Type == InReplyTo || f.Type == References:
		f.data = strings.TrimSpace(s)
	default:
		// Unstructured: decode encoded-words into UTF-8.
		f.data = decodeWords(strings.TrimSpace(s))
	}
	if f.value == "" {
		f.value = f.assembleValue()
	}
}

func (f *HeaderField) parseAddressField(s string) {
	trimmed := strings.TrimSpace(s)
	if f.Type == ReturnPath && (trimmed == "<>" || trimmed == "") {
		f.data = "<>"
		return
	}
	a, err := parseAddresses(trimmed)
	if err != nil {
		f.err = fmt.Errorf("%w: %v", errBadAddresses, err)
		f.data = decodeWords(trimmed)
		return
	}
	f.Addresses = a
	f.data = joinAddressData(a)
}

func joinAddressData(l []Address) string {
	parts := make([]string, len(l))
	for i, a := range l {
		parts[i] = a.data()
	}
	return strings.Join(parts, ", ")
}

func (f *HeaderField) parseDate(s string) {
	t, err := mail.ParseDate(strings.TrimSpace(s))
	if err != nil {
		f.err = errBadDate
		f.data = strings.TrimSpace(s)
		return
	}
	f.Time = t
	f.data = t.Format(dateLayout)
}

// dateLayout is the RFC 5322 date-time form used for the database form of
// date fields.
const dateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

func (f *HeaderField) parseMessageId(s string) {
	id := strings.TrimSpace(s)
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, ">") || strings.Count(id, "<") != 1 || !strings.Contains(id, "@") {
		f.err = errBadMessageId
		f.data = id
		return
	}
	f.data = id
}

func parseCT(s string) (*CTData, error) {
	mt, params, err := mime.ParseMediaType(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadMediaType, err)
	}
	ct := &CTData{Params: params}
	if i := strings.IndexByte(mt, '/'); i >= 0 {
		ct.MediaType = mt[:i]
		ct.Subtype = mt[i+1:]
	} else {
		ct.MediaType = mt
	}
	return ct, nil
}

func (f *HeaderField) parseContentType(s string) {
	ct, err := parseCT(s)
	if err != nil {
		f.err = err
		f.data = strings.TrimSpace(s)
		return
	}
	if ct.Subtype == "" {
		f.err = errBadMediaType
		f.data = strings.TrimSpace(s)
		return
	}
	f.CT = ct
	f.data = ct.String()
}

func (f *HeaderField) parseDisposition(s string) {
	ct, err := parseCT(s)
	if err != nil {
		f.err = err
		f.data = strings.TrimSpace(s)
		return
	}
	f.CT = ct
	f.data = ct.String()
}

func (f *HeaderField) parseEncoding(s string) {
	e := strings.ToLower(strings.TrimSpace(s))
	switch e {
	case "7bit", "8bit", "binary", "base64", "quoted-printable":
		f.data = e
	default:
		f.err = errBadEncoding
		f.data = e
	}
}

func (f *HeaderField) parseMimeVersion(s string) {
	v := strings.TrimSpace(stripComments(s))
	if v != "1.0" {
		f.err = errBadVersion
	}
	f.data = "1.0"
}

func (f *HeaderField) parseReceived(s string) {
	f.data = strings.TrimSpace(s)
	if _, ok := receivedDate(f.data); !ok {
		f.err = errBadDate
	}
}

// receivedDate extracts the date after the last ';' of a Received field.
func receivedDate(s string) (time.Time, bool) {
	i := strings.LastIndexByte(s, ';')
	if i < 0 {
		return time.Time{}, false
	}
	t, err := mail.ParseDate(strings.TrimSpace(s[i+1:]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// stripComments removes (possibly nested) RFC 5322 comments.
func stripComments(s string) string {
	b := strings.Builder{}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case c == '\\' && depth > 0 && i+1 < len(s):
			i++
		case depth == 0:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// assembleValue computes the wire form from the database form: encoded
// words where a byte is >= 0x80, folded at 78 columns.
func (f *HeaderField) assembleValue() string {
	var s string
	switch {
	case f.Type.IsAddressType() && f.Addresses != nil:
		parts := make([]string, len(f.Addresses))
		for i, a := range f.Addresses {
			parts[i] = a.String()
		}
		s = strings.Join(parts, ", ")
	case needsEncoding(f.data):
		s = encodeWord(f.data)
	default:
		// The forms coincide; value aliases data.
		s = f.data
	}
	return fold(len(f.name)+2, s)
}

// unfold replaces CRLF (or bare LF) followed by whitespace with a single
// space and trims the result.
func unfold(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return strings.TrimSpace(s)
	}
	b := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\r' {
			continue
		}
		if c == '\n' {
			for i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '\t') {
				i++
			}
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String())
}

// fold inserts CRLF+space line breaks at spaces so lines target 78
// columns. used is the width already consumed on the first line ("Name: ").
func fold(used int, s string) string {
	if used+len(s) <= 78 && !strings.ContainsAny(s, "\r\n") {
		return s
	}
	words := strings.Split(s, " ")
	b := strings.Builder{}
	col := used
	for i, w := range words {
		if i > 0 {
			if col+1+len(w) > 78 && col > used {
				b.WriteString("\r\n ")
				col = 1
			} else {
				b.WriteByte(' ')
				col++
			}
		}
		b.WriteString(w)
		col += len(w)
	}
	return b.String()
}
