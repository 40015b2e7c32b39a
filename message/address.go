package message

import (
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"github.com/aoxmail/aox/codec"
)

// Address is a mailbox as used in address fields: a display-name plus
// localpart and domain. The display-name is Unicode; localpart and domain
// are kept as they appeared on the wire.
type Address struct {
	Name      string
	Localpart string
	Domain    string
}

// wordDecoder decodes RFC 2047 encoded-words using the codec layer for
// charset conversion.
var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, r io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "us-ascii", "utf-8":
			return r, nil
		}
		c, err := codec.ByName(charset)
		if err != nil {
			return r, fmt.Errorf("%w: %q", err, charset)
		}
		buf, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return strings.NewReader(c.ToUnicode(buf)), nil
	},
}

// parseAddresses parses an address list into triples. The display-name has
// encoded-words decoded.
func parseAddresses(s string) ([]Address, error) {
	parser := mail.AddressParser{WordDecoder: &wordDecoder}
	l, err := parser.ParseList(s)
	if err != nil {
		return nil, err
	}
	r := make([]Address, 0, len(l))
	for _, a := range l {
		lp, dom := splitAddress(a.Address)
		r = append(r, Address{Name: a.Name, Localpart: lp, Domain: dom})
	}
	return r, nil
}

func splitAddress(addr string) (localpart, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// lpDomain returns the addr-spec, quoting the localpart when the dot-atom
// form does not cover it.
func (a Address) lpDomain() string {
	lp := a.Localpart
	if !isDotAtom(lp) {
		lp = quoteString(lp)
	}
	if a.Domain == "" {
		return lp
	}
	return lp + "@" + a.Domain
}

// String returns the wire form of the address. A non-ascii display-name is
// RFC 2047 encoded.
func (a Address) String() string {
	if a.Name == "" {
		return "<" + a.lpDomain() + ">"
	}
	name := a.Name
	if !isASCII(name) {
		name = encodeWord(name)
	} else if !isAtomPhrase(name) {
		name = quoteString(name)
	}
	return name + " <" + a.lpDomain() + ">"
}

// data returns the database form: the display-name stays Unicode.
func (a Address) data() string {
	if a.Name == "" {
		return "<" + a.lpDomain() + ">"
	}
	name := a.Name
	if isASCII(name) && !isAtomPhrase(name) {
		name = quoteString(name)
	}
	return name + " <" + a.lpDomain() + ">"
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

const atext = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!#$%&'*+-/=?^_`{|}~"

func isDotAtom(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, c := range s {
		if c != '.' && !strings.ContainsRune(atext, c) {
			return false
		}
	}
	return true
}

// isAtomPhrase reports whether s is a sequence of atoms and spaces, usable
// as an unquoted phrase.
func isAtomPhrase(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c != ' ' && !strings.ContainsRune(atext, c) {
			return false
		}
	}
	return true
}

func quoteString(s string) string {
	b := strings.Builder{}
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
