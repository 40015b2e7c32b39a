// Package codec converts between octet strings and Unicode.
//
// A Codec is bidirectional and stateful only in its validity flag: a
// failed conversion marks the codec invalid but leaves it usable, so
// callers can fall back to another charset.
package codec

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

var (
	ErrUnknownCharset = errors.New("unknown charset")
	ErrInvalidInput   = errors.New("input not valid in this charset")
)

// Codec converts between an octet encoding and Unicode.
type Codec struct {
	name string
	enc  encoding.Encoding // nil for us-ascii and utf-8.
	err  error
}

// Name returns the canonical (preferred MIME) name of the charset.
func (c *Codec) Name() string { return c.name }

// Valid reports whether all conversions so far succeeded.
func (c *Codec) Valid() bool { return c.err == nil }

// Err returns the first conversion error, or nil.
func (c *Codec) Err() error { return c.err }

func (c *Codec) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// ToUnicode decodes octets in this codec's charset into a Unicode string.
// On failure the codec is marked invalid and a best-effort string is
// returned.
func (c *Codec) ToUnicode(b []byte) string {
	switch c.name {
	case "US-ASCII":
		for _, o := range b {
			if o >= 0x80 {
				c.setError(ErrInvalidInput)
				break
			}
		}
		return string(b)
	case "UTF-8":
		if !utf8.Valid(b) {
			c.setError(ErrInvalidInput)
			return strings.ToValidUTF8(string(b), string(utf8.RuneError))
		}
		return string(b)
	}
	s, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		c.setError(err)
	}
	return string(s)
}

// FromUnicode encodes a Unicode string into this codec's charset. On
// failure (the string is not representable) the codec is marked invalid.
func (c *Codec) FromUnicode(s string) []byte {
	switch c.name {
	case "US-ASCII":
		for _, r := range s {
			if r >= 0x80 {
				c.setError(ErrInvalidInput)
				break
			}
		}
		return []byte(s)
	case "UTF-8":
		return []byte(s)
	}
	b, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		c.setError(err)
	}
	return b
}

// Encodes reports whether s can be encoded in this charset without loss.
// It does not change the validity flag.
func (c *Codec) Encodes(s string) bool {
	switch c.name {
	case "US-ASCII":
		for _, r := range s {
			if r >= 0x80 {
				return false
			}
		}
		return true
	case "UTF-8":
		return utf8.ValidString(s)
	}
	_, err := c.enc.NewEncoder().Bytes([]byte(s))
	return err == nil
}

// ASCII returns a fresh us-ascii codec.
func ASCII() *Codec { return &Codec{name: "US-ASCII"} }

// UTF8 returns a fresh utf-8 codec.
func UTF8() *Codec { return &Codec{name: "UTF-8"} }

// Latin1 returns a fresh iso-8859-1 codec.
func Latin1() *Codec { return &Codec{name: "ISO-8859-1", enc: charmap.ISO8859_1} }

// ByName maps a charset label, after alias normalization, to a codec.
func ByName(name string) (*Codec, error) {
	n := normalize(name)
	if a, ok := aliases[n]; ok {
		n = a
	}
	switch n {
	case "us-ascii":
		return ASCII(), nil
	case "utf-8":
		return UTF8(), nil
	}
	enc, _ := ianaindex.MIME.Encoding(n)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(n)
	}
	if enc == nil {
		return nil, ErrUnknownCharset
	}
	canonical, err := ianaindex.MIME.Name(enc)
	if err != nil || canonical == "" {
		canonical = strings.ToUpper(n)
	}
	return &Codec{name: canonical, enc: enc}, nil
}

// ByString chooses the cheapest codec that encodes s without loss:
// us-ascii if possible, else iso-8859-1, else utf-8.
func ByString(s string) *Codec {
	ascii := true
	latin1 := true
	for _, r := range s {
		if r >= 0x80 {
			ascii = false
		}
		if r >= 0x100 {
			latin1 = false
			break
		}
	}
	if ascii {
		return ASCII()
	}
	if latin1 {
		return Latin1()
	}
	return UTF8()
}

// normalize lowercases a label and strips the decoration that charset
// labels accumulate in the wild.
func normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Trim(s, `"'`)
	s = strings.TrimPrefix(s, "x-")
	s = strings.TrimPrefix(s, "cs")
	return s
}
