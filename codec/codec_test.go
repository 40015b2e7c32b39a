package codec

import (
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"utf-8", "UTF8", `"utf-8"`, "us-ascii", "ASCII", "iso-8859-1", "Latin1", "windows-1252", "cp1252", "koi8-r", "shift_jis", "SJIS"} {
		c, err := ByName(name)
		tcheck(t, err, "byName "+name)
		if c.Name() == "" {
			t.Fatalf("empty canonical name for %q", name)
		}
	}
	if _, err := ByName("no-such-charset"); err != ErrUnknownCharset {
		t.Fatalf("got %v, expected ErrUnknownCharset", err)
	}
}

func TestByString(t *testing.T) {
	tcompare(t, ByString("hello").Name(), "US-ASCII")
	tcompare(t, ByString("héllo").Name(), "ISO-8859-1")
	tcompare(t, ByString("héllo€").Name(), "UTF-8")
}

// For all codecs c and strings s valid in c: fromUnicode(toUnicode(s)) == s.
func TestRoundTrip(t *testing.T) {
	cases := []struct {
		charset string
		octets  []byte
	}{
		{"us-ascii", []byte("plain text")},
		{"iso-8859-1", []byte{'h', 0xe9, 'l', 'l', 'o'}},
		{"utf-8", []byte("héllo €")},
		{"koi8-r", []byte{0xf0, 0xd2, 0xc9, 0xd7, 0xc5, 0xd4}},
	}
	for _, tc := range cases {
		c, err := ByName(tc.charset)
		tcheck(t, err, "byName "+tc.charset)
		u := c.ToUnicode(tc.octets)
		if !c.Valid() {
			t.Fatalf("%s: toUnicode marked codec invalid: %v", tc.charset, c.Err())
		}
		back := c.FromUnicode(u)
		if string(back) != string(tc.octets) {
			t.Fatalf("%s: round trip changed %q to %q", tc.charset, tc.octets, back)
		}
	}
}

// A failed conversion marks the codec invalid but leaves it usable.
func TestInvalidInput(t *testing.T) {
	c := ASCII()
	c.ToUnicode([]byte{0xff})
	if c.Valid() {
		t.Fatalf("expected invalid codec after non-ascii input")
	}
	u := c.ToUnicode([]byte("still works"))
	tcompare(t, u, "still works")

	c = UTF8()
	c.ToUnicode([]byte{0xc0, 0x20})
	if c.Valid() {
		t.Fatalf("expected invalid codec after bad utf-8")
	}
}

func TestEncodes(t *testing.T) {
	tcompare(t, ASCII().Encodes("hi"), true)
	tcompare(t, ASCII().Encodes("hï"), false)
	tcompare(t, Latin1().Encodes("hï"), true)
	tcompare(t, Latin1().Encodes("€"), false)
	tcompare(t, UTF8().Encodes("€"), true)
}
