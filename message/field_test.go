package message

import (
	"strings"
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

func TestFieldTypes(t *testing.T) {
	tcompare(t, FieldTypeByName("from"), From)
	tcompare(t, FieldTypeByName("CONTENT-TYPE"), ContentType)
	tcompare(t, FieldTypeByName("X-Mailer"), OtherField)
	tcompare(t, From.Name(), "From")
	tcompare(t, ContentTransferEncoding.Name(), "Content-Transfer-Encoding")
	tcompare(t, From.IsAddressType(), true)
	tcompare(t, Subject.IsAddressType(), false)
}

func TestHeaderCase(t *testing.T) {
	tcompare(t, headerCase("x-mailer"), "X-Mailer")
	tcompare(t, headerCase("MESSAGE-ID"), "Message-Id")
	tcompare(t, headerCase("DKIM-signature"), "Dkim-Signature")
}

func TestUnstructuredField(t *testing.T) {
	f := Create("Subject", "=?iso-8859-1?q?caf=e9?= time")
	tcompare(t, f.Valid(), true)
	tcompare(t, f.Data(), "café time")

	g := Assemble("Subject", "café time")
	if !strings.Contains(g.Value(), "=?utf-8?") {
		t.Fatalf("expected encoded-word in value, got %q", g.Value())
	}
	// Parsing the assembled value yields the original data: parse is
	// idempotent on data.
	h := Create("Subject", g.Value())
	tcompare(t, h.Data(), "café time")
}

func TestAddressField(t *testing.T) {
	f := Create("From", "Fred Foobar <foobar@blurdybloop.example>")
	tcheck(t, f.Err(), "parse from")
	tcompare(t, len(f.Addresses), 1)
	tcompare(t, f.Addresses[0].Name, "Fred Foobar")
	tcompare(t, f.Addresses[0].Localpart, "foobar")
	tcompare(t, f.Addresses[0].Domain, "blurdybloop.example")

	f = Create("To", "a@x.example, B <b@y.example>")
	tcompare(t, len(f.Addresses), 2)

	f = Create("From", "not an address")
	tcompare(t, f.Valid(), false)

	f = Create("Return-Path", "<>")
	tcompare(t, f.Valid(), true)
	tcompare(t, f.Data(), "<>")
}

func TestAddressEncodedName(t *testing.T) {
	f := Create("From", "=?utf-8?q?Ren=C3=A9?= <rene@x.example>")
	tcheck(t, f.Err(), "parse encoded display-name")
	tcompare(t, f.Addresses[0].Name, "René")
	// The wire form re-encodes the non-ascii display-name.
	if !strings.Contains(f.assembleValue(), "=?utf-8?") {
		t.Fatalf("expected encoded-word, got %q", f.assembleValue())
	}
}

func TestDateField(t *testing.T) {
	f := Create("Date", "Mon, 7 Feb 1994 21:52:25 -0800")
	tcheck(t, f.Err(), "parse date")
	tcompare(t, f.Time.Year(), 1994)
	tcompare(t, f.Data(), "Mon, 7 Feb 1994 21:52:25 -0800")

	f = Create("Date", "not a date")
	tcompare(t, f.Valid(), false)
}

func TestMessageIdField(t *testing.T) {
	f := Create("Message-Id", " <B27397-0100000@Blurdybloop.example> ")
	tcheck(t, f.Err(), "parse message-id")
	tcompare(t, f.Data(), "<B27397-0100000@Blurdybloop.example>")

	f = Create("Message-Id", "no brackets")
	tcompare(t, f.Valid(), false)
}

func TestContentTypeField(t *testing.T) {
	f := Create("Content-Type", `TEXT/PLAIN; CHARSET="us-ascii"`)
	tcheck(t, f.Err(), "parse content-type")
	tcompare(t, f.CT.MediaType, "text")
	tcompare(t, f.CT.Subtype, "plain")
	tcompare(t, f.CT.param("charset"), "us-ascii")

	f = Create("Content-Type", "garbage")
	tcompare(t, f.Valid(), false)
}

func TestEncodingField(t *testing.T) {
	f := Create("Content-Transfer-Encoding", " Base64 ")
	tcompare(t, f.Valid(), true)
	tcompare(t, f.Data(), "base64")

	f = Create("Content-Transfer-Encoding", "rot13")
	tcompare(t, f.Valid(), false)
}

func TestMimeVersionField(t *testing.T) {
	tcompare(t, Create("Mime-Version", "1.0").Valid(), true)
	tcompare(t, Create("Mime-Version", "1.0 (produced by x)").Valid(), true)
	tcompare(t, Create("Mime-Version", "2.0").Valid(), false)
}

func TestReceivedField(t *testing.T) {
	f := Create("Received", "from x.example by y.example; Mon, 7 Feb 1994 21:52:25 -0800")
	tcompare(t, f.Valid(), true)
	d, ok := receivedDate(f.Data())
	tcompare(t, ok, true)
	tcompare(t, d.Year(), 1994)

	f = Create("Received", "from x.example by y.example")
	tcompare(t, f.Valid(), false)
}

func TestFold(t *testing.T) {
	long := strings.Repeat("word ", 30)
	folded := fold(len("Subject: "), strings.TrimSpace(long))
	for _, line := range strings.Split(folded, "\r\n") {
		if len(line) > 78 {
			t.Fatalf("line longer than 78: %q", line)
		}
	}
	tcompare(t, unfold(folded), strings.TrimSpace(long))
}

func TestUnfold(t *testing.T) {
	tcompare(t, unfold("a\r\n b"), "a b")
	tcompare(t, unfold("a\r\n\tb"), "a b")
	tcompare(t, unfold("  a  "), "a")
}

// assemble(name, data(parse(name, value))) is f, modulo whitespace
// canonicalization.
func TestFieldRoundTrip(t *testing.T) {
	cases := [][2]string{
		{"Subject", "afternoon meeting"},
		{"From", "Fred Foobar <foobar@blurdybloop.example>"},
		{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
		{"Message-Id", "<B27397-0100000@Blurdybloop.example>"},
		{"Content-Type", "multipart/mixed; boundary=unique"},
	}
	for _, c := range cases {
		f := Create(c[0], c[1])
		tcheck(t, f.Err(), c[0])
		g := Assemble(c[0], f.Data())
		h := Create(c[0], g.Value())
		tcompare(t, h.Data(), f.Data())
	}
}
