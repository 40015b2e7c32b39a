package message

import (
	"strings"
	"testing"
)

func mkHeader(mode Mode, fields ...[2]string) *Header {
	h := NewHeader(mode)
	for _, f := range fields {
		h.Add(Create(f[0], f[1]))
	}
	return h
}

func TestVerifyCardinality(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
	)
	tcheck(t, h.Verify(), "minimal valid header")

	h.Add(Create("Subject", "one"))
	h.Add(Create("Subject", "two"))
	if h.Verify() == nil {
		t.Fatalf("expected error for duplicate Subject")
	}

	h = mkHeader(Rfc2822, [2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"})
	if h.Verify() == nil {
		t.Fatalf("expected error for missing From")
	}

	// Mime mode does not need From/Date.
	h = mkHeader(Mime, [2]string{"Content-Type", "text/plain"})
	tcheck(t, h.Verify(), "mime header")
}

func TestFieldLookup(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"Received", "from a by b; Mon, 7 Feb 1994 21:52:25 -0800"},
		[2]string{"Received", "from b by c; Tue, 8 Feb 1994 21:52:25 -0800"},
		[2]string{"X-Loop", "1"},
	)
	tcompare(t, h.count(Received), 2)
	tcompare(t, h.Field(Received, 1).Valid(), true)
	if h.Field(Received, 2) != nil {
		t.Fatalf("expected nil for index out of range")
	}
	tcompare(t, h.FieldByName("x-loop", 0).Data(), "1")
}

// A message with two identical Date fields and no From, but with a
// Sender, is repaired: one Date kept, From synthesized from Sender.
func TestRepairDuplicateDateMissingFrom(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
		[2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
		[2]string{"Sender", "sender@x.example"},
	)
	m := &Message{header: h}
	h.Repair(m)
	tcheck(t, h.Verify(), "repaired header")
	tcompare(t, h.count(Date), 1)
	tcompare(t, h.count(From), 1)
	tcompare(t, h.Field(From, 0).Addresses[0].Localpart, "sender")
	tcompare(t, h.Field(From, 0).Addresses[0].Domain, "x.example")
}

func TestRepairDateFromReceived(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Received", "from a by b; Tue, 8 Feb 1994 10:00:00 -0800"},
		[2]string{"Received", "from b by c; Mon, 7 Feb 1994 10:00:00 -0800"},
	)
	m := &Message{header: h}
	h.Repair(m)
	tcheck(t, h.Verify(), "repaired header")
	// The oldest valid Received supplies the date.
	tcompare(t, h.Date().Day(), 7)
}

func TestRepairDropsBadReceivedTail(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
		[2]string{"Received", "from a by b; Mon, 7 Feb 1994 10:00:00 -0800"},
		[2]string{"Received", "garbage without date"},
		[2]string{"Received", "from c by d; Tue, 8 Feb 1994 10:00:00 -0800"},
	)
	m := &Message{header: h}
	h.Repair(m)
	// The unparsable Received and everything after it are gone.
	tcompare(t, h.count(Received), 1)
}

func TestRepairDropsInvalidDroppable(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
		[2]string{"Message-Id", "not a message id"},
	)
	m := &Message{header: h}
	h.Repair(m)
	tcompare(t, h.count(MessageId), 0)
	tcheck(t, h.Verify(), "repaired header")
}

func TestSimplify(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Date", "Mon, 7 Feb 1994 21:52:25 -0800"},
		[2]string{"Sender", "a@x.example"},
		[2]string{"Content-Description", ""},
		[2]string{"Mime-Version", "1.0"},
	)
	h.Simplify()
	tcompare(t, h.count(Sender), 0)
	tcompare(t, h.count(ContentDescription), 0)
	// No MIME fields remain, so Mime-Version goes too.
	tcompare(t, h.count(MimeVersion), 0)
	tcompare(t, h.count(From), 1)
}

func TestSimplifyKeepsNonDefault(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Sender", "b@y.example"},
		[2]string{"Mime-Version", "1.0"},
		[2]string{"Content-Type", "text/html"},
	)
	h.Simplify()
	tcompare(t, h.count(Sender), 1)
	tcompare(t, h.count(MimeVersion), 1)
	tcompare(t, h.count(ContentType), 1)
}

func TestAsText(t *testing.T) {
	h := mkHeader(Rfc2822,
		[2]string{"From", "a@x.example"},
		[2]string{"Subject", "hello"},
	)
	s := h.AsText()
	lines := strings.Split(strings.TrimSuffix(s, "\r\n"), "\r\n")
	tcompare(t, len(lines), 2)
	tcompare(t, strings.HasPrefix(lines[0], "From: "), true)
	tcompare(t, lines[1], "Subject: hello")
}

func TestAddAt(t *testing.T) {
	h := NewHeader(Rfc2822)
	a := Create("Subject", "s")
	a.SetPosition(3)
	b := Create("From", "a@x.example")
	b.SetPosition(1)
	c := Create("Date", "Mon, 7 Feb 1994 21:52:25 -0800")
	c.SetPosition(2)
	h.AddAt(a)
	h.AddAt(b)
	h.AddAt(c)
	tcompare(t, h.fields[0].Type, From)
	tcompare(t, h.fields[1].Type, Date)
	tcompare(t, h.fields[2].Type, Subject)
}
