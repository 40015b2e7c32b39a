// Package search compiles abstract message selectors and sort criteria
// into relational queries over the archive schema.
package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/mlog"
)

var xlog = mlog.New("search")

// Field says which message aspect a leaf selector tests.
type Field int

const (
	NoField Field = iota // And/Or/Not/All/None nodes.
	FlagsField
	HeaderField
	BodyField
	Rfc822SizeField
	UidField
	AnnotationField
	ModseqField
	AgeField // Internal date.
)

// Action says how a node combines or compares.
type Action int

const (
	Contains Action = iota
	Larger
	Smaller
	OnDate
	SinceDate
	BeforeDate
	And
	Or
	Not
	All
	None
)

// Selector is an expression over message predicates, combined with
// And/Or/Not. A selector compiles to a SELECT DISTINCT over
// mailbox_messages (or deleted_messages).
type Selector struct {
	field  Field
	action Action

	name  string // Flag name, header field name, annotation entry.
	value string // Match value.
	n     int64  // Size, modseq.
	t     time.Time
	set   *UIDSet

	children []*Selector
	parent   *Selector

	// Root-only compilation state.
	nextPlaceholder int
	binds           map[int]any
}

// NewAll returns a selector matching every message.
func NewAll() *Selector { return &Selector{action: All} }

// NewNone returns a selector matching nothing.
func NewNone() *Selector { return &Selector{action: None} }

// NewUIDSet returns a selector matching the given uids.
func NewUIDSet(set *UIDSet) *Selector {
	return &Selector{field: UidField, action: Contains, set: set}
}

// NewFlag matches messages with the named flag set.
func NewFlag(name string) *Selector {
	return &Selector{field: FlagsField, action: Contains, name: name}
}

// NewHeader matches messages whose named header field contains value.
// An empty name matches any field.
func NewHeader(name, value string) *Selector {
	return &Selector{field: HeaderField, action: Contains, name: name, value: value}
}

// NewBody matches messages whose body text contains value.
func NewBody(value string) *Selector {
	return &Selector{field: BodyField, action: Contains, value: value}
}

// NewSize matches messages larger (or smaller) than n octets.
func NewSize(larger bool, n int64) *Selector {
	a := Larger
	if !larger {
		a = Smaller
	}
	return &Selector{field: Rfc822SizeField, action: a, n: n}
}

// NewModseq matches messages with modseq >= n.
func NewModseq(n int64) *Selector {
	return &Selector{field: ModseqField, action: Larger, n: n}
}

// NewDate matches on the internal date.
func NewDate(a Action, t time.Time) *Selector {
	return &Selector{field: AgeField, action: a, t: t}
}

// NewAnnotation matches messages whose annotation entry contains value.
func NewAnnotation(entry, value string) *Selector {
	return &Selector{field: AnnotationField, action: Contains, name: entry, value: value}
}

// NewAnd combines children conjunctively.
func NewAnd(children ...*Selector) *Selector {
	s := &Selector{action: And}
	for _, c := range children {
		s.Add(c)
	}
	return s
}

// NewOr combines children disjunctively.
func NewOr(children ...*Selector) *Selector {
	s := &Selector{action: Or}
	for _, c := range children {
		s.Add(c)
	}
	return s
}

// NewNot negates child.
func NewNot(child *Selector) *Selector {
	s := &Selector{action: Not}
	s.Add(child)
	return s
}

// Add appends a child node.
func (s *Selector) Add(c *Selector) {
	c.parent = s
	s.children = append(s.children, c)
}

func (s *Selector) root() *Selector {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Field returns what the selector tests; for a simplified one-leaf tree
// this identifies pure-UID selectors.
func (s *Selector) Field() Field { return s.field }

// Action returns the node's action.
func (s *Selector) Action() Action { return s.action }

// MessageSet returns the UID-set form if the selector reduces to one, or
// nil.
func (s *Selector) MessageSet() *UIDSet {
	if s.field == UidField && s.action == Contains {
		return s.set
	}
	return nil
}

// Simplify applies Boolean simplification: double negation elimination,
// constant folding, short-circuiting of empty And/Or. Simplify is
// idempotent.
func (s *Selector) Simplify() {
	// A collapsed node keeps its place in the enclosing tree, so its
	// placeholders and binds stay with the root.
	parent := s.parent
	for _, c := range s.children {
		c.Simplify()
	}
	switch s.action {
	case Not:
		c := s.children[0]
		switch c.action {
		case Not:
			*s = *c.children[0]
			s.parent = parent
		case All:
			*s = Selector{action: None}
		case None:
			*s = Selector{action: All}
		}
	case And:
		kept := []*Selector{}
		for _, c := range s.children {
			switch c.action {
			case All:
				// Neutral element.
			case None:
				*s = Selector{action: None}
				return
			default:
				kept = append(kept, c)
			}
		}
		s.children = kept
		if len(kept) == 0 {
			*s = Selector{action: All}
		} else if len(kept) == 1 {
			c := kept[0]
			*s = *c
			s.parent = parent
		}
	case Or:
		kept := []*Selector{}
		for _, c := range s.children {
			switch c.action {
			case None:
			case All:
				*s = Selector{action: All}
				return
			default:
				kept = append(kept, c)
			}
		}
		s.children = kept
		if len(kept) == 0 {
			*s = Selector{action: None}
		} else if len(kept) == 1 {
			c := kept[0]
			*s = *c
			s.parent = parent
		}
	}
	if s.field == UidField && s.set != nil && s.set.IsEmpty() {
		*s = Selector{action: None}
	}
}

// PlaceHolder allocates the next $n placeholder number, shared across the
// selector tree so later consumers (sort criteria, decorating joins) can
// add parameters.
func (s *Selector) PlaceHolder() int {
	r := s.root()
	r.nextPlaceholder++
	return r.nextPlaceholder
}

func (s *Selector) bind(n int, v any) {
	r := s.root()
	if r.binds == nil {
		r.binds = map[int]any{}
	}
	r.binds[n] = v
}

// Mailbox is the slice of mailbox state the compiler needs.
type Mailbox interface {
	Id() int64
}

// Query compiles the selector into a SELECT DISTINCT over
// mailbox_messages mm (or deleted_messages mm when deleted is set) for
// the given mailbox. wanted lists the column names to project besides
// mm.uid; callers extend it to drive downstream decoders. user is bound
// for private-annotation predicates; 0 for none.
func (s *Selector) Query(user int64, mailbox Mailbox, owner func(), deleted bool, wanted []string) *dbq.Query {
	r := s.root()
	r.nextPlaceholder = 0
	r.binds = nil

	table := "mailbox_messages"
	if deleted {
		table = "deleted_messages"
	}

	mb := s.PlaceHolder()
	s.bind(mb, mailbox.Id())

	cond := s.where(user)

	cols := []string{"mm.uid"}
	joins := ""
	for _, w := range wanted {
		switch w {
		case "uid":
			// Always projected first.
		case "idate", "modseq":
			if deleted || w == "idate" {
				if !strings.Contains(joins, " join messages m ") {
					joins += " join messages m on (mm.message=m.id)"
				}
				cols = append(cols, "m."+w)
			} else {
				cols = append(cols, "mm."+w)
			}
		default:
			cols = append(cols, "mm."+w)
		}
	}

	text := "select distinct " + strings.Join(cols, ", ") +
		" from " + table + " mm" + joins +
		" where mm.mailbox=$" + fmt.Sprint(mb) + " and " + cond +
		" order by mm.uid"

	q := dbq.NewQuery(text, owner)
	for n, v := range r.binds {
		q.Bind(n, v)
	}
	xlog.Debug("compiled selector", mlog.Field("sql", text))
	return q
}

// where renders this node's condition against the row alias mm.
func (s *Selector) where(user int64) string {
	switch s.action {
	case And, Or:
		op := " and "
		if s.action == Or {
			op = " or "
		}
		if len(s.children) == 0 {
			if s.action == And {
				return "true"
			}
			return "false"
		}
		parts := make([]string, len(s.children))
		for i, c := range s.children {
			parts[i] = c.where(user)
		}
		return "(" + strings.Join(parts, op) + ")"
	case Not:
		return "not " + s.children[0].where(user)
	case All:
		return "true"
	case None:
		return "false"
	}

	switch s.field {
	case UidField:
		return s.set.Where("mm.uid")
	case FlagsField:
		n := s.PlaceHolder()
		s.bind(n, strings.ToLower(s.name))
		return "mm.uid in (select uid from flags where mailbox=mm.mailbox and" +
			" flag=(select id from flag_names where lower(name)=$" + fmt.Sprint(n) + "))"
	case HeaderField:
		v := s.PlaceHolder()
		s.bind(v, "%"+s.value+"%")
		cond := "hf.message=mm.message and hf.value ilike $" + fmt.Sprint(v)
		if s.name != "" {
			fn := s.PlaceHolder()
			s.bind(fn, s.name)
			cond += " and hf.field=(select id from field_names where name=$" + fmt.Sprint(fn) + ")"
		}
		return "exists (select 1 from header_fields hf where " + cond + ")"
	case BodyField:
		v := s.PlaceHolder()
		s.bind(v, "%"+s.value+"%")
		return "exists (select 1 from part_numbers pn" +
			" join bodyparts bp on (pn.bodypart=bp.id)" +
			" where pn.message=mm.message and bp.text ilike $" + fmt.Sprint(v) + ")"
	case Rfc822SizeField:
		n := s.PlaceHolder()
		s.bind(n, s.n)
		op := ">"
		if s.action == Smaller {
			op = "<"
		}
		return "mm.message in (select id from messages where rfc822size" + op + "$" + fmt.Sprint(n) + ")"
	case ModseqField:
		n := s.PlaceHolder()
		s.bind(n, s.n)
		return "mm.modseq>=$" + fmt.Sprint(n)
	case AgeField:
		n := s.PlaceHolder()
		s.bind(n, s.t)
		var op string
		switch s.action {
		case OnDate:
			op = "="
		case SinceDate:
			op = ">="
		case BeforeDate:
			op = "<"
		}
		return "mm.message in (select id from messages where idate::date" + op + "$" + fmt.Sprint(n) + "::date)"
	case AnnotationField:
		e := s.PlaceHolder()
		s.bind(e, strings.ToLower(s.name))
		v := s.PlaceHolder()
		s.bind(v, "%"+s.value+"%")
		owner := "a.owner is null"
		if user != 0 {
			u := s.PlaceHolder()
			s.bind(u, user)
			owner = "(a.owner is null or a.owner=$" + fmt.Sprint(u) + ")"
		}
		return "exists (select 1 from annotations a" +
			" where a.mailbox=mm.mailbox and a.uid=mm.uid and " + owner +
			" and a.name=(select id from annotation_names where lower(name)=$" + fmt.Sprint(e) + ")" +
			" and a.value ilike $" + fmt.Sprint(v) + ")"
	}
	return "false"
}

// Equal reports structural equality, used to check Simplify idempotence.
func (s *Selector) Equal(o *Selector) bool {
	if s.field != o.field || s.action != o.action || s.name != o.name ||
		s.value != o.value || s.n != o.n || !s.t.Equal(o.t) ||
		len(s.children) != len(o.children) {
		return false
	}
	if (s.set == nil) != (o.set == nil) {
		return false
	}
	if s.set != nil && s.set.String() != o.set.String() {
		return false
	}
	for i := range s.children {
		if !s.children[i].Equal(o.children[i]) {
			return false
		}
	}
	return true
}
