package search

import (
	"fmt"
	"strings"

	"github.com/aoxmail/aox/dbq"
	"github.com/aoxmail/aox/message"
)

// SortCriterion is one sort key.
type SortCriterion int

const (
	SortArrival SortCriterion = iota
	SortCc
	SortDate
	SortFrom
	SortSize
	SortSubject
	SortTo
	SortAnnotation
)

// SortKey is a criterion with its direction and, for annotation sorts,
// the entry name and privacy.
type SortKey struct {
	Criterion SortCriterion
	Reverse   bool

	// Annotation only.
	Entry   string
	Private bool
}

// Sort carries an ordered list of sort keys and splices them into a query
// compiled by a Selector. Subject sort requires the threader to have run,
// so thread_members rows exist for the mailbox.
type Sort struct {
	keys []SortKey
}

// NewSort returns a sort over the given keys. Keys repeating an earlier
// criterion are dropped.
func NewSort(keys ...SortKey) *Sort {
	s := &Sort{}
	for _, k := range keys {
		if !s.using(k.Criterion) {
			s.keys = append(s.keys, k)
		}
	}
	return s
}

// UsingSubject reports whether Subject is among the criteria, which
// requires the threader to be updated first.
func (s *Sort) UsingSubject() bool { return s.using(SortSubject) }

func (s *Sort) using(c SortCriterion) bool {
	for _, k := range s.keys {
		if k.Criterion == c {
			return true
		}
	}
	return false
}

// Apply splices the sort keys into q, which must have been compiled by
// sel: a join clause after the first WHERE, the sort expression into the
// ORDER BY list, and the expression into the projection after mm.uid so
// DISTINCT accepts the ordering. Annotation keys bind their entry name
// (and, for private annotations, the user id) through the selector's
// placeholder counter.
func (s *Sort) Apply(q *dbq.Query, sel *Selector, user int64) {
	t := q.Text()
	for _, k := range s.keys {
		join, orderby := s.clauses(k, q, sel, user)
		t = addJoin(t, join, orderby, k.Reverse)
	}
	q.SetText(t)
}

func (s *Sort) clauses(k SortKey, q *dbq.Query, sel *Selector, user int64) (join, orderby string) {
	switch k.Criterion {
	case SortArrival:
		return "join messages sam on (sam.id=mm.message) ", "sam.idate"
	case SortCc:
		return "left join address_fields sccaf on " +
				"(mm.message=sccaf.message and " +
				" sccaf.part='' and sccaf.number=0 and" +
				fmt.Sprintf(" sccaf.field=%d) ", int(message.Cc)) +
				"left join addresses scca on (sccaf.address=scca.id) ",
			"scca.localpart"
	case SortDate:
		return "left join header_fields sddf on " +
				"(mm.message=sddf.message and sddf.part='' and " +
				" sddf.field=(select id from field_names where name='Date')) ",
			"sddf.value"
	case SortFrom:
		return "join address_fields sfaf on " +
				"(mm.message=sfaf.message and " +
				" sfaf.part='' and sfaf.number=0 and" +
				fmt.Sprintf(" sfaf.field=%d) ", int(message.From)) +
				"join addresses sfa on (sfaf.address=sfa.id) ",
			"sfa.localpart"
	case SortSize:
		return "join messages sm on (sm.id=mm.message) ", "sm.rfc822size"
	case SortSubject:
		return "left join thread_members sstm on " +
				"(mm.mailbox=sstm.mailbox and mm.uid=sstm.uid) " +
				"left join threads sst on (sstm.thread=sst.id) ",
			"lower(sst.subject)"
	case SortTo:
		return "left join address_fields staf on " +
				"(mm.message=staf.message and " +
				" staf.part='' and staf.number=0 and" +
				fmt.Sprintf(" staf.field=%d) ", int(message.To)) +
				"left join addresses sta on (staf.address=sta.id) ",
			"sta.localpart"
	case SortAnnotation:
		b1 := sel.PlaceHolder()
		q.Bind(b1, strings.ToLower(k.Entry))
		ownercond := " owner is null"
		if k.Private {
			b2 := sel.PlaceHolder()
			q.Bind(b2, user)
			ownercond = fmt.Sprintf(" owner=$%d", b2)
		}
		return "left join annotations saa on " +
				"(mm.mailbox=saa.mailbox and mm.uid=saa.uid and" +
				ownercond + " and name=" +
				fmt.Sprintf("(select id from annotation_names where lower(name)=$%d)) ", b1),
			"saa.value"
	}
	return "", ""
}

// addJoin mutates the rendered SQL: the join goes immediately after the
// first " where " anchor, the order expression before the final tiebreak
// in the " order by " list, and into the projection right after "mm.uid"
// so select distinct accepts the ordering.
func addJoin(t, join, orderby string, desc bool) string {
	w := strings.Index(t, " where ")
	if w < 0 {
		return t
	}
	t = t[:w+1] + join + t[w+1:]

	o := strings.Index(t, " order by ")
	if o < 0 {
		return t
	}
	o += len(" order by ")
	c := len(t)
	for c > o && t[c-1] != ',' {
		c--
	}
	mod := ""
	if desc {
		mod = " desc"
	}
	if c > o {
		// Insert at the last comma, before the uid tiebreak.
		c--
		t = t[:c] + ", " + orderby + mod + t[c:]
	} else {
		t = t[:o] + orderby + mod + ", " + t[o:]
	}

	u := strings.Index(t, "mm.uid")
	if u < 0 {
		return t
	}
	u += len("mm.uid")
	return t[:u] + ", " + orderby + t[u:]
}
