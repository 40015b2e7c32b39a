package dbq

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/aoxmail/aox/mlog"
)

var xlog = mlog.New("dbq")

// Pool wraps the database handle. Statements run on worker goroutines;
// all callbacks are delivered through post, normally the event loop's
// Post, so user code stays on the loop.
type Pool struct {
	db   *sqlx.DB
	post func(func())
}

// Open connects to the database. post delivers completions to the loop
// goroutine.
func Open(dsn string, maxConns int, post func(func())) (*Pool, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	xlog.Debug("database pool opened", mlog.Field("maxconns", maxConns))
	return &Pool{db: db, post: post}, nil
}

// Close releases the pool's connections.
func (p *Pool) Close() error { return p.db.Close() }

// DB exposes the handle for synchronous subcommand use; loop code goes
// through Submit and Begin instead.
func (p *Pool) DB() *sqlx.DB { return p.db }

// Submit runs a standalone statement outside any transaction. Rows and
// completion are delivered through the pool's post function.
func (p *Pool) Submit(q *Query) {
	go func() {
		rows, err := p.runQuery(p.db, q)
		p.post(func() {
			if len(rows) > 0 {
				q.Deliver(rows)
			}
			q.Complete(err)
		})
	}()
}

// Begin returns a transaction whose statements execute in order on a
// dedicated worker goroutine. owner is notified on completion events.
func (p *Pool) Begin(owner func()) *Transaction {
	t := &Transaction{owner: owner}
	ops := make(chan txOp, 64)
	t.submit = func(op txOp) { ops <- op }
	go p.run(t, ops)
	return t
}

type queryer interface {
	Queryx(query string, args ...any) (*sqlx.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

// run is the transaction worker: it owns one sql.Tx and executes
// submitted operations in order until commit or rollback.
func (p *Pool) run(t *Transaction, ops chan txOp) {
	tx, err := p.db.Beginx()
	if err != nil {
		p.post(func() { t.finish(TxFailed, fmt.Errorf("beginning transaction: %w", err)) })
		return
	}
	// The worker tracks poisoning itself; it must not read loop-side
	// transaction state.
	failed := false
	for op := range ops {
		switch {
		case op.commit:
			if failed {
				tx.Rollback()
				p.post(func() { t.finish(TxFailed, errPoisoned) })
				return
			}
			err := tx.Commit()
			p.post(func() {
				if err != nil {
					t.finish(TxFailed, fmt.Errorf("commit: %w", err))
				} else {
					t.finish(TxCompleted, nil)
				}
			})
			return
		case op.rollback:
			err := tx.Rollback()
			wasFailed := failed
			p.post(func() {
				if err != nil {
					t.finish(TxFailed, fmt.Errorf("rollback: %w", err))
				} else if wasFailed {
					t.finish(TxFailed, nil)
				} else {
					t.finish(TxRolledBack, nil)
				}
			})
			return
		}
		q := op.query
		var rows []Row
		var qerr error
		if q.IsCopy() {
			qerr = p.runCopy(tx, q)
		} else {
			rows, qerr = p.runQuery(tx, q)
		}
		if qerr == nil {
			// Rolling back to a savepoint recovers the transaction from
			// failures of the statements it guarded.
			if op2, _ := savepointOp(q.text); op2 == "rollback" {
				failed = false
			}
		} else if !q.allowFailure {
			failed = true
		}
		p.post(func() {
			if len(rows) > 0 {
				q.Deliver(rows)
			}
			t.statementDone(q, qerr)
		})
	}
}

// runQuery executes one statement and scans all rows. Statements without
// result sets go through Exec.
func (p *Pool) runQuery(on queryer, q *Query) ([]Row, error) {
	if !returnsRows(q.text) {
		_, err := on.Exec(q.text, q.Args()...)
		return nil, err
	}
	rows, err := on.Queryx(q.text, q.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return out, err
		}
		out = append(out, Row(m))
	}
	return out, rows.Err()
}

// runCopy performs a bulk COPY FROM STDIN using the driver's CopyIn.
func (p *Pool) runCopy(tx *sqlx.Tx, q *Query) error {
	stmt, err := tx.Preparex(pq.CopyIn(q.copyTable, q.copyCols...))
	if err != nil {
		return err
	}
	for _, tuple := range q.copyRows {
		if _, err := stmt.Exec(tuple...); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return err
	}
	return stmt.Close()
}

func returnsRows(text string) bool {
	s := text
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '\n') {
		s = s[1:]
	}
	if len(s) < 6 {
		return false
	}
	switch {
	case equalFold(s[:6], "select"):
		return true
	case len(s) >= 4 && equalFold(s[:4], "with"):
		return true
	}
	return containsFold(s, " returning ")
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFold(s[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}
