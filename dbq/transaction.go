package dbq

import (
	"errors"
	"fmt"

	"github.com/aoxmail/aox/metrics"
	"github.com/aoxmail/aox/mlog"
)

var txlog = mlog.New("dbq")

// TxState is the transaction lifecycle.
type TxState int

const (
	TxInactive TxState = iota
	TxExecuting
	TxCommitting
	TxCompleted
	TxFailed
	TxRolledBack
)

var (
	ErrTxFailed = errors.New("transaction failed")
	errPoisoned = errors.New("cannot commit failed transaction")
)

// Transaction is a queue of statements executed in order on one database
// connection, with savepoint bookkeeping. A failed statement poisons the
// transaction unless it was marked allowFailure; commit fails on a
// poisoned transaction. A transaction always ends in exactly one of
// Completed, Failed or RolledBack.
type Transaction struct {
	state TxState
	err   error

	queue []*Query
	owner func()

	savepoints []string

	// submit hands statements to the execution side: a worker goroutine
	// bound to a database connection, or a script in tests.
	submit func(op txOp)
}

type txOp struct {
	query    *Query
	commit   bool
	rollback bool
}

// Enqueue adds q to the send queue. Nothing reaches the database until
// Execute.
func (t *Transaction) Enqueue(q *Query) {
	t.queue = append(t.queue, q)
}

// Execute submits all queued statements.
func (t *Transaction) Execute() {
	if t.state == TxInactive {
		t.state = TxExecuting
	}
	q := t.queue
	t.queue = nil
	for _, s := range q {
		t.submit(txOp{query: s})
	}
}

// Commit executes any queued statements and commits. Commit fails if the
// transaction was poisoned by an earlier statement.
func (t *Transaction) Commit() {
	t.Execute()
	if t.state != TxFailed {
		t.state = TxCommitting
	}
	t.submit(txOp{commit: true})
}

// Rollback discards the transaction.
func (t *Transaction) Rollback() {
	t.Execute()
	t.submit(txOp{rollback: true})
}

// Done reports whether the transaction reached a terminal state.
func (t *Transaction) Done() bool {
	return t.state == TxCompleted || t.state == TxFailed || t.state == TxRolledBack
}

// Failed reports whether the transaction was poisoned or failed to
// commit.
func (t *Transaction) Failed() bool { return t.state == TxFailed }

// Err returns what poisoned the transaction.
func (t *Transaction) Err() error { return t.err }

func (t *Transaction) State() TxState { return t.state }

// OpenSavepoints returns the names of savepoints issued but not yet
// released or rolled back, oldest first.
func (t *Transaction) OpenSavepoints() []string {
	return append([]string{}, t.savepoints...)
}

// Notify invokes the owner callback.
func (t *Transaction) Notify() {
	if t.owner != nil {
		t.owner()
	}
}

// statementDone is called on the loop side when a statement finishes.
func (t *Transaction) statementDone(q *Query, err error) {
	if err != nil {
		metrics.QueryFailures.Inc()
	}
	if err == nil {
		t.trackSavepoint(q)
	}
	q.Complete(err)
	if err != nil && !q.allowFailure && t.state != TxFailed {
		t.state = TxFailed
		t.err = fmt.Errorf("%w: %v", ErrTxFailed, err)
		txlog.Errorx("statement poisoned transaction", err, mlog.Field("sql", q.text))
	}
}

func (t *Transaction) trackSavepoint(q *Query) {
	op, name := savepointOp(q.text)
	switch op {
	case "savepoint":
		t.savepoints = append(t.savepoints, name)
	case "release":
		// Releasing destroys the savepoint and any set after it.
		for i := len(t.savepoints) - 1; i >= 0; i-- {
			if t.savepoints[i] == name {
				t.savepoints = t.savepoints[:i]
				break
			}
		}
	case "rollback":
		// Rolling back to a savepoint keeps it; deeper ones are gone.
		for i := len(t.savepoints) - 1; i >= 0; i-- {
			if t.savepoints[i] == name {
				t.savepoints = t.savepoints[:i+1]
				break
			}
		}
	}
}

// finish is called on the loop side when commit/rollback resolves.
func (t *Transaction) finish(state TxState, err error) {
	if t.Done() {
		return
	}
	t.state = state
	if err != nil && t.err == nil {
		t.err = err
	}
	t.Notify()
}

// Scripted returns a transaction whose statements are resolved by fn
// instead of a database connection: fn inspects each statement and calls
// Resolve on it. Used by tests.
func Scripted(owner func(), fn func(t *Transaction, q *Query)) *Transaction {
	t := &Transaction{owner: owner}
	t.submit = func(op txOp) {
		switch {
		case op.commit:
			if t.state == TxFailed {
				t.finish(TxFailed, errPoisoned)
				return
			}
			t.finish(TxCompleted, nil)
		case op.rollback:
			if t.state != TxFailed {
				t.finish(TxRolledBack, nil)
			} else {
				t.finish(TxFailed, nil)
			}
		default:
			fn(t, op.query)
		}
	}
	return t
}

// Resolve completes q with the given rows and error, applying the
// transaction's failure rules. For use by Scripted resolvers.
func (t *Transaction) Resolve(q *Query, rows []Row, err error) {
	if rows != nil {
		q.Deliver(rows)
	}
	t.statementDone(q, err)
}
