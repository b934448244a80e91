package engine

import (
	"context"
	"database/sql"

	"github.com/golang-sql/sqlexp"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
)

// OutcomeKind discriminates the two outcome variants of an execution.
type OutcomeKind uint8

const (
	OutcomeRows  OutcomeKind = iota + 1 // a result set
	OutcomeCount                        // an update count
)

// String returns the outcome kind name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRows:
		return "rows"
	case OutcomeCount:
		return "count"
	default:
		return "unknown"
	}
}

// Outcome is one element of an execution's result sequence: either a
// result set or an update count. Rows aliases the handle's underlying
// result cursor, so it is valid only until the iterator advances.
type Outcome struct {
	Kind  OutcomeKind
	Rows  *sql.Rows
	Count int64
}

// stream walks the raw outcomes of one execution in driver order.
type stream interface {
	next(ctx context.Context) (Outcome, bool, error)
}

// MultiResultIterator traverses all outcomes of a SQL execution:
// result sets for queries and update counts for DML, in the order the
// server produced them. Closing the owning handle releases the
// underlying resources; the iterator itself holds none.
type MultiResultIterator struct {
	ctx     context.Context
	src     stream
	current Outcome
	err     error
	done    bool
}

func newIterator(ctx context.Context, src stream) *MultiResultIterator {
	return &MultiResultIterator{ctx: ctx, src: src}
}

// Next advances to the next outcome. It returns false when the
// sequence is exhausted or an error occurred; Err distinguishes the
// two.
func (it *MultiResultIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	oc, ok, err := it.src.next(it.ctx)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	it.current = oc
	return true
}

// Outcome returns the outcome positioned by the last successful Next.
func (it *MultiResultIterator) Outcome() Outcome { return it.current }

// Err returns the error that terminated iteration, if any.
func (it *MultiResultIterator) Err() error { return it.err }

// rowsStream walks the result sets of a database/sql cursor. The
// initial result set is already positioned when the stream is
// created, so the first advance yields it without moving the cursor.
// Drivers surface only result sets through this path; update counts
// interleaved by the server are not visible.
type rowsStream struct {
	rows    *sql.Rows
	started bool
}

func (s *rowsStream) next(ctx context.Context) (Outcome, bool, error) {
	if s.rows == nil {
		return Outcome{}, false, nil
	}
	if !s.started {
		s.started = true
		return Outcome{Kind: OutcomeRows, Rows: s.rows}, true, nil
	}
	if s.rows.NextResultSet() {
		return Outcome{Kind: OutcomeRows, Rows: s.rows}, true, nil
	}
	if err := s.rows.Err(); err != nil {
		return Outcome{}, false, scerrors.Wrap(err, scerrors.ErrCodeIteration,
			"advance result set").Err()
	}
	return Outcome{}, false, nil
}

// msgStream walks the message stream of a driver that supports
// sqlexp.ReturnMessage, surfacing interleaved update counts alongside
// result sets the way the server emitted them.
type msgStream struct {
	rows   *sql.Rows
	ret    *sqlexp.ReturnMessage
	logger *log.Logger
	done   bool
}

func (s *msgStream) next(ctx context.Context) (Outcome, bool, error) {
	for !s.done {
		switch m := s.ret.Message(ctx).(type) {
		case sqlexp.MsgNext:
			return Outcome{Kind: OutcomeRows, Rows: s.rows}, true, nil
		case sqlexp.MsgRowsAffected:
			return Outcome{Kind: OutcomeCount, Count: m.Count}, true, nil
		case sqlexp.MsgNextResultSet:
			if !s.rows.NextResultSet() {
				s.done = true
				if err := s.rows.Err(); err != nil {
					return Outcome{}, false, scerrors.Wrap(err, scerrors.ErrCodeIteration,
						"advance result set").Err()
				}
			}
		case sqlexp.MsgError:
			s.done = true
			return Outcome{}, false, scerrors.Wrap(m.Error, scerrors.ErrCodeDriverFailure,
				"server error during iteration").Err()
		case sqlexp.MsgNotice:
			s.logger.Execution().Debug("server notice", "message", m.Message)
		}
	}
	return Outcome{}, false, nil
}
