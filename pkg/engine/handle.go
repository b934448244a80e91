package engine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/golang-sql/sqlexp"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/param"
)

// Handle owns the resources of one open execution: the checked-out
// connection, its transaction, the result cursor and the bound
// parameters. Callers iterate the results, read output parameters,
// and close the handle when done. Closing commits the transaction and
// returns the connection to its pool.
type Handle struct {
	mu     sync.Mutex
	ctx    context.Context
	logger *log.Logger
	conn   *sql.Conn
	tx     *sql.Tx
	rows   *sql.Rows
	values []*param.Value
	ret    *sqlexp.ReturnMessage
	closed bool
}

func newHandle(ctx context.Context, logger *log.Logger, conn *sql.Conn, tx *sql.Tx,
	rows *sql.Rows, values []*param.Value, ret *sqlexp.ReturnMessage) *Handle {
	return &Handle{
		ctx:    ctx,
		logger: logger,
		conn:   conn,
		tx:     tx,
		rows:   rows,
		values: values,
		ret:    ret,
	}
}

// Rows returns the underlying result cursor.
func (h *Handle) Rows() (*sql.Rows, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, scerrors.New(scerrors.ErrCodeHandleClosed,
			"the result set in this handle has been closed").Err()
	}
	return h.rows, nil
}

// Results returns an iterator over all outcomes of the execution.
// On drivers that report progress messages the iterator surfaces
// interleaved update counts; elsewhere it walks result sets only.
func (h *Handle) Results() *MultiResultIterator {
	if h.ret != nil {
		return newIterator(h.ctx, &msgStream{rows: h.rows, ret: h.ret, logger: h.logger})
	}
	return newIterator(h.ctx, &rowsStream{rows: h.rows})
}

// Params returns the bound parameter values of the call.
func (h *Handle) Params() []*param.Value { return h.values }

// Out returns the output value of the parameter at 1-based position
// pos and whether it was non-NULL. Output values are reliable only
// after the results have been fully consumed.
func (h *Handle) Out(pos int) (interface{}, bool, error) {
	if pos < 1 || pos > len(h.values) {
		return nil, false, scerrors.Newf(scerrors.ErrCodeNoOutParam,
			"no parameter at position %d", pos).Err()
	}
	v := h.values[pos-1]
	if !v.Direction().IsOutput() {
		return nil, false, scerrors.Newf(scerrors.ErrCodeNoOutParam,
			"parameter %d is not an output parameter", pos).Err()
	}
	out, present := v.Out()
	return out, present, nil
}

// FirstOut returns the value of the first output parameter.
func (h *Handle) FirstOut() (interface{}, bool, error) {
	v, err := firstOutValue(h.values)
	if err != nil {
		return nil, false, err
	}
	out, present := v.Out()
	return out, present, nil
}

// Close releases the handle's resources in order: result cursor,
// transaction commit, connection. It is idempotent and suppresses
// release failures, logging them instead.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	if h.rows != nil {
		if err := h.rows.Close(); err != nil {
			h.logger.Execution().Debug("suppressed result close error", "error", err)
		}
		h.rows = nil
	}
	if h.tx != nil {
		if err := h.tx.Commit(); err != nil {
			h.logger.Execution().Warn("suppressed commit error on handle close", "error", err)
		}
		h.tx = nil
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			h.logger.Execution().Debug("suppressed connection close error", "error", err)
		}
		h.conn = nil
	}
	return nil
}

// firstOutValue finds the first output-direction parameter.
func firstOutValue(values []*param.Value) (*param.Value, error) {
	for _, v := range values {
		if v.Direction().IsOutput() {
			return v, nil
		}
	}
	return nil, scerrors.New(scerrors.ErrCodeNoOutParam,
		"no output parameter declared").Err()
}
