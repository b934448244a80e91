// Package engine executes declarative statement and procedure
// descriptors against pooled connection targets. Each call checks a
// connection out of the target's pool, runs inside its own
// transaction and commits on completion, so callers never manage
// connection or transaction lifecycle themselves. Result shapes
// mirror the common access patterns: an update count, the first
// column of the first row as a typed scalar, or an open Handle for
// walking multiple result sets and output parameters.
package engine

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/golang-sql/sqlexp"
	"github.com/shopspring/decimal"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/named"
	"github.com/ha1tch/sqlcall/pkg/param"
	"github.com/ha1tch/sqlcall/pkg/query"
	"github.com/ha1tch/sqlcall/pkg/signature"
)

// Connector supplies connections for named targets. drivers.Pool is
// the standard implementation.
type Connector interface {
	// Acquire checks out a single connection for the named target.
	Acquire(ctx context.Context, name string) (*sql.Conn, error)

	// Placeholder reports the positional placeholder style of the
	// named target's driver.
	Placeholder(name string) named.Placeholder
}

// Config holds engine settings.
type Config struct {
	// Logger used for execution logging. Nil selects the default.
	Logger *log.Logger

	// StatementTimeout bounds each scalar or update call. Zero means
	// no bound. Handle-shaped calls follow the caller's context
	// instead, since their results outlive the call.
	StatementTimeout time.Duration
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{}
}

// Engine executes descriptors.
type Engine struct {
	connector Connector
	logger    *log.Logger
	timeout   time.Duration
}

// New creates an engine over a connector.
func New(connector Connector, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		connector: connector,
		logger:    logger,
		timeout:   cfg.StatementTimeout,
	}
}

// callFrame carries the per-call execution state: the checked-out
// connection, its transaction, the rendered SQL text and the bound
// arguments.
type callFrame struct {
	conn   *sql.Conn
	tx     *sql.Tx
	text   string
	args   []interface{}
	values []*param.Value
}

func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return ctx, func() {}
}

// Exec runs a descriptor as an update operation and returns the
// number of rows affected, or -1 when the driver cannot report it.
func (e *Engine) Exec(ctx context.Context, d *query.Descriptor, args ...interface{}) (int64, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	frame, err := e.begin(ctx, d, args)
	if err != nil {
		return 0, err
	}
	res, err := frame.tx.ExecContext(ctx, frame.text, frame.args...)
	if err != nil {
		e.finish(frame.conn, frame.tx, nil, true)
		return 0, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "execute update").
			WithField("descriptor", d.Name).Err()
	}
	count, err := res.RowsAffected()
	if err != nil {
		count = -1
		e.logger.Execution().Debug("rows affected unavailable",
			"descriptor", d.Name,
			"error", err)
	}
	if ferr := e.finish(frame.conn, frame.tx, nil, false); ferr != nil {
		return 0, ferr
	}
	e.logger.Execution().Debug("update complete",
		"descriptor", d.Name,
		"rows", count)
	return count, nil
}

// GetInt runs a descriptor and returns its scalar result as an
// integer. For statements this is row 1, column 1, or -1 when no rows
// came back. For procedures it is the first output parameter, NULL
// reading as zero.
func (e *Engine) GetInt(ctx context.Context, d *query.Descriptor, args ...interface{}) (int64, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	raw, present, err := e.scalar(ctx, d, args)
	if err != nil {
		return -1, err
	}
	if !present {
		if d.Kind == query.KindProcedure {
			return 0, nil
		}
		return -1, nil
	}
	n, ok := param.AsInt64(raw)
	if !ok {
		return -1, scerrors.Newf(scerrors.ErrCodeTypeMismatch,
			"cannot read %T as int64", raw).WithField("descriptor", d.Name).Err()
	}
	return n, nil
}

// GetString runs a descriptor and returns its scalar result as a
// string: row 1, column 1 for statements, the first output parameter
// for procedures. An absent value reads as the empty string.
func (e *Engine) GetString(ctx context.Context, d *query.Descriptor, args ...interface{}) (string, error) {
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	raw, present, err := e.scalar(ctx, d, args)
	if err != nil || !present {
		return "", err
	}
	return param.AsString(raw), nil
}

// Get runs a descriptor and returns its scalar result converted to T,
// with a flag reporting whether a value was present at all.
func Get[T any](ctx context.Context, e *Engine, d *query.Descriptor, args ...interface{}) (T, bool, error) {
	var zero T
	ctx, cancel := e.opCtx(ctx)
	defer cancel()

	raw, present, err := e.scalar(ctx, d, args)
	if err != nil || !present {
		return zero, false, err
	}
	v, ok := convertScalar[T](raw)
	if !ok {
		return zero, false, scerrors.Newf(scerrors.ErrCodeTypeMismatch,
			"cannot read %T as %T", raw, zero).WithField("descriptor", d.Name).Err()
	}
	return v, true, nil
}

// convertScalar converts a driver value to the requested type through
// the usual representations.
func convertScalar[T any](raw interface{}) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case int64:
		if v, ok := param.AsInt64(raw); ok {
			return any(v).(T), true
		}
	case int:
		if v, ok := param.AsInt64(raw); ok {
			return any(int(v)).(T), true
		}
	case int32:
		if v, ok := param.AsInt64(raw); ok {
			return any(int32(v)).(T), true
		}
	case string:
		return any(param.AsString(raw)).(T), true
	case float64:
		if v, ok := param.AsFloat64(raw); ok {
			return any(v).(T), true
		}
	case float32:
		if v, ok := param.AsFloat64(raw); ok {
			return any(float32(v)).(T), true
		}
	case bool:
		if v, ok := param.AsBool(raw); ok {
			return any(v).(T), true
		}
	case []byte:
		if v, ok := param.AsBytes(raw); ok {
			return any(v).(T), true
		}
	case decimal.Decimal:
		if v, ok := param.AsDecimal(raw); ok {
			return any(v).(T), true
		}
	case time.Time:
		if v, ok := param.AsTime(raw); ok {
			return any(v).(T), true
		}
	case civil.Date:
		if v, ok := param.AsTime(raw); ok {
			return any(civil.DateOf(v)).(T), true
		}
	default:
		if v, ok := raw.(T); ok {
			return v, true
		}
	}
	return zero, false
}

// GetHandle runs a descriptor and returns an open Handle owning the
// connection, transaction and result cursor. The caller must close
// it; closing commits the transaction.
func (e *Engine) GetHandle(ctx context.Context, d *query.Descriptor, args ...interface{}) (*Handle, error) {
	frame, err := e.begin(ctx, d, args)
	if err != nil {
		return nil, err
	}
	return e.openHandle(ctx, d.Name, d.Connection, frame)
}

// Call executes a stored procedure by name with explicitly built
// parameter values, bypassing descriptor validation. The returned
// Handle owns the call's resources.
func (e *Engine) Call(ctx context.Context, connection, name string, params ...*param.Value) (*Handle, error) {
	bound := make([]interface{}, len(params))
	for i, p := range params {
		a, err := p.Arg(i + 1)
		if err != nil {
			return nil, err
		}
		bound[i] = a
	}
	text := procCallText(e.connector.Placeholder(connection), name, len(params))

	e.logger.Execution().Debug("executing",
		"procedure", name,
		"args", len(params))

	frame, err := e.openFrame(ctx, connection, text, bound, params)
	if err != nil {
		return nil, err
	}
	return e.openHandle(ctx, name, connection, frame)
}

// scalar executes a descriptor and returns the raw scalar value with
// a presence flag: first row / first column for statements, the first
// output parameter for procedures.
func (e *Engine) scalar(ctx context.Context, d *query.Descriptor, args []interface{}) (interface{}, bool, error) {
	frame, err := e.begin(ctx, d, args)
	if err != nil {
		return nil, false, err
	}

	if d.Kind == query.KindProcedure {
		if _, err := frame.tx.ExecContext(ctx, frame.text, frame.args...); err != nil {
			e.finish(frame.conn, frame.tx, nil, true)
			return nil, false, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "execute procedure").
				WithField("descriptor", d.Name).Err()
		}
		v, verr := firstOutValue(frame.values)
		if verr != nil {
			e.finish(frame.conn, frame.tx, nil, false)
			return nil, false, scerrors.Wrap(verr, scerrors.GetCode(verr), "read scalar result").
				WithField("descriptor", d.Name).Err()
		}
		out, present := v.Out()
		if ferr := e.finish(frame.conn, frame.tx, nil, false); ferr != nil {
			return nil, false, ferr
		}
		return out, present, nil
	}

	rows, err := frame.tx.QueryContext(ctx, frame.text, frame.args...)
	if err != nil {
		e.finish(frame.conn, frame.tx, nil, true)
		return nil, false, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "execute query").
			WithField("descriptor", d.Name).Err()
	}
	raw, present, err := firstColumn(rows)
	if err != nil {
		e.finish(frame.conn, frame.tx, rows, true)
		return nil, false, err
	}
	if ferr := e.finish(frame.conn, frame.tx, rows, false); ferr != nil {
		return nil, false, ferr
	}
	return raw, present, nil
}

// firstColumn reads row 1, column 1 of a result cursor.
func firstColumn(rows *sql.Rows) (interface{}, bool, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, scerrors.Wrap(err, scerrors.ErrCodeIteration, "read first row").Err()
		}
		return nil, false, nil
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "read columns").Err()
	}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "scan first row").Err()
	}
	return values[0], true, nil
}

// begin validates a descriptor against the actual arguments, renders
// its SQL text for the target driver, binds the arguments and opens a
// connection with a fresh transaction.
func (e *Engine) begin(ctx context.Context, d *query.Descriptor, args []interface{}) (*callFrame, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	ph := e.connector.Placeholder(d.Connection)

	var (
		text   string
		bound  []interface{}
		values []*param.Value
	)
	switch d.Kind {
	case query.KindStatement:
		if err := checkStatementArity(d, len(args)); err != nil {
			return nil, err
		}
		text = named.Rewrite(d.Text, ph)
		bound = args
	default:
		sig, vals, err := prepareProc(d, args)
		if err != nil {
			return nil, err
		}
		values = vals
		bound = make([]interface{}, len(vals))
		for i, v := range vals {
			a, err := v.Arg(i + 1)
			if err != nil {
				return nil, err
			}
			bound[i] = a
		}
		text = procCallText(ph, sig.Name, len(vals))
	}

	e.logger.Execution().Debug("executing",
		"descriptor", d.Name,
		"kind", d.Kind.String(),
		"args", len(args))

	return e.openFrame(ctx, d.Connection, text, bound, values)
}

// openFrame checks out a connection and begins the per-call
// transaction.
func (e *Engine) openFrame(ctx context.Context, connection, text string, bound []interface{}, values []*param.Value) (*callFrame, error) {
	conn, err := e.connector.Acquire(ctx, connection)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "begin transaction").Err()
	}
	return &callFrame{conn: conn, tx: tx, text: text, args: bound, values: values}, nil
}

// openHandle executes the frame as a query and wraps the live cursor
// in a Handle. Targets with message-stream support get an iterator
// that surfaces interleaved update counts.
func (e *Engine) openHandle(ctx context.Context, name, connection string, frame *callFrame) (*Handle, error) {
	var (
		rows *sql.Rows
		ret  *sqlexp.ReturnMessage
		err  error
	)
	if e.connector.Placeholder(connection) == named.PlaceholderAtP {
		ret = &sqlexp.ReturnMessage{}
		rows, err = frame.tx.QueryContext(ctx, frame.text, append(frame.args, ret)...)
	} else {
		rows, err = frame.tx.QueryContext(ctx, frame.text, frame.args...)
	}
	if err != nil {
		e.finish(frame.conn, frame.tx, nil, true)
		return nil, scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "execute").
			WithField("descriptor", name).Err()
	}
	e.logger.Execution().Debug("handle opened", "descriptor", name)
	return newHandle(ctx, e.logger, frame.conn, frame.tx, rows, frame.values, ret), nil
}

// finish releases per-call resources: result cursor first, then the
// transaction, then the connection. A failed call rolls back instead
// of committing. Release failures are suppressed and logged, except a
// commit failure on the success path, which is returned.
func (e *Engine) finish(conn *sql.Conn, tx *sql.Tx, rows *sql.Rows, failed bool) error {
	if rows != nil {
		if err := rows.Close(); err != nil {
			e.logger.Execution().Debug("suppressed result close error", "error", err)
		}
	}
	var commitErr error
	if tx != nil {
		if failed {
			if err := tx.Rollback(); err != nil {
				e.logger.Execution().Debug("suppressed rollback error", "error", err)
			}
		} else if err := tx.Commit(); err != nil {
			commitErr = scerrors.Wrap(err, scerrors.ErrCodeDriverFailure, "commit transaction").Err()
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			e.logger.Execution().Debug("suppressed connection close error", "error", err)
		}
	}
	return commitErr
}

// checkStatementArity checks the actual argument count of a statement
// call against the descriptor's declared argument names.
func checkStatementArity(d *query.Descriptor, actual int) error {
	expect := len(d.ArgNames)
	if actual == expect {
		return nil
	}
	if expect == 0 {
		return scerrors.Newf(scerrors.ErrCodeArityMismatch,
			"no arguments expected for %s", d.Name).Err()
	}
	return scerrors.Newf(scerrors.ErrCodeArityMismatch,
		"incorrect argument count for %s%v: expect: %d; actual: %d",
		d.Name, d.ArgNames, expect, actual).Err()
}

// prepareProc parses a procedure descriptor's signature, checks it
// against the declared types and the actual arguments, and binds each
// argument to a parameter value. Variadic signatures reuse their
// final placeholder for overflow arguments.
func prepareProc(d *query.Descriptor, args []interface{}) (*signature.Signature, []*param.Value, error) {
	sig, err := signature.Parse(d.Name, d.Signature)
	if err != nil {
		return nil, nil, err
	}

	argsCount := len(sig.Dirs)
	typesCount := len(d.Types)
	parmsCount := len(args)
	minCount := typesCount

	if argsCount != typesCount {
		return nil, nil, scerrors.Newf(scerrors.ErrCodeSignatureTypeMismatch,
			"signature argument count differs from declared type count for %s%v: signature: %d; declared: %d",
			d.Name, d.Types, argsCount, typesCount).Err()
	}
	if sig.Variadic {
		minCount--
		if parmsCount < minCount {
			return nil, nil, scerrors.Newf(scerrors.ErrCodeInsufficientArgs,
				"insufficient arguments count for %s%v: minimum: %d; actual: %d",
				d.Name, d.Types, minCount, parmsCount).Err()
		}
	} else if parmsCount != typesCount {
		if typesCount == 0 {
			return nil, nil, scerrors.Newf(scerrors.ErrCodeArityMismatch,
				"no arguments expected for %s", d.Name).Err()
		}
		return nil, nil, scerrors.Newf(scerrors.ErrCodeArityMismatch,
			"incorrect arguments count for %s%v: expect: %d; actual: %d",
			d.Name, d.Types, typesCount, parmsCount).Err()
	}

	values := make([]*param.Value, parmsCount)
	i := 0
	for ; i < minCount; i++ {
		values[i] = param.NewOf(sig.Dirs[i], d.Types[i], args[i])
	}
	for j := i; j < parmsCount; j++ {
		values[j] = param.NewOf(sig.Dirs[i], d.Types[i], args[j])
	}
	return sig, values, nil
}

// procCallText renders the invocation text for a stored procedure in
// the form the target driver executes.
func procCallText(ph named.Placeholder, name string, argc int) string {
	switch ph {
	case named.PlaceholderAtP:
		// go-mssqldb treats a bare procedure name as an RPC call
		return name
	case named.PlaceholderDollar:
		var b strings.Builder
		b.WriteString("CALL ")
		b.WriteString(name)
		b.WriteByte('(')
		for i := 1; i <= argc; i++ {
			if i > 1 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i))
		}
		b.WriteByte(')')
		return b.String()
	default:
		return signature.CallText(name, argc)
	}
}
