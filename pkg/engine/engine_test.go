package engine_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/ha1tch/sqlcall/pkg/drivers"
	"github.com/ha1tch/sqlcall/pkg/engine"
	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/named"
	"github.com/ha1tch/sqlcall/pkg/param"
	"github.com/ha1tch/sqlcall/pkg/query"
)

// The fakeproc driver stands in for a stored procedure target. It
// records every statement text and argument it receives, writes
// canned values into captured output parameter destinations, and
// counts transaction commits and rollbacks.

type recordedCall struct {
	query string
	args  []driver.Value
}

type resultSet struct {
	columns []string
	rows    [][]driver.Value
}

// procScript is the canned behavior of one fake target.
type procScript struct {
	mu        sync.Mutex
	calls     []recordedCall
	sets      []resultSet
	outValues []interface{}
	execRows  int64
	execErr   error
	commits   int
	rollbacks int
	events    []string
}

func (s *procScript) record(query string, args []driver.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]driver.Value, len(args))
	copy(cp, args)
	s.calls = append(s.calls, recordedCall{query: query, args: cp})
}

func (s *procScript) event(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *procScript) eventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.events))
	copy(cp, s.events)
	return cp
}

func (s *procScript) lastCall(t *testing.T) recordedCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatal("no calls recorded")
	}
	return s.calls[len(s.calls)-1]
}

func (s *procScript) txCounts() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

type procDriver struct {
	mu      sync.Mutex
	scripts map[string]*procScript
}

var fakeDriver = &procDriver{scripts: map[string]*procScript{}}

func init() { sql.Register("fakeproc", fakeDriver) }

func (d *procDriver) Open(name string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.scripts[name]
	if !ok {
		return nil, fmt.Errorf("unknown fake script %q", name)
	}
	return &procConn{script: s}, nil
}

func openFake(t *testing.T, script *procScript) *sql.DB {
	t.Helper()
	fakeDriver.mu.Lock()
	name := fmt.Sprintf("script%d", len(fakeDriver.scripts))
	fakeDriver.scripts[name] = script
	fakeDriver.mu.Unlock()

	db, err := sql.Open("fakeproc", name)
	if err != nil {
		t.Fatalf("open fake driver: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type procConn struct{ script *procScript }

func (c *procConn) Prepare(q string) (driver.Stmt, error) {
	return &procStmt{conn: c, query: q}, nil
}

func (c *procConn) Close() error {
	c.script.event("conn close")
	return nil
}

func (c *procConn) Begin() (driver.Tx, error) { return &procTx{script: c.script}, nil }

type procTx struct{ script *procScript }

func (t *procTx) Commit() error {
	t.script.mu.Lock()
	defer t.script.mu.Unlock()
	t.script.commits++
	t.script.events = append(t.script.events, "commit")
	return nil
}

func (t *procTx) Rollback() error {
	t.script.mu.Lock()
	defer t.script.mu.Unlock()
	t.script.rollbacks++
	t.script.events = append(t.script.events, "rollback")
	return nil
}

type procStmt struct {
	conn  *procConn
	query string
	outs  []sql.Out
}

func (s *procStmt) Close() error {
	s.conn.script.event("stmt close")
	return nil
}

func (s *procStmt) NumInput() int { return -1 }

func (s *procStmt) CheckNamedValue(nv *driver.NamedValue) error {
	if out, ok := nv.Value.(sql.Out); ok {
		s.outs = append(s.outs, out)
		nv.Value = nil
		return nil
	}
	v, err := driver.DefaultParameterConverter.ConvertValue(nv.Value)
	if err != nil {
		return err
	}
	nv.Value = v
	return nil
}

func (s *procStmt) Exec(args []driver.Value) (driver.Result, error) {
	sc := s.conn.script
	sc.record(s.query, args)
	if sc.execErr != nil {
		return nil, sc.execErr
	}
	s.applyOuts()
	return execResult{rows: sc.execRows}, nil
}

func (s *procStmt) Query(args []driver.Value) (driver.Rows, error) {
	sc := s.conn.script
	sc.record(s.query, args)
	s.applyOuts()
	return &procRows{script: sc, sets: sc.sets}, nil
}

func (s *procStmt) applyOuts() {
	vals := s.conn.script.outValues
	for i, out := range s.outs {
		if i >= len(vals) {
			return
		}
		assignOut(out.Dest, vals[i])
	}
}

func assignOut(dest, v interface{}) {
	switch d := dest.(type) {
	case *sql.NullInt32:
		if v == nil {
			*d = sql.NullInt32{}
			return
		}
		*d = sql.NullInt32{Int32: v.(int32), Valid: true}
	case *sql.NullInt64:
		if v == nil {
			*d = sql.NullInt64{}
			return
		}
		*d = sql.NullInt64{Int64: v.(int64), Valid: true}
	case *sql.NullString:
		if v == nil {
			*d = sql.NullString{}
			return
		}
		*d = sql.NullString{String: v.(string), Valid: true}
	default:
		panic(fmt.Sprintf("unsupported out destination %T", dest))
	}
}

type execResult struct{ rows int64 }

func (r execResult) LastInsertId() (int64, error) { return 0, nil }
func (r execResult) RowsAffected() (int64, error) { return r.rows, nil }

type procRows struct {
	script *procScript
	sets   []resultSet
	set    int
	row    int
}

func (r *procRows) Columns() []string {
	if r.set >= len(r.sets) {
		return nil
	}
	return r.sets[r.set].columns
}

func (r *procRows) Close() error {
	r.script.event("rows close")
	return nil
}

func (r *procRows) Next(dest []driver.Value) error {
	if r.set >= len(r.sets) {
		return io.EOF
	}
	cur := r.sets[r.set]
	if r.row >= len(cur.rows) {
		return io.EOF
	}
	copy(dest, cur.rows[r.row])
	r.row++
	return nil
}

func (r *procRows) HasNextResultSet() bool { return r.set+1 < len(r.sets) }

func (r *procRows) NextResultSet() error {
	if !r.HasNextResultSet() {
		return io.EOF
	}
	r.set++
	r.row = 0
	return nil
}

// testConnector hands out connections from a single database handle.
type testConnector struct {
	db *sql.DB
	ph named.Placeholder
}

func (c *testConnector) Acquire(ctx context.Context, name string) (*sql.Conn, error) {
	return c.db.Conn(ctx)
}

func (c *testConnector) Placeholder(name string) named.Placeholder { return c.ph }

func quietLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelError})
}

func newFakeEngine(t *testing.T, script *procScript, ph named.Placeholder) *engine.Engine {
	t.Helper()
	db := openFake(t, script)
	return engine.New(&testConnector{db: db, ph: ph}, engine.Config{Logger: quietLogger()})
}

func newSQLiteEngine(t *testing.T) *engine.Engine {
	t.Helper()
	// A shared in-memory database needs a single connection, since
	// every new connection would see its own empty database.
	pool := drivers.NewPool(
		drivers.WithMaxOpenConns(1),
		drivers.WithMaxIdleConns(1),
		drivers.WithLogger(quietLogger()),
	)
	if err := pool.Register("main", "sqlite::memory:"); err != nil {
		t.Fatalf("register target: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return engine.New(pool, engine.Config{Logger: quietLogger()})
}

func seedLocations(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	ddl := query.NewStatement("CREATE_LOCATION",
		"create table location (num integer, addr varchar(100))")
	if _, err := e.Exec(ctx, ddl); err != nil {
		t.Fatalf("create table: %v", err)
	}
	ins := query.NewStatement("ADD_LOCATION",
		"insert into location (num, addr) values (?, ?)", "num", "addr")
	seed := []struct {
		num  int
		addr string
	}{
		{1956, "Webster St."},
		{1910, "Union St."},
	}
	for _, s := range seed {
		count, err := e.Exec(ctx, ins, s.num, s.addr)
		if err != nil {
			t.Fatalf("insert %d: %v", s.num, err)
		}
		if count != 1 {
			t.Fatalf("expected 1 row inserted, got %d", count)
		}
	}
}

func TestExecStatement(t *testing.T) {
	e := newSQLiteEngine(t)
	seedLocations(t, e)
	ctx := context.Background()

	upd := query.NewStatement("UPDATE_ADDRESS",
		"update location set addr = ? where num = ?", "addr", "num")
	count, err := e.Exec(ctx, upd, "180 Grand Ave.", 1956)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row updated, got %d", count)
	}

	addr, err := e.GetString(ctx, query.NewStatement("FIND_ADDRESS",
		"select addr from location where num = ?", "num"), 1956)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if addr != "180 Grand Ave." {
		t.Errorf("expected updated address, got %q", addr)
	}
}

func TestExecFailureRollsBack(t *testing.T) {
	script := &procScript{execErr: fmt.Errorf("deadlock victim")}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	broken := query.NewStatement("BREAK_THINGS", "update nothing set x = 1")
	_, err := e.Exec(context.Background(), broken)
	if !scerrors.IsCode(err, scerrors.ErrCodeDriverFailure) {
		t.Fatalf("expected driver failure, got %v", err)
	}

	commits, rollbacks := script.txCounts()
	if commits != 0 {
		t.Errorf("expected no commit, got %d", commits)
	}
	if rollbacks != 1 {
		t.Errorf("expected 1 rollback, got %d", rollbacks)
	}
}

func TestScalarCleanupOrdering(t *testing.T) {
	script := &procScript{sets: []resultSet{{
		columns: []string{"num"},
		rows:    [][]driver.Value{{int64(1956)}},
	}}}
	db := openFake(t, script)
	// With no idle capacity the driver connection closes as soon as the
	// engine releases it, so the close lands in the event log.
	db.SetMaxIdleConns(0)
	e := engine.New(&testConnector{db: db, ph: named.PlaceholderQuestion},
		engine.Config{Logger: quietLogger()})

	find := query.NewStatement("FIND_NUM", "select num from location")
	num, err := e.GetInt(context.Background(), find)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if num != 1956 {
		t.Errorf("expected 1956, got %d", num)
	}

	got := strings.Join(script.eventLog(), ", ")
	want := "rows close, stmt close, commit, conn close"
	if got != want {
		t.Errorf("expected release order %q, got %q", want, got)
	}
}

func TestGetIntStatement(t *testing.T) {
	e := newSQLiteEngine(t)
	seedLocations(t, e)
	ctx := context.Background()

	find := query.NewStatement("FIND_NUM",
		"select num from location where addr = ?", "addr")
	num, err := e.GetInt(ctx, find, "Webster St.")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if num != 1956 {
		t.Errorf("expected 1956, got %d", num)
	}

	num, err = e.GetInt(ctx, find, "Polk St.")
	if err != nil {
		t.Fatalf("absent lookup failed: %v", err)
	}
	if num != -1 {
		t.Errorf("expected -1 for no rows, got %d", num)
	}

	total, err := e.GetInt(ctx, query.NewStatement("COUNT_LOCATIONS",
		"select count(*) from location"))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 locations, got %d", total)
	}
}

func TestGetStringStatement(t *testing.T) {
	e := newSQLiteEngine(t)
	seedLocations(t, e)
	ctx := context.Background()

	find := query.NewStatement("FIND_ADDRESS",
		"select addr from location where num = ?", "num")
	addr, err := e.GetString(ctx, find, 1910)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if addr != "Union St." {
		t.Errorf("expected Union St., got %q", addr)
	}

	addr, err = e.GetString(ctx, find, 2000)
	if err != nil {
		t.Fatalf("absent lookup failed: %v", err)
	}
	if addr != "" {
		t.Errorf("expected empty string for no rows, got %q", addr)
	}
}

func TestGetGeneric(t *testing.T) {
	e := newSQLiteEngine(t)
	seedLocations(t, e)
	ctx := context.Background()

	find := query.NewStatement("FIND_ADDRESS",
		"select addr from location where num = ?", "num")
	addr, ok, err := engine.Get[string](ctx, e, find, 1956)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok || addr != "Webster St." {
		t.Errorf("expected Webster St. present, got %q present=%v", addr, ok)
	}

	num, ok, err := engine.Get[int](ctx, e, query.NewStatement("FIND_NUM",
		"select num from location where addr = ?", "addr"), "Union St.")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok || num != 1910 {
		t.Errorf("expected 1910 present, got %d present=%v", num, ok)
	}

	_, ok, err = engine.Get[string](ctx, e, find, 2000)
	if err != nil {
		t.Fatalf("absent lookup failed: %v", err)
	}
	if ok {
		t.Error("expected absent result for no rows")
	}
}

func TestStatementArityMessages(t *testing.T) {
	e := engine.New(&testConnector{ph: named.PlaceholderQuestion},
		engine.Config{Logger: quietLogger()})
	ctx := context.Background()

	_, err := e.GetInt(ctx, query.NewStatement("LIST_LOCATIONS",
		"select num from location"), 5)
	if !scerrors.IsCode(err, scerrors.ErrCodeArityMismatch) {
		t.Fatalf("expected arity mismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "no arguments expected for LIST_LOCATIONS") {
		t.Errorf("unexpected message: %v", err)
	}

	_, err = e.Exec(ctx, query.NewStatement("UPDATE_ADDRESS",
		"update location set addr = ? where num = ?", "addr", "num"), "Polk St.")
	if !scerrors.IsCode(err, scerrors.ErrCodeArityMismatch) {
		t.Fatalf("expected arity mismatch, got %v", err)
	}
	want := "incorrect argument count for UPDATE_ADDRESS[addr num]: expect: 2; actual: 1"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("expected %q in %v", want, err)
	}
}

func TestProcedureValidationMessages(t *testing.T) {
	e := engine.New(&testConnector{ph: named.PlaceholderQuestion},
		engine.Config{Logger: quietLogger()})
	ctx := context.Background()

	cases := []struct {
		name string
		d    *query.Descriptor
		args []interface{}
		code scerrors.Code
		want string
	}{
		{
			name: "signature and types disagree",
			d: query.NewProcedure("ADD_LOCATION", "ADD_LOCATION(>,>)",
				param.Scalar(param.TypeInt32)),
			args: []interface{}{1956},
			code: scerrors.ErrCodeSignatureTypeMismatch,
			want: "signature argument count differs from declared type count for ADD_LOCATION[int32]: signature: 2; declared: 1",
		},
		{
			name: "too few for variadic",
			d: query.NewProcedure("MERGE_TAGS", "MERGE_TAGS(>,>:)",
				param.Scalar(param.TypeInt32), param.Scalar(param.TypeString)),
			args: []interface{}{},
			code: scerrors.ErrCodeInsufficientArgs,
			want: "insufficient arguments count for MERGE_TAGS[int32 string]: minimum: 1; actual: 0",
		},
		{
			name: "wrong count",
			d: query.NewProcedure("ADD_LOCATION", "ADD_LOCATION(>,>)",
				param.Scalar(param.TypeInt32), param.Scalar(param.TypeString)),
			args: []interface{}{1956, "Webster St.", "extra"},
			code: scerrors.ErrCodeArityMismatch,
			want: "incorrect arguments count for ADD_LOCATION[int32 string]: expect: 2; actual: 3",
		},
		{
			name: "no arguments expected",
			d:    query.NewProcedure("REFRESH_VIEWS", "REFRESH_VIEWS()"),
			args: []interface{}{1},
			code: scerrors.ErrCodeArityMismatch,
			want: "no arguments expected for REFRESH_VIEWS",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Exec(ctx, tc.d, tc.args...)
			if !scerrors.IsCode(err, tc.code) {
				t.Fatalf("expected %v, got %v", tc.code, err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestProcedureCallText(t *testing.T) {
	cases := []struct {
		name string
		ph   named.Placeholder
		want string
	}{
		{"jdbc escape", named.PlaceholderQuestion, "{call ADD_LOCATION(?,?)}"},
		{"postgres call", named.PlaceholderDollar, "CALL ADD_LOCATION($1,$2)"},
		{"rpc name", named.PlaceholderAtP, "ADD_LOCATION"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := &procScript{execRows: 1}
			e := newFakeEngine(t, script, tc.ph)

			d := query.NewProcedure("ADD_LOCATION", "ADD_LOCATION(>,>)",
				param.Scalar(param.TypeInt32), param.Scalar(param.TypeString))
			count, err := e.Exec(context.Background(), d, 1956, "Webster St.")
			if err != nil {
				t.Fatalf("exec failed: %v", err)
			}
			if count != 1 {
				t.Errorf("expected 1 row, got %d", count)
			}

			call := script.lastCall(t)
			if call.query != tc.want {
				t.Errorf("expected call text %q, got %q", tc.want, call.query)
			}
			if len(call.args) != 2 {
				t.Fatalf("expected 2 bound arguments, got %d", len(call.args))
			}
			if call.args[0] != int64(1956) {
				t.Errorf("expected first argument 1956, got %v", call.args[0])
			}
			if call.args[1] != "Webster St." {
				t.Errorf("expected second argument Webster St., got %v", call.args[1])
			}
		})
	}
}

func TestProcedureIntOut(t *testing.T) {
	script := &procScript{outValues: []interface{}{int32(4)}}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	d := query.NewProcedure("GET_TOTAL", "GET_TOTAL(<)",
		param.Scalar(param.TypeInt32))
	total, err := e.GetInt(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if total != 4 {
		t.Errorf("expected 4, got %d", total)
	}

	call := script.lastCall(t)
	if call.query != "{call GET_TOTAL(?)}" {
		t.Errorf("unexpected call text %q", call.query)
	}
	commits, rollbacks := script.txCounts()
	if commits != 1 || rollbacks != 0 {
		t.Errorf("expected 1 commit and 0 rollbacks, got %d and %d", commits, rollbacks)
	}
}

func TestProcedureNullOutReadsZero(t *testing.T) {
	script := &procScript{outValues: []interface{}{nil}}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	d := query.NewProcedure("GET_TOTAL", "GET_TOTAL(<)",
		param.Scalar(param.TypeInt32))
	total, err := e.GetInt(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 for NULL output, got %d", total)
	}
}

func TestProcedureStringOut(t *testing.T) {
	script := &procScript{outValues: []interface{}{"Acme, Inc."}}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	d := query.NewProcedure("GET_SUPPLIER_OF_COFFEE", "GET_SUPPLIER_OF_COFFEE(>,<)",
		param.Scalar(param.TypeString), param.Scalar(param.TypeString))
	name, err := e.GetString(context.Background(), d, "Colombian", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if name != "Acme, Inc." {
		t.Errorf("expected supplier name, got %q", name)
	}

	call := script.lastCall(t)
	if call.query != "{call GET_SUPPLIER_OF_COFFEE(?,?)}" {
		t.Errorf("unexpected call text %q", call.query)
	}
	if len(call.args) != 2 {
		t.Fatalf("expected 2 bound arguments, got %d", len(call.args))
	}
	if call.args[0] != "Colombian" {
		t.Errorf("expected bound input Colombian, got %v", call.args[0])
	}
	// The driver captures the output destination, so the recorded
	// second argument is the stripped placeholder.
	if call.args[1] != nil {
		t.Errorf("expected nil placeholder for output slot, got %v", call.args[1])
	}
}

func TestProcedureNoOutDeclared(t *testing.T) {
	script := &procScript{}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	d := query.NewProcedure("TOUCH_AUDIT", "TOUCH_AUDIT(>)",
		param.Scalar(param.TypeString))
	_, err := e.GetInt(context.Background(), d, "login")
	if !scerrors.IsCode(err, scerrors.ErrCodeNoOutParam) {
		t.Fatalf("expected no-output-parameter error, got %v", err)
	}

	// The procedure itself ran, so the call still commits.
	commits, _ := script.txCounts()
	if commits != 1 {
		t.Errorf("expected 1 commit, got %d", commits)
	}
}

func TestHandleMultipleResultSets(t *testing.T) {
	script := &procScript{sets: []resultSet{
		{
			columns: []string{"num", "addr"},
			rows: [][]driver.Value{
				{int64(1956), "Webster St."},
				{int64(1910), "Union St."},
			},
		},
		{
			columns: []string{"total"},
			rows:    [][]driver.Value{{int64(2)}},
		},
	}}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	d := query.NewProcedure("SHOW_LOCATIONS", "SHOW_LOCATIONS()")
	h, err := e.GetHandle(context.Background(), d)
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}

	it := h.Results()

	if !it.Next() {
		t.Fatalf("expected first result set, got err %v", it.Err())
	}
	first := it.Outcome()
	if first.Kind != engine.OutcomeRows {
		t.Fatalf("expected rows outcome, got %v", first.Kind)
	}
	var nums []int64
	var addrs []string
	for first.Rows.Next() {
		var num int64
		var addr string
		if err := first.Rows.Scan(&num, &addr); err != nil {
			t.Fatalf("scan: %v", err)
		}
		nums = append(nums, num)
		addrs = append(addrs, addr)
	}
	if len(nums) != 2 || nums[0] != 1956 || addrs[1] != "Union St." {
		t.Errorf("unexpected first set contents: %v %v", nums, addrs)
	}

	if !it.Next() {
		t.Fatalf("expected second result set, got err %v", it.Err())
	}
	second := it.Outcome()
	if second.Kind != engine.OutcomeRows {
		t.Fatalf("expected rows outcome, got %v", second.Kind)
	}
	if !second.Rows.Next() {
		t.Fatal("expected one summary row")
	}
	var total int64
	if err := second.Rows.Scan(&total); err != nil {
		t.Fatalf("scan summary: %v", err)
	}
	if total != 2 {
		t.Errorf("expected total 2, got %d", total)
	}

	if it.Next() {
		t.Fatal("expected iteration to finish after two sets")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("unexpected iteration error: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close handle: %v", err)
	}
	commits, _ := script.txCounts()
	if commits != 1 {
		t.Errorf("expected 1 commit on close, got %d", commits)
	}

	if _, err := h.Rows(); !scerrors.IsCode(err, scerrors.ErrCodeHandleClosed) {
		t.Fatalf("expected closed handle error, got %v", err)
	}
}

func TestHandleRowsSQLite(t *testing.T) {
	e := newSQLiteEngine(t)
	seedLocations(t, e)
	ctx := context.Background()

	h, err := e.GetHandle(ctx, query.NewStatement("LIST_LOCATIONS",
		"select num, addr from location order by num"))
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}

	rows, err := h.Rows()
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	var nums []int64
	for rows.Next() {
		var num int64
		var addr string
		if err := rows.Scan(&num, &addr); err != nil {
			t.Fatalf("scan: %v", err)
		}
		nums = append(nums, num)
	}
	if len(nums) != 2 || nums[0] != 1910 || nums[1] != 1956 {
		t.Errorf("unexpected order: %v", nums)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close handle: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	_, err = h.Rows()
	if !scerrors.IsCode(err, scerrors.ErrCodeHandleClosed) {
		t.Fatalf("expected closed handle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "the result set in this handle has been closed") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestHandleResultsSQLite(t *testing.T) {
	e := newSQLiteEngine(t)
	seedLocations(t, e)
	ctx := context.Background()

	h, err := e.GetHandle(ctx, query.NewStatement("LIST_NUMS",
		"select num from location order by num desc"))
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}
	defer h.Close()

	it := h.Results()
	if !it.Next() {
		t.Fatalf("expected one result set, got err %v", it.Err())
	}
	o := it.Outcome()
	if o.Kind != engine.OutcomeRows {
		t.Fatalf("expected rows outcome, got %v", o.Kind)
	}
	if !o.Rows.Next() {
		t.Fatal("expected a first row")
	}
	var num int64
	if err := o.Rows.Scan(&num); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if num != 1956 {
		t.Errorf("expected 1956 first, got %d", num)
	}
	for o.Rows.Next() {
	}

	if it.Next() {
		t.Fatal("expected a single result set")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("unexpected iteration error: %v", err)
	}
}

func TestCallRawProcedure(t *testing.T) {
	script := &procScript{
		sets: []resultSet{{
			columns: []string{"product"},
			rows:    [][]driver.Value{{"Colombian"}},
		}},
		outValues: []interface{}{int32(11)},
	}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	h, err := e.Call(context.Background(), "", "COUNT_PRODUCTS",
		param.In(param.TypeString, "coffee"),
		param.Out(param.TypeInt32))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	defer h.Close()

	call := script.lastCall(t)
	if call.query != "{call COUNT_PRODUCTS(?,?)}" {
		t.Errorf("unexpected call text %q", call.query)
	}

	rows, err := h.Rows()
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if !rows.Next() {
		t.Fatal("expected a product row")
	}
	var product string
	if err := rows.Scan(&product); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if product != "Colombian" {
		t.Errorf("expected Colombian, got %q", product)
	}

	got, ok, err := h.Out(2)
	if err != nil {
		t.Fatalf("out: %v", err)
	}
	if !ok {
		t.Fatal("expected output value present")
	}
	if n, _ := got.(int32); n != 11 {
		t.Errorf("expected 11, got %v", got)
	}

	if first, ok, err := h.FirstOut(); err != nil || !ok || first != got {
		t.Errorf("expected first output %v, got %v present=%v err=%v", got, first, ok, err)
	}

	if _, _, err := h.Out(1); !scerrors.IsCode(err, scerrors.ErrCodeNoOutParam) {
		t.Fatalf("expected non-output error for input position, got %v", err)
	}
	if _, _, err := h.Out(5); !scerrors.IsCode(err, scerrors.ErrCodeNoOutParam) {
		t.Fatalf("expected bounds error, got %v", err)
	}
}

func TestCallZeroArguments(t *testing.T) {
	script := &procScript{sets: []resultSet{{
		columns: []string{"ok"},
		rows:    [][]driver.Value{{int64(1)}},
	}}}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	h, err := e.Call(context.Background(), "", "SHOW_ADDRESSES")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := script.lastCall(t).query; got != "{call SHOW_ADDRESSES()}" {
		t.Errorf("unexpected call text %q", got)
	}
}

func TestVariadicProcedureBinding(t *testing.T) {
	script := &procScript{execRows: 3}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	// The final declared slot repeats for overflow arguments.
	d := query.NewProcedure("DELETE_LOCATIONS", "DELETE_LOCATIONS(>:)",
		param.Scalar(param.TypeInt32))
	count, err := e.Exec(context.Background(), d, 1956, 1910, 1900)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}

	call := script.lastCall(t)
	if call.query != "{call DELETE_LOCATIONS(?,?,?)}" {
		t.Errorf("unexpected call text %q", call.query)
	}
	for i, want := range []int64{1956, 1910, 1900} {
		if call.args[i] != want {
			t.Errorf("argument %d: expected %d, got %v", i, want, call.args[i])
		}
	}
}

func TestVariadicEmptyTail(t *testing.T) {
	script := &procScript{execRows: 1}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	// Only the fixed slot binds when the variadic tail is empty.
	d := query.NewProcedure("MERGE_TAGS", "MERGE_TAGS(>,>:)",
		param.Scalar(param.TypeInt32), param.Scalar(param.TypeString))
	if _, err := e.Exec(context.Background(), d, 7); err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	call := script.lastCall(t)
	if call.query != "{call MERGE_TAGS(?)}" {
		t.Errorf("unexpected call text %q", call.query)
	}
	if len(call.args) != 1 || call.args[0] != int64(7) {
		t.Errorf("unexpected arguments %v", call.args)
	}
}

func TestVariadicWithLeadingOut(t *testing.T) {
	script := &procScript{outValues: []interface{}{int32(3)}}
	e := newFakeEngine(t, script, named.PlaceholderQuestion)

	d := query.NewProcedure("COUNT_MATCHES", "COUNT_MATCHES(<,>:)",
		param.Scalar(param.TypeInt32), param.Scalar(param.TypeString))
	total, err := e.GetInt(context.Background(), d, nil, "Webster St.", "Union St.", "Polk St.")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3, got %d", total)
	}

	call := script.lastCall(t)
	if call.query != "{call COUNT_MATCHES(?,?,?,?)}" {
		t.Errorf("unexpected call text %q", call.query)
	}
	if len(call.args) != 4 {
		t.Fatalf("expected 4 bound arguments, got %d", len(call.args))
	}
	if call.args[0] != nil {
		t.Errorf("expected nil placeholder for output slot, got %v", call.args[0])
	}
	for i, want := range []string{"Webster St.", "Union St.", "Polk St."} {
		if call.args[i+1] != want {
			t.Errorf("argument %d: expected %q, got %v", i+1, want, call.args[i+1])
		}
	}
}

func TestBindErrorPositions(t *testing.T) {
	e := engine.New(&testConnector{ph: named.PlaceholderQuestion},
		engine.Config{Logger: quietLogger()})

	d := query.NewProcedure("ADD_LOCATION", "ADD_LOCATION(>,>)",
		param.Scalar(param.TypeInt32), param.Scalar(param.TypeString))
	_, err := e.Exec(context.Background(), d, "not a number", "Webster St.")
	if !scerrors.IsCode(err, scerrors.ErrCodeTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot bind string as int32") {
		t.Errorf("unexpected message: %v", err)
	}
}
