package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"github.com/ha1tch/sqlcall/pkg/catalog"
	"github.com/ha1tch/sqlcall/pkg/drivers"
	"github.com/ha1tch/sqlcall/pkg/engine"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/param"
	"github.com/ha1tch/sqlcall/pkg/query"
	"github.com/ha1tch/sqlcall/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// targetList collects repeated --target name=target flags.
type targetList struct {
	names   []string
	targets []string
}

func (t *targetList) String() string { return strings.Join(t.names, ",") }

func (t *targetList) Set(v string) error {
	name, dsn, ok := strings.Cut(v, "=")
	if !ok || name == "" || dsn == "" {
		return fmt.Errorf("expected name=target, got %q", v)
	}
	t.names = append(t.names, name)
	t.targets = append(t.targets, dsn)
	return nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sqlcall", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var targets targetList
	var (
		// Catalog configuration
		catalogDir  = fs.String("d", "./descriptors", "Directory containing descriptor files")
		catalogDirL = fs.String("catalog", "./descriptors", "Directory containing descriptor files")

		// Database targets
		mainTarget = fs.String("db", "", "Connection target for the default connection")

		// Execution options
		shape   = fs.String("s", "rows", "Result shape: rows, update, int, string")
		shapeL  = fs.String("shape", "rows", "Result shape: rows, update, int, string")
		timeout = fs.Duration("timeout", 30*time.Second, "Statement timeout")

		// Logging
		logLevel  = fs.String("log-level", "warn", "Log level (debug, info, warn, error)")
		logFormat = fs.String("log-format", "text", "Log format (text, json)")

		// Help and version
		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)
	fs.Var(&targets, "target", "Additional connection target as name=target (repeatable)")

	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Coalesce short and long flags
	if *catalogDirL != "./descriptors" {
		*catalogDir = *catalogDirL
	}
	if *shapeL != "rows" {
		*shape = *shapeL
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	if *showHelp {
		printUsage(stdout)
		return 0
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	logCfg := log.Config{DefaultLevel: level, Output: stderr}
	if *logFormat == "json" {
		logCfg.Format = log.FormatJSON
	}
	logger := log.New(logCfg)

	switch fs.Arg(0) {
	case "list":
		return runList(stdout, stderr, logger, *catalogDir)
	case "run":
		if fs.NArg() < 2 {
			fmt.Fprintln(stderr, "error: run needs a descriptor name")
			return 2
		}
		return runDescriptor(stdout, stderr, logger, runOptions{
			catalogDir: *catalogDir,
			mainTarget: *mainTarget,
			targets:    targets,
			shape:      *shape,
			timeout:    *timeout,
			name:       fs.Arg(1),
			args:       fs.Args()[2:],
		})
	case "":
		printUsage(stderr)
		return 2
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", fs.Arg(0))
		return 2
	}
}

// runList loads the catalog directory and prints its descriptors.
func runList(stdout, stderr io.Writer, logger *log.Logger, dir string) int {
	loader := catalog.NewLoader(logger)
	result, err := loader.LoadDirectory(dir)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tCONNECTION\tSOURCE")
	for _, e := range result.Entries {
		conn := e.Descriptor.Connection
		if conn == "" {
			conn = "(default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Descriptor.Name, e.Descriptor.Kind, conn, e.SourceFile)
	}
	w.Flush()

	for _, le := range result.Errors {
		fmt.Fprintf(stderr, "warning: %s: %v\n", le.Path, le.Error)
	}
	if result.FailCount > 0 {
		return 1
	}
	return 0
}

type runOptions struct {
	catalogDir string
	mainTarget string
	targets    targetList
	shape      string
	timeout    time.Duration
	name       string
	args       []string
}

// runDescriptor executes one descriptor with the requested result shape.
func runDescriptor(stdout, stderr io.Writer, logger *log.Logger, opts runOptions) int {
	if opts.mainTarget == "" && len(opts.targets.names) == 0 {
		fmt.Fprintln(stderr, "error: run needs --db or --target")
		return 2
	}

	pool := drivers.NewPool(drivers.WithLogger(logger))
	defer pool.Close()

	if opts.mainTarget != "" {
		if err := pool.Register("main", opts.mainTarget); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}
	for i, name := range opts.targets.names {
		if err := pool.Register(name, opts.targets.targets[i]); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}

	loader := catalog.NewLoader(logger)
	result, err := loader.LoadDirectory(opts.catalogDir)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	registry := catalog.NewRegistry()
	for _, e := range result.Entries {
		if err := registry.Register(e); err != nil {
			fmt.Fprintf(stderr, "warning: %v\n", err)
		}
	}

	d, err := registry.Descriptor(opts.name)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	callArgs, err := convertArgs(d, opts.args)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	eng := engine.New(pool, engine.Config{Logger: logger, StatementTimeout: opts.timeout})
	ctx := context.Background()

	switch opts.shape {
	case "update":
		n, err := eng.Exec(ctx, d, callArgs...)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "rows affected: %d\n", n)
	case "int":
		v, err := eng.GetInt(ctx, d, callArgs...)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, v)
	case "string":
		s, err := eng.GetString(ctx, d, callArgs...)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, s)
	case "rows":
		return runRows(stdout, stderr, eng, d, callArgs)
	default:
		fmt.Fprintf(stderr, "error: unknown shape %q\n", opts.shape)
		return 2
	}
	return 0
}

// runRows executes a descriptor and prints every result set and update
// count it produces, then any declared output parameters.
func runRows(stdout, stderr io.Writer, eng *engine.Engine, d *query.Descriptor, args []interface{}) int {
	h, err := eng.GetHandle(context.Background(), d, args...)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	code := 0
	results := h.Results()
	for results.Next() {
		oc := results.Outcome()
		switch oc.Kind {
		case engine.OutcomeRows:
			if err := printRows(stdout, oc.Rows); err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				code = 1
			}
		case engine.OutcomeCount:
			fmt.Fprintf(stdout, "(%d rows affected)\n", oc.Count)
		}
	}
	if err := results.Err(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		code = 1
	}

	for i, p := range h.Params() {
		if !p.Direction().IsOutput() {
			continue
		}
		out, ok, err := h.Out(i + 1)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			code = 1
			continue
		}
		if !ok {
			fmt.Fprintf(stdout, "out %d (%s): NULL\n", i+1, p.Type())
			continue
		}
		fmt.Fprintf(stdout, "out %d (%s): %v\n", i+1, p.Type(), out)
	}

	if err := h.Close(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return code
}

// printRows renders one result set as a tab-aligned table.
func printRows(w io.Writer, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		cells := make([]string, len(cols))
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "(%d rows)\n", count)
	return nil
}

func formatCell(v interface{}) string {
	switch c := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(c)
	case time.Time:
		return c.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", c)
	}
}

// convertArgs turns command line strings into the Go values the
// descriptor declares. Statement arguments pass through as text and
// let the driver coerce them.
func convertArgs(d *query.Descriptor, raw []string) ([]interface{}, error) {
	out := make([]interface{}, len(raw))
	if d.Kind != query.KindProcedure || len(d.Types) == 0 {
		for i, s := range raw {
			out[i] = s
		}
		return out, nil
	}
	for i, s := range raw {
		ti := i
		if ti >= len(d.Types) {
			// Overflow arguments reuse the last declared type.
			ti = len(d.Types) - 1
		}
		v, err := parseTyped(s, d.Types[ti])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseTyped(s string, at param.ArgType) (interface{}, error) {
	switch at.Type {
	case param.TypeInt16:
		v, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return nil, err
		}
		return int16(v), nil
	case param.TypeInt32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, err
		}
		return int32(v), nil
	case param.TypeInt64:
		return strconv.ParseInt(s, 10, 64)
	case param.TypeFloat32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return float32(v), nil
	case param.TypeFloat64:
		return strconv.ParseFloat(s, 64)
	case param.TypeBool:
		return strconv.ParseBool(s)
	case param.TypeDecimal:
		return decimal.NewFromString(s)
	case param.TypeDate:
		return civil.ParseDate(s)
	case param.TypeTime:
		return civil.ParseTime(s)
	case param.TypeTimestamp:
		return time.Parse(time.RFC3339, s)
	case param.TypeBytes:
		return []byte(s), nil
	default:
		return s, nil
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sqlcall - Declarative SQL statement and stored procedure runner

Usage:
  sqlcall [options] <command> [arguments]

Commands:
  list                     List the descriptors in the catalog directory
  run <name> [args...]     Execute a descriptor with the given arguments

Catalog Options:
  -d, --catalog <path>     Directory containing descriptor files (default: ./descriptors)

Database Options:
  --db <target>            Connection target for the default connection
  --target <name=target>   Additional named connection target (repeatable)

                           Target strings select the driver by scheme:
                             sqlite:PATH        SQLite file path or :memory:
                             sqlserver://...    SQL Server
                             postgres://...     PostgreSQL

Output Options:
  -s, --shape <shape>      Result shape for run: rows, update, int, string (default: rows)
  --timeout <dur>          Statement timeout (default: 30s)

Logging:
  --log-level <level>      Log level: debug, info, warn, error (default: warn)
  --log-format <format>    Log format: text, json (default: text)

General:
  -h, --help               Show help
  -v, --version            Show version

Examples:
  # List every descriptor under ./descriptors
  sqlcall list

  # Run a query against an SQLite database
  sqlcall --db sqlite:coffees.db run GET_SUPPLIERS Colombian

  # Read a single number
  sqlcall --db sqlite:coffees.db -s int run COUNT_COFFEES

  # Update rows and print the affected count
  sqlcall --db sqlite:coffees.db -s update run UPDATE_ADDRESS "180 Grand Ave." 1956

  # Call a stored procedure with a second named connection target
  sqlcall --db sqlserver://sa:pw@localhost:1433 \
      --target audit=postgres://localhost/audit \
      run RAISE_PRICE Colombian 0.10 8.49

Exit Codes:
  0  Success
  1  Runtime error
  2  CLI usage error
`)
}
