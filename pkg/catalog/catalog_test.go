package catalog_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ha1tch/sqlcall/pkg/catalog"
	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
	"github.com/ha1tch/sqlcall/pkg/param"
	"github.com/ha1tch/sqlcall/pkg/query"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{DefaultLevel: log.LevelError})
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestExtractSections(t *testing.T) {
	source := `-- @sqlcall:name=GET_SUPPLIERS
-- @sqlcall:args=cof_name
select sup_name from suppliers where cof_name = ?

-- @sqlcall:name=RAISE_PRICE
-- @sqlcall:kind=procedure
-- @sqlcall:signature=RAISE_PRICE(>,>,=)
-- @sqlcall:types=varchar,real,decimal
`
	sections := catalog.NewParser().Extract(source)
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}

	first := sections[0]
	if got := first.Directives.GetString("name", ""); got != "GET_SUPPLIERS" {
		t.Errorf("expected name GET_SUPPLIERS, got %q", got)
	}
	if !strings.Contains(first.Text, "select sup_name") {
		t.Errorf("expected statement text, got %q", first.Text)
	}
	if first.StmtLine != 3 {
		t.Errorf("expected statement at line 3, got %d", first.StmtLine)
	}

	second := sections[1]
	if second.Text != "" {
		t.Errorf("expected empty text for procedure declaration, got %q", second.Text)
	}
	if got := second.Directives.GetString("kind", ""); got != "procedure" {
		t.Errorf("expected procedure kind, got %q", got)
	}
	if got := second.Directives.GetString("signature", ""); got != "RAISE_PRICE(>,>,=)" {
		t.Errorf("unexpected signature %q", got)
	}
}

func TestExtractIgnoresPlainComments(t *testing.T) {
	source := `-- @sqlcall:name=COUNT_COFFEES
-- total inventory count
select count(*) from coffees
`
	sections := catalog.NewParser().Extract(source)
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
	if got := sections[0].Directives.GetString("name", ""); got != "COUNT_COFFEES" {
		t.Errorf("comment between directives and statement broke the block: %q", got)
	}
}

func TestExtractBlankBreaksStatementAssociation(t *testing.T) {
	// A blank line separates the directive block from the SQL, so the
	// block stands alone and the SQL forms its own unnamed section.
	source := `-- @sqlcall:name=ORPHAN
-- @sqlcall:kind=procedure

select 1
`
	sections := catalog.NewParser().Extract(source)
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if sections[0].Text != "" {
		t.Errorf("expected standalone block, got text %q", sections[0].Text)
	}
	if len(sections[1].Directives) != 0 {
		t.Errorf("expected bare statement section, got directives %v", sections[1].Directives)
	}
}

func TestDirectiveHelpers(t *testing.T) {
	set := catalog.DirectiveSet{
		"timeout": "5s",
		"flag":    "",
		"no":      "off",
		"n":       "12",
		"list":    "a, b ,c",
	}

	if !set.Has("flag") {
		t.Error("expected flag present")
	}
	if !set.GetBool("flag") {
		t.Error("expected bare flag to read true")
	}
	if set.GetBool("no") {
		t.Error("expected off to read false")
	}
	if set.GetBool("missing") {
		t.Error("expected missing key to read false")
	}
	if got := set.GetInt("n", 0); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
	if got := set.GetInt("timeout", 7); got != 7 {
		t.Errorf("expected default for non-integer, got %d", got)
	}
	if got := set.GetDuration("timeout", 0); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
	if got := set.GetList("list"); len(got) != 3 || got[1] != "b" {
		t.Errorf("unexpected list %v", got)
	}

	clone := set.Clone()
	clone.Merge(catalog.DirectiveSet{"n": "99"})
	if set.GetInt("n", 0) != 12 || clone.GetInt("n", 0) != 99 {
		t.Error("merge should not touch the original")
	}
}

func TestLoadFileStatement(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlcall-catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := writeFile(t, tmpDir, "get_suppliers.sql", `-- @sqlcall:name=GET_SUPPLIERS
-- @sqlcall:connection=warehouse
-- @sqlcall:args=cof_name
select sup_name from suppliers, coffees
 where suppliers.sup_id = coffees.sup_id and cof_name = ?
`)

	loader := catalog.NewLoader(quietLogger())
	entries, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	d := e.Descriptor
	if d.Name != "GET_SUPPLIERS" {
		t.Errorf("expected name GET_SUPPLIERS, got %q", d.Name)
	}
	if d.Kind != query.KindStatement {
		t.Errorf("expected statement kind, got %v", d.Kind)
	}
	if d.Connection != "warehouse" {
		t.Errorf("expected warehouse connection, got %q", d.Connection)
	}
	if len(d.ArgNames) != 1 || d.ArgNames[0] != "cof_name" {
		t.Errorf("unexpected arg names %v", d.ArgNames)
	}
	if !strings.Contains(d.Text, "suppliers.sup_id = coffees.sup_id") {
		t.Errorf("unexpected text %q", d.Text)
	}
	if e.SourceFile != path {
		t.Errorf("expected source file %q, got %q", path, e.SourceFile)
	}
	if len(e.SourceHash) != 16 {
		t.Errorf("expected 16-char hash, got %q", e.SourceHash)
	}
	if e.ModifiedAt.IsZero() {
		t.Error("expected modification time")
	}
}

func TestLoadFileProcedure(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlcall-catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := writeFile(t, tmpDir, "raise_price.sql", `-- @sqlcall:name=RAISE_PRICE
-- @sqlcall:kind=procedure
-- @sqlcall:signature=RAISE_PRICE(>,>,=)
-- @sqlcall:types=varchar, real, decimal
`)

	loader := catalog.NewLoader(quietLogger())
	entries, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	d := entries[0].Descriptor
	if d.Kind != query.KindProcedure {
		t.Fatalf("expected procedure kind, got %v", d.Kind)
	}
	if d.Signature != "RAISE_PRICE(>,>,=)" {
		t.Errorf("unexpected signature %q", d.Signature)
	}
	if len(d.Types) != 3 {
		t.Fatalf("expected 3 types, got %d", len(d.Types))
	}
	want := []param.Type{param.TypeString, param.TypeFloat32, param.TypeDecimal}
	for i, w := range want {
		if d.Types[i].Type != w {
			t.Errorf("type %d: expected %v, got %v", i, w, d.Types[i].Type)
		}
	}
}

func TestLoadFileMultipleDescriptors(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlcall-catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := writeFile(t, tmpDir, "coffees.sql", `-- @sqlcall:name=LIST_COFFEES
select cof_name, price from coffees

-- @sqlcall:name=DELETE_COFFEE
-- @sqlcall:args=cof_name
delete from coffees where cof_name = ?
`)

	loader := catalog.NewLoader(quietLogger())
	entries, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Descriptor.Name != "LIST_COFFEES" || entries[1].Descriptor.Name != "DELETE_COFFEE" {
		t.Errorf("unexpected names %q, %q",
			entries[0].Descriptor.Name, entries[1].Descriptor.Name)
	}
}

func TestLoadFileNameFallback(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlcall-catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := writeFile(t, tmpDir, "count_coffees.sql", "select count(*) from coffees\n")

	loader := catalog.NewLoader(quietLogger())
	entries, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].Descriptor.Name; got != "count_coffees" {
		t.Errorf("expected file name fallback, got %q", got)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlcall-catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	loader := catalog.NewLoader(quietLogger())

	cases := []struct {
		name    string
		content string
		code    scerrors.Code
		want    string
	}{
		{
			name: "unnamed section in multi-descriptor file",
			content: "select 1\n\n" +
				"-- @sqlcall:name=NAMED\nselect 2\n",
			code: scerrors.ErrCodeCatalogParse,
			want: "needs a name directive",
		},
		{
			name:    "unsupported kind",
			content: "-- @sqlcall:name=X\n-- @sqlcall:kind=widget\nselect 1\n",
			code:    scerrors.ErrCodeCatalogParse,
			want:    `descriptor kind "widget" is unsupported`,
		},
		{
			name:    "statement without text",
			content: "-- @sqlcall:name=NO_BODY\n",
			code:    scerrors.ErrCodeCatalogParse,
			want:    "statement NO_BODY has no SQL text",
		},
		{
			name: "bad type name",
			content: "-- @sqlcall:name=P\n-- @sqlcall:kind=procedure\n" +
				"-- @sqlcall:signature=P(>)\n-- @sqlcall:types=wibble\n",
			code: scerrors.ErrCodeCatalogParse,
			want: "bad types directive",
		},
		{
			name: "bad signature",
			content: "-- @sqlcall:name=P\n-- @sqlcall:kind=procedure\n" +
				"-- @sqlcall:signature=9LIVES(>)\n-- @sqlcall:types=int\n",
			code: scerrors.ErrCodeInvalidSignature,
			want: "unsupported stored procedure signature",
		},
		{
			name:    "empty file",
			content: "-- just a comment\n",
			code:    scerrors.ErrCodeCatalogParse,
			want:    "no descriptor sections",
		},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tmpDir, "case.sql", tc.content)
			_, err := loader.LoadFile(path)
			if !scerrors.IsCode(err, tc.code) {
				t.Fatalf("case %d: expected %v, got %v", i, tc.code, err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "sqlcall-catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	queriesDir := filepath.Join(tmpDir, "queries")
	if err := os.MkdirAll(queriesDir, 0755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}

	writeFile(t, queriesDir, "list.sql",
		"-- @sqlcall:name=LIST_COFFEES\nselect cof_name from coffees\n")
	writeFile(t, tmpDir, "raise.sql", `-- @sqlcall:name=RAISE_PRICE
-- @sqlcall:kind=procedure
-- @sqlcall:signature=RAISE_PRICE(>,>)
-- @sqlcall:types=varchar,float
`)
	writeFile(t, tmpDir, "bad.sql", "-- @sqlcall:name=B\n-- @sqlcall:kind=widget\nselect 1\n")
	writeFile(t, tmpDir, "notes.txt", "not sql, ignored")

	loader := catalog.NewLoader(quietLogger())
	result, err := loader.LoadDirectory(tmpDir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if result.TotalFiles != 3 {
		t.Errorf("expected 3 files, got %d", result.TotalFiles)
	}
	if result.SuccessCount != 2 || result.FailCount != 1 {
		t.Errorf("expected 2 successes and 1 failure, got %d and %d",
			result.SuccessCount, result.FailCount)
	}
	if len(result.Entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(result.Entries))
	}
	if len(result.Errors) != 1 || !strings.HasSuffix(result.Errors[0].Path, "bad.sql") {
		t.Errorf("unexpected errors %+v", result.Errors)
	}
}

func TestLoadDirectoryMissing(t *testing.T) {
	loader := catalog.NewLoader(quietLogger())
	_, err := loader.LoadDirectory("/nonexistent/sqlcall/descriptors")
	if !scerrors.IsCode(err, scerrors.ErrCodeCatalogLoad) {
		t.Fatalf("expected catalog load error, got %v", err)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := catalog.NewRegistry()

	e := &catalog.Entry{
		Descriptor: query.NewStatement("GET_COFFEES", "select * from coffees"),
		SourceFile: "/etc/sqlcall/coffees.sql",
		SourceHash: "abc123",
	}
	if err := reg.Register(e); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", reg.Len())
	}

	// Lookup is case-insensitive.
	got, err := reg.Lookup("get_coffees")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != e {
		t.Error("expected the registered entry")
	}

	d, err := reg.Descriptor("GET_COFFEES")
	if err != nil || d.Name != "GET_COFFEES" {
		t.Errorf("descriptor lookup failed: %v", err)
	}

	if _, err := reg.Lookup("MISSING"); !scerrors.IsCode(err, scerrors.ErrCodeNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRegistryDuplicateAndReplace(t *testing.T) {
	reg := catalog.NewRegistry()

	e1 := &catalog.Entry{
		Descriptor: query.NewStatement("GET_COFFEES", "select * from coffees"),
		SourceFile: "/etc/sqlcall/coffees.sql",
		SourceHash: "aaa",
	}
	if err := reg.Register(e1); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Same source again is a duplicate.
	if err := reg.Register(e1); err == nil {
		t.Fatal("expected duplicate registration error")
	} else if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("unexpected message: %v", err)
	}

	// Changed source replaces the old entry.
	e2 := &catalog.Entry{
		Descriptor: query.NewStatement("GET_COFFEES", "select cof_name from coffees"),
		SourceFile: "/etc/sqlcall/coffees.sql",
		SourceHash: "bbb",
	}
	if err := reg.Register(e2); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	got, err := reg.Lookup("GET_COFFEES")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != e2 {
		t.Error("expected the replacement entry")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 entry after replace, got %d", reg.Len())
	}
}

func TestRegistryFileIndex(t *testing.T) {
	reg := catalog.NewRegistry()

	file := "/etc/sqlcall/coffees.sql"
	for _, name := range []string{"LIST_COFFEES", "DELETE_COFFEE"} {
		err := reg.Register(&catalog.Entry{
			Descriptor: query.NewStatement(name, "select 1"),
			SourceFile: file,
			SourceHash: "h1",
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	entries, err := reg.LookupByFile(file)
	if err != nil {
		t.Fatalf("lookup by file failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for file, got %d", len(entries))
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "DELETE_COFFEE" || names[1] != "LIST_COFFEES" {
		t.Errorf("unexpected sorted names %v", names)
	}

	removed := reg.RemoveFile(file)
	if len(removed) != 2 {
		t.Errorf("expected 2 removed entries, got %d", len(removed))
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
	if _, err := reg.LookupByFile(file); err == nil {
		t.Error("expected lookup by file to fail after removal")
	}
}

func TestRegistryRemove(t *testing.T) {
	reg := catalog.NewRegistry()
	err := reg.Register(&catalog.Entry{
		Descriptor: query.NewStatement("GET_COFFEES", "select 1"),
		SourceFile: "/etc/sqlcall/coffees.sql",
		SourceHash: "h1",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := reg.Remove("get_coffees"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
	if err := reg.Remove("get_coffees"); !scerrors.IsCode(err, scerrors.ErrCodeNotFound) {
		t.Fatalf("expected not-found on second remove, got %v", err)
	}
}
