// Package catalog loads query descriptors from SQL files and keeps a
// name-indexed registry of them, optionally watching the source
// directory for changes.
//
// Descriptor files are plain SQL annotated with directive comments:
//
//	-- @sqlcall:name=GET_SUPPLIER_OF_COFFEE
//	-- @sqlcall:connection=warehouse
//	-- @sqlcall:args=cof_name
//	select sup_name from suppliers, coffees
//	 where suppliers.sup_id = coffees.sup_id and cof_name = ?
//
// Stored procedure declarations have no SQL text of their own; the
// directive block carries the signature and parameter types instead:
//
//	-- @sqlcall:name=RAISE_PRICE
//	-- @sqlcall:kind=procedure
//	-- @sqlcall:signature=RAISE_PRICE(>,>,=)
//	-- @sqlcall:types=varchar,real,decimal
//
// Syntax:
//   - `-- @sqlcall:<key>` is a boolean flag (presence means true)
//   - `-- @sqlcall:<key>=<value>` is a key-value setting
//   - Contiguous directive lines apply to the immediately following
//     SQL statement
//   - A blank line breaks the association; a block with no statement
//     stands alone, which only procedure declarations may do
package catalog

import (
	"strconv"
	"strings"
	"time"
)

// Prefix identifies descriptor directive comments.
const Prefix = "-- @sqlcall:"

// Directive is a single parsed directive line.
type Directive struct {
	Key   string
	Value string // empty for boolean flags
	Line  int    // 1-indexed line number
}

// DirectiveSet is a collection of directives with helper methods.
type DirectiveSet map[string]string

// Has returns true if the key is present (for boolean flags).
func (d DirectiveSet) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Get returns the value for a key and whether it was found.
func (d DirectiveSet) Get(key string) (string, bool) {
	v, ok := d[key]
	return v, ok
}

// GetString returns the value for a key, or defaultVal if not found.
func (d DirectiveSet) GetString(key, defaultVal string) string {
	if v, ok := d[key]; ok {
		return v
	}
	return defaultVal
}

// GetInt returns the integer value for a key, or defaultVal if not
// found or invalid.
func (d DirectiveSet) GetInt(key string, defaultVal int) int {
	if v, ok := d[key]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetBool returns true if the key is present. Boolean flags are true
// by presence alone; explicit values parse "true", "1", "yes", "on"
// as true.
func (d DirectiveSet) GetBool(key string) bool {
	v, ok := d[key]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// GetDuration parses a duration value like "5s", "100ms", "2m".
func (d DirectiveSet) GetDuration(key string, defaultVal time.Duration) time.Duration {
	if v, ok := d[key]; ok {
		if dur, err := time.ParseDuration(v); err == nil {
			return dur
		}
	}
	return defaultVal
}

// GetList splits a comma-separated value into trimmed elements.
func (d DirectiveSet) GetList(key string) []string {
	v, ok := d[key]
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a copy of the directive set.
func (d DirectiveSet) Clone() DirectiveSet {
	clone := make(DirectiveSet, len(d))
	for k, v := range d {
		clone[k] = v
	}
	return clone
}

// Merge adds all directives from other, overwriting existing keys.
func (d DirectiveSet) Merge(other DirectiveSet) {
	for k, v := range other {
		d[k] = v
	}
}

// Section is one descriptor declaration within a file: a directive
// block together with the SQL statement it precedes. Standalone
// blocks, such as procedure declarations, have empty Text.
type Section struct {
	Directives DirectiveSet
	Text       string
	StartLine  int // first line of the directive block (1-indexed)
	EndLine    int // last directive line
	StmtLine   int // line where the statement begins, 0 if none
}

// Parser extracts descriptor sections from SQL source.
type Parser struct{}

// NewParser creates a directive parser.
func NewParser() *Parser {
	return &Parser{}
}

// Extract parses the source into sections. Directive lines accumulate
// until the first statement line, which opens the section's SQL text;
// the text runs until the next directive line or end of input. A
// blank line before any statement closes the block on its own.
func (p *Parser) Extract(source string) []Section {
	lines := strings.Split(source, "\n")
	var sections []Section

	var pending []Directive
	var text []string
	var blockStart, stmtLine int
	inStatement := false

	flush := func() {
		if len(pending) == 0 && !inStatement {
			return
		}
		set := make(DirectiveSet)
		endLine := 0
		for _, dir := range pending {
			set[dir.Key] = dir.Value
			if dir.Line > endLine {
				endLine = dir.Line
			}
		}
		sections = append(sections, Section{
			Directives: set,
			Text:       strings.TrimSpace(strings.Join(text, "\n")),
			StartLine:  blockStart,
			EndLine:    endLine,
			StmtLine:   stmtLine,
		})
		pending = nil
		text = nil
		blockStart = 0
		stmtLine = 0
		inStatement = false
	}

	for i, line := range lines {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, Prefix):
			if inStatement {
				flush()
			}
			if dir := parseDirectiveLine(trimmed, lineNum); dir != nil {
				if len(pending) == 0 {
					blockStart = lineNum
				}
				pending = append(pending, *dir)
			}
		case trimmed == "" && !inStatement:
			// A blank line closes a standalone directive block.
			flush()
		case trimmed != "" && !inStatement && strings.HasPrefix(trimmed, "--"):
			// Ordinary comments neither break nor join a block.
		default:
			if !inStatement {
				inStatement = true
				stmtLine = lineNum
				if blockStart == 0 {
					blockStart = lineNum
				}
			}
			text = append(text, line)
		}
	}
	flush()

	return sections
}

// parseDirectiveLine parses a single directive line.
func parseDirectiveLine(line string, lineNum int) *Directive {
	content := strings.TrimSpace(strings.TrimPrefix(line, Prefix))
	if content == "" {
		return nil
	}

	if idx := strings.Index(content, "="); idx > 0 {
		return &Directive{
			Key:   strings.TrimSpace(content[:idx]),
			Value: strings.TrimSpace(content[idx+1:]),
			Line:  lineNum,
		}
	}
	return &Directive{Key: content, Value: "", Line: lineNum}
}

// Known directive keys for validation and documentation.
var DescriptorDirectives = map[string]string{
	"name":       "string: Descriptor name, defaults to the file name",
	"kind":       "string: statement (default) or procedure",
	"connection": "string: Named connection target",
	"args":       "list: Argument names for a statement, in bind order",
	"signature":  "string: Stored procedure signature with mode markers",
	"types":      "list: Declared parameter types for a procedure",
	"timeout":    "duration: Execution timeout override",
}

// ValidateDirectives checks all keys in the set against the known
// descriptor directives and returns the unknown ones.
func ValidateDirectives(set DirectiveSet) []string {
	var unknown []string
	for key := range set {
		if _, ok := DescriptorDirectives[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	return unknown
}
