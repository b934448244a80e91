// Package named supports queries written with :name parameters. Bind
// resolves the names against a parameter map, expanding slice values
// for IN lists, and produces positional SQL in the ? form. Rewrite
// then adjusts the placeholders to the style the target driver
// expects. The scanner skips string literals, quoted identifiers,
// comments and PostgreSQL dollar-quoted blocks, so names inside them
// are left alone.
package named

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
)

// Pair is a single named parameter.
type Pair struct {
	Key string
	Val interface{}
}

// P builds a parameter pair.
func P(key string, val interface{}) Pair {
	return Pair{Key: key, Val: val}
}

// Map holds named parameter values keyed by lowercase name.
type Map map[string]interface{}

// MapOf assembles a parameter map. Keys must be non-empty and unique
// ignoring case.
func MapOf(pairs ...Pair) (Map, error) {
	m := make(Map, len(pairs))
	for _, p := range pairs {
		if p.Key == "" {
			return nil, scerrors.New(scerrors.ErrCodeConfigInvalid,
				"parameter key must be a non-empty string").Err()
		}
		key := strings.ToLower(p.Key)
		if _, exists := m[key]; exists {
			return nil, scerrors.Newf(scerrors.ErrCodeConfigInvalid,
				"duplicate parameter key %q", p.Key).Err()
		}
		m[key] = p.Val
	}
	return m, nil
}

// Merge combines parameter maps, later maps winning on key collisions.
func Merge(maps ...Map) Map {
	out := make(Map)
	for _, m := range maps {
		for k, v := range m {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup resolves a name ignoring case.
func (m Map) lookup(name string) (interface{}, bool) {
	v, ok := m[strings.ToLower(name)]
	return v, ok
}

// Placeholder selects the positional placeholder style of a target
// database.
type Placeholder int

const (
	PlaceholderQuestion Placeholder = iota // ?          (sqlite, mysql)
	PlaceholderDollar                      // $1, $2     (postgres)
	PlaceholderAtP                         // @p1, @p2   (sql server)
	PlaceholderColonNum                    // :1, :2     (oracle)
)

// PlaceholderFor picks the placeholder style for a driver name.
func PlaceholderFor(driverName string) Placeholder {
	switch strings.ToLower(driverName) {
	case "pgx", "postgres", "postgresql", "pg":
		return PlaceholderDollar
	case "sqlserver", "mssql":
		return PlaceholderAtP
	case "oracle", "godror":
		return PlaceholderColonNum
	default:
		return PlaceholderQuestion
	}
}

// token marks one :name occurrence in the SQL text.
type token struct {
	name  string
	start int
	end   int
}

// Bind resolves :name parameters against the map and returns the
// query in positional ? form with its argument list. Slice values
// expand to one placeholder per element; an empty slice becomes NULL
// so IN (NULL) matches no rows.
func Bind(query string, params Map) (string, []interface{}, error) {
	toks, err := scanNames(query)
	if err != nil {
		return "", nil, err
	}
	if len(toks) == 0 {
		return query, nil, nil
	}

	var b strings.Builder
	b.Grow(len(query))
	args := make([]interface{}, 0, len(toks))
	last := 0

	for _, t := range toks {
		b.WriteString(query[last:t.start])

		val, ok := params.lookup(t.name)
		if !ok {
			return "", nil, scerrors.Newf(scerrors.ErrCodeBindMissing,
				"missing value for :%s", t.name).Err()
		}

		if items, expand := expandable(val); expand {
			if len(items) == 0 {
				b.WriteString("NULL")
			} else {
				for i, item := range items {
					if i > 0 {
						b.WriteByte(',')
					}
					b.WriteByte('?')
					args = append(args, item)
				}
			}
		} else {
			b.WriteByte('?')
			args = append(args, val)
		}
		last = t.end
	}
	b.WriteString(query[last:])
	return b.String(), args, nil
}

// BindRewrite binds named parameters and rewrites the placeholders
// for the target style in one step.
func BindRewrite(query string, ph Placeholder, params Map) (string, []interface{}, error) {
	bound, args, err := Bind(query, params)
	if err != nil {
		return "", nil, err
	}
	return Rewrite(bound, ph), args, nil
}

// expandable reports whether a value expands to multiple placeholders.
// Byte slices stay scalar.
func expandable(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		return widen(s), true
	case []int:
		return widen(s), true
	case []int32:
		return widen(s), true
	case []int64:
		return widen(s), true
	case []float64:
		return widen(s), true
	case []bool:
		return widen(s), true
	case []time.Time:
		return widen(s), true
	case []decimal.Decimal:
		return widen(s), true
	default:
		return nil, false
	}
}

func widen[T any](s []T) []interface{} {
	out := make([]interface{}, len(s))
	for i, el := range s {
		out[i] = el
	}
	return out
}

// scanNames collects the :name tokens outside quoted and commented
// regions. A :: sequence is a cast, not a parameter.
func scanNames(query string) ([]token, error) {
	var out []token
	i := 0
	for i < len(query) {
		r, w := utf8.DecodeRuneInString(query[i:])
		switch r {
		case '\'', '"', '`':
			j, err := skipQuoted(query, i+w, byte(r))
			if err != nil {
				return nil, err
			}
			i = j
			continue
		case '-':
			if strings.HasPrefix(query[i:], "--") {
				i = skipLine(query, i+2)
				continue
			}
		case '/':
			if strings.HasPrefix(query[i:], "/*") {
				j, err := skipBlock(query, i+2)
				if err != nil {
					return nil, err
				}
				i = j
				continue
			}
		case '$':
			if j, ok := skipDollarTag(query, i); ok {
				i = j
				continue
			}
		case ':':
			if strings.HasPrefix(query[i:], "::") {
				i += 2
				continue
			}
			name, end := ident(query, i+w)
			if name != "" {
				out = append(out, token{name: name, start: i, end: end})
				i = end
				continue
			}
		}
		i += w
	}
	return out, nil
}

// Rewrite converts ? placeholders to the target style, leaving quoted
// and commented regions untouched. The question style returns the
// query unchanged.
func Rewrite(query string, ph Placeholder) string {
	if ph == PlaceholderQuestion {
		return query
	}
	out := make([]byte, 0, len(query)+16)
	i, arg := 0, 1

	for i < len(query) {
		r, w := utf8.DecodeRuneInString(query[i:])
		switch r {
		case '\'', '"', '`':
			j, err := skipQuoted(query, i+w, byte(r))
			if err != nil {
				j = len(query)
			}
			out = append(out, query[i:j]...)
			i = j
			continue
		case '-':
			if strings.HasPrefix(query[i:], "--") {
				j := skipLine(query, i+2)
				out = append(out, query[i:j]...)
				i = j
				continue
			}
		case '/':
			if strings.HasPrefix(query[i:], "/*") {
				j, err := skipBlock(query, i+2)
				if err != nil {
					j = len(query)
				}
				out = append(out, query[i:j]...)
				i = j
				continue
			}
		case '$':
			if j, ok := skipDollarTag(query, i); ok {
				out = append(out, query[i:j]...)
				i = j
				continue
			}
		case '?':
			switch ph {
			case PlaceholderDollar:
				out = append(out, '$')
				out = strconv.AppendInt(out, int64(arg), 10)
			case PlaceholderAtP:
				out = append(out, '@', 'p')
				out = strconv.AppendInt(out, int64(arg), 10)
			case PlaceholderColonNum:
				out = append(out, ':')
				out = strconv.AppendInt(out, int64(arg), 10)
			}
			arg++
			i += w
			continue
		}
		out = append(out, query[i:i+w]...)
		i += w
	}
	return string(out)
}

// skipQuoted scans past a quoted region opened by quote, honoring
// doubled-quote escapes.
func skipQuoted(s string, i int, quote byte) (int, error) {
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		_, w := utf8.DecodeRuneInString(s[i:])
		i += w
	}
	return 0, scerrors.Newf(scerrors.ErrCodeConfigInvalid,
		"unterminated %q quote in SQL text", string(quote)).Err()
}

func skipLine(s string, i int) int {
	for i < len(s) {
		if s[i] == '\n' {
			return i + 1
		}
		i++
	}
	return i
}

func skipBlock(s string, i int) (int, error) {
	for i < len(s)-1 {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2, nil
		}
		i++
	}
	return 0, scerrors.New(scerrors.ErrCodeConfigInvalid,
		"unterminated block comment in SQL text").Err()
}

// skipDollarTag scans past a $$...$$ or $tag$...$tag$ block. The
// second return is false when the text at i is not a dollar quote.
func skipDollarTag(s string, i int) (int, bool) {
	j := i + 1
	for j < len(s) && s[j] != '$' && isTagChar(rune(s[j])) {
		j++
	}
	if j >= len(s) || s[j] != '$' {
		return 0, false
	}
	tag := s[i : j+1]
	idx := strings.Index(s[j+1:], tag)
	if idx < 0 {
		return len(s), true
	}
	return j + 1 + idx + len(tag), true
}

func isTagChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ident scans a parameter name of letters, digits and underscores.
func ident(s string, i int) (string, int) {
	start := i
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		i += w
	}
	if i == start {
		return "", i
	}
	return s[start:i], i
}
