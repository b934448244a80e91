// Package signature parses stored procedure signatures of the form
//
//	NAME(>, <, =)
//
// where each marker declares the mode of one parameter placeholder:
// '>' input, '<' output, '=' both. A trailing colon inside the
// parentheses marks the final placeholder as variadic, so the call
// may repeat it zero or more times:
//
//	IN_VARARGS(<, >:)
//
// A bare name, or a name with empty parentheses, declares a procedure
// that takes no parameters.
package signature

import (
	"regexp"
	"strings"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/param"
)

// sprocPattern admits a procedure name (letter or underscore first,
// then letters, digits, @, $, # or underscore) with an optional
// parenthesized mode list and variadic marker.
var sprocPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9@$#_]*)(?:\(([<>=](?:,\s*[<>=])*)?(:)?\))?$`)

// Signature is a parsed stored procedure signature.
type Signature struct {
	Name     string
	Dirs     []param.Direction
	Variadic bool
}

// Parse parses a signature string. The owner names the descriptor the
// signature belongs to and appears in error messages.
func Parse(owner, sig string) (*Signature, error) {
	m := sprocPattern.FindStringSubmatch(strings.TrimSpace(sig))
	if m == nil {
		return nil, scerrors.Newf(scerrors.ErrCodeInvalidSignature,
			"unsupported stored procedure signature for %s: %s", owner, sig).
			WithOp("signature.Parse").Err()
	}

	parsed := &Signature{
		Name:     m[1],
		Variadic: m[3] == ":",
	}
	if m[2] == "" {
		if parsed.Variadic {
			return nil, scerrors.Newf(scerrors.ErrCodeInvalidSignature,
				"varargs indicated with no placeholder in signature for %s: %s", owner, sig).
				WithOp("signature.Parse").Err()
		}
		return parsed, nil
	}

	parts := strings.Split(m[2], ",")
	parsed.Dirs = make([]param.Direction, len(parts))
	for i, part := range parts {
		d, err := param.DirectionFromMarker(strings.TrimSpace(part)[0])
		if err != nil {
			return nil, err
		}
		parsed.Dirs[i] = d
	}
	return parsed, nil
}

// Placeholders returns the number of parameter placeholders declared.
func (s *Signature) Placeholders() int { return len(s.Dirs) }

// MinArgs returns the minimum argument count a call must supply. For
// variadic signatures the final placeholder may be omitted.
func (s *Signature) MinArgs() int {
	if s.Variadic {
		return len(s.Dirs) - 1
	}
	return len(s.Dirs)
}

// DirAt returns the mode of the argument at index i, reusing the final
// declared placeholder for variadic overflow.
func (s *Signature) DirAt(i int) param.Direction {
	if i >= len(s.Dirs) {
		i = len(s.Dirs) - 1
	}
	return s.Dirs[i]
}

// String renders the signature back to its source form.
func (s *Signature) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, d := range s.Dirs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte(d.Marker())
	}
	if s.Variadic {
		b.WriteByte(':')
	}
	b.WriteByte(')')
	return b.String()
}

// CallText builds the call escape for a procedure with the given
// number of bound arguments, in the form {call NAME(?,?)}.
func CallText(name string, argCount int) string {
	var b strings.Builder
	b.WriteString("{call ")
	b.WriteString(name)
	b.WriteByte('(')
	for i := 0; i < argCount; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('?')
	}
	b.WriteString(")}")
	return b.String()
}
