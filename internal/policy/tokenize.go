package policy

import (
	"errors"
	"strings"
)

// ErrUnterminated reports a raw command whose quoting or escaping never
// closes: an unterminated single or double quote, or a trailing backslash.
// It is distinct from an empty token list so callers can log malformed
// input separately from empty input.
var ErrUnterminated = errors.New("unterminated quote or trailing escape")

// Tokenize splits a raw command string into ordered argument tokens.
// Single- and double-quoted spans are literal (no nested quoting, no
// expansion); a backslash outside quotes escapes the next byte. Whitespace
// separates tokens. An empty or all-whitespace input yields an empty,
// non-nil token list and no error.
func Tokenize(raw string) ([]string, error) {
	tokens := make([]string, 0, 8)
	var cur strings.Builder
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(raw); {
		c := raw[i]
		switch c {
		case '\'', '"':
			quote := c
			i++
			start := i
			for i < len(raw) && raw[i] != quote {
				i++
			}
			if i == len(raw) {
				return nil, ErrUnterminated
			}
			cur.WriteString(raw[start:i])
			i++
			inToken = true
		case '\\':
			if i+1 == len(raw) {
				return nil, ErrUnterminated
			}
			cur.WriteByte(raw[i+1])
			i += 2
			inToken = true
		case ' ', '\t', '\n', '\r':
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
			inToken = true
		}
	}
	flush()
	return tokens, nil
}

// HasUnterminated reports whether raw fails tokenization due to an
// unterminated quote or trailing escape.
func HasUnterminated(raw string) bool {
	_, err := Tokenize(raw)
	return errors.Is(err, ErrUnterminated)
}
