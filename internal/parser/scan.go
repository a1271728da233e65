package parser

import (
	"errors"
	"unicode"

	"ember/internal/shared/jsonx"
)

var errNotArray = errors.New("prelude is not a JSON array")

// scanArrayElements walks a (possibly truncated) JSON array and returns the
// byte ranges of every element that is complete so far. complete reports
// whether the closing bracket was reached.
func scanArrayElements(buf []byte) (elems []jsonx.RawMessage, complete bool, err error) {
	i := skipSpace(buf, 0)
	if i >= len(buf) || buf[i] != '[' {
		return nil, false, errNotArray
	}
	i++

	for {
		i = skipSpace(buf, i)
		if i >= len(buf) {
			return elems, false, nil
		}
		if buf[i] == ']' {
			return elems, true, nil
		}

		end, ok := scanValue(buf, i)
		if !ok {
			return elems, false, nil
		}
		elems = append(elems, jsonx.RawMessage(buf[i:end]))
		i = skipSpace(buf, end)

		if i >= len(buf) {
			return elems, false, nil
		}
		switch buf[i] {
		case ',':
			i++
		case ']':
			return elems, true, nil
		default:
			return elems, false, errors.New("unexpected byte between array elements")
		}
	}
}

// scanValue finds the end of one JSON value starting at i. ok is false when
// the value runs past the end of the buffer.
func scanValue(buf []byte, i int) (end int, ok bool) {
	switch buf[i] {
	case '{', '[':
		return scanNested(buf, i)
	case '"':
		return scanString(buf, i)
	default:
		// Bare literal or number. It is only known to be finished when a
		// terminator follows it inside the buffer.
		for j := i; j < len(buf); j++ {
			c := buf[j]
			if c == ',' || c == ']' || c == '}' || unicode.IsSpace(rune(c)) {
				return j, true
			}
		}
		return 0, false
	}
}

func scanNested(buf []byte, i int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for j := i; j < len(buf); j++ {
		c := buf[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return j + 1, true
			}
		}
	}
	return 0, false
}

func scanString(buf []byte, i int) (int, bool) {
	escaped := false
	for j := i + 1; j < len(buf); j++ {
		switch {
		case escaped:
			escaped = false
		case buf[j] == '\\':
			escaped = true
		case buf[j] == '"':
			return j + 1, true
		}
	}
	return 0, false
}

func skipSpace(buf []byte, i int) int {
	for i < len(buf) && unicode.IsSpace(rune(buf[i])) {
		i++
	}
	return i
}
