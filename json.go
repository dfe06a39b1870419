package hearth

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sort"
	"unicode/utf8"

	"github.com/hearth-im/hearth/spec"
)

// CanonicalJSON re-encodes the JSON in the canonical encoding used as the
// input to every hash and signature in the protocol: object keys sorted by
// codepoint, no insignificant whitespace, integers rendered verbatim
// without exponents, and unneeded unicode escapes removed.
//
// Two semantically equal inputs always canonicalize to byte-identical
// output. Invalid JSON and malformed UTF-8 are rejected.
func CanonicalJSON(input []byte) ([]byte, error) {
	if !utf8.Valid(input) {
		return nil, spec.NewError(spec.KindValidation, "input is not valid UTF-8")
	}
	sorted, err := SortJSON(input, make([]byte, 0, len(input)))
	if err != nil {
		return nil, spec.NewError(spec.KindValidation, "invalid JSON: %s", err)
	}
	return CompactJSON(sorted, make([]byte, 0, len(sorted))), nil
}

// SortJSON re-encodes the JSON with object keys sorted lexicographically
// by codepoint. The input must be valid JSON.
func SortJSON(input, output []byte) ([]byte, error) {
	// Numbers are decoded as json.Number so that integer literals survive
	// without being forced through float64 (which reintroduces exponents).
	decoder := json.NewDecoder(bytes.NewReader(input))
	decoder.UseNumber()
	var decoded interface{}
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	return sortJSONValue(decoded, output)
}

func sortJSONValue(input interface{}, output []byte) ([]byte, error) {
	switch value := input.(type) {
	case []interface{}:
		return sortJSONArray(value, output)
	case map[string]interface{}:
		return sortJSONObject(value, output)
	case json.Number:
		return appendCanonicalNumber(value, output)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return append(output, encoded...), nil
	}
}

// appendCanonicalNumber writes integer literals verbatim and re-encodes
// anything with a fraction or exponent through float64 for the shortest
// representation.
func appendCanonicalNumber(value json.Number, output []byte) ([]byte, error) {
	s := value.String()
	if !bytes.ContainsAny([]byte(s), ".eE") {
		return append(output, s...), nil
	}
	f, err := value.Float64()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(output, encoded...), nil
}

func sortJSONArray(input []interface{}, output []byte) ([]byte, error) {
	var err error
	output = append(output, '[')
	for i, value := range input {
		if i > 0 {
			output = append(output, ',')
		}
		if output, err = sortJSONValue(value, output); err != nil {
			return nil, err
		}
	}
	return append(output, ']'), nil
}

func sortJSONObject(input map[string]interface{}, output []byte) ([]byte, error) {
	var err error
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	output = append(output, '{')
	for i, key := range keys {
		if i > 0 {
			output = append(output, ',')
		}
		var encoded []byte
		if encoded, err = json.Marshal(key); err != nil {
			return nil, err
		}
		output = append(output, encoded...)
		output = append(output, ':')
		if output, err = sortJSONValue(input[key], output); err != nil {
			return nil, err
		}
	}
	return append(output, '}'), nil
}

// CompactJSON strips insignificant whitespace and rewrites unicode escapes
// to their shortest form. The input must already be valid JSON.
func CompactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		if c <= ' ' {
			continue
		}
		output = append(output, c)
		if c != '"' {
			continue
		}
		// Inside a string literal: copy until the closing quote, folding
		// escapes down to their canonical spelling.
		for i < len(input) {
			c = input[i]
			i++
			if c == '\\' {
				escape := input[i]
				i++
				switch escape {
				case 'u':
					output, i = compactUnicodeEscape(input, output, i)
				case '/':
					// '/' does not need escaping.
					output = append(output, escape)
				default:
					output = append(output, c, escape)
				}
			} else {
				output = append(output, c)
			}
			if c == '"' {
				break
			}
		}
	}
	return output
}

// compactUnicodeEscape rewrites a \uXXXX escape (and a trailing surrogate
// pair if present) as raw UTF-8, keeping the escape form only for control
// characters, quotes and backslashes.
func compactUnicodeEscape(input, output []byte, index int) ([]byte, int) {
	const hexDigits = "0123456789ABCDEF"
	if len(input)-index < 4 {
		return output, len(input)
	}
	c := readHexDigits(input[index:])
	index += 4
	switch {
	case c < ' ':
		escape := `uuuuuuuubtnufruuuuuuuuuuuuuuuuuu`[c]
		output = append(output, '\\', escape)
		if escape == 'u' {
			output = append(output, '0', '0', byte('0'+(c>>4)), hexDigits[c&0xF])
		}
	case c == '\\' || c == '"':
		output = append(output, '\\', byte(c))
	case c < 0xD800 || c >= 0xE000:
		var buf [4]byte
		n := utf8.EncodeRune(buf[:], rune(c))
		output = append(output, buf[:n]...)
	default:
		// Surrogate pair: the low half follows as another \uXXXX escape.
		if len(input)-index < 6 {
			return output, len(input)
		}
		surrogate := readHexDigits(input[index+2:])
		index += 6
		codepoint := 0x10000 + (((c & 0x3FF) << 10) | (surrogate & 0x3FF))
		var buf [4]byte
		n := utf8.EncodeRune(buf[:], rune(codepoint))
		output = append(output, buf[:n]...)
	}
	return output, index
}

// readHexDigits parses four hex digits branchlessly, mapping lowercase to
// uppercase along the way.
func readHexDigits(input []byte) uint32 {
	hex := binary.BigEndian.Uint32(input)
	hex -= 0x30303030
	hex &= 0x1F1F1F1F
	mask := hex & 0x10101010
	hex -= mask >> 1
	hex += mask >> 4
	hex |= hex >> 4
	hex &= 0xFF00FF
	hex |= hex >> 8
	return hex & 0xFFFF
}
