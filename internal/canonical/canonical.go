// Package canonical serializes structured event data into a deterministic
// byte form: logically identical inputs always produce identical bytes, so
// the same logical event always hashes identically.
//
// Rules (fixed once; changing any of them invalidates historical
// verifiability):
//   - object keys sorted lexicographically at every nesting level
//   - no insignificant whitespace
//   - strings UTF-8 with a fixed escape table (quote, backslash, control
//     characters; no HTML escaping)
//   - integers as plain digits; decimals via strconv 'f' formatting with
//     the shortest exact representation; never scientific notation
//   - absent/nil fields are always omitted, never encoded as null markers
package canonical

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EncodingError reports a value that cannot be canonically encoded. Events
// carrying such values are rejected before any hash is computed.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("canonical encoding failed: %s", e.Reason)
	}
	return fmt.Sprintf("canonical encoding failed at %s: %s", e.Path, e.Reason)
}

// IsEncodingError reports whether err is (or wraps) an EncodingError.
func IsEncodingError(err error) bool {
	var ee *EncodingError
	return errors.As(err, &ee)
}

// Encode returns the canonical byte serialization of v. Supported values:
// nil, bool, string, signed/unsigned integers, float64/float32, json.Number
// (anything with a String() string form produced by encoding/json),
// map[string]any, and []any. NaN, infinities, invalid UTF-8 strings, cyclic
// structures, and unsupported types fail with *EncodingError.
func Encode(v any) ([]byte, error) {
	var sb strings.Builder
	enc := &encoder{seen: make(map[uintptr]struct{})}
	if err := enc.encode(&sb, v, "$"); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

type encoder struct {
	// seen tracks visited map/slice backing pointers for cycle detection.
	seen map[uintptr]struct{}
}

func (enc *encoder) encode(sb *strings.Builder, v any, path string) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		if !utf8.ValidString(val) {
			return &EncodingError{Path: path, Reason: "string is not valid UTF-8"}
		}
		encodeString(sb, val)
	case int:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int8, int16, int32, int64:
		sb.WriteString(strconv.FormatInt(reflect.ValueOf(val).Int(), 10))
	case uint, uint8, uint16, uint32, uint64:
		sb.WriteString(strconv.FormatUint(reflect.ValueOf(val).Uint(), 10))
	case float32:
		return enc.encodeFloat(sb, float64(val), path)
	case float64:
		return enc.encodeFloat(sb, val, path)
	case map[string]any:
		return enc.encodeObject(sb, val, path)
	case []any:
		return enc.encodeArray(sb, val, path)
	default:
		// json.Number and equivalent numeric literal carriers.
		if n, ok := v.(interface{ String() string }); ok {
			return enc.encodeNumberLiteral(sb, n.String(), path)
		}
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

func (enc *encoder) encodeFloat(sb *strings.Builder, f float64, path string) error {
	if math.IsNaN(f) {
		return &EncodingError{Path: path, Reason: "NaN is not encodable"}
	}
	if math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "infinity is not encodable"}
	}
	// 'f' never produces scientific notation; -1 precision is the shortest
	// exact round-trip form, so 1.0 encodes as "1" and 2.50 as "2.5".
	sb.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// encodeNumberLiteral re-canonicalizes a textual number (e.g. json.Number
// from a decoded stored payload) so the verify path emits exactly the same
// bytes as the original append path. Pure integer literals are normalized
// textually, never through float64: values above MaxInt64 (a uint64 payload)
// and below MinInt64 must keep their exact digits.
func (enc *encoder) encodeNumberLiteral(sb *strings.Builder, s string, path string) error {
	if s == "" {
		return &EncodingError{Path: path, Reason: "empty number literal"}
	}
	if !strings.ContainsAny(s, ".eE") {
		digits := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
		if isDigits(digits) {
			// Normalize leading zeros and "-0" so every integer has one
			// textual form.
			digits = strings.TrimLeft(digits, "0")
			if digits == "" {
				digits = "0"
			}
			if strings.HasPrefix(s, "-") && digits != "0" {
				sb.WriteByte('-')
			}
			sb.WriteString(digits)
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("invalid number literal %q", s)}
	}
	return enc.encodeFloat(sb, f, path)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (enc *encoder) encodeObject(sb *strings.Builder, m map[string]any, path string) error {
	if m == nil {
		sb.WriteString("null")
		return nil
	}
	ptr := reflect.ValueOf(m).Pointer()
	if _, ok := enc.seen[ptr]; ok {
		return &EncodingError{Path: path, Reason: "cyclic structure"}
	}
	enc.seen[ptr] = struct{}{}
	defer delete(enc.seen, ptr)

	keys := make([]string, 0, len(m))
	for k := range m {
		if !utf8.ValidString(k) {
			return &EncodingError{Path: path, Reason: fmt.Sprintf("key %q is not valid UTF-8", k)}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		encodeString(sb, k)
		sb.WriteByte(':')
		if err := enc.encode(sb, m[k], path+"."+k); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func (enc *encoder) encodeArray(sb *strings.Builder, a []any, path string) error {
	if a == nil {
		sb.WriteString("null")
		return nil
	}
	if cap(a) > 0 {
		ptr := reflect.ValueOf(a).Pointer()
		if _, ok := enc.seen[ptr]; ok {
			return &EncodingError{Path: path, Reason: "cyclic structure"}
		}
		enc.seen[ptr] = struct{}{}
		defer delete(enc.seen, ptr)
	}
	sb.WriteByte('[')
	for i, item := range a {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := enc.encode(sb, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	sb.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

// encodeString writes s with the fixed escape table: quote, backslash,
// \b \f \n \r \t, and \u00XX for other control characters. Never escapes
// HTML characters or forward slashes.
func encodeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				sb.WriteString(`\u00`)
				sb.WriteByte(hexDigits[byte(r)>>4])
				sb.WriteByte(hexDigits[byte(r)&0xf])
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}
