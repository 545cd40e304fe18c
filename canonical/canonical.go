package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrEncoding is returned when a value cannot be represented in canonical
// JSON. Floats and unsupported Go types are the usual offenders.
var ErrEncoding = errors.New("canonical: encoding error")

// maxSafeInteger bounds integers to the range that survives a round trip
// through any IEEE-754 JSON consumer. Values outside are rejected rather
// than silently truncated.
const maxSafeInteger = int64(1)<<53 - 1

// Canonicalize encodes the supplied value tree as deterministic JSON: object
// keys sorted byte-wise, no whitespace, integers only, and the minimal escape
// set. Two structurally equal inputs always produce byte-identical output.
//
// Accepted values are nil, bool, signed and unsigned integers, json.Number
// carrying an integer, string, []any, and map[string]any (nested
// arbitrarily). Anything else, floats included, fails with ErrEncoding.
func Canonicalize(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		return encodeInt(buf, int64(v))
	case int8:
		return encodeInt(buf, int64(v))
	case int16:
		return encodeInt(buf, int64(v))
	case int32:
		return encodeInt(buf, int64(v))
	case int64:
		return encodeInt(buf, v)
	case uint:
		return encodeUint(buf, uint64(v))
	case uint8:
		return encodeUint(buf, uint64(v))
	case uint16:
		return encodeUint(buf, uint64(v))
	case uint32:
		return encodeUint(buf, uint64(v))
	case uint64:
		return encodeUint(buf, v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fmt.Errorf("%w: non-integer number %q", ErrEncoding, v.String())
		}
		return encodeInt(buf, n)
	case float32, float64:
		return fmt.Errorf("%w: floats forbidden in canonical JSON", ErrEncoding)
	case string:
		encodeString(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, elem)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrEncoding, value)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) error {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return fmt.Errorf("%w: integer %d outside safe range", ErrEncoding, v)
	}
	buf.WriteString(strconv.FormatInt(v, 10))
	return nil
}

func encodeUint(buf *bytes.Buffer, v uint64) error {
	if v > uint64(maxSafeInteger) {
		return fmt.Errorf("%w: integer %d outside safe range", ErrEncoding, v)
	}
	buf.WriteString(strconv.FormatUint(v, 10))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// Parse decodes canonical (or plain) JSON into the value tree accepted by
// Canonicalize. Numbers decode as json.Number so integer precision is kept
// and floats can be rejected downstream.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return out, nil
}
