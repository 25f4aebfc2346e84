package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Dict is a decoded bencoded dictionary. Values are one of:
// int64, []byte, []any, Dict.
type Dict = map[string]any

var (
	ErrTruncated = errors.New("bencode: truncated input")
	ErrSyntax    = errors.New("bencode: syntax error")
	ErrNotDict   = errors.New("bencode: top-level value is not a dictionary")
)

// DecodeDict parses one bencoded dictionary at the start of buf and returns
// it together with the number of bytes consumed. Trailing bytes after the
// dictionary are not an error; callers that care (the state file's checksum
// frame) inspect buf[n:] themselves.
func DecodeDict(buf []byte) (Dict, int, error) {
	v, n, err := decodeValue(buf, 0)
	if err != nil {
		return nil, 0, err
	}
	d, ok := v.(Dict)
	if !ok {
		return nil, 0, ErrNotDict
	}
	return d, n, nil
}

const maxDepth = 32

func decodeValue(buf []byte, depth int) (any, int, error) {
	if depth > maxDepth {
		return nil, 0, fmt.Errorf("%w: nesting too deep", ErrSyntax)
	}
	if len(buf) == 0 {
		return nil, 0, ErrTruncated
	}
	switch c := buf[0]; {
	case c == 'i':
		return decodeInt(buf)
	case c >= '0' && c <= '9':
		return decodeString(buf)
	case c == 'l':
		return decodeList(buf, depth)
	case c == 'd':
		return decodeDict(buf, depth)
	default:
		return nil, 0, fmt.Errorf("%w: unexpected byte %q", ErrSyntax, c)
	}
}

func decodeInt(buf []byte) (int64, int, error) {
	end := bytes.IndexByte(buf, 'e')
	if end < 0 {
		return 0, 0, ErrTruncated
	}
	s := string(buf[1:end])
	if s == "" || s == "-" {
		return 0, 0, fmt.Errorf("%w: empty integer", ErrSyntax)
	}
	// leading zeros and negative zero are invalid per the encoding
	if len(s) > 1 && (s[0] == '0' || (s[0] == '-' && s[1] == '0')) {
		return 0, 0, fmt.Errorf("%w: malformed integer %q", ErrSyntax, s)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad integer %q", ErrSyntax, s)
	}
	return v, end + 1, nil
}

func decodeString(buf []byte) ([]byte, int, error) {
	colon := bytes.IndexByte(buf, ':')
	if colon < 0 {
		return nil, 0, ErrTruncated
	}
	n, err := strconv.Atoi(string(buf[:colon]))
	if err != nil || n < 0 {
		return nil, 0, fmt.Errorf("%w: bad string length", ErrSyntax)
	}
	start := colon + 1
	// compare against the remainder, not start+n, which can overflow for
	// absurd length prefixes
	if n > len(buf)-start {
		return nil, 0, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, buf[start:start+n])
	return out, start + n, nil
}

func decodeList(buf []byte, depth int) ([]any, int, error) {
	pos := 1
	out := []any{}
	for {
		if pos >= len(buf) {
			return nil, 0, ErrTruncated
		}
		if buf[pos] == 'e' {
			return out, pos + 1, nil
		}
		v, n, err := decodeValue(buf[pos:], depth+1)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		pos += n
	}
}

func decodeDict(buf []byte, depth int) (Dict, int, error) {
	pos := 1
	out := Dict{}
	for {
		if pos >= len(buf) {
			return nil, 0, ErrTruncated
		}
		if buf[pos] == 'e' {
			return out, pos + 1, nil
		}
		key, n, err := decodeString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		v, n, err := decodeValue(buf[pos:], depth+1)
		if err != nil {
			return nil, 0, err
		}
		out[string(key)] = v
		pos += n
	}
}

// Encode serializes v. Dictionary keys are emitted in sorted order so the
// same dictionary always produces the same bytes.
func Encode(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := encodeValue(&b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func encodeValue(b *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case int64:
		fmt.Fprintf(b, "i%de", t)
	case int:
		fmt.Fprintf(b, "i%de", t)
	case []byte:
		fmt.Fprintf(b, "%d:", len(t))
		b.Write(t)
	case string:
		fmt.Fprintf(b, "%d:", len(t))
		b.WriteString(t)
	case []any:
		b.WriteByte('l')
		for _, e := range t {
			if err := encodeValue(b, e); err != nil {
				return err
			}
		}
		b.WriteByte('e')
	case Dict:
		b.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "%d:", len(k))
			b.WriteString(k)
			if err := encodeValue(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('e')
	default:
		return fmt.Errorf("bencode: cannot encode %T", v)
	}
	return nil
}

// Bytes returns the []byte value stored under key, or nil.
func Bytes(d Dict, key string) []byte {
	if v, ok := d[key].([]byte); ok {
		return v
	}
	return nil
}

// String returns the []byte value under key as a string, or "".
func String(d Dict, key string) string {
	return string(Bytes(d, key))
}

// Int returns the integer value stored under key, or 0.
func Int(d Dict, key string) int64 {
	if v, ok := d[key].(int64); ok {
		return v
	}
	return 0
}

// List returns the list value stored under key, or nil.
func List(d Dict, key string) []any {
	if v, ok := d[key].([]any); ok {
		return v
	}
	return nil
}
