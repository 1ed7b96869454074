// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// maxCanonicalInt is the largest integer canonical JSON permits:
// 2^53 - 1. Values outside ±maxCanonicalInt cannot round-trip through
// IEEE 754 doubles, which is what remote JSON implementations parse
// numbers into.
const maxCanonicalInt = 1<<53 - 1

// Encode returns the canonical JSON encoding of raw, which must be a
// valid JSON document. Returns an error if raw is not valid JSON or
// contains a number outside the canonical integer range.
func Encode(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicaljson: parse: %w", err)
	}
	// Reject trailing garbage after the document.
	if decoder.More() {
		return nil, fmt.Errorf("canonicaljson: trailing data after JSON document")
	}

	var buffer bytes.Buffer
	if err := encodeValue(&buffer, value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// EncodeValue returns the canonical JSON encoding of a decoded JSON
// value (maps, slices, strings, json.Number, bool, nil). Numeric Go
// types (int64, float64) produced by Go code rather than a JSON parse
// are accepted for convenience; float64 values must be integral.
func EncodeValue(value any) ([]byte, error) {
	var buffer bytes.Buffer
	if err := encodeValue(&buffer, value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func encodeValue(buffer *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buffer.WriteString("null")
	case bool:
		if v {
			buffer.WriteString("true")
		} else {
			buffer.WriteString("false")
		}
	case string:
		encodeString(buffer, v)
	case json.Number:
		return encodeNumber(buffer, v)
	case int:
		return encodeInt(buffer, int64(v))
	case int64:
		return encodeInt(buffer, v)
	case float64:
		if v != float64(int64(v)) {
			return fmt.Errorf("canonicaljson: non-integer number %v", v)
		}
		return encodeInt(buffer, int64(v))
	case []any:
		buffer.WriteByte('[')
		for i, element := range v {
			if i > 0 {
				buffer.WriteByte(',')
			}
			if err := encodeValue(buffer, element); err != nil {
				return err
			}
		}
		buffer.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buffer.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buffer.WriteByte(',')
			}
			encodeString(buffer, key)
			buffer.WriteByte(':')
			if err := encodeValue(buffer, v[key]); err != nil {
				return err
			}
		}
		buffer.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %T", value)
	}
	return nil
}

func encodeInt(buffer *bytes.Buffer, v int64) error {
	if v > maxCanonicalInt || v < -maxCanonicalInt {
		return fmt.Errorf("canonicaljson: integer %d outside canonical range", v)
	}
	buffer.WriteString(strconv.FormatInt(v, 10))
	return nil
}

func encodeNumber(buffer *bytes.Buffer, number json.Number) error {
	v, err := number.Int64()
	if err != nil {
		return fmt.Errorf("canonicaljson: non-integer number %q", number.String())
	}
	return encodeInt(buffer, v)
}

// encodeString writes the canonical JSON encoding of s: UTF-8 bytes
// emitted literally, with only the mandatory escapes (quote,
// backslash, control characters). Unlike encoding/json, no HTML-safe
// escaping. Invalid UTF-8 bytes become U+FFFD, matching what a
// decode/re-encode cycle through a strict parser would produce.
func encodeString(buffer *bytes.Buffer, s string) {
	buffer.WriteByte('"')
	for i := 0; i < len(s); {
		b := s[i]
		if b < utf8.RuneSelf {
			switch {
			case b == '"':
				buffer.WriteString(`\"`)
			case b == '\\':
				buffer.WriteString(`\\`)
			case b == '\b':
				buffer.WriteString(`\b`)
			case b == '\f':
				buffer.WriteString(`\f`)
			case b == '\n':
				buffer.WriteString(`\n`)
			case b == '\r':
				buffer.WriteString(`\r`)
			case b == '\t':
				buffer.WriteString(`\t`)
			case b < 0x20:
				fmt.Fprintf(buffer, `\u%04x`, b)
			default:
				buffer.WriteByte(b)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buffer.WriteRune(utf8.RuneError)
			i++
			continue
		}
		buffer.WriteString(s[i : i+size])
		i += size
	}
	buffer.WriteByte('"')
}
