// elfilter: script-driven filtering of SAM/BAM files.
// Copyright (c) 2017-2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package sam

import (
	"errors"
	"fmt"
	"strconv"
)

// StringScanner splits SAM text lines into fields. The first error
// sticks; once it is set, all further scanning is a no-op.
type StringScanner struct {
	index int
	data  string
	err   error
}

// Err returns the error that occurred during scanning.
func (sc *StringScanner) Err() error {
	return sc.err
}

// Reset initializes the scanner with the given string.
func (sc *StringScanner) Reset(s string) {
	sc.index = 0
	sc.data = s
	sc.err = nil
}

// Len returns the number of bytes that remain to be scanned, or 0 after
// an error.
func (sc *StringScanner) Len() int {
	if sc.err != nil {
		return 0
	}
	return len(sc.data) - sc.index
}

func (sc *StringScanner) fail(format string, args ...interface{}) {
	if sc.err == nil {
		sc.err = fmt.Errorf(format, args...)
	}
}

func (sc *StringScanner) readUntil(c byte) (s string, found bool) {
	if sc.err != nil {
		return "", false
	}
	start := sc.index
	for end := start; end < len(sc.data); end++ {
		if sc.data[end] == c {
			sc.index = end + 1
			return sc.data[start:end], true
		}
	}
	sc.index = len(sc.data)
	return sc.data[start:], false
}

// readField returns the next tab-terminated mandatory field.
func (sc *StringScanner) readField(name string) string {
	if sc.err != nil {
		return ""
	}
	value, ok := sc.readUntil('\t')
	if !ok {
		sc.fail("missing tab after %v field in SAM alignment line", name)
		return ""
	}
	return value
}

func (sc *StringScanner) readInt32(name string) int32 {
	field := sc.readField(name)
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseInt(field, 10, 32)
	if err != nil {
		sc.fail("%w, while parsing %v field in SAM alignment line", err, name)
	}
	return int32(value)
}

func (sc *StringScanner) readUint(name string, bitSize int) uint64 {
	field := sc.readField(name)
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseUint(field, 10, bitSize)
	if err != nil {
		sc.fail("%w, while parsing %v field in SAM alignment line", err, name)
	}
	return value
}

var errInvalidTag = errors.New("invalid optional field in SAM alignment line")

// readTag parses one TAG:TYPE:VALUE optional field.
func (sc *StringScanner) readTag() (tag Tag) {
	if sc.err != nil {
		return
	}
	field, _ := sc.readUntil('\t')
	if len(field) < 5 || field[2] != ':' || field[4] != ':' {
		sc.fail("%w: %v", errInvalidTag, field)
		return
	}
	tag.Code[0], tag.Code[1] = field[0], field[1]
	tag.Type = field[3]
	value := field[5:]
	if err := parseTagValue(&tag, value); err != nil {
		sc.fail("%w, while parsing optional field %v", err, field)
	}
	return
}

func parseTagValue(tag *Tag, value string) error {
	switch tag.Type {
	case 'A':
		if len(value) != 1 {
			return errors.New("type A needs exactly one character")
		}
		tag.Value = TypedValue{Kind: StringValue, String: value}
	case 'i':
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		if n < -1<<31 || n > 1<<32-1 {
			return errors.New("integer out of range")
		}
		tag.Value = TypedValue{Kind: IntValue, Int: n}
	case 'f':
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return err
		}
		tag.Value = TypedValue{Kind: FloatValue, Float: f}
	case 'Z':
		tag.Value = TypedValue{Kind: StringValue, String: value}
	case 'H':
		if len(value)%2 != 0 {
			return errors.New("odd number of hex digits")
		}
		for i := 0; i < len(value); i++ {
			if c := value[i]; !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f') {
				return errors.New("invalid hex digit")
			}
		}
		tag.Value = TypedValue{Kind: StringValue, String: value}
	case 'B':
		return parseArrayValue(tag, value)
	default:
		return fmt.Errorf("unknown type %q", tag.Type)
	}
	return nil
}

func arraySubtypeBits(subtype byte) (bits int, signed, ok bool) {
	switch subtype {
	case 'c':
		return 8, true, true
	case 'C':
		return 8, false, true
	case 's':
		return 16, true, true
	case 'S':
		return 16, false, true
	case 'i':
		return 32, true, true
	case 'I':
		return 32, false, true
	}
	return 0, false, false
}

func parseArrayValue(tag *Tag, value string) error {
	if value == "" {
		return errors.New("missing array subtype")
	}
	tag.Subtype = value[0]
	var sc StringScanner
	sc.Reset(value[1:])
	if sc.Len() > 0 {
		if sc.data[0] != ',' {
			return errors.New("missing comma after array subtype")
		}
		sc.index = 1
	}
	if tag.Subtype == 'f' {
		floats := []float64{}
		for sc.Len() > 0 {
			element, _ := sc.readUntil(',')
			f, err := strconv.ParseFloat(element, 32)
			if err != nil {
				return err
			}
			floats = append(floats, f)
		}
		tag.Value = TypedValue{Kind: FloatSequenceValue, Floats: floats}
		return nil
	}
	bits, signed, ok := arraySubtypeBits(tag.Subtype)
	if !ok {
		return fmt.Errorf("unknown array subtype %q", tag.Subtype)
	}
	ints := []int64{}
	for sc.Len() > 0 {
		element, _ := sc.readUntil(',')
		var n int64
		if signed {
			v, err := strconv.ParseInt(element, 10, bits)
			if err != nil {
				return err
			}
			n = v
		} else {
			v, err := strconv.ParseUint(element, 10, bits)
			if err != nil {
				return err
			}
			n = int64(v)
		}
		ints = append(ints, n)
	}
	tag.Value = TypedValue{Kind: IntSequenceValue, Ints: ints}
	return nil
}
