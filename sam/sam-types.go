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
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FLAG bits, see SAMv1 section 1.4.2.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

const (
	// UnmappedPosition is the 0-based POS of a record without a
	// coordinate.
	UnmappedPosition = -1

	// UnmappedReference is the reference name reported for records
	// without a reference.
	UnmappedReference = "*"
)

// A Reference is one entry of the header's reference dictionary.
type Reference struct {
	Name   string
	Length int32
}

// HeaderView is the read-only header access needed while filtering.
type HeaderView interface {
	ReferenceName(refID int32) (string, bool)
}

// A Header holds the header lines of a SAM/BAM file together with
// its reference dictionary. A Header is immutable once constructed
// and can be shared between goroutines without locking.
type Header struct {
	// Lines without their terminating newline, in file order.
	Lines []string

	// References in dictionary order; a record's REFID indexes this
	// slice.
	References []Reference

	refIDs map[string]int32
}

// NewHeader returns a Header for the given lines and references. When
// references is nil, the dictionary is taken from the @SQ lines.
func NewHeader(lines []string, references []Reference) (*Header, error) {
	if references == nil {
		var err error
		if references, err = parseReferences(lines); err != nil {
			return nil, err
		}
	}
	hdr := &Header{
		Lines:      lines,
		References: references,
		refIDs:     make(map[string]int32, len(references)),
	}
	for id, ref := range references {
		if _, dup := hdr.refIDs[ref.Name]; dup {
			return nil, fmt.Errorf("duplicate reference %v in header", ref.Name)
		}
		hdr.refIDs[ref.Name] = int32(id)
	}
	return hdr, nil
}

// headerFields splits a header line such as "@SQ\tSN:chr1\tLN:100"
// into its record type and TAG:VALUE fields.
func headerFields(line string) (code string, fields []string) {
	parts := strings.Split(line, "\t")
	return parts[0], parts[1:]
}

func headerField(fields []string, tag string) (string, bool) {
	for _, field := range fields {
		if len(field) >= 3 && field[2] == ':' && field[:2] == tag {
			return field[3:], true
		}
	}
	return "", false
}

func parseReferences(lines []string) ([]Reference, error) {
	references := []Reference{}
	for _, line := range lines {
		code, fields := headerFields(line)
		if code != "@SQ" {
			continue
		}
		name, ok := headerField(fields, "SN")
		if !ok {
			return nil, fmt.Errorf("missing SN field in header line %v", line)
		}
		ln, ok := headerField(fields, "LN")
		if !ok {
			return nil, fmt.Errorf("missing LN field in header line %v", line)
		}
		length, err := strconv.ParseInt(ln, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w, while parsing LN field in header line %v", err, line)
		}
		references = append(references, Reference{Name: name, Length: int32(length)})
	}
	return references, nil
}

// ReferenceName implements HeaderView.
func (hdr *Header) ReferenceName(refID int32) (string, bool) {
	if refID < 0 || int(refID) >= len(hdr.References) {
		return "", false
	}
	return hdr.References[refID].Name, true
}

// ReferenceID returns the dictionary index of the named reference.
func (hdr *Header) ReferenceID(name string) (int32, bool) {
	id, ok := hdr.refIDs[name]
	return id, ok
}

// Text returns the header as SAM text, one line per entry, each
// terminated by a newline. @SQ lines are synthesized from the
// dictionary when the header lines carry none, as happens for BAM files
// with an empty text section.
func (hdr *Header) Text() string {
	var text strings.Builder
	hasSQ := false
	for _, line := range hdr.Lines {
		if strings.HasPrefix(line, "@SQ\t") {
			hasSQ = true
			break
		}
	}
	emitSQ := func() {
		for _, ref := range hdr.References {
			fmt.Fprintf(&text, "@SQ\tSN:%v\tLN:%v\n", ref.Name, ref.Length)
		}
	}
	emitted := hasSQ
	for _, line := range hdr.Lines {
		if !emitted && !strings.HasPrefix(line, "@HD\t") && line != "@HD" {
			emitSQ()
			emitted = true
		}
		text.WriteString(line)
		text.WriteByte('\n')
	}
	if !emitted {
		emitSQ()
	}
	return text.String()
}

// A Program describes an @PG header line.
type Program struct {
	ID, Name, Version, Description, CommandLine string
}

// WithProgram returns a copy of the header with an @PG line for prog
// appended. The new line is chained to the last @PG line with a PP
// field, and its ID is made unique when another @PG line already
// uses it.
func (hdr *Header) WithProgram(prog Program) *Header {
	ids := make(map[string]bool)
	var previous string
	for _, line := range hdr.Lines {
		code, fields := headerFields(line)
		if code != "@PG" {
			continue
		}
		if id, ok := headerField(fields, "ID"); ok {
			ids[id] = true
			previous = id
		}
	}
	id := prog.ID
	for ids[id] {
		id = prog.ID + "-" + uuid.New().String()[:8]
	}
	var line strings.Builder
	line.WriteString("@PG\tID:")
	line.WriteString(id)
	for _, field := range [...]struct{ tag, value string }{
		{"PN", prog.Name},
		{"PP", previous},
		{"VN", prog.Version},
		{"DS", prog.Description},
		{"CL", prog.CommandLine},
	} {
		if field.value != "" {
			line.WriteByte('\t')
			line.WriteString(field.tag)
			line.WriteByte(':')
			line.WriteString(field.value)
		}
	}
	lines := make([]string, len(hdr.Lines), len(hdr.Lines)+1)
	copy(lines, hdr.Lines)
	return &Header{
		Lines:      append(lines, line.String()),
		References: hdr.References,
		refIDs:     hdr.refIDs,
	}
}

// OpKind is a CIGAR operation. The numeric values are the BAM
// operation codes.
type OpKind uint8

// The nine CIGAR operations, in BAM code order.
const (
	Match OpKind = iota
	Ins
	Del
	RefSkip
	SoftClip
	HardClip
	Pad
	Equal
	Diff
)

// CigarOps holds the SAM letter of each OpKind, indexed by BAM code.
const CigarOps = "MIDNSHP=X"

var opKinds = [...]struct {
	name                    string
	consumesRef, consumesQu bool
}{
	Match:    {"Match", true, true},
	Ins:      {"Ins", false, true},
	Del:      {"Del", true, false},
	RefSkip:  {"RefSkip", true, false},
	SoftClip: {"SoftClip", false, true},
	HardClip: {"HardClip", false, false},
	Pad:      {"Pad", false, false},
	Equal:    {"Equal", true, true},
	Diff:     {"Diff", true, true},
}

// Valid reports whether op is one of the nine CIGAR operations.
func (op OpKind) Valid() bool {
	return int(op) < len(opKinds)
}

func (op OpKind) String() string {
	if !op.Valid() {
		return "OpKind(" + strconv.Itoa(int(op)) + ")"
	}
	return opKinds[op].name
}

// Char returns the SAM letter of op.
func (op OpKind) Char() byte {
	if !op.Valid() {
		return '?'
	}
	return CigarOps[op]
}

// ConsumesReference reports whether op advances along the reference.
func (op OpKind) ConsumesReference() bool {
	return op.Valid() && opKinds[op].consumesRef
}

// ConsumesQuery reports whether op advances along the read.
func (op OpKind) ConsumesQuery() bool {
	return op.Valid() && opKinds[op].consumesQu
}

// OpKindFromChar maps a SAM CIGAR letter to its OpKind.
func OpKindFromChar(c byte) (OpKind, bool) {
	if i := strings.IndexByte(CigarOps, c); i >= 0 {
		return OpKind(i), true
	}
	return 0, false
}

// A CigarOperation is one run of a CIGAR string.
type CigarOperation struct {
	Length uint32
	Op     OpKind
}

// ConsumesReference reports whether the operation advances along the
// reference.
func (c CigarOperation) ConsumesReference() bool { return c.Op.ConsumesReference() }

// ConsumesQuery reports whether the operation advances along the read.
func (c CigarOperation) ConsumesQuery() bool { return c.Op.ConsumesQuery() }

// ReferenceLength sums the lengths of the operations that consume the
// reference.
func ReferenceLength(cigar []CigarOperation) int32 {
	var length int32
	for _, c := range cigar {
		if c.ConsumesReference() {
			length += int32(c.Length)
		}
	}
	return length
}

// ParseCigar parses a SAM CIGAR string. "*" yields an empty CIGAR.
func ParseCigar(s string) ([]CigarOperation, error) {
	if s == "*" {
		return nil, nil
	}
	if s == "" {
		return nil, fmt.Errorf("empty CIGAR string")
	}
	cigar := make([]CigarOperation, 0, 4)
	var length uint64
	digits := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			length = length*10 + uint64(c-'0')
			if length > 1<<28-1 {
				return nil, fmt.Errorf("CIGAR operation length too large in %v", s)
			}
			digits = true
			continue
		}
		op, ok := OpKindFromChar(c)
		if !ok || !digits {
			return nil, fmt.Errorf("invalid CIGAR string %v", s)
		}
		cigar = append(cigar, CigarOperation{Length: uint32(length), Op: op})
		length, digits = 0, false
	}
	if digits {
		return nil, fmt.Errorf("invalid CIGAR string %v", s)
	}
	return cigar, nil
}

// FormatCigar appends the SAM text form of cigar to out.
func FormatCigar(out []byte, cigar []CigarOperation) []byte {
	if len(cigar) == 0 {
		return append(out, '*')
	}
	for _, c := range cigar {
		out = strconv.AppendUint(out, uint64(c.Length), 10)
		out = append(out, c.Op.Char())
	}
	return out
}

// ValueKind discriminates the variants of TypedValue.
type ValueKind uint8

// TypedValue variants.
const (
	AbsentValue ValueKind = iota
	IntValue
	FloatValue
	StringValue
	IntSequenceValue
	FloatSequenceValue
)

func (kind ValueKind) String() string {
	switch kind {
	case AbsentValue:
		return "Absent"
	case IntValue:
		return "Int"
	case FloatValue:
		return "Float"
	case StringValue:
		return "String"
	case IntSequenceValue:
		return "IntSequence"
	case FloatSequenceValue:
		return "FloatSequence"
	default:
		return "ValueKind(" + strconv.Itoa(int(kind)) + ")"
	}
}

// A TypedValue is the value of an optional field. Only the member
// selected by Kind is meaningful. The zero TypedValue is Absent.
type TypedValue struct {
	Kind   ValueKind
	Int    int64
	Float  float64
	String string
	Ints   []int64
	Floats []float64
}

// Absent reports whether v is the missing value.
func (v TypedValue) Absent() bool { return v.Kind == AbsentValue }

// A Tag is an optional field of an alignment. Type is the SAM/BAM type
// character (one of AcCsSiIfZHB) and Subtype is the element type of B
// arrays.
type Tag struct {
	Code    [2]byte
	Type    byte
	Subtype byte
	Value   TypedValue
}

// TagCode converts a two-character string into a tag code.
func TagCode(code string) (tc [2]byte, ok bool) {
	if len(code) != 2 {
		return tc, false
	}
	tc[0], tc[1] = code[0], code[1]
	return tc, true
}

// IntTag returns an integer tag with SAM type 'i'.
func IntTag(code string, value int64) Tag {
	tc, _ := TagCode(code)
	return Tag{Code: tc, Type: 'i', Value: TypedValue{Kind: IntValue, Int: value}}
}

// FloatTag returns a single-precision float tag.
func FloatTag(code string, value float32) Tag {
	tc, _ := TagCode(code)
	return Tag{Code: tc, Type: 'f', Value: TypedValue{Kind: FloatValue, Float: float64(value)}}
}

// StringTag returns a 'Z' tag.
func StringTag(code, value string) Tag {
	tc, _ := TagCode(code)
	return Tag{Code: tc, Type: 'Z', Value: TypedValue{Kind: StringValue, String: value}}
}

// IntArrayTag returns a 'B' tag with the given integer subtype.
func IntArrayTag(code string, subtype byte, values ...int64) Tag {
	tc, _ := TagCode(code)
	return Tag{Code: tc, Type: 'B', Subtype: subtype, Value: TypedValue{Kind: IntSequenceValue, Ints: values}}
}

// FloatArrayTag returns a 'B' tag with subtype 'f'.
func FloatArrayTag(code string, values ...float64) Tag {
	tc, _ := TagCode(code)
	return Tag{Code: tc, Type: 'B', Subtype: 'f', Value: TypedValue{Kind: FloatSequenceValue, Floats: values}}
}

// An Alignment represents one SAM/BAM record. Coordinates are 0-based;
// POS and PNEXT are UnmappedPosition, and REFID and NEXTREFID are -1,
// when absent. SEQ and QUAL hold "*" when absent.
type Alignment struct {
	QNAME     string
	FLAG      uint16
	REFID     int32
	POS       int32
	MAPQ      byte
	CIGAR     []CigarOperation
	NEXTREFID int32
	PNEXT     int32
	TLEN      int32
	SEQ       string
	QUAL      string
	TAGS      []Tag

	// raw holds the BAM encoding of a record decoded from BAM, without
	// its block_size prefix. The BAM encoder writes it back verbatim,
	// so code that modifies a decoded record must reset it.
	raw []byte
}

// NewAlignment returns an unmapped, empty alignment.
func NewAlignment() *Alignment {
	return &Alignment{
		REFID:     -1,
		POS:       UnmappedPosition,
		NEXTREFID: -1,
		PNEXT:     UnmappedPosition,
		SEQ:       "*",
		QUAL:      "*",
	}
}

// IsUnmapped checks the Unmapped flag.
func (aln *Alignment) IsUnmapped() bool {
	return aln.FLAG&Unmapped != 0
}

// IsReversed checks the Reversed flag.
func (aln *Alignment) IsReversed() bool {
	return aln.FLAG&Reversed != 0
}

// Start returns the 0-based leftmost position.
func (aln *Alignment) Start() int32 {
	return aln.POS
}

// End returns the 0-based position one past the last reference base
// covered by the alignment.
func (aln *Alignment) End() int32 {
	return aln.POS + ReferenceLength(aln.CIGAR)
}

// LookupTag returns the value of the tag with the given two-character
// code, or Absent.
func (aln *Alignment) LookupTag(code string) TypedValue {
	if len(code) != 2 {
		return TypedValue{}
	}
	for i := range aln.TAGS {
		if tag := &aln.TAGS[i]; tag.Code[0] == code[0] && tag.Code[1] == code[1] {
			return tag.Value
		}
	}
	return TypedValue{}
}

// ReferenceName returns the name of the record's reference, or
// UnmappedReference.
func (aln *Alignment) ReferenceName(hdr HeaderView) string {
	if hdr != nil {
		if name, ok := hdr.ReferenceName(aln.REFID); ok {
			return name
		}
	}
	return UnmappedReference
}
