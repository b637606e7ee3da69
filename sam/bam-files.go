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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/exascience/elfilter/utils/bgzf"
)

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

// Offsets of the fixed fields of a BAM alignment record, after its
// block_size.
const (
	refIDIndex     = 0
	posIndex       = refIDIndex + 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

// maxRecordSize bounds block_size to reject corrupt input early.
const maxRecordSize = 1 << 28

const seqNibbles = "=ACMGRSVTWYHKDBN"

var (
	errTruncatedRecord = errors.New("truncated BAM alignment record")
	nibbleCodes        [256]byte
	cgTag              = [2]byte{'C', 'G'}
)

func init() {
	for i := range nibbleCodes {
		nibbleCodes[i] = 15
	}
	for i := 0; i < len(seqNibbles); i++ {
		nibbleCodes[seqNibbles[i]] = byte(i)
		nibbleCodes[seqNibbles[i]|0x20] = byte(i)
	}
}

// recordScanner reads little-endian values from a BAM record with
// bounds checks. The first error sticks.
type recordScanner struct {
	record []byte
	index  int
	err    error
}

func (sc *recordScanner) take(n int) []byte {
	if sc.err != nil {
		return nil
	}
	if n < 0 || n > len(sc.record)-sc.index {
		sc.err = errTruncatedRecord
		return nil
	}
	b := sc.record[sc.index : sc.index+n]
	sc.index += n
	return b
}

func (sc *recordScanner) u8() byte {
	if b := sc.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (sc *recordScanner) u16() uint16 {
	if b := sc.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (sc *recordScanner) u32() uint32 {
	if b := sc.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (sc *recordScanner) cstring() string {
	if sc.err != nil {
		return ""
	}
	end := bytes.IndexByte(sc.record[sc.index:], 0)
	if end < 0 {
		sc.err = errTruncatedRecord
		return ""
	}
	s := string(sc.record[sc.index : sc.index+end])
	sc.index += end + 1
	return s
}

func bamElementSize(subtype byte) int {
	switch subtype {
	case 'c', 'C', 'A':
		return 1
	case 's', 'S':
		return 2
	case 'i', 'I', 'f':
		return 4
	}
	return 0
}

func (sc *recordScanner) intElement(t byte) int64 {
	switch t {
	case 'c':
		return int64(int8(sc.u8()))
	case 'C':
		return int64(sc.u8())
	case 's':
		return int64(int16(sc.u16()))
	case 'S':
		return int64(sc.u16())
	case 'i':
		return int64(int32(sc.u32()))
	case 'I':
		return int64(sc.u32())
	}
	sc.err = fmt.Errorf("invalid BAM integer type %q", t)
	return 0
}

func (sc *recordScanner) tag() (tag Tag) {
	code := sc.take(2)
	tag.Type = sc.u8()
	if sc.err != nil {
		return
	}
	tag.Code[0], tag.Code[1] = code[0], code[1]
	switch tag.Type {
	case 'A':
		tag.Value = TypedValue{Kind: StringValue, String: string([]byte{sc.u8()})}
	case 'c', 'C', 's', 'S', 'i', 'I':
		tag.Value = TypedValue{Kind: IntValue, Int: sc.intElement(tag.Type)}
	case 'f':
		tag.Value = TypedValue{Kind: FloatValue, Float: float64(math.Float32frombits(sc.u32()))}
	case 'Z', 'H':
		tag.Value = TypedValue{Kind: StringValue, String: sc.cstring()}
	case 'B':
		tag.Subtype = sc.u8()
		count := int(sc.u32())
		size := bamElementSize(tag.Subtype)
		if size == 0 || tag.Subtype == 'A' {
			if sc.err == nil {
				sc.err = fmt.Errorf("invalid BAM array subtype %q", tag.Subtype)
			}
			return
		}
		if count > (len(sc.record)-sc.index)/size {
			sc.err = errTruncatedRecord
			return
		}
		if tag.Subtype == 'f' {
			floats := make([]float64, count)
			for i := range floats {
				floats[i] = float64(math.Float32frombits(sc.u32()))
			}
			tag.Value = TypedValue{Kind: FloatSequenceValue, Floats: floats}
		} else {
			ints := make([]int64, count)
			for i := range ints {
				ints[i] = sc.intElement(tag.Subtype)
			}
			tag.Value = TypedValue{Kind: IntSequenceValue, Ints: ints}
		}
	default:
		sc.err = fmt.Errorf("invalid BAM tag type %q", tag.Type)
	}
	return
}

func decodeCigarOp(op uint32) (CigarOperation, error) {
	c := CigarOperation{Length: op >> 4, Op: OpKind(op & 0xF)}
	if !c.Op.Valid() {
		return c, fmt.Errorf("invalid BAM CIGAR operation code %v", op&0xF)
	}
	return c, nil
}

// ParseBamAlignment decodes a BAM alignment record, without its
// block_size field. The returned alignment keeps record as its raw
// encoding, so record must not be modified afterwards. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func ParseBamAlignment(record []byte) (*Alignment, error) {
	if len(record) < readNameIndex {
		return nil, errTruncatedRecord
	}
	sc := recordScanner{record: record}
	aln := &Alignment{raw: record}
	aln.REFID = int32(sc.u32())
	aln.POS = int32(sc.u32())
	lReadName := int(sc.u8())
	aln.MAPQ = sc.u8()
	sc.u16() // bin
	nCigarOp := int(sc.u16())
	aln.FLAG = sc.u16()
	lSeq := int(int32(sc.u32()))
	aln.NEXTREFID = int32(sc.u32())
	aln.PNEXT = int32(sc.u32())
	aln.TLEN = int32(sc.u32())
	if lReadName < 1 || lSeq < 0 {
		return nil, errTruncatedRecord
	}
	name := sc.take(lReadName)
	if sc.err != nil {
		return nil, sc.err
	}
	aln.QNAME = string(name[:lReadName-1])
	if nCigarOp > 0 {
		aln.CIGAR = make([]CigarOperation, nCigarOp)
		for i := range aln.CIGAR {
			c, err := decodeCigarOp(sc.u32())
			if err != nil {
				return nil, err
			}
			aln.CIGAR[i] = c
		}
	}
	packed := sc.take((lSeq + 1) >> 1)
	qual := sc.take(lSeq)
	if sc.err != nil {
		return nil, sc.err
	}
	if lSeq == 0 {
		aln.SEQ, aln.QUAL = "*", "*"
	} else {
		seq := make([]byte, lSeq)
		for i := range seq {
			b := packed[i>>1]
			if i&1 == 0 {
				b >>= 4
			}
			seq[i] = seqNibbles[b&0xF]
		}
		aln.SEQ = string(seq)
		if qual[0] == 0xFF {
			aln.QUAL = "*"
		} else {
			q := make([]byte, lSeq)
			for i, b := range qual {
				q[i] = b + 33
			}
			aln.QUAL = string(q)
		}
	}
	for sc.index < len(record) {
		tag := sc.tag()
		if sc.err != nil {
			return nil, sc.err
		}
		if tag.Code == cgTag && tag.Type == 'B' && tag.Subtype == 'I' && isCigarPlaceholder(aln.CIGAR, lSeq) {
			cigar := make([]CigarOperation, len(tag.Value.Ints))
			for i, op := range tag.Value.Ints {
				c, err := decodeCigarOp(uint32(op))
				if err != nil {
					return nil, err
				}
				cigar[i] = c
			}
			aln.CIGAR = cigar
			continue
		}
		aln.TAGS = append(aln.TAGS, tag)
	}
	return aln, nil
}

// isCigarPlaceholder recognizes the kSmN CIGAR that stands in for a
// CIGAR with more than 65535 operations stored in a CG tag.
func isCigarPlaceholder(cigar []CigarOperation, lSeq int) bool {
	return len(cigar) == 2 && cigar[0].Op == SoftClip && int(cigar[0].Length) == lSeq && cigar[1].Op == RefSkip
}

// reg2bin computes the BAI bin of the 0-based half-open region
// [beg, end), see SAMv1 section 5.3.
func reg2bin(beg, end int32) uint16 {
	end--
	switch {
	case beg>>14 == end>>14:
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	case beg>>17 == end>>17:
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	case beg>>20 == end>>20:
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	case beg>>23 == end>>23:
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	case beg>>26 == end>>26:
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}

func (aln *Alignment) bin() uint16 {
	end := aln.POS + 1
	if !aln.IsUnmapped() {
		if length := ReferenceLength(aln.CIGAR); length > 0 {
			end = aln.POS + length
		}
	}
	return reg2bin(aln.POS, end)
}

func appendU16(out []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(out, v)
}

func appendU32(out []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(out, v)
}

func appendIntElement(out []byte, t byte, v int64) []byte {
	switch t {
	case 'c', 'C':
		return append(out, byte(v))
	case 's', 'S':
		return appendU16(out, uint16(v))
	}
	return appendU32(out, uint32(v))
}

// smallestIntType picks the narrowest BAM integer type for v.
func smallestIntType(v int64) (byte, error) {
	if v < 0 {
		switch {
		case v >= math.MinInt8:
			return 'c', nil
		case v >= math.MinInt16:
			return 's', nil
		case v >= math.MinInt32:
			return 'i', nil
		}
		return 0, fmt.Errorf("integer value %v too small for a BAM tag", v)
	}
	switch {
	case v <= math.MaxUint8:
		return 'C', nil
	case v <= math.MaxUint16:
		return 'S', nil
	case v <= math.MaxUint32:
		return 'I', nil
	}
	return 0, fmt.Errorf("integer value %v too large for a BAM tag", v)
}

// FormatBamTag appends the BAM encoding of tag to out. Single integers
// use the smallest type that holds them.
func FormatBamTag(out []byte, tag Tag) ([]byte, error) {
	v := tag.Value
	out = append(out, tag.Code[0], tag.Code[1])
	switch tag.Type {
	case 'A':
		if v.Kind != StringValue || len(v.String) != 1 {
			return out, fmt.Errorf("tag %s of type A needs a single character", tag.Code[:])
		}
		out = append(out, 'A', v.String[0])
	case 'c', 'C', 's', 'S', 'i', 'I':
		if v.Kind != IntValue {
			return out, fmt.Errorf("tag %s of type %c holds a %v value", tag.Code[:], tag.Type, v.Kind)
		}
		t, err := smallestIntType(v.Int)
		if err != nil {
			return out, err
		}
		out = appendIntElement(append(out, t), t, v.Int)
	case 'f':
		if v.Kind != FloatValue {
			return out, fmt.Errorf("tag %s of type f holds a %v value", tag.Code[:], v.Kind)
		}
		out = appendU32(append(out, 'f'), math.Float32bits(float32(v.Float)))
	case 'Z', 'H':
		if v.Kind != StringValue || strings.IndexByte(v.String, 0) >= 0 {
			return out, fmt.Errorf("tag %s of type %c needs a string without NUL", tag.Code[:], tag.Type)
		}
		out = append(out, tag.Type)
		out = append(out, v.String...)
		out = append(out, 0)
	case 'B':
		out = append(out, 'B', tag.Subtype)
		switch {
		case v.Kind == FloatSequenceValue && tag.Subtype == 'f':
			out = appendU32(out, uint32(len(v.Floats)))
			for _, f := range v.Floats {
				out = appendU32(out, math.Float32bits(float32(f)))
			}
		case v.Kind == IntSequenceValue && bamElementSize(tag.Subtype) > 0 && tag.Subtype != 'f' && tag.Subtype != 'A':
			out = appendU32(out, uint32(len(v.Ints)))
			for _, n := range v.Ints {
				out = appendIntElement(out, tag.Subtype, n)
			}
		default:
			return out, fmt.Errorf("tag %s of type B:%c holds a %v value", tag.Code[:], tag.Subtype, v.Kind)
		}
	default:
		return out, fmt.Errorf("tag %s has unknown type %q", tag.Code[:], tag.Type)
	}
	return out, nil
}

// FormatBamAlignment appends the BAM encoding of aln, including its
// block_size field, to out. Records decoded from BAM are copied
// verbatim. See http://samtools.github.io/hts-specs/SAMv1.pdf - Section
// 4.2.
func FormatBamAlignment(out []byte, aln *Alignment) ([]byte, error) {
	if aln.raw != nil {
		out = appendU32(out, uint32(len(aln.raw)))
		return append(out, aln.raw...), nil
	}
	if len(aln.QNAME) > 254 {
		return out, fmt.Errorf("read name %v longer than 254 characters", aln.QNAME)
	}
	lSeq := 0
	if aln.SEQ != "*" {
		lSeq = len(aln.SEQ)
	}
	if aln.QUAL != "*" && len(aln.QUAL) != lSeq {
		return out, fmt.Errorf("SEQ and QUAL of %v differ in length", aln.QNAME)
	}
	cigar := aln.CIGAR
	tags := aln.TAGS
	if len(cigar) > math.MaxUint16 {
		ops := make([]int64, len(cigar))
		for i, c := range cigar {
			ops[i] = int64(c.Length<<4 | uint32(c.Op))
		}
		tags = append(append([]Tag(nil), tags...), Tag{Code: cgTag, Type: 'B', Subtype: 'I', Value: TypedValue{Kind: IntSequenceValue, Ints: ops}})
		cigar = []CigarOperation{{Length: uint32(lSeq), Op: SoftClip}, {Length: uint32(ReferenceLength(cigar)), Op: RefSkip}}
	}
	start := len(out)
	out = appendU32(out, 0)
	out = appendU32(out, uint32(aln.REFID))
	out = appendU32(out, uint32(aln.POS))
	out = append(out, byte(len(aln.QNAME)+1), aln.MAPQ)
	out = appendU16(out, aln.bin())
	out = appendU16(out, uint16(len(cigar)))
	out = appendU16(out, aln.FLAG)
	out = appendU32(out, uint32(lSeq))
	out = appendU32(out, uint32(aln.NEXTREFID))
	out = appendU32(out, uint32(aln.PNEXT))
	out = appendU32(out, uint32(aln.TLEN))
	out = append(out, aln.QNAME...)
	out = append(out, 0)
	for _, c := range cigar {
		out = appendU32(out, c.Length<<4|uint32(c.Op))
	}
	for i := 0; i < lSeq; i += 2 {
		b := nibbleCodes[aln.SEQ[i]] << 4
		if i+1 < lSeq {
			b |= nibbleCodes[aln.SEQ[i+1]]
		}
		out = append(out, b)
	}
	if aln.QUAL == "*" {
		for i := 0; i < lSeq; i++ {
			out = append(out, 0xFF)
		}
	} else {
		for i := 0; i < lSeq; i++ {
			out = append(out, aln.QUAL[i]-33)
		}
	}
	var err error
	for _, tag := range tags {
		if out, err = FormatBamTag(out, tag); err != nil {
			return out, err
		}
	}
	binary.LittleEndian.PutUint32(out[start:], uint32(len(out)-start-4))
	return out, nil
}

// FormatBamHeader appends the BAM header section for hdr to out.
func FormatBamHeader(out []byte, hdr *Header) []byte {
	text := hdr.Text()
	out = append(out, bamMagic...)
	out = appendU32(out, uint32(len(text)))
	out = append(out, text...)
	out = appendU32(out, uint32(len(hdr.References)))
	for _, ref := range hdr.References {
		out = appendU32(out, uint32(len(ref.Name)+1))
		out = append(out, ref.Name...)
		out = append(out, 0)
		out = appendU32(out, uint32(ref.Length))
	}
	return out
}

type bamReader struct {
	gz     *bgzf.Reader
	in     *bufio.Reader
	header *Header
}

func newBamReader(gz *bgzf.Reader, in *bufio.Reader) *bamReader {
	return &bamReader{gz: gz, in: in}
}

func (r *bamReader) readInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.in, b[:]); err != nil {
		return 0, noEOF(err)
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func (r *bamReader) readBytes(n int32) ([]byte, error) {
	if n < 0 || n > maxRecordSize {
		return nil, fmt.Errorf("invalid length %v in BAM file", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.in, b); err != nil {
		return nil, noEOF(err)
	}
	return b, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ParseHeader parses the header section of a BAM file. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
func (r *bamReader) ParseHeader() (*Header, error) {
	magic, err := r.readBytes(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != bamMagic {
		return nil, errors.New("invalid BAM file header")
	}
	lText, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	text, err := r.readBytes(lText)
	if err != nil {
		return nil, err
	}
	if i := bytes.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	var lines []string
	for _, line := range strings.Split(string(text), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	nRef, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	if nRef < 0 {
		return nil, fmt.Errorf("invalid reference count %v in BAM file", nRef)
	}
	// n_ref is untrusted; the slice grows as references are read
	capacity := nRef
	if capacity > 1<<16 {
		capacity = 1 << 16
	}
	references := make([]Reference, 0, capacity)
	for i := int32(0); i < nRef; i++ {
		lName, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		name, err := r.readBytes(lName)
		if err != nil {
			return nil, err
		}
		if lName < 1 || name[lName-1] != 0 {
			return nil, errors.New("invalid reference name in BAM file")
		}
		length, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		references = append(references, Reference{Name: string(name[:lName-1]), Length: length})
	}
	hdr, err := NewHeader(lines, references)
	if err != nil {
		return nil, err
	}
	r.header = hdr
	return hdr, nil
}

// NextRecord returns the next alignment record without its block_size
// field.
func (r *bamReader) NextRecord() ([]byte, error) {
	var b [4]byte
	if n, err := io.ReadFull(r.in, b[:]); err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, noEOF(err)
	}
	blockSize := int32(binary.LittleEndian.Uint32(b[:]))
	if blockSize < readNameIndex {
		return nil, fmt.Errorf("invalid BAM record size %v", blockSize)
	}
	return r.readBytes(blockSize)
}

// ParseAlignment is safe for concurrent use.
func (r *bamReader) ParseAlignment(record []byte) (*Alignment, error) {
	aln, err := ParseBamAlignment(record)
	if err != nil {
		return nil, err
	}
	if aln.REFID < -1 || int(aln.REFID) >= len(r.header.References) ||
		aln.NEXTREFID < -1 || int(aln.NEXTREFID) >= len(r.header.References) {
		return nil, fmt.Errorf("reference id out of range in BAM record %v", aln.QNAME)
	}
	return aln, nil
}

func (r *bamReader) Close() error {
	return r.gz.Close()
}

type bamWriter struct {
	gz *bgzf.Writer
}

func newBamWriter(out io.Writer, level int) (*bamWriter, error) {
	gz, err := bgzf.NewWriter(out, level)
	if err != nil {
		return nil, err
	}
	return &bamWriter{gz: gz}, nil
}

func (w *bamWriter) FormatHeader(hdr *Header) error {
	_, err := w.gz.Write(FormatBamHeader(nil, hdr))
	return err
}

// FormatAlignment is safe for concurrent use.
func (w *bamWriter) FormatAlignment(aln *Alignment, out []byte) ([]byte, error) {
	return FormatBamAlignment(out, aln)
}

func (w *bamWriter) Write(p []byte) (int, error) {
	return w.gz.Write(p)
}

func (w *bamWriter) Close() error {
	return w.gz.Close()
}
