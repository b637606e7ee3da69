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
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseSamAlignment parses one SAM alignment line, without its
// newline. Reference names are resolved against hdr.
func ParseSamAlignment(line string, hdr *Header) (*Alignment, error) {
	var sc StringScanner
	sc.Reset(line)
	aln := &Alignment{}
	aln.QNAME = sc.readField("QNAME")
	aln.FLAG = uint16(sc.readUint("FLAG", 16))
	rname := sc.readField("RNAME")
	aln.POS = sc.readInt32("POS") - 1
	aln.MAPQ = byte(sc.readUint("MAPQ", 8))
	cigar := sc.readField("CIGAR")
	rnext := sc.readField("RNEXT")
	aln.PNEXT = sc.readInt32("PNEXT") - 1
	aln.TLEN = sc.readInt32("TLEN")
	aln.SEQ = sc.readField("SEQ")
	aln.QUAL, _ = sc.readUntil('\t')
	for sc.Len() > 0 {
		aln.TAGS = append(aln.TAGS, sc.readTag())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	var err error
	if aln.REFID, err = resolveReference(hdr, rname); err != nil {
		return nil, err
	}
	if rnext == "=" {
		aln.NEXTREFID = aln.REFID
	} else if aln.NEXTREFID, err = resolveReference(hdr, rnext); err != nil {
		return nil, err
	}
	if aln.CIGAR, err = ParseCigar(cigar); err != nil {
		return nil, err
	}
	if aln.SEQ != "*" && aln.QUAL != "*" && len(aln.SEQ) != len(aln.QUAL) {
		return nil, fmt.Errorf("SEQ and QUAL of %v differ in length", aln.QNAME)
	}
	return aln, nil
}

func resolveReference(hdr *Header, name string) (int32, error) {
	if name == "*" {
		return -1, nil
	}
	if hdr != nil {
		if id, ok := hdr.ReferenceID(name); ok {
			return id, nil
		}
	}
	return -1, fmt.Errorf("reference %v missing from header", name)
}

// FormatSamTag appends the SAM text form of tag, including the leading
// tab, to out.
func FormatSamTag(out []byte, tag Tag) ([]byte, error) {
	out = append(out, '\t', tag.Code[0], tag.Code[1], ':')
	v := tag.Value
	switch tag.Type {
	case 'A', 'Z', 'H':
		if v.Kind != StringValue {
			return out, fmt.Errorf("tag %s of type %c holds a %v value", tag.Code[:], tag.Type, v.Kind)
		}
		out = append(out, tag.Type, ':')
		out = append(out, v.String...)
	case 'c', 'C', 's', 'S', 'i', 'I':
		if v.Kind != IntValue {
			return out, fmt.Errorf("tag %s of type %c holds a %v value", tag.Code[:], tag.Type, v.Kind)
		}
		out = append(out, 'i', ':')
		out = strconv.AppendInt(out, v.Int, 10)
	case 'f':
		if v.Kind != FloatValue {
			return out, fmt.Errorf("tag %s of type f holds a %v value", tag.Code[:], v.Kind)
		}
		out = append(out, 'f', ':')
		out = strconv.AppendFloat(out, v.Float, 'g', -1, 32)
	case 'B':
		out = append(out, 'B', ':', tag.Subtype)
		switch {
		case v.Kind == IntSequenceValue && tag.Subtype != 'f':
			for _, n := range v.Ints {
				out = append(out, ',')
				out = strconv.AppendInt(out, n, 10)
			}
		case v.Kind == FloatSequenceValue && tag.Subtype == 'f':
			for _, f := range v.Floats {
				out = append(out, ',')
				out = strconv.AppendFloat(out, f, 'g', -1, 32)
			}
		default:
			return out, fmt.Errorf("tag %s of type B:%c holds a %v value", tag.Code[:], tag.Subtype, v.Kind)
		}
	default:
		return out, fmt.Errorf("tag %s has unknown type %q", tag.Code[:], tag.Type)
	}
	return out, nil
}

func formatReference(out []byte, hdr *Header, refID int32) []byte {
	if name, ok := hdr.ReferenceName(refID); ok {
		return append(out, name...)
	}
	return append(out, '*')
}

// FormatSamAlignment appends the SAM text line of aln, including its
// newline, to out.
func FormatSamAlignment(out []byte, aln *Alignment, hdr *Header) ([]byte, error) {
	out = append(out, aln.QNAME...)
	out = append(out, '\t')
	out = strconv.AppendUint(out, uint64(aln.FLAG), 10)
	out = append(out, '\t')
	out = formatReference(out, hdr, aln.REFID)
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(aln.POS)+1, 10)
	out = append(out, '\t')
	out = strconv.AppendUint(out, uint64(aln.MAPQ), 10)
	out = append(out, '\t')
	out = FormatCigar(out, aln.CIGAR)
	out = append(out, '\t')
	if aln.NEXTREFID >= 0 && aln.NEXTREFID == aln.REFID {
		out = append(out, '=')
	} else {
		out = formatReference(out, hdr, aln.NEXTREFID)
	}
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(aln.PNEXT)+1, 10)
	out = append(out, '\t')
	out = strconv.AppendInt(out, int64(aln.TLEN), 10)
	out = append(out, '\t')
	out = append(out, aln.SEQ...)
	out = append(out, '\t')
	out = append(out, aln.QUAL...)
	var err error
	for _, tag := range aln.TAGS {
		if out, err = FormatSamTag(out, tag); err != nil {
			return out, err
		}
	}
	return append(out, '\n'), nil
}

type samReader struct {
	in     *bufio.Reader
	header *Header
}

func newSamReader(in *bufio.Reader) *samReader {
	return &samReader{in: in}
}

// ParseHeader reads all lines that start with '@'.
func (r *samReader) ParseHeader() (*Header, error) {
	var lines []string
	for {
		b, err := r.in.Peek(1)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if b[0] != '@' {
			break
		}
		line, err := r.in.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
		if err == io.EOF {
			break
		}
	}
	hdr, err := NewHeader(lines, nil)
	if err != nil {
		return nil, err
	}
	r.header = hdr
	return hdr, nil
}

// NextRecord returns the next non-empty line without its line
// terminator.
func (r *samReader) NextRecord() ([]byte, error) {
	for {
		line, err := r.in.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			return line, nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
	}
}

// ParseAlignment parses a line returned by NextRecord. It is safe for
// concurrent use once the header has been parsed.
func (r *samReader) ParseAlignment(record []byte) (*Alignment, error) {
	return ParseSamAlignment(string(record), r.header)
}

func (r *samReader) Close() error {
	return nil
}

type samWriter struct {
	out    *bufio.Writer
	header *Header
}

func newSamWriter(out io.Writer) *samWriter {
	return &samWriter{out: bufio.NewWriterSize(out, 1<<20)}
}

func (w *samWriter) FormatHeader(hdr *Header) error {
	w.header = hdr
	_, err := w.out.WriteString(hdr.Text())
	return err
}

// FormatAlignment is safe for concurrent use once the header has been
// written.
func (w *samWriter) FormatAlignment(aln *Alignment, out []byte) ([]byte, error) {
	return FormatSamAlignment(out, aln, w.header)
}

func (w *samWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

func (w *samWriter) Flush() error {
	return w.out.Flush()
}

func (w *samWriter) Close() error {
	return w.out.Flush()
}
