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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/exascience/elfilter/utils/bgzf"
)

type (
	alignmentReader interface {
		ParseHeader() (*Header, error)
		AlignmentDecoder
		io.Closer
	}

	// InputFile represents a SAM or BAM file for input. It implements
	// AlignmentDecoder once its header has been parsed.
	InputFile struct {
		name   string
		format string
		file   io.Closer
		reader alignmentReader
	}
)

// Name returns the file name given to Open.
func (f *InputFile) Name() string {
	return f.name
}

// Format returns "sam" or "bam".
func (f *InputFile) Format() string {
	return f.format
}

// ParseHeader fetches the header. It must be called once, before any
// record is read.
func (f *InputFile) ParseHeader() (*Header, error) {
	hdr, err := f.reader.ParseHeader()
	if err != nil {
		return nil, &IOError{Op: "parse header", Name: f.name, Err: err}
	}
	return hdr, nil
}

// NextRecord implements AlignmentDecoder.
func (f *InputFile) NextRecord() ([]byte, error) {
	return f.reader.NextRecord()
}

// ParseAlignment implements AlignmentDecoder.
func (f *InputFile) ParseAlignment(record []byte) (*Alignment, error) {
	return f.reader.ParseAlignment(record)
}

// Close closes the SAM/BAM input file.
func (f *InputFile) Close() (err error) {
	err = f.reader.Close()
	if f.file != nil {
		if nerr := f.file.Close(); err == nil {
			err = nerr
		}
	}
	if err != nil {
		err = &IOError{Op: "close", Name: f.name, Err: err}
	}
	return err
}

type (
	alignmentWriter interface {
		FormatHeader(hdr *Header) error
		AlignmentEncoder
		io.Closer
	}

	// OutputFile represents a SAM or BAM file for output. It implements
	// AlignmentEncoder once its header has been written.
	OutputFile struct {
		name   string
		format string
		file   io.Closer
		writer alignmentWriter
	}
)

// Name returns the file name given to Create.
func (f *OutputFile) Name() string {
	return f.name
}

// Format returns "sam" or "bam".
func (f *OutputFile) Format() string {
	return f.format
}

// FormatHeader writes the header. It must be called once, before any
// record is written.
func (f *OutputFile) FormatHeader(hdr *Header) error {
	if err := f.writer.FormatHeader(hdr); err != nil {
		return &IOError{Op: "write header", Name: f.name, Err: err}
	}
	return nil
}

// FormatAlignment implements AlignmentEncoder.
func (f *OutputFile) FormatAlignment(aln *Alignment, out []byte) ([]byte, error) {
	return f.writer.FormatAlignment(aln, out)
}

// Write implements AlignmentEncoder.
func (f *OutputFile) Write(p []byte) (int, error) {
	return f.writer.Write(p)
}

// Flush pushes buffered SAM output to the file. BAM output is only
// complete after Close.
func (f *OutputFile) Flush() error {
	if flusher, ok := f.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close flushes and closes the output file.
func (f *OutputFile) Close() (err error) {
	err = f.writer.Close()
	if f.file != nil {
		if nerr := f.file.Close(); err == nil {
			err = nerr
		}
	}
	if err != nil {
		err = &IOError{Op: "close", Name: f.name, Err: err}
	}
	return err
}

// File formats and extensions.
const (
	SamFormat = "sam"
	BamFormat = "bam"

	SamExt  = ".sam"
	BamExt  = ".bam"
	cramExt = ".cram"
)

// Stdio is the file name that stands for standard input or output.
const Stdio = "-"

// ErrCramNotSupported is returned when opening a CRAM file.
var ErrCramNotSupported = errors.New("CRAM format not supported")

// Open opens a SAM or BAM file for input. The format is detected from
// the content: a gzip stream that decompresses to BAM magic is BAM,
// any other gzip stream is compressed SAM, uncompressed input is SAM.
//
// If the name is "-" or "/dev/stdin", the input is read from os.Stdin.
func Open(name string) (*InputFile, error) {
	var file *os.File
	if name == Stdio || name == "/dev/stdin" {
		file = os.Stdin
	} else if strings.EqualFold(filepath.Ext(name), cramExt) {
		return nil, &IOError{Op: "open", Name: name, Err: ErrCramNotSupported}
	} else {
		var err error
		if file, err = os.Open(name); err != nil {
			return nil, &IOError{Op: "open", Name: name, Err: err}
		}
	}
	input, err := openReader(name, file)
	if err != nil {
		if file != os.Stdin {
			_ = file.Close()
		}
		return nil, &IOError{Op: "open", Name: name, Err: err}
	}
	if file != os.Stdin {
		input.file = file
	}
	return input, nil
}

// NewInputFile returns an InputFile that reads SAM or BAM data from r.
func NewInputFile(name string, r io.Reader) (*InputFile, error) {
	input, err := openReader(name, r)
	if err != nil {
		return nil, &IOError{Op: "open", Name: name, Err: err}
	}
	return input, nil
}

func openReader(name string, r io.Reader) (*InputFile, error) {
	buf := bufio.NewReaderSize(r, 1<<20)
	isGzip, err := bgzf.IsGzip(buf)
	if err == io.EOF {
		return &InputFile{name: name, format: SamFormat, reader: newSamReader(buf)}, nil
	} else if err != nil {
		return nil, err
	}
	if !isGzip {
		if magic, _ := buf.Peek(4); bytes.Equal(magic, []byte("CRAM")) {
			return nil, ErrCramNotSupported
		}
		return &InputFile{name: name, format: SamFormat, reader: newSamReader(buf)}, nil
	}
	gz, err := bgzf.NewReader(buf)
	if err != nil {
		return nil, err
	}
	in := bufio.NewReaderSize(gz, 1<<20)
	magic, err := in.Peek(4)
	if err != nil && err != io.EOF {
		_ = gz.Close()
		return nil, err
	}
	if string(magic) == bamMagic {
		return &InputFile{name: name, format: BamFormat, reader: newBamReader(gz, in)}, nil
	}
	return &InputFile{name: name, format: SamFormat, reader: &compressedSamReader{newSamReader(in), gz}}, nil
}

// compressedSamReader reads SAM text from a BGZF stream.
type compressedSamReader struct {
	*samReader
	gz *bgzf.Reader
}

func (r *compressedSamReader) Close() error {
	return r.gz.Close()
}

// OutputFormat returns the output format for a file name: BamFormat
// for the .bam extension, SamFormat otherwise.
func OutputFormat(name string) string {
	if strings.EqualFold(filepath.Ext(name), BamExt) {
		return BamFormat
	}
	return SamFormat
}

// Create creates a SAM or BAM file for output. An empty format is
// derived from the file name with OutputFormat. The compression level
// only applies to BAM output.
//
// If the name is "-" or "/dev/stdout", the output is written to
// os.Stdout.
func Create(name, format string, level int) (*OutputFile, error) {
	if format == "" {
		format = OutputFormat(name)
	}
	if format != SamFormat && format != BamFormat {
		return nil, &IOError{Op: "create", Name: name, Err: fmt.Errorf("unknown output format %v", format)}
	}
	var file *os.File
	if name == Stdio || name == "/dev/stdout" {
		file = os.Stdout
	} else {
		var err error
		if file, err = os.Create(name); err != nil {
			return nil, &IOError{Op: "create", Name: name, Err: err}
		}
	}
	output, err := NewOutputFile(name, file, format, level)
	if err != nil {
		if file != os.Stdout {
			_ = file.Close()
		}
		return nil, err
	}
	if file != os.Stdout {
		output.file = file
	}
	return output, nil
}

// NewOutputFile returns an OutputFile that writes SAM or BAM data to w.
// Closing it does not close w.
func NewOutputFile(name string, w io.Writer, format string, level int) (*OutputFile, error) {
	switch format {
	case SamFormat:
		return &OutputFile{name: name, format: format, writer: newSamWriter(w)}, nil
	case BamFormat:
		writer, err := newBamWriter(w, level)
		if err != nil {
			return nil, &IOError{Op: "create", Name: name, Err: err}
		}
		return &OutputFile{name: name, format: format, writer: writer}, nil
	}
	return nil, &IOError{Op: "create", Name: name, Err: fmt.Errorf("unknown output format %v", format)}
}

// IOError reports a failure to read or write alignment data.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	if e.Name == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Name + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}
