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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elfilter/utils/bgzf"
)

func readNames(t *testing.T, input *InputFile) []string {
	var names []string
	for {
		record, err := input.NextRecord()
		if err == io.EOF {
			return names
		}
		require.NoError(t, err)
		aln, err := input.ParseAlignment(record)
		require.NoError(t, err)
		names = append(names, aln.QNAME)
	}
}

func TestOutputFormat(t *testing.T) {
	assert.Equal(t, BamFormat, OutputFormat("out.bam"))
	assert.Equal(t, BamFormat, OutputFormat("/data/OUT.BAM"))
	assert.Equal(t, SamFormat, OutputFormat("out.sam"))
	assert.Equal(t, SamFormat, OutputFormat("-"))
	assert.Equal(t, SamFormat, OutputFormat("out"))
}

func TestCompressedSamInput(t *testing.T) {
	var buf bytes.Buffer
	gz, err := bgzf.NewWriter(&buf, -1)
	require.NoError(t, err)
	_, err = gz.Write([]byte(testSam))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	input, err := NewInputFile("test.sam.gz", &buf)
	require.NoError(t, err)
	assert.Equal(t, SamFormat, input.Format())
	hdr, err := input.ParseHeader()
	require.NoError(t, err)
	assert.Len(t, hdr.References, 2)
	assert.Equal(t, []string{"r1", "r2", "r3"}, readNames(t, input))
	require.NoError(t, input.Close())
}

func TestEmptyInput(t *testing.T) {
	input, err := NewInputFile("empty.sam", strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, SamFormat, input.Format())
	hdr, err := input.ParseHeader()
	require.NoError(t, err)
	assert.Empty(t, hdr.References)
	assert.Empty(t, readNames(t, input))
	require.NoError(t, input.Close())
}

func TestCramRejected(t *testing.T) {
	_, err := NewInputFile("reads", strings.NewReader("CRAM\x03\x00"))
	assert.ErrorIs(t, err, ErrCramNotSupported)

	_, err = Open(filepath.Join(t.TempDir(), "reads.cram"))
	assert.ErrorIs(t, err, ErrCramNotSupported)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "open", ioErr.Op)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.bam"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCreateAndOpen(t *testing.T) {
	dir := t.TempDir()
	bamName := filepath.Join(dir, "out.bam")
	src, err := NewInputFile("test.sam", strings.NewReader(testSam))
	require.NoError(t, err)
	hdr, err := src.ParseHeader()
	require.NoError(t, err)

	output, err := Create(bamName, "", 1)
	require.NoError(t, err)
	assert.Equal(t, BamFormat, output.Format())
	assert.Equal(t, bamName, output.Name())
	require.NoError(t, output.FormatHeader(hdr))
	for _, aln := range parseTestRecords(t, hdr) {
		out, err := output.FormatAlignment(aln, nil)
		require.NoError(t, err)
		_, err = output.Write(out)
		require.NoError(t, err)
	}
	require.NoError(t, output.Flush())
	require.NoError(t, output.Close())

	input, err := Open(bamName)
	require.NoError(t, err)
	assert.Equal(t, BamFormat, input.Format())
	_, err = input.ParseHeader()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, readNames(t, input))
	require.NoError(t, input.Close())
}

func TestCreateErrors(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "out.sam"), "cram", -1)
	assert.Error(t, err)
	_, err = NewOutputFile("out.bam", io.Discard, BamFormat, 11)
	assert.Error(t, err)
	_, err = Create(filepath.Join(t.TempDir(), "no", "such", "dir", "out.sam"), "", -1)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "create", ioErr.Op)
}

func TestTruncatedBam(t *testing.T) {
	data := writeTestBam(t)
	_, err := NewInputFile("test.bam", bytes.NewReader(data[:len(data)-len(bgzf.EOFMarker)]))
	assert.ErrorIs(t, err, bgzf.ErrMissingEOF)
}

func TestIOErrorMessage(t *testing.T) {
	err := &IOError{Op: "read", Name: "in.bam", Err: io.ErrUnexpectedEOF}
	assert.EqualError(t, err, "read in.bam: unexpected EOF")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.EqualError(t, &IOError{Op: "write", Err: io.ErrShortWrite}, "write: short write")
}
