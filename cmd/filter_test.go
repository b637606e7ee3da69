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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/elfilter/filters"
	"github.com/exascience/elfilter/sam"
)

const testSam = "@HD\tVN:1.6\tSO:coordinate\n" +
	"@SQ\tSN:chr1\tLN:1000\n" +
	"@PG\tID:bwa\tPN:bwa\n" +
	"r1\t99\tchr1\t100\t60\t10M\t=\t200\t110\tACGTACGTAC\tIIIIIIIIII\tNM:i:0\n" +
	"r2\t0\tchr1\t150\t10\t10M\t*\t0\t0\tACGTACGTAC\t*\tNM:i:3\n" +
	"r3\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\t!!!!\n" +
	"r4\t16\tchr1\t500\t25\t4M1D4M\t*\t0\t0\tACGTACGT\t*\tNM:i:1\n"

func writeInput(t *testing.T) (dir, input string) {
	dir = t.TempDir()
	input = filepath.Join(dir, "input.sam")
	require.NoError(t, os.WriteFile(input, []byte(testSam), 0o600))
	return dir, input
}

func recordNames(t *testing.T, filename string) (header *sam.Header, names []string) {
	in, err := sam.Open(filename)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, in.Close())
	}()
	header, err = in.ParseHeader()
	require.NoError(t, err)
	for {
		record, err := in.NextRecord()
		if err == io.EOF {
			return header, names
		}
		require.NoError(t, err)
		aln, err := in.ParseAlignment(record)
		require.NoError(t, err)
		names = append(names, aln.QNAME)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(&ConfigError{Problems: []string{"missing input file"}}))
	assert.Equal(t, ExitCompile, ExitCode(&filters.CompileError{Err: errors.New("syntax")}))
	assert.Equal(t, ExitRuntime, ExitCode(&sam.StageError{Stage: sam.FilterStage, Err: &filters.RuntimeError{QNAME: "r1", Err: errors.New("boom")}}))
	assert.Equal(t, ExitIO, ExitCode(&sam.StageError{Stage: sam.DecodeStage, Err: &sam.IOError{Op: "read", Err: io.ErrUnexpectedEOF}}))
	assert.Equal(t, ExitIO, ExitCode(fmt.Errorf("open: %w", os.ErrNotExist)))
	assert.Equal(t, ExitInterrupted, ExitCode(&sam.StageError{Stage: sam.DecodeStage, Err: context.Canceled}))
	assert.Equal(t, ExitInterrupted, ExitCode(context.Canceled))
	assert.Equal(t, ExitRuntime, ExitCode(&sam.StageError{Stage: sam.FilterStage, Err: filters.ErrEngineBusy}))
}

func TestParseFilterFlags(t *testing.T) {
	dir, input := writeInput(t)
	output := filepath.Join(dir, "out", "output.bam")
	opts, err := parseFilterFlags([]string{"-e", "aln.mapq >= 20", input, "--output", output, "-t", "4", "--skip-on-error"})
	require.NoError(t, err)
	assert.Equal(t, input, opts.input)
	assert.Equal(t, output, opts.output)
	assert.Equal(t, "aln.mapq >= 20", opts.script)
	assert.Equal(t, 4, opts.threads)
	assert.Equal(t, 1, opts.encodeThreads)
	assert.Equal(t, -1, opts.compressionLevel)
	assert.Equal(t, sam.DefaultQueueCapacity, opts.queueSize)
	assert.True(t, opts.skipOnError)
	assert.Equal(t, `elfilter filter --expr "aln.mapq >= 20" --output `+output+` --threads 4 --skip-on-error `+input, opts.command)
	_, err = os.Stat(output)
	assert.True(t, os.IsNotExist(err))

	script := filepath.Join(dir, "filter.js")
	require.NoError(t, os.WriteFile(script, []byte("return aln.flag === 0;\n"), 0o600))
	opts, err = parseFilterFlags([]string{input, "--script-file", script, "-o", "-", "--output-type", "BAM", "--queue-size", "16", "--profile", "prof"})
	require.NoError(t, err)
	assert.Equal(t, "return aln.flag === 0;\n", opts.script)
	assert.Equal(t, "bam", opts.outputType)
	assert.Equal(t, 16, opts.queueSize)
	assert.True(t, filepath.IsAbs(opts.profile))
	assert.Equal(t, "prof", filepath.Base(opts.profile))

	_, err = parseFilterFlags([]string{"--help"})
	assert.Equal(t, flag.ErrHelp, err)
}

func TestParseFilterFlagsErrors(t *testing.T) {
	dir, input := writeInput(t)
	output := filepath.Join(dir, "output.sam")
	for _, args := range [][]string{
		{"-e", "true", "-o", output},
		{"-e", "true", "-o", output, input, input},
		{"-e", "true", "-o", output, filepath.Join(dir, "missing.sam")},
		{"-e", "true", input},
		{"-o", output, input},
		{"-e", "true", "--script-file", input, "-o", output, input},
		{"-e", "true", "-o", output, "--output-type", "cram", input},
		{"-e", "true", "-o", output, "--compression-level", "12", input},
		{"-e", "true", "-o", output, "--queue-size", "0", input},
		{"-e", "true", "-o", output, "--encode-threads", "0", input},
		{"-e", "true", "-o", output, "--no-such-flag", input},
		{"-e", "true", "-o", output, "--script-file", filepath.Join(dir, "missing.js"), input},
	} {
		_, err := parseFilterFlags(args)
		var configError *ConfigError
		assert.ErrorAs(t, err, &configError, "%v", args)
		assert.Equal(t, ExitConfig, ExitCode(err))
	}
}

func TestFilterSam(t *testing.T) {
	dir, input := writeInput(t)
	output := filepath.Join(dir, "output.sam")
	require.NoError(t, Filter([]string{"-e", "aln.mapq >= 20", input, "-o", output}))
	header, names := recordNames(t, output)
	assert.Equal(t, []string{"r1", "r4"}, names)
	last := header.Lines[len(header.Lines)-1]
	assert.True(t, strings.HasPrefix(last, "@PG\tID:elfilter\tPN:elfilter\tPP:bwa\tVN:"), last)
	assert.Equal(t, []sam.Reference{{Name: "chr1", Length: 1000}}, header.References)
}

func TestFilterBam(t *testing.T) {
	dir, input := writeInput(t)
	bam := filepath.Join(dir, "output.bam")
	require.NoError(t, Filter([]string{"--expr", `!hasFlag(aln.flag, 4) && aln.aux("NM") <= 2`, "--no-pg", "-o", bam, "--encode-threads", "2", input}))
	header, names := recordNames(t, bam)
	assert.Equal(t, []string{"r1", "r4"}, names)
	assert.Len(t, header.Lines, 3)

	// filter the BAM output again, writing SAM
	output := filepath.Join(dir, "output.sam")
	require.NoError(t, Filter([]string{"-e", "aln.chrom === 'chr1' && aln.end > 500", "-o", output, bam, "--output-type", "sam", "-t", "1"}))
	_, names = recordNames(t, output)
	assert.Equal(t, []string{"r4"}, names)
}

func TestFilterErrors(t *testing.T) {
	dir, input := writeInput(t)
	output := filepath.Join(dir, "output.sam")

	err := Filter([]string{"-e", "aln.mapq >", "-o", output, input})
	assert.Equal(t, ExitCompile, ExitCode(err))

	err = Filter([]string{"-e", `if (aln.qname === "r3") throw new Error("boom"); true`, "-o", output, input})
	assert.Equal(t, ExitRuntime, ExitCode(err))
	var stageError *sam.StageError
	require.ErrorAs(t, err, &stageError)
	assert.Equal(t, sam.FilterStage, stageError.Stage)

	require.NoError(t, Filter([]string{"-e", `if (aln.qname === "r3") throw new Error("boom"); true`, "--skip-on-error", "-o", output, input}))
	_, names := recordNames(t, output)
	assert.Equal(t, []string{"r1", "r2", "r4"}, names)

	garbage := filepath.Join(dir, "garbage.bam")
	require.NoError(t, os.WriteFile(garbage, []byte("\x1f\x8bnot really gzip"), 0o600))
	err = Filter([]string{"-e", "true", "-o", output, garbage})
	assert.Equal(t, ExitIO, ExitCode(err))

	err = Filter([]string{"-o", output, input})
	assert.Equal(t, ExitConfig, ExitCode(err))

	assert.NoError(t, Filter([]string{"--help"}))
}
