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
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDecoder serves numbered records. Every seventh record takes
// longer to parse, so parsing completes out of order.
type memoryDecoder struct {
	n         int
	fetched   int
	readErr   int
	parseErr  int
	parsing   atomic.Int32
	maxActive atomic.Int32
}

func (d *memoryDecoder) NextRecord() ([]byte, error) {
	if d.readErr > 0 && d.fetched == d.readErr {
		return nil, errors.New("device error")
	}
	if d.fetched == d.n {
		return nil, io.EOF
	}
	d.fetched++
	return []byte(strconv.Itoa(d.fetched - 1)), nil
}

func (d *memoryDecoder) ParseAlignment(record []byte) (*Alignment, error) {
	active := d.parsing.Add(1)
	defer d.parsing.Add(-1)
	for {
		peak := d.maxActive.Load()
		if active <= peak || d.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}
	i, err := strconv.Atoi(string(record))
	if err != nil {
		return nil, err
	}
	if d.parseErr > 0 && i == d.parseErr {
		return nil, errors.New("malformed record")
	}
	if i%7 == 0 {
		x := 0
		for j := 0; j < 20000; j++ {
			x += j
		}
		_ = x
	}
	aln := NewAlignment()
	aln.QNAME = strconv.Itoa(i)
	aln.MAPQ = byte(i % 61)
	return aln, nil
}

type memoryEncoder struct {
	mu       sync.Mutex
	names    []string
	writeErr int
	flushes  int
}

func (e *memoryEncoder) FormatAlignment(aln *Alignment, out []byte) ([]byte, error) {
	if aln.QNAME == "bad" {
		return out, errors.New("unformattable")
	}
	return append(out, aln.QNAME...), nil
}

func (e *memoryEncoder) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr > 0 && len(e.names) == e.writeErr {
		return 0, errors.New("disk full")
	}
	e.names = append(e.names, string(p))
	return len(p), nil
}

func (e *memoryEncoder) Flush() error {
	e.flushes++
	return nil
}

func keepMapq(min byte) AlignmentFilter {
	return func(aln *Alignment) (bool, error) {
		return aln.MAPQ >= min, nil
	}
}

func TestRunFilterPipelineOrder(t *testing.T) {
	const n = 10000
	var expected []string
	for i := 0; i < n; i++ {
		if i%61 >= 20 {
			expected = append(expected, strconv.Itoa(i))
		}
	}
	for _, decoders := range []int{1, 2, 8} {
		for _, encoders := range []int{1, 4} {
			for _, capacity := range []int{1, 16, 0} {
				t.Run(fmt.Sprintf("d%v-e%v-q%v", decoders, encoders, capacity), func(t *testing.T) {
					input := &memoryDecoder{n: n}
					output := &memoryEncoder{}
					stats, err := RunFilterPipeline(context.Background(), input, output, keepMapq(20), PipelineConfig{
						DecodeWorkers: decoders,
						EncodeWorkers: encoders,
						QueueCapacity: capacity,
						Quiet:         true,
					})
					require.NoError(t, err)
					assert.Equal(t, expected, output.names)
					assert.Equal(t, PipelineStats{Read: n, Accepted: int64(len(expected)), Rejected: int64(n - len(expected))}, stats)
					assert.Equal(t, 1, output.flushes)
					assert.LessOrEqual(t, input.maxActive.Load(), int32(decoders))
				})
			}
		}
	}
}

func TestRunFilterPipelineFilterSequential(t *testing.T) {
	const n = 5000
	var (
		calls  atomic.Int32
		next   int
		failed bool
	)
	seen := bitset.New(n)
	filter := func(aln *Alignment) (bool, error) {
		if calls.Add(1) != 1 {
			failed = true
		}
		defer calls.Add(-1)
		i, _ := strconv.Atoi(aln.QNAME)
		if i != next {
			failed = true
		}
		next++
		seen.Set(uint(i))
		return i%2 == 0, nil
	}
	output := &memoryEncoder{}
	stats, err := RunFilterPipeline(context.Background(), &memoryDecoder{n: n}, output, filter, PipelineConfig{DecodeWorkers: 8, QueueCapacity: 64, Quiet: true})
	require.NoError(t, err)
	assert.False(t, failed)
	assert.True(t, seen.All())
	assert.Equal(t, int64(n/2), stats.Accepted)
	assert.Len(t, output.names, n/2)
}

func TestRunFilterPipelineEmpty(t *testing.T) {
	output := &memoryEncoder{}
	stats, err := RunFilterPipeline(context.Background(), &memoryDecoder{}, output, keepMapq(0), PipelineConfig{Quiet: true})
	require.NoError(t, err)
	assert.Equal(t, PipelineStats{}, stats)
	assert.Empty(t, output.names)
	assert.Equal(t, 1, output.flushes)
	assert.Equal(t, 0.0, stats.PassRate())
}

func requireStageError(t *testing.T, err error, stage Stage) *StageError {
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, stage, stageErr.Stage)
	return stageErr
}

func TestRunFilterPipelineReadError(t *testing.T) {
	_, err := RunFilterPipeline(context.Background(), &memoryDecoder{n: 100, readErr: 50}, &memoryEncoder{}, keepMapq(0), PipelineConfig{DecodeWorkers: 4, Quiet: true})
	stageErr := requireStageError(t, err, DecodeStage)
	var ioErr *IOError
	require.ErrorAs(t, stageErr, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.EqualError(t, err, "decode stage: read: device error")
}

func TestRunFilterPipelineParseError(t *testing.T) {
	for _, encoders := range []int{1, 4} {
		output := &memoryEncoder{}
		_, err := RunFilterPipeline(context.Background(), &memoryDecoder{n: 1000, parseErr: 500}, output, keepMapq(0), PipelineConfig{DecodeWorkers: 4, EncodeWorkers: encoders, QueueCapacity: 8, Quiet: true})
		requireStageError(t, err, DecodeStage)
		assert.EqualError(t, err, "decode stage: parse: malformed record, in record 501")
		assert.LessOrEqual(t, len(output.names), 500)
		for i, name := range output.names {
			assert.Equal(t, strconv.Itoa(i), name)
		}
	}
}

func TestRunFilterPipelineFilterError(t *testing.T) {
	failure := errors.New("script failure")
	filter := func(aln *Alignment) (bool, error) {
		if aln.QNAME == "42" {
			return false, failure
		}
		return true, nil
	}
	output := &memoryEncoder{}
	stats, err := RunFilterPipeline(context.Background(), &memoryDecoder{n: 1000}, output, filter, PipelineConfig{DecodeWorkers: 4, QueueCapacity: 8, Quiet: true})
	requireStageError(t, err, FilterStage)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, int64(43), stats.Read)
	assert.Equal(t, int64(42), stats.Accepted)
	assert.LessOrEqual(t, len(output.names), 42)
}

func TestRunFilterPipelineEncodeErrors(t *testing.T) {
	for _, encoders := range []int{1, 4} {
		_, err := RunFilterPipeline(context.Background(), &memoryDecoder{n: 1000}, &memoryEncoder{writeErr: 10}, keepMapq(0), PipelineConfig{EncodeWorkers: encoders, Quiet: true})
		requireStageError(t, err, EncodeStage)
		assert.EqualError(t, err, "encode stage: write: disk full")

		rename := func(aln *Alignment) (bool, error) {
			if aln.QNAME == "17" {
				aln.QNAME = "bad"
			}
			return true, nil
		}
		_, err = RunFilterPipeline(context.Background(), &memoryDecoder{n: 1000}, &memoryEncoder{}, rename, PipelineConfig{EncodeWorkers: encoders, Quiet: true})
		requireStageError(t, err, EncodeStage)
		assert.EqualError(t, err, "encode stage: format: unformattable, in record bad")
	}
}

func TestRunFilterPipelineCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	filter := func(aln *Alignment) (bool, error) {
		if aln.QNAME == "100" {
			cancel()
		}
		return true, nil
	}
	_, err := RunFilterPipeline(ctx, &memoryDecoder{n: 1 << 20}, &memoryEncoder{}, filter, PipelineConfig{DecodeWorkers: 2, QueueCapacity: 4, Quiet: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunFilterPipelineFiles(t *testing.T) {
	input, err := NewInputFile("test.bam", bytes.NewReader(writeTestBam(t)))
	require.NoError(t, err)
	hdr, err := input.ParseHeader()
	require.NoError(t, err)
	var buf bytes.Buffer
	output, err := NewOutputFile("out.sam", &buf, SamFormat, -1)
	require.NoError(t, err)
	require.NoError(t, output.FormatHeader(hdr))
	mapped := func(aln *Alignment) (bool, error) {
		return !aln.IsUnmapped(), nil
	}
	stats, err := RunFilterPipeline(context.Background(), input, output, mapped, PipelineConfig{DecodeWorkers: 2, Quiet: true})
	require.NoError(t, err)
	require.NoError(t, output.Close())
	require.NoError(t, input.Close())
	assert.Equal(t, PipelineStats{Read: 3, Accepted: 2, Rejected: 1}, stats)
	header, records := testSamLines()
	expected := ""
	for _, line := range append(header, records[:2]...) {
		expected += line + "\n"
	}
	assert.Equal(t, expected, buf.String())
}
