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
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/exascience/elfilter/internal"
)

type (
	// An AlignmentDecoder produces raw records and parses them.
	// NextRecord returns io.EOF after the last record and is never
	// called concurrently. ParseAlignment must be safe for concurrent
	// use.
	AlignmentDecoder interface {
		NextRecord() ([]byte, error)
		ParseAlignment(record []byte) (*Alignment, error)
	}

	// An AlignmentEncoder formats alignments and writes the results.
	// FormatAlignment appends to out and must be safe for concurrent
	// use. Write is never called concurrently. An encoder that also
	// has a Flush() error method is flushed after the last write.
	AlignmentEncoder interface {
		FormatAlignment(aln *Alignment, out []byte) ([]byte, error)
		Write(p []byte) (int, error)
	}

	// An AlignmentFilter returns true if the alignment should be kept,
	// and false if it should be removed. It is only ever called from a
	// single goroutine, in input order.
	AlignmentFilter func(aln *Alignment) (bool, error)
)

// Stage identifies the part of the filter pipeline that failed.
type Stage int

// Pipeline stages.
const (
	DecodeStage Stage = iota
	FilterStage
	EncodeStage
)

func (stage Stage) String() string {
	switch stage {
	case DecodeStage:
		return "decode"
	case FilterStage:
		return "filter"
	case EncodeStage:
		return "encode"
	}
	return fmt.Sprintf("Stage(%d)", int(stage))
}

// StageError wraps the first error of a pipeline run with the stage
// in which it occurred.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage.String() + " stage: " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PipelineConfig controls the parallelism and buffering of
// RunFilterPipeline. Zero values select the defaults.
type PipelineConfig struct {
	// DecodeWorkers parse records concurrently; default GOMAXPROCS.
	DecodeWorkers int

	// EncodeWorkers format records concurrently; default 1.
	EncodeWorkers int

	// QueueCapacity bounds the number of records between fetching and
	// filtering, and between filtering and writing; default
	// DefaultQueueCapacity.
	QueueCapacity int

	// Quiet suppresses progress messages.
	Quiet bool
}

// DefaultQueueCapacity is the default reorder window.
const DefaultQueueCapacity = 4096

func (config PipelineConfig) withDefaults() PipelineConfig {
	if config.DecodeWorkers <= 0 {
		config.DecodeWorkers = runtime.GOMAXPROCS(0)
	}
	if config.EncodeWorkers <= 0 {
		config.EncodeWorkers = 1
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	return config
}

// PipelineStats counts the records seen by the filter stage.
type PipelineStats struct {
	Read, Accepted, Rejected int64
}

// PassRate returns the percentage of accepted records.
func (stats PipelineStats) PassRate() float64 {
	if stats.Read == 0 {
		return 0
	}
	return float64(stats.Accepted) * 100 / float64(stats.Read)
}

func reportProgress(stats PipelineStats) {
	switch n := stats.Read; {
	case n == 10000, n == 100000, n == 1000000, n%5000000 == 0:
		log.Printf("Processed %v records, %.2f%% passed the filter", n, stats.PassRate())
	}
}

type sequenced struct {
	seq int64
	aln *Alignment
}

type formatted struct {
	seq   int64
	bytes []byte
}

// RunFilterPipeline reads all records from input, passes them in input
// order through filter, and writes the accepted ones to output in the
// same order.
//
// Records are parsed by several decode workers and may complete out of
// order; a reorder buffer restores the input order before the filter
// stage. At most config.QueueCapacity records are in flight between
// fetching and filtering, so a slow filter blocks the decoders. The
// first error of any stage cancels the run and is returned as a
// *StageError; output already written is not retracted.
func RunFilterPipeline(ctx context.Context, input AlignmentDecoder, output AlignmentEncoder, filter AlignmentFilter, config PipelineConfig) (stats PipelineStats, err error) {
	config = config.withDefaults()
	g, ctx := errgroup.WithContext(ctx)
	cancelled := func(stage Stage) error {
		return &StageError{Stage: stage, Err: ctx.Err()}
	}

	window := make(chan struct{}, config.QueueCapacity)
	decoded := make(chan sequenced, config.QueueCapacity)
	accepted := make(chan sequenced, config.QueueCapacity)

	var (
		fetch   sync.Mutex
		nextSeq int64
		done    bool
	)
	// next fetches the next raw record under the fetch lock and assigns
	// its sequence number.
	next := func() (record []byte, seq int64, ok bool, err error) {
		fetch.Lock()
		defer fetch.Unlock()
		if done {
			return nil, 0, false, nil
		}
		record, err = input.NextRecord()
		if err == io.EOF {
			done = true
			return nil, 0, false, nil
		} else if err != nil {
			done = true
			return nil, 0, false, err
		}
		seq = nextSeq
		nextSeq++
		return record, seq, true, nil
	}

	var decoders sync.WaitGroup
	decoders.Add(config.DecodeWorkers)
	for i := 0; i < config.DecodeWorkers; i++ {
		g.Go(func() error {
			defer decoders.Done()
			for {
				select {
				case window <- struct{}{}:
				case <-ctx.Done():
					return cancelled(DecodeStage)
				}
				record, seq, ok, err := next()
				if err != nil {
					return &StageError{Stage: DecodeStage, Err: &IOError{Op: "read", Err: err}}
				}
				if !ok {
					<-window
					return nil
				}
				aln, err := input.ParseAlignment(record)
				if err != nil {
					return &StageError{Stage: DecodeStage, Err: &IOError{Op: "parse", Err: fmt.Errorf("%w, in record %v", err, seq+1)}}
				}
				select {
				case decoded <- sequenced{seq: seq, aln: aln}:
				case <-ctx.Done():
					return cancelled(DecodeStage)
				}
			}
		})
	}
	g.Go(func() error {
		decoders.Wait()
		close(decoded)
		return nil
	})

	g.Go(func() error {
		defer close(accepted)
		pending := make(map[int64]*Alignment, config.QueueCapacity)
		var next, out int64
		for {
			select {
			case record, ok := <-decoded:
				if !ok {
					return nil
				}
				pending[record.seq] = record.aln
			case <-ctx.Done():
				return cancelled(FilterStage)
			}
			for {
				aln, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				<-window
				keep, err := filter(aln)
				stats.Read++
				if err != nil {
					return &StageError{Stage: FilterStage, Err: err}
				}
				if keep {
					stats.Accepted++
					select {
					case accepted <- sequenced{seq: out, aln: aln}:
						out++
					case <-ctx.Done():
						return cancelled(FilterStage)
					}
				} else {
					stats.Rejected++
				}
				if !config.Quiet {
					reportProgress(stats)
				}
			}
		}
	})

	if config.EncodeWorkers == 1 {
		g.Go(func() error {
			return encodeInOrder(ctx, output, accepted)
		})
	} else {
		encodeConcurrently(ctx, g, output, accepted, config)
	}

	err = g.Wait()
	return stats, err
}

func flushEncoder(output AlignmentEncoder) error {
	if flusher, ok := output.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return &StageError{Stage: EncodeStage, Err: &IOError{Op: "flush", Err: err}}
		}
	}
	return nil
}

func encodeInOrder(ctx context.Context, output AlignmentEncoder, accepted <-chan sequenced) error {
	buf := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(buf) }()
	for {
		select {
		case record, ok := <-accepted:
			if !ok {
				return flushEncoder(output)
			}
			var err error
			if buf, err = output.FormatAlignment(record.aln, buf[:0]); err != nil {
				return &StageError{Stage: EncodeStage, Err: &IOError{Op: "format", Err: fmt.Errorf("%w, in record %v", err, record.aln.QNAME)}}
			}
			if _, err = output.Write(buf); err != nil {
				return &StageError{Stage: EncodeStage, Err: &IOError{Op: "write", Err: err}}
			}
		case <-ctx.Done():
			return &StageError{Stage: EncodeStage, Err: ctx.Err()}
		}
	}
}

// encodeConcurrently formats with several workers. A writer goroutine
// puts the formatted records back in order, bounded by its own window.
func encodeConcurrently(ctx context.Context, g *errgroup.Group, output AlignmentEncoder, accepted <-chan sequenced, config PipelineConfig) {
	window := make(chan struct{}, config.QueueCapacity)
	results := make(chan formatted, config.QueueCapacity)
	var workers sync.WaitGroup
	workers.Add(config.EncodeWorkers)
	for i := 0; i < config.EncodeWorkers; i++ {
		g.Go(func() error {
			defer workers.Done()
			for {
				select {
				case window <- struct{}{}:
				case <-ctx.Done():
					return &StageError{Stage: EncodeStage, Err: ctx.Err()}
				}
				var record sequenced
				var ok bool
				select {
				case record, ok = <-accepted:
				case <-ctx.Done():
					return &StageError{Stage: EncodeStage, Err: ctx.Err()}
				}
				if !ok {
					<-window
					return nil
				}
				buf, err := output.FormatAlignment(record.aln, internal.ReserveByteBuffer())
				if err != nil {
					return &StageError{Stage: EncodeStage, Err: &IOError{Op: "format", Err: fmt.Errorf("%w, in record %v", err, record.aln.QNAME)}}
				}
				select {
				case results <- formatted{seq: record.seq, bytes: buf}:
				case <-ctx.Done():
					return &StageError{Stage: EncodeStage, Err: ctx.Err()}
				}
			}
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})
	g.Go(func() error {
		pending := make(map[int64][]byte, config.QueueCapacity)
		var next int64
		for {
			select {
			case result, ok := <-results:
				if !ok {
					return flushEncoder(output)
				}
				pending[result.seq] = result.bytes
			case <-ctx.Done():
				return &StageError{Stage: EncodeStage, Err: ctx.Err()}
			}
			for {
				buf, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				_, err := output.Write(buf)
				internal.ReleaseByteBuffer(buf)
				<-window
				if err != nil {
					return &StageError{Stage: EncodeStage, Err: &IOError{Op: "write", Err: err}}
				}
			}
		}
	})
}
