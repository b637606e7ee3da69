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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exascience/elfilter/filters"
	"github.com/exascience/elfilter/internal"
	"github.com/exascience/elfilter/sam"
	"github.com/exascience/elfilter/utils"
)

// FilterHelp is the help string for this command.
const FilterHelp = "\nfilter parameters:\n" +
	"elfilter [filter] -e script -o output-file input-file\n" +
	"(use - for standard input or output)\n" +
	"[-e | --expr script]\n" +
	"[--script-file file]\n" +
	"[-o | --output output-file]\n" +
	"[--output-type [sam | bam]]\n" +
	"[--compression-level nr]\n" +
	"[-t | --threads nr]\n" +
	"[--encode-threads nr]\n" +
	"[--queue-size nr]\n" +
	"[--skip-on-error]\n" +
	"[--script-timeout duration]\n" +
	"[--no-pg]\n" +
	"[--timed]\n" +
	"[--profile path]\n" +
	"[--log-path path]\n"

type filterOptions struct {
	input, output    string
	script           string
	outputType       string
	compressionLevel int
	threads          int
	encodeThreads    int
	queueSize        int
	skipOnError      bool
	scriptTimeout    time.Duration
	noPG             bool
	timed            bool
	profile          string
	logPath          string
	command          string
}

// parseFilterFlags parses and checks a filter command line. It returns
// flag.ErrHelp when help was requested.
func parseFilterFlags(args []string) (*filterOptions, error) {
	var (
		opts             filterOptions
		expr, scriptFile string
		flags            flag.FlagSet
	)
	flags.Init("filter", flag.ContinueOnError)
	flags.StringVar(&expr, "e", "", "filter script")
	flags.StringVar(&expr, "expr", "", "filter script")
	flags.StringVar(&scriptFile, "script-file", "", "read the filter script from a file")
	flags.StringVar(&opts.output, "o", "", "output file")
	flags.StringVar(&opts.output, "output", "", "output file")
	flags.StringVar(&opts.outputType, "output-type", "", "output format, sam or bam")
	flags.IntVar(&opts.compressionLevel, "compression-level", -1, "BGZF compression level for bam output")
	flags.IntVar(&opts.threads, "t", 0, "number of decode workers")
	flags.IntVar(&opts.threads, "threads", 0, "number of decode workers")
	flags.IntVar(&opts.encodeThreads, "encode-threads", 1, "number of encode workers")
	flags.IntVar(&opts.queueSize, "queue-size", sam.DefaultQueueCapacity, "number of records buffered between stages")
	flags.BoolVar(&opts.skipOnError, "skip-on-error", false, "skip records on which the script fails")
	flags.DurationVar(&opts.scriptTimeout, "script-timeout", 0, "time limit for the script per record")
	flags.BoolVar(&opts.noPG, "no-pg", false, "do not add an @PG line to the header")
	flags.BoolVar(&opts.timed, "timed", false, "measure the runtime")
	flags.StringVar(&opts.profile, "profile", "", "write a CPU profile to the specified directory")
	flags.StringVar(&opts.logPath, "log-path", "", "write log files to the specified directory")

	positional, err := parseFlags(&flags, args)
	if err != nil {
		return nil, err
	}

	var checks sanityChecks
	switch len(positional) {
	case 0:
		checks.fail("missing input file")
	case 1:
		opts.input = positional[0]
		checkExist(&checks, "input", opts.input)
	default:
		checks.fail("cannot parse remaining parameters %v", positional[1:])
	}
	checkCreate(&checks, "--output", opts.output)
	checkOutputType(&checks, opts.outputType)
	opts.outputType = strings.ToLower(opts.outputType)

	switch {
	case expr != "" && scriptFile != "":
		checks.fail("use either --expr or --script-file, not both")
	case expr != "":
		opts.script = expr
	case scriptFile != "":
		source, err := os.ReadFile(scriptFile)
		if err != nil {
			checks.fail("%v while reading script file %v", err, scriptFile)
		}
		opts.script = string(source)
	default:
		checks.fail("missing filter script; use --expr or --script-file")
	}

	if opts.compressionLevel < -1 || opts.compressionLevel > 9 {
		checks.fail("invalid compression level %v", opts.compressionLevel)
	}
	if opts.threads < 0 {
		checks.fail("invalid number of threads %v", opts.threads)
	}
	if opts.encodeThreads < 1 {
		checks.fail("invalid number of encode threads %v", opts.encodeThreads)
	}
	if opts.queueSize < 1 {
		checks.fail("invalid queue size %v", opts.queueSize)
	}
	if opts.scriptTimeout < 0 {
		checks.fail("invalid script timeout %v", opts.scriptTimeout)
	}
	for _, path := range []*string{&opts.profile, &opts.logPath} {
		if *path == "" {
			continue
		}
		if *path, err = internal.FullPathname(*path); err != nil {
			checks.fail("%v while resolving path %v", err, *path)
		}
	}
	if err := checks.err(); err != nil {
		return nil, err
	}

	// building the command line for the @PG header line
	var command bytes.Buffer
	fmt.Fprint(&command, utils.ProgramName, " filter")
	if expr != "" {
		fmt.Fprint(&command, " --expr ", strconv.Quote(expr))
	} else {
		fmt.Fprint(&command, " --script-file ", scriptFile)
	}
	fmt.Fprint(&command, " --output ", opts.output)
	if opts.outputType != "" {
		fmt.Fprint(&command, " --output-type ", opts.outputType)
	}
	if opts.compressionLevel != -1 {
		fmt.Fprint(&command, " --compression-level ", opts.compressionLevel)
	}
	if opts.threads > 0 {
		fmt.Fprint(&command, " --threads ", opts.threads)
	}
	if opts.encodeThreads != 1 {
		fmt.Fprint(&command, " --encode-threads ", opts.encodeThreads)
	}
	if opts.queueSize != sam.DefaultQueueCapacity {
		fmt.Fprint(&command, " --queue-size ", opts.queueSize)
	}
	if opts.skipOnError {
		fmt.Fprint(&command, " --skip-on-error")
	}
	if opts.scriptTimeout > 0 {
		fmt.Fprint(&command, " --script-timeout ", opts.scriptTimeout)
	}
	if opts.noPG {
		fmt.Fprint(&command, " --no-pg")
	}
	fmt.Fprint(&command, " ", opts.input)
	opts.command = command.String()
	return &opts, nil
}

// Filter implements the elfilter filter command. args are the command
// line arguments after the command name.
func Filter(args []string) error {
	opts, err := parseFilterFlags(args)
	if err == flag.ErrHelp {
		fmt.Fprint(os.Stderr, FilterHelp)
		return nil
	} else if err != nil {
		fmt.Fprint(os.Stderr, FilterHelp)
		return err
	}

	if opts.logPath != "" {
		if err := setLogOutput(opts.logPath); err != nil {
			return err
		}
	}

	log.Println("Run id:", uuid.New())
	log.Println("Executing command:\n", opts.command)

	var options []filters.ScriptOption
	if opts.scriptTimeout > 0 {
		options = append(options, filters.WithTimeout(opts.scriptTimeout))
	}
	engine, err := filters.NewScriptEngine(opts.script, options...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return timedRun(opts.timed, opts.profile, "Running filter pipeline.", func() error {
		return runFilter(ctx, opts, engine)
	})
}

func runFilter(ctx context.Context, opts *filterOptions, engine *filters.ScriptEngine) (err error) {
	input, err := sam.Open(opts.input)
	if err != nil {
		return err
	}
	defer func() {
		nerr := input.Close()
		if err == nil {
			err = nerr
		}
	}()
	header, err := input.ParseHeader()
	if err != nil {
		return err
	}

	output, err := sam.Create(opts.output, opts.outputType, opts.compressionLevel)
	if err != nil {
		return err
	}
	defer func() {
		nerr := output.Close()
		if err == nil {
			err = nerr
		}
	}()
	outputHeader := header
	if !opts.noPG {
		outputHeader = header.WithProgram(sam.Program{
			ID:          utils.ProgramName,
			Name:        utils.ProgramName,
			Version:     utils.ProgramVersion,
			Description: "script based alignment filter",
			CommandLine: opts.command,
		})
	}
	if err = output.FormatHeader(outputHeader); err != nil {
		return err
	}

	policy := filters.AbortOnError
	if opts.skipOnError {
		policy = filters.SkipOnError
	}
	filter := filters.NewScriptFilter(engine, header, policy)
	stats, err := sam.RunFilterPipeline(ctx, input, output, filter.AlignmentFilter(), sam.PipelineConfig{
		DecodeWorkers: opts.threads,
		EncodeWorkers: opts.encodeThreads,
		QueueCapacity: opts.queueSize,
	})
	if err != nil {
		var stageError *sam.StageError
		if errors.As(err, &stageError) {
			log.Printf("Pipeline stopped in the %v stage after %v records.", stageError.Stage, stats.Read)
		}
		return err
	}
	log.Printf("Processed %v records, %.2f%% passed the filter.", stats.Read, stats.PassRate())
	if skipped := filter.Skipped(); skipped > 0 {
		log.Printf("Skipped %v records on which the filter script failed.", skipped)
	}
	return nil
}
