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
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/profile"
	"golang.org/x/sys/unix"

	"github.com/exascience/elfilter/filters"
	"github.com/exascience/elfilter/internal"
	"github.com/exascience/elfilter/utils"
)

// ProgramMessage is the first line printed when the elfilter binary is
// called.
var ProgramMessage = fmt.Sprint(
	"\n", utils.ProgramName, " version ", utils.ProgramVersion,
	" compiled with ", runtime.Version(), " - see ", utils.ProgramURL, " for more information.\n",
)

// HelpMessage is printed to show the --help flag.
const HelpMessage = "Print command details:\n" +
	"[--help]\n"

// Exit codes of the elfilter binary.
const (
	ExitOK = iota
	ExitConfig
	ExitCompile
	ExitRuntime
	ExitIO
)

// ExitInterrupted is returned when the run was cancelled by a signal.
const ExitInterrupted = 130

// ConfigError reports an invalid invocation. Each problem has already
// been logged when the error is returned.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid command line"
	}
	return "invalid command line: " + strings.Join(e.Problems, "; ")
}

// ExitCode maps an error returned by a command to the exit status of
// the binary.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		configError  *ConfigError
		compileError *filters.CompileError
		runtimeError *filters.RuntimeError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &configError):
		return ExitConfig
	case errors.As(err, &compileError):
		return ExitCompile
	case errors.As(err, &runtimeError), errors.Is(err, filters.ErrEngineBusy):
		return ExitRuntime
	}
	return ExitIO
}

// sanityChecks collects the problems found in a command line.
type sanityChecks struct {
	problems []string
}

func (checks *sanityChecks) fail(format string, v ...interface{}) {
	problem := fmt.Sprintf(format, v...)
	log.Println("Error:", problem)
	checks.problems = append(checks.problems, problem)
}

func (checks *sanityChecks) err() error {
	if len(checks.problems) == 0 {
		return nil
	}
	return &ConfigError{Problems: checks.problems}
}

// parseFlags parses args, allowing positional arguments between the
// flags. It returns the positional arguments.
func parseFlags(flags *flag.FlagSet, args []string) ([]string, error) {
	flags.SetOutput(io.Discard)
	var positional []string
	for {
		if err := flags.Parse(args); err != nil {
			if err == flag.ErrHelp {
				return nil, err
			}
			log.Println("Error:", err)
			return nil, &ConfigError{Problems: []string{err.Error()}}
		}
		if flags.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, flags.Arg(0))
		args = flags.Args()[1:]
	}
}

func checkOutputType(checks *sanityChecks, format string) {
	switch strings.ToLower(format) {
	case "", "sam", "bam":
	default:
		checks.fail("invalid output type %v", format)
	}
}

func checkExist(checks *sanityChecks, parameter, filename string) {
	if filename == "" {
		checks.fail("missing filename for %v", parameter)
		return
	}
	if filename == "-" {
		return
	}
	if _, err := os.Stat(filename); err == nil {
		return
	} else if os.IsNotExist(err) {
		checks.fail("file %v for %v does not exist", filename, parameter)
	} else if os.IsPermission(err) {
		checks.fail("no permission to read file %v for %v", filename, parameter)
	} else {
		checks.fail("%v when trying to access file %v for %v", err, filename, parameter)
	}
}

func checkCreate(checks *sanityChecks, parameter, filename string) {
	if filename == "" {
		checks.fail("missing filename for %v", parameter)
		return
	}
	if filename == "-" {
		return
	}
	if _, err := os.Stat(filename); err == nil {
		return
	}
	err := os.MkdirAll(filepath.Dir(filename), 0o700)
	if err == nil {
		err = os.WriteFile(filename, nil, 0o666)
	}
	if err != nil {
		if os.IsPermission(err) {
			checks.fail("no permission to create file %v for %v", filename, parameter)
		} else {
			checks.fail("%v when trying to create file %v for %v", err, filename, parameter)
		}
		return
	}
	_ = os.Remove(filename)
}

func createLogFilename() string {
	t := time.Now()
	zone, _ := t.Zone()
	return fmt.Sprintf("logs/elfilter/elfilter-%d-%02d-%02d-%02d-%02d-%02d-%09d-%v.log", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), zone)
}

// setLogOutput duplicates everything written to stderr, including log
// output, into a fresh log file below path.
func setLogOutput(path string) error {
	logPath := createLogFilename()
	var fullPath string
	if path == "" {
		fullPath = filepath.Join(os.Getenv("HOME"), logPath)
	} else {
		fullPath = filepath.Join(path, logPath)
	}
	if err := internal.MkdirAll(filepath.Dir(fullPath)); err != nil {
		return err
	}
	f, err := internal.FileCreate(fullPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(f, ProgramMessage)

	orgStderr, err := unix.Dup(2)
	if err != nil {
		return err
	}
	ferr := os.NewFile(uintptr(orgStderr), "/dev/stderr")
	if err := unix.Dup2(int(f.Fd()), 2); err != nil {
		return err
	}

	log.SetOutput(io.MultiWriter(f, ferr))
	log.Println("Created log file at", fullPath)
	log.Println("Command line:", os.Args)
	return nil
}

// timedRun runs f, logging msg and the elapsed time when timed is set,
// and recording a CPU profile in the profilePath directory when that is
// not empty.
func timedRun(timed bool, profilePath, msg string, f func() error) error {
	if profilePath != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(profilePath), profile.NoShutdownHook).Stop()
	}
	if timed {
		log.Println(msg)
		start := time.Now()
		defer func() {
			log.Println("Elapsed time:", time.Since(start))
		}()
	}
	return f()
}
