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

// elfilter filters .sam/.bam files with JavaScript predicates that are
// evaluated once per alignment record.
//
// Please see https://github.com/exascience/elfilter for a
// documentation of the tool.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/exascience/elfilter/cmd"
)

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	args := os.Args[1:]
	if len(args) == 0 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage, cmd.FilterHelp)
		os.Exit(cmd.ExitConfig)
	}
	if args[0] == "filter" {
		args = args[1:]
	}
	err := cmd.Filter(args)
	if err != nil {
		log.Println("Error:", err)
	}
	os.Exit(cmd.ExitCode(err))
}
