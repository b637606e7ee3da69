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

// Package filters turns JavaScript predicates into alignment filters
// for the sam filter pipeline. A script sees the current record as the
// global aln object:
//
//	aln.mapq, aln.qname, aln.flag, aln.pos, aln.start, aln.end,
//	aln.chrom, aln.cigar, aln.aux(tagCode)
//
// together with the global function hasFlag(flagValue, mask).
package filters

import (
	"errors"
	"log"

	"github.com/exascience/elfilter/sam"
)

// ErrorPolicy decides what happens when the script fails on a record.
type ErrorPolicy int

const (
	// AbortOnError stops the run at the first failing record.
	AbortOnError ErrorPolicy = iota

	// SkipOnError logs the failure, drops the record and continues.
	SkipOnError
)

// ScriptFilter adapts a ScriptEngine to a sam.AlignmentFilter.
type ScriptFilter struct {
	engine  *ScriptEngine
	header  sam.HeaderView
	policy  ErrorPolicy
	skipped int64
}

// NewScriptFilter returns a filter that evaluates engine on each
// record, resolving reference names through header.
func NewScriptFilter(engine *ScriptEngine, header sam.HeaderView, policy ErrorPolicy) *ScriptFilter {
	return &ScriptFilter{engine: engine, header: header, policy: policy}
}

// Filter evaluates the script. With SkipOnError, a *RuntimeError
// rejects the record instead of failing the run.
func (f *ScriptFilter) Filter(aln *sam.Alignment) (bool, error) {
	keep, err := f.engine.Evaluate(aln, f.header)
	if err == nil {
		return keep, nil
	}
	var rerr *RuntimeError
	if f.policy == SkipOnError && errors.As(err, &rerr) {
		f.skipped++
		log.Printf("Warning: %v; record skipped.", err)
		return false, nil
	}
	return false, err
}

// AlignmentFilter returns f.Filter as a sam.AlignmentFilter.
func (f *ScriptFilter) AlignmentFilter() sam.AlignmentFilter {
	return f.Filter
}

// Skipped returns the number of records rejected because the script
// failed on them. It must not be called while a pipeline runs the
// filter.
func (f *ScriptFilter) Skipped() int64 {
	return f.skipped
}
