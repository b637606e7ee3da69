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

// Package sam reads and writes SAM and BAM files and runs alignment
// filter pipelines over them.
//
// Open and Create return files that serve as the AlignmentDecoder and
// AlignmentEncoder of RunFilterPipeline. SAM text is parsed and
// formatted by the functions in sam-files.go, BAM records by the
// functions in bam-files.go, see
// http://samtools.github.io/hts-specs/SAMv1.pdf for both formats. BAM
// data is compressed with the BGZF codec from the utils/bgzf package.
//
// RunFilterPipeline parses records in parallel, filters them in input
// order on a single goroutine, and writes the accepted records in the
// same order.
package sam
