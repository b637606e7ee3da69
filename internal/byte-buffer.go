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

// Package internal holds small helpers shared by the elfilter packages.
package internal

import "sync"

// buffers larger than this are not kept in the pool
const maxPooledBuffer = 1 << 20

var bufPool = sync.Pool{New: func() interface{} {
	return new([]byte)
}}

/*
ReserveByteBuffer returns an empty slice of bytes, reusing the capacity
of a slice previously handed to ReleaseByteBuffer when one is
available.
*/
func ReserveByteBuffer() []byte {
	return (*bufPool.Get().(*[]byte))[:0]
}

/*
ReleaseByteBuffer makes buf available to ReserveByteBuffer again. The
caller must not use buf afterwards.
*/
func ReleaseByteBuffer(buf []byte) {
	if cap(buf) == 0 || cap(buf) > maxPooledBuffer {
		return
	}
	buf = buf[:0]
	bufPool.Put(&buf)
}
