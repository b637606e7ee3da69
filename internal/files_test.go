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

package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullPathname(t *testing.T) {
	abs, err := FullPathname("/tmp/x.sam")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.sam", abs)

	wd, err := os.Getwd()
	require.NoError(t, err)
	abs, err = FullPathname("x.sam")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "x.sam"), abs)
}

func TestFileCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "elfilter")
	require.NoError(t, MkdirAll(dir))
	name := filepath.Join(dir, "run.log")
	f, err := FileCreate(name)
	require.NoError(t, err)
	_, err = f.WriteString("line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm()&0o600)
	assert.Equal(t, int64(5), info.Size())
}

func TestByteBuffer(t *testing.T) {
	buf := ReserveByteBuffer()
	assert.Empty(t, buf)
	buf = append(buf, "some record"...)
	ReleaseByteBuffer(buf)
	again := ReserveByteBuffer()
	assert.Empty(t, again)
	ReleaseByteBuffer(make([]byte, 0, maxPooledBuffer+1))
	ReleaseByteBuffer(nil)
}
