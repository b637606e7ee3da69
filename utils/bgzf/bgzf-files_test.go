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

package bgzf

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData(n int) []byte {
	rnd := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	for i := range data {
		// mostly compressible, sometimes noisy
		if i%1000 < 900 {
			data[i] = "ACGT"[rnd.Intn(4)]
		} else {
			data[i] = byte(rnd.Intn(256))
		}
	}
	return data
}

func compress(t *testing.T, data []byte, level, chunk int) []byte {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, level)
	require.NoError(t, err)
	for len(data) > 0 {
		k := chunk
		if k > len(data) {
			k = len(data)
		}
		n, err := w.Write(data[:k])
		require.NoError(t, err)
		require.Equal(t, k, n)
		data = data[k:]
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func decompress(data []byte) ([]byte, error) {
	r, err := NewReader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return out, err
}

func TestRoundTrip(t *testing.T) {
	data := testData(300000)
	for _, level := range []int{-1, 0, 1, 9} {
		for _, chunk := range []int{1000, MaxBlockSize, 1 << 20} {
			compressed := compress(t, data, level, chunk)
			assert.True(t, bytes.HasSuffix(compressed, EOFMarker))

			out, err := decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, out)

			gz, err := gzip.NewReader(bytes.NewReader(compressed))
			require.NoError(t, err)
			out, err = io.ReadAll(gz)
			require.NoError(t, err)
			assert.Equal(t, data, out)
		}
	}
}

func TestBlockLayout(t *testing.T) {
	data := testData(200000)
	compressed := compress(t, data, 0, 4096)
	total := 0
	for offset := 0; offset < len(compressed); {
		require.GreaterOrEqual(t, len(compressed)-offset, len(EOFMarker))
		header := compressed[offset:]
		assert.Equal(t, blockHeader[:16], header[:16])
		bsize := int(binary.LittleEndian.Uint16(header[16:18])) + 1
		require.LessOrEqual(t, offset+bsize, len(compressed))
		isize := int(binary.LittleEndian.Uint32(header[bsize-4 : bsize]))
		assert.LessOrEqual(t, isize, MaxBlockSize)
		total += isize
		offset += bsize
	}
	assert.Equal(t, len(data), total)
}

func TestEmptyStream(t *testing.T) {
	compressed := compress(t, nil, -1, 1)
	assert.Equal(t, EOFMarker, compressed)
	out, err := decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMissingEOF(t *testing.T) {
	compressed := compress(t, testData(100000), -1, 1<<20)
	_, err := decompress(compressed[:len(compressed)-len(EOFMarker)])
	assert.ErrorIs(t, err, ErrMissingEOF)
}

func TestTruncated(t *testing.T) {
	compressed := compress(t, testData(100000), -1, 1<<20)
	_, err := decompress(compressed[:len(compressed)/2])
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	compressed := compress(t, testData(100000), -1, 1<<20)
	bsize := int(binary.LittleEndian.Uint16(compressed[16:18])) + 1
	compressed = append([]byte(nil), compressed...)
	compressed[bsize-8] ^= 0xFF
	_, err := decompress(compressed)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestNotGzip(t *testing.T) {
	_, err := NewReader(bufio.NewReader(bytes.NewReader([]byte("@HD\tVN:1.6\n"))))
	assert.Error(t, err)
}

func TestInvalidLevel(t *testing.T) {
	_, err := NewWriter(io.Discard, 10)
	assert.Error(t, err)
	_, err = NewWriter(io.Discard, -2)
	assert.Error(t, err)
}

func TestIsGzip(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(EOFMarker))
	ok, err := IsGzip(r)
	require.NoError(t, err)
	assert.True(t, ok)
	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), b)

	ok, err = IsGzip(bufio.NewReader(bytes.NewReader([]byte("BAM"))))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = IsGzip(bufio.NewReader(bytes.NewReader(nil)))
	assert.Equal(t, io.EOF, err)
}
