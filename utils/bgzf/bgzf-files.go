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

// Package bgzf reads and writes blocked gzip (BGZF) streams, the
// container format of BAM files. Blocks are inflated and deflated in
// parallel by a pargo pipeline and delivered in file order.
package bgzf

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

// IsGzip reports whether the given byte scanner starts a gzip stream.
// Only the first byte is consumed, and it is unread again.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

const (
	// MaxBlockSize is the largest number of uncompressed bytes stored in
	// a single block. The compressed block must fit in 64KiB, including
	// header and trailer, even when the data does not compress.
	MaxBlockSize = 0xff00

	// maxCompressedSize is the buffer size for one compressed block.
	maxCompressedSize = 65536
)

// EOFMarker is the empty block that terminates every BGZF file.
var EOFMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

var blockHeader = [18]byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
}

var (
	// ErrMissingEOF is returned when the stream ends without EOFMarker.
	ErrMissingEOF = errors.New("invalid BGZF file: does not end in proper EOF marker")

	// ErrChecksum is returned when an inflated block fails its CRC check.
	ErrChecksum = errors.New("invalid CRC-32 value for a data block in a BGZF file")

	errMissingBC = errors.New("missing BC extra subfield in BGZF header")
)

type block struct {
	data  []byte
	crc32 uint32
	isize uint32
}

var blockPool = sync.Pool{New: func() interface{} {
	return &block{data: make([]byte, 0, maxCompressedSize)}
}}

func getBlock() *block {
	return blockPool.Get().(*block)
}

func putBlock(b *block) {
	b.data = b.data[:0]
	blockPool.Put(b)
}

type (
	// Reader decompresses a BGZF stream in parallel. It is not safe for
	// concurrent use; the parallelism is internal.
	Reader struct {
		src     io.Reader
		gz      *gzip.Reader
		p       pipeline.Pipeline
		running sync.WaitGroup
		blocks  chan *block
		done    chan struct{}
		ctx     context.Context
		cancel  context.CancelFunc
		current *block
		offset  int

		// fields owned by the pipeline source
		srcErr  error
		srcData interface{}
	}

	blockSource Reader
)

// readBlock reads the compressed payload of the gzip member whose
// header gz has just parsed, then advances gz to the next member.
func (src *blockSource) readBlock() (*block, error) {
	extra := src.gz.Extra
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 && i+6 <= len(extra) {
			bsize := int(binary.LittleEndian.Uint16(extra[i+4 : i+6]))
			payload := bsize - len(extra) - 19
			if payload < 0 || payload > maxCompressedSize {
				return nil, fmt.Errorf("invalid BGZF block size %v", bsize+1)
			}
			b := getBlock()
			b.data = b.data[:payload]
			if _, err := io.ReadFull(src.src, b.data); err != nil {
				putBlock(b)
				return nil, noEOF(err)
			}
			var tail [8]byte
			if _, err := io.ReadFull(src.src, tail[:]); err != nil {
				putBlock(b)
				return nil, noEOF(err)
			}
			b.crc32 = binary.LittleEndian.Uint32(tail[0:4])
			b.isize = binary.LittleEndian.Uint32(tail[4:8])
			if b.isize > maxCompressedSize {
				putBlock(b)
				return nil, fmt.Errorf("invalid BGZF uncompressed block size %v", b.isize)
			}
			err := src.gz.Reset(src.src)
			if err == io.EOF {
				if len(b.data) != 2 || b.data[0] != 3 || b.data[1] != 0 || b.crc32 != 0 || b.isize != 0 {
					err = ErrMissingEOF
				}
			} else if err != nil {
				err = fmt.Errorf("%w, while reading a BGZF block header", err)
			}
			return b, err
		}
		i += 4 + slen
	}
	return nil, errMissingBC
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Err implements the corresponding method of pipeline.Source.
func (src *blockSource) Err() error {
	if src.srcErr != io.EOF {
		return src.srcErr
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source.
func (src *blockSource) Prepare(_ context.Context) int {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source.
func (src *blockSource) Fetch(_ int) int {
	if src.srcErr != nil || src.ctx.Err() != nil {
		return 0
	}
	b, err := src.readBlock()
	if err != nil {
		src.srcErr = err
		src.srcData = nil
		if b != nil {
			putBlock(b)
		}
		return 0
	}
	src.srcData = b
	return 1
}

// Data implements the corresponding method of pipeline.Source.
func (src *blockSource) Data() interface{} {
	return src.srcData
}

var inflaterPool sync.Pool

func inflate(b *block) (*block, error) {
	compressed := bytes.NewReader(b.data)
	var inflater io.ReadCloser
	if pooled := inflaterPool.Get(); pooled != nil {
		inflater = pooled.(io.ReadCloser)
		if err := inflater.(flate.Resetter).Reset(compressed, nil); err != nil {
			inflater = flate.NewReader(compressed)
		}
	} else {
		inflater = flate.NewReader(compressed)
	}
	defer inflaterPool.Put(inflater)
	out := getBlock()
	out.data = out.data[:int(b.isize)]
	if _, err := io.ReadFull(inflater, out.data); err != nil {
		putBlock(out)
		return nil, noEOF(err)
	}
	if crc32.ChecksumIEEE(out.data) != b.crc32 {
		putBlock(out)
		return nil, ErrChecksum
	}
	if err := inflater.Close(); err != nil {
		putBlock(out)
		return nil, err
	}
	return out, nil
}

// NewReader returns a Reader that decompresses r. The gzip header of
// the first block is read immediately.
func NewReader(r flate.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w, while opening a BGZF stream", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		src:    r,
		gz:     gz,
		blocks: make(chan *block, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	bgzf.p.Source((*blockSource)(bgzf))
	bgzf.p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			compressed := data.(*block)
			defer putBlock(compressed)
			out, err := inflate(compressed)
			if err != nil {
				bgzf.p.SetErr(err)
				return nil
			}
			return out
		})),
		pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
			if data == nil {
				return nil
			}
			select {
			case <-bgzf.ctx.Done():
				putBlock(data.(*block))
			case bgzf.blocks <- data.(*block):
			}
			return nil
		}, func() {
			close(bgzf.blocks)
		})),
	)
	bgzf.running.Add(1)
	go func() {
		defer bgzf.running.Done()
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf, nil
}

// Close stops the decompression pipeline and reports the first error
// it encountered, if any.
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	bgzf.running.Wait()
	if err := bgzf.gz.Close(); err != nil {
		return err
	}
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	return (*blockSource)(bgzf).Err()
}

func (bgzf *Reader) nextBlock() error {
	select {
	case b, ok := <-bgzf.blocks:
		if ok {
			bgzf.current, bgzf.offset = b, 0
			return nil
		}
	case <-bgzf.done:
		select {
		case b, ok := <-bgzf.blocks:
			if ok {
				bgzf.current, bgzf.offset = b, 0
				return nil
			}
		default:
		}
	}
	<-bgzf.done
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	if err := (*blockSource)(bgzf).Err(); err != nil {
		return err
	}
	if err := bgzf.ctx.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Read implements io.Reader.
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	for bgzf.current == nil || bgzf.offset == len(bgzf.current.data) {
		if bgzf.current != nil {
			putBlock(bgzf.current)
			bgzf.current = nil
		}
		if err = bgzf.nextBlock(); err != nil {
			return 0, err
		}
	}
	n = copy(p, bgzf.current.data[bgzf.offset:])
	bgzf.offset += n
	return n, nil
}

type (
	// Writer compresses a BGZF stream in parallel. It is not safe for
	// concurrent use; the parallelism is internal.
	Writer struct {
		dst     io.Writer
		level   int
		p       pipeline.Pipeline
		running sync.WaitGroup
		pending *block
		blocks  chan *block
		done    chan struct{}
		closed  bool

		// owned by the pipeline source
		srcData interface{}
	}

	blockSink Writer
)

func (*blockSink) Err() error {
	return nil
}

func (*blockSink) Prepare(_ context.Context) int {
	return -1
}

func (sink *blockSink) Fetch(_ int) int {
	if b, ok := <-sink.blocks; ok {
		sink.srcData = b
		return 1
	}
	sink.srcData = nil
	return 0
}

func (sink *blockSink) Data() interface{} {
	return sink.srcData
}

// deflaterPools holds one pool per compression level, indexed by
// level+1.
var deflaterPools [flate.BestCompression + 2]sync.Pool

func deflate(b *block, level int) (*block, error) {
	out := getBlock()
	buf := bytes.NewBuffer(out.data)
	buf.Write(blockHeader[:])
	pool := &deflaterPools[level+1]
	var deflater *flate.Writer
	if pooled := pool.Get(); pooled != nil {
		deflater = pooled.(*flate.Writer)
		deflater.Reset(buf)
	} else {
		var err error
		if deflater, err = flate.NewWriter(buf, level); err != nil {
			putBlock(out)
			return nil, err
		}
	}
	defer pool.Put(deflater)
	if _, err := deflater.Write(b.data); err != nil {
		putBlock(out)
		return nil, err
	}
	if err := deflater.Close(); err != nil {
		putBlock(out)
		return nil, err
	}
	var tail [8]byte
	binary.LittleEndian.PutUint32(tail[0:4], crc32.ChecksumIEEE(b.data))
	binary.LittleEndian.PutUint32(tail[4:8], uint32(len(b.data)))
	buf.Write(tail[:])
	out.data = buf.Bytes()
	if len(out.data) > maxCompressedSize {
		putBlock(out)
		return nil, fmt.Errorf("BGZF block of %v bytes does not fit in 64KiB when compressed", len(b.data))
	}
	binary.LittleEndian.PutUint16(out.data[16:18], uint16(len(out.data)-1))
	return out, nil
}

// NewWriter returns a Writer that compresses to w.
//
// Following zlib, levels range from 1 (BestSpeed) to 9
// (BestCompression). Level 0 (NoCompression) only adds the DEFLATE
// framing, and level -1 (DefaultCompression) uses the default level.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	if level < flate.DefaultCompression || level > flate.BestCompression {
		return nil, fmt.Errorf("invalid BGZF compression level %v", level)
	}
	bgzf := &Writer{
		dst:     w,
		level:   level,
		pending: getBlock(),
		blocks:  make(chan *block, 1),
		done:    make(chan struct{}),
	}
	bgzf.p.Source((*blockSink)(bgzf))
	bgzf.p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			raw := data.(*block)
			defer putBlock(raw)
			out, err := deflate(raw, bgzf.level)
			if err != nil {
				bgzf.p.SetErr(err)
				return nil
			}
			return out
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			if data == nil {
				return nil
			}
			out := data.(*block)
			defer putBlock(out)
			if bgzf.p.Err() == nil {
				if _, err := bgzf.dst.Write(out.data); err != nil {
					bgzf.p.SetErr(err)
				}
			}
			return nil
		})),
	)
	bgzf.running.Add(1)
	go func() {
		defer bgzf.running.Done()
		defer close(bgzf.done)
		bgzf.p.Run()
	}()
	return bgzf, nil
}

func (bgzf *Writer) send() error {
	if err := bgzf.p.Err(); err != nil {
		return err
	}
	select {
	case bgzf.blocks <- bgzf.pending:
		bgzf.pending = nil
		return nil
	case <-bgzf.done:
		if err := bgzf.p.Err(); err != nil {
			return err
		}
		return errors.New("BGZF compression stopped unexpectedly")
	}
}

// Write implements io.Writer. Data is cut into blocks of at most
// MaxBlockSize bytes.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	if bgzf.closed {
		return 0, errors.New("write to closed BGZF writer")
	}
	for len(p) > 0 {
		if bgzf.pending == nil {
			bgzf.pending = getBlock()
		}
		start := len(bgzf.pending.data)
		k := len(p)
		if start+k > MaxBlockSize {
			k = MaxBlockSize - start
		}
		bgzf.pending.data = append(bgzf.pending.data, p[:k]...)
		p = p[k:]
		n += k
		if len(bgzf.pending.data) == MaxBlockSize {
			if err = bgzf.send(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Close flushes the remaining data, waits for all blocks to be written
// and appends EOFMarker. It does not close the underlying writer.
func (bgzf *Writer) Close() error {
	if bgzf.closed {
		return nil
	}
	bgzf.closed = true
	var err error
	if bgzf.pending != nil && len(bgzf.pending.data) > 0 {
		err = bgzf.send()
	}
	close(bgzf.blocks)
	bgzf.running.Wait()
	if perr := bgzf.p.Err(); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	_, err = bgzf.dst.Write(EOFMarker)
	return err
}
