// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package archivecodec sniffs a tar stream's outer compression from its
// first bytes and wraps it in the matching decompressor, the same
// magic-number switch probeArchive used to recognise .tar.gz/.bz2/.xz
// siblings, adapted to front a single incoming stream rather than an
// archive filesystem tree.
package archivecodec

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/therootcompany/xz"
)

// Codec identifies an outer compression wrapper.
type Codec int

const (
	CodecNone Codec = iota
	CodecGzip
	CodecBzip2
	CodecXz
)

func (c Codec) String() string {
	switch c {
	case CodecGzip:
		return "gzip"
	case CodecBzip2:
		return "bzip2"
	case CodecXz:
		return "xz"
	default:
		return "none"
	}
}

// Sniff identifies a codec from a stream's leading bytes. head need not be
// full length; a short head that doesn't rule out a signature is treated
// as CodecNone.
func Sniff(head []byte) Codec {
	at := func(s string, off int) bool {
		return len(head) >= off+len(s) && string(head[off:off+len(s)]) == s
	}
	switch {
	case at("\x1f\x8b\x08", 0):
		return CodecGzip
	case at("BZh", 0) && len(head) > 3 && head[3] >= '0' && head[3] <= '9':
		return CodecBzip2
	case at("\xfd7zXZ\x00", 0):
		return CodecXz
	default:
		return CodecNone
	}
}

// Open peeks at r's first bytes to detect its codec, then returns a reader
// that yields the decompressed byte stream (or the original stream
// unmodified if no known codec is detected). The returned reader must be
// read to completion; decompressors here are all streaming, not
// seekable, matching the push-only contract downstream.
func Open(r io.Reader) (io.Reader, Codec, error) {
	br := bufio.NewReaderSize(r, 6)
	head, _ := br.Peek(6)
	codec := Sniff(head)

	switch codec {
	case CodecGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, codec, fmt.Errorf("archivecodec: gzip: %w", err)
		}
		return gr, codec, nil
	case CodecBzip2:
		return bzip2.NewReader(br), codec, nil
	case CodecXz:
		xr, err := xz.NewReader(br, xz.DefaultDictMax)
		if err != nil {
			return nil, codec, fmt.Errorf("archivecodec: xz: %w", err)
		}
		return xr, codec, nil
	default:
		return br, codec, nil
	}
}

// Writer is the subset of [tar.Parser] that Pump drives.
type Writer interface {
	Write(data []byte) (int, error)
}

// Pump reads r in bufSize chunks and feeds each chunk to w, respecting
// the push interface's partial-consumption contract: a short write is
// retried with the unconsumed remainder, and a write that consumes
// nothing simply means w wants a larger contiguous slice than this chunk
// offers, so more is read from r and the leftover is retried alongside it.
func Pump(r io.Reader, w Writer, bufSize int) (bytesRead int64, err error) {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	var pending []byte
	buf := make([]byte, bufSize)
	for {
		n, rerr := r.Read(buf)
		pending = append(pending, buf[:n]...)

		for len(pending) > 0 {
			consumed, werr := w.Write(pending)
			bytesRead += int64(consumed)
			if werr != nil {
				return bytesRead, werr
			}
			pending = pending[consumed:]
			if consumed == 0 {
				break
			}
		}

		if rerr == io.EOF {
			if len(pending) > 0 {
				return bytesRead, fmt.Errorf("archivecodec: %d trailing bytes never consumed at end of stream", len(pending))
			}
			return bytesRead, nil
		}
		if rerr != nil {
			return bytesRead, rerr
		}
	}
}
