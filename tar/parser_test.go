// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import (
	"bytes"
	"testing"
)

// buildV7Entry returns one complete v7 entry: header block, data, and
// padding to the next 512-byte boundary.
func buildV7Entry(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	raw := newTestV7Header(t, name, uint64(len(data)))
	var buf bytes.Buffer
	buf.Write(raw[:])
	buf.Write(data)
	buf.Write(make([]byte, blockPadding(uint64(len(data)))))
	return buf.Bytes()
}

// feedInChunks drives p.Write across the given archive bytes in
// caller-chosen chunk sizes, verifying the push contract: every call
// either consumes at least one byte or the parser is done with that
// prefix and needs more data than the chunk offers.
func feedInChunks(t *testing.T, p *Parser, archive []byte, chunkSize int) {
	t.Helper()
	for off, grow := 0, 0; off < len(archive); {
		end := off + chunkSize + grow
		if end > len(archive) {
			end = len(archive)
		}
		chunk := archive[off:end]
		grow = 0
		for len(chunk) > 0 {
			n, err := p.Write(chunk)
			if err != nil {
				t.Fatalf("Write error: %v", err)
			}
			if n == 0 {
				// Parser wants a larger contiguous slice than this chunk
				// offers; the test harness supplies more on the next outer
				// iteration, mirroring a real caller growing its buffer.
				grow = len(chunk)
				break
			}
			chunk = chunk[n:]
			off += n
		}
		if end == off {
			off = end
		}
	}
}

func TestParserSingleEntryByteAtATime(t *testing.T) {
	archive := buildV7Entry(t, "hello.txt", []byte("hello"))

	p, err := NewParser(DefaultOptions())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, archive, 1)

	files := p.ExtractedFiles()
	if len(files) != 1 {
		t.Fatalf("got %d entries, want 1", len(files))
	}
	if files[0].Path != "hello.txt" {
		t.Fatalf("path = %q, want hello.txt", files[0].Path)
	}
	if !bytes.Equal(files[0].Data, []byte("hello")) {
		t.Fatalf("data = %q, want hello", files[0].Data)
	}
}

func TestParserMultipleChunkSizes(t *testing.T) {
	archive := append(buildV7Entry(t, "a.txt", []byte("aaaa")), buildV7Entry(t, "b.txt", []byte("bbbbbbbb"))...)

	for _, sz := range []int{1, 3, 17, 512, 4096} {
		p, err := NewParser(DefaultOptions())
		if err != nil {
			t.Fatalf("NewParser: %v", err)
		}
		feedInChunks(t, p, archive, sz)

		files := p.ExtractedFiles()
		if len(files) != 2 {
			t.Fatalf("chunk size %d: got %d entries, want 2", sz, len(files))
		}
		if files[0].Path != "a.txt" || files[1].Path != "b.txt" {
			t.Fatalf("chunk size %d: unexpected paths %q %q", sz, files[0].Path, files[1].Path)
		}
	}
}

func TestParserKeepOnlyLastDedup(t *testing.T) {
	archive := append(buildV7Entry(t, "dup.txt", []byte("old")), buildV7Entry(t, "dup.txt", []byte("new"))...)

	p, err := NewParser(DefaultOptions())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, archive, 64)

	files := p.ExtractedFiles()
	if len(files) != 1 {
		t.Fatalf("got %d entries, want 1 (deduped)", len(files))
	}
	if !bytes.Equal(files[0].Data, []byte("new")) {
		t.Fatalf("data = %q, want new (last wins)", files[0].Data)
	}
}

func TestParserDirectoryEntryIsHeaderOnly(t *testing.T) {
	raw := newTestV7Header(t, "dir/", 0)
	raw[offTypeflag] = byte(TypeDirectory)
	fillChecksum(&raw)

	p, err := NewParser(DefaultOptions())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, raw[:], 9)

	files := p.ExtractedFiles()
	if len(files) != 1 || files[0].Kind != EntryDirectory {
		t.Fatalf("got %+v, want one directory entry", files)
	}
}
