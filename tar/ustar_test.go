// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import (
	"bytes"
	"testing"
)

// newTestUstarHeader builds a minimal valid ustar header block with the
// given prefix field (possibly empty); a non-empty prefix is joined with
// name as "prefix/name" per §4.7's ustar dispatch.
func newTestUstarHeader(t *testing.T, prefix, name string, size uint64) block {
	t.Helper()
	var raw block
	copy(raw.name(), name)
	writeOctal(raw.mode(), 0o644, false)
	writeOctal(raw.uid(), 0, false)
	writeOctal(raw.gid(), 0, false)
	writeOctal(raw.size(), size, false)
	writeOctal(raw.mtime(), 0, false)
	raw[offTypeflag] = byte(TypeRegular)
	copy(raw.magic(), magicUstar)
	copy(raw.version(), versionUstar)
	copy(raw.ustarPrefix(), prefix)
	fillChecksum(&raw)
	return raw
}

func TestDispatchHeaderUstarPrefixJoin(t *testing.T) {
	raw := newTestUstarHeader(t, "a/b", "c.txt", 3)
	var buf bytes.Buffer
	buf.Write(raw[:])
	buf.WriteString("xyz")
	buf.Write(make([]byte, blockPadding(3)))

	p, err := NewParser(DefaultOptions())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, buf.Bytes(), 37)

	files := p.ExtractedFiles()
	if len(files) != 1 {
		t.Fatalf("got %d entries, want 1", len(files))
	}
	if files[0].Path != "a/b/c.txt" {
		t.Fatalf("path = %q, want a/b/c.txt", files[0].Path)
	}
	if !bytes.Equal(files[0].Data, []byte("xyz")) {
		t.Fatalf("data = %q, want xyz", files[0].Data)
	}
}

func TestDecodeHeaderUstarRank(t *testing.T) {
	raw := newTestUstarHeader(t, "", "plain.txt", 0)
	w := &vh{h: StrictViolationHandler{}}
	hf, derr := decodeHeader(&raw, w)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if !hf.ustarFormat {
		t.Fatalf("expected ustarFormat true for a ustar-magic header")
	}
	if hf.name != "plain.txt" {
		t.Fatalf("name = %q, want plain.txt", hf.name)
	}
}
