// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import (
	"bytes"
	"testing"
)

// buildGnuSparse10Entry assembles a GNU sparse-1.0 entry: a PAX local
// header announcing GNU.sparse.major/minor=1/0 and the real (unsparse)
// file size, followed by a regular-file header whose data section opens
// with the embedded decimal sparse map (§4.5) ahead of the real content.
//
// The map here is a single run: realSize bytes total, with content
// occupying [mapOffset, mapOffset+len(content)) and everything else an
// implicit hole.
func buildGnuSparse10Entry(t *testing.T, name string, realSize, mapOffset uint64, content []byte) []byte {
	t.Helper()
	paxRecords := paxRecord(paxGnuSparseMajor, "1") +
		paxRecord(paxGnuSparseMinor, "0") +
		paxRecord(paxGnuSparseRealSize, itoa(realSize))

	mapBlob := "1\n" + itoa(mapOffset) + "\n" + itoa(uint64(len(content))) + "\n"
	mapPadded := append([]byte(mapBlob), make([]byte, blockPadding(uint64(len(mapBlob))))...)
	dataSection := append(append([]byte{}, mapPadded...), content...)

	var entry block
	copy(entry.name(), name)
	writeOctal(entry.mode(), 0o644, false)
	writeOctal(entry.uid(), 0, false)
	writeOctal(entry.gid(), 0, false)
	writeOctal(entry.size(), uint64(len(dataSection)), false)
	writeOctal(entry.mtime(), 0, false)
	entry[offTypeflag] = byte(TypeRegular)
	fillChecksum(&entry)

	var entryBuf bytes.Buffer
	entryBuf.Write(entry[:])
	entryBuf.Write(dataSection)
	entryBuf.Write(make([]byte, blockPadding(uint64(len(dataSection)))))

	return buildPaxEntry(t, TypeXHeader, paxRecords, entryBuf.Bytes())
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func TestParserGnuSparse10(t *testing.T) {
	archive := buildGnuSparse10Entry(t, "sparse.bin", 5, 2, []byte("abc"))

	p, err := NewParser(DefaultOptions())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, archive, 53)

	files := p.ExtractedFiles()
	if len(files) != 1 {
		t.Fatalf("got %d entries, want 1", len(files))
	}
	f := files[0]
	if f.Path != "sparse.bin" {
		t.Fatalf("path = %q, want sparse.bin", f.Path)
	}
	if f.SparseFormat != SparseGnu1_0 {
		t.Fatalf("SparseFormat = %v, want SparseGnu1_0", f.SparseFormat)
	}
	if f.RealSize != 5 {
		t.Fatalf("RealSize = %d, want 5", f.RealSize)
	}
	if !bytes.Equal(f.Data, []byte("abc")) {
		t.Fatalf("Data = %q, want abc", f.Data)
	}
	if len(f.Sparse) != 1 || f.Sparse[0].OffsetBefore != 2 || f.Sparse[0].DataSize != 3 {
		t.Fatalf("Sparse = %+v, want one run {OffsetBefore:2 DataSize:3}", f.Sparse)
	}
}
