// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import (
	"bytes"
	"fmt"
	"testing"
)

// paxRecord formats one "<len> key=value\n" PAX extended header record,
// computing the self-inclusive decimal length per §4.6.
func paxRecord(key, value string) string {
	n := len(key) + len(value) + 3 // space + '=' + '\n'
	total := len(fmt.Sprintf("%d", n)) + n
	for {
		digits := len(fmt.Sprintf("%d", total))
		if digits+n == total {
			return fmt.Sprintf("%d %s=%s\n", total, key, value)
		}
		total = digits + n
	}
}

// buildPaxEntry returns one typeflag-x (or -g, via typeflag) PAX extended
// header block followed by its record payload, block-padded, followed by
// whatever next holds (typically the real entry it annotates).
func buildPaxEntry(t *testing.T, typeflag TypeFlag, records string, next []byte) []byte {
	t.Helper()
	var raw block
	copy(raw.name(), "PaxHeaders/entry")
	writeOctal(raw.mode(), 0o644, false)
	writeOctal(raw.uid(), 0, false)
	writeOctal(raw.gid(), 0, false)
	writeOctal(raw.size(), uint64(len(records)), false)
	writeOctal(raw.mtime(), 0, false)
	raw[offTypeflag] = byte(typeflag)
	fillChecksum(&raw)

	var buf bytes.Buffer
	buf.Write(raw[:])
	buf.WriteString(records)
	buf.Write(make([]byte, blockPadding(uint64(len(records)))))
	buf.Write(next)
	return buf.Bytes()
}

func TestPaxLocalPathOverridesUstarName(t *testing.T) {
	entry := newTestUstarHeader(t, "old/prefix", "old-name.txt", 4)
	var tail bytes.Buffer
	tail.Write(entry[:])
	tail.WriteString("data")
	tail.Write(make([]byte, blockPadding(4)))

	records := paxRecord(paxPath, "pax/override.txt")
	archive := buildPaxEntry(t, TypeXHeader, records, tail.Bytes())

	p, err := NewParser(DefaultOptions())
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, archive, 29)

	files := p.ExtractedFiles()
	if len(files) != 1 {
		t.Fatalf("got %d entries, want 1", len(files))
	}
	if files[0].Path != "pax/override.txt" {
		t.Fatalf("path = %q, want pax/override.txt (PAX local beats ustar prefix join)", files[0].Path)
	}
}

func TestPaxGlobalAttributePersistsAndLocalOverrides(t *testing.T) {
	globalRecords := paxRecord(paxUID, "9999")
	var archive []byte
	archive = append(archive, buildPaxEntry(t, TypeXGlobalHeader, globalRecords, nil)...)
	archive = append(archive, buildV7Entry(t, "first.txt", []byte("a"))...)

	localRecords := paxRecord(paxUID, "42")
	secondTail := buildV7Entry(t, "second.txt", []byte("b"))
	archive = append(archive, buildPaxEntry(t, TypeXHeader, localRecords, secondTail)...)

	archive = append(archive, buildV7Entry(t, "third.txt", []byte("c"))...)

	opts := DefaultOptions()
	opts.KeepOnlyLast = false
	p, err := NewParser(opts)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	feedInChunks(t, p, archive, 64)

	files := p.ExtractedFiles()
	if len(files) != 3 {
		t.Fatalf("got %d entries, want 3", len(files))
	}
	if files[0].Path != "first.txt" || files[0].UID != 9999 {
		t.Fatalf("first.txt: path=%q uid=%d, want first.txt uid=9999 (inherits global)", files[0].Path, files[0].UID)
	}
	if files[1].Path != "second.txt" || files[1].UID != 42 {
		t.Fatalf("second.txt: path=%q uid=%d, want second.txt uid=42 (local beats global)", files[1].Path, files[1].UID)
	}
	if files[2].Path != "third.txt" || files[2].UID != 9999 {
		t.Fatalf("third.txt: path=%q uid=%d, want third.txt uid=9999 (local scope reset, global persists)", files[2].Path, files[2].UID)
	}

	if got := p.GlobalExtendedAttributes()[paxUID]; got != "9999" {
		t.Fatalf("GlobalExtendedAttributes()[uid] = %q, want 9999", got)
	}
}

// TestPaxGlobalAttributeCapEnforcedForUID regression-tests the fix to
// tar/pax.go's paxUID branch: it used to write directly into
// globalAttributes and return before the shared MaxGlobalAttributes cap
// check ran, so a "uid" record could always slip in past an already-full
// global attribute set. paxGID is a distinct well-known key used purely to
// fill the cap to its limit before the uid record is attempted.
func TestPaxGlobalAttributeCapEnforcedForUID(t *testing.T) {
	records := paxRecord(paxGID, "1") + paxRecord(paxUID, "123")
	archive := buildPaxEntry(t, TypeXGlobalHeader, records, nil)

	opts := DefaultOptions()
	opts.Limits.MaxGlobalAttributes = 1
	p, err := NewParser(opts)
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	_, werr := p.Write(archive)
	if werr == nil {
		t.Fatalf("expected MaxGlobalAttributes cap to reject the uid record once the set is full, got nil error")
	}
}
