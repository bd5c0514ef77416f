// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import "testing"

func TestParseOctal(t *testing.T) {
	cases := []struct {
		name  string
		field string
		want  uint64
		ok    bool
	}{
		{"zero padded", "0000644\x00", 0o644, true},
		{"space padded", "   644 ", 0o644, true},
		{"all spaces", "        ", 0, true},
		{"all nul", "\x00\x00\x00\x00", 0, true},
		{"invalid digit", "00008\x00", 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := parseOctal([]byte(c.field))
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && got != c.want {
				t.Fatalf("got %o, want %o", got, c.want)
			}
		})
	}
}

func TestBlockPadding(t *testing.T) {
	cases := []struct {
		n    uint64
		want uint64
	}{
		{0, 0},
		{1, 511},
		{512, 0},
		{513, 511},
		{1024, 0},
		{1025, 511},
	}
	for _, c := range cases {
		if got := blockPadding(c.n); got != c.want {
			t.Errorf("blockPadding(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestDecodeHeaderRejectsUnknownMagic(t *testing.T) {
	var raw block
	copy(raw.magic(), "bogus\x00")
	copy(raw.version(), "00")
	fillChecksum(&raw)

	w := &vh{h: StrictViolationHandler{}}
	_, err := decodeHeader(&raw, w)
	if err == nil || err.Kind != KindHeaderParser {
		t.Fatalf("expected KindHeaderParser error, got %v", err)
	}
	if err.Severity != Fatal {
		t.Fatalf("expected unknown magic to be fatal, got %v", err.Severity)
	}
}

func TestDecodeHeaderChecksumMismatch(t *testing.T) {
	var raw block
	copy(raw.name(), "file.txt\x00")
	fillChecksum(&raw)
	writeOctal(raw.chksum(), 0, true) // overwrite with a valid-but-wrong checksum

	w := &vh{h: StrictViolationHandler{}}
	_, err := decodeHeader(&raw, w)
	if err == nil || err.HeaderField != "checksum" {
		t.Fatalf("expected corrupt checksum error, got %v", err)
	}
}

func TestDecodeHeaderV7Regular(t *testing.T) {
	raw := newTestV7Header(t, "hello.txt", 5)
	w := &vh{h: StrictViolationHandler{}}
	hf, err := decodeHeader(&raw, w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hf.name != "hello.txt" {
		t.Fatalf("name = %q, want hello.txt", hf.name)
	}
	if hf.size != 5 {
		t.Fatalf("size = %d, want 5", hf.size)
	}
	if hf.gnuFormat || hf.ustarFormat {
		t.Fatalf("expected plain v7 header, got gnu=%v ustar=%v", hf.gnuFormat, hf.ustarFormat)
	}
}

// fillChecksum computes and writes raw's checksum field in the standard
// six-octal-digit-NUL-space layout.
func fillChecksum(raw *block) {
	sum := raw.computeChecksum()
	writeOctal(raw.chksum(), uint64(sum), true)
}

// newTestV7Header builds a minimal valid v7 header block for name/size.
func newTestV7Header(t *testing.T, name string, size uint64) block {
	t.Helper()
	var raw block
	copy(raw.name(), name)
	writeOctal(raw.mode(), 0o644, false)
	writeOctal(raw.uid(), 0, false)
	writeOctal(raw.gid(), 0, false)
	writeOctal(raw.size(), size, false)
	writeOctal(raw.mtime(), 0, false)
	raw[offTypeflag] = byte(TypeRegular)
	fillChecksum(&raw)
	return raw
}

// writeOctal writes an octal ASCII field, NUL terminated and left-padded
// with '0'. chksumField additionally leaves a trailing space (the on-wire
// convention for the checksum field specifically).
func writeOctal(field []byte, v uint64, chksumField bool) {
	width := len(field) - 1
	if chksumField {
		width = len(field) - 2
	}
	for i := width - 1; i >= 0; i-- {
		field[i] = byte('0' + v%8)
		v /= 8
	}
	field[width] = 0
	if chksumField {
		field[width+1] = ' '
	}
}
