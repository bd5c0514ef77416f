// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

// gnuSparse10State is the sub-parser's suspension point, per §4.5.
type gnuSparse10State int

const (
	sparse10ParsingNumberOfMaps gnuSparse10State = iota
	sparse10ParsingMapEntry
	sparse10SkippingPadding
	sparse10Finished
)

// maxDecimalDigits19 is the fixed cap on the decimal-string cursors used by
// the GNU-1.0 sub-parser: the longest base-10 representation of a uint64
// (20 digits) plus the trailing delimiter, per §4.5 ("21 chars").
const maxDecimalDigits19 = 21

// gnuSparse10Parser incrementally decodes a GNU sparse-1.0 map embedded in
// the first bytes of a file's data payload: a decimal entry count, then
// that many (offset, size) decimal pairs, each LF-terminated, then NUL
// padding to the next 512-byte boundary.
type gnuSparse10Parser struct {
	state         gnuSparse10State
	bytesRead     uint64
	cursor        []byte // fixed-cap decimal digit accumulator
	remainingMaps uint64
	remainingPad  uint64
	offsetBefore  *uint64 // set once the offset half of a pair is parsed

	instructions []SparseInstruction
}

func newGnuSparse10Parser() *gnuSparse10Parser {
	return &gnuSparse10Parser{cursor: make([]byte, 0, maxDecimalDigits19)}
}

func (p *gnuSparse10Parser) reset() {
	*p = gnuSparse10Parser{cursor: p.cursor[:0]}
}

// parse consumes a prefix of data, returning the number of bytes consumed.
// Per the driver contract, it performs exactly one state step and the
// caller loops while forward progress is made.
func (p *gnuSparse10Parser) parse(data []byte, w *vh, limits Limits) (consumed int, err *Error) {
	switch p.state {
	case sparse10ParsingNumberOfMaps:
		return p.stepNumberOfMaps(data, w)
	case sparse10ParsingMapEntry:
		return p.stepMapEntry(data, w, limits)
	case sparse10SkippingPadding:
		return p.stepSkipPadding(data)
	default: // Finished
		return 0, nil
	}
}

func (p *gnuSparse10Parser) stepNumberOfMaps(data []byte, w *vh) (int, *Error) {
	for i, c := range data {
		if c == '\n' {
			n, ok := parseDecimalUint64(p.cursor)
			p.cursor = p.cursor[:0]
			p.bytesRead += uint64(i + 1)
			if !ok {
				return i + 1, hfve(w, corruptField(CtxGnuSparseNumberOfMaps, InvalidInteger))
			}
			if n == 0 {
				p.state = sparse10Finished
				return i + 1, nil
			}
			p.remainingMaps = n
			p.state = sparse10ParsingMapEntry
			return i + 1, nil
		}
		if len(p.cursor) >= maxDecimalDigits19 {
			return i, hfve(w, limitExceeded(maxDecimalDigits19, CtxLimitGnuSparse10MapDecimalStringTooLong, true))
		}
		p.cursor = append(p.cursor, c)
	}
	p.bytesRead += uint64(len(data))
	return len(data), nil
}

func (p *gnuSparse10Parser) stepMapEntry(data []byte, w *vh, limits Limits) (int, *Error) {
	for i, c := range data {
		if c == '\n' {
			ctx := CtxGnuSparseMapOffsetValue
			if p.offsetBefore != nil {
				ctx = CtxGnuSparseMapSizeValue
			}
			n, ok := parseDecimalUint64(p.cursor)
			p.cursor = p.cursor[:0]
			p.bytesRead += uint64(i + 1)
			if !ok {
				return i + 1, hfve(w, corruptField(ctx, InvalidInteger))
			}
			if p.offsetBefore == nil {
				off := n
				p.offsetBefore = &off
				return i + 1, nil
			}
			instr := SparseInstruction{OffsetBefore: *p.offsetBefore, DataSize: n}
			p.offsetBefore = nil
			if len(p.instructions) >= limits.MaxSparseFileInstructions {
				return i + 1, hfve(w, limitExceeded(limits.MaxSparseFileInstructions, CtxLimitTooManySparseFileInstructions, false))
			}
			p.instructions = append(p.instructions, instr)
			p.remainingMaps--
			if p.remainingMaps == 0 {
				p.remainingPad = blockPadding(p.bytesRead)
				if p.remainingPad == 0 {
					p.state = sparse10Finished
				} else {
					p.state = sparse10SkippingPadding
				}
			}
			return i + 1, nil
		}
		if len(p.cursor) >= maxDecimalDigits19 {
			ctx := CtxLimitGnuSparse10MapOffsetEntryDecimalStringTooLong
			if p.offsetBefore != nil {
				ctx = CtxLimitGnuSparse10MapSizeEntryDecimalStringTooLong
			}
			return i, hfve(w, limitExceeded(maxDecimalDigits19, ctx, true))
		}
		p.cursor = append(p.cursor, c)
	}
	p.bytesRead += uint64(len(data))
	return len(data), nil
}

func (p *gnuSparse10Parser) stepSkipPadding(data []byte) (int, *Error) {
	n := uint64(len(data))
	if n > p.remainingPad {
		n = p.remainingPad
	}
	p.remainingPad -= n
	p.bytesRead += n
	if p.remainingPad == 0 {
		p.state = sparse10Finished
	}
	return int(n), nil
}

func (p *gnuSparse10Parser) finished() bool { return p.state == sparse10Finished }

// parseDecimalUint64 decodes an ASCII decimal digit sequence. An empty
// sequence is invalid (unlike parseOctal's empty-is-zero header fields,
// which exist in a fixed-width space-padded context).
func parseDecimalUint64(digits []byte) (uint64, bool) {
	if len(digits) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}
