// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import (
	"strconv"
	"strings"
)

// paxState is the PAX sub-parser's suspension point, per §4.6.
type paxState int

const (
	paxParsingLength paxState = iota
	paxParsingKey
	paxParsingValue
)

// maxPaxLengthDigits bounds the decimal length prefix of a PAX record.
const maxPaxLengthDigits = maxDecimalDigits19

// sparseBuilder accumulates a GNU 0.0 (offset, numbytes) pair across two
// separate PAX records, flushing a SparseInstruction as soon as both halves
// have arrived (§9, "sparse instruction deduplication").
type sparseBuilder struct {
	offset    *uint64
	dataSize  *uint64
}

func (b *sparseBuilder) reset() { b.offset, b.dataSize = nil, nil }

// paxParser incrementally decodes "<len> <key>=<value>\n" PAX records and
// ingests recognized keys into typed, confidence-ranked slots.
type paxParser struct {
	state   paxState
	mode    PaxConfidence
	lengthCursor []byte
	remainingAfterLength int
	keyBuf  []byte
	key     string
	remainingAfterEquals int
	valueBuf []byte

	limits Limits

	path       PaxConfidentValue[string]
	linkTarget PaxConfidentValue[string]
	uname      PaxConfidentValue[string]
	gname      PaxConfidentValue[string]
	uid        PaxConfidentValue[uint32]
	gid        PaxConfidentValue[uint32]
	size       PaxConfidentValue[uint64]
	atime      PaxConfidentValue[TimeStamp]
	mtime      PaxConfidentValue[TimeStamp]
	ctime      PaxConfidentValue[TimeStamp]

	gnuSparseName     PaxConfidentValue[string]
	sparseRealSize1_0 PaxConfidentValue[uint64]
	sparseRealSize001 PaxConfidentValue[uint64]
	sparseMajor       *uint32
	sparseMinor       *uint32
	sparseMapLocal    LimitedVec[SparseInstruction]
	sparseBuilder     sparseBuilder

	globalAttributes         map[string]string
	unparsedGlobalAttributes LimitedMap[string, string]
	unparsedLocalAttributes  LimitedMap[string, string]
}

// newPaxParser constructs a parser with the given seed globals and bounded
// container limits (§5).
func newPaxParser(initialGlobal map[string]string, limits Limits, w *vh) (*paxParser, *Error) {
	p := &paxParser{
		limits:                   limits,
		lengthCursor:             make([]byte, 0, maxPaxLengthDigits),
		sparseMapLocal:           NewLimitedVec[SparseInstruction](limits.MaxSparseFileInstructions),
		globalAttributes:         make(map[string]string),
		unparsedGlobalAttributes: NewLimitedMap[string, string](limits.MaxUnparsedGlobalAttributes),
		unparsedLocalAttributes:  NewLimitedMap[string, string](limits.MaxUnparsedLocalAttributes),
		mode:                     PaxGlobal,
	}
	for k, v := range initialGlobal {
		if err := p.ingestAttribute(k, v, w); err != nil {
			return nil, err
		}
	}
	p.mode = PaxLocal
	return p, nil
}

// setMode selects whether subsequently ingested records apply GLOBAL or
// LOCAL confidence; the outer state machine sets this from the typeflag
// ('g' vs 'x') before forwarding bytes.
func (p *paxParser) setMode(mode PaxConfidence) { p.mode = mode }

// recover clears every local-only slot, the local unparsed map, and the
// sparse builder, and resets the record state machine — preserving global
// slots and global attributes, per §4.6 "Recovery".
func (p *paxParser) recover() {
	p.path.ResetLocal()
	p.linkTarget.ResetLocal()
	p.uname.ResetLocal()
	p.gname.ResetLocal()
	p.uid.ResetLocal()
	p.gid.ResetLocal()
	p.size.ResetLocal()
	p.atime.ResetLocal()
	p.mtime.ResetLocal()
	p.ctime.ResetLocal()
	p.gnuSparseName.ResetLocal()
	p.sparseRealSize1_0.ResetLocal()
	p.sparseRealSize001.ResetLocal()
	p.unparsedLocalAttributes.Clear()
	p.sparseMapLocal.Reset()
	p.sparseBuilder.reset()
	p.state = paxParsingLength
	p.lengthCursor = p.lengthCursor[:0]
	p.keyBuf = p.keyBuf[:0]
	p.valueBuf = p.valueBuf[:0]
}

func (p *paxParser) globalExtendedAttributes() map[string]string {
	out := make(map[string]string, len(p.globalAttributes))
	for k, v := range p.globalAttributes {
		out[k] = v
	}
	return out
}

// drainLocalUnparsedAttributes returns the union of the global and local
// unparsed-attribute maps, for attaching to the emitted inode.
func (p *paxParser) drainLocalUnparsedAttributes() map[string]string {
	out := p.unparsedGlobalAttributes.Clone()
	p.unparsedLocalAttributes.Range(func(k, v string) { out[k] = v })
	return out
}

// getSparseFormat derives the sparse format tag from GNU.sparse.major/minor
// if either was seen; SparseNone otherwise.
func (p *paxParser) getSparseFormat() SparseFormat {
	if p.sparseMajor == nil && p.sparseMinor == nil {
		return SparseNone
	}
	var major, minor uint32
	if p.sparseMajor != nil {
		major = *p.sparseMajor
	}
	if p.sparseMinor != nil {
		minor = *p.sparseMinor
	}
	return sparseFormatFromVersion(major, minor)
}

// write forwards up to len(data) bytes into the record parser, returning
// the number consumed. Per the driver contract it performs one state step
// and the caller loops while forward progress is made.
func (p *paxParser) write(data []byte, w *vh) (consumed int, err *Error) {
	switch p.state {
	case paxParsingLength:
		return p.stepLength(data, w)
	case paxParsingKey:
		return p.stepKey(data, w)
	default: // paxParsingValue
		return p.stepValue(data, w)
	}
}

func (p *paxParser) stepLength(data []byte, w *vh) (int, *Error) {
	for i, c := range data {
		if c == ' ' {
			n, ok := parseDecimalUint64(p.lengthCursor)
			consumedDigits := len(p.lengthCursor)
			p.lengthCursor = p.lengthCursor[:0]
			if !ok {
				p.state = paxParsingLength
				return i + 1, hfve(w, corruptField(CtxPaxKvLength, InvalidInteger))
			}
			remaining := int64(n) - int64(consumedDigits) - 1
			if remaining < 0 {
				return i + 1, hfve(w, corruptField(CtxPaxKvLength, InvalidInteger))
			}
			p.remainingAfterLength = int(remaining)
			p.state = paxParsingKey
			p.keyBuf = p.keyBuf[:0]
			return i + 1, nil
		}
		if len(p.lengthCursor) >= maxPaxLengthDigits {
			return i, hfve(w, limitExceeded(maxPaxLengthDigits, CtxLimitPaxLengthFieldDecimalStringTooLong, true))
		}
		p.lengthCursor = append(p.lengthCursor, c)
	}
	return len(data), nil
}

func (p *paxParser) stepKey(data []byte, w *vh) (int, *Error) {
	for i, c := range data {
		p.remainingAfterLength--
		if c == '=' {
			p.key = string(p.keyBuf)
			p.keyBuf = p.keyBuf[:0]
			p.remainingAfterEquals = p.remainingAfterLength
			p.valueBuf = p.valueBuf[:0]
			p.state = paxParsingValue
			return i + 1, nil
		}
		if len(p.keyBuf) >= p.limits.MaxPaxKeyValueLength {
			return i, hfve(w, limitExceeded(p.limits.MaxPaxKeyValueLength, CtxLimitPaxKvKeyTooLong, true))
		}
		p.keyBuf = append(p.keyBuf, c)
		if p.remainingAfterLength <= 0 {
			// Ran out of record before '=': treat as a malformed key.
			return i + 1, hfve(w, corruptField(CtxPaxKvKey, InvalidInteger))
		}
	}
	return len(data), nil
}

func (p *paxParser) stepValue(data []byte, w *vh) (int, *Error) {
	want := p.remainingAfterEquals - 1 // value bytes, excluding the trailing LF
	for i, c := range data {
		if len(p.valueBuf) < want {
			if len(p.valueBuf) >= p.limits.MaxPaxKeyValueLength {
				return i, hfve(w, limitExceeded(p.limits.MaxPaxKeyValueLength, CtxLimitPaxKvValueTooLong, true))
			}
			p.valueBuf = append(p.valueBuf, c)
			continue
		}
		// Expect the terminating LF.
		if c != '\n' {
			p.state = paxParsingLength
			return i + 1, hfve(w, errMissingNewline())
		}
		key, value := p.key, string(p.valueBuf)
		p.state = paxParsingLength
		p.lengthCursor = p.lengthCursor[:0]
		if err := p.ingestAttribute(key, value, w); err != nil {
			return i + 1, err
		}
		return i + 1, nil
	}
	return len(data), nil
}

func (p *paxParser) parseTime(s string) (TimeStamp, bool) {
	sec, nsec, hasNsec := s, "", false
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		sec, nsec, hasNsec = s[:idx], s[idx+1:], true
	}
	seconds, err := strconv.ParseUint(sec, 10, 64)
	if err != nil {
		return TimeStamp{}, false
	}
	var nanoseconds uint64
	if hasNsec {
		nanoseconds, err = strconv.ParseUint(nsec, 10, 32)
		if err != nil {
			return TimeStamp{}, false
		}
	}
	return TimeStamp{Seconds: seconds, Nanoseconds: uint32(nanoseconds)}, true
}

// tryFinishSparseInstruction flushes a completed (offset, size) pair from
// the GNU 0.0 builder into sparseMapLocal.
func (p *paxParser) tryFinishSparseInstruction(w *vh) *Error {
	if p.sparseBuilder.offset == nil || p.sparseBuilder.dataSize == nil {
		return nil
	}
	instr := SparseInstruction{OffsetBefore: *p.sparseBuilder.offset, DataSize: *p.sparseBuilder.dataSize}
	p.sparseBuilder.reset()
	return hpve(w, p.sparseMapLocal.Push(instr, CtxLimitTooManySparseFileInstructions))
}

// parseGnuSparseMap01 decodes a comma-separated "offset,size,offset,size,…"
// GNU.sparse.map value.
func (p *paxParser) parseGnuSparseMap01(value string, w *vh) *Error {
	var parts []string
	if value != "" {
		parts = strings.Split(value, ",")
	}
	if len(parts)%2 != 0 {
		return hpve(w, errSparseMapMalformed(len(parts)))
	}
	p.sparseMapLocal.Reset()
	for i := 0; i < len(parts); i += 2 {
		off, err1 := strconv.ParseUint(parts[i], 10, 64)
		size, err2 := strconv.ParseUint(parts[i+1], 10, 64)
		if err1 != nil || err2 != nil {
			return hpve(w, corruptField(CtxGnuSparseMapOffsetValue, InvalidInteger))
		}
		if err := p.sparseMapLocal.Push(SparseInstruction{OffsetBefore: off, DataSize: size}, CtxLimitTooManySparseFileInstructions); err != nil {
			return hfve(w, err)
		}
	}
	return nil
}

// ingestAttribute applies the exhaustive typed-key ingestion table of §4.6.
func (p *paxParser) ingestAttribute(key, value string, w *vh) *Error {
	conf := p.mode
	wrongScope := func(expected string) *Error {
		actual := "global"
		if conf == PaxLocal {
			actual = "local"
		}
		return hpve(w, errWrongScope(key, expected, actual))
	}

	switch key {
	case paxPath:
		p.path.Insert(conf, value)
	case paxLinkpath:
		p.linkTarget.Insert(conf, value)
	case paxUname:
		p.uname.Insert(conf, value)
	case paxGname:
		p.gname.Insert(conf, value)
	case paxUID:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return hpve(w, corruptField(CtxPaxWellKnownUid, InvalidInteger))
		}
		p.uid.Insert(conf, uint32(n))
	case paxGID:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return hpve(w, corruptField(CtxPaxWellKnownGid, InvalidInteger))
		}
		p.gid.Insert(conf, uint32(n))
	case paxSize:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return hpve(w, corruptField(CtxPaxWellKnownSize, InvalidInteger))
		}
		p.size.Insert(conf, n)
	case paxAtime:
		ts, ok := p.parseTime(value)
		if !ok {
			return hpve(w, corruptField(CtxPaxWellKnownAtime, InvalidInteger))
		}
		p.atime.Insert(conf, ts)
	case paxMtime:
		ts, ok := p.parseTime(value)
		if !ok {
			return hpve(w, corruptField(CtxPaxWellKnownMtime, InvalidInteger))
		}
		p.mtime.Insert(conf, ts)
	case paxCtime:
		ts, ok := p.parseTime(value)
		if !ok {
			return hpve(w, corruptField(CtxPaxWellKnownCtime, InvalidInteger))
		}
		p.ctime.Insert(conf, ts)

	case paxGnuSparseName:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		p.gnuSparseName.Insert(conf, value)
	case paxGnuSparseRealSize:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseRealFileSize, InvalidInteger))
		}
		p.sparseRealSize1_0.Insert(conf, n)
	case paxGnuSparseSize:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseRealFileSize, InvalidInteger))
		}
		p.sparseRealSize001.Insert(conf, n)
	case paxGnuSparseMajor:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseMajorVersion, InvalidInteger))
		}
		v := uint32(n)
		p.sparseMajor = &v
	case paxGnuSparseMinor:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseMinorVersion, InvalidInteger))
		}
		v := uint32(n)
		p.sparseMinor = &v
	case paxGnuSparseNumBlocks:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseNumberOfMaps, InvalidInteger))
		}
		if resizeErr := p.sparseMapLocal.Resize(int(n), CtxLimitTooManySparseFileInstructions); resizeErr != nil {
			return hpve(w, resizeErr)
		}
	case paxGnuSparseOffset:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseMapOffsetValue, InvalidInteger))
		}
		p.sparseBuilder.offset = &n
		return p.tryFinishSparseInstruction(w)
	case paxGnuSparseNumBytes:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return hpve(w, corruptField(CtxGnuSparseMapSizeValue, InvalidInteger))
		}
		p.sparseBuilder.dataSize = &n
		return p.tryFinishSparseInstruction(w)
	case paxGnuSparseMap:
		if conf != PaxLocal {
			return wrongScope("local")
		}
		return p.parseGnuSparseMap01(value, w)

	default:
		if conf == PaxGlobal {
			return hpve(w, p.unparsedGlobalAttributes.Insert(key, value, CtxLimitPaxTooManyUnparsedGlobalAttributes))
		}
		return hpve(w, p.unparsedLocalAttributes.Insert(key, value, CtxLimitPaxTooManyUnparsedLocalAttributes))
	}

	if conf == PaxGlobal {
		if len(p.globalAttributes) >= p.limits.MaxGlobalAttributes {
			if _, exists := p.globalAttributes[key]; !exists {
				return hpve(w, limitExceeded(p.limits.MaxGlobalAttributes, CtxLimitPaxTooManyGlobalAttributes, false))
			}
		}
		p.globalAttributes[key] = value
	}
	return nil
}
