// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import (
	"github.com/cespare/xxhash/v2"
)

// parserState is the outer state machine's suspension point (§4.7).
type parserState int

const (
	stateReadingHeader parserState = iota
	stateReadingOldGnuSparseExt
	stateSkippingData
	stateParsingGnuLongName
	stateReadingFileData
	stateParsingPaxData
	stateParsingGnuSparse1_0
)

// dataPurpose distinguishes what stateReadingFileData's collected bytes are
// used for: a regular file's content, or a buffered GNU long name/linkname
// that applies to the header immediately following it.
type dataPurpose int

const (
	purposeRegularData dataPurpose = iota
	purposeGnuLongName
	purposeGnuLongLink
)

// inodeBuilder accumulates one entry's fields across its header block(s) and
// any preceding GNU long-name/PAX extension headers, via confidence-ranked
// merge, until the entry's data (if any) is fully read and it can be
// emitted as an Inode.
type inodeBuilder struct {
	path       ConfidentValue[string]
	linkTarget ConfidentValue[string]
	uid        ConfidentValue[uint32]
	gid        ConfidentValue[uint32]
	uname      ConfidentValue[string]
	gname      ConfidentValue[string]
	mtime      ConfidentValue[TimeStamp]
	atime      ConfidentValue[TimeStamp]
	ctime      ConfidentValue[TimeStamp]
	size       ConfidentValue[uint64]

	mode       FilePermissions
	typeflag   TypeFlag
	devMajor   uint32
	devMinor   uint32

	sparse       []SparseInstruction
	sparseFormat SparseFormat
	realSize     uint64
	hasRealSize  bool
}

func (b *inodeBuilder) reset() { *b = inodeBuilder{} }

// kind maps the wire typeflag to the exported EntryKind.
func (b *inodeBuilder) kind() EntryKind {
	switch b.typeflag {
	case TypeHardLink:
		return EntryHardLink
	case TypeSymlink:
		return EntrySymbolicLink
	case TypeCharDevice:
		return EntryCharacterDevice
	case TypeBlockDevice:
		return EntryBlockDevice
	case TypeDirectory:
		return EntryDirectory
	case TypeFifo:
		return EntryFifo
	default:
		return EntryRegularFile
	}
}

// pathIndex maps a path to its slot in Parser.extractedFiles, hashed with
// xxhash so KeepOnlyLast dedup never does an O(n) string scan per entry.
type pathIndex struct {
	buckets map[uint64][]int
}

func newPathIndex() pathIndex { return pathIndex{buckets: make(map[uint64][]int)} }

func (pi *pathIndex) find(files []Inode, path string) (int, bool) {
	h := xxhash.Sum64String(path)
	for _, idx := range pi.buckets[h] {
		if files[idx].Path == path {
			return idx, true
		}
	}
	return 0, false
}

func (pi *pathIndex) record(path string, idx int) {
	h := xxhash.Sum64String(path)
	pi.buckets[h] = append(pi.buckets[h], idx)
}

// Stats summarizes one archive's parse, for diagnostics (§4.7 expansion).
type Stats struct {
	EntriesEmitted  int
	BytesConsumed   uint64
	ViolationsSeen  int
}

// Parser incrementally decodes a tar byte stream pushed to it via Write. It
// never blocks on a read: every call processes whatever prefix of the
// supplied bytes it can and reports how many bytes it consumed, per §3's
// push interface.
type Parser struct {
	opts Options
	vh   *vh

	state parserState

	headerBuf []byte // accumulates one 512-byte block

	building inodeBuilder
	pendingGnuLongName *string
	pendingGnuLongLink *string

	dataPurpose   dataPurpose
	dataBuf       []byte
	dataRemaining uint64
	paddingRemaining uint64

	pax        *paxParser
	sparse10   *gnuSparse10Parser
	sparse10TotalRemaining uint64 // bytes in the data section not yet handed to sparse10

	extractedFiles []Inode
	pathIdx        pathIndex
	typeFlagCounts map[TypeFlag]int
	bytesConsumed  uint64
}

// NewParser constructs a Parser. A nil Handler is replaced with
// StrictViolationHandler and a zero Limits with DefaultLimits;
// KeepOnlyLast is used exactly as given.
func NewParser(opts Options) (*Parser, error) {
	if opts.Handler == nil {
		opts.Handler = StrictViolationHandler{}
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	w := &vh{h: opts.Handler}
	pax, err := newPaxParser(opts.InitialGlobalExtendedAttributes, opts.Limits, w)
	if err != nil {
		return nil, err
	}
	return &Parser{
		opts:           opts,
		vh:             w,
		headerBuf:      make([]byte, 0, blockSize),
		pax:            pax,
		pathIdx:        newPathIndex(),
		typeFlagCounts: make(map[TypeFlag]int),
	}, nil
}

// Write pushes the next bytes of the archive and returns how many of them
// were consumed. A short count (including 0, when data is non-empty) means
// the parser suspended waiting for more bytes than this call offered; the
// caller must supply the unconsumed remainder, unmodified, at the front of
// its next call.
//
// Some internal states advance with a bare transition and no byte
// consumption (e.g. finishing one entry and arming the next). Write keeps
// looping through those for free as long as each step either consumes a
// byte or changes state; it only suspends when a step reports zero
// consumption with the state unchanged, which means the parser genuinely
// needs more input than is available.
func (p *Parser) Write(data []byte) (int, error) {
	total := 0
	for len(data) > 0 {
		before := p.state
		n, err := p.step(data)
		total += n
		p.bytesConsumed += uint64(n)
		data = data[n:]
		if err != nil {
			return total, err
		}
		if n == 0 && p.state == before {
			break
		}
	}
	return total, nil
}

// Flush signals end of input. A well-formed archive may end after its
// final entry and trailing zero blocks without error; a truncated entry
// still in progress is reported.
func (p *Parser) Flush() error {
	if p.state == stateReadingHeader && len(p.headerBuf) == 0 {
		return nil
	}
	return hfve(p.vh, &Error{Kind: KindHeaderParser, Severity: Fatal, HeaderField: "truncated"})
}

func (p *Parser) ExtractedFiles() []Inode { return p.extractedFiles }

func (p *Parser) GlobalExtendedAttributes() map[string]string { return p.pax.globalExtendedAttributes() }

func (p *Parser) FoundTypeFlags() map[TypeFlag]int {
	out := make(map[TypeFlag]int, len(p.typeFlagCounts))
	for k, v := range p.typeFlagCounts {
		out[k] = v
	}
	return out
}

func (p *Parser) Stats() Stats {
	violations := 0
	if audit, ok := p.opts.Handler.(*AuditViolationHandler); ok {
		violations = len(audit.Violations)
	}
	return Stats{
		EntriesEmitted: len(p.extractedFiles),
		BytesConsumed:  p.bytesConsumed,
		ViolationsSeen: violations,
	}
}

// Recover resets the parser to the start of a fresh header, discarding any
// partially built entry and PAX local state, after a fatal error. Global
// PAX state and already-emitted entries are preserved.
func (p *Parser) Recover() {
	p.state = stateReadingHeader
	p.headerBuf = p.headerBuf[:0]
	p.building.reset()
	p.pendingGnuLongName = nil
	p.pendingGnuLongLink = nil
	p.dataBuf = nil
	p.dataRemaining = 0
	p.paddingRemaining = 0
	p.pax.recover()
	if p.sparse10 != nil {
		p.sparse10.reset()
	}
}

// step performs exactly one state transition, consuming a prefix of data.
func (p *Parser) step(data []byte) (int, *Error) {
	switch p.state {
	case stateReadingHeader:
		return p.stepReadingHeader(data)
	case stateReadingOldGnuSparseExt:
		return p.stepReadingOldGnuSparseExt(data)
	case stateSkippingData:
		return p.stepSkipping(data)
	case stateParsingGnuLongName:
		return p.stepReadingData(data)
	case stateReadingFileData:
		return p.stepReadingData(data)
	case stateParsingPaxData:
		return p.stepParsingPaxData(data)
	case stateParsingGnuSparse1_0:
		return p.stepParsingGnuSparse1_0(data)
	default:
		return 0, nil
	}
}

func (p *Parser) stepReadingHeader(data []byte) (int, *Error) {
	need := blockSize - len(p.headerBuf)
	n := len(data)
	if n > need {
		n = need
	}
	p.headerBuf = append(p.headerBuf, data[:n]...)
	if len(p.headerBuf) < blockSize {
		return n, nil
	}

	var raw block
	copy(raw[:], p.headerBuf)
	p.headerBuf = p.headerBuf[:0]

	if raw.isZero() {
		return n, nil // end-of-archive padding block; stay ready for more
	}

	hf, err := decodeHeader(&raw, p.vh)
	if err != nil {
		return n, err
	}

	p.typeFlagCounts[hf.typeflag]++
	p.dispatchHeader(hf)
	return n, nil
}

// dispatchHeader merges hf into the in-progress builder and selects the
// next state per the §4.7 typeflag dispatch table.
func (p *Parser) dispatchHeader(hf *headerFields) {
	switch hf.typeflag {
	case TypeGnuLongName:
		p.beginAuxiliaryData(hf.size, purposeGnuLongName)
		return
	case TypeGnuLongLink:
		p.beginAuxiliaryData(hf.size, purposeGnuLongLink)
		return
	case TypeXHeader:
		p.pax.setMode(PaxLocal)
		p.beginPaxData(hf.size)
		return
	case TypeXGlobalHeader:
		p.pax.setMode(PaxGlobal)
		p.beginPaxData(hf.size)
		return
	}

	p.mergeHeaderFields(hf)

	rank := RankV7
	switch {
	case hf.gnuFormat:
		rank = RankGnu
	case hf.ustarFormat:
		rank = RankUstar
	}

	name := hf.name
	if hf.ustarFormat && hf.prefix != "" {
		name = hf.prefix + "/" + name
	}
	p.building.path.Set(rank, name)
	if p.pendingGnuLongName != nil {
		p.building.path.Set(RankGnu, *p.pendingGnuLongName)
		p.pendingGnuLongName = nil
	}
	p.building.linkTarget.Set(rank, hf.linkname)
	if p.pendingGnuLongLink != nil {
		p.building.linkTarget.Set(RankGnu, *p.pendingGnuLongLink)
		p.pendingGnuLongLink = nil
	}

	p.mergePax()

	if hf.typeflag == TypeGnuSparse && hf.gnuIsExtended {
		p.state = stateReadingOldGnuSparseExt
		return
	}

	p.beginDataOrEmit(hf)
}

func (p *Parser) mergeHeaderFields(hf *headerFields) {
	rank := RankV7
	switch {
	case hf.gnuFormat:
		rank = RankGnu
	case hf.ustarFormat:
		rank = RankUstar
	}
	b := &p.building
	b.typeflag = hf.typeflag
	b.mode = parsePermissions(hf.mode)
	b.uid.Set(rank, hf.uid)
	b.gid.Set(rank, hf.gid)
	b.uname.Set(rank, hf.uname)
	b.gname.Set(rank, hf.gname)
	b.size.Set(rank, hf.size)
	b.mtime.Set(rank, TimeStamp{Seconds: hf.mtime})
	if hf.gnuHasTimes {
		b.atime.Set(RankGnu, TimeStamp{Seconds: hf.gnuAtime})
		b.ctime.Set(RankGnu, TimeStamp{Seconds: hf.gnuCtime})
	}
	b.devMajor = hf.devMajor
	b.devMinor = hf.devMinor

	if len(hf.gnuSparse) > 0 {
		b.sparse = append(b.sparse, hf.gnuSparse...)
		b.sparseFormat = SparseGnuOld
	}
	if hf.gnuHasRealSize {
		b.realSize, b.hasRealSize = hf.gnuRealSize, true
	}
}

// mergePax absorbs the PAX local/global slots accumulated so far into the
// builder, at their PaxConfidence-derived rank.
func (p *Parser) mergePax() {
	b := &p.building
	b.path.UpdateWith(p.pax.path.ToConfidentValue())
	b.linkTarget.UpdateWith(p.pax.linkTarget.ToConfidentValue())
	b.uname.UpdateWith(p.pax.uname.ToConfidentValue())
	b.gname.UpdateWith(p.pax.gname.ToConfidentValue())
	b.uid.UpdateWith(p.pax.uid.ToConfidentValue())
	b.gid.UpdateWith(p.pax.gid.ToConfidentValue())
	b.size.UpdateWith(p.pax.size.ToConfidentValue())
	b.atime.UpdateWith(p.pax.atime.ToConfidentValue())
	b.mtime.UpdateWith(p.pax.mtime.ToConfidentValue())
	b.ctime.UpdateWith(p.pax.ctime.ToConfidentValue())

	if realSize, ok := p.pax.sparseRealSize1_0.Get(); ok {
		b.realSize, b.hasRealSize = realSize, true
	} else if realSize, ok := p.pax.sparseRealSize001.Get(); ok {
		b.realSize, b.hasRealSize = realSize, true
	}
}

// beginAuxiliaryData transitions into reading n bytes of GNU long
// name/linkname data, applied to the header that follows.
func (p *Parser) beginAuxiliaryData(n uint64, purpose dataPurpose) {
	p.dataPurpose = purpose
	p.dataBuf = p.dataBuf[:0]
	p.dataRemaining = n
	p.paddingRemaining = blockPadding(n)
	p.state = stateParsingGnuLongName
}

func (p *Parser) beginPaxData(n uint64) {
	p.dataRemaining = n
	p.paddingRemaining = blockPadding(n)
	p.state = stateParsingPaxData
}

// beginDataOrEmit selects the data-bearing path for a real entry header:
// header-only kinds emit immediately and skip any hf.size bytes of data
// via stateSkippingData; GNU-1.0 sparse regular files read an embedded
// sparse map first; everything else reads hf.size bytes of data into
// memory.
func (p *Parser) beginDataOrEmit(hf *headerFields) {
	if hf.typeflag.isHeaderOnly() {
		p.emit()
		if hf.size == 0 {
			p.state = stateReadingHeader
			return
		}
		p.dataRemaining = hf.size
		p.paddingRemaining = blockPadding(hf.size)
		p.state = stateSkippingData
		return
	}

	if p.pax.getSparseFormat() == SparseGnu1_0 && hf.typeflag != TypeGnuSparse {
		if p.sparse10 == nil {
			p.sparse10 = newGnuSparse10Parser()
		} else {
			p.sparse10.reset()
		}
		p.sparse10TotalRemaining = hf.size
		p.state = stateParsingGnuSparse1_0
		return
	}

	p.dataPurpose = purposeRegularData
	p.dataBuf = p.dataBuf[:0]
	p.dataRemaining = hf.size
	p.paddingRemaining = blockPadding(hf.size)
	p.state = stateReadingFileData
}

func (p *Parser) stepSkipping(data []byte) (int, *Error) {
	if p.dataRemaining > 0 {
		n := uint64(len(data))
		if n > p.dataRemaining {
			n = p.dataRemaining
		}
		p.dataRemaining -= n
		return int(n), nil
	}
	if p.paddingRemaining > 0 {
		n := uint64(len(data))
		if n > p.paddingRemaining {
			n = p.paddingRemaining
		}
		p.paddingRemaining -= n
		if p.paddingRemaining == 0 {
			p.state = stateReadingHeader
		}
		return int(n), nil
	}
	p.state = stateReadingHeader
	return 0, nil
}

func (p *Parser) stepReadingData(data []byte) (int, *Error) {
	if p.dataRemaining > 0 {
		n := uint64(len(data))
		if n > p.dataRemaining {
			n = p.dataRemaining
		}
		if p.dataPurpose != purposeRegularData && uint64(len(p.dataBuf))+n > uint64(p.opts.Limits.MaxPaxKeyValueLength) {
			return 0, hfve(p.vh, limitExceeded(p.opts.Limits.MaxPaxKeyValueLength, CtxLimitGnuLongNameTooLong, true))
		}
		p.dataBuf = append(p.dataBuf, data[:n]...)
		p.dataRemaining -= n
		return int(n), nil
	}
	if p.paddingRemaining > 0 {
		n := uint64(len(data))
		if n > p.paddingRemaining {
			n = p.paddingRemaining
		}
		p.paddingRemaining -= n
		if p.paddingRemaining > 0 {
			return int(n), nil
		}
		return int(n), p.finishAuxiliaryOrData()
	}
	return 0, p.finishAuxiliaryOrData()
}

func (p *Parser) finishAuxiliaryOrData() *Error {
	switch p.dataPurpose {
	case purposeGnuLongName:
		s, ok := parseNullTerminatedString(p.dataBuf)
		if !ok {
			hpve(p.vh, corruptField(CtxHeaderName, InvalidUTF8))
		}
		name := string(s)
		p.pendingGnuLongName = &name
		p.state = stateReadingHeader
		return nil
	case purposeGnuLongLink:
		s, ok := parseNullTerminatedString(p.dataBuf)
		if !ok {
			hpve(p.vh, corruptField(CtxHeaderLinkname, InvalidUTF8))
		}
		link := string(s)
		p.pendingGnuLongLink = &link
		p.state = stateReadingHeader
		return nil
	default:
		p.emit()
		p.state = stateReadingHeader
		return nil
	}
}

func (p *Parser) stepParsingPaxData(data []byte) (int, *Error) {
	if p.dataRemaining > 0 {
		n := uint64(len(data))
		if n > p.dataRemaining {
			n = p.dataRemaining
		}
		consumed, err := p.pax.write(data[:n], p.vh)
		p.dataRemaining -= uint64(consumed)
		if err != nil {
			return consumed, err
		}
		return consumed, nil
	}
	if p.paddingRemaining > 0 {
		n := uint64(len(data))
		if n > p.paddingRemaining {
			n = p.paddingRemaining
		}
		p.paddingRemaining -= n
		if p.paddingRemaining == 0 {
			p.state = stateReadingHeader
		}
		return int(n), nil
	}
	p.state = stateReadingHeader
	return 0, nil
}

func (p *Parser) stepParsingGnuSparse1_0(data []byte) (int, *Error) {
	if p.sparse10.finished() {
		remaining := p.sparse10TotalRemaining - p.sparse10.bytesRead
		p.dataPurpose = purposeRegularData
		p.dataBuf = p.dataBuf[:0]
		p.dataRemaining = remaining
		p.paddingRemaining = blockPadding(p.sparse10TotalRemaining)
		p.state = stateReadingFileData
		return 0, nil
	}
	bound := data
	if uint64(len(bound)) > p.sparse10TotalRemaining-p.sparse10.bytesRead {
		bound = bound[:p.sparse10TotalRemaining-p.sparse10.bytesRead]
	}
	n, err := p.sparse10.parse(bound, p.vh, p.opts.Limits)
	return n, err
}

// emit finalizes the in-progress builder into an Inode and appends (or, if
// KeepOnlyLast, replaces) it in extractedFiles.
func (p *Parser) emit() {
	b := &p.building
	path, _ := b.path.Get()
	uid, _ := b.uid.Get()
	gid, _ := b.gid.Get()
	uname, _ := b.uname.Get()
	gname, _ := b.gname.Get()
	mtime, _ := b.mtime.Get()
	atime, _ := b.atime.Get()
	ctime, _ := b.ctime.Get()
	linkTarget, _ := b.linkTarget.Get()
	size, _ := b.size.Get()

	sparseFormat := b.sparseFormat
	if len(p.pax.sparseMapLocal.Items()) > 0 {
		sparseFormat = p.pax.getSparseFormat()
		if sparseFormat == SparseNone {
			sparseFormat = SparseGnu0_0
		}
	}
	sparse := b.sparse
	if len(p.pax.sparseMapLocal.Items()) > 0 {
		sparse = append(sparse, p.pax.sparseMapLocal.Items()...)
	}
	if p.sparse10 != nil && len(p.sparse10.instructions) > 0 {
		sparse = p.sparse10.instructions
		sparseFormat = SparseGnu1_0
	}

	realSize := b.realSize
	if !b.hasRealSize {
		realSize = size
	}

	inode := Inode{
		Path:                       path,
		Kind:                       b.kind(),
		Mode:                       b.mode,
		UID:                        uid,
		GID:                        gid,
		UserName:                   uname,
		GroupName:                  gname,
		ModTime:                    mtime,
		AccessTime:                 atime,
		ChangeTime:                 ctime,
		Continuous:                 b.typeflag == TypeContinuous,
		Data:                       p.dataBuf,
		Sparse:                     sparse,
		RealSize:                   realSize,
		SparseFormat:               sparseFormat,
		LinkTarget:                 linkTarget,
		DevMajor:                   b.devMajor,
		DevMinor:                   b.devMinor,
		UnparsedExtendedAttributes: p.pax.drainLocalUnparsedAttributes(),
	}

	if p.opts.KeepOnlyLast {
		if idx, ok := p.pathIdx.find(p.extractedFiles, path); ok {
			p.extractedFiles[idx] = inode
			p.afterEmit()
			return
		}
	}
	p.pathIdx.record(path, len(p.extractedFiles))
	p.extractedFiles = append(p.extractedFiles, inode)
	p.afterEmit()
}

// afterEmit clears per-entry state once an inode has been fully assembled:
// PAX local slots (global slots persist), the builder, and the sparse10
// sub-parser.
func (p *Parser) afterEmit() {
	p.pax.recover()
	p.building.reset()
	p.dataBuf = nil
	if p.sparse10 != nil {
		p.sparse10.reset()
	}
}

func (p *Parser) stepReadingOldGnuSparseExt(data []byte) (int, *Error) {
	need := blockSize - len(p.headerBuf)
	n := len(data)
	if n > need {
		n = need
	}
	p.headerBuf = append(p.headerBuf, data[:n]...)
	if len(p.headerBuf) < blockSize {
		return n, nil
	}
	var raw gnuSparseExtBlock
	copy(raw[:], p.headerBuf)
	p.headerBuf = p.headerBuf[:0]

	more := decodeGnuSparseExt(&raw, &p.building.sparse, p.vh)
	if more {
		return n, nil
	}
	p.building.sparseFormat = SparseGnuOld
	hf := &headerFields{size: func() uint64 { s, _ := p.building.size.Get(); return s }()}
	p.beginDataOrEmit(hf)
	return n, nil
}
