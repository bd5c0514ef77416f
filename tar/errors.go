// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import "fmt"

// Severity classifies whether an [Error] can be suppressed by a
// [ViolationHandler] or must always abort [Parser.Write].
type Severity int

const (
	// Recoverable errors flow through the violation handler, which may
	// suppress them and let parsing continue.
	Recoverable Severity = iota
	// Fatal errors always abort Write; the caller must call [Parser.Recover]
	// before pushing further bytes.
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// Context is a closed label identifying exactly which bounded field or
// container a [LimitExceeded] or [CorruptField] error refers to.
type Context int

const (
	CtxUnknown Context = iota

	// Header fields (§4.4).
	CtxHeaderSize
	CtxHeaderName
	CtxHeaderMode
	CtxHeaderUID
	CtxHeaderGID
	CtxHeaderMtime
	CtxHeaderLinkname
	CtxHeaderUname
	CtxHeaderGname
	CtxHeaderDevMajor
	CtxHeaderDevMinor
	CtxHeaderAtime
	CtxHeaderCtime
	CtxHeaderRealSize
	CtxHeaderPrefix

	// GNU sparse contexts; Format carries the sparse format tag that was
	// active when the violation occurred.
	CtxGnuSparseNumberOfMaps
	CtxGnuSparseMapOffsetValue
	CtxGnuSparseMapSizeValue
	CtxGnuSparseRealFileSize
	CtxGnuSparseMajorVersion
	CtxGnuSparseMinorVersion

	// PAX well-known attribute contexts.
	CtxPaxWellKnownAtime
	CtxPaxWellKnownGid
	CtxPaxWellKnownMtime
	CtxPaxWellKnownCtime
	CtxPaxWellKnownSize
	CtxPaxWellKnownUid
	CtxPaxKvLength
	CtxPaxKvKey
	CtxPaxKvValue

	// Bounded-container limit contexts.
	CtxLimitGnuSparse10MapDecimalStringTooLong
	CtxLimitGnuSparse10MapOffsetEntryDecimalStringTooLong
	CtxLimitGnuSparse10MapSizeEntryDecimalStringTooLong
	CtxLimitTooManySparseFileInstructions
	CtxLimitPaxLengthFieldDecimalStringTooLong
	CtxLimitPaxKvKeyTooLong
	CtxLimitPaxKvValueTooLong
	CtxLimitPaxTooManyUnparsedGlobalAttributes
	CtxLimitPaxTooManyUnparsedLocalAttributes
	CtxLimitPaxTooManyGlobalAttributes
	CtxLimitGnuLongNameTooLong
)

var contextNames = map[Context]string{
	CtxUnknown:                 "unknown",
	CtxHeaderSize:              "header.size",
	CtxHeaderName:              "header.name",
	CtxHeaderMode:              "header.mode",
	CtxHeaderUID:               "header.uid",
	CtxHeaderGID:               "header.gid",
	CtxHeaderMtime:             "header.mtime",
	CtxHeaderLinkname:          "header.linkname",
	CtxHeaderUname:             "header.uname",
	CtxHeaderGname:             "header.gname",
	CtxHeaderDevMajor:          "header.dev_major",
	CtxHeaderDevMinor:          "header.dev_minor",
	CtxHeaderAtime:             "header.atime",
	CtxHeaderCtime:             "header.ctime",
	CtxHeaderRealSize:          "header.real_size",
	CtxHeaderPrefix:            "header.prefix",
	CtxGnuSparseNumberOfMaps:   "gnu_sparse.number_of_maps",
	CtxGnuSparseMapOffsetValue: "gnu_sparse.map_entry.offset",
	CtxGnuSparseMapSizeValue:   "gnu_sparse.map_entry.size",
	CtxGnuSparseRealFileSize:   "gnu_sparse.real_file_size",
	CtxGnuSparseMajorVersion:   "gnu_sparse.major_version",
	CtxGnuSparseMinorVersion:   "gnu_sparse.minor_version",
	CtxPaxWellKnownAtime:       "pax.well_known.atime",
	CtxPaxWellKnownGid:         "pax.well_known.gid",
	CtxPaxWellKnownMtime:       "pax.well_known.mtime",
	CtxPaxWellKnownCtime:       "pax.well_known.ctime",
	CtxPaxWellKnownSize:        "pax.well_known.size",
	CtxPaxWellKnownUid:         "pax.well_known.uid",
	CtxPaxKvLength:             "pax.kv.length",
	CtxPaxKvKey:                "pax.kv.key",
	CtxPaxKvValue:              "pax.kv.value",

	CtxLimitGnuSparse10MapDecimalStringTooLong:            "limit.gnu_sparse_1_0.map_decimal_string_too_long",
	CtxLimitGnuSparse10MapOffsetEntryDecimalStringTooLong: "limit.gnu_sparse_1_0.map_offset_entry_decimal_string_too_long",
	CtxLimitGnuSparse10MapSizeEntryDecimalStringTooLong:   "limit.gnu_sparse_1_0.map_size_entry_decimal_string_too_long",
	CtxLimitTooManySparseFileInstructions:                 "limit.too_many_sparse_file_instructions",
	CtxLimitPaxLengthFieldDecimalStringTooLong:            "limit.pax.length_field_decimal_string_too_long",
	CtxLimitPaxKvKeyTooLong:                               "limit.pax.kv_key_too_long",
	CtxLimitPaxKvValueTooLong:                             "limit.pax.kv_value_too_long",
	CtxLimitPaxTooManyUnparsedGlobalAttributes:            "limit.pax.too_many_unparsed_global_attributes",
	CtxLimitPaxTooManyUnparsedLocalAttributes:             "limit.pax.too_many_unparsed_local_attributes",
	CtxLimitPaxTooManyGlobalAttributes:                    "limit.pax.too_many_global_attributes",
	CtxLimitGnuLongNameTooLong:                             "limit.gnu.long_name_too_long",
}

func (c Context) String() string {
	if s, ok := contextNames[c]; ok {
		return s
	}
	return "context(?)"
}

// FieldError identifies what went wrong decoding a single bounded field.
type FieldError int

const (
	InvalidOctal FieldError = iota
	InvalidUTF8
	InvalidInteger
)

func (e FieldError) String() string {
	switch e {
	case InvalidOctal:
		return "invalid octal"
	case InvalidUTF8:
		return "invalid utf-8"
	case InvalidInteger:
		return "invalid integer"
	default:
		return "invalid field"
	}
}

// Kind distinguishes the five error categories of §7.
type Kind int

const (
	KindHeaderParser Kind = iota
	KindPaxParser
	KindLimitExceeded
	KindTryReserve
	KindCorruptField
)

// Error is the single error type returned from deep inside the parser. It
// always carries a [Severity]; recoverable errors may additionally be
// suppressed by a [ViolationHandler].
type Error struct {
	Kind     Kind
	Severity Severity

	// HeaderParser fields.
	Magic, Version string // UnknownHeaderMagicVersion
	Expected       int64  // CorruptHeaderChecksum
	Actual         int64  // CorruptHeaderChecksum
	HeaderField    string // which header-parser condition fired

	// PaxParser fields.
	PaxCondition string // which pax-parser condition fired
	PartCount    int    // GnuSparseMapMalformed

	// Well-known-key-in-wrong-scope fields.
	Key, ExpectedScope, ActualScope string

	// LimitExceeded / TryReserve fields.
	Limit int

	// Shared.
	Context Context
	Field   FieldError
	Cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHeaderParser:
		switch e.HeaderField {
		case "magic":
			return fmt.Sprintf("tar: unknown header magic/version %q/%q", e.Magic, e.Version)
		case "checksum":
			return fmt.Sprintf("tar: corrupt header checksum: expected %d, got %d", e.Expected, e.Actual)
		default:
			return "tar: malformed header"
		}
	case KindPaxParser:
		switch e.PaxCondition {
		case "missing_newline":
			return "tar: pax key-value pair missing trailing newline"
		case "sparse_map_malformed":
			return fmt.Sprintf("tar: GNU.sparse.map has odd part count %d", e.PartCount)
		case "wrong_scope":
			return fmt.Sprintf("tar: pax key %q appeared in %s scope, expected %s", e.Key, e.ActualScope, e.ExpectedScope)
		default:
			return "tar: malformed pax record"
		}
	case KindLimitExceeded:
		return fmt.Sprintf("tar: limit exceeded (%d) at %s", e.Limit, e.Context)
	case KindTryReserve:
		return fmt.Sprintf("tar: allocation bound exceeded at %s: %v", e.Context, e.Cause)
	case KindCorruptField:
		return fmt.Sprintf("tar: corrupt field %s: %s", e.Context, e.Field)
	default:
		return "tar: error"
	}
}

func errUnknownMagic(magic, version string) *Error {
	return &Error{Kind: KindHeaderParser, Severity: Fatal, HeaderField: "magic", Magic: magic, Version: version}
}

func errCorruptChecksum(expected, actual int64) *Error {
	return &Error{Kind: KindHeaderParser, Severity: Fatal, HeaderField: "checksum", Expected: expected, Actual: actual}
}

func errMissingNewline() *Error {
	return &Error{Kind: KindPaxParser, Severity: Recoverable, PaxCondition: "missing_newline"}
}

func errSparseMapMalformed(partCount int) *Error {
	return &Error{Kind: KindPaxParser, Severity: Recoverable, PaxCondition: "sparse_map_malformed", PartCount: partCount}
}

func errWrongScope(key, expected, actual string) *Error {
	return &Error{Kind: KindPaxParser, Severity: Recoverable, PaxCondition: "wrong_scope", Key: key, ExpectedScope: expected, ActualScope: actual}
}

// limitExceeded reports a bounded-container overflow. fatal selects whether
// the offending piece can be skipped (recoverable) or requires
// re-synchronization at the next header boundary (fatal) — see §7.
func limitExceeded(limit int, ctx Context, fatal bool) *Error {
	sev := Recoverable
	if fatal {
		sev = Fatal
	}
	return &Error{Kind: KindLimitExceeded, Severity: sev, Limit: limit, Context: ctx}
}

func corruptField(ctx Context, field FieldError) *Error {
	return &Error{Kind: KindCorruptField, Severity: Recoverable, Context: ctx, Field: field}
}
