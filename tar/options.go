// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

// Limits bounds every dynamically sized buffer the parser maintains, so
// that a crafted archive cannot exhaust memory (§5).
type Limits struct {
	MaxSparseFileInstructions    int
	MaxPaxKeyValueLength         int // also caps the reconstructed file path length
	MaxGlobalAttributes          int
	MaxUnparsedGlobalAttributes  int
	MaxUnparsedLocalAttributes   int
}

// DefaultLimits returns the cap values the reference implementation ships
// with (original_source/parser_options.rs's Default impl).
func DefaultLimits() Limits {
	return Limits{
		MaxSparseFileInstructions:   2048,
		MaxPaxKeyValueLength:        1024 * 8,
		MaxGlobalAttributes:         1024,
		MaxUnparsedGlobalAttributes: 1024,
		MaxUnparsedLocalAttributes:  1024,
	}
}

// Options configures a Parser.
type Options struct {
	// KeepOnlyLast deduplicates ExtractedFiles by path, keeping the
	// last-seen version in place of the first. When false, duplicate paths
	// are retained in source order.
	KeepOnlyLast bool

	// InitialGlobalExtendedAttributes seeds the PAX global attribute set,
	// e.g. from an enclosing archive context.
	InitialGlobalExtendedAttributes map[string]string

	Limits Limits

	// Handler routes recoverable and fatal violations. Defaults to
	// StrictViolationHandler if nil.
	Handler ViolationHandler
}

// DefaultOptions returns the reference implementation's defaults:
// KeepOnlyLast true, DefaultLimits, and a StrictViolationHandler.
func DefaultOptions() Options {
	return Options{
		KeepOnlyLast: true,
		Limits:       DefaultLimits(),
		Handler:      StrictViolationHandler{},
	}
}
