// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package tar implements an incremental, adversarial-input-hardened parser
// for v7, ustar, PAX, and GNU tar archives.
//
// Unlike [archive/tar], this parser never blocks on a reader. Callers push
// arbitrary byte slices into [Parser.Write]; the parser advances its internal
// state machine and suspends cleanly at any byte boundary, resuming on the
// next call. This lets it sit behind a network socket, a decompressor that
// only yields bytes in odd-sized chunks, or any other byte source that can't
// offer blocking reads.
//
// Every user-controlled buffer (PAX attribute maps, sparse instruction
// lists, decimal-string cursors) is capped by [Limits] so that a crafted
// archive cannot exhaust memory. Violations are routed through a
// [ViolationHandler]: fatal violations always abort [Parser.Write]; recoverable
// ones are suppressed or surfaced depending on the handler in effect.
package tar
