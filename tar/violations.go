// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package tar

import "log/slog"

// ViolationHandler decides whether a recoverable violation should be
// suppressed (Handle returns true, parsing continues) or propagated as an
// error from [Parser.Write] (Handle returns false).
//
// Fatal violations always propagate regardless of what Handle returns; the
// handler is still invoked first, so that e.g. [AuditViolationHandler] can
// record it.
type ViolationHandler interface {
	Handle(err *Error) (ignore bool)
}

// StrictViolationHandler never suppresses a violation: every recoverable
// error is promoted to a returned error from Write.
type StrictViolationHandler struct{}

func (StrictViolationHandler) Handle(*Error) bool { return false }

// IgnoreViolationHandler suppresses every recoverable violation silently.
type IgnoreViolationHandler struct{}

func (IgnoreViolationHandler) Handle(*Error) bool { return true }

// AuditViolationHandler suppresses every recoverable violation but records
// each one, in order, for later inspection. If Logger is set, each
// violation is also emitted as a structured slog.Warn record.
type AuditViolationHandler struct {
	Violations []*Error
	Logger     *slog.Logger
}

// WithLogger attaches a logger that receives a warning for every recorded
// violation, in addition to the in-memory Violations slice.
func (h *AuditViolationHandler) WithLogger(l *slog.Logger) *AuditViolationHandler {
	h.Logger = l
	return h
}

func (h *AuditViolationHandler) Handle(err *Error) bool {
	h.Violations = append(h.Violations, err)
	if h.Logger != nil {
		h.Logger.Warn("tar: violation suppressed",
			slog.String("kind", kindName(err.Kind)),
			slog.String("error", err.Error()))
	}
	return true
}

func kindName(k Kind) string {
	switch k {
	case KindHeaderParser:
		return "header_parser"
	case KindPaxParser:
		return "pax_parser"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindTryReserve:
		return "try_reserve"
	case KindCorruptField:
		return "corrupt_field"
	default:
		return "unknown"
	}
}

// vh bundles a ViolationHandler with the four call shapes used throughout
// the parser to route violations according to their recoverable/fatal
// nature (§4.3).
type vh struct {
	h ViolationHandler
}

// hpvr — handle possibly-violating result. On a nil err, returns (v, true,
// nil). On a non-nil recoverable err, consults the handler: if suppressed,
// returns (zero, false, nil); otherwise returns the error. A fatal err
// always returns regardless of the handler's answer.
func hpvr[T any](w *vh, v T, err *Error) (T, bool, *Error) {
	if err == nil {
		return v, true, nil
	}
	if err.Severity == Fatal {
		w.h.Handle(err)
		var zero T
		return zero, false, err
	}
	if w.h.Handle(err) {
		var zero T
		return zero, false, nil
	}
	var zero T
	return zero, false, err
}

// hpve — handle possibly-violating error (no result payload).
func hpve(w *vh, err *Error) *Error {
	if err == nil {
		return nil
	}
	if err.Severity == Fatal {
		w.h.Handle(err)
		return err
	}
	if w.h.Handle(err) {
		return nil
	}
	return err
}

// hfvr — handle fatal-result: err, if non-nil, always propagates; the
// handler is still invoked for side effects (e.g. audit logging).
func hfvr[T any](w *vh, v T, err *Error) (T, *Error) {
	if err == nil {
		return v, nil
	}
	w.h.Handle(err)
	var zero T
	return zero, err
}

// hfve — handle fatal-error: same as hfvr without a result payload.
func hfve(w *vh, err *Error) *Error {
	if err == nil {
		return nil
	}
	w.h.Handle(err)
	return err
}
