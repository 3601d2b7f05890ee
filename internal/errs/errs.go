// Package errs defines the error taxonomy shared by every notebook component.
//
// Errors are plain sentinels wrapped with context via fmt.Errorf("...: %w").
// Callers classify them with KindOf instead of matching strings.
package errs

import (
	"context"
	"errors"
)

// Kind classifies an error for callers and for the wire protocol.
type Kind string

const (
	KindInternal    Kind = "internal"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindStaleBase   Kind = "stale_base"
	KindRuntime     Kind = "runtime"
	KindUnavailable Kind = "collaborator_unavailable"
	KindExhausted   Kind = "resource_exhausted"
	KindCancelled   Kind = "cancelled"
	KindBusy        Kind = "busy"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrCellNotFound    = errors.New("cell not found")
	ErrPathNotFound    = errors.New("path not found")
	ErrRequestNotFound = errors.New("request not found")

	ErrDuplicateFilename = errors.New("duplicate filename")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrInvalidCell       = errors.New("invalid cell")
	ErrMalformedDiff     = errors.New("malformed diff")
	ErrInvalidManifest   = errors.New("invalid package manifest")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrPathConflict      = errors.New("path conflict")

	ErrStaleBase = errors.New("stale base")

	ErrRuntime = errors.New("runtime error")

	ErrUnavailable = errors.New("collaborator unavailable")

	ErrExhausted     = errors.New("resource exhausted")
	ErrSessionClosed = errors.New("session closed")

	// ErrBusy is a full request queue; retrying later may succeed.
	ErrBusy = errors.New("too many queued requests")
)

var kinds = []struct {
	target error
	kind   Kind
}{
	{ErrSessionNotFound, KindNotFound},
	{ErrCellNotFound, KindNotFound},
	{ErrPathNotFound, KindNotFound},
	{ErrRequestNotFound, KindNotFound},
	{ErrDuplicateFilename, KindValidation},
	{ErrInvalidFilename, KindValidation},
	{ErrInvalidCell, KindValidation},
	{ErrMalformedDiff, KindValidation},
	{ErrInvalidManifest, KindValidation},
	{ErrInvalidMessage, KindValidation},
	{ErrPathConflict, KindValidation},
	{ErrStaleBase, KindStaleBase},
	{ErrRuntime, KindRuntime},
	{ErrUnavailable, KindUnavailable},
	{ErrExhausted, KindExhausted},
	{ErrBusy, KindBusy},
	{ErrSessionClosed, KindNotFound},
	{context.Canceled, KindCancelled},
	{context.DeadlineExceeded, KindCancelled},
}

// KindOf reports the kind of err, or KindInternal when err is not part of the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return KindInternal
}

// Code maps an error kind onto a JSON-RPC style error code.
func Code(kind Kind) int {
	switch kind {
	case KindNotFound:
		return -32002
	case KindValidation:
		return -32602
	case KindStaleBase:
		return -32010
	case KindRuntime:
		return -32011
	case KindUnavailable:
		return -32012
	case KindExhausted:
		return -32013
	case KindCancelled:
		return -32800
	case KindBusy:
		return -32014
	default:
		return -32603
	}
}

// Fatal reports whether err leaves a session unusable.
func Fatal(err error) bool {
	return KindOf(err) == KindExhausted
}
