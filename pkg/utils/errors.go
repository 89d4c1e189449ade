// Package utils provides shared utility helpers used across the module.
package utils

import (
	"errors"
	"fmt"
)

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ErrBannable identifies a protocol violation severe enough to disconnect
// and ban the offending peer: a malformed header, an oversized message, or
// any other bannable offence. Callers should wrap it with fmt.Errorf's %w
// to attach the specific reason.
var ErrBannable = errors.New("bannable protocol violation")

// ErrInvariant identifies a programming-error-class invariant violation
// (moving a stream onto an occupied slot, resetting an invalidated
// iterator, ...). These are always fatal to the operation that raised them.
var ErrInvariant = errors.New("invariant violation")

// RejectReason is an operational-class rejection reason reported back to a
// caller rather than raised as an error: rate limits, full queues, and
// similar recoverable conditions that are never fatal.
type RejectReason string

const (
	RejectNone                RejectReason = ""
	RejectMempoolFull         RejectReason = "REJECT_MEMPOOL_FULL"
	RejectNonFinalReplaceRate RejectReason = "non-final-txn-replacement-rate"
)

// IsBannable reports whether err (or anything it wraps) is a bannable
// protocol violation.
func IsBannable(err error) bool {
	return errors.Is(err, ErrBannable)
}

// IsInvariant reports whether err (or anything it wraps) is an invariant
// violation.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariant)
}
