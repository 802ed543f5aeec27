package nandkit

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrorKind classifies an error by what it implies about the physical
// medium. Drivers attach a kind to every error they return; the translation
// layer makes its quarantine decisions on the kind alone, never on the
// concrete error value.
type ErrorKind int

const (
	// KindOther covers communication, timeout and configuration failures.
	// Nothing is implied about the medium and no quarantine is triggered.
	KindOther ErrorKind = iota
	// KindOutOfBounds means the caller addressed past the device or the
	// logical address space. No I/O was performed.
	KindOutOfBounds
	// KindNotAligned means the request violated a size or alignment rule.
	KindNotAligned
	// KindBlockFailed means a program or erase operation failed on the
	// medium. The block must be quarantined.
	KindBlockFailed
	// KindBlockDegraded means the operation succeeded but the medium is
	// close to failing, e.g. a read that needed maximum ECC correction.
	// Data is intact; the block should be retired before it is not.
	KindBlockDegraded
	// KindDataLoss means a read was uncorrectable. The block must be
	// quarantined and the affected data is gone.
	KindDataLoss
)

func (k ErrorKind) String() string {
	switch k {
	case KindOutOfBounds:
		return "out of bounds"
	case KindNotAligned:
		return "not aligned"
	case KindBlockFailed:
		return "block failed"
	case KindBlockDegraded:
		return "block degraded"
	case KindDataLoss:
		return "data loss"
	default:
		return "other"
	}
}

// FlashError is the error surface shared by every layer of the stack. The
// derivation methods return a new error that keeps the original sentinel in
// its unwrap chain, so errors.Is works against the package-level sentinels
// regardless of how much context was layered on top.
type FlashError interface {
	error
	Kind() ErrorKind
	WithMessage(message string) FlashError
	Wrap(err error) FlashError
}

type flashError struct {
	message string
	kind    ErrorKind
	cause   error
}

var ErrInvalidAddress = newSentinel(KindOutOfBounds, "address out of range")
var ErrNotAligned = newSentinel(KindNotAligned, "request not aligned")
var ErrDevice = newSentinel(KindOther, "device communication failed")
var ErrBadBlock = newSentinel(KindBlockFailed, "operation failed on block")
var ErrBlockDegraded = newSentinel(KindBlockDegraded, "block is degrading")
var ErrDataLoss = newSentinel(KindDataLoss, "uncorrectable data loss")
var ErrWriteFailed = newSentinel(KindBlockFailed, "write failed after remap")
var ErrEraseFailed = newSentinel(KindBlockFailed, "erase failed after remap")
var ErrNoSpareBlocks = newSentinel(KindOther, "spare block pool exhausted")
var ErrInsufficientGoodBlocks = newSentinel(KindOther, "not enough good blocks")
var ErrUnknownDevice = newSentinel(KindOther, "device not recognized")

func newSentinel(kind ErrorKind, message string) FlashError {
	return flashError{message: message, kind: kind}
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e flashError) Error() string {
	return e.message
}

func (e flashError) Kind() ErrorKind {
	return e.kind
}

func (e flashError) Unwrap() error {
	return e.cause
}

func (e flashError) WithMessage(message string) FlashError {
	return flashError{
		message: fmt.Sprintf("%s: %s", e.message, message),
		kind:    e.kind,
		cause:   e,
	}
}

func (e flashError) Wrap(err error) FlashError {
	return flashError{
		message: fmt.Sprintf("%s: %s", e.message, err.Error()),
		kind:    e.kind,
		cause:   multierror.Append(e, err),
	}
}

// Kind extracts the ErrorKind from an error chain. Errors that carry no kind
// (including nil handling left to the caller) classify as KindOther, which
// the translation layer treats as a pure device failure.
func Kind(err error) ErrorKind {
	var fe FlashError
	if errors.As(err, &fe) {
		return fe.Kind()
	}
	return KindOther
}

// IsMediumError reports whether err implicates the physical medium rather
// than the transfer, i.e. whether a quarantine is warranted.
func IsMediumError(err error) bool {
	switch Kind(err) {
	case KindBlockFailed, KindBlockDegraded, KindDataLoss:
		return true
	}
	return false
}
