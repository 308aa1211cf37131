// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import "fmt"

// Kind classifies the category of failure reported by an Error, following
// the taxonomy every Slot operation is expected to surface its failures
// through.
type Kind int

const (
	// IoError is a generic transport or command failure reported by the
	// Host (CRC mismatch, command timeout at the controller level,
	// ADMA/data line error).
	IoError Kind = iota
	// Timeout is a busy-wait or state-transition deadline expiry (e.g.
	// a card stuck in the programming state past its write timeout).
	Timeout
	// NoDevice means the slot has no card present, or the card has been
	// removed mid-operation.
	NoDevice
	// InvalidState means the requested operation does not make sense in
	// the card's current lifecycle state (e.g. reading before
	// identification has completed).
	InvalidState
	// PermissionDenied covers write-protected cards, RPMB authentication
	// failures and boot partition access rules.
	PermissionDenied
	// Unsupported means the card, host or this driver does not
	// implement the requested feature (e.g. an SDUC card, or a bus
	// width the Host cannot provide).
	Unsupported
	// InvalidArgument means a caller-supplied argument is out of range
	// (an LBA past the end of the partition, a zero-length ioctl
	// buffer, a bad ioctl command count).
	InvalidArgument
	// OutOfMemory covers bounce buffer allocation failures.
	OutOfMemory
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "io error"
	case Timeout:
		return "timeout"
	case NoDevice:
		return "no device"
	case InvalidState:
		return "invalid state"
	case PermissionDenied:
		return "permission denied"
	case Unsupported:
		return "unsupported"
	case InvalidArgument:
		return "invalid argument"
	case OutOfMemory:
		return "out of memory"
	default:
		return "unknown error"
	}
}

// Error is returned by every exported Slot and BlockDevice operation.
type Error struct {
	Kind Kind
	// Op names the operation that failed (e.g. "identify", "read",
	// "switch partition").
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mmcsd: %s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("mmcsd: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, mmcsd.ErrTimeout) (and the other sentinels below)
// match any *Error sharing the same Kind, regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	if !ok {
		return false
	}

	return e.Kind == t.Kind
}

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrIoError          = &Error{Kind: IoError, Op: "sentinel"}
	ErrTimeout          = &Error{Kind: Timeout, Op: "sentinel"}
	ErrNoDevice         = &Error{Kind: NoDevice, Op: "sentinel"}
	ErrInvalidState     = &Error{Kind: InvalidState, Op: "sentinel"}
	ErrPermissionDenied = &Error{Kind: PermissionDenied, Op: "sentinel"}
	ErrUnsupported      = &Error{Kind: Unsupported, Op: "sentinel"}
	ErrInvalidArgument  = &Error{Kind: InvalidArgument, Op: "sentinel"}
	ErrOutOfMemory      = &Error{Kind: OutOfMemory, Op: "sentinel"}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func wrapf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
