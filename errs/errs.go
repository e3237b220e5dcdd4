// Package errs defines the small negative error codes used throughout the
// storage core, grounded in the BLTErr convention of the teacher's bufmgr.go
// and generalized to the subsystem-tagged codes of spec.md §6.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a small negative integer identifying a failure kind. eNoError is 0.
type Code int

const (
	NoError Code = 0

	// parameter / programmer-error
	BadParameter Code = -iota - 1
	BadPageID
	BadKeyValue
	BadBTreePage
	InvalidTrainSize

	// resource exhaustion
	DeviceFull
	BufferPoolFull
	FileIDFull
	LogVolumeFull

	// corruption
	Corruption

	// not found / duplicate policy
	NotFound
	Duplicated

	// concurrency (should be unreachable by construction)
	Internal

	// generic I/O failure wrapper
	IOError

	Overflow
	Struct
	Read
	Write
)

func (c Code) String() string {
	switch c {
	case NoError:
		return "eNOERROR"
	case BadParameter:
		return "eBADPARAMETER"
	case BadPageID:
		return "eBADPAGEID"
	case BadKeyValue:
		return "eBADKEYVALUE"
	case BadBTreePage:
		return "eBADBTREEPAGE"
	case InvalidTrainSize:
		return "eINVALIDTRAINSIZE"
	case DeviceFull:
		return "eDEVICEFULL"
	case BufferPoolFull:
		return "eBUFFERPOOLFULL"
	case FileIDFull:
		return "eFILEIDFULL"
	case LogVolumeFull:
		return "eLOGVOLUMEFULL"
	case Corruption:
		return "eCORRUPTION"
	case NotFound:
		return "eNOTFOUND"
	case Duplicated:
		return "eDUPLICATED"
	case Internal:
		return "eINTERNAL"
	case IOError:
		return "eIOERROR"
	case Overflow:
		return "eOVERFLOW"
	case Struct:
		return "eSTRUCT"
	case Read:
		return "eREAD"
	case Write:
		return "eWRITE"
	default:
		return fmt.Sprintf("eUNKNOWN(%d)", int(c))
	}
}

// Error carries the failing code plus enough context to diagnose it without
// leaking into caller state: the operation name and, where relevant, the
// offending page or key.
type Error struct {
	Code Code
	Op   string
	// PageNo/VolNo are set when the error concerns a specific page.
	VolNo  uint16
	PageNo uint32
	Key    []byte
	cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.VolNo != 0 || e.PageNo != 0 {
		msg += fmt.Sprintf(" (vol=%d page=%d)", e.VolNo, e.PageNo)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Code == e.Code
}

// New builds an *Error for the given operation and code.
func New(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

// WithPage attaches page context to an error.
func (e *Error) WithPage(volNo uint16, pageNo uint32) *Error {
	e.VolNo = volNo
	e.PageNo = pageNo
	return e
}

// Wrap attaches an underlying I/O (or other) cause, adding a stack trace at
// the RDsM/OS boundary via github.com/pkg/errors without changing the
// sentinel code identity checked with errors.Is.
func Wrap(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, cause: errors.WithStack(cause)}
}

// CodeOf extracts the Code carried by err, or Internal if err does not carry
// one of our codes.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
