package settlement

import (
	"errors"
	"fmt"

	"bondsettle/native/common"
)

var (
	errNilState = errors.New("settlement engine: state not configured")
	errNilGate  = errors.New("settlement engine: compliance gate not configured")
	errNilLeg   = errors.New("settlement engine: asset leg not configured")
)

// Sentinel errors for every rejected operation. Callers distinguish them
// with errors.Is; Classify buckets them for transport layers.
var (
	ErrNotFound          = errors.New("settlement: not found")
	ErrInvalidAmount     = errors.New("settlement: amount must be positive")
	ErrInvalidParty      = errors.New("settlement: participant address required")
	ErrSameParty         = errors.New("settlement: seller and buyer must differ")
	ErrNotEligible       = errors.New("settlement: participant not eligible")
	ErrBondNotTradeable  = errors.New("settlement: bond series not tradeable")
	ErrUnauthorized      = errors.New("settlement: caller not authorized")
	ErrAlreadyDeposited  = errors.New("settlement: leg already deposited")
	ErrNotFullyFunded    = errors.New("settlement: not fully funded")
	ErrTerminal          = errors.New("settlement: settlement closed")
	ErrExpired           = errors.New("settlement: settlement expired")
	ErrNotExpired        = errors.New("settlement: settlement not yet expired")
	ErrTimeoutOutOfRange = errors.New("settlement: timeout outside allowed bounds")
)

// Class buckets settlement failures so transports can map them to status
// codes without matching error text.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassAuthorization
	ClassState
	ClassTiming
	ClassAdapter
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassState:
		return "state"
	case ClassTiming:
		return "timing"
	case ClassAdapter:
		return "adapter"
	default:
		return "unknown"
	}
}

// AdapterError wraps a failure reported by an asset leg or the compliance
// gate. The wrapped error stays reachable through errors.Is and errors.As so
// callers can still detect ledger sentinels such as insufficient balance.
type AdapterError struct {
	Adapter string
	Op      string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("settlement: %s %s: %v", e.Adapter, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func adapterErr(adapter, op string, err error) error {
	return &AdapterError{Adapter: adapter, Op: op, Err: err}
}

// Classify maps an engine error to its failure class. Unknown errors,
// including internal configuration faults, report ClassUnknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var adapter *AdapterError
	if errors.As(err, &adapter) {
		return ClassAdapter
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidParty),
		errors.Is(err, ErrSameParty),
		errors.Is(err, ErrNotEligible),
		errors.Is(err, ErrBondNotTradeable),
		errors.Is(err, ErrTimeoutOutOfRange):
		return ClassValidation
	case errors.Is(err, ErrUnauthorized):
		return ClassAuthorization
	case errors.Is(err, ErrAlreadyDeposited),
		errors.Is(err, ErrNotFullyFunded),
		errors.Is(err, ErrTerminal),
		errors.Is(err, common.ErrModulePaused):
		return ClassState
	case errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotExpired):
		return ClassTiming
	default:
		return ClassUnknown
	}
}
