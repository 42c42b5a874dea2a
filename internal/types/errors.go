package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies component failures for logging and policy
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy
	KindUnknown ErrorKind = iota
	// KindDevice is a sensor or camera hardware failure (fatal to the owning component)
	KindDevice
	// KindParse is a malformed telemetry line (skip and continue)
	KindParse
	// KindWrite is a storage failure in the writer (drop the operation and continue)
	KindWrite
	// KindShutdownTimeout is a component that did not stop within its budget
	KindShutdownTimeout
)

// String returns a human-readable string representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindParse:
		return "parse"
	case KindWrite:
		return "write"
	case KindShutdownTimeout:
		return "shutdown_timeout"
	default:
		return "unknown"
	}
}

// Error is a classified failure raised inside one component.
// It never crosses component boundaries; it is logged where it happens.
type Error struct {
	Kind      ErrorKind
	Component string
	// Target is the device path, line, or storage name involved
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s error (%s): %v", e.Component, e.Kind, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DeviceError wraps a hardware failure
func DeviceError(component, target string, err error) error {
	return &Error{Kind: KindDevice, Component: component, Target: target, Err: err}
}

// ParseError wraps a malformed input line
func ParseError(component, target string, err error) error {
	return &Error{Kind: KindParse, Component: component, Target: target, Err: err}
}

// WriteError wraps a storage failure
func WriteError(component, target string, err error) error {
	return &Error{Kind: KindWrite, Component: component, Target: target, Err: err}
}

// ShutdownTimeoutError reports a component that missed its stop budget
func ShutdownTimeoutError(component string, err error) error {
	return &Error{Kind: KindShutdownTimeout, Component: component, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
