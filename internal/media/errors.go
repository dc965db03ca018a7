package media

import (
	"errors"
	"fmt"
	"strings"
)

// Class buckets acquisition failures so the UI can show an actionable
// message instead of a raw driver error.
type Class string

const (
	ClassPermissionDenied Class = "permission-denied"
	ClassDeviceNotFound   Class = "device-not-found"
	ClassDeviceUnreadable Class = "device-unreadable"
	ClassOverconstrained  Class = "overconstrained"
	ClassUnknown          Class = "unknown"
)

// Error wraps a device-layer failure with its classification.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media: %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the classification from err, or ClassUnknown.
func ClassOf(err error) Class {
	var me *Error
	if errors.As(err, &me) {
		return me.Class
	}
	return ClassUnknown
}

// classify maps raw driver errors onto a Class. The driver layer reports
// failures as strings, so this is substring matching against the messages
// V4L2, malgo and the mediadevices selector actually produce.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "operation not permitted"):
		return &Error{Class: ClassPermissionDenied, Err: err}
	case strings.Contains(msg, "failed to find the best driver") ||
		strings.Contains(msg, "overconstrained"):
		return &Error{Class: ClassOverconstrained, Err: err}
	case strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "no device found") ||
		strings.Contains(msg, "no media devices"):
		return &Error{Class: ClassDeviceNotFound, Err: err}
	case strings.Contains(msg, "device or resource busy") ||
		strings.Contains(msg, "in use") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "broken pipe"):
		return &Error{Class: ClassDeviceUnreadable, Err: err}
	default:
		return &Error{Class: ClassUnknown, Err: err}
	}
}
