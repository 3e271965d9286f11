// Package errs defines the capture pipeline's error taxonomy. Every error
// surfaced to a session caller carries a Kind and a human message; the
// sentinels below are matched with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Kind groups errors by the recovery the caller should offer.
type Kind string

const (
	KindDevice     Kind = "device"
	KindValidation Kind = "validation"
	KindEncoding   Kind = "encoding"
	KindNetwork    Kind = "network"
	KindState      Kind = "state"
)

// Sentinel errors, one per failure reason.
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrWrongType           = errors.New("wrong type")
	ErrTooLarge            = errors.New("too large")
	ErrAssetUnreadable     = errors.New("asset unreadable")
	ErrEncodingUnsupported = errors.New("encoding unsupported")
	ErrEncodingFailed      = errors.New("encoding failed")
	ErrOffline             = errors.New("offline")
	ErrServer              = errors.New("server error")
	ErrCancelled           = errors.New("cancelled")
	ErrInvalidTransition   = errors.New("invalid transition")
)

var kinds = map[error]Kind{
	ErrPermissionDenied:    KindDevice,
	ErrDeviceUnavailable:   KindDevice,
	ErrWrongType:           KindValidation,
	ErrTooLarge:            KindValidation,
	ErrAssetUnreadable:     KindValidation,
	ErrEncodingUnsupported: KindEncoding,
	ErrEncodingFailed:      KindEncoding,
	ErrOffline:             KindNetwork,
	ErrServer:              KindNetwork,
	ErrCancelled:           KindNetwork,
	ErrInvalidTransition:   KindState,
}

// Error is the structured error surfaced by pipeline components.
type Error struct {
	Kind       Kind
	Reason     error // one of the sentinels above
	StatusCode int   // set for ErrServer
	Message    string
	Err        error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel reason so errors.Is(err, ErrTooLarge) works on wrapped values.
func (e *Error) Is(target error) bool { return e.Reason == target }

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for reason with a user-facing message.
func New(reason error, message string) *Error {
	return &Error{Kind: kinds[reason], Reason: reason, Message: message}
}

// Wrap builds an Error for reason around a lower-level cause.
func Wrap(reason error, message string, cause error) *Error {
	return &Error{Kind: kinds[reason], Reason: reason, Message: message, Err: cause}
}

// Server builds a Media Store rejection carrying the HTTP status and server message.
func Server(statusCode int, message string) *Error {
	if message == "" {
		message = "upload failed"
	}
	return &Error{Kind: KindNetwork, Reason: ErrServer, StatusCode: statusCode, Message: message}
}

// KindOf returns the kind of err, or "" when err is not part of the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for sentinel, k := range kinds {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return ""
}

// StatusCode returns the Media Store status for server errors, 0 otherwise.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// AssetSurvives reports whether the session keeps its asset after err, so the
// caller can offer retry instead of restarting source selection. An asset
// that can no longer be read never survives.
func AssetSurvives(err error) bool {
	if errors.Is(err, ErrAssetUnreadable) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindValidation:
		return true
	}
	return false
}
