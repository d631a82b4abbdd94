package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified processor failure.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("processor %s error (%d %s): %s", e.Kind, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("processor %s error (%s): %s", e.Kind, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(code, message string) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message}
}

func Permanent(code, message string) *Error {
	return &Error{Kind: KindPermanent, Code: code, Message: message}
}

// IsTransient reports whether a retry may succeed: timeouts, rate limits,
// server errors and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// IsPermanent reports whether the request can never succeed as sent.
func IsPermanent(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindPermanent
}

// KindOf classifies any error; unknown errors count as transient so they are retried.
func KindOf(err error) ErrorKind {
	if IsPermanent(err) {
		return KindPermanent
	}
	return KindTransient
}
