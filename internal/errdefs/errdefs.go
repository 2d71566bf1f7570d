// Package errdefs defines the error kinds shared by the SSH pool, the
// session manager and the dispatch layer.
//
// Every failure surfaced to a caller is an *Error carrying a Kind. Kinds are
// compared with errors.Is against the package sentinels, so wrapping with
// fmt.Errorf("...: %w", err) keeps the classification intact:
//
//	if errors.Is(err, errdefs.ErrDisconnected) { ... }
//
// Only KindDisconnected is transient; see IsTransient.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of its concrete cause.
type Kind string

const (
	KindAuthorization      Kind = "Authorization"
	KindPassphraseRequired Kind = "PassphraseRequired"
	KindBadPassphrase      Kind = "BadPassphrase"
	KindBadPrivateKey      Kind = "BadPrivateKey"
	KindDisconnected       Kind = "Disconnected"
	KindTimeout            Kind = "Timeout"
	KindExitStatus         Kind = "ExitStatus"
	KindUnsupported        Kind = "Unsupported"
	KindIO                 Kind = "IO"
	KindNotFound           Kind = "NotFound"
	KindMessage            Kind = "Message"
)

// Error is the single error type returned across package boundaries.
type Error struct {
	Kind    Kind   `json:"reason"`
	Message string `json:"message,omitempty"`

	// IOKind is set for KindIO ("ConnectionRefused", "UnexpectedEOF", ...).
	IOKind string `json:"code,omitempty"`

	// ExitCode, Command and Stderr are set for KindExitStatus.
	ExitCode int    `json:"exit_code,omitempty"`
	Command  string `json:"command,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`

	cause error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrAuthorization      = &Error{Kind: KindAuthorization}
	ErrPassphraseRequired = &Error{Kind: KindPassphraseRequired}
	ErrBadPassphrase      = &Error{Kind: KindBadPassphrase}
	ErrBadPrivateKey      = &Error{Kind: KindBadPrivateKey}
	ErrDisconnected       = &Error{Kind: KindDisconnected}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrExitStatus         = &Error{Kind: KindExitStatus}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrIO                 = &Error{Kind: KindIO}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindExitStatus:
		if e.Command != "" {
			return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
		}
		return fmt.Sprintf("exited with status %d", e.ExitCode)
	case KindIO:
		if e.IOKind != "" {
			return fmt.Sprintf("io error (%s): %s", e.IOKind, e.Message)
		}
		return "io error: " + e.Message
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an *Error of the given kind that unwraps to cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Authorization(message string) *Error { return New(KindAuthorization, message) }

func Disconnected(cause error) *Error {
	if cause == nil {
		return New(KindDisconnected, "disconnected")
	}
	return Wrap(KindDisconnected, cause, "")
}

func Timeout(cause error) *Error {
	if cause == nil {
		return New(KindTimeout, "timed out")
	}
	return Wrap(KindTimeout, cause, "")
}

func IO(ioKind string, cause error) *Error {
	e := Wrap(KindIO, cause, "")
	e.IOKind = ioKind
	return e
}

func NotFound(what string) *Error { return New(KindNotFound, what+" not found") }

func Unsupported(message string) *Error { return New(KindUnsupported, message) }

// ExitStatus reports a remote command that completed with a non-zero code.
func ExitStatus(command string, code int, stderr []byte) *Error {
	return &Error{Kind: KindExitStatus, Command: command, ExitCode: code, Stderr: stderr}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindMessage for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindMessage
}

// IsTransient reports whether err is expected to go away by reconnecting.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
