// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error.
type Kind string

const (
	KindProtocolViolation Kind = "protocol_violation"
	KindUnsupportedValue  Kind = "unsupported_value"
	KindChannelMisuse     Kind = "channel_misuse"
	KindNotImplemented    Kind = "not_implemented"
	KindScript            Kind = "script_error"
	KindTransport         Kind = "transport"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrUnsupportedValue  = &Error{Kind: KindUnsupportedValue}
	ErrChannelMisuse     = &Error{Kind: KindChannelMisuse}
	ErrNotImplemented    = &Error{Kind: KindNotImplemented}
	ErrScript            = &Error{Kind: KindScript}
)

var (
	ErrTransportClosed = errors.New("msgchannel: transport closed")
	ErrUnknownScheme   = errors.New("msgchannel: unknown transport scheme")
)

// Error is the structured error returned by codec, channel, router and proxy
// operations.
type Error struct {
	Value  any
	Cause  error
	Op     string
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(e.Op)
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if msg := e.message(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}

	return b.String()
}

// message is the detail and cause without op and kind, as carried in a
// response's error field.
func (e *Error) message() string {
	var b strings.Builder
	b.WriteString(e.Detail)
	if e.Cause != nil {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("(caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func newError(op string, kind Kind, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Op: op, Kind: kind, Detail: detail}
}

func protocolViolation(op, format string, args ...any) *Error {
	return newError(op, KindProtocolViolation, format, args...)
}

func unsupportedValue(op string, v any, format string, args ...any) *Error {
	err := newError(op, KindUnsupportedValue, format, args...)
	err.Value = v
	return err
}

func channelMisuse(op, format string, args ...any) *Error {
	return newError(op, KindChannelMisuse, format, args...)
}

func wrapError(op string, kind Kind, cause error, detail string) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail, Cause: cause}
}
