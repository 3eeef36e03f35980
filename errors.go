// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"errors"
	"fmt"
)

// Code classifies an error so it survives the trip across a channel.
type Code string

const (
	CodeSendBeforeListen           Code = "SendBeforeListen"
	CodePortAlreadyListening       Code = "PortAlreadyListening"
	CodeMissingName                Code = "MissingName"
	CodeMissingRequestName         Code = "MissingRequestName"
	CodeMissingResponseName        Code = "MissingResponseName"
	CodeMissingCorrelationID       Code = "MissingCorrelationID"
	CodeInvalidRequestVersion      Code = "InvalidRequestVersion"
	CodeInvalidResponseVersion     Code = "InvalidResponseVersion"
	CodeInvalidNotificationVersion Code = "InvalidNotificationVersion"
	CodeUnknownKind                Code = "UnknownKind"
	CodeUnmatchedResponse          Code = "UnmatchedResponse"
	CodeHandlerNotFound            Code = "HandlerNotFound"
	CodeHandlerFailed              Code = "HandlerFailed"
	CodeChannelClosed              Code = "ChannelClosed"
	CodeInvalidArgument            Code = "InvalidArgument"
	CodeInvalidEnvelope            Code = "InvalidEnvelope"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrSendBeforeListen     = &Error{Code: CodeSendBeforeListen, Message: "ipc: send called before listen"}
	ErrPortAlreadyListening = &Error{Code: CodePortAlreadyListening, Message: "ipc: endpoint is already listening"}
	ErrHandlerNotFound      = &Error{Code: CodeHandlerNotFound, Message: "ipc: handler not found"}
	ErrHandlerFailed        = &Error{Code: CodeHandlerFailed, Message: "ipc: handler failed"}
	ErrChannelClosed        = &Error{Code: CodeChannelClosed, Message: "ipc: channel closed"}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument, Message: "ipc: invalid argument"}
	ErrInvalidEnvelope      = &Error{Code: CodeInvalidEnvelope, Message: "ipc: invalid envelope"}
)

// Error is the error type used on both sides of a channel. The cause fields
// carry the original failure of a remote handler, whose identity does not
// survive serialization.
type Error struct {
	Code         Code
	Message      string
	CauseCode    string
	CauseMessage string

	err error
}

func (e *Error) Error() string {
	if e.CauseMessage != "" && e.CauseMessage != e.Message {
		return fmt.Sprintf("%s: %s", e.Message, e.CauseMessage)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode implements Coder.
func (e *Error) ErrorCode() string { return string(e.Code) }

// Coder is implemented by errors that carry a machine readable code.
// Handler errors implementing it keep their code across the channel.
type Coder interface {
	ErrorCode() string
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HandlerFailed wraps an error returned (or a panic raised) by a request
// handler, keeping its text and code as cause fields.
func HandlerFailed(cause error) *Error {
	e := &Error{
		Code:    CodeHandlerFailed,
		Message: ErrHandlerFailed.Message,
		err:     cause,
	}
	if cause == nil {
		return e
	}
	e.CauseMessage = cause.Error()
	var c Coder
	if errors.As(cause, &c) {
		e.CauseCode = c.ErrorCode()
	}
	return e
}

// channelClosed returns a fresh ChannelClosed error wrapping cause.
func channelClosed(cause error) *Error {
	e := &Error{Code: CodeChannelClosed, Message: ErrChannelClosed.Message, err: cause}
	if cause != nil && !errors.Is(cause, ErrChannelClosed) {
		e.CauseMessage = cause.Error()
	}
	return e
}

// ErrorDescriptor is the wire shape of an *Error.
type ErrorDescriptor struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	CauseCode    string `json:"causeCode,omitempty"`
	CauseMessage string `json:"causeMessage,omitempty"`
}

// Describe converts err into its wire shape. Errors that are not *Error are
// reported as HandlerFailed.
func Describe(err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = HandlerFailed(err)
	}
	return &ErrorDescriptor{
		Code:         string(e.Code),
		Message:      e.Message,
		CauseCode:    e.CauseCode,
		CauseMessage: e.CauseMessage,
	}
}

// Err rebuilds the *Error carried by d.
func (d *ErrorDescriptor) Err() *Error {
	if d == nil {
		return nil
	}
	return &Error{
		Code:         Code(d.Code),
		Message:      d.Message,
		CauseCode:    d.CauseCode,
		CauseMessage: d.CauseMessage,
	}
}
