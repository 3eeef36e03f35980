// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every envelope. Envelopes declaring any
// other version are rejected.
const ProtocolVersion = "1.0.0"

// Kind identifies an envelope type.
type Kind string

const (
	KindRequest        Kind = "request"
	KindResponse       Kind = "response"
	KindNotification   Kind = "notification"
	KindUnhandledError Kind = "unhandled_error"
)

// Envelope is the only unit ever put on a channel.
type Envelope struct {
	Kind          Kind             `json:"kind"`
	Version       string           `json:"version"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Name          string           `json:"name,omitempty"`
	Payload       any              `json:"payload,omitempty"`
	Error         *ErrorDescriptor `json:"error,omitempty"`
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(name string, payload any) *Envelope {
	return &Envelope{
		Kind:          KindRequest,
		Version:       ProtocolVersion,
		CorrelationID: uuid.NewString(),
		Name:          name,
		Payload:       Sanitize(payload),
	}
}

// NewResponse builds the response to req. errDesc is nil on success.
func NewResponse(req *Envelope, errDesc *ErrorDescriptor, payload any) *Envelope {
	return &Envelope{
		Kind:          KindResponse,
		Version:       ProtocolVersion,
		CorrelationID: req.CorrelationID,
		Name:          req.Name,
		Payload:       Sanitize(payload),
		Error:         errDesc,
	}
}

// NewNotification builds a fire-and-forget message.
func NewNotification(name string, payload any) *Envelope {
	return &Envelope{
		Kind:    KindNotification,
		Version: ProtocolVersion,
		Name:    name,
		Payload: Sanitize(payload),
	}
}

// NewUnhandledError reports a message the receiver could not attribute.
func NewUnhandledError(err error) *Envelope {
	return &Envelope{
		Kind:    KindUnhandledError,
		Version: ProtocolVersion,
		Error:   Describe(err),
	}
}

// validateRequest checks an inbound request. The returned error is sent
// back as the response error, unless the request has no correlation id.
func validateRequest(env *Envelope) *Error {
	switch {
	case env.CorrelationID == "":
		return newError(CodeMissingCorrelationID, "ipc: request %q has no correlation id", env.Name)
	case env.Name == "":
		return newError(CodeMissingRequestName, "ipc: request %s has no name", env.CorrelationID)
	case env.Version != ProtocolVersion:
		return newError(CodeInvalidRequestVersion, "ipc: request version %q, want %q", env.Version, ProtocolVersion)
	}
	return nil
}

func validateResponse(env *Envelope) *Error {
	switch {
	case env.CorrelationID == "":
		return newError(CodeMissingCorrelationID, "ipc: response %q has no correlation id", env.Name)
	case env.Name == "":
		return newError(CodeMissingResponseName, "ipc: response %s has no name", env.CorrelationID)
	case env.Version != ProtocolVersion:
		return newError(CodeInvalidResponseVersion, "ipc: response version %q, want %q", env.Version, ProtocolVersion)
	}
	return nil
}

func validateNotification(env *Envelope) *Error {
	switch {
	case env.Name == "":
		return newError(CodeMissingName, "ipc: notification has no name")
	case env.Version != ProtocolVersion:
		return newError(CodeInvalidNotificationVersion, "ipc: notification version %q, want %q", env.Version, ProtocolVersion)
	}
	return nil
}

// clone returns a shallow copy; payloads are already sanitized and never
// mutated after construction.
func (e *Envelope) clone() *Envelope {
	c := *e
	if e.Error != nil {
		d := *e.Error
		c.Error = &d
	}
	return &c
}
