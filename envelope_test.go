// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestUniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		req := NewRequest("echo", nil)
		require.NotEmpty(t, req.CorrelationID)
		_, dup := seen[req.CorrelationID]
		require.False(t, dup, "duplicate correlation id %s", req.CorrelationID)
		seen[req.CorrelationID] = struct{}{}
	}
}

func TestEnvelopeBuilders(t *testing.T) {
	req := NewRequest("echo", map[string]any{"f": func() {}, "x": 1})
	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, ProtocolVersion, req.Version)
	assert.Equal(t, map[string]any{"x": 1}, req.Payload)

	resp := NewResponse(req, nil, "ok")
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	assert.Equal(t, "echo", resp.Name)
	assert.Equal(t, "ok", resp.Payload)
	assert.Nil(t, resp.Error)

	n := NewNotification("log", []byte{1})
	assert.Equal(t, KindNotification, n.Kind)
	assert.Empty(t, n.CorrelationID)
	assert.Equal(t, []any{1}, n.Payload)

	u := NewUnhandledError(newError(CodeUnknownKind, "what"))
	assert.Equal(t, KindUnhandledError, u.Kind)
	require.NotNil(t, u.Error)
	assert.Equal(t, string(CodeUnknownKind), u.Error.Code)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		validate func(*Envelope) *Error
		env      Envelope
		want     Code
	}{
		{"request ok", validateRequest, Envelope{CorrelationID: "c", Name: "n", Version: ProtocolVersion}, ""},
		{"request no id", validateRequest, Envelope{Name: "n", Version: ProtocolVersion}, CodeMissingCorrelationID},
		{"request no name", validateRequest, Envelope{CorrelationID: "c", Version: ProtocolVersion}, CodeMissingRequestName},
		{"request old version", validateRequest, Envelope{CorrelationID: "c", Name: "n", Version: "0.9.0"}, CodeInvalidRequestVersion},
		{"response ok", validateResponse, Envelope{CorrelationID: "c", Name: "n", Version: ProtocolVersion}, ""},
		{"response no id", validateResponse, Envelope{Name: "n", Version: ProtocolVersion}, CodeMissingCorrelationID},
		{"response no name", validateResponse, Envelope{CorrelationID: "c", Version: ProtocolVersion}, CodeMissingResponseName},
		{"response new version", validateResponse, Envelope{CorrelationID: "c", Name: "n", Version: "2.0.0"}, CodeInvalidResponseVersion},
		{"notification ok", validateNotification, Envelope{Name: "n", Version: ProtocolVersion}, ""},
		{"notification no name", validateNotification, Envelope{Version: ProtocolVersion}, CodeMissingName},
		{"notification no version", validateNotification, Envelope{Name: "n"}, CodeInvalidNotificationVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validate(&tt.env)
			if tt.want == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.want, err.Code)
		})
	}
}

func TestJSONCodec(t *testing.T) {
	var c JSONCodec
	req := NewRequest("add", map[string]any{"a": 1})

	data, err := c.Encode(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"correlationId"`)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, req.Kind, got.Kind)
	assert.Equal(t, req.CorrelationID, got.CorrelationID)
	assert.Equal(t, req.Name, got.Name)
	assert.Equal(t, map[string]any{"a": float64(1)}, got.Payload)

	_, err = c.Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = c.Decode([]byte(`{"kind":"bogus","version":"1.0.0"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = c.Encode(nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecodePayload(t *testing.T) {
	var out struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	require.NoError(t, Decode(map[string]any{"a": float64(3), "b": "x"}, &out))
	assert.Equal(t, 3, out.A)
	assert.Equal(t, "x", out.B)

	var n int
	assert.Error(t, Decode("not a number", &n))
}

type codedErr struct{ code string }

func (e codedErr) Error() string     { return "coded failure" }
func (e codedErr) ErrorCode() string { return e.code }

func TestHandlerFailedKeepsCause(t *testing.T) {
	plain := HandlerFailed(errors.New("boom"))
	assert.Equal(t, CodeHandlerFailed, plain.Code)
	assert.Equal(t, "boom", plain.CauseMessage)
	assert.Empty(t, plain.CauseCode)

	coded := HandlerFailed(fmt.Errorf("wrapped: %w", codedErr{code: "E42"}))
	assert.Equal(t, "E42", coded.CauseCode)
	assert.Equal(t, "wrapped: coded failure", coded.CauseMessage)

	// Cause fields survive the wire shape; identity does not.
	back := Describe(coded).Err()
	assert.ErrorIs(t, back, ErrHandlerFailed)
	assert.Equal(t, "E42", back.CauseCode)
	assert.Equal(t, "wrapped: coded failure", back.CauseMessage)
}

func TestDescribe(t *testing.T) {
	assert.Nil(t, Describe(nil))
	assert.Nil(t, (*ErrorDescriptor)(nil).Err())

	d := Describe(errors.New("raw"))
	assert.Equal(t, string(CodeHandlerFailed), d.Code)
	assert.Equal(t, "raw", d.CauseMessage)

	d = Describe(fmt.Errorf("ctx: %w", ErrSendBeforeListen))
	assert.Equal(t, string(CodeSendBeforeListen), d.Code)
}

func TestErrorMatching(t *testing.T) {
	err := channelClosed(io.EOF)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrHandlerFailed)
	assert.Equal(t, "ChannelClosed", err.ErrorCode())

	wrapped := fmt.Errorf("send: %w", newError(CodeInvalidArgument, "bad"))
	assert.ErrorIs(t, wrapped, ErrInvalidArgument)

	var e *Error
	require.ErrorAs(t, wrapped, &e)
	assert.Equal(t, "bad", e.Error())

	assert.ErrorIs(t, closedOr(io.EOF), ErrChannelClosed)
	assert.ErrorIs(t, closedOr(io.ErrClosedPipe), ErrChannelClosed)
	assert.Nil(t, closedOr(nil))
}
