// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes envelopes as JSON objects
type JSONCodec struct{}

func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: CodeInvalidEnvelope, Message: fmt.Sprintf("ipc: decode envelope: %v", err), err: err}
	}
	switch env.Kind {
	case KindRequest, KindResponse, KindNotification, KindUnhandledError:
	default:
		return nil, newError(CodeInvalidEnvelope, "ipc: unknown envelope kind %q", env.Kind)
	}
	return &env, nil
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// Decode converts a received payload into v. Payloads arrive as generic
// values (maps, slices, numbers) and are re-shaped through JSON.
func Decode(payload any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("ipc: decode payload: %w", err)
	}
	return nil
}
