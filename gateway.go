// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gorpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// GatewayService is the JSON-RPC service name exposed by NewGateway.
const GatewayService = "IPC"

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// GatewayArgs is the params object of IPC.Send and IPC.Notify.
type GatewayArgs struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// GatewayReply is the result object of IPC.Send and IPC.Notify.
type GatewayReply struct {
	Payload any `json:"payload,omitempty"`
}

// Gateway bridges HTTP JSON-RPC 2.0 callers onto an Endpoint: IPC.Send
// issues a request through the endpoint, IPC.Notify a notification.
type Gateway struct {
	endpoint *Endpoint
}

// NewGateway returns an http.Handler serving JSON-RPC 2.0 for e.
func NewGateway(e *Endpoint) (http.Handler, error) {
	s := gorpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Gateway{endpoint: e}, GatewayService); err != nil {
		return nil, fmt.Errorf("register gateway service: %w", err)
	}
	return s, nil
}

// Send forwards a request and returns its response payload.
func (g *Gateway) Send(r *http.Request, args *GatewayArgs, reply *GatewayReply) error {
	result, err := g.endpoint.Send(r.Context(), args.Name, args.Payload)
	if err != nil {
		return gatewayError(err)
	}
	reply.Payload = result
	return nil
}

// Notify forwards a notification.
func (g *Gateway) Notify(r *http.Request, args *GatewayArgs, reply *GatewayReply) error {
	if err := g.endpoint.Notify(r.Context(), args.Name, args.Payload); err != nil {
		return gatewayError(err)
	}
	return nil
}

// gatewayError keeps the error descriptor in the JSON-RPC error data.
func gatewayError(err error) *json2.Error {
	var e *Error
	if errors.As(err, &e) {
		return &json2.Error{Code: json2.E_SERVER, Message: e.Error(), Data: Describe(e)}
	}
	return &json2.Error{Code: json2.E_INTERNAL, Message: err.Error()}
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// CallGateway calls IPC.Send on the gateway at uri and decodes the response
// payload into reply (which may be nil). Remote failures come back as *Error.
func CallGateway(ctx context.Context, uri string, name string, payload any, reply any) error {
	var out GatewayReply
	if err := sendGatewayRequest(ctx, uri, GatewayService+".Send", &GatewayArgs{Name: name, Payload: Sanitize(payload)}, &out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return Decode(out.Payload, reply)
}

// NotifyGateway calls IPC.Notify on the gateway at uri.
func NotifyGateway(ctx context.Context, uri string, name string, payload any) error {
	var out GatewayReply
	return sendGatewayRequest(ctx, uri, GatewayService+".Notify", &GatewayArgs{Name: name, Payload: Sanitize(payload)}, &out)
}

func sendGatewayRequest(ctx context.Context, uri string, method string, params any, reply any) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(requestBodyBytes))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			slog.Default().Debug("gateway request attempt failed", "method", method, "attempt", attempt+1, "retryable", isRetryableError(err), "err", err)
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			return gatewayResponseError(err)
		}
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// gatewayResponseError turns a JSON-RPC error back into *Error when it
// carries a descriptor.
func gatewayResponseError(err error) error {
	var jsonErr *json2.Error
	if !errors.As(err, &jsonErr) {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	var desc ErrorDescriptor
	if jsonErr.Data != nil && Decode(jsonErr.Data, &desc) == nil && desc.Code != "" {
		return desc.Err()
	}
	return fmt.Errorf("gateway error %d: %s", jsonErr.Code, jsonErr.Message)
}
