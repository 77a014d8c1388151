// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package msgchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// BridgeServiceName is the JSON-RPC service the bridge registers, so methods
// are called as "Remote.ExecuteScript", "Remote.PostMessage" and
// "Remote.Call".
const BridgeServiceName = "Remote"

// BridgeService exposes a Remote over JSON-RPC 2.0 for callers that can't
// speak the channel protocol themselves. Results travel as Wire Records.
type BridgeService struct {
	remote *Remote
	log    *zap.Logger
}

type ExecuteScriptArgs struct {
	Fn   string `json:"fn"`
	Args []any  `json:"args"`
}

type ExecuteScriptReply struct {
	Result *Record `json:"result"`
}

type PostMessageArgs struct {
	Msg any `json:"msg"`
}

type PostMessageReply struct{}

type CallArgs struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

type CallReply struct {
	Result json.RawMessage `json:"result"`
}

func (s *BridgeService) ExecuteScript(r *http.Request, args *ExecuteScriptArgs, reply *ExecuteScriptReply) error {
	v, err := s.remote.ExecuteScript(r.Context(), args.Fn, args.Args...)
	if err != nil {
		return s.fail(CommandExecuteScript, err)
	}
	rec, err := s.remote.host.Serialize(v)
	if err != nil {
		return s.fail(CommandExecuteScript, err)
	}
	reply.Result = rec
	return nil
}

func (s *BridgeService) PostMessage(r *http.Request, args *PostMessageArgs, _ *PostMessageReply) error {
	if err := s.remote.PostMessage(r.Context(), args.Msg); err != nil {
		return s.fail(CommandPostMessage, err)
	}
	return nil
}

func (s *BridgeService) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	if args.Command == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "command is required"}
	}
	result, err := s.remote.Call(r.Context(), args.Command, args.Params)
	if err != nil {
		return s.fail(args.Command, err)
	}
	reply.Result = result
	return nil
}

// fail converts err to a JSON-RPC server error whose data is the
// ErrorDetail of the failure.
func (s *BridgeService) fail(command string, err error) error {
	s.log.Debug("bridge call failed", zap.String("command", command), zap.Error(err))
	detail := errorDetail(err)
	return &json2.Error{Code: json2.E_SERVER, Message: detail.Message, Data: detail}
}

// NewBridgeHandler returns an http.Handler serving remote as the JSON-RPC
// service "Remote".
func NewBridgeHandler(remote *Remote) (http.Handler, error) {
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	svc := &BridgeService{remote: remote, log: remote.host.log}
	if err := server.RegisterService(svc, BridgeServiceName); err != nil {
		return nil, err
	}
	return server, nil
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

// RequestOption configures a single JSON-RPC request
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers     http.Header
	queryParams url.Values
	client      *http.Client
}

func newRequestOptions(opts []RequestOption) *requestOptions {
	o := &requestOptions{
		headers:     make(http.Header),
		queryParams: make(url.Values),
		client:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a request header
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to the request URL
func WithQueryParam(key, value string) RequestOption {
	return func(o *requestOptions) { o.queryParams.Add(key, value) }
}

// WithHTTPClient sets the HTTP client used for the request
func WithHTTPClient(c *http.Client) RequestOption {
	return func(o *requestOptions) { o.client = c }
}

// SendJSONRequest issues one JSON-RPC 2.0 call. Requests are not retried:
// executeScript and postMessage are not idempotent.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...RequestOption,
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := newRequestOptions(options)
	target := *uri
	if len(ops.queryParams) > 0 {
		target.RawQuery = ops.queryParams.Encode()
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		target.String(),
		bytes.NewBuffer(requestBodyBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header = ops.headers
	request.Header.Set("Content-Type", "application/json")

	Logger().Debug("json-rpc request", zap.String("method", method), zap.String("uri", target.Redacted()))
	resp, err := ops.client.Do(request)
	if err != nil {
		return wrapError(method, KindTransport, err, "failed to issue request")
	}
	defer CleanlyCloseBody(resp.Body)

	// Return an error for any non successful status code
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(method, KindTransport, "received status code: %d", resp.StatusCode)
	}

	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return bridgeError(method, err)
	}
	return nil
}

// bridgeError recovers the ErrorDetail carried in a JSON-RPC error.
func bridgeError(method string, err error) error {
	var jerr *json2.Error
	if !errors.As(err, &jerr) {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	if data, mErr := json.Marshal(jerr.Data); mErr == nil {
		var detail ErrorDetail
		if json.Unmarshal(data, &detail) == nil && detail.Kind != "" {
			return detail.err(method)
		}
	}
	return wrapError(method, KindProtocolViolation, jerr, "json-rpc error")
}

// BridgeClient calls a BridgeService over HTTP. Results are reconstructed
// with a private Host that has no transport of its own.
type BridgeClient struct {
	uri     *url.URL
	host    *Host
	options []RequestOption
}

// NewBridgeClient returns a client for the bridge at rawURL.
func NewBridgeClient(rawURL string, options ...RequestOption) (*BridgeClient, error) {
	uri, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &BridgeClient{uri: uri, host: NewHost(), options: options}, nil
}

// ExecuteScript runs fn remotely with JSON-representable args.
func (c *BridgeClient) ExecuteScript(ctx context.Context, fn string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	var reply ExecuteScriptReply
	err := SendJSONRequest(ctx, c.uri, BridgeServiceName+".ExecuteScript",
		&ExecuteScriptArgs{Fn: fn, Args: args}, &reply, c.options...)
	if err != nil {
		return nil, err
	}
	if reply.Result == nil {
		return nil, protocolViolation(CommandExecuteScript, "missing result")
	}
	return c.host.Deserialize(reply.Result)
}

// PostMessage delivers msg to the remote router's message handlers.
func (c *BridgeClient) PostMessage(ctx context.Context, msg any) error {
	var reply PostMessageReply
	return SendJSONRequest(ctx, c.uri, BridgeServiceName+".PostMessage",
		&PostMessageArgs{Msg: msg}, &reply, c.options...)
}

// Call sends an arbitrary command and returns the raw result.
func (c *BridgeClient) Call(ctx context.Context, command string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var reply CallReply
	err = SendJSONRequest(ctx, c.uri, BridgeServiceName+".Call",
		&CallArgs{Command: command, Params: raw}, &reply, c.options...)
	return reply.Result, err
}
