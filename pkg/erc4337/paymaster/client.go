// Package paymaster talks to an ERC-4337 paymaster service over JSON-RPC.
package paymaster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

const sponsorMethod = "pm_sponsorUserOperation"

// ErrRPC matches JSON-RPC errors returned by the paymaster service.
var ErrRPC = errors.New("paymaster rpc error")

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: JSON-RPC error %d: %s", sponsorMethod, e.Code, e.Message)
}

func (e *RPCError) Is(target error) bool {
	return target == ErrRPC
}

// Client calls pm_sponsorUserOperation on a paymaster service.
type Client struct {
	http   *resty.Client
	url    string
	logger logger.Logger
	nextID atomic.Uint64
}

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = logger.EnsureLogger(l) }
}

// WithHeaders adds headers to every request, typically an API key.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) { c.http.SetHeaders(headers) }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(timeout) }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		url:    url,
		logger: logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result interface{} `json:"result"`
	Error  *RPCError   `json:"error"`
}

// SponsorUserOperation asks the paymaster to sponsor op. The operation is
// expected to carry userop.DummySignature.
func (c *Client) SponsorUserOperation(ctx context.Context, op userop.UserOperation, entrypoint common.Address) (*Result, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  sponsorMethod,
		Params:  []interface{}{op, entrypoint.Hex()},
	}

	c.logger.Debug("paymaster request", "method", sponsorMethod, "sender", op.GetSender().Hex(), "url", c.url)

	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", sponsorMethod, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s returned HTTP %d: %s", sponsorMethod, resp.StatusCode(), resp.String())
	}

	var body rpcResponse
	decoder := json.NewDecoder(bytes.NewReader(resp.Body()))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", sponsorMethod, err)
	}
	if body.Error != nil {
		return nil, body.Error
	}

	result, err := DecodeResult(body.Result)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("paymaster response",
		"sender", op.GetSender().Hex(),
		"sponsored", result.Sponsored(op.Version()),
		"hasGasLimits", result.CallGasLimit != nil)
	return result, nil
}
