// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

// ErrRPC matches every JSON-RPC level error returned by a bundler.
var ErrRPC = errors.New("bundler rpc error")

// RPCError carries the JSON-RPC error object of a failed bundler call.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    interface{}
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s: JSON-RPC error %d: %s (%v)", e.Method, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%s: JSON-RPC error %d: %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Is(target error) bool {
	return target == ErrRPC
}

func wrapError(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out := &RPCError{Method: method, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			out.Data = dataErr.ErrorData()
		}
		return out
	}
	return fmt.Errorf("%s: %w", method, err)
}

// safePreview returns a truncated preview of s with ellipsis when longer than n
func safePreview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	client *rpc.Client
	url    string
	logger logger.Logger
}

type Option func(*BundlerClient)

func WithLogger(l logger.Logger) Option {
	return func(bc *BundlerClient) { bc.logger = logger.EnsureLogger(l) }
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL.
func NewBundlerClient(url string, opts ...Option) (*BundlerClient, error) {
	// Use DialHTTP instead of Dial as it is more compatible with HTTP-based bundler
	// endpoints, but it also supports other protocols such as WebSocket.
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("Error creating bundler client: %w", err)
	}
	bc := &BundlerClient{client: c, url: url, logger: logger.NewNoOpLogger()}
	for _, opt := range opts {
		opt(bc)
	}
	return bc, nil
}

// URL returns the endpoint the client was dialed with.
func (bc *BundlerClient) URL() string {
	return bc.url
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

func (bc *BundlerClient) logRequest(method string, op userop.UserOperation, entrypoint common.Address) {
	encoded, _ := json.Marshal(op)
	bc.logger.Debug("bundler request",
		"method", method,
		"entrypoint", entrypoint.Hex(),
		"sender", op.GetSender().Hex(),
		"version", string(op.Version()),
		"userop", safePreview(string(encoded), 512))
}

// SendUserOperation sends a signed UserOperation to the bundler and returns
// its userOpHash.
func (bc *BundlerClient) SendUserOperation(
	ctx context.Context,
	op userop.UserOperation,
	entrypoint common.Address,
) (common.Hash, error) {
	const method = "eth_sendUserOperation"
	bc.logRequest(method, op, entrypoint)

	// Some bundlers require the EIP-55 checksummed EntryPoint address.
	var hash common.Hash
	if err := bc.client.CallContext(ctx, &hash, method, op, entrypoint.Hex()); err != nil {
		return common.Hash{}, wrapError(method, err)
	}
	return hash, nil
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature field is ignored by the bundler but must be well formed, so
// callers pass userop.DummySignature. The optional state override has the
// same shape as the eth_call override set.
func (bc *BundlerClient) EstimateUserOperationGas(
	ctx context.Context,
	op userop.UserOperation,
	entrypoint common.Address,
	override StateOverride,
) (*GasEstimation, error) {
	const method = "eth_estimateUserOperationGas"
	bc.logRequest(method, op, entrypoint)

	args := []interface{}{op, entrypoint.Hex()}
	if len(override) > 0 {
		args = append(args, override)
	}

	var result gasEstimationJSON
	if err := bc.client.CallContext(ctx, &result, method, args...); err != nil {
		return nil, wrapError(method, err)
	}
	estimation := result.toEstimation()

	bc.logger.Debug("bundler gas estimation",
		"callGasLimit", estimation.CallGasLimit,
		"verificationGasLimit", estimation.VerificationGasLimit,
		"preVerificationGas", estimation.PreVerificationGas)
	return estimation, nil
}

// GetUserOperationGasPrice queries the thirdweb_getUserOperationGasPrice
// extension offered by first-party bundlers.
func (bc *BundlerClient) GetUserOperationGasPrice(ctx context.Context) (*GasPrice, error) {
	const method = "thirdweb_getUserOperationGasPrice"
	var result gasPriceJSON
	if err := bc.client.CallContext(ctx, &result, method); err != nil {
		return nil, wrapError(method, err)
	}
	return result.toGasPrice(), nil
}

// GetUserOperationByHash fetches a UserOperation by its hash. The result is
// nil while the bundler does not know the operation.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash common.Hash) (map[string]interface{}, error) {
	const method = "eth_getUserOperationByHash"
	var userOp map[string]interface{}
	if err := bc.client.CallContext(ctx, &userOp, method, hash); err != nil {
		return nil, wrapError(method, err)
	}
	return userOp, nil
}

// GetUserOperationReceipt fetches the receipt of a UserOperation. A nil
// receipt without error means the operation is not mined yet.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	const method = "eth_getUserOperationReceipt"
	var receipt *UserOperationReceipt
	if err := bc.client.CallContext(ctx, &receipt, method, hash); err != nil {
		return nil, wrapError(method, err)
	}
	return receipt, nil
}

// SupportedEntryPoints lists the EntryPoint addresses the bundler serves.
func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	const method = "eth_supportedEntryPoints"
	var entrypoints []common.Address
	if err := bc.client.CallContext(ctx, &entrypoints, method); err != nil {
		return nil, wrapError(method, err)
	}
	return entrypoints, nil
}
