package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

// RPCError is returned by fake services to produce a JSON-RPC error object
// with a specific code.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return e.Code }

// EstimateCall records one eth_estimateUserOperationGas request.
type EstimateCall struct {
	Op         map[string]interface{}
	EntryPoint string
	Override   map[string]interface{}
}

// BundlerEthService implements the eth_ namespace of an ERC-4337 bundler.
type BundlerEthService struct {
	mu sync.Mutex

	estimate      map[string]string
	estimateErr   error
	estimateCalls []EstimateCall

	sendHash common.Hash
	sendErr  error
	sent     []map[string]interface{}

	receipt      map[string]interface{}
	receiptAfter int
	receiptPolls int

	entryPoints []common.Address
}

func (s *BundlerEthService) SetEstimate(result map[string]string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimate, s.estimateErr = result, err
}

func (s *BundlerEthService) SetSendResult(hash common.Hash, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendHash, s.sendErr = hash, err
}

// SetReceipt makes eth_getUserOperationReceipt return null for the first
// after polls and receipt afterwards.
func (s *BundlerEthService) SetReceipt(receipt map[string]interface{}, after int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipt, s.receiptAfter, s.receiptPolls = receipt, after, 0
}

func (s *BundlerEthService) EstimateCalls() []EstimateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EstimateCall{}, s.estimateCalls...)
}

func (s *BundlerEthService) SentOps() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}{}, s.sent...)
}

func (s *BundlerEthService) ReceiptPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptPolls
}

func (s *BundlerEthService) EstimateUserOperationGas(op map[string]interface{}, entrypoint string, override *map[string]interface{}) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := EstimateCall{Op: op, EntryPoint: entrypoint}
	if override != nil {
		call.Override = *override
	}
	s.estimateCalls = append(s.estimateCalls, call)
	return s.estimate, s.estimateErr
}

func (s *BundlerEthService) SendUserOperation(op map[string]interface{}, entrypoint string) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return common.Hash{}, s.sendErr
	}
	s.sent = append(s.sent, op)
	return s.sendHash, nil
}

func (s *BundlerEthService) GetUserOperationReceipt(hash common.Hash) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiptPolls++
	if s.receipt == nil || s.receiptPolls <= s.receiptAfter {
		return nil, nil
	}
	return s.receipt, nil
}

func (s *BundlerEthService) GetUserOperationByHash(hash common.Hash) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil, nil
	}
	result := map[string]interface{}{"userOperation": s.sent[len(s.sent)-1]}
	if len(s.entryPoints) > 0 {
		result["entryPoint"] = s.entryPoints[0].Hex()
	}
	return result, nil
}

func (s *BundlerEthService) SupportedEntryPoints() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryPoints
}

// BundlerThirdwebService implements the thirdweb_ gas price extension.
type BundlerThirdwebService struct {
	mu    sync.Mutex
	price map[string]string
	err   error
	calls int
}

func (s *BundlerThirdwebService) SetGasPrice(price map[string]string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price, s.err = price, err
}

func (s *BundlerThirdwebService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *BundlerThirdwebService) GetUserOperationGasPrice() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.price, s.err
}

// FakeBundler is an in-process bundler served over HTTP JSON-RPC.
type FakeBundler struct {
	URL      string
	Eth      *BundlerEthService
	Thirdweb *BundlerThirdwebService
}

func NewFakeBundler(t testing.TB, entryPoints ...common.Address) *FakeBundler {
	t.Helper()

	eth := &BundlerEthService{
		estimate: map[string]string{
			"preVerificationGas":   "0xc350",
			"verificationGasLimit": "0x186a0",
			"callGasLimit":         "0x30d40",
		},
		sendHash:    common.HexToHash("0x47173285a8d7341e5e972fc677286384f802f8ef42a5ec5f03bbfa254cb01fad"),
		entryPoints: entryPoints,
	}
	thirdweb := &BundlerThirdwebService{
		price: map[string]string{
			"maxFeePerGas":         "0x77359400",
			"maxPriorityFeePerGas": "0x3b9aca00",
		},
	}

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", eth))
	require.NoError(t, server.RegisterName("thirdweb", thirdweb))

	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})

	return &FakeBundler{URL: httpServer.URL, Eth: eth, Thirdweb: thirdweb}
}

// DecodeOp re-encodes a recorded operation into v.
func DecodeOp(t testing.TB, op map[string]interface{}, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}
