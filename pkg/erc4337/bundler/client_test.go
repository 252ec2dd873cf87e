package bundler

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-builder/core/testutil"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

func newTestClient(t *testing.T) (*BundlerClient, *testutil.FakeBundler) {
	t.Helper()
	fake := testutil.NewFakeBundler(t, userop.EntryPointV06, userop.EntryPointV07)
	client, err := NewBundlerClient(fake.URL, WithLogger(testutil.GetLogger()))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, fake
}

func sampleOp() *userop.UserOperationV06 {
	return &userop.UserOperationV06{
		Sender:    testutil.TestAccountAddress,
		Nonce:     big.NewInt(3),
		CallData:  []byte{0xab},
		Signature: userop.DummySignature,
	}
}

func TestEstimateUserOperationGas(t *testing.T) {
	client, fake := newTestClient(t)

	est, err := client.EstimateUserOperationGas(context.Background(), sampleOp(), userop.EntryPointV06, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), est.PreVerificationGas.Int64())
	assert.Equal(t, int64(100000), est.VerificationGasLimit.Int64())
	assert.Equal(t, int64(200000), est.CallGasLimit.Int64())
	assert.Nil(t, est.PaymasterPostOpGasLimit)

	calls := fake.Eth.EstimateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, userop.EntryPointV06.Hex(), calls[0].EntryPoint, "entrypoint is sent checksummed")
	assert.Nil(t, calls[0].Override, "empty override is not sent")
	assert.Equal(t, "0x3", calls[0].Op["nonce"])
}

func TestEstimateUserOperationGasWithOverride(t *testing.T) {
	client, fake := newTestClient(t)
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	slot := common.HexToHash("0x01")
	value := common.HexToHash("0xffffffffffffffffffffffff")

	_, err := client.EstimateUserOperationGas(context.Background(), sampleOp(), userop.EntryPointV06, StateOverride{
		token: {StateDiff: map[common.Hash]common.Hash{slot: value}},
	})
	require.NoError(t, err)

	calls := fake.Eth.EstimateCalls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Override)
	accountOverride, ok := calls[0].Override[hexutil.Encode(token.Bytes())].(map[string]interface{})
	require.True(t, ok, "override keyed by token address: %v", calls[0].Override)
	diff := accountOverride["stateDiff"].(map[string]interface{})
	assert.Equal(t, value.Hex(), diff[slot.Hex()])
}

func TestEstimateFallsBackToVerificationGas(t *testing.T) {
	client, fake := newTestClient(t)
	fake.Eth.SetEstimate(map[string]string{
		"preVerificationGas": "0x0a",
		"verificationGas":    "0x0b",
		"callGasLimit":       "12",
	}, nil)

	est, err := client.EstimateUserOperationGas(context.Background(), sampleOp(), userop.EntryPointV06, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), est.PreVerificationGas.Int64())
	assert.Equal(t, int64(11), est.VerificationGasLimit.Int64())
	assert.Equal(t, int64(12), est.CallGasLimit.Int64(), "decimal quantities are accepted")
}

func TestEstimateRPCError(t *testing.T) {
	client, fake := newTestClient(t)
	fake.Eth.SetEstimate(nil, &testutil.RPCError{Code: -32500, Message: "AA21 didn't pay prefund"})

	_, err := client.EstimateUserOperationGas(context.Background(), sampleOp(), userop.EntryPointV06, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRPC))

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32500, rpcErr.Code)
	assert.Equal(t, "eth_estimateUserOperationGas", rpcErr.Method)
	assert.Contains(t, rpcErr.Error(), "AA21")
}

func TestGetUserOperationGasPrice(t *testing.T) {
	client, _ := newTestClient(t)

	price, err := client.GetUserOperationGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), price.MaxFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), price.MaxPriorityFeePerGas.Int64())
}

func TestSendAndReceipt(t *testing.T) {
	client, fake := newTestClient(t)
	ctx := context.Background()

	hash, err := client.SendUserOperation(ctx, sampleOp(), userop.EntryPointV06)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x47173285a8d7341e5e972fc677286384f802f8ef42a5ec5f03bbfa254cb01fad"), hash)
	require.Len(t, fake.Eth.SentOps(), 1)

	receipt, err := client.GetUserOperationReceipt(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, receipt, "no receipt configured means pending")

	fake.Eth.SetReceipt(map[string]interface{}{
		"userOpHash":    hash.Hex(),
		"sender":        testutil.TestAccountAddress.Hex(),
		"success":       true,
		"actualGasCost": "0x10",
		"receipt": map[string]interface{}{
			"transactionHash": "0xb47d74ea64221eb941490bdc0c9a404dacd0a8573379a45c992ac60ee3e83c3c",
			"blockNumber":     "0x5",
		},
	}, 0)
	receipt, err = client.GetUserOperationReceipt(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, hash, receipt.UserOpHash)
	assert.Equal(t, int64(5), receipt.Receipt.BlockNumber.ToInt().Int64())

	byHash, err := client.GetUserOperationByHash(ctx, hash)
	require.NoError(t, err)
	assert.Contains(t, byHash, "userOperation")
}

func TestSupportedEntryPoints(t *testing.T) {
	client, _ := newTestClient(t)

	eps, err := client.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{userop.EntryPointV06, userop.EntryPointV07}, eps)
}

func TestSafePreview(t *testing.T) {
	assert.Equal(t, "", safePreview("abc", 0))
	assert.Equal(t, "abc", safePreview("abc", 5))
	assert.Equal(t, "ab...", safePreview("abc", 2))
}
