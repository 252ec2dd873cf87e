package paymaster

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-builder/core/testutil"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

func testOp() *userop.UserOperationV06 {
	return &userop.UserOperationV06{
		Sender:    testutil.TestAccountAddress,
		Nonce:     big.NewInt(1),
		CallData:  []byte{0x01},
		Signature: userop.DummySignature,
	}
}

func TestSponsorUserOperationV06(t *testing.T) {
	pm := testutil.NewFakePaymaster(t, map[string]interface{}{
		"paymasterAndData":     "0xb985af5f96ef2722dc99aeba573520903b86505e1234",
		"callGasLimit":         "0x30d40",
		"verificationGasLimit": "0x186a0",
		"preVerificationGas":   "0xc350",
	})
	client := NewClient(pm.URL, WithLogger(testutil.GetLogger()))

	result, err := client.SponsorUserOperation(context.Background(), testOp(), userop.EntryPointV06)
	require.NoError(t, err)

	assert.True(t, result.Sponsored(userop.V06))
	assert.True(t, result.HasGasLimits(userop.V06))
	assert.False(t, result.HasGasLimits(userop.V07), "v0.7 additionally needs paymaster gas limits")
	assert.Equal(t, common.FromHex("0xb985af5f96ef2722dc99aeba573520903b86505e1234"), result.PaymasterAndData)
	assert.Equal(t, int64(200000), result.CallGasLimit.Int64())
	assert.Equal(t, int64(100000), result.VerificationGasLimit.Int64())
	assert.Equal(t, int64(50000), result.PreVerificationGas.Int64())

	calls := pm.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pm_sponsorUserOperation", calls[0].Method)
	assert.Equal(t, userop.EntryPointV06.Hex(), calls[0].EntryPoint)
	assert.Equal(t, hexutil.Encode(userop.DummySignature), calls[0].Op["signature"])
}

func TestSponsorUserOperationV07(t *testing.T) {
	pm := testutil.NewFakePaymaster(t, map[string]interface{}{
		"paymaster":                     testutil.TestPaymaster.Hex(),
		"paymasterData":                 "0xbeef",
		"paymasterVerificationGasLimit": "0xea60",
		"paymasterPostOpGasLimit":       json.Number("1"),
	})
	client := NewClient(pm.URL)

	op := &userop.UserOperationV07{Sender: testutil.TestAccountAddress, Signature: userop.DummySignature}
	result, err := client.SponsorUserOperation(context.Background(), op, userop.EntryPointV07)
	require.NoError(t, err)

	assert.True(t, result.Sponsored(userop.V07))
	assert.False(t, result.HasGasLimits(userop.V07))
	assert.Equal(t, testutil.TestPaymaster, result.Paymaster)
	assert.Equal(t, []byte{0xbe, 0xef}, result.PaymasterData)
	assert.Equal(t, int64(60000), result.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(1), result.PaymasterPostOpGasLimit.Int64())
}

func TestSponsorUserOperationBareString(t *testing.T) {
	pm := testutil.NewFakePaymaster(t, "0xb985af5f96ef2722dc99aeba573520903b86505e")
	result, err := NewClient(pm.URL).SponsorUserOperation(context.Background(), testOp(), userop.EntryPointV06)
	require.NoError(t, err)
	assert.True(t, result.Sponsored(userop.V06))
	assert.False(t, result.HasGasLimits(userop.V06))
}

func TestSponsorUserOperationEmptyResultIsNotSponsored(t *testing.T) {
	pm := testutil.NewFakePaymaster(t, map[string]interface{}{"paymasterAndData": "0x"})
	result, err := NewClient(pm.URL).SponsorUserOperation(context.Background(), testOp(), userop.EntryPointV06)
	require.NoError(t, err)
	assert.False(t, result.Sponsored(userop.V06))
}

func TestSponsorUserOperationRPCError(t *testing.T) {
	pm := testutil.NewFakePaymaster(t)
	pm.FailWith(&testutil.RPCError{Code: -32602, Message: "policy rejected"})

	_, err := NewClient(pm.URL).SponsorUserOperation(context.Background(), testOp(), userop.EntryPointV06)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRPC))

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Contains(t, err.Error(), "policy rejected")
}

func TestSponsorUserOperationHTTPError(t *testing.T) {
	pm := testutil.NewFakePaymaster(t)
	pm.FailWithStatus(http.StatusServiceUnavailable)

	_, err := NewClient(pm.URL).SponsorUserOperation(context.Background(), testOp(), userop.EntryPointV06)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.False(t, errors.Is(err, ErrRPC))
}

func TestDecodeResultRejectsGarbage(t *testing.T) {
	_, err := DecodeResult(map[string]interface{}{"callGasLimit": "0xzz"})
	assert.Error(t, err)

	_, err = DecodeResult(map[string]interface{}{"paymaster": "not-an-address"})
	assert.Error(t, err)

	_, err = DecodeResult(42)
	assert.Error(t, err)

	empty, err := DecodeResult(nil)
	require.NoError(t, err)
	assert.False(t, empty.Sponsored(userop.V06))
}
