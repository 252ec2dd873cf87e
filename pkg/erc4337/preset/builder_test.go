package preset

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
	"github.com/AvaProtocol/userop-builder/core/testutil"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/deployment"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

const testChainID = 11155111

var transferData = common.FromHex("0xa9059cbb000000000000000000000000e0f7d11fd714674722d325cd86062a5f1882e13a0000000000000000000000000000000000000000000000000000000000000001")

type testEnv struct {
	chain   *testutil.FakeChain
	bundler *testutil.FakeBundler
	tracker *deployment.Tracker
	builder *Builder
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	chain := testutil.NewFakeChain(testChainID)
	fb := testutil.NewFakeBundler(t, userop.EntryPointV06, userop.EntryPointV07)
	client, err := bundler.NewBundlerClient(fb.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	tracker := deployment.NewTracker(deployment.WithPollInterval(10 * time.Millisecond))
	cfg := Config{
		Chain:               chain,
		Bundler:             client,
		Tracker:             tracker,
		Logger:              testutil.GetLogger(),
		ReceiptTimeout:      2 * time.Second,
		ReceiptPollInterval: 10 * time.Millisecond,
	}
	for _, c := range configure {
		c(&cfg)
	}

	builder, err := NewBuilder(cfg)
	require.NoError(t, err)
	return &testEnv{chain: chain, bundler: fb, tracker: tracker, builder: builder}
}

func (e *testEnv) deploy(account common.Address) {
	e.chain.SetCode(account, []byte{0x60, 0x80})
}

func (e *testEnv) key(account common.Address) string {
	return deployment.Key(big.NewInt(testChainID), account)
}

func transferTx() Transaction {
	return Transaction{To: testutil.TestTargetAddress, Value: big.NewInt(0), Data: transferData}
}

func baseRequest() BuildRequest {
	return BuildRequest{
		Transactions: []Transaction{transferTx()},
		Account:      testutil.TestAccountAddress,
		Admin:        testutil.TestAdmin().Address(),
	}
}

func boolPtr(v bool) *bool { return &v }

func TestNewBuilderRequiresChainAndBundler(t *testing.T) {
	_, err := NewBuilder(Config{})
	assert.Error(t, err)

	_, err = NewBuilder(Config{Chain: testutil.NewFakeChain(1)})
	assert.Error(t, err)
}

func TestBuildDeployedAccountWithoutSponsorV06(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)

	op, err := env.builder.Build(context.Background(), baseRequest())
	require.NoError(t, err)

	v06, ok := op.(*userop.UserOperationV06)
	require.True(t, ok, "default entrypoint must produce a v0.6 operation")

	assert.Equal(t, testutil.TestAccountAddress, v06.Sender)
	assert.Empty(t, v06.InitCode)
	assert.Equal(t, []byte{}, v06.PaymasterAndData)
	assert.Empty(t, v06.Signature)
	assert.Equal(t, int64(200000), v06.CallGasLimit.Int64())
	assert.Equal(t, int64(100000), v06.VerificationGasLimit.Int64())
	assert.Equal(t, int64(50000), v06.PreVerificationGas.Int64())
	assert.Positive(t, v06.MaxFeePerGas.Sign())
	assert.Positive(t, v06.MaxPriorityFeePerGas.Sign())
	assert.Equal(t, 1, env.chain.FeeLookups(), "fees come from the chain for a non first-party bundler")

	calls, err := aa.UnpackCalls(v06.CallData)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, testutil.TestTargetAddress, calls[0].Target)
	assert.Equal(t, transferData, calls[0].Data)

	sims := env.chain.Simulations()
	require.Len(t, sims, 1, "a single transaction is simulated")
	assert.Equal(t, testutil.TestAccountAddress, sims[0].From)
	assert.Equal(t, testutil.TestTargetAddress, *sims[0].To)

	estimates := env.bundler.Eth.EstimateCalls()
	require.Len(t, estimates, 1)
	assert.Equal(t, hexutil.Encode(userop.DummySignature), estimates[0].Op["signature"])
	assert.Equal(t, userop.EntryPointV06.Hex(), estimates[0].EntryPoint)
	assert.Nil(t, estimates[0].Override)

	data, err := op.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"paymasterAndData":"0x"`)
}

func TestBuildIsDeployedOverrideSkipsFactory(t *testing.T) {
	for _, wait := range []bool{true, false} {
		env := newTestEnv(t)
		req := baseRequest()
		req.IsDeployedOverride = boolPtr(true)
		req.WaitForDeployment = boolPtr(wait)

		op, err := env.builder.Build(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, op.HasFactory(), "wait=%v", wait)
		assert.Equal(t, 0, env.chain.CodeAtCalls(), "override must skip the code check")
		assert.False(t, env.tracker.IsDeploying(env.key(testutil.TestAccountAddress)))
	}
}

func TestBuildIsDeployedOverrideFalseForcesFactory(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)

	req := baseRequest()
	req.IsDeployedOverride = boolPtr(false)
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, op.HasFactory())
	assert.True(t, env.tracker.IsDeploying(env.key(testutil.TestAccountAddress)))
}

func TestBuildUndeployedAccountV07(t *testing.T) {
	env := newTestEnv(t)
	admin := testutil.TestAdmin().Address()

	req := baseRequest()
	req.Overrides.EntryPoint = userop.EntryPointV07
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)

	v07, ok := op.(*userop.UserOperationV07)
	require.True(t, ok)
	require.NotNil(t, v07.Factory)
	assert.Equal(t, aa.SimpleAccountFactoryV07, *v07.Factory)

	expected, err := aa.PackCreateAccount(admin, nil)
	require.NoError(t, err)
	assert.Equal(t, expected, v07.FactoryData)
	assert.Nil(t, v07.Paymaster)
	assert.Empty(t, v07.Signature)

	assert.True(t, env.tracker.IsDeploying(env.key(testutil.TestAccountAddress)),
		"a single transaction waits for deployment by default and keeps the mark")
}

func TestBuildBatchV06(t *testing.T) {
	env := newTestEnv(t)

	txs := []Transaction{
		transferTx(),
		{To: common.HexToAddress("0x02"), Value: big.NewInt(5)},
		{
			To: common.HexToAddress("0x03"),
			DataResolver: func(ctx context.Context) ([]byte, error) {
				return []byte{0xde, 0xad, 0xbe, 0xef}, nil
			},
		},
	}
	req := baseRequest()
	req.Transactions = txs
	req.Factory = testutil.TestFactoryAddress

	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	v06 := op.(*userop.UserOperationV06)

	factory, ok := v06.Factory()
	require.True(t, ok)
	assert.Equal(t, testutil.TestFactoryAddress, factory)

	calls, err := aa.UnpackCalls(v06.CallData)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, testutil.TestTargetAddress, calls[0].Target)
	assert.Equal(t, transferData, calls[0].Data)
	assert.Equal(t, common.HexToAddress("0x02"), calls[1].Target)
	assert.Equal(t, int64(5), calls[1].Value.Int64())
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, calls[2].Data)

	assert.Empty(t, env.chain.Simulations(), "batches are not simulated")
	assert.False(t, env.tracker.IsDeploying(env.key(testutil.TestAccountAddress)),
		"batches do not wait for deployment by default")
}

func TestBuildDerivesSenderFromFactory(t *testing.T) {
	env := newTestEnv(t)
	predicted := common.HexToAddress("0x5A6b47F4131bf1feAFA56A05573314BcF44C9149")
	env.chain.SetPredictedAddress(predicted)

	req := baseRequest()
	req.Account = common.Address{}
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, predicted, op.GetSender())

	req.Admin = common.Address{}
	_, err = env.builder.Build(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingAdmin)
}

func TestBuildCreateAccountOverride(t *testing.T) {
	env := newTestEnv(t)
	custom := []byte{0x01, 0x02, 0x03}

	req := baseRequest()
	req.WaitForDeployment = boolPtr(false)
	req.Overrides.CreateAccount = func(ctx context.Context, factory, admin common.Address) ([]byte, error) {
		assert.Equal(t, aa.SimpleAccountFactoryV06, factory)
		return custom, nil
	}
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, append(aa.SimpleAccountFactoryV06.Bytes(), custom...), op.(*userop.UserOperationV06).InitCode)
}

func TestBuildRejectsEmptyRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.builder.Build(context.Background(), BuildRequest{Account: testutil.TestAccountAddress})
	assert.ErrorIs(t, err, ErrNoTransactions)
}

func TestBuildSimulationRevert(t *testing.T) {
	env := newTestEnv(t)
	env.chain.RevertOn(testutil.TestTargetAddress, errors.New("execution reverted: insufficient balance"))

	_, err := env.builder.Build(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulation failed")
	assert.Empty(t, env.bundler.Eth.EstimateCalls())
	assert.False(t, env.tracker.IsDeploying(env.key(testutil.TestAccountAddress)))
}

func TestBuildFailureClearsOwnDeploymentMark(t *testing.T) {
	pm := testutil.NewFakePaymaster(t)
	pm.FailWith(&testutil.RPCError{Code: -32000, Message: "policy rejected"})
	env := newTestEnv(t, func(c *Config) { c.Paymaster = paymaster.NewClient(pm.URL) })

	req := baseRequest()
	req.SponsorGas = true
	_, err := env.builder.Build(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, paymaster.ErrRPC)
	assert.False(t, env.tracker.IsDeploying(env.key(testutil.TestAccountAddress)),
		"a failed build must release the mark it placed")
}

func TestConcurrentBuildsDeployOnce(t *testing.T) {
	env := newTestEnv(t)
	key := env.key(testutil.TestAccountAddress)

	type result struct {
		op  userop.UserOperation
		err error
	}
	results := make(chan result, 2)

	slow := baseRequest()
	slow.Transactions = []Transaction{{
		To: testutil.TestTargetAddress,
		DataResolver: func(ctx context.Context) ([]byte, error) {
			select {
			case <-time.After(150 * time.Millisecond):
				return transferData, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}}
	fast := baseRequest()

	for _, req := range []BuildRequest{slow, fast} {
		req := req
		go func() {
			op, err := env.builder.Build(context.Background(), req)
			results <- result{op, err}
		}()
	}

	first := <-results
	require.NoError(t, first.err)
	assert.True(t, first.op.HasFactory(), "the first build deploys the account")
	assert.True(t, env.tracker.IsDeploying(key))

	select {
	case r := <-results:
		t.Fatalf("second build must wait for the deployment, got op=%v err=%v", r.op, r.err)
	case <-time.After(250 * time.Millisecond):
	}

	// the first operation is mined
	env.deploy(testutil.TestAccountAddress)
	env.tracker.ClearDeploying(key)

	second := <-results
	require.NoError(t, second.err)
	assert.False(t, second.op.HasFactory(), "only one operation may carry the factory call")
}

func TestBuildDeploymentWaitTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DeploymentWaitTimeout = 100 * time.Millisecond })
	key := env.key(testutil.TestAccountAddress)
	env.tracker.MarkDeploying(key)

	_, err := env.builder.Build(context.Background(), baseRequest())
	require.ErrorIs(t, err, deployment.ErrDeployTimeout)
	assert.False(t, env.tracker.IsDeploying(key))
}

func TestBuildWithoutWaitSkipsFactoryWhileDeploying(t *testing.T) {
	env := newTestEnv(t)
	key := env.key(testutil.TestAccountAddress)
	env.tracker.MarkDeploying(key)

	req := baseRequest()
	req.WaitForDeployment = boolPtr(false)
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, op.HasFactory())
	assert.True(t, env.tracker.IsDeploying(key), "only the deploying build clears its mark")
}

func TestBuildSponsoredV06Resigns(t *testing.T) {
	pmAndData := hexutil.Encode(append(testutil.TestPaymaster.Bytes(), 0xbe, 0xef))
	pm := testutil.NewFakePaymaster(t, map[string]interface{}{"paymasterAndData": pmAndData})
	env := newTestEnv(t, func(c *Config) { c.Paymaster = paymaster.NewClient(pm.URL) })
	env.deploy(testutil.TestAccountAddress)

	req := baseRequest()
	req.SponsorGas = true
	bc, done, err := env.builder.bundlerFor("")
	require.NoError(t, err)
	defer done()
	p, err := env.builder.build(context.Background(), req, bc)
	require.NoError(t, err)

	v06 := p.op.(*userop.UserOperationV06)
	assert.Equal(t, hexutil.MustDecode(pmAndData), v06.PaymasterAndData)
	assert.Equal(t, int64(200000), v06.CallGasLimit.Int64())
	assert.Empty(t, v06.Signature)
	assert.Equal(t, []NegotiationState{NotRequested, Requested, EstimateNeeded, Resigned, Finalized}, p.negotiation)

	calls := pm.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "0x0", calls[0].Op["callGasLimit"], "first request carries zero gas limits")
	assert.Equal(t, "0x30d40", calls[1].Op["callGasLimit"], "second request carries the estimate")
	assert.Equal(t, pmAndData, calls[1].Op["paymasterAndData"])
	assert.Equal(t, userop.EntryPointV06.Hex(), calls[0].EntryPoint)
}

func TestBuildPaymasterSuppliesGasLimits(t *testing.T) {
	pm := testutil.NewFakePaymaster(t, map[string]interface{}{
		"paymasterAndData":     hexutil.Encode(testutil.TestPaymaster.Bytes()),
		"callGasLimit":         "0x1000",
		"verificationGasLimit": "0x2000",
		"preVerificationGas":   "0x3000",
	})
	env := newTestEnv(t, func(c *Config) { c.Paymaster = paymaster.NewClient(pm.URL) })
	env.deploy(testutil.TestAccountAddress)

	req := baseRequest()
	req.SponsorGas = true
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)

	v06 := op.(*userop.UserOperationV06)
	assert.Equal(t, int64(0x1000), v06.CallGasLimit.Int64())
	assert.Equal(t, int64(0x2000), v06.VerificationGasLimit.Int64())
	assert.Equal(t, int64(0x3000), v06.PreVerificationGas.Int64())
	assert.Empty(t, env.bundler.Eth.EstimateCalls(), "paymaster gas limits skip estimation")
	assert.Len(t, pm.Calls(), 1)
}

func TestBuildPaymasterDeclines(t *testing.T) {
	pm := testutil.NewFakePaymaster(t, nil)
	env := newTestEnv(t, func(c *Config) { c.Paymaster = paymaster.NewClient(pm.URL) })
	env.deploy(testutil.TestAccountAddress)

	req := baseRequest()
	req.SponsorGas = true
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, op.HasPaymaster())
	assert.Len(t, pm.Calls(), 1, "no re-sign without a sponsorship")
	assert.Len(t, env.bundler.Eth.EstimateCalls(), 1)
}

func TestBuildSponsorWithoutPaymaster(t *testing.T) {
	env := newTestEnv(t)
	req := baseRequest()
	req.SponsorGas = true
	_, err := env.builder.Build(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoPaymaster)
}

func TestBuildPaymasterOverride(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)

	calls := 0
	req := baseRequest()
	req.SponsorGas = true
	req.Overrides.Paymaster = PaymasterFunc(func(ctx context.Context, op userop.UserOperation, entrypoint common.Address) (*paymaster.Result, error) {
		calls++
		return &paymaster.Result{PaymasterAndData: testutil.TestPaymaster.Bytes()}, nil
	})

	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, op.HasPaymaster())
	assert.Equal(t, 2, calls)
}

func TestBuildV07TokenPaymaster(t *testing.T) {
	token := common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	pm := testutil.NewFakePaymaster(t, map[string]interface{}{
		"paymaster":     testutil.TestPaymaster.Hex(),
		"paymasterData": "0xbeef",
	})
	env := newTestEnv(t, func(c *Config) { c.Paymaster = paymaster.NewClient(pm.URL) })
	env.deploy(testutil.TestAccountAddress)
	env.bundler.Eth.SetEstimate(map[string]string{
		"preVerificationGas":            "0xc350",
		"verificationGasLimit":          "0x186a0",
		"callGasLimit":                  "0x30d40",
		"paymasterVerificationGasLimit": "0x7530",
		"paymasterPostOpGasLimit":       "0x2710",
	}, nil)

	req := baseRequest()
	req.SponsorGas = true
	req.Overrides.EntryPoint = userop.EntryPointV07
	req.Overrides.TokenPaymaster = &TokenPaymaster{Token: token, BalanceStorageSlot: big.NewInt(9)}

	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	v07 := op.(*userop.UserOperationV07)

	require.NotNil(t, v07.Paymaster)
	assert.Equal(t, testutil.TestPaymaster, *v07.Paymaster)
	assert.Equal(t, []byte{0xbe, 0xef}, v07.PaymasterData)
	assert.Equal(t, int64(0x7530), v07.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(500000), v07.PaymasterPostOpGasLimit.Int64(), "token paymasters use the fixed post-op limit")

	estimates := env.bundler.Eth.EstimateCalls()
	require.Len(t, estimates, 1)
	override, err := req.Overrides.TokenPaymaster.StateOverride(testutil.TestAccountAddress)
	require.NoError(t, err)
	var slot common.Hash
	for k := range override[token].StateDiff {
		slot = k
	}
	tokenOverride, ok := estimates[0].Override[hexutil.Encode(token.Bytes())].(map[string]interface{})
	require.True(t, ok, "estimation must override the token balance, got %v", estimates[0].Override)
	stateDiff := tokenOverride["stateDiff"].(map[string]interface{})
	assert.Equal(t, common.BigToHash(maxUint96).Hex(), stateDiff[slot.Hex()])
}

func TestBuildV07WithoutSponsorLeavesPaymasterUnset(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)

	req := baseRequest()
	req.Overrides.EntryPoint = userop.EntryPointV07
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)

	v07 := op.(*userop.UserOperationV07)
	assert.Nil(t, v07.Paymaster)
	assert.Nil(t, v07.PaymasterPostOpGasLimit)
	data, err := v07.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "paymaster")
}

func TestBuildExplicitGasAndFees(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)

	tx := transferTx()
	tx.MaxFeePerGas = big.NewInt(42_000_000_000)
	tx.MaxPriorityFeePerGas = big.NewInt(2_000_000_000)
	req := baseRequest()
	req.Transactions = []Transaction{tx}

	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	v06 := op.(*userop.UserOperationV06)
	assert.Equal(t, tx.MaxFeePerGas, v06.MaxFeePerGas)
	assert.Equal(t, tx.MaxPriorityFeePerGas, v06.MaxPriorityFeePerGas)
	assert.Equal(t, 0, env.chain.FeeLookups())
	assert.Equal(t, 0, env.bundler.Thirdweb.Calls())
}

func TestBuildBundlerURLOverride(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)
	other := testutil.NewFakeBundler(t, userop.EntryPointV06)

	req := baseRequest()
	req.Overrides.BundlerURL = other.URL
	_, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, other.Eth.EstimateCalls(), 1)
	assert.Empty(t, env.bundler.Eth.EstimateCalls())
}

func TestBuildCachesDeployedAccounts(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DeployedCache = testutil.GetDefaultCache() })
	env.deploy(testutil.TestAccountAddress)

	for i := 0; i < 3; i++ {
		_, err := env.builder.Build(context.Background(), baseRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, env.chain.CodeAtCalls())
}

func TestBuildUsesNonceOverride(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(testutil.TestAccountAddress)

	req := baseRequest()
	req.Overrides.Nonce = func(ctx context.Context, sender common.Address) (*big.Int, error) {
		return big.NewInt(77), nil
	}
	op, err := env.builder.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(77), op.GetNonce().Int64())
	assert.Empty(t, env.chain.NonceKeys())
}
