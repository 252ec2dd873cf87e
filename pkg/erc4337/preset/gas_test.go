package preset

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-builder/core/testutil"
	"github.com/AvaProtocol/userop-builder/pkg/eip1559"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
)

func TestIsFirstPartyBundler(t *testing.T) {
	hosts := []string{"thirdweb.com"}

	assert.True(t, IsFirstPartyBundler("https://84532.bundler.thirdweb.com/v2", hosts))
	assert.True(t, IsFirstPartyBundler("https://thirdweb.com", hosts))
	assert.False(t, IsFirstPartyBundler("https://evilthirdweb.com", hosts))
	assert.False(t, IsFirstPartyBundler("https://api.pimlico.io/v2/84532/rpc", hosts))
	assert.False(t, IsFirstPartyBundler("::not a url", hosts))
	assert.True(t, IsFirstPartyBundler("http://127.0.0.1:8545", []string{"127.0.0.1"}))
}

func newFeeSources(t *testing.T) (*testutil.FakeChain, *testutil.FakeBundler, *bundler.BundlerClient) {
	chain := testutil.NewFakeChain(testChainID)
	fb := testutil.NewFakeBundler(t)
	client, err := bundler.NewBundlerClient(fb.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return chain, fb, client
}

func TestResolveGasFeesExplicitWins(t *testing.T) {
	chain, fb, client := newFeeSources(t)
	explicit := GasFees{MaxFeePerGas: big.NewInt(30), MaxPriorityFeePerGas: big.NewInt(3)}

	fees, err := ResolveGasFees(context.Background(), explicit, client, chain, []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, explicit, fees)
	assert.Equal(t, 0, fb.Thirdweb.Calls())
	assert.Equal(t, 0, chain.FeeLookups())
}

func TestResolveGasFeesFirstPartyBundler(t *testing.T) {
	chain, fb, client := newFeeSources(t)

	fees, err := ResolveGasFees(context.Background(), GasFees{}, client, chain, []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), fees.MaxFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), fees.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, 1, fb.Thirdweb.Calls())
	assert.Equal(t, 0, chain.FeeLookups(), "first-party bundler pricing does not touch the chain")

	// each field falls back on its own
	fees, err = ResolveGasFees(context.Background(), GasFees{MaxFeePerGas: big.NewInt(99)}, client, chain, []string{"127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(99), fees.MaxFeePerGas.Int64())
	assert.Equal(t, int64(1_000_000_000), fees.MaxPriorityFeePerGas.Int64())
}

func TestResolveGasFeesChainFallback(t *testing.T) {
	chain, fb, client := newFeeSources(t)

	fees, err := ResolveGasFees(context.Background(), GasFees{MaxPriorityFeePerGas: big.NewInt(7)}, client, chain, DefaultFirstPartyBundlerHosts)
	require.NoError(t, err)
	assert.Equal(t, 0, fb.Thirdweb.Calls())

	maxFee, _, err := eip1559.SuggestFee(context.Background(), chain)
	require.NoError(t, err)
	assert.Equal(t, maxFee, fees.MaxFeePerGas)
	assert.Equal(t, int64(7), fees.MaxPriorityFeePerGas.Int64(), "explicit tip is kept")
}

func TestResolveGasFeesPropagatesBundlerErrors(t *testing.T) {
	chain, fb, client := newFeeSources(t)
	fb.Thirdweb.SetGasPrice(nil, &testutil.RPCError{Code: -32601, Message: "method not found"})

	_, err := ResolveGasFees(context.Background(), GasFees{}, client, chain, []string{"127.0.0.1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, bundler.ErrRPC)
	assert.Equal(t, 0, chain.FeeLookups(), "no silent fallback to the chain")
}
