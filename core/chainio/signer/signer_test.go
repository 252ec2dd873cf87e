package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat account #0.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestFromPrivateKeyHex(t *testing.T) {
	account, err := FromPrivateKeyHex(testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), account.Address())

	_, err = FromPrivateKeyHex("0xnothex")
	assert.Error(t, err)
}

func TestEIP191HashMatchesGethTextHash(t *testing.T) {
	data := crypto.Keccak256([]byte("user operation"))
	assert.Equal(t, accounts.TextHash(data), EIP191Hash(data).Bytes())
}

func TestSignMessageRecoversAndIsDeterministic(t *testing.T) {
	account, err := FromPrivateKeyHex(testKey)
	require.NoError(t, err)

	msg := crypto.Keccak256([]byte("hello"))
	sig1, err := account.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	sig2, err := account.SignMessage(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, sig1, 65)
	assert.Equal(t, sig1, sig2, "RFC6979 signatures are deterministic")
	assert.Contains(t, []byte{27, 28}, sig1[64])

	recovered, err := RecoverMessageSigner(msg, sig1)
	require.NoError(t, err)
	assert.Equal(t, account.Address(), recovered)
}

func TestSignMessageAsHex(t *testing.T) {
	account, err := FromPrivateKeyHex(testKey)
	require.NoError(t, err)

	hexSig, err := SignMessageAsHex(account.key, []byte{0x01})
	require.NoError(t, err)
	assert.Len(t, hexSig, 130)
}

func TestRecoverMessageSignerRejectsShortSignature(t *testing.T) {
	_, err := RecoverMessageSigner([]byte{0x01}, []byte{0x01, 0x02})
	assert.Error(t, err)
}
