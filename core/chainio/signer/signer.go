package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// Account is anything that can act as the admin of a smart account.
type Account interface {
	Address() common.Address
}

// MessageSigner signs arbitrary raw bytes with the EIP-191 personal message
// prefix. The userOpHash is signed this way, as raw 32 bytes rather than as
// a hex string.
type MessageSigner interface {
	Account
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// PrivateKeyAccount is an in-process MessageSigner backed by an ECDSA key.
type PrivateKeyAccount struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ MessageSigner = (*PrivateKeyAccount)(nil)

func NewPrivateKeyAccount(key *ecdsa.PrivateKey) *PrivateKeyAccount {
	return &PrivateKeyAccount{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func FromPrivateKeyHex(privateKeyHex string) (*PrivateKeyAccount, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPrivateKeyAccount(privateKey), nil
}

func (a *PrivateKeyAccount) Address() common.Address {
	return a.address
}

func (a *PrivateKeyAccount) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	return SignMessage(a.key, message)
}

// EIP191Hash is keccak256("\x19Ethereum Signed Message:\n" + len(data) + data).
func EIP191Hash(data []byte) common.Hash {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256Hash(append(prefix, data...))
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(EIP191Hash(data).Bytes(), key)
	if err != nil {
		return nil, err
	}
	// crypto.Sign returns v in {0,1}; wallets and ecrecover expect {27,28}.
	sig[64] += 27

	return sig, nil
}

func SignMessageAsHex(key *ecdsa.PrivateKey, data []byte) (string, error) {
	signature, e := SignMessage(key, data)
	if e == nil {
		return common.Bytes2Hex(signature), nil
	}

	return "", e
}

// RecoverMessageSigner returns the address that produced an EIP-191 signature
// over data.
func RecoverMessageSigner(data, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	normalized := append([]byte{}, sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(EIP191Hash(data).Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
