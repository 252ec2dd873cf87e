package preset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
)

// Transaction is a call the smart account should perform. Data may be
// produced lazily by DataResolver, which takes precedence over Data.
type Transaction struct {
	To    common.Address
	Value *big.Int
	Data  []byte

	DataResolver func(ctx context.Context) ([]byte, error)

	// Gas becomes the callGasLimit placeholder of a single transaction.
	Gas *big.Int

	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (tx Transaction) resolveData(ctx context.Context) ([]byte, error) {
	if tx.DataResolver == nil {
		return tx.Data, nil
	}
	data, err := tx.DataResolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve transaction data for %s: %w", tx.To.Hex(), err)
	}
	return data, nil
}

func (tx Transaction) call(ctx context.Context) (aa.Call, error) {
	data, err := tx.resolveData(ctx)
	if err != nil {
		return aa.Call{}, err
	}
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	return aa.Call{Target: tx.To, Value: value, Data: data}, nil
}

// encodeCallData turns the transactions into the account call data. A single
// transaction is simulated from the account first so reverts surface before
// any bundler or paymaster work; batches are encoded without simulation.
func encodeCallData(ctx context.Context, caller bind.ContractCaller, account common.Address, txs []Transaction) ([]byte, error) {
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}

	if len(txs) == 1 {
		c, err := txs[0].call(ctx)
		if err != nil {
			return nil, err
		}
		to := c.Target
		msg := ethereum.CallMsg{From: account, To: &to, Value: c.Value, Data: c.Data}
		if _, err := caller.CallContract(ctx, msg, nil); err != nil {
			return nil, fmt.Errorf("transaction simulation failed: %w", err)
		}
		return aa.PackExecute(c.Target, c.Value, c.Data)
	}

	calls := make([]aa.Call, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	for i, tx := range txs {
		i, tx := i, tx
		g.Go(func() error {
			c, err := tx.call(gctx)
			if err != nil {
				return err
			}
			calls[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return aa.PackExecuteBatch(calls)
}
