package preset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/core/chainio/signer"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

const (
	defaultReceiptTimeout      = 30 * time.Second
	defaultReceiptPollInterval = 1 * time.Second
	maxReceiptPollInterval     = 5 * time.Second
	receiptBackoffFactor       = 1.5
)

var (
	ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")
	ErrUserOpReverted = errors.New("user operation reverted")
)

// SendResult is a submitted and mined operation.
type SendResult struct {
	UserOpHash  common.Hash
	UserOp      userop.UserOperation
	Receipt     *bundler.UserOperationReceipt
	Negotiation []NegotiationState
}

// ReceiptSource is the bundler receipt lookup.
type ReceiptSource interface {
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error)
}

// SendUserOp builds, signs and submits req, then waits for the receipt. The
// deployment mark placed by the build is cleared when SendUserOp returns,
// whatever the outcome. When req.Admin is zero the signer's address is used.
func (b *Builder) SendUserOp(ctx context.Context, req BuildRequest, admin signer.Account) (*SendResult, error) {
	if admin == nil {
		return nil, ErrSignerUnsupported
	}
	if req.Admin == (common.Address{}) {
		req.Admin = admin.Address()
	}

	bc, done, err := b.bundlerFor(req.Overrides.BundlerURL)
	if err != nil {
		return nil, err
	}
	defer done()

	p, err := b.build(ctx, req, bc)
	if err != nil {
		return nil, err
	}
	if p.deploymentKey != "" {
		defer b.tracker.ClearDeploying(p.deploymentKey)
	}

	signed, err := SignUserOp(ctx, p.op, p.chainID, p.entrypoint, admin)
	if err != nil {
		return nil, err
	}

	lg := b.logger.With("sender", signed.GetSender().Hex(), "entrypoint", p.entrypoint.Hex())
	hash, err := bc.SendUserOperation(ctx, signed, p.entrypoint)
	if err != nil {
		b.metrics.IncUserOpSent("error")
		return nil, fmt.Errorf("failed to send user operation: %w", err)
	}
	b.metrics.IncUserOpSent("success")
	lg.Info("user operation sent", "userop_hash", hash.Hex())

	result := &SendResult{UserOpHash: hash, UserOp: signed, Negotiation: p.negotiation}
	receipt, err := WaitForReceipt(ctx, bc, hash, b.receiptTimeout, b.receiptPollInterval, lg)
	if err != nil {
		return result, err
	}
	result.Receipt = receipt
	if !receipt.Success {
		return result, fmt.Errorf("%w: %s (tx %s)", ErrUserOpReverted, receipt.Reason, receipt.Receipt.TransactionHash.Hex())
	}
	return result, nil
}

// WaitForReceipt polls the bundler until the operation is mined. The poll
// interval grows by half each round up to 5s.
func WaitForReceipt(ctx context.Context, src ReceiptSource, hash common.Hash, timeout, interval time.Duration, l logger.Logger) (*bundler.UserOperationReceipt, error) {
	l = logger.EnsureLogger(l)
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	if interval <= 0 {
		interval = defaultReceiptPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	for attempt := 1; ; attempt++ {
		receipt, err := src.GetUserOperationReceipt(ctx, hash)
		switch {
		case err != nil && ctx.Err() == nil:
			// transient lookup failures are retried until the deadline
			l.Debug("receipt lookup failed", "userop_hash", hash.Hex(), "attempt", attempt, "error", err)
		case receipt != nil:
			l.Info("user operation mined",
				"userop_hash", hash.Hex(),
				"tx_hash", receipt.Receipt.TransactionHash.Hex(),
				"success", receipt.Success,
				"elapsed", time.Since(start).String())
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, hash.Hex(), timeout)
			}
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * receiptBackoffFactor)
		if interval > maxReceiptPollInterval {
			interval = maxReceiptPollInterval
		}
	}
}
