package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/userop-builder/metrics"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

// NegotiationState is a step of the paymaster negotiation.
type NegotiationState int

const (
	NotRequested NegotiationState = iota
	Requested
	EstimateNeeded
	Resigned
	Finalized
)

func (s NegotiationState) String() string {
	switch s {
	case NotRequested:
		return "not_requested"
	case Requested:
		return "requested"
	case EstimateNeeded:
		return "estimate_needed"
	case Resigned:
		return "resigned"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrInvalidTransition = errors.New("invalid paymaster negotiation transition")

var allowedTransitions = map[NegotiationState][]NegotiationState{
	// bundler-only estimation when gas is not sponsored
	NotRequested: {Requested, Finalized},
	// Finalized directly when the paymaster priced the operation itself
	Requested:      {EstimateNeeded, Finalized},
	EstimateNeeded: {Resigned, Finalized},
	Resigned:       {Finalized},
}

// TokenPaymasterPostOpGasLimit is used for v0.7 token paymasters instead of
// the bundler estimate, which does not model the token settlement in postOp.
var TokenPaymasterPostOpGasLimit = big.NewInt(500000)

// maxUint96 is the token balance injected while estimating token paymaster
// operations.
var maxUint96 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

// TokenPaymaster describes an ERC-20 paymaster. Estimation overrides the
// sender's token balance, found at BalanceStorageSlot of Token's balance
// mapping, so the simulation does not revert on the real balance.
type TokenPaymaster struct {
	Token              common.Address
	BalanceStorageSlot *big.Int
}

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)

	balanceSlotArgs = abi.Arguments{{Type: addressT}, {Type: uint256T}}
)

// StateOverride returns the estimation state override that gives sender the
// maximum uint96 token balance.
func (tp *TokenPaymaster) StateOverride(sender common.Address) (bundler.StateOverride, error) {
	slot := tp.BalanceStorageSlot
	if slot == nil {
		slot = new(big.Int)
	}
	encoded, err := balanceSlotArgs.Pack(sender, slot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode balance slot: %w", err)
	}
	return bundler.StateOverride{
		tp.Token: {
			StateDiff: map[common.Hash]common.Hash{
				crypto.Keccak256Hash(encoded): common.BigToHash(maxUint96),
			},
		},
	}, nil
}

// draft adapts one operation version to the negotiation. applyPaymaster
// copies only the sponsorship itself; gas limits come from applyPaymasterGas
// or applyEstimate.
type draft interface {
	op() userop.UserOperation
	applyPaymaster(res *paymaster.Result)
	applyPaymasterGas(res *paymaster.Result)
	applyEstimate(est *bundler.GasEstimation, tokenPaymaster bool)
}

type v06Draft struct{ *userop.UserOperationV06 }

func (d v06Draft) op() userop.UserOperation { return d.UserOperationV06 }

func (d v06Draft) applyPaymaster(res *paymaster.Result) {
	if res.Sponsored(userop.V06) {
		d.PaymasterAndData = append([]byte{}, res.PaymasterAndData...)
	}
}

func (d v06Draft) applyPaymasterGas(res *paymaster.Result) {
	d.CallGasLimit = res.CallGasLimit
	d.VerificationGasLimit = res.VerificationGasLimit
	d.PreVerificationGas = res.PreVerificationGas
}

func (d v06Draft) applyEstimate(est *bundler.GasEstimation, _ bool) {
	d.CallGasLimit = est.CallGasLimit
	d.VerificationGasLimit = est.VerificationGasLimit
	d.PreVerificationGas = est.PreVerificationGas
}

type v07Draft struct{ *userop.UserOperationV07 }

func (d v07Draft) op() userop.UserOperation { return d.UserOperationV07 }

func (d v07Draft) applyPaymaster(res *paymaster.Result) {
	if !res.Sponsored(userop.V07) {
		return
	}
	pm := res.Paymaster
	d.Paymaster = &pm
	d.PaymasterData = append([]byte{}, res.PaymasterData...)
}

func (d v07Draft) applyPaymasterGas(res *paymaster.Result) {
	d.CallGasLimit = res.CallGasLimit
	d.VerificationGasLimit = res.VerificationGasLimit
	d.PreVerificationGas = res.PreVerificationGas
	d.PaymasterVerificationGasLimit = res.PaymasterVerificationGasLimit
	d.PaymasterPostOpGasLimit = res.PaymasterPostOpGasLimit
}

func (d v07Draft) applyEstimate(est *bundler.GasEstimation, tokenPaymaster bool) {
	d.CallGasLimit = est.CallGasLimit
	d.VerificationGasLimit = est.VerificationGasLimit
	d.PreVerificationGas = est.PreVerificationGas
	if !d.HasPaymaster() {
		return
	}
	d.PaymasterVerificationGasLimit = est.PaymasterVerificationGasLimit
	if tokenPaymaster {
		d.PaymasterPostOpGasLimit = new(big.Int).Set(TokenPaymasterPostOpGasLimit)
	} else {
		d.PaymasterPostOpGasLimit = est.PaymasterPostOpGasLimit
	}
}

func newDraft(op userop.UserOperation) (draft, error) {
	switch o := op.(type) {
	case *userop.UserOperationV06:
		return v06Draft{o}, nil
	case *userop.UserOperationV07:
		return v07Draft{o}, nil
	}
	return nil, fmt.Errorf("unsupported user operation type %T", op)
}

// GasEstimator is the bundler side of the negotiation.
type GasEstimator interface {
	EstimateUserOperationGas(ctx context.Context, op userop.UserOperation, entrypoint common.Address, override bundler.StateOverride) (*bundler.GasEstimation, error)
}

// Negotiation fills the gas limits and sponsorship of an operation. With a
// nil Paymaster only the bundler estimates. It runs once; the visited
// states are kept in History.
type Negotiation struct {
	Estimator      GasEstimator
	Paymaster      Paymaster
	EntryPoint     common.Address
	StateOverride  bundler.StateOverride
	TokenPaymaster bool

	logger  logger.Logger
	metrics metrics.Recorder

	state   NegotiationState
	history []NegotiationState
}

func (n *Negotiation) State() NegotiationState { return n.state }

func (n *Negotiation) History() []NegotiationState {
	return append([]NegotiationState{NotRequested}, n.history...)
}

func (n *Negotiation) transition(to NegotiationState) error {
	for _, allowed := range allowedTransitions[n.state] {
		if allowed == to {
			n.logger.Debug("paymaster negotiation", "from", n.state.String(), "to", to.String())
			n.state = to
			n.history = append(n.history, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.state, to)
}

func (n *Negotiation) sponsor(ctx context.Context, phase string, op userop.UserOperation) (*paymaster.Result, error) {
	res, err := n.Paymaster.SponsorUserOperation(ctx, op, n.EntryPoint)
	if err != nil {
		n.metrics.IncPaymasterCall(phase, "error")
		return nil, fmt.Errorf("paymaster %s failed: %w", phase, err)
	}
	n.metrics.IncPaymasterCall(phase, "success")
	if res == nil {
		res = &paymaster.Result{}
	}
	return res, nil
}

func (n *Negotiation) estimate(ctx context.Context, d draft) error {
	est, err := n.Estimator.EstimateUserOperationGas(ctx, d.op(), n.EntryPoint, n.StateOverride)
	if err != nil {
		return fmt.Errorf("failed to estimate user operation gas: %w", err)
	}
	d.applyEstimate(est, n.TokenPaymaster)
	return nil
}

// Run negotiates op in place. op must carry a dummy signature.
func (n *Negotiation) Run(ctx context.Context, op userop.UserOperation) error {
	n.logger = logger.EnsureLogger(n.logger)
	n.metrics = metrics.EnsureRecorder(n.metrics)
	if n.state != NotRequested {
		return fmt.Errorf("%w: negotiation already ran", ErrInvalidTransition)
	}

	d, err := newDraft(op)
	if err != nil {
		return err
	}
	version := op.Version()

	if n.Paymaster == nil {
		if err := n.estimate(ctx, d); err != nil {
			return err
		}
		return n.transition(Finalized)
	}

	if err := n.transition(Requested); err != nil {
		return err
	}
	first, err := n.sponsor(ctx, "request", op)
	if err != nil {
		return err
	}
	d.applyPaymaster(first)

	if first.HasGasLimits(version) {
		d.applyPaymasterGas(first)
		return n.transition(Finalized)
	}

	if err := n.transition(EstimateNeeded); err != nil {
		return err
	}
	if err := n.estimate(ctx, d); err != nil {
		return err
	}
	if !op.HasPaymaster() {
		n.logger.Info("paymaster declined to sponsor the operation", "sender", op.GetSender().Hex())
		return n.transition(Finalized)
	}

	// paymaster signatures commit to the gas limits, so ask again
	if err := n.transition(Resigned); err != nil {
		return err
	}
	second, err := n.sponsor(ctx, "resign", op)
	if err != nil {
		return err
	}
	d.applyPaymaster(second)
	return n.transition(Finalized)
}
