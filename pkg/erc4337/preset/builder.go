package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
	"github.com/AvaProtocol/userop-builder/metrics"
	"github.com/AvaProtocol/userop-builder/pkg/eip1559"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/deployment"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

var (
	ErrNoTransactions = errors.New("at least one transaction is required")
	ErrMissingAdmin   = errors.New("admin address is required to derive or deploy the account")
	ErrNoPaymaster    = errors.New("gas sponsorship requested but no paymaster is configured")
)

// ChainClient is the node access the builder needs. *ethclient.Client
// satisfies it.
type ChainClient interface {
	bind.ContractCaller
	eip1559.FeeSource
	ChainID(ctx context.Context) (*big.Int, error)
}

// Bundler is the ERC-4337 bundler the builder estimates with and the sender
// submits to. *bundler.BundlerClient satisfies it.
type Bundler interface {
	GasEstimator
	GasPriceSource
	SendUserOperation(ctx context.Context, op userop.UserOperation, entrypoint common.Address) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error)
}

// Paymaster sponsors operations. *paymaster.Client satisfies it.
type Paymaster interface {
	SponsorUserOperation(ctx context.Context, op userop.UserOperation, entrypoint common.Address) (*paymaster.Result, error)
}

// PaymasterFunc adapts a function to Paymaster.
type PaymasterFunc func(ctx context.Context, op userop.UserOperation, entrypoint common.Address) (*paymaster.Result, error)

func (f PaymasterFunc) SponsorUserOperation(ctx context.Context, op userop.UserOperation, entrypoint common.Address) (*paymaster.Result, error) {
	return f(ctx, op, entrypoint)
}

// CreateAccountOverride returns the factory call data deploying the account
// of admin, for factories other than the SimpleAccountFactory.
type CreateAccountOverride func(ctx context.Context, factory, admin common.Address) ([]byte, error)

// Overrides are per-request escape hatches. Zero values keep the defaults.
type Overrides struct {
	EntryPoint    common.Address
	AccountSalt   *big.Int
	Nonce         NonceOverride
	CreateAccount CreateAccountOverride
	// Paymaster replaces the configured paymaster service.
	Paymaster      Paymaster
	TokenPaymaster *TokenPaymaster
	// BundlerURL sends this request to another bundler.
	BundlerURL string
}

// BuildRequest describes one user operation.
type BuildRequest struct {
	Transactions []Transaction

	// Account is derived from Factory, Admin and the salt when zero.
	Account common.Address
	// Factory defaults to the SimpleAccountFactory of the entrypoint version.
	Factory common.Address
	Admin   common.Address

	SponsorGas bool
	// WaitForDeployment serializes operations of an account that is being
	// deployed. Defaults to true for a single transaction, false for batches.
	WaitForDeployment *bool
	// IsDeployedOverride skips the on-chain code check.
	IsDeployedOverride *bool

	Overrides Overrides
}

func (r BuildRequest) waitForDeployment() bool {
	if r.WaitForDeployment != nil {
		return *r.WaitForDeployment
	}
	return len(r.Transactions) == 1
}

// Config wires a Builder. Chain and Bundler are required.
type Config struct {
	Chain     ChainClient
	Bundler   Bundler
	Paymaster Paymaster

	// Tracker defaults to deployment.Default.
	Tracker *deployment.Tracker
	Logger  logger.Logger
	Metrics metrics.Recorder
	// DeployedCache remembers accounts seen with code, which never lose it.
	DeployedCache *bigcache.BigCache

	FirstPartyBundlerHosts []string
	FeeOptions             []eip1559.Option

	DeploymentWaitTimeout time.Duration
	ReceiptTimeout        time.Duration
	ReceiptPollInterval   time.Duration
}

type Builder struct {
	chain     ChainClient
	bundler   Bundler
	paymaster Paymaster

	tracker *deployment.Tracker
	logger  logger.Logger
	metrics metrics.Recorder
	cache   *bigcache.BigCache

	firstPartyHosts []string
	feeOptions      []eip1559.Option

	deploymentWaitTimeout time.Duration
	receiptTimeout        time.Duration
	receiptPollInterval   time.Duration
}

func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if cfg.Bundler == nil {
		return nil, fmt.Errorf("bundler is required")
	}

	b := &Builder{
		chain:                 cfg.Chain,
		bundler:               cfg.Bundler,
		paymaster:             cfg.Paymaster,
		tracker:               cfg.Tracker,
		logger:                logger.EnsureLogger(cfg.Logger),
		metrics:               metrics.EnsureRecorder(cfg.Metrics),
		cache:                 cfg.DeployedCache,
		firstPartyHosts:       cfg.FirstPartyBundlerHosts,
		feeOptions:            cfg.FeeOptions,
		deploymentWaitTimeout: cfg.DeploymentWaitTimeout,
		receiptTimeout:        cfg.ReceiptTimeout,
		receiptPollInterval:   cfg.ReceiptPollInterval,
	}
	if b.tracker == nil {
		b.tracker = deployment.Default
	}
	if b.firstPartyHosts == nil {
		b.firstPartyHosts = DefaultFirstPartyBundlerHosts
	}
	if b.deploymentWaitTimeout <= 0 {
		b.deploymentWaitTimeout = deployment.DefaultWaitTimeout
	}
	if b.receiptTimeout <= 0 {
		b.receiptTimeout = defaultReceiptTimeout
	}
	if b.receiptPollInterval <= 0 {
		b.receiptPollInterval = defaultReceiptPollInterval
	}
	return b, nil
}

func (b *Builder) Tracker() *deployment.Tracker { return b.tracker }

// prepared is a built operation plus what the sender needs to finish it.
type prepared struct {
	op         userop.UserOperation
	entrypoint common.Address
	chainID    *big.Int
	// deploymentKey is set when this build marked the account as deploying.
	deploymentKey string
	negotiation   []NegotiationState
}

// Build returns the unsigned operation for req: gas limits and sponsorship
// negotiated, signature empty.
//
// When the operation deploys the account and req waits for deployment, the
// account stays marked as deploying after Build returns. The caller clears
// it with Tracker().ClearDeploying once the operation is mined or dropped;
// SendUserOp does this itself.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (userop.UserOperation, error) {
	bc, done, err := b.bundlerFor(req.Overrides.BundlerURL)
	if err != nil {
		return nil, err
	}
	defer done()

	p, err := b.build(ctx, req, bc)
	if err != nil {
		return nil, err
	}
	return p.op, nil
}

// bundlerFor returns the bundler serving req. A BundlerURL override dials a
// client that lives for the request.
func (b *Builder) bundlerFor(url string) (Bundler, func(), error) {
	if url == "" || url == b.bundler.URL() {
		return b.bundler, func() {}, nil
	}
	client, err := bundler.NewBundlerClient(url, bundler.WithLogger(b.logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to bundler override: %w", err)
	}
	return client, client.Close, nil
}

func (b *Builder) build(ctx context.Context, req BuildRequest, bc Bundler) (p *prepared, err error) {
	if len(req.Transactions) == 0 {
		return nil, ErrNoTransactions
	}

	start := time.Now()
	entrypoint := userop.ResolveEntryPoint(req.Overrides.EntryPoint)
	version := userop.DetectVersion(entrypoint)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		b.metrics.IncUserOpBuilt(string(version), status)
		b.metrics.ObserveBuildDuration(string(version), time.Since(start))
	}()

	factory := req.Factory
	if factory == (common.Address{}) {
		factory = aa.DefaultFactory(version)
	}

	chainID, err := b.chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	account := req.Account
	if account == (common.Address{}) {
		if req.Admin == (common.Address{}) {
			return nil, ErrMissingAdmin
		}
		account, err = aa.GetSenderAddress(ctx, b.chain, factory, req.Admin, req.Overrides.AccountSalt)
		if err != nil {
			return nil, fmt.Errorf("failed to derive sender address: %w", err)
		}
	}

	lg := b.logger.With(
		"build_id", ulid.Make().String(),
		"sender", account.Hex(),
		"entrypoint", entrypoint.Hex(),
		"version", string(version),
		"transactions", len(req.Transactions),
	)
	lg.Debug("building user operation", "sponsor_gas", req.SponsorGas)

	var (
		deployed bool
		callData []byte
		fees     GasFees
		nonce    *big.Int
	)

	key := deployment.Key(chainID, account)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		deployed, err = b.isDeployed(gctx, key, account, req.IsDeployedOverride)
		return err
	})
	g.Go(func() error {
		var err error
		callData, err = encodeCallData(gctx, b.chain, account, req.Transactions)
		return err
	})
	g.Go(func() error {
		var err error
		fees, err = ResolveGasFees(gctx, explicitFees(req.Transactions), bc, b.chain, b.firstPartyHosts, b.feeOptions...)
		return err
	})
	g.Go(func() error {
		var err error
		nonce, err = ResolveNonce(gctx, b.chain, entrypoint, account, req.Overrides.Nonce)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	includeFactory, marked, err := b.resolveDeployment(ctx, lg, req, key, deployed)
	if err != nil {
		return nil, err
	}
	if marked {
		defer func() {
			if err != nil {
				b.tracker.ClearDeploying(key)
			}
		}()
	}

	var factoryData []byte
	if includeFactory {
		factoryData, err = b.factoryData(ctx, req, factory)
		if err != nil {
			return nil, err
		}
	}

	op, err := populate(version, populateParams{
		sender:      account,
		nonce:       nonce,
		deploy:      includeFactory,
		factory:     factory,
		factoryData: factoryData,
		callData:    callData,
		callGas:     explicitGas(req.Transactions),
		fees:        fees,
	})
	if err != nil {
		return nil, err
	}

	neg, err := b.negotiation(req, bc, entrypoint, account, lg)
	if err != nil {
		return nil, err
	}
	if err := neg.Run(ctx, op); err != nil {
		return nil, err
	}
	op.SetSignature([]byte{})

	lg.Info("user operation built",
		"nonce", nonce.String(),
		"deploys_account", op.HasFactory(),
		"sponsored", op.HasPaymaster(),
		"max_fee_gwei", eip1559.FormatGwei(fees.MaxFeePerGas),
		"negotiation", neg.State().String())

	p = &prepared{
		op:          op,
		entrypoint:  entrypoint,
		chainID:     chainID,
		negotiation: neg.History(),
	}
	if marked {
		p.deploymentKey = key
	}
	return p, nil
}

// isDeployed checks for code at the account unless the caller told us.
func (b *Builder) isDeployed(ctx context.Context, key string, account common.Address, override *bool) (bool, error) {
	if override != nil {
		return *override, nil
	}
	if b.cache != nil {
		if _, err := b.cache.Get(key); err == nil {
			return true, nil
		}
	}

	code, err := b.chain.CodeAt(ctx, account, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check account code: %w", err)
	}
	deployed := len(code) > 0
	if deployed && b.cache != nil {
		_ = b.cache.Set(key, []byte{1})
	}
	return deployed, nil
}

// resolveDeployment decides whether the operation carries the factory call.
// marked reports that this build placed the deploying mark for key.
func (b *Builder) resolveDeployment(ctx context.Context, lg logger.Logger, req BuildRequest, key string, deployed bool) (includeFactory, marked bool, err error) {
	wait := req.waitForDeployment()

	switch {
	case req.IsDeployedOverride != nil && !deployed:
		if wait {
			// not exclusive: a concurrent build may share this mark and lose it to our clear
			b.tracker.MarkDeploying(key)
			return true, true, nil
		}
		return true, false, nil

	case !deployed && wait:
		if b.tracker.TryMarkDeploying(key) {
			lg.Debug("account not deployed, marked as deploying")
			return true, true, nil
		}
		// another build is deploying it

	case !deployed:
		if !b.tracker.IsDeploying(key) {
			return true, false, nil
		}
		return false, false, nil
	}

	if wait && b.tracker.IsDeploying(key) {
		lg.Info("waiting for account deployment by another operation")
		if err := b.tracker.WaitUntilDeployed(ctx, key, b.deploymentWaitTimeout); err != nil {
			outcome := "cancelled"
			if errors.Is(err, deployment.ErrDeployTimeout) {
				outcome = "timeout"
			}
			b.metrics.IncDeploymentWait(outcome)
			return false, false, err
		}
		b.metrics.IncDeploymentWait("deployed")
	}
	return false, false, nil
}

func (b *Builder) factoryData(ctx context.Context, req BuildRequest, factory common.Address) ([]byte, error) {
	if req.Overrides.CreateAccount != nil {
		data, err := req.Overrides.CreateAccount(ctx, factory, req.Admin)
		if err != nil {
			return nil, fmt.Errorf("create account override failed: %w", err)
		}
		return data, nil
	}
	if req.Admin == (common.Address{}) {
		return nil, ErrMissingAdmin
	}
	return aa.PackCreateAccount(req.Admin, req.Overrides.AccountSalt)
}

func (b *Builder) negotiation(req BuildRequest, bc Bundler, entrypoint, sender common.Address, lg logger.Logger) (*Negotiation, error) {
	neg := &Negotiation{
		Estimator:  bc,
		EntryPoint: entrypoint,
		logger:     lg,
		metrics:    b.metrics,
	}

	if req.SponsorGas {
		neg.Paymaster = req.Overrides.Paymaster
		if neg.Paymaster == nil {
			neg.Paymaster = b.paymaster
		}
		if neg.Paymaster == nil {
			return nil, ErrNoPaymaster
		}
	}

	if tp := req.Overrides.TokenPaymaster; tp != nil {
		override, err := tp.StateOverride(sender)
		if err != nil {
			return nil, err
		}
		neg.StateOverride = override
		neg.TokenPaymaster = true
	}
	return neg, nil
}

// explicitFees are the fees set on a single transaction. Batches always
// resolve fees from the bundler or the chain.
func explicitFees(txs []Transaction) GasFees {
	if len(txs) != 1 {
		return GasFees{}
	}
	return GasFees{MaxFeePerGas: txs[0].MaxFeePerGas, MaxPriorityFeePerGas: txs[0].MaxPriorityFeePerGas}
}

func explicitGas(txs []Transaction) *big.Int {
	if len(txs) == 1 && txs[0].Gas != nil {
		return txs[0].Gas
	}
	return nil
}

type populateParams struct {
	sender      common.Address
	nonce       *big.Int
	deploy      bool
	factory     common.Address
	factoryData []byte
	callData    []byte
	callGas     *big.Int
	fees        GasFees
}

func populate(version userop.Version, p populateParams) (userop.UserOperation, error) {
	switch version {
	case userop.V06:
		return populateV06(p), nil
	case userop.V07:
		return populateV07(p), nil
	}
	return nil, fmt.Errorf("unsupported entrypoint version %q", version)
}

// populateV06 fills the operation with zero gas limits; estimation or the
// paymaster sets them.
func populateV06(p populateParams) *userop.UserOperationV06 {
	initCode := []byte{}
	if p.deploy {
		initCode = append(append(initCode, p.factory.Bytes()...), p.factoryData...)
	}
	return &userop.UserOperationV06{
		Sender:               p.sender,
		Nonce:                p.nonce,
		InitCode:             initCode,
		CallData:             p.callData,
		CallGasLimit:         orZero(p.callGas),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         p.fees.MaxFeePerGas,
		MaxPriorityFeePerGas: p.fees.MaxPriorityFeePerGas,
		PaymasterAndData:     []byte{},
		Signature:            append([]byte{}, userop.DummySignature...),
	}
}

func populateV07(p populateParams) *userop.UserOperationV07 {
	op := &userop.UserOperationV07{
		Sender:               p.sender,
		Nonce:                p.nonce,
		CallData:             p.callData,
		CallGasLimit:         orZero(p.callGas),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         p.fees.MaxFeePerGas,
		MaxPriorityFeePerGas: p.fees.MaxPriorityFeePerGas,
		Signature:            append([]byte{}, userop.DummySignature...),
	}
	if p.deploy {
		factory := p.factory
		op.Factory = &factory
		op.FactoryData = p.factoryData
	}
	return op
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
