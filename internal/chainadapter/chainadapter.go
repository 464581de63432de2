// Package chainadapter defines the capability the orchestration core
// consumes from every chain-specific plugin. The core never speaks a
// chain's wire protocol directly; it only calls these methods, selected
// by chainId at startup via the Registry.
package chainadapter

import (
	"context"
	"time"

	"github.com/klingon-exchange/atomicbroker/internal/money"
)

// EscrowAccountRef is a deterministically-derived escrow destination for
// one side of one deal. The private key material never leaves the
// adapter; KeyRef is an opaque pointer the adapter resolves again at
// signing time.
type EscrowAccountRef struct {
	Address string
	KeyRef  string
}

// ConfirmedDeposit is one observed inbound transfer, already filtered by
// minConfirms at the adapter boundary; confirms == -1 signals the
// transaction has reorged out since it was last observed.
type ConfirmedDeposit struct {
	TxID        string
	Index       int64
	Asset       string
	Amount      money.Decimal
	BlockHeight int64
	BlockTime   time.Time
	Confirms    int64
}

// DepositSnapshot is the result of polling an address for deposits.
type DepositSnapshot struct {
	Deposits      []ConfirmedDeposit
	TotalConfirmed money.Decimal
}

// SendOptions carries the chain-specific knobs a sender may need.
// UTXO adapters ignore Nonce; account-based adapters ignore Inputs.
type SendOptions struct {
	Nonce    *int64
	GasPrice money.Decimal
}

// SubmittedTx is what an adapter returns immediately after broadcasting.
type SubmittedTx struct {
	TxID          string
	SubmittedAt   time.Time
	NonceOrInputs string
}

// ExistingTransfer is a previously-broadcast transfer matching a
// requested (from, to, asset, amount) tuple, used to recover from
// operator duplicates and crash-during-send.
type ExistingTransfer struct {
	TxID        string
	BlockNumber int64
}

// PriceQuote is a USD→native conversion used for FIXED_USD_NATIVE
// commissions.
type PriceQuote struct {
	NativeAmount money.Decimal
	Source       string
	AsOf         time.Time
}

// BrokerSwapParams describes an atomic multi-output broker-contract
// call (EVM-only optimization): a single on-chain transaction that
// splits escrowed funds into recipient/fee/payback.
// An adapter with no broker contract configured returns an error from
// these calls; the core still records the three logical QueueItems
// regardless.
type BrokerSwapParams struct {
	Escrow     string
	Asset      string
	Recipient  string
	RecipientAmount money.Decimal
	Operator   string
	OperatorAmount  money.Decimal
	Payback    string
	PaybackAmount   money.Decimal
}

// ChainAdapter is the capability the core consumes; one implementation
// per chainId, selected at startup via Registry.
type ChainAdapter struct {
	adapter adapterImpl
}

// adapterImpl is implemented by each chain family (utxo, evm). Kept
// unexported so callers always go through the ChainAdapter wrapper,
// which is where cross-cutting concerns (timeouts, metrics) attach.
type adapterImpl interface {
	ChainID() string

	GenerateEscrowAccount(ctx context.Context, asset, dealID string, party string) (EscrowAccountRef, error)
	ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, since *time.Time) (DepositSnapshot, error)
	Send(ctx context.Context, asset, from, to string, amount money.Decimal, opts SendOptions) (SubmittedTx, error)
	GetTxConfirmations(ctx context.Context, txid string) (int64, error)
	CheckExistingTransfer(ctx context.Context, from, to, asset string, amount money.Decimal) (*ExistingTransfer, error)
	EnsureFeeBudget(ctx context.Context, from, asset string, intent string, minNative money.Decimal) (bool, error)
	QuoteNativeForUSD(ctx context.Context, usd money.Decimal) (PriceQuote, error)
}

// EVMBrokerAdapter is implemented by every EVM-family adapter; its methods
// return an error unless that chain has a broker contract address
// configured, so the optimization is optional per chain.
type EVMBrokerAdapter interface {
	ApproveBrokerForERC20(ctx context.Context, from, token string) (SubmittedTx, error)
	SwapViaBroker(ctx context.Context, params BrokerSwapParams) (SubmittedTx, error)
	RevertViaBroker(ctx context.Context, params BrokerSwapParams) (SubmittedTx, error)
}

// New wraps a concrete per-chain implementation.
func New(impl adapterImpl) *ChainAdapter { return &ChainAdapter{adapter: impl} }

func (c *ChainAdapter) ChainID() string { return c.adapter.ChainID() }

func (c *ChainAdapter) GenerateEscrowAccount(ctx context.Context, asset, dealID, party string) (EscrowAccountRef, error) {
	return c.adapter.GenerateEscrowAccount(ctx, asset, dealID, party)
}

func (c *ChainAdapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, since *time.Time) (DepositSnapshot, error) {
	return c.adapter.ListConfirmedDeposits(ctx, asset, address, minConfirms, since)
}

func (c *ChainAdapter) Send(ctx context.Context, asset, from, to string, amount money.Decimal, opts SendOptions) (SubmittedTx, error) {
	return c.adapter.Send(ctx, asset, from, to, amount, opts)
}

func (c *ChainAdapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	return c.adapter.GetTxConfirmations(ctx, txid)
}

func (c *ChainAdapter) CheckExistingTransfer(ctx context.Context, from, to, asset string, amount money.Decimal) (*ExistingTransfer, error) {
	return c.adapter.CheckExistingTransfer(ctx, from, to, asset, amount)
}

func (c *ChainAdapter) EnsureFeeBudget(ctx context.Context, from, asset, intent string, minNative money.Decimal) (bool, error) {
	return c.adapter.EnsureFeeBudget(ctx, from, asset, intent, minNative)
}

func (c *ChainAdapter) QuoteNativeForUSD(ctx context.Context, usd money.Decimal) (PriceQuote, error) {
	return c.adapter.QuoteNativeForUSD(ctx, usd)
}

// Broker returns the EVM broker-contract optimization path, if the
// wrapped implementation supports it.
func (c *ChainAdapter) Broker() (EVMBrokerAdapter, bool) {
	b, ok := c.adapter.(EVMBrokerAdapter)
	return b, ok
}

// Registry maps chainId to its adapter. Adapters are plug-in objects
// selected by chainId at startup, never by static dispatch.
type Registry struct {
	adapters map[string]*ChainAdapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*ChainAdapter)}
}

// Register associates a chainId with its adapter implementation.
func (r *Registry) Register(chainID string, impl adapterImpl) {
	r.adapters[chainID] = New(impl)
}

// Get returns the adapter for a chainId, or nil, false if unregistered.
func (r *Registry) Get(chainID string) (*ChainAdapter, bool) {
	a, ok := r.adapters[chainID]
	return a, ok
}
