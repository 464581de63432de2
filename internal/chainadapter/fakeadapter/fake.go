// Package fakeadapter is a deterministic, in-memory ChainAdapter used by
// statemachine and queueworker integration tests. It advances a
// simulated clock and confirmation count under explicit test control
// instead of talking to a real node, per the ambient test-tooling
// convention of exercising real collaborators everywhere except chain
// RPCs, which have no in-process form to run against.
package fakeadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/money"
)

// Deposit is a deposit the test harness injects onto an address.
type Deposit struct {
	TxID      string
	Asset     string
	Amount    money.Decimal
	BlockTime time.Time
	Confirms  int64
}

// Tx tracks a submitted or about-to-be-submitted transfer so
// GetTxConfirmations and CheckExistingTransfer can answer deterministically.
type Tx struct {
	TxID     string
	From, To string
	Asset    string
	Amount   money.Decimal
	Confirms int64
}

// Adapter is a single chain's fake state.
type Adapter struct {
	mu sync.Mutex

	chainID  string
	deposits map[string][]Deposit // by address
	txs      map[string]*Tx       // by txid
	nonces   map[string]int64     // by address, next unused
	feeOK    bool
}

// New builds a fake adapter for chainID. feeOK controls EnsureFeeBudget's
// answer (true: sufficient, skip GAS_FUND).
func New(chainID string, feeOK bool) *Adapter {
	return &Adapter{
		chainID:  chainID,
		deposits: make(map[string][]Deposit),
		txs:      make(map[string]*Tx),
		nonces:   make(map[string]int64),
		feeOK:    feeOK,
	}
}

// Wrap adapts this fake into the chainadapter.ChainAdapter the core uses.
func (a *Adapter) Wrap() *chainadapter.ChainAdapter { return chainadapter.New(a) }

// Deposit injects a deposit onto address, as if observed on-chain.
func (a *Adapter) Deposit(address string, d Deposit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deposits[address] = append(a.deposits[address], d)
}

// SetConfirms updates a previously-submitted tx's confirmation count;
// -1 simulates a reorg.
func (a *Adapter) SetConfirms(txid string, confirms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tx, ok := a.txs[txid]; ok {
		tx.Confirms = confirms
	}
}

// SetDepositConfirms updates an injected deposit's confirmation count in
// place, simulating new blocks or a reorg (-1).
func (a *Adapter) SetDepositConfirms(address, txid string, confirms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.deposits[address] {
		if a.deposits[address][i].TxID == txid {
			a.deposits[address][i].Confirms = confirms
		}
	}
}

func (a *Adapter) ChainID() string { return a.chainID }

func (a *Adapter) GenerateEscrowAccount(_ context.Context, asset, dealID, party string) (chainadapter.EscrowAccountRef, error) {
	return chainadapter.EscrowAccountRef{
		Address: fmt.Sprintf("escrow-%s-%s-%s-%s", a.chainID, asset, dealID, party),
		KeyRef:  fmt.Sprintf("m/84'/0'/0'/%s/%s", dealID, party),
	}, nil
}

func (a *Adapter) ListConfirmedDeposits(_ context.Context, asset, address string, minConfirms int64, since *time.Time) (chainadapter.DepositSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var snap chainadapter.DepositSnapshot
	total := money.Zero
	for i, d := range a.deposits[address] {
		if d.Asset != asset || d.Confirms < minConfirms {
			continue
		}
		if since != nil && d.BlockTime.Before(*since) {
			continue
		}
		snap.Deposits = append(snap.Deposits, chainadapter.ConfirmedDeposit{
			TxID: d.TxID, Index: int64(i), Asset: d.Asset, Amount: d.Amount,
			BlockTime: d.BlockTime, Confirms: d.Confirms,
		})
		total = total.Add(d.Amount)
	}
	snap.TotalConfirmed = total
	return snap, nil
}

func (a *Adapter) Send(_ context.Context, asset, from, to string, amount money.Decimal, opts chainadapter.SendOptions) (chainadapter.SubmittedTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	txid := uuid.NewString()
	a.txs[txid] = &Tx{TxID: txid, From: from, To: to, Asset: asset, Amount: amount, Confirms: 0}

	nonceOrInputs := ""
	if opts.Nonce != nil {
		nonceOrInputs = fmt.Sprintf("%d", *opts.Nonce)
	}
	return chainadapter.SubmittedTx{TxID: txid, SubmittedAt: time.Now().UTC(), NonceOrInputs: nonceOrInputs}, nil
}

func (a *Adapter) GetTxConfirmations(_ context.Context, txid string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tx, ok := a.txs[txid]
	if !ok {
		return -1, nil
	}
	return tx.Confirms, nil
}

func (a *Adapter) CheckExistingTransfer(_ context.Context, from, to, asset string, amount money.Decimal) (*chainadapter.ExistingTransfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tx := range a.txs {
		if tx.From == from && tx.To == to && tx.Asset == asset && tx.Amount.Cmp(amount) == 0 {
			return &chainadapter.ExistingTransfer{TxID: tx.TxID}, nil
		}
	}
	return nil, nil
}

func (a *Adapter) EnsureFeeBudget(_ context.Context, from, asset, intent string, minNative money.Decimal) (bool, error) {
	return a.feeOK, nil
}

func (a *Adapter) QuoteNativeForUSD(_ context.Context, usd money.Decimal) (chainadapter.PriceQuote, error) {
	return chainadapter.PriceQuote{NativeAmount: usd, Source: "fake", AsOf: time.Now().UTC()}, nil
}
