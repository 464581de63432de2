// Package utxo implements the chain adapter capability for Bitcoin-family
// chains (BTC, LTC, DOGE, ...), selected by the chain.Params registry.
// Escrow keys are derived deterministically per (dealId, party, asset) off
// a single operator HD seed; no per-deal state is persisted by this
// package itself.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/atomicbroker/internal/backend"
	"github.com/klingon-exchange/atomicbroker/internal/chain"
	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/money"
	"github.com/klingon-exchange/atomicbroker/internal/wallet"
)

// PriceSource converts a USD amount to native currency; the corpus has no
// price-oracle client for any chain family, so it is supplied by whatever
// wires this adapter up rather than faked here.
type PriceSource func(ctx context.Context, usd money.Decimal) (money.Decimal, string, error)

// Config wires one Bitcoin-family chain's backend and signing material.
type Config struct {
	Symbol  string
	Network chain.Network
	Backend backend.Backend

	// EscrowWallet derives one key per (dealId, party, asset); it never
	// signs on behalf of the tank wallet.
	EscrowWallet *wallet.Wallet

	// TankKey signs sends from the operator's commission/refund wallet,
	// which is not one of the HD-derived escrow addresses.
	TankKey *btcec.PrivateKey

	// FeeRate overrides the backend's fee estimate, in sat/vB. Zero means
	// ask the backend.
	FeeRate uint64

	PriceSource PriceSource
}

// Adapter implements the chainadapter capability for one Bitcoin-family chain.
type Adapter struct {
	cfg    Config
	params *chain.Params

	mu        sync.Mutex
	addrIndex map[string]uint32            // escrow address -> derivation index
	tankAddrs map[string]*btcec.PrivateKey // tank wallet's own addresses
	trackedTx map[string]int64             // txid -> last-seen confirmations
	seen      map[string]map[string]seenUTXO
}

type seenUTXO struct {
	asset       string
	amount      money.Decimal
	blockHeight int64
	blockTime   time.Time
}

// New builds an adapter for symbol/network, validating it is a registered
// Bitcoin-family chain.
func New(cfg Config) (*Adapter, error) {
	params, ok := chain.Get(cfg.Symbol, cfg.Network)
	if !ok {
		return nil, fmt.Errorf("utxo: unregistered chain %s/%s", cfg.Symbol, cfg.Network)
	}
	if params.Type != chain.ChainTypeBitcoin {
		return nil, fmt.Errorf("utxo: %s is not a Bitcoin-family chain", cfg.Symbol)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("utxo: backend required for %s", cfg.Symbol)
	}
	if cfg.EscrowWallet == nil {
		return nil, fmt.Errorf("utxo: escrow wallet required for %s", cfg.Symbol)
	}

	a := &Adapter{
		cfg:       cfg,
		params:    params,
		addrIndex: make(map[string]uint32),
		tankAddrs: make(map[string]*btcec.PrivateKey),
		trackedTx: make(map[string]int64),
		seen:      make(map[string]map[string]seenUTXO),
	}

	if cfg.TankKey != nil {
		addrs, err := wallet.AllAddressTypes(cfg.TankKey.PubKey(), params)
		if err != nil {
			return nil, fmt.Errorf("utxo: derive tank wallet addresses: %w", err)
		}
		for _, addr := range addrs {
			a.tankAddrs[addr] = cfg.TankKey
		}
	}

	return a, nil
}

// Wrap exposes the adapter through the capability interface the core consumes.
func (a *Adapter) Wrap() *chainadapter.ChainAdapter { return chainadapter.New(a) }

func (a *Adapter) ChainID() string { return a.cfg.Symbol }

func (a *Adapter) GenerateEscrowAccount(_ context.Context, asset, dealID, party string) (chainadapter.EscrowAccountRef, error) {
	idx := wallet.EscrowIndex(dealID, party, asset)
	key, err := a.cfg.EscrowWallet.DeriveKeyForChain(a.cfg.Symbol, 0, idx)
	if err != nil {
		return chainadapter.EscrowAccountRef{}, fmt.Errorf("utxo: derive escrow key: %w", err)
	}
	addr, err := wallet.DeriveAddressFromKey(key, a.params)
	if err != nil {
		return chainadapter.EscrowAccountRef{}, fmt.Errorf("utxo: derive escrow address: %w", err)
	}

	a.mu.Lock()
	a.addrIndex[addr] = idx
	a.mu.Unlock()

	return chainadapter.EscrowAccountRef{Address: addr, KeyRef: strconv.FormatUint(uint64(idx), 10)}, nil
}

func (a *Adapter) privateKeyFor(address string) (*btcec.PrivateKey, error) {
	a.mu.Lock()
	idx, isEscrow := a.addrIndex[address]
	tank := a.tankAddrs[address]
	a.mu.Unlock()

	if isEscrow {
		return a.cfg.EscrowWallet.DerivePrivateKey(a.cfg.Symbol, 0, idx)
	}
	if tank != nil {
		return tank, nil
	}
	return nil, fmt.Errorf("utxo: no key material cached for address %s", address)
}

func (a *Adapter) decimals() int32 { return int32(a.params.Decimals) }

func utxoKey(txid string, vout uint32) string {
	return txid + ":" + strconv.FormatUint(uint64(vout), 10)
}

// ListConfirmedDeposits snapshots the address's current UTXO set and
// reports confirmed ones meeting minConfirms. A UTXO that was reported in
// a prior poll but has since vanished (spent-by-reorg, not spent by us)
// is reported once more with Confirms == -1.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, since *time.Time) (chainadapter.DepositSnapshot, error) {
	utxos, err := a.cfg.Backend.GetAddressUTXOs(ctx, address)
	if err != nil {
		return chainadapter.DepositSnapshot{}, fmt.Errorf("utxo: list utxos for %s: %w", address, err)
	}

	current := make(map[string]seenUTXO, len(utxos))
	var deposits []chainadapter.ConfirmedDeposit
	total := money.Zero

	for _, u := range utxos {
		amount := money.FromBaseUnits(new(big.Int).SetUint64(u.Amount), a.decimals())

		var blockTime time.Time
		if u.BlockHeight > 0 {
			if hdr, hErr := a.cfg.Backend.GetBlockHeader(ctx, strconv.FormatInt(u.BlockHeight, 10)); hErr == nil {
				blockTime = time.Unix(hdr.Timestamp, 0)
			}
		}

		key := utxoKey(u.TxID, u.Vout)
		current[key] = seenUTXO{asset: asset, amount: amount, blockHeight: u.BlockHeight, blockTime: blockTime}

		if u.Confirmations < minConfirms {
			continue
		}
		if since != nil && !blockTime.IsZero() && blockTime.Before(*since) {
			continue
		}

		deposits = append(deposits, chainadapter.ConfirmedDeposit{
			TxID:        u.TxID,
			Index:       int64(u.Vout),
			Asset:       asset,
			Amount:      amount,
			BlockHeight: u.BlockHeight,
			BlockTime:   blockTime,
			Confirms:    u.Confirmations,
		})
		total = total.Add(amount)
	}

	a.mu.Lock()
	prev := a.seen[address]
	for key, su := range prev {
		if _, stillThere := current[key]; stillThere {
			continue
		}
		parts := strings.SplitN(key, ":", 2)
		vout, _ := strconv.ParseUint(parts[1], 10, 32)
		deposits = append(deposits, chainadapter.ConfirmedDeposit{
			TxID:        parts[0],
			Index:       int64(vout),
			Asset:       su.asset,
			Amount:      su.amount,
			BlockHeight: su.blockHeight,
			BlockTime:   su.blockTime,
			Confirms:    -1,
		})
	}
	a.seen[address] = current
	a.mu.Unlock()

	return chainadapter.DepositSnapshot{Deposits: deposits, TotalConfirmed: total}, nil
}

func (a *Adapter) resolveFeeRate(ctx context.Context, opts chainadapter.SendOptions) (uint64, error) {
	if !opts.GasPrice.IsZero() {
		return opts.GasPrice.ToBaseUnits(0).Uint64(), nil
	}
	if a.cfg.FeeRate > 0 {
		return a.cfg.FeeRate, nil
	}
	est, err := a.cfg.Backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("utxo: fee estimate: %w", err)
	}
	if est.HalfHourFee == 0 {
		return 1, nil
	}
	return est.HalfHourFee, nil
}

func (a *Adapter) Send(ctx context.Context, asset, from, to string, amount money.Decimal, opts chainadapter.SendOptions) (chainadapter.SubmittedTx, error) {
	privKey, err := a.privateKeyFor(from)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}

	utxos, err := a.cfg.Backend.GetAddressUTXOs(ctx, from)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("utxo: list utxos for send: %w", err)
	}
	if len(utxos) == 0 {
		return chainadapter.SubmittedTx{}, fmt.Errorf("utxo: no spendable utxos at %s", from)
	}

	feeRate, err := a.resolveFeeRate(ctx, opts)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}

	amountSats := amount.ToBaseUnits(a.decimals()).Uint64()

	txHex, err := wallet.BuildAndSignTx(privKey, utxos, to, from, amountSats, feeRate, a.params)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("utxo: build tx: %w", err)
	}

	txid, err := a.cfg.Backend.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("utxo: broadcast: %w", err)
	}

	return chainadapter.SubmittedTx{
		TxID:          txid,
		SubmittedAt:   time.Now(),
		NonceOrInputs: strconv.Itoa(len(utxos)),
	}, nil
}

// GetTxConfirmations reports -1 if a previously-tracked txid can no longer
// be found (reorged out), 0 if it was never tracked and still isn't found,
// otherwise the backend's reported confirmation count.
func (a *Adapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := a.cfg.Backend.GetTransaction(ctx, txid)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			a.mu.Lock()
			_, wasTracked := a.trackedTx[txid]
			a.mu.Unlock()
			if wasTracked {
				return -1, nil
			}
			return 0, nil
		}
		return 0, fmt.Errorf("utxo: get transaction %s: %w", txid, err)
	}

	a.mu.Lock()
	a.trackedTx[txid] = tx.Confirmations
	a.mu.Unlock()
	return tx.Confirmations, nil
}

// CheckExistingTransfer looks for a transaction that already spends an
// input from `from` and pays `to` the requested amount, to recover from
// operator duplicates and crash-during-send.
func (a *Adapter) CheckExistingTransfer(ctx context.Context, from, to, asset string, amount money.Decimal) (*chainadapter.ExistingTransfer, error) {
	txs, err := a.cfg.Backend.GetAddressTxs(ctx, to, "")
	if err != nil {
		return nil, fmt.Errorf("utxo: address txs for %s: %w", to, err)
	}

	wantSats := amount.ToBaseUnits(a.decimals()).Uint64()

	for _, tx := range txs {
		fromMatches := false
		for _, in := range tx.Inputs {
			if in.PrevOut != nil && in.PrevOut.ScriptPubKeyAddr == from {
				fromMatches = true
				break
			}
		}
		if !fromMatches {
			continue
		}
		for _, out := range tx.Outputs {
			if out.ScriptPubKeyAddr == to && out.Value == wantSats {
				return &chainadapter.ExistingTransfer{TxID: tx.TxID, BlockNumber: tx.BlockHeight}, nil
			}
		}
	}
	return nil, nil
}

func (a *Adapter) EnsureFeeBudget(ctx context.Context, from, asset, intent string, minNative money.Decimal) (bool, error) {
	info, err := a.cfg.Backend.GetAddressInfo(ctx, from)
	if err != nil {
		return false, fmt.Errorf("utxo: address info for %s: %w", from, err)
	}
	have := money.FromBaseUnits(new(big.Int).SetUint64(info.Balance), a.decimals())
	return have.GreaterThanOrEqual(minNative), nil
}

func (a *Adapter) QuoteNativeForUSD(ctx context.Context, usd money.Decimal) (chainadapter.PriceQuote, error) {
	if a.cfg.PriceSource == nil {
		return chainadapter.PriceQuote{}, fmt.Errorf("utxo: no price source configured for %s", a.cfg.Symbol)
	}
	native, source, err := a.cfg.PriceSource(ctx, usd)
	if err != nil {
		return chainadapter.PriceQuote{}, fmt.Errorf("utxo: quote native for usd: %w", err)
	}
	return chainadapter.PriceQuote{NativeAmount: native, Source: source, AsOf: time.Now()}, nil
}
