// Package evm implements chainadapter.adapterImpl for Ethereum and
// EVM-compatible chains (BSC, Polygon, etc., selected by the chain.Params
// the adapter is constructed with). It talks to a node over JSON-RPC via
// ethclient, derives per-deal escrow keys from an operator HD wallet, and
// optionally drives a deployed Broker contract for the atomic
// recipient/operator/payback split.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/atomicbroker/internal/chain"
	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/contracts/broker"
	"github.com/klingon-exchange/atomicbroker/internal/money"
	"github.com/klingon-exchange/atomicbroker/internal/wallet"
)

// transferEventSig is keccak256("Transfer(address,address,uint256)"), the
// topic0 every ERC20 Transfer log carries.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// lookbackBlocks bounds how far back ListConfirmedDeposits and
// CheckExistingTransfer scan on an address's first poll, balancing
// startup cost against chains with long confirmation windows.
const lookbackBlocks = 50_000

// TokenInfo describes one ERC20 asset this adapter can move.
type TokenInfo struct {
	Contract common.Address
	Decimals int32
}

// PriceSource converts a USD amount to this chain's native token, used
// for FIXED_USD_NATIVE commission evaluation. The corpus carries no
// built-in price oracle, so operators inject one; QuoteNativeForUSD
// errors if none is configured.
type PriceSource func(ctx context.Context, usd money.Decimal) (money.Decimal, string, error)

// Config parameterizes one chain's Adapter.
type Config struct {
	Symbol          string // chain.Get symbol, e.g. "ETH", "BSC", "POLYGON"
	Network         chain.Network
	RPCURL          string
	EscrowWallet    *wallet.Wallet // HD wallet escrow keys are derived from
	OperatorKey     *ecdsa.PrivateKey // pays commission-side gas/fee funding, optional
	Tokens          map[string]TokenInfo
	BrokerAddress   common.Address // zero value disables the broker path
	PriceSource     PriceSource
}

// Adapter implements chainadapter.adapterImpl and
// chainadapter.EVMBrokerAdapter; the broker methods return an error when
// BrokerAddress is not set.
type Adapter struct {
	cfg    Config
	params *chain.Params
	eth    *ethclient.Client
	bk     *broker.Client // nil unless cfg.BrokerAddress is set

	mu           sync.Mutex
	addrIndex    map[string]uint32 // escrow address -> derivation index
	trackedTx    map[string]uint64 // txid -> last seen block, for reorg detection
	scanFrom     map[string]uint64 // "asset|address" -> next block to scan
}

// Dial connects to an EVM node and, if cfg.BrokerAddress is non-zero,
// binds the Broker contract client too.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	params, ok := chain.Get(cfg.Symbol, cfg.Network)
	if !ok {
		return nil, fmt.Errorf("evm: unsupported chain %s/%s", cfg.Symbol, cfg.Network)
	}
	if params.Type != chain.ChainTypeEVM {
		return nil, fmt.Errorf("evm: %s is not an EVM chain", cfg.Symbol)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}

	a := &Adapter{
		cfg:       cfg,
		params:    params,
		eth:       eth,
		addrIndex: make(map[string]uint32),
		trackedTx: make(map[string]uint64),
		scanFrom:  make(map[string]uint64),
	}

	if (cfg.BrokerAddress != common.Address{}) {
		bk, err := broker.Dial(ctx, cfg.RPCURL, cfg.BrokerAddress)
		if err != nil {
			return nil, fmt.Errorf("evm: broker dial: %w", err)
		}
		a.bk = bk
	}

	return a, nil
}

// Wrap adapts this adapter into the chainadapter.ChainAdapter the core uses.
func (a *Adapter) Wrap() *chainadapter.ChainAdapter { return chainadapter.New(a) }

func (a *Adapter) ChainID() string { return a.cfg.Symbol }

func (a *Adapter) GenerateEscrowAccount(_ context.Context, asset, dealID, party string) (chainadapter.EscrowAccountRef, error) {
	if a.cfg.EscrowWallet == nil {
		return chainadapter.EscrowAccountRef{}, fmt.Errorf("evm: no escrow wallet configured for %s", a.cfg.Symbol)
	}
	index := wallet.EscrowIndex(dealID, party, asset)

	pubKey, err := a.cfg.EscrowWallet.DerivePublicKey(a.cfg.Symbol, 0, index)
	if err != nil {
		return chainadapter.EscrowAccountRef{}, fmt.Errorf("evm: derive escrow key: %w", err)
	}
	address := wallet.PublicKeyToEVMAddress(pubKey)

	a.mu.Lock()
	a.addrIndex[address] = index
	a.mu.Unlock()

	return chainadapter.EscrowAccountRef{
		Address: address,
		KeyRef:  strconv.FormatUint(uint64(index), 10),
	}, nil
}

func (a *Adapter) privateKeyFor(address string) (*ecdsa.PrivateKey, error) {
	a.mu.Lock()
	index, known := a.addrIndex[address]
	a.mu.Unlock()

	if known {
		if a.cfg.EscrowWallet == nil {
			return nil, fmt.Errorf("evm: no escrow wallet configured for %s", a.cfg.Symbol)
		}
		btcecKey, err := a.cfg.EscrowWallet.DerivePrivateKey(a.cfg.Symbol, 0, index)
		if err != nil {
			return nil, fmt.Errorf("evm: derive escrow private key: %w", err)
		}
		return wallet.ToECDSA(btcecKey), nil
	}

	if a.cfg.OperatorKey != nil && crypto.PubkeyToAddress(a.cfg.OperatorKey.PublicKey).Hex() == address {
		return a.cfg.OperatorKey, nil
	}

	return nil, fmt.Errorf("evm: no known signing key for address %s", address)
}

func (a *Adapter) tokenInfo(asset string) (TokenInfo, bool) {
	if asset == a.params.GetNativeToken() {
		return TokenInfo{}, false
	}
	info, ok := a.cfg.Tokens[asset]
	return info, ok
}

func (a *Adapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, since *time.Time) (chainadapter.DepositSnapshot, error) {
	head, err := a.eth.BlockNumber(ctx)
	if err != nil {
		return chainadapter.DepositSnapshot{}, fmt.Errorf("evm: block number: %w", err)
	}

	from := a.scanWatermark(asset, address, head)
	var snap chainadapter.DepositSnapshot
	total := money.Zero

	if token, isToken := a.tokenInfo(asset); isToken {
		deposits, err := a.scanTokenTransfers(ctx, token, address, from, head)
		if err != nil {
			return chainadapter.DepositSnapshot{}, err
		}
		for _, d := range deposits {
			confirms := int64(head-d.BlockHeight) + 1
			if confirms < minConfirms {
				continue
			}
			if since != nil && d.BlockTime.Before(*since) {
				continue
			}
			d.Confirms = confirms
			d.Asset = asset
			snap.Deposits = append(snap.Deposits, d)
			total = total.Add(d.Amount)
		}
	} else {
		deposits, err := a.scanNativeTransfers(ctx, address, from, head)
		if err != nil {
			return chainadapter.DepositSnapshot{}, err
		}
		for _, d := range deposits {
			confirms := int64(head-d.BlockHeight) + 1
			if confirms < minConfirms {
				continue
			}
			if since != nil && d.BlockTime.Before(*since) {
				continue
			}
			d.Confirms = confirms
			snap.Deposits = append(snap.Deposits, d)
			total = total.Add(d.Amount)
		}
	}

	a.setScanWatermark(asset, address, head+1)
	snap.TotalConfirmed = total
	return snap, nil
}

func (a *Adapter) scanWatermark(asset, address string, head uint64) uint64 {
	key := asset + "|" + address
	a.mu.Lock()
	defer a.mu.Unlock()
	from, ok := a.scanFrom[key]
	if !ok {
		if head > lookbackBlocks {
			from = head - lookbackBlocks
		}
		return from
	}
	return from
}

func (a *Adapter) setScanWatermark(asset, address string, next uint64) {
	key := asset + "|" + address
	a.mu.Lock()
	a.scanFrom[key] = next
	a.mu.Unlock()
}

func (a *Adapter) scanTokenTransfers(ctx context.Context, token TokenInfo, address string, from, to uint64) ([]chainadapter.ConfirmedDeposit, error) {
	toTopic := common.BytesToHash(common.HexToAddress(address).Bytes())
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{token.Contract},
		Topics:    [][]common.Hash{{transferEventSig}, nil, {toTopic}},
	}
	logs, err := a.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("evm: filter token transfers: %w", err)
	}

	var out []chainadapter.ConfirmedDeposit
	for i, lg := range logs {
		if len(lg.Data) < 32 {
			continue
		}
		amount := new(big.Int).SetBytes(lg.Data[:32])
		blockTime, err := a.blockTime(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		out = append(out, chainadapter.ConfirmedDeposit{
			TxID:        lg.TxHash.Hex(),
			Index:       int64(i),
			Asset:       "", // filled by caller, who knows the asset symbol
			Amount:      money.FromBaseUnits(amount, token.Decimals),
			BlockHeight: int64(lg.BlockNumber),
			BlockTime:   blockTime,
		})
	}
	return out, nil
}

func (a *Adapter) scanNativeTransfers(ctx context.Context, address string, from, to uint64) ([]chainadapter.ConfirmedDeposit, error) {
	target := common.HexToAddress(address)
	var out []chainadapter.ConfirmedDeposit

	for n := from; n <= to; n++ {
		block, err := a.eth.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("evm: block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != target || tx.Value().Sign() == 0 {
				continue
			}
			out = append(out, chainadapter.ConfirmedDeposit{
				TxID:        tx.Hash().Hex(),
				Asset:       a.params.GetNativeToken(),
				Amount:      money.FromBaseUnits(tx.Value(), int32(a.params.Decimals)),
				BlockHeight: int64(n),
				BlockTime:   time.Unix(int64(block.Time()), 0).UTC(),
			})
		}
	}
	return out, nil
}

func (a *Adapter) blockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	header, err := a.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("evm: header %d: %w", blockNumber, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (a *Adapter) Send(ctx context.Context, asset, from, to string, amount money.Decimal, opts chainadapter.SendOptions) (chainadapter.SubmittedTx, error) {
	privKey, err := a.privateKeyFor(from)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}

	nonce, err := a.resolveNonce(ctx, from, opts.Nonce)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}
	gasPrice, err := a.resolveGasPrice(ctx, opts.GasPrice)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}

	var tx *types.Transaction
	if token, isToken := a.tokenInfo(asset); isToken {
		data, err := wallet.EncodeERC20Transfer(to, amount.ToBaseUnits(token.Decimals))
		if err != nil {
			return chainadapter.SubmittedTx{}, fmt.Errorf("evm: encode transfer: %w", err)
		}
		tokenAddr := token.Contract
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &tokenAddr,
			Value:    big.NewInt(0),
			Gas:      wallet.DefaultERC20GasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	} else {
		toAddr := common.HexToAddress(to)
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &toAddr,
			Value:    amount.ToBaseUnits(int32(a.params.Decimals)),
			Gas:      wallet.DefaultGasLimit,
			GasPrice: gasPrice,
		})
	}

	chainID := new(big.Int).SetUint64(a.params.ChainID)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), privKey)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: sign tx: %w", err)
	}
	if err := a.eth.SendTransaction(ctx, signed); err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: send tx: %w", err)
	}

	return chainadapter.SubmittedTx{
		TxID:          signed.Hash().Hex(),
		SubmittedAt:   time.Now().UTC(),
		NonceOrInputs: strconv.FormatUint(nonce, 10),
	}, nil
}

func (a *Adapter) resolveNonce(ctx context.Context, from string, override *int64) (uint64, error) {
	if override != nil {
		return uint64(*override), nil
	}
	return a.eth.PendingNonceAt(ctx, common.HexToAddress(from))
}

func (a *Adapter) resolveGasPrice(ctx context.Context, override money.Decimal) (*big.Int, error) {
	if override.IsPositive() {
		return override.ToBaseUnits(0), nil
	}
	return a.eth.SuggestGasPrice(ctx)
}

func (a *Adapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	receipt, err := a.eth.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		a.mu.Lock()
		_, wasTracked := a.trackedTx[txid]
		a.mu.Unlock()
		if wasTracked {
			return -1, nil // previously mined, now missing: reorged out
		}
		return 0, nil // never seen, still pending
	}

	head, err := a.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evm: block number: %w", err)
	}
	blockNum := receipt.BlockNumber.Uint64()

	a.mu.Lock()
	a.trackedTx[txid] = blockNum
	a.mu.Unlock()

	return int64(head-blockNum) + 1, nil
}

func (a *Adapter) CheckExistingTransfer(ctx context.Context, from, to, asset string, amount money.Decimal) (*chainadapter.ExistingTransfer, error) {
	head, err := a.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: block number: %w", err)
	}
	var start uint64
	if head > lookbackBlocks {
		start = head - lookbackBlocks
	}

	if token, isToken := a.tokenInfo(asset); isToken {
		fromTopic := common.BytesToHash(common.HexToAddress(from).Bytes())
		toTopic := common.BytesToHash(common.HexToAddress(to).Bytes())
		logs, err := a.eth.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{token.Contract},
			Topics:    [][]common.Hash{{transferEventSig}, {fromTopic}, {toTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("evm: filter existing transfer: %w", err)
		}
		want := amount.ToBaseUnits(token.Decimals)
		for _, lg := range logs {
			if len(lg.Data) < 32 {
				continue
			}
			got := new(big.Int).SetBytes(lg.Data[:32])
			if got.Cmp(want) == 0 {
				return &chainadapter.ExistingTransfer{TxID: lg.TxHash.Hex(), BlockNumber: int64(lg.BlockNumber)}, nil
			}
		}
		return nil, nil
	}

	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)
	want := amount.ToBaseUnits(int32(a.params.Decimals))
	for n := start; n <= head; n++ {
		block, err := a.eth.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("evm: block %d: %w", n, err)
		}
		chainID := new(big.Int).SetUint64(a.params.ChainID)
		signer := types.NewEIP155Signer(chainID)
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != toAddr || tx.Value().Cmp(want) != 0 {
				continue
			}
			sender, err := types.Sender(signer, tx)
			if err != nil || sender != fromAddr {
				continue
			}
			return &chainadapter.ExistingTransfer{TxID: tx.Hash().Hex(), BlockNumber: int64(n)}, nil
		}
	}
	return nil, nil
}

func (a *Adapter) EnsureFeeBudget(ctx context.Context, from, asset, intent string, minNative money.Decimal) (bool, error) {
	balance, err := a.eth.BalanceAt(ctx, common.HexToAddress(from), nil)
	if err != nil {
		return false, fmt.Errorf("evm: balance at %s: %w", from, err)
	}
	have := money.FromBaseUnits(balance, int32(a.params.Decimals))
	return have.GreaterThanOrEqual(minNative), nil
}

func (a *Adapter) QuoteNativeForUSD(ctx context.Context, usd money.Decimal) (chainadapter.PriceQuote, error) {
	if a.cfg.PriceSource == nil {
		return chainadapter.PriceQuote{}, fmt.Errorf("evm: no price source configured for %s", a.cfg.Symbol)
	}
	amount, source, err := a.cfg.PriceSource(ctx, usd)
	if err != nil {
		return chainadapter.PriceQuote{}, fmt.Errorf("evm: quote native for usd: %w", err)
	}
	return chainadapter.PriceQuote{NativeAmount: amount, Source: source, AsOf: time.Now().UTC()}, nil
}

// ApproveBrokerForERC20 grants the Broker contract an unlimited allowance
// on token from address `from`; required once before SwapViaBroker can
// move an ERC20 balance on the caller's behalf.
func (a *Adapter) ApproveBrokerForERC20(ctx context.Context, from, token string) (chainadapter.SubmittedTx, error) {
	if a.bk == nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: no broker contract configured for %s", a.cfg.Symbol)
	}
	privKey, err := a.privateKeyFor(from)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}

	maxAllowance := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := wallet.EncodeERC20Approve(a.bk.Address().Hex(), maxAllowance)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: encode approve: %w", err)
	}

	nonce, err := a.eth.PendingNonceAt(ctx, common.HexToAddress(from))
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: pending nonce: %w", err)
	}
	gasPrice, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: suggest gas price: %w", err)
	}

	tokenAddr := common.HexToAddress(token)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &tokenAddr,
		Value:    big.NewInt(0),
		Gas:      wallet.DefaultERC20GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	chainID := new(big.Int).SetUint64(a.params.ChainID)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), privKey)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: sign approve: %w", err)
	}
	if err := a.eth.SendTransaction(ctx, signed); err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: send approve: %w", err)
	}
	return chainadapter.SubmittedTx{TxID: signed.Hash().Hex(), SubmittedAt: time.Now().UTC(), NonceOrInputs: strconv.FormatUint(nonce, 10)}, nil
}

func (a *Adapter) SwapViaBroker(ctx context.Context, params chainadapter.BrokerSwapParams) (chainadapter.SubmittedTx, error) {
	return a.callBroker(ctx, params, "swap", a.bk.Swap)
}

func (a *Adapter) RevertViaBroker(ctx context.Context, params chainadapter.BrokerSwapParams) (chainadapter.SubmittedTx, error) {
	return a.callBroker(ctx, params, "revert", a.bk.Revert)
}

type brokerCall func(ctx context.Context, privKey *ecdsa.PrivateKey, nonce uint64, gasLimit uint64, gasPrice *big.Int, s broker.Split) (*types.Transaction, error)

func (a *Adapter) callBroker(ctx context.Context, params chainadapter.BrokerSwapParams, method string, call brokerCall) (chainadapter.SubmittedTx, error) {
	if a.bk == nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: no broker contract configured for %s", a.cfg.Symbol)
	}
	privKey, err := a.privateKeyFor(params.Escrow)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}

	decimals := int32(a.params.Decimals)
	assetAddr := broker.NativeAsset()
	if token, isToken := a.tokenInfo(params.Asset); isToken {
		assetAddr = token.Contract
		decimals = token.Decimals
	}

	split := broker.Split{
		Asset:           assetAddr,
		Recipient:       common.HexToAddress(params.Recipient),
		RecipientAmount: params.RecipientAmount.ToBaseUnits(decimals),
		Operator:        common.HexToAddress(params.Operator),
		OperatorAmount:  params.OperatorAmount.ToBaseUnits(decimals),
		Payback:         common.HexToAddress(params.Payback),
		PaybackAmount:   params.PaybackAmount.ToBaseUnits(decimals),
	}

	nonce, err := a.eth.PendingNonceAt(ctx, common.HexToAddress(params.Escrow))
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: pending nonce: %w", err)
	}
	gasPrice, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return chainadapter.SubmittedTx{}, fmt.Errorf("evm: suggest gas price: %w", err)
	}
	gasLimit, err := a.bk.EstimateGas(ctx, common.HexToAddress(params.Escrow), method, split)
	if err != nil {
		gasLimit = 150_000 // conservative fallback if estimation reverts pre-funding
	}

	tx, err := call(ctx, privKey, nonce, gasLimit, gasPrice, split)
	if err != nil {
		return chainadapter.SubmittedTx{}, err
	}
	return chainadapter.SubmittedTx{TxID: tx.Hash().Hex(), SubmittedAt: time.Now().UTC(), NonceOrInputs: strconv.FormatUint(nonce, 10)}, nil
}
