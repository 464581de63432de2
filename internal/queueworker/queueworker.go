// Package queueworker drains the outbound transfer queue.
// One Driver.Tick call fans out over every distinct sender identity
// (dealId, chainId, from) with a PENDING or SUBMITTED item, handling at most one
// item per sender per tick: check for an existing on-chain transfer,
// ensure the sender's gas budget, reserve a nonce, submit, and record
// the result. Different senders proceed in parallel; a single sender
// is always processed strictly in seq order.
package queueworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/money"
	"github.com/klingon-exchange/atomicbroker/pkg/logging"
	"github.com/klingon-exchange/atomicbroker/pkg/metrics"
)

// Policy supplies the chain-specific numbers and identities the queue
// worker needs but does not own.
type Policy interface {
	// IsAccountBased reports whether a chain reserves nonces (EVM-style)
	// rather than selecting UTXO inputs at send time.
	IsAccountBased(chainID string) bool
	// TankWalletAddress is the process-wide gas-funding source for chainID.
	TankWalletAddress(chainID string) string
	// MinNativeBalance is the native balance an escrow must hold before a
	// transfer of the given purpose is attempted.
	MinNativeBalance(chainID string, purpose ledger.Purpose) money.Decimal
	// GasFundAmount is how much native currency one GAS_FUND item moves.
	GasFundAmount(chainID string) money.Decimal
	// StuckAfter is how long a SUBMITTED item may sit unconfirmed before
	// the worker bumps its gas price and resubmits.
	StuckAfter() time.Duration
	// MaxGasBumpAttempts caps retries before a sender is left SUBMITTED
	// for manual intervention rather than bumped indefinitely.
	MaxGasBumpAttempts() int
}

// Driver runs the queue-tick task.
type Driver struct {
	ledger   *ledger.Ledger
	registry *chainadapter.Registry
	policy   Policy
	log      *logging.Logger
	metrics  *metrics.Registry
}

// NewDriver builds a queue-tick driver over a shared ledger and chain
// adapter registry.
func NewDriver(l *ledger.Ledger, registry *chainadapter.Registry, policy Policy) *Driver {
	return &Driver{
		ledger:   l,
		registry: registry,
		policy:   policy,
		log:      logging.GetDefault().Component("queueworker"),
	}
}

// SetMetrics attaches a metrics registry. Safe to leave unset.
func (d *Driver) SetMetrics(m *metrics.Registry) {
	d.metrics = m
}

// Tick handles one item for every sender identity with PENDING or
// SUBMITTED work. Each account-based sender first goes through the nonce
// integrity scan and is skipped for this tick if the scan fails.
func (d *Driver) Tick(ctx context.Context) error {
	senders, err := d.ledger.ListPendingSenders()
	if err != nil {
		return fmt.Errorf("queueworker: list pending senders: %w", err)
	}
	if d.metrics != nil {
		d.metrics.QueueTicks.Inc()
	}

	var wg sync.WaitGroup
	for _, sender := range senders {
		sender := sender
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.processSender(ctx, sender)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Driver) processSender(ctx context.Context, sender ledger.SenderKey) {
	if d.policy.IsAccountBased(sender.ChainID) {
		if err := d.ledger.CheckNonceIntegrity(sender.ChainID, sender.From); err != nil {
			d.log.Warn("nonce integrity violation, halting sender", "chain_id", sender.ChainID, "from", sender.From, "error", err)
			return
		}
	}

	item, err := d.ledger.NextActionable(sender.DealID, sender.ChainID, sender.From)
	if err != nil {
		d.log.Warn("next actionable failed", "deal_id", sender.DealID, "chain_id", sender.ChainID, "from", sender.From, "error", err)
		return
	}
	if item == nil {
		return
	}

	if err := d.dispatch(ctx, item); err != nil {
		d.log.Warn("dispatch failed", "item_id", item.ID, "deal_id", item.DealID, "purpose", item.Purpose, "error", err)
	}
}

// dispatch runs the per-item steps against a sender's single in-flight
// item: a PENDING item proceeds through existing-transfer-check,
// gas-budget, nonce-reservation, and submission; a SUBMITTED item is
// instead evaluated for the stuck/gas-bump retry path.
func (d *Driver) dispatch(ctx context.Context, item *ledger.QueueItem) error {
	if item.Status == ledger.QueueStatusSubmitted {
		adapter, ok := d.registry.Get(item.ChainID)
		if !ok {
			return fmt.Errorf("no chain adapter for %s", item.ChainID)
		}
		return d.maybeBump(ctx, adapter, item)
	}
	adapter, ok := d.registry.Get(item.ChainID)
	if !ok {
		return fmt.Errorf("no chain adapter for %s", item.ChainID)
	}

	amount, err := money.Parse(item.Amount)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}

	// Step 1: an already-broadcast match short-circuits straight to
	// COMPLETED — recovers from operator duplicates and crash-during-send.
	existing, err := adapter.CheckExistingTransfer(ctx, item.From, item.To, item.Asset, amount)
	if err != nil {
		d.log.Warn("check existing transfer failed", "item_id", item.ID, "error", err)
	} else if existing != nil {
		if err := d.ledger.MarkSubmitted(item.ID, ledger.SubmittedTx{TxID: existing.TxID, SubmittedAt: time.Now().UTC()}); err != nil {
			return fmt.Errorf("mark submitted for existing transfer: %w", err)
		}
		if err := d.ledger.MarkCompleted(item.ID); err != nil {
			return fmt.Errorf("mark completed for existing transfer: %w", err)
		}
		d.log.Info("existing transfer recovered", "item_id", item.ID, "txid", existing.TxID)
		return nil
	}

	accountBased := d.policy.IsAccountBased(item.ChainID)

	// Step 2: gas budget (account-based chains only). A shortfall blocks
	// this item until a higher-priority GAS_FUND item completes.
	if accountBased {
		minNative := d.policy.MinNativeBalance(item.ChainID, item.Purpose)
		if minNative.IsPositive() {
			funded, err := adapter.EnsureFeeBudget(ctx, item.From, item.Asset, string(item.Purpose), minNative)
			if err != nil {
				return fmt.Errorf("ensure fee budget: %w", err)
			}
			if !funded {
				if err := d.ensureGasFundQueued(item); err != nil {
					return fmt.Errorf("queue gas fund: %w", err)
				}
				d.log.Info("item blocked on gas fund", "item_id", item.ID, "chain_id", item.ChainID, "from", item.From)
				return nil
			}
		}
	}

	opts := chainadapter.SendOptions{}
	var reservedNonce *int64
	if accountBased {
		nonce, err := d.ledger.ReserveNonce(item.ChainID, item.From, nil)
		if err != nil {
			return fmt.Errorf("reserve nonce: %w", err)
		}
		reservedNonce = &nonce
		opts.Nonce = &nonce
	}

	// Step 4: submit.
	submitted, err := adapter.Send(ctx, item.Asset, item.From, item.To, amount, opts)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := d.ledger.MarkSubmitted(item.ID, ledger.SubmittedTx{
		TxID: submitted.TxID, SubmittedAt: submitted.SubmittedAt, NonceOrInputs: submitted.NonceOrInputs,
	}); err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if reservedNonce != nil {
		if err := d.ledger.RecordOriginalNonce(item.ID, *reservedNonce); err != nil {
			d.log.Warn("record original nonce failed", "item_id", item.ID, "error", err)
		}
	}
	if d.metrics != nil {
		d.metrics.QueueDispatched.WithLabelValues(item.ChainID, string(item.Purpose)).Inc()
	}
	d.log.Info("item submitted", "item_id", item.ID, "deal_id", item.DealID, "txid", submitted.TxID)
	return nil
}

// maybeBump implements step 5: a SUBMITTED item stuck past the
// configured threshold is resubmitted at the same nonce with a bumped
// gas price.
func (d *Driver) maybeBump(ctx context.Context, adapter *chainadapter.ChainAdapter, item *ledger.QueueItem) error {
	if item.LastSubmitAt == nil || time.Since(*item.LastSubmitAt) < d.policy.StuckAfter() {
		return nil
	}
	if item.GasBumpAttempts >= d.policy.MaxGasBumpAttempts() {
		d.log.Warn("item exceeded max gas bump attempts, leaving submitted for manual intervention",
			"item_id", item.ID, "attempts", item.GasBumpAttempts)
		return nil
	}

	confirms, err := adapter.GetTxConfirmations(ctx, item.SubmittedTx.TxID)
	if err != nil {
		return fmt.Errorf("get tx confirmations: %w", err)
	}
	if confirms > 0 {
		return nil // confirming normally; the deal tick will mark it completed
	}

	amount, err := money.Parse(item.Amount)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}

	nonce := item.OriginalNonce
	var opts chainadapter.SendOptions
	if nonce != nil {
		opts.Nonce = nonce
		bumped := bumpGasPrice(item.LastGasPrice)
		opts.GasPrice = bumped
		submitted, err := adapter.Send(ctx, item.Asset, item.From, item.To, amount, opts)
		if err != nil {
			return fmt.Errorf("resubmit with bumped gas: %w", err)
		}
		if err := d.ledger.MarkSubmitted(item.ID, ledger.SubmittedTx{
			TxID: submitted.TxID, SubmittedAt: submitted.SubmittedAt, NonceOrInputs: submitted.NonceOrInputs,
		}); err != nil {
			return fmt.Errorf("mark submitted after bump: %w", err)
		}
		if err := d.ledger.RecordGasBump(item.ID, bumped.String()); err != nil {
			return fmt.Errorf("record gas bump: %w", err)
		}
		if d.metrics != nil {
			d.metrics.QueueGasBumps.WithLabelValues(item.ChainID).Inc()
		}
		d.log.Info("resubmitted with bumped gas", "item_id", item.ID, "attempt", item.GasBumpAttempts+1, "gas_price", bumped.String())
	}
	return nil
}

// bumpGasPriceBPS is the §4.6 "gasPrice × (1 + bump)" multiplier in basis
// points; 12500 bps = ×1.25, the minimum RBF step most EVM mempools
// enforce.
const bumpGasPriceBPS = 12500

func bumpGasPrice(last string) money.Decimal {
	prev, err := money.Parse(last)
	if err != nil || prev.IsZero() {
		prev = money.FromInt64(1)
	}
	return prev.BPS(bumpGasPriceBPS, 18)
}

func (d *Driver) ensureGasFundQueued(item *ledger.QueueItem) error {
	tank := d.policy.TankWalletAddress(item.ChainID)
	if tank == "" {
		return fmt.Errorf("no tank wallet configured for %s", item.ChainID)
	}

	pending, err := d.ledger.NextPending(item.DealID, item.ChainID, tank)
	if err != nil {
		return fmt.Errorf("check existing gas fund: %w", err)
	}
	if pending != nil && pending.Purpose == ledger.PurposeGasFund && pending.To == item.From {
		return nil // already queued, nothing to do this tick
	}

	gasFund := &ledger.QueueItem{
		ID:      uuid.NewString(),
		DealID:  item.DealID,
		ChainID: item.ChainID,
		From:    tank,
		To:      item.From,
		Asset:   nativeAssetFor(item.ChainID),
		Amount:  d.policy.GasFundAmount(item.ChainID).String(),
		Purpose: ledger.PurposeGasFund,
		Phase:   ledger.PhaseNone,
	}
	if err := d.ledger.Enqueue(gasFund); err != nil && !errors.Is(err, ledger.ErrConflictingOperation) {
		return err
	}
	return nil
}

// nativeAssetFor is a placeholder until Policy grows a native-asset
// table: it maps ethereum to ETH and bitcoin to BTC and returns any other
// chainID unchanged. That is the native asset only where the chain ID is
// already the native symbol (ETH, BTC); UNICITY (ALPHA), BSC (BNB) and
// POLYGON (POL) are not mapped.
func nativeAssetFor(chainID string) string {
	switch chainID {
	case "ethereum":
		return "ETH"
	case "bitcoin":
		return "BTC"
	default:
		return chainID
	}
}
