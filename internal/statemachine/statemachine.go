// Package statemachine drives a single deal through the stage DAG:
// CREATED → COLLECTION → WAITING → SWAP/REVERTED → CLOSED. One
// Driver.Tick call processes every active deal once, each under its own
// lease, in parallel across deals.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/depositwatcher"
	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/lease"
	"github.com/klingon-exchange/atomicbroker/internal/lockeval"
	"github.com/klingon-exchange/atomicbroker/internal/money"
	"github.com/klingon-exchange/atomicbroker/internal/planner"
	"github.com/klingon-exchange/atomicbroker/pkg/logging"
	"github.com/klingon-exchange/atomicbroker/pkg/metrics"
)

// Policy supplies the chain- and asset-specific numbers the state
// machine consumes but does not own: per-chain confirmation depths,
// commission rate/fixed amount, and the operator payout address.
type Policy interface {
	CollectConfirms(chainID string) int64
	FinalityConfirms(chainID string) int64
	CommissionBPS(chainID, asset string) int64
	FixedUSDCommission() money.Decimal
	OperatorAddress(chainID, asset string) string
	Decimals(chainID, asset string) int32
}

// Driver runs the deal-tick task.
type Driver struct {
	ledger   *ledger.Ledger
	registry *chainadapter.Registry
	watcher  *depositwatcher.Watcher
	leases   *lease.Manager
	policy   Policy
	log      *logging.Logger
	metrics  *metrics.Registry
}

// SetMetrics attaches a metrics registry for this driver to report against.
// Safe to leave unset; Tick is a no-op on metrics in that case.
func (d *Driver) SetMetrics(m *metrics.Registry) {
	d.metrics = m
	d.watcher.SetMetrics(m)
}

// NewDriver builds a deal-tick driver over a shared ledger, chain
// adapter registry, and lease manager.
func NewDriver(l *ledger.Ledger, registry *chainadapter.Registry, leases *lease.Manager, policy Policy) *Driver {
	return &Driver{
		ledger:   l,
		registry: registry,
		watcher:  depositwatcher.New(l, registry),
		leases:   leases,
		policy:   policy,
		log:      logging.GetDefault().Component("statemachine"),
	}
}

// Tick processes every active deal once. A deal whose lease is held by
// another worker is skipped, not retried, this pass.
func (d *Driver) Tick(ctx context.Context) error {
	deals, err := d.ledger.ListActiveDeals()
	if err != nil {
		return fmt.Errorf("statemachine: list active deals: %w", err)
	}

	if d.metrics != nil {
		d.metrics.DealTicks.Inc()
		d.metrics.ActiveDeals.Set(float64(len(deals)))
		byStage := make(map[ledger.Stage]int, len(deals))
		for _, deal := range deals {
			byStage[deal.Stage]++
		}
		for _, stage := range []ledger.Stage{
			ledger.StageCreated, ledger.StageCollection, ledger.StageWaiting,
			ledger.StageSwap, ledger.StageReverted, ledger.StageClosed,
		} {
			d.metrics.DealsByStage.WithLabelValues(string(stage)).Set(float64(byStage[stage]))
		}
	}

	var wg sync.WaitGroup
	for _, deal := range deals {
		deal := deal
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.processDeal(ctx, deal)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Driver) processDeal(ctx context.Context, deal *ledger.Deal) {
	ok, err := d.leases.Acquire(deal.ID)
	if err != nil {
		d.log.Warn("lease acquire failed", "deal_id", deal.ID, "error", err)
		return
	}
	if !ok {
		if d.metrics != nil {
			d.metrics.LeaseContention.Inc()
		}
		return
	}
	defer func() {
		if err := d.leases.Release(deal.ID); err != nil {
			d.log.Warn("lease release failed", "deal_id", deal.ID, "error", err)
		}
	}()

	// now_at_tick_start avoids a race with expiresAt mid-tick.
	now := time.Now().UTC()
	if err := d.step(ctx, deal, now); err != nil {
		d.log.Warn("deal tick failed", "deal_id", deal.ID, "stage", deal.Stage, "error", err)
		if d.metrics != nil {
			d.metrics.DealTickErrors.Inc()
		}
	}
}

func (d *Driver) step(ctx context.Context, deal *ledger.Deal, now time.Time) error {
	if err := d.maybeEnterCollection(ctx, deal); err != nil {
		return fmt.Errorf("enter collection: %w", err)
	}
	if err := d.reconfirmSubmitted(ctx, deal); err != nil {
		return fmt.Errorf("reconfirm submitted: %w", err)
	}
	return d.stageAction(ctx, deal, now)
}

// maybeEnterCollection implements CREATED --both details filled--> COLLECTION:
// derives both escrow accounts and locks both sides' details before the
// stage transition, since details become immutable the moment collection
// begins.
func (d *Driver) maybeEnterCollection(ctx context.Context, deal *ledger.Deal) error {
	if deal.Stage != ledger.StageCreated || !deal.BothDetailsFilled() {
		return nil
	}

	for _, side := range []ledger.Side{ledger.SideAlice, ledger.SideBob} {
		trade := deal.Trade(side)
		adapter, ok := d.registry.Get(trade.ChainID)
		if !ok {
			return fmt.Errorf("no chain adapter for %s", trade.ChainID)
		}
		ref, err := adapter.GenerateEscrowAccount(ctx, trade.Asset, deal.ID, string(side))
		if err != nil {
			return fmt.Errorf("generate escrow for %s: %w", side, err)
		}
		if err := d.ledger.SetEscrow(deal.ID, side, ledger.Escrow{ChainID: trade.ChainID, Address: ref.Address, KeyRef: ref.KeyRef}); err != nil {
			return fmt.Errorf("set escrow for %s: %w", side, err)
		}
		if err := d.ledger.LockPartyDetails(deal.ID, side); err != nil {
			return fmt.Errorf("lock details for %s: %w", side, err)
		}
	}

	if err := d.ledger.SetStage(deal.ID, ledger.StageCollection); err != nil {
		return err
	}
	deal.Stage = ledger.StageCollection
	return d.ledger.AppendEvent(deal.ID, "entered COLLECTION")
}

// reconfirmSubmitted advances every SUBMITTED item for this deal:
// confirmed items complete, reorged items revert to PENDING with their
// nonce preserved.
func (d *Driver) reconfirmSubmitted(ctx context.Context, deal *ledger.Deal) error {
	items, err := d.ledger.SubmittedItemsForReconfirm(deal.ID)
	if err != nil {
		return fmt.Errorf("submitted items: %w", err)
	}

	for _, item := range items {
		if item.SubmittedTx == nil {
			continue
		}
		adapter, ok := d.registry.Get(item.ChainID)
		if !ok {
			d.log.Warn("no adapter for submitted item", "deal_id", deal.ID, "chain_id", item.ChainID)
			continue
		}

		confirms, err := adapter.GetTxConfirmations(ctx, item.SubmittedTx.TxID)
		if err != nil {
			d.log.Warn("get tx confirmations failed", "deal_id", deal.ID, "txid", item.SubmittedTx.TxID, "error", err)
			continue
		}

		switch {
		case confirms == -1:
			if err := d.ledger.RevertToPending(item.ID); err != nil {
				d.log.Warn("revert to pending failed", "item_id", item.ID, "error", err)
				continue
			}
			if d.metrics != nil {
				d.metrics.ReorgsDetected.WithLabelValues(item.ChainID).Inc()
			}
			d.log.Info("outbound tx reorged, reverted to pending", "deal_id", deal.ID, "item_id", item.ID, "txid", item.SubmittedTx.TxID)
		case confirms >= d.policy.FinalityConfirms(item.ChainID):
			if err := d.ledger.MarkCompleted(item.ID); err != nil {
				d.log.Warn("mark completed failed", "item_id", item.ID, "error", err)
				continue
			}
			if nonce, ok := parseNonce(item.SubmittedTx.NonceOrInputs); ok {
				if err := d.ledger.ConfirmNonce(item.ChainID, item.From, nonce); err != nil {
					d.log.Warn("confirm nonce failed", "item_id", item.ID, "error", err)
				}
			}
		}
	}
	return nil
}

func parseNonce(nonceOrInputs string) (int64, bool) {
	n, err := strconv.ParseInt(nonceOrInputs, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *Driver) stageAction(ctx context.Context, deal *ledger.Deal, now time.Time) error {
	switch deal.Stage {
	case ledger.StageCollection:
		return d.actCollection(ctx, deal, now)
	case ledger.StageWaiting:
		return d.actWaiting(ctx, deal)
	case ledger.StageSwap:
		return d.actSwap(deal)
	case ledger.StageReverted:
		return d.actReverted(deal)
	case ledger.StageClosed:
		return d.actClosed(ctx, deal)
	}
	return nil
}

// sideLock is one side's evaluated lock state for the current tick.
type sideLock struct {
	side             ledger.Side
	snapshot         depositwatcher.Snapshot
	result           lockeval.Result
	escrow           *ledger.Escrow
	commissionAsset  string
	commissionAmount money.Decimal
}

func (d *Driver) evaluateSide(ctx context.Context, deal *ledger.Deal, side ledger.Side, minConfirms int64, deadline time.Time) (sideLock, error) {
	trade := deal.Trade(side)
	escrow := deal.EscrowFor(side)
	if escrow == nil {
		return sideLock{}, fmt.Errorf("side %s has no escrow yet", side)
	}

	tradeAmt, err := money.Parse(trade.Amount)
	if err != nil {
		return sideLock{}, fmt.Errorf("parse trade amount: %w", err)
	}

	commAsset, commAmt, err := d.commissionFor(ctx, trade.ChainID, side, deal, tradeAmt)
	if err != nil {
		return sideLock{}, fmt.Errorf("commission for %s: %w", side, err)
	}

	snap, err := d.watcher.Poll(ctx, depositwatcher.Target{
		DealID: deal.ID, ChainID: trade.ChainID, Address: escrow.Address,
		Asset: trade.Asset, MinConfirms: minConfirms, Deadline: deadline,
	})
	if err != nil {
		return sideLock{}, fmt.Errorf("poll trade deposits: %w", err)
	}

	lockDeposits := depositsToLockeval(snap.Deposits)

	// A commission quoted in a different asset than the trade (e.g. a
	// FIXED_USD_NATIVE commission against an ERC20 trade) needs its own
	// poll against the same escrow address.
	if commAsset != trade.Asset {
		commSnap, err := d.watcher.Poll(ctx, depositwatcher.Target{
			DealID: deal.ID, ChainID: trade.ChainID, Address: escrow.Address,
			Asset: commAsset, MinConfirms: minConfirms, Deadline: deadline,
		})
		if err != nil {
			d.log.Warn("poll commission-asset deposits failed", "deal_id", deal.ID, "side", side, "error", err)
		} else {
			lockDeposits = append(lockDeposits, depositsToLockeval(commSnap.Deposits)...)
		}
	}

	result := lockeval.Evaluate(lockeval.Input{
		EligibleDeposits: lockDeposits,
		TradeAsset:       trade.Asset,
		TradeAmount:      tradeAmt,
		CommissionAsset:  commAsset,
		CommissionAmount: commAmt,
	})

	return sideLock{
		side: side, snapshot: snap, result: result, escrow: escrow,
		commissionAsset: commAsset, commissionAmount: commAmt,
	}, nil
}

func depositsToLockeval(deposits []ledger.Deposit) []lockeval.Deposit {
	var out []lockeval.Deposit
	for _, dep := range deposits {
		amt, err := money.Parse(dep.Amount)
		if err != nil {
			continue
		}
		out = append(out, lockeval.Deposit{Asset: dep.Asset, Amount: amt})
	}
	return out
}

// commissionFor returns a side's commission asset and amount: the frozen
// value once the deal has passed through WAITING, otherwise a live
// computation against the configured mode.
func (d *Driver) commissionFor(ctx context.Context, chainID string, side ledger.Side, deal *ledger.Deal, tradeAmount money.Decimal) (string, money.Decimal, error) {
	c := deal.CommissionFor(side)
	asset := c.Asset
	if asset == "" {
		asset = deal.Trade(side).Asset
	}

	if c.Frozen {
		amt, err := money.Parse(c.Amount)
		if err != nil {
			return asset, money.Zero, fmt.Errorf("parse frozen commission: %w", err)
		}
		return asset, amt, nil
	}

	switch c.Mode {
	case ledger.CommissionFixedUSDNative:
		adapter, ok := d.registry.Get(chainID)
		if !ok {
			return asset, money.Zero, fmt.Errorf("no chain adapter for %s", chainID)
		}
		quote, err := adapter.QuoteNativeForUSD(ctx, d.policy.FixedUSDCommission())
		if err != nil {
			return asset, money.Zero, fmt.Errorf("quote commission: %w", err)
		}
		return asset, quote.NativeAmount, nil
	default: // CommissionPercentBPS
		bps := d.policy.CommissionBPS(chainID, asset)
		decimals := d.policy.Decimals(chainID, asset)
		return asset, tradeAmount.BPS(bps, decimals), nil
	}
}

func (d *Driver) actCollection(ctx context.Context, deal *ledger.Deal, now time.Time) error {
	alice, err := d.evaluateSide(ctx, deal, ledger.SideAlice, d.policy.CollectConfirms(deal.Alice.ChainID), deal.ExpiresAt)
	if err != nil {
		return err
	}
	bob, err := d.evaluateSide(ctx, deal, ledger.SideBob, d.policy.CollectConfirms(deal.Bob.ChainID), deal.ExpiresAt)
	if err != nil {
		return err
	}

	if alice.result.Locked && bob.result.Locked {
		return d.enterWaiting(deal, alice, bob)
	}

	// Safeguard: never revert when both sides are locked — already
	// excluded by the branch above, so any deadline below is only reached
	// when at least one side is not locked.
	if now.After(deal.ExpiresAt) {
		return d.enterReverted(deal, alice, bob)
	}
	return nil
}

// notifyStageChange records a (dealId, "stage_changed", stage) notification
// marker so an external relay (webhook, email, the statusapi WebSocket
// feed) can be driven off ledger state instead of an in-memory event
// stream, without ever re-delivering the same transition across a crash
// and restart.
func (d *Driver) notifyStageChange(dealID string, stage ledger.Stage) {
	if _, err := d.ledger.RecordNotification(dealID, "stage_changed", string(stage)); err != nil {
		d.log.Warn("record notification failed", "deal_id", dealID, "stage", stage, "error", err)
	}
}

func (d *Driver) enterWaiting(deal *ledger.Deal, alice, bob sideLock) error {
	if err := d.ledger.FreezeCommission(deal.ID, ledger.SideAlice, alice.commissionAmount.String()); err != nil {
		return fmt.Errorf("freeze commission alice: %w", err)
	}
	if err := d.ledger.FreezeCommission(deal.ID, ledger.SideBob, bob.commissionAmount.String()); err != nil {
		return fmt.Errorf("freeze commission bob: %w", err)
	}
	if err := d.ledger.SetStage(deal.ID, ledger.StageWaiting); err != nil {
		return fmt.Errorf("enter waiting: %w", err)
	}
	d.notifyStageChange(deal.ID, ledger.StageWaiting)
	return d.ledger.AppendEvent(deal.ID, "entered WAITING, commissions frozen")
}

func (d *Driver) enterReverted(deal *ledger.Deal, alice, bob sideLock) error {
	if err := d.ledger.SetStage(deal.ID, ledger.StageReverted); err != nil {
		return fmt.Errorf("enter reverted: %w", err)
	}
	for _, sl := range []sideLock{alice, bob} {
		payback := ""
		if pd := deal.Details(sl.side); pd != nil {
			payback = pd.PaybackAddress
		}
		items := planner.RefundPlan(deal.ID, sl.escrow.ChainID, sl.escrow.Address, payback, sl.snapshot.Deposits)
		if err := d.enqueueAll(items); err != nil {
			return err
		}
	}
	d.notifyStageChange(deal.ID, ledger.StageReverted)
	return d.ledger.AppendEvent(deal.ID, "entered REVERTED, refunds enqueued")
}

func (d *Driver) actWaiting(ctx context.Context, deal *ledger.Deal) error {
	alice, err := d.evaluateSide(ctx, deal, ledger.SideAlice, d.policy.FinalityConfirms(deal.Alice.ChainID), deal.ExpiresAt)
	if err != nil {
		return err
	}
	bob, err := d.evaluateSide(ctx, deal, ledger.SideBob, d.policy.FinalityConfirms(deal.Bob.ChainID), deal.ExpiresAt)
	if err != nil {
		return err
	}

	if alice.result.Locked && bob.result.Locked {
		return d.enterSwap(deal, alice, bob)
	}

	if err := d.ledger.SetStage(deal.ID, ledger.StageCollection); err != nil {
		return fmt.Errorf("revert to collection: %w", err)
	}
	for _, phase := range []ledger.Phase{ledger.Phase1Swap, ledger.Phase2Commission, ledger.Phase3Refund} {
		if err := d.ledger.DropPendingInPhase(deal.ID, phase); err != nil {
			return fmt.Errorf("drop pending queue items on revert: %w", err)
		}
	}
	return d.ledger.AppendEvent(deal.ID, "reorg dropped a lock, reverted WAITING to COLLECTION")
}

func (d *Driver) enterSwap(deal *ledger.Deal, alice, bob sideLock) error {
	if err := d.ledger.SetStage(deal.ID, ledger.StageSwap); err != nil {
		return fmt.Errorf("enter swap: %w", err)
	}

	aliceDetails := deal.Details(ledger.SideAlice)
	bobDetails := deal.Details(ledger.SideBob)

	plans := []struct {
		sl        sideLock
		recipient string
		payback   string
	}{
		{alice, bobDetails.RecipientAddress, aliceDetails.PaybackAddress},
		{bob, aliceDetails.RecipientAddress, bobDetails.PaybackAddress},
	}

	for _, p := range plans {
		trade := deal.Trade(p.sl.side)
		tradeAmt, err := money.Parse(trade.Amount)
		if err != nil {
			return fmt.Errorf("parse trade amount: %w", err)
		}
		items := planner.SwapPlan(deal.ID, planner.SideInput{
			Side:                  p.sl.side,
			EscrowChainID:         p.sl.escrow.ChainID,
			EscrowAddress:         p.sl.escrow.Address,
			Asset:                 trade.Asset,
			Deposited:             p.sl.result.Deposited,
			Trade:                 tradeAmt,
			Commission:            p.sl.commissionAmount,
			OperatorAddress:       d.policy.OperatorAddress(p.sl.escrow.ChainID, p.sl.commissionAsset),
			CounterpartyRecipient: p.recipient,
			PaybackAddress:        p.payback,
		})
		// planner.SwapPlan tags every item with the trade asset; when the
		// commission was quoted in a different asset, the OP_COMMISSION
		// leg must carry that asset instead.
		if p.sl.commissionAsset != trade.Asset {
			for _, item := range items {
				if item.Purpose == ledger.PurposeOpCommission {
					item.Asset = p.sl.commissionAsset
				}
			}
		}
		if err := d.enqueueAll(items); err != nil {
			return err
		}
	}
	d.notifyStageChange(deal.ID, ledger.StageSwap)
	return d.ledger.AppendEvent(deal.ID, "entered SWAP, distribution enqueued")
}

func (d *Driver) actSwap(deal *ledger.Deal) error {
	items, err := d.ledger.DealQueueItems(deal.ID)
	if err != nil {
		return fmt.Errorf("deal queue items: %w", err)
	}
	if !allComplete(items, ledger.PurposeSwapPayout, ledger.PurposeOpCommission) {
		return nil
	}
	if err := d.ledger.SetStage(deal.ID, ledger.StageClosed); err != nil {
		return fmt.Errorf("close after swap: %w", err)
	}
	d.notifyStageChange(deal.ID, ledger.StageClosed)
	return d.ledger.AppendEvent(deal.ID, "swap complete, CLOSED")
}

func (d *Driver) actReverted(deal *ledger.Deal) error {
	items, err := d.ledger.DealQueueItems(deal.ID)
	if err != nil {
		return fmt.Errorf("deal queue items: %w", err)
	}
	if !allComplete(items, ledger.PurposeTimeoutRefund) {
		return nil
	}
	if err := d.ledger.SetStage(deal.ID, ledger.StageClosed); err != nil {
		return fmt.Errorf("close after revert: %w", err)
	}
	d.notifyStageChange(deal.ID, ledger.StageClosed)
	return d.ledger.AppendEvent(deal.ID, "refunds complete, CLOSED")
}

// allComplete reports whether every item of the named purposes is
// COMPLETED, and whether at least one such item exists at all — an
// empty deal tick must never close a deal whose items haven't been
// enqueued yet.
func allComplete(items []*ledger.QueueItem, purposes ...ledger.Purpose) bool {
	want := make(map[ledger.Purpose]bool, len(purposes))
	for _, p := range purposes {
		want[p] = true
	}
	found := false
	for _, it := range items {
		if !want[it.Purpose] {
			continue
		}
		found = true
		if it.Status != ledger.QueueStatusCompleted {
			return false
		}
	}
	return found
}

// actClosed implements the CLOSED self-loop: a deposit observed after
// closing (late arrival, operator duplicate) is returned via a fresh
// POST_CLOSE_REFUND rather than left stranded, with no stage change.
func (d *Driver) actClosed(ctx context.Context, deal *ledger.Deal) error {
	for _, side := range []ledger.Side{ledger.SideAlice, ledger.SideBob} {
		if err := d.refundPostCloseSurplus(ctx, deal, side); err != nil {
			d.log.Warn("post-close refund check failed", "deal_id", deal.ID, "side", side, "error", err)
		}
	}
	return nil
}

func (d *Driver) refundPostCloseSurplus(ctx context.Context, deal *ledger.Deal, side ledger.Side) error {
	escrow := deal.EscrowFor(side)
	if escrow == nil {
		return nil
	}
	trade := deal.Trade(side)

	snap, err := d.watcher.Poll(ctx, depositwatcher.Target{
		DealID: deal.ID, ChainID: trade.ChainID, Address: escrow.Address,
		Asset: trade.Asset, MinConfirms: d.policy.FinalityConfirms(trade.ChainID),
		Deadline: time.Now().UTC().AddDate(10, 0, 0), // terminal stage: no deadline cutoff
	})
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	items, err := d.ledger.DealQueueItems(deal.ID)
	if err != nil {
		return fmt.Errorf("deal queue items: %w", err)
	}

	consumed, refunded := money.Zero, money.Zero
	for _, it := range items {
		if it.From != escrow.Address || it.Asset != trade.Asset {
			continue
		}
		amt, err := money.Parse(it.Amount)
		if err != nil {
			continue
		}
		if it.Purpose == ledger.PurposePostCloseRefund {
			refunded = refunded.Add(amt)
		} else {
			consumed = consumed.Add(amt)
		}
	}

	extra := snap.Total.Sub(consumed).Sub(refunded)
	payback := ""
	if pd := deal.Details(side); pd != nil {
		payback = pd.PaybackAddress
	}
	item := planner.PostCloseRefundPlan(deal.ID, trade.ChainID, escrow.Address, payback, trade.Asset, extra)
	if item == nil {
		return nil
	}
	if err := d.ledger.Enqueue(item); err != nil && !errors.Is(err, ledger.ErrConflictingOperation) {
		return fmt.Errorf("enqueue post-close refund: %w", err)
	}
	d.log.Info("post-close refund enqueued", "deal_id", deal.ID, "side", side, "amount", extra.String())
	return nil
}

func (d *Driver) enqueueAll(items []*ledger.QueueItem) error {
	for _, item := range items {
		if err := d.ledger.Enqueue(item); err != nil && !errors.Is(err, ledger.ErrConflictingOperation) {
			return fmt.Errorf("enqueue %s: %w", item.Purpose, err)
		}
	}
	return nil
}
