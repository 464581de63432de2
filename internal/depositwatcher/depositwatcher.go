// Package depositwatcher polls a deal's escrow addresses for confirmed
// inbound transfers and folds the result into the ledger. It never
// blocks the deal tick on a chain adapter's availability: a polling
// error falls back to whatever the ledger already has recorded.
package depositwatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/money"
	"github.com/klingon-exchange/atomicbroker/pkg/logging"
	"github.com/klingon-exchange/atomicbroker/pkg/metrics"
)

// Watcher polls chain adapters and records what it finds in the ledger.
type Watcher struct {
	ledger   *ledger.Ledger
	registry *chainadapter.Registry
	log      *logging.Logger
	metrics  *metrics.Registry
}

// New builds a Watcher over a ledger and the chain adapter registry used
// to resolve a deal's escrow chain at poll time.
func New(l *ledger.Ledger, registry *chainadapter.Registry) *Watcher {
	return &Watcher{
		ledger:   l,
		registry: registry,
		log:      logging.GetDefault().Component("depositwatcher"),
	}
}

// SetMetrics attaches a metrics registry. Safe to leave unset.
func (w *Watcher) SetMetrics(m *metrics.Registry) {
	w.metrics = m
}

// Target describes one escrow address to poll for one side of one deal.
type Target struct {
	DealID      string
	ChainID     string
	Address     string
	Asset       string
	MinConfirms int64
	Deadline    time.Time
}

// Snapshot is the eligible-deposit view the state machine consumes: every
// deposit the ledger currently holds for the target that meets minConfirms
// and was observed before the deadline, plus their decimal total.
type Snapshot struct {
	Deposits []ledger.Deposit
	Total    money.Decimal
}

// Poll refreshes the ledger's view of a target's deposits and returns the
// eligible subset. If the chain adapter errors or is unregistered, Poll
// logs and falls back to the ledger's previous snapshot rather than
// propagating the error — callers must never stall on a flaky adapter.
func (w *Watcher) Poll(ctx context.Context, t Target) (Snapshot, error) {
	adapter, ok := w.registry.Get(t.ChainID)
	if !ok {
		w.log.Warn("no chain adapter registered, falling back to ledger snapshot",
			"deal_id", t.DealID, "chain_id", t.ChainID)
		return w.snapshotFromLedger(t)
	}

	result, err := adapter.ListConfirmedDeposits(ctx, t.Asset, t.Address, t.MinConfirms, nil)
	if err != nil {
		w.log.Warn("chain adapter poll failed, falling back to ledger snapshot",
			"deal_id", t.DealID, "chain_id", t.ChainID, "address", t.Address, "error", err)
		return w.snapshotFromLedger(t)
	}

	for _, d := range result.Deposits {
		if d.Confirms < 0 {
			if err := w.ledger.MarkOrphaned(t.DealID, d.TxID, d.Index); err != nil {
				w.log.Warn("failed to mark deposit orphaned", "deal_id", t.DealID, "txid", d.TxID, "error", err)
			}
			if w.metrics != nil {
				w.metrics.ReorgsDetected.WithLabelValues(t.ChainID).Inc()
			}
			w.log.Info("deposit orphaned by reorg", "deal_id", t.DealID, "txid", d.TxID, "index", d.Index)
			continue
		}

		if w.metrics != nil {
			w.metrics.DepositsSeen.WithLabelValues(t.ChainID, d.Asset).Inc()
		}

		dep := ledger.Deposit{
			DealID:      t.DealID,
			TxID:        d.TxID,
			Index:       d.Index,
			ChainID:     t.ChainID,
			Address:     t.Address,
			Asset:       d.Asset,
			Amount:      d.Amount.String(),
			BlockHeight: blockHeightPtr(d.BlockHeight),
			Confirms:    d.Confirms,
		}
		if !d.BlockTime.IsZero() {
			bt := d.BlockTime
			dep.BlockTime = &bt
		}
		if err := w.ledger.UpsertDeposit(dep); err != nil {
			return Snapshot{}, fmt.Errorf("depositwatcher: upsert deposit: %w", err)
		}
	}

	return w.snapshotFromLedger(t)
}

// snapshotFromLedger reads the ledger directly, applying Eligible to every
// recorded deposit. It is both the fallback path on adapter failure and
// the normal path that follows a successful poll, since Poll always
// writes through the ledger before reading it back — the single source
// of truth the rest of the broker core consumes is the ledger, never the
// adapter's response in isolation.
func (w *Watcher) snapshotFromLedger(t Target) (Snapshot, error) {
	deposits, err := w.ledger.ListDeposits(t.DealID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("depositwatcher: list deposits: %w", err)
	}

	total := money.Zero
	var eligible []ledger.Deposit
	for _, d := range deposits {
		if d.Address != t.Address || d.Asset != t.Asset {
			continue
		}
		if !d.Eligible(t.MinConfirms, t.Deadline) {
			continue
		}
		amt, err := money.Parse(d.Amount)
		if err != nil {
			w.log.Warn("unparseable deposit amount", "deal_id", t.DealID, "txid", d.TxID, "amount", d.Amount, "error", err)
			continue
		}
		total = total.Add(amt)
		eligible = append(eligible, d)
	}

	return Snapshot{Deposits: eligible, Total: total}, nil
}

func blockHeightPtr(h int64) *int64 {
	if h == 0 {
		return nil
	}
	return &h
}
