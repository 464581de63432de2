// Package planner turns a deal's locked/deposited state into the set of
// outbound QueueItems that realize a swap, a timeout refund, or a
// post-close refund. Like lockeval, it is pure: given the same inputs it
// always produces the same plan, so the state machine can call it
// without I/O and the worker consumes what it enqueues.
package planner

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/money"
)

// SideInput is everything the planner needs for one side of a swap.
type SideInput struct {
	Side ledger.Side

	EscrowChainID string
	EscrowAddress string
	Asset         string

	Deposited  money.Decimal
	Trade      money.Decimal
	Commission money.Decimal

	OperatorAddress      string
	CounterpartyRecipient string
	PaybackAddress       string
}

// SwapPlan computes the up-to-three QueueItems for one side entering
// SWAP: payout, operator commission, and any surplus refund. Items are
// returned with Seq == 0 so Ledger.Enqueue assigns the next sequence
// number for that sender.
func SwapPlan(dealID string, in SideInput) []*ledger.QueueItem {
	surplus := in.Deposited.Sub(in.Trade).Sub(in.Commission)
	if surplus.IsNegative() {
		surplus = money.Zero
	}

	items := []*ledger.QueueItem{
		{
			ID: uuid.NewString(), DealID: dealID, ChainID: in.EscrowChainID,
			From: in.EscrowAddress, To: in.CounterpartyRecipient, Asset: in.Asset,
			Amount: in.Trade.String(), Purpose: ledger.PurposeSwapPayout, Phase: ledger.Phase1Swap,
		},
	}
	if in.Commission.IsPositive() {
		items = append(items, &ledger.QueueItem{
			ID: uuid.NewString(), DealID: dealID, ChainID: in.EscrowChainID,
			From: in.EscrowAddress, To: in.OperatorAddress, Asset: in.Asset,
			Amount: in.Commission.String(), Purpose: ledger.PurposeOpCommission, Phase: ledger.Phase2Commission,
		})
	}
	if surplus.IsPositive() {
		items = append(items, &ledger.QueueItem{
			ID: uuid.NewString(), DealID: dealID, ChainID: in.EscrowChainID,
			From: in.EscrowAddress, To: in.PaybackAddress, Asset: in.Asset,
			Amount: surplus.String(), Purpose: ledger.PurposePostCloseRefund, Phase: ledger.Phase3Refund,
		})
	}
	return items
}

// RefundPlan computes one TIMEOUT_REFUND per confirmed deposit on a side
// entering REVERTED: full amount, no commission levied.
func RefundPlan(dealID, escrowChainID, escrowAddress, paybackAddress string, deposits []ledger.Deposit) []*ledger.QueueItem {
	var items []*ledger.QueueItem
	for _, d := range deposits {
		if d.Orphaned {
			continue
		}
		items = append(items, &ledger.QueueItem{
			ID: uuid.NewString(), DealID: dealID, ChainID: escrowChainID,
			From: escrowAddress, To: paybackAddress, Asset: d.Asset, Amount: d.Amount,
			Purpose: ledger.PurposeTimeoutRefund, Phase: ledger.PhaseNone,
		})
	}
	return items
}

// PostCloseRefundPlan computes a single POST_CLOSE_REFUND for additional
// confirmed amount observed after a deal has already reached CLOSED.
// Never levies commission on late-observed amounts. Returns nil if extra
// is not strictly positive.
func PostCloseRefundPlan(dealID, escrowChainID, escrowAddress, paybackAddress, asset string, extra money.Decimal) *ledger.QueueItem {
	if !extra.IsPositive() {
		return nil
	}
	return &ledger.QueueItem{
		ID: uuid.NewString(), DealID: dealID, ChainID: escrowChainID,
		From: escrowAddress, To: paybackAddress, Asset: asset, Amount: extra.String(),
		Purpose: ledger.PurposePostCloseRefund, Phase: ledger.PhaseNone,
	}
}

// ValidateSideInput is a defensive check used by the state machine before
// planning: an escrow address must be set before any plan can reference
// it as a sender.
func ValidateSideInput(in SideInput) error {
	if in.EscrowAddress == "" {
		return fmt.Errorf("planner: escrow address required for side %s", in.Side)
	}
	return nil
}
