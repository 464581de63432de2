// Package lockeval computes whether a side of a deal has locked its
// required trade and commission amounts from a set of eligible deposits.
// It is a pure function: no I/O, no clock reads beyond what the caller
// passes in, so it can be tested with plain table-driven fixtures.
package lockeval

import "github.com/klingon-exchange/atomicbroker/internal/money"

// Input is everything LockEvaluator needs for one side of a deal.
// Deposits must already be filtered for eligibility (confirmations,
// orphan status, deadline) by the caller — see ledger.Deposit.Eligible.
type Input struct {
	EligibleDeposits []Deposit

	TradeAsset  string
	TradeAmount money.Decimal

	CommissionAsset  string
	CommissionAmount money.Decimal
}

// Deposit is the minimal shape LockEvaluator needs from a deposit: asset
// and amount. Confirmation/deadline filtering already happened upstream.
type Deposit struct {
	Asset  string
	Amount money.Decimal
}

// Result is the computed lock state for one side.
type Result struct {
	Deposited        money.Decimal // total in TradeAsset
	TradeLocked      bool
	CommissionLocked bool
	Locked           bool // both trade and commission locked
	Surplus          money.Decimal
}

// Evaluate computes TradeLocked, CommissionLocked, and Surplus.
// Commission is evaluated against the surplus above trade when it shares
// the trade's asset (the common case); when it differs
// (e.g. a FIXED_USD_NATIVE commission quoted in the chain's native asset
// against an ERC20 trade) it is evaluated against deposits in its own
// asset instead, and Surplus only reflects the trade asset.
func Evaluate(in Input) Result {
	var tradeTotal money.Decimal
	var commissionTotal money.Decimal
	sameAsset := in.TradeAsset == in.CommissionAsset

	for _, d := range in.EligibleDeposits {
		if d.Asset == in.TradeAsset {
			tradeTotal = tradeTotal.Add(d.Amount)
		}
		if !sameAsset && d.Asset == in.CommissionAsset {
			commissionTotal = commissionTotal.Add(d.Amount)
		}
	}

	res := Result{Deposited: tradeTotal}
	res.TradeLocked = tradeTotal.GreaterThanOrEqual(in.TradeAmount)

	if sameAsset {
		surplus := tradeTotal.Sub(in.TradeAmount)
		res.CommissionLocked = surplus.GreaterThanOrEqual(in.CommissionAmount)
		if res.TradeLocked {
			res.Surplus = surplus.Sub(in.CommissionAmount)
			if res.Surplus.IsNegative() {
				res.Surplus = money.Zero
			}
		}
	} else {
		res.CommissionLocked = commissionTotal.GreaterThanOrEqual(in.CommissionAmount)
		if res.TradeLocked {
			res.Surplus = tradeTotal.Sub(in.TradeAmount)
		}
	}

	res.Locked = res.TradeLocked && res.CommissionLocked
	return res
}
