package planner

import (
	"testing"

	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/money"
)

func TestSwapPlanHappyPath(t *testing.T) {
	in := SideInput{
		Side: ledger.SideAlice, EscrowChainID: "ethereum", EscrowAddress: "0xEscrowA", Asset: "ETH",
		Deposited: money.MustParse("1.0030"), Trade: money.MustParse("1.0"), Commission: money.MustParse("0.0030"),
		OperatorAddress: "0xOperator", CounterpartyRecipient: "0xBobRecipient", PaybackAddress: "0xAlicePayback",
	}
	items := SwapPlan("deal-1", in)
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2 (payout + commission, no surplus)", len(items))
	}
	if items[0].Purpose != ledger.PurposeSwapPayout || items[0].Amount != "1" || items[0].To != "0xBobRecipient" {
		t.Errorf("payout item = %+v", items[0])
	}
	if items[1].Purpose != ledger.PurposeOpCommission || items[1].Amount != "0.003" || items[1].To != "0xOperator" {
		t.Errorf("commission item = %+v", items[1])
	}
}

func TestSwapPlanWithSurplus(t *testing.T) {
	in := SideInput{
		EscrowChainID: "unicity", EscrowAddress: "0xEscrowB", Asset: "ALPHA",
		Deposited: money.MustParse("105"), Trade: money.MustParse("100"), Commission: money.MustParse("0.3"),
		OperatorAddress: "0xOperator", CounterpartyRecipient: "0xAliceRecipient", PaybackAddress: "0xBobPayback",
	}
	items := SwapPlan("deal-2", in)
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[2].Purpose != ledger.PurposePostCloseRefund || items[2].Amount != "4.7" || items[2].To != "0xBobPayback" {
		t.Errorf("surplus item = %+v", items[2])
	}
}

func TestRefundPlanSkipsOrphaned(t *testing.T) {
	deposits := []ledger.Deposit{
		{TxID: "t1", Asset: "ETH", Amount: "1.0030"},
		{TxID: "t2", Asset: "ETH", Amount: "0.5", Orphaned: true},
	}
	items := RefundPlan("deal-3", "ethereum", "0xEscrowA", "0xAlicePayback", deposits)
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 (orphaned deposit excluded)", len(items))
	}
	if items[0].Amount != "1.0030" || items[0].Purpose != ledger.PurposeTimeoutRefund {
		t.Errorf("refund item = %+v", items[0])
	}
}

func TestPostCloseRefundPlanZeroExtraIsNil(t *testing.T) {
	if got := PostCloseRefundPlan("deal-4", "unicity", "0xEscrowB", "0xBobPayback", "ALPHA", money.Zero); got != nil {
		t.Fatalf("expected nil for zero extra, got %+v", got)
	}
	got := PostCloseRefundPlan("deal-4", "unicity", "0xEscrowB", "0xBobPayback", "ALPHA", money.MustParse("5"))
	if got == nil || got.Amount != "5" || got.Purpose != ledger.PurposePostCloseRefund {
		t.Fatalf("got = %+v", got)
	}
}
