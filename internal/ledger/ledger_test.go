package ledger

import (
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleDeal(id string) *Deal {
	now := time.Now().UTC()
	return &Deal{
		ID:             id,
		Name:           "alice-bob-swap",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		TimeoutSeconds: 3600,
		Alice:          AssetAmount{ChainID: "ethereum", Asset: "ETH", Amount: "1.0"},
		Bob:            AssetAmount{ChainID: "unicity", Asset: "ALPHA", Amount: "100"},
	}
}

func TestCreateAndGetDeal(t *testing.T) {
	l := newTestLedger(t)
	d := sampleDeal("deal-1")
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	got, err := l.GetDeal("deal-1")
	if err != nil {
		t.Fatalf("GetDeal() error = %v", err)
	}
	if got.Stage != StageCreated {
		t.Errorf("Stage = %s, want CREATED", got.Stage)
	}
	if got.Alice.Amount != "1.0" {
		t.Errorf("Alice.Amount = %s, want 1.0", got.Alice.Amount)
	}

	if err := l.CreateDeal(d); err == nil {
		t.Fatal("expected ErrDealExists on duplicate create")
	}

	if _, err := l.GetDeal("nonexistent"); err != ErrDealNotFound {
		t.Errorf("GetDeal(nonexistent) error = %v, want ErrDealNotFound", err)
	}
}

func TestFillPartyDetailsThenLock(t *testing.T) {
	l := newTestLedger(t)
	d := sampleDeal("deal-2")
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	details := PartyDetails{PaybackAddress: "0xAlicePayback", RecipientAddress: "0xAliceRecipient"}
	if err := l.FillPartyDetails("deal-2", SideAlice, details); err != nil {
		t.Fatalf("FillPartyDetails() error = %v", err)
	}

	got, err := l.GetDeal("deal-2")
	if err != nil {
		t.Fatalf("GetDeal() error = %v", err)
	}
	if got.AliceDetails == nil || got.AliceDetails.PaybackAddress != "0xAlicePayback" {
		t.Fatalf("AliceDetails = %+v", got.AliceDetails)
	}
	if got.BobDetails != nil {
		t.Fatalf("BobDetails should still be nil")
	}

	if err := l.LockPartyDetails("deal-2", SideAlice); err != nil {
		t.Fatalf("LockPartyDetails() error = %v", err)
	}

	err = l.FillPartyDetails("deal-2", SideAlice, PartyDetails{PaybackAddress: "changed"})
	if err == nil {
		t.Fatal("expected ErrDetailsLocked after lock")
	}
}

func TestUpsertDepositIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	d := sampleDeal("deal-3")
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	height := int64(100)
	bt := time.Now().UTC().Add(-time.Minute)
	dep := Deposit{
		DealID: "deal-3", TxID: "tx1", Index: 0, ChainID: "ethereum", Address: "0xEscrow",
		Asset: "ETH", Amount: "1.0030", BlockHeight: &height, BlockTime: &bt, Confirms: 3,
	}
	if err := l.UpsertDeposit(dep); err != nil {
		t.Fatalf("UpsertDeposit() error = %v", err)
	}
	if err := l.UpsertDeposit(dep); err != nil {
		t.Fatalf("UpsertDeposit() (repeat) error = %v", err)
	}

	deps, err := l.ListDeposits("deal-3")
	if err != nil {
		t.Fatalf("ListDeposits() error = %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("len(deposits) = %d, want 1 (idempotent upsert)", len(deps))
	}

	dep.Confirms = 12
	if err := l.UpsertDeposit(dep); err != nil {
		t.Fatalf("UpsertDeposit() (update) error = %v", err)
	}
	deps, err = l.ListDeposits("deal-3")
	if err != nil {
		t.Fatalf("ListDeposits() error = %v", err)
	}
	if len(deps) != 1 || deps[0].Confirms != 12 {
		t.Fatalf("deposit not updated in place: %+v", deps)
	}
}

func TestEnqueueSeqOrderingAndConflictSafeguards(t *testing.T) {
	l := newTestLedger(t)
	d := sampleDeal("deal-4")
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	payout := &QueueItem{
		ID: "item-payout", DealID: "deal-4", ChainID: "ethereum", From: "0xEscrowA",
		To: "0xBobRecipient", Asset: "ETH", Amount: "1.0", Purpose: PurposeSwapPayout, Phase: Phase1Swap,
	}
	if err := l.Enqueue(payout); err != nil {
		t.Fatalf("Enqueue(payout) error = %v", err)
	}
	if payout.Seq != 1 {
		t.Errorf("payout.Seq = %d, want 1", payout.Seq)
	}

	commission := &QueueItem{
		ID: "item-commission", DealID: "deal-4", ChainID: "ethereum", From: "0xEscrowA",
		To: "0xOperator", Asset: "ETH", Amount: "0.003", Purpose: PurposeOpCommission, Phase: Phase2Commission,
	}
	if err := l.Enqueue(commission); err != nil {
		t.Fatalf("Enqueue(commission) error = %v", err)
	}
	if commission.Seq != 2 {
		t.Errorf("commission.Seq = %d, want 2", commission.Seq)
	}

	// Refund conflicts with the still-pending swap payout for the same sender/asset.
	refund := &QueueItem{
		ID: "item-refund", DealID: "deal-4", ChainID: "ethereum", From: "0xEscrowA",
		To: "0xAlicePayback", Asset: "ETH", Amount: "1.0", Purpose: PurposeTimeoutRefund,
	}
	if err := l.Enqueue(refund); err == nil {
		t.Fatal("expected ErrConflictingOperation enqueuing refund over pending swap payout")
	}

	// Phase barrier: commission is not dispatchable until the swap payout completes.
	next, err := l.NextPending("deal-4", "ethereum", "0xEscrowA")
	if err != nil {
		t.Fatalf("NextPending() error = %v", err)
	}
	if next == nil || next.ID != "item-payout" {
		t.Fatalf("NextPending() = %+v, want item-payout", next)
	}

	if err := l.MarkSubmitted("item-payout", SubmittedTx{TxID: "0xabc", SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("MarkSubmitted() error = %v", err)
	}
	if err := l.MarkCompleted("item-payout"); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	next, err = l.NextPending("deal-4", "ethereum", "0xEscrowA")
	if err != nil {
		t.Fatalf("NextPending() error = %v", err)
	}
	if next == nil || next.ID != "item-commission" {
		t.Fatalf("NextPending() = %+v, want item-commission now phase 1 is complete", next)
	}
}

func TestReserveNonceContiguous(t *testing.T) {
	l := newTestLedger(t)

	n1, err := l.ReserveNonce("ethereum", "0xEscrowA", nil)
	if err != nil {
		t.Fatalf("ReserveNonce() error = %v", err)
	}
	if n1 != 0 {
		t.Errorf("first nonce = %d, want 0", n1)
	}

	n2, err := l.ReserveNonce("ethereum", "0xEscrowA", nil)
	if err != nil {
		t.Fatalf("ReserveNonce() error = %v", err)
	}
	if n2 != n1+1 {
		t.Errorf("second nonce = %d, want %d", n2, n1+1)
	}

	seeded := int64(50)
	n3, err := l.ReserveNonce("ethereum", "0xEscrowB", &seeded)
	if err != nil {
		t.Fatalf("ReserveNonce() error = %v", err)
	}
	if n3 != 50 {
		t.Errorf("seeded nonce = %d, want 50", n3)
	}
}

func TestAcquireLeaseMutualExclusion(t *testing.T) {
	l := newTestLedger(t)

	ok, err := l.AcquireLease("deal-5", "worker-a", 90*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !ok {
		t.Fatal("expected worker-a to acquire uncontended lease")
	}

	ok, err = l.AcquireLease("deal-5", "worker-b", 90*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if ok {
		t.Fatal("expected worker-b to be denied a live lease held by worker-a")
	}

	// Re-entrant renewal by the same owner succeeds even before expiry.
	ok, err = l.AcquireLease("deal-5", "worker-a", 90*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease() renewal error = %v", err)
	}
	if !ok {
		t.Fatal("expected worker-a to renew its own lease")
	}

	if err := l.ReleaseLease("deal-5", "worker-a"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	ok, err = l.AcquireLease("deal-5", "worker-b", 90*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if !ok {
		t.Fatal("expected worker-b to acquire lease after release")
	}
}

func TestCheckNonceIntegrityDetectsGap(t *testing.T) {
	l := newTestLedger(t)
	d := sampleDeal("deal-6")
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	n0 := int64(0)
	n2 := int64(2)
	mkItem := func(id string, nonce *int64) *QueueItem {
		item := &QueueItem{
			ID: id, DealID: "deal-6", ChainID: "ethereum", From: "0xEscrowA",
			To: "0xSomewhere", Asset: "ETH", Amount: "0.1", Purpose: PurposeGasFund,
		}
		if err := l.Enqueue(item); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
		_, err := l.db.Exec(`UPDATE queue_items SET original_nonce = ? WHERE id = ?`, nonce, id)
		if err != nil {
			t.Fatalf("set original_nonce: %v", err)
		}
		return item
	}

	mkItem("item-a", &n0)
	mkItem("item-b", &n2) // gap at nonce 1

	if err := l.CheckNonceIntegrity("ethereum", "0xEscrowA"); err == nil {
		t.Fatal("expected ErrNonceInvariant for a nonce gap")
	}
}
