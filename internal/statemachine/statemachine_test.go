package statemachine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/klingon-exchange/atomicbroker/internal/chainadapter"
	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/lease"
	"github.com/klingon-exchange/atomicbroker/internal/money"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(&ledger.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// fakeChainAdapter is a small in-memory stand-in for the capability
// interface, the same role fakeadapter plays at the package's own tests.
type fakeChainAdapter struct {
	chainID      string
	nextEscrow   int
	utxos        map[string][]chainadapter.ConfirmedDeposit
	confirmsByTx map[string]int64
}

func newFakeChainAdapter(chainID string) *fakeChainAdapter {
	return &fakeChainAdapter{
		chainID:      chainID,
		utxos:        make(map[string][]chainadapter.ConfirmedDeposit),
		confirmsByTx: make(map[string]int64),
	}
}

func (f *fakeChainAdapter) ChainID() string { return f.chainID }

func (f *fakeChainAdapter) GenerateEscrowAccount(ctx context.Context, asset, dealID, party string) (chainadapter.EscrowAccountRef, error) {
	f.nextEscrow++
	return chainadapter.EscrowAccountRef{Address: fmt.Sprintf("escrow-%s-%s-%s", dealID, party, asset), KeyRef: fmt.Sprintf("ref-%d", f.nextEscrow)}, nil
}

func (f *fakeChainAdapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, since *time.Time) (chainadapter.DepositSnapshot, error) {
	var out []chainadapter.ConfirmedDeposit
	total := money.Zero
	for _, d := range f.utxos[address] {
		if d.Asset != asset {
			continue
		}
		// A negative confirms count is the orphan signal and must always
		// reach the watcher, regardless of minConfirms, so it is never
		// silently dropped by this filter.
		if d.Confirms < 0 {
			out = append(out, d)
			continue
		}
		if d.Confirms < minConfirms {
			continue
		}
		out = append(out, d)
		total = total.Add(d.Amount)
	}
	return chainadapter.DepositSnapshot{Deposits: out, TotalConfirmed: total}, nil
}

// reorg replaces a previously recorded deposit with an orphan marker
// (confirms = -1), simulating a chain reorg that drops the block the
// deposit was mined in.
func (f *fakeChainAdapter) reorg(address, txid string) {
	for i, d := range f.utxos[address] {
		if d.TxID == txid {
			f.utxos[address][i].Confirms = -1
		}
	}
}

func (f *fakeChainAdapter) Send(ctx context.Context, asset, from, to string, amount money.Decimal, opts chainadapter.SendOptions) (chainadapter.SubmittedTx, error) {
	return chainadapter.SubmittedTx{TxID: "tx-" + from + "-" + to, SubmittedAt: time.Now().UTC()}, nil
}

func (f *fakeChainAdapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	return f.confirmsByTx[txid], nil
}

func (f *fakeChainAdapter) CheckExistingTransfer(ctx context.Context, from, to, asset string, amount money.Decimal) (*chainadapter.ExistingTransfer, error) {
	return nil, nil
}

func (f *fakeChainAdapter) EnsureFeeBudget(ctx context.Context, from, asset, intent string, minNative money.Decimal) (bool, error) {
	return true, nil
}

func (f *fakeChainAdapter) QuoteNativeForUSD(ctx context.Context, usd money.Decimal) (chainadapter.PriceQuote, error) {
	return chainadapter.PriceQuote{}, fmt.Errorf("no price source configured")
}

func (f *fakeChainAdapter) deposit(address, asset, txid string, amount money.Decimal, confirms int64) {
	f.utxos[address] = append(f.utxos[address], chainadapter.ConfirmedDeposit{
		TxID: txid, Asset: asset, Amount: amount, Confirms: confirms, BlockTime: time.Now().UTC().Add(-time.Minute),
	})
}

// fakePolicy is a minimal Policy with the same numbers across every
// chain, enough to exercise stage transitions deterministically.
type fakePolicy struct {
	collect  int64
	finality int64
	bps      int64
	decimals int32
	operator string
}

func (p fakePolicy) CollectConfirms(chainID string) int64  { return p.collect }
func (p fakePolicy) FinalityConfirms(chainID string) int64 { return p.finality }
func (p fakePolicy) CommissionBPS(chainID, asset string) int64 { return p.bps }
func (p fakePolicy) FixedUSDCommission() money.Decimal      { return money.Zero }
func (p fakePolicy) OperatorAddress(chainID, asset string) string { return p.operator }
func (p fakePolicy) Decimals(chainID, asset string) int32   { return p.decimals }

func newTestDriver(t *testing.T, l *ledger.Ledger, registry *chainadapter.Registry, policy Policy) *Driver {
	t.Helper()
	mgr := lease.NewManager(l, lease.RealClock{}, time.Minute)
	return NewDriver(l, registry, mgr, policy)
}

func baseDeal(id string, timeout time.Duration) *ledger.Deal {
	now := time.Now().UTC()
	return &ledger.Deal{
		ID: id, Name: "test-deal", CreatedAt: now, ExpiresAt: now.Add(timeout), TimeoutSeconds: int64(timeout.Seconds()),
		Alice: ledger.AssetAmount{ChainID: "ethereum", Asset: "ETH", Amount: "1.0"},
		Bob:   ledger.AssetAmount{ChainID: "bitcoin", Asset: "BTC", Amount: "0.05"},
		AliceCommission: ledger.Commission{Mode: ledger.CommissionPercentBPS},
		BobCommission:   ledger.Commission{Mode: ledger.CommissionPercentBPS},
	}
}

func TestMaybeEnterCollectionGeneratesEscrowsAndLocksDetails(t *testing.T) {
	l := newTestLedger(t)
	d := baseDeal("deal-1", time.Hour)
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := l.FillPartyDetails("deal-1", ledger.SideAlice, ledger.PartyDetails{PaybackAddress: "alice-payback", RecipientAddress: "alice-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails alice: %v", err)
	}
	if err := l.FillPartyDetails("deal-1", ledger.SideBob, ledger.PartyDetails{PaybackAddress: "bob-payback", RecipientAddress: "bob-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails bob: %v", err)
	}

	registry := chainadapter.NewRegistry()
	registry.Register("ethereum", newFakeChainAdapter("ethereum"))
	registry.Register("bitcoin", newFakeChainAdapter("bitcoin"))
	driver := newTestDriver(t, l, registry, fakePolicy{collect: 1, finality: 3, bps: 100, decimals: 8, operator: "op-addr"})

	if err := driver.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got, err := l.GetDeal("deal-1")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if got.Stage != ledger.StageCollection {
		t.Fatalf("Stage = %s, want COLLECTION", got.Stage)
	}
	if got.EscrowA == nil || got.EscrowA.Address == "" {
		t.Error("expected alice escrow to be generated")
	}
	if got.EscrowB == nil || got.EscrowB.Address == "" {
		t.Error("expected bob escrow to be generated")
	}
}

func TestFullHappyPathSwapFlow(t *testing.T) {
	l := newTestLedger(t)
	d := baseDeal("deal-2", time.Hour)
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := l.FillPartyDetails("deal-2", ledger.SideAlice, ledger.PartyDetails{PaybackAddress: "alice-payback", RecipientAddress: "alice-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails alice: %v", err)
	}
	if err := l.FillPartyDetails("deal-2", ledger.SideBob, ledger.PartyDetails{PaybackAddress: "bob-payback", RecipientAddress: "bob-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails bob: %v", err)
	}

	ethAdapter := newFakeChainAdapter("ethereum")
	btcAdapter := newFakeChainAdapter("bitcoin")
	registry := chainadapter.NewRegistry()
	registry.Register("ethereum", ethAdapter)
	registry.Register("bitcoin", btcAdapter)
	policy := fakePolicy{collect: 1, finality: 2, bps: 100, decimals: 8, operator: "op-addr"}
	driver := newTestDriver(t, l, registry, policy)
	ctx := context.Background()

	// Tick 1: CREATED -> COLLECTION (escrows generated).
	if err := driver.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	deal, err := l.GetDeal("deal-2")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}

	// Fund both escrows above trade + commission, at collect-level confirms.
	tradeAlice := money.MustParse("1.0")
	commissionAlice := tradeAlice.BPS(policy.bps, policy.decimals)
	ethAdapter.deposit(deal.EscrowA.Address, "ETH", "tx-alice", tradeAlice.Add(commissionAlice), 1)

	tradeBob := money.MustParse("0.05")
	commissionBob := tradeBob.BPS(policy.bps, policy.decimals)
	btcAdapter.deposit(deal.EscrowB.Address, "BTC", "tx-bob", tradeBob.Add(commissionBob), 1)

	// Tick 2: COLLECTION -> WAITING (both locked at collect confirms).
	if err := driver.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	deal, err = l.GetDeal("deal-2")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageWaiting {
		t.Fatalf("Stage = %s, want WAITING", deal.Stage)
	}
	if !deal.AliceCommission.Frozen || !deal.BobCommission.Frozen {
		t.Error("expected both commissions frozen on entering WAITING")
	}

	// Deposits still only have 1 confirm; WAITING requires finality=2, so
	// the next tick must NOT advance to SWAP yet.
	if err := driver.Tick(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	deal, err = l.GetDeal("deal-2")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageCollection {
		t.Fatalf("Stage = %s, want reverted back to COLLECTION pending finality", deal.Stage)
	}

	// Bump confirmations to finality level and re-enter WAITING then SWAP.
	ethAdapter.utxos[deal.EscrowA.Address][0].Confirms = 2
	btcAdapter.utxos[deal.EscrowB.Address][0].Confirms = 2

	if err := driver.Tick(ctx); err != nil { // COLLECTION -> WAITING again
		t.Fatalf("tick 4: %v", err)
	}
	if err := driver.Tick(ctx); err != nil { // WAITING -> SWAP
		t.Fatalf("tick 5: %v", err)
	}
	deal, err = l.GetDeal("deal-2")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageSwap {
		t.Fatalf("Stage = %s, want SWAP", deal.Stage)
	}

	items, err := l.DealQueueItems("deal-2")
	if err != nil {
		t.Fatalf("DealQueueItems: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("expected swap distribution items to be enqueued")
	}

	// Complete every enqueued item and confirm CLOSED follows.
	for _, it := range items {
		if err := l.MarkCompleted(it.ID); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}
	if err := driver.Tick(ctx); err != nil {
		t.Fatalf("tick 6: %v", err)
	}
	deal, err = l.GetDeal("deal-2")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageClosed {
		t.Fatalf("Stage = %s, want CLOSED", deal.Stage)
	}
}

func TestCollectionTimeoutEntersReverted(t *testing.T) {
	l := newTestLedger(t)
	d := baseDeal("deal-3", -time.Second) // already expired
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := l.FillPartyDetails("deal-3", ledger.SideAlice, ledger.PartyDetails{PaybackAddress: "alice-payback", RecipientAddress: "alice-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails alice: %v", err)
	}
	if err := l.FillPartyDetails("deal-3", ledger.SideBob, ledger.PartyDetails{PaybackAddress: "bob-payback", RecipientAddress: "bob-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails bob: %v", err)
	}

	registry := chainadapter.NewRegistry()
	registry.Register("ethereum", newFakeChainAdapter("ethereum"))
	registry.Register("bitcoin", newFakeChainAdapter("bitcoin"))
	driver := newTestDriver(t, l, registry, fakePolicy{collect: 1, finality: 2, bps: 100, decimals: 8, operator: "op-addr"})
	ctx := context.Background()

	if err := driver.Tick(ctx); err != nil { // CREATED -> COLLECTION
		t.Fatalf("tick 1: %v", err)
	}
	if err := driver.Tick(ctx); err != nil { // deadline passed, not locked -> REVERTED
		t.Fatalf("tick 2: %v", err)
	}

	deal, err := l.GetDeal("deal-3")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageReverted {
		t.Fatalf("Stage = %s, want REVERTED", deal.Stage)
	}
}

func TestNeverRevertsWhenBothLocked(t *testing.T) {
	l := newTestLedger(t)
	d := baseDeal("deal-4", -time.Second) // already expired at creation
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := l.FillPartyDetails("deal-4", ledger.SideAlice, ledger.PartyDetails{PaybackAddress: "alice-payback", RecipientAddress: "alice-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails alice: %v", err)
	}
	if err := l.FillPartyDetails("deal-4", ledger.SideBob, ledger.PartyDetails{PaybackAddress: "bob-payback", RecipientAddress: "bob-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails bob: %v", err)
	}

	ethAdapter := newFakeChainAdapter("ethereum")
	btcAdapter := newFakeChainAdapter("bitcoin")
	registry := chainadapter.NewRegistry()
	registry.Register("ethereum", ethAdapter)
	registry.Register("bitcoin", btcAdapter)
	policy := fakePolicy{collect: 1, finality: 2, bps: 0, decimals: 8, operator: "op-addr"}
	driver := newTestDriver(t, l, registry, policy)
	ctx := context.Background()

	if err := driver.Tick(ctx); err != nil { // CREATED -> COLLECTION
		t.Fatalf("tick 1: %v", err)
	}
	deal, err := l.GetDeal("deal-4")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}

	ethAdapter.deposit(deal.EscrowA.Address, "ETH", "tx-alice", money.MustParse("1.0"), 1)
	btcAdapter.deposit(deal.EscrowB.Address, "BTC", "tx-bob", money.MustParse("0.05"), 1)

	// Even though expiresAt is already in the past, both sides are locked,
	// so the deal must advance to WAITING, never REVERTED.
	if err := driver.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	deal, err = l.GetDeal("deal-4")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageWaiting {
		t.Fatalf("Stage = %s, want WAITING (never revert when both locked)", deal.Stage)
	}
}

// TestReorgDuringWaitingDropsBackToCollection covers the reorg-during-
// WAITING scenario: both sides lock, the deal enters WAITING, then one
// side's deposit is orphaned by a reorg. The tick must drop the deal back
// to COLLECTION rather than advancing or reverting, and a fresh deposit at
// collect-level confirms must be able to carry it through to SWAP again.
func TestReorgDuringWaitingDropsBackToCollection(t *testing.T) {
	l := newTestLedger(t)
	d := baseDeal("deal-5", time.Hour)
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := l.FillPartyDetails("deal-5", ledger.SideAlice, ledger.PartyDetails{PaybackAddress: "alice-payback", RecipientAddress: "alice-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails alice: %v", err)
	}
	if err := l.FillPartyDetails("deal-5", ledger.SideBob, ledger.PartyDetails{PaybackAddress: "bob-payback", RecipientAddress: "bob-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails bob: %v", err)
	}

	ethAdapter := newFakeChainAdapter("ethereum")
	btcAdapter := newFakeChainAdapter("bitcoin")
	registry := chainadapter.NewRegistry()
	registry.Register("ethereum", ethAdapter)
	registry.Register("bitcoin", btcAdapter)
	policy := fakePolicy{collect: 1, finality: 1, bps: 0, decimals: 8, operator: "op-addr"}
	driver := newTestDriver(t, l, registry, policy)
	ctx := context.Background()

	if err := driver.Tick(ctx); err != nil { // CREATED -> COLLECTION
		t.Fatalf("tick 1: %v", err)
	}
	deal, err := l.GetDeal("deal-5")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}

	ethAdapter.deposit(deal.EscrowA.Address, "ETH", "tx-alice", money.MustParse("1.0"), 1)
	btcAdapter.deposit(deal.EscrowB.Address, "BTC", "tx-bob", money.MustParse("0.05"), 1)

	if err := driver.Tick(ctx); err != nil { // COLLECTION -> WAITING (collect == finality here)
		t.Fatalf("tick 2: %v", err)
	}
	deal, err = l.GetDeal("deal-5")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageWaiting {
		t.Fatalf("Stage = %s, want WAITING", deal.Stage)
	}

	ethAdapter.reorg(deal.EscrowA.Address, "tx-alice")

	if err := driver.Tick(ctx); err != nil { // WAITING -> COLLECTION (Alice's lock dropped)
		t.Fatalf("tick 3: %v", err)
	}
	deal, err = l.GetDeal("deal-5")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageCollection {
		t.Fatalf("Stage = %s, want COLLECTION after reorg dropped a lock", deal.Stage)
	}

	deposits, err := l.ListDeposits("deal-5")
	if err != nil {
		t.Fatalf("ListDeposits: %v", err)
	}
	for _, dep := range deposits {
		if dep.TxID == "tx-alice" && !dep.Orphaned {
			t.Fatalf("expected tx-alice marked orphaned, got %+v", dep)
		}
	}

	// Alice re-deposits; the deal should recover back through WAITING to SWAP.
	ethAdapter.deposit(deal.EscrowA.Address, "ETH", "tx-alice-2", money.MustParse("1.0"), 1)

	if err := driver.Tick(ctx); err != nil { // COLLECTION -> WAITING again
		t.Fatalf("tick 4: %v", err)
	}
	if err := driver.Tick(ctx); err != nil { // WAITING -> SWAP
		t.Fatalf("tick 5: %v", err)
	}
	deal, err = l.GetDeal("deal-5")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageSwap {
		t.Fatalf("Stage = %s, want SWAP after recovering from the reorg", deal.Stage)
	}
}

// TestPostCloseRefundForLateDeposit covers the post-close-refund scenario:
// once CLOSED, a late deposit arriving on an escrow must be refunded via a
// POST_CLOSE_REFUND item without reopening the deal or levying commission.
func TestPostCloseRefundForLateDeposit(t *testing.T) {
	l := newTestLedger(t)
	d := baseDeal("deal-6", time.Hour)
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := l.FillPartyDetails("deal-6", ledger.SideAlice, ledger.PartyDetails{PaybackAddress: "alice-payback", RecipientAddress: "alice-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails alice: %v", err)
	}
	if err := l.FillPartyDetails("deal-6", ledger.SideBob, ledger.PartyDetails{PaybackAddress: "bob-payback", RecipientAddress: "bob-recipient"}); err != nil {
		t.Fatalf("FillPartyDetails bob: %v", err)
	}

	ethAdapter := newFakeChainAdapter("ethereum")
	btcAdapter := newFakeChainAdapter("bitcoin")
	registry := chainadapter.NewRegistry()
	registry.Register("ethereum", ethAdapter)
	registry.Register("bitcoin", btcAdapter)
	policy := fakePolicy{collect: 1, finality: 1, bps: 0, decimals: 8, operator: "op-addr"}
	driver := newTestDriver(t, l, registry, policy)
	ctx := context.Background()

	if err := driver.Tick(ctx); err != nil { // CREATED -> COLLECTION
		t.Fatalf("tick 1: %v", err)
	}
	deal, err := l.GetDeal("deal-6")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}

	ethAdapter.deposit(deal.EscrowA.Address, "ETH", "tx-alice", money.MustParse("1.0"), 1)
	btcAdapter.deposit(deal.EscrowB.Address, "BTC", "tx-bob", money.MustParse("0.05"), 1)

	if err := driver.Tick(ctx); err != nil { // COLLECTION -> WAITING
		t.Fatalf("tick 2: %v", err)
	}
	if err := driver.Tick(ctx); err != nil { // WAITING -> SWAP
		t.Fatalf("tick 3: %v", err)
	}

	items, err := l.DealQueueItems("deal-6")
	if err != nil {
		t.Fatalf("DealQueueItems: %v", err)
	}
	for _, it := range items {
		if err := l.MarkCompleted(it.ID); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}
	if err := driver.Tick(ctx); err != nil { // SWAP -> CLOSED
		t.Fatalf("tick 4: %v", err)
	}
	deal, err = l.GetDeal("deal-6")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageClosed {
		t.Fatalf("Stage = %s, want CLOSED", deal.Stage)
	}

	// A late deposit lands on Bob's already-settled escrow.
	btcAdapter.deposit(deal.EscrowB.Address, "BTC", "tx-bob-late", money.MustParse("0.01"), 1)

	if err := driver.Tick(ctx); err != nil { // CLOSED self-loop: post-close refund
		t.Fatalf("tick 5: %v", err)
	}
	deal, err = l.GetDeal("deal-6")
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Stage != ledger.StageClosed {
		t.Fatalf("Stage = %s, want to remain CLOSED after post-close refund", deal.Stage)
	}

	items, err = l.DealQueueItems("deal-6")
	if err != nil {
		t.Fatalf("DealQueueItems: %v", err)
	}
	var found bool
	for _, it := range items {
		if it.Purpose == ledger.PurposePostCloseRefund {
			found = true
			if it.To != "bob-payback" {
				t.Errorf("post-close refund To = %s, want bob-payback", it.To)
			}
			if it.Amount != "0.01" {
				t.Errorf("post-close refund Amount = %s, want 0.01", it.Amount)
			}
		}
	}
	if !found {
		t.Fatal("expected a POST_CLOSE_REFUND item for the late deposit")
	}
}
