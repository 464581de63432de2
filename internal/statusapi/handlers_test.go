package statusapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/klingon-exchange/atomicbroker/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(&ledger.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestCreateDealThenStatus(t *testing.T) {
	s := NewServer(newTestLedger(t), []byte("test-secret"))

	raw := mustMarshal(t, createDealParams{
		Alice:          assetAmountParam{ChainID: "ETH", Asset: "ETH", Amount: "1.0"},
		Bob:            assetAmountParam{ChainID: "UNICITY", Asset: "ALPHA", Amount: "100"},
		TimeoutSeconds: 3600,
	})

	res, err := s.createDeal(context.Background(), raw)
	if err != nil {
		t.Fatalf("createDeal: %v", err)
	}
	created := res.(createDealResult)
	if created.DealID == "" || created.TokenA == "" || created.TokenB == "" {
		t.Fatalf("expected populated result, got %+v", created)
	}
	if created.TokenA == created.TokenB {
		t.Fatalf("expected distinct tokens per side")
	}

	statusRaw := mustMarshal(t, statusParams{DealID: created.DealID})
	statusRes, err := s.status(context.Background(), statusRaw)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	st := statusRes.(statusResult)
	if st.Stage != ledger.StageCreated {
		t.Fatalf("expected CREATED, got %s", st.Stage)
	}
	if st.AliceTotals.CommissionMode != string(ledger.CommissionPercentBPS) {
		t.Fatalf("expected PERCENT_BPS for ETH, got %s", st.AliceTotals.CommissionMode)
	}
}

func TestCreateDealUnknownAssetUsesFixedUSD(t *testing.T) {
	s := NewServer(newTestLedger(t), []byte("test-secret"))

	raw := mustMarshal(t, createDealParams{
		Alice:          assetAmountParam{ChainID: "ETH", Asset: "SOME_EXOTIC_TOKEN", Amount: "1.0"},
		Bob:            assetAmountParam{ChainID: "UNICITY", Asset: "ALPHA", Amount: "100"},
		TimeoutSeconds: 3600,
	})
	res, err := s.createDeal(context.Background(), raw)
	if err != nil {
		t.Fatalf("createDeal: %v", err)
	}
	created := res.(createDealResult)

	statusRaw := mustMarshal(t, statusParams{DealID: created.DealID})
	statusRes, err := s.status(context.Background(), statusRaw)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	st := statusRes.(statusResult)
	if st.AliceTotals.CommissionMode != string(ledger.CommissionFixedUSDNative) {
		t.Fatalf("expected FIXED_USD_NATIVE for unlisted asset, got %s", st.AliceTotals.CommissionMode)
	}
}

func TestFillPartyDetailsRejectsWrongToken(t *testing.T) {
	s := NewServer(newTestLedger(t), []byte("test-secret"))

	raw := mustMarshal(t, createDealParams{
		Alice:          assetAmountParam{ChainID: "ETH", Asset: "ETH", Amount: "1.0"},
		Bob:            assetAmountParam{ChainID: "UNICITY", Asset: "ALPHA", Amount: "100"},
		TimeoutSeconds: 3600,
	})
	res, err := s.createDeal(context.Background(), raw)
	if err != nil {
		t.Fatalf("createDeal: %v", err)
	}
	created := res.(createDealResult)

	fillRaw := mustMarshal(t, map[string]interface{}{
		"dealId": created.DealID,
		"party":  "alice",
		"token":  "wrong-token",
		"details": map[string]string{
			"recipientAddress": "0xabc",
		},
	})
	if _, err := s.fillPartyDetails(context.Background(), fillRaw); err == nil {
		t.Fatalf("expected error for wrong token")
	}

	okRaw := mustMarshal(t, map[string]interface{}{
		"dealId": created.DealID,
		"party":  "alice",
		"token":  created.TokenA,
		"details": map[string]string{
			"recipientAddress": "0xabc",
			"paybackAddress":   "0xdef",
		},
	})
	if _, err := s.fillPartyDetails(context.Background(), okRaw); err != nil {
		t.Fatalf("fillPartyDetails with correct token: %v", err)
	}
}

func TestCancelDealOnlyAllowedInCreatedWithNoDeposits(t *testing.T) {
	l := newTestLedger(t)
	s := NewServer(l, []byte("test-secret"))

	raw := mustMarshal(t, createDealParams{
		Alice:          assetAmountParam{ChainID: "ETH", Asset: "ETH", Amount: "1.0"},
		Bob:            assetAmountParam{ChainID: "UNICITY", Asset: "ALPHA", Amount: "100"},
		TimeoutSeconds: 3600,
	})
	res, err := s.createDeal(context.Background(), raw)
	if err != nil {
		t.Fatalf("createDeal: %v", err)
	}
	created := res.(createDealResult)

	cancelRaw := mustMarshal(t, cancelDealParams{DealID: created.DealID, Token: created.TokenA})
	if _, err := s.cancelDeal(context.Background(), cancelRaw); err != nil {
		t.Fatalf("cancelDeal: %v", err)
	}

	d, err := l.GetDeal(created.DealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if d.Stage != ledger.StageReverted {
		t.Fatalf("expected REVERTED after cancel, got %s", d.Stage)
	}

	// Cancelling again should now fail: no longer CREATED.
	if _, err := s.cancelDeal(context.Background(), cancelRaw); err == nil {
		t.Fatalf("expected error cancelling an already-reverted deal")
	}
}

func TestCancelDealRejectsDepositedFunds(t *testing.T) {
	l := newTestLedger(t)
	s := NewServer(l, []byte("test-secret"))

	raw := mustMarshal(t, createDealParams{
		Alice:          assetAmountParam{ChainID: "ETH", Asset: "ETH", Amount: "1.0"},
		Bob:            assetAmountParam{ChainID: "UNICITY", Asset: "ALPHA", Amount: "100"},
		TimeoutSeconds: 3600,
	})
	res, err := s.createDeal(context.Background(), raw)
	if err != nil {
		t.Fatalf("createDeal: %v", err)
	}
	created := res.(createDealResult)

	if err := l.UpsertDeposit(ledger.Deposit{
		DealID: created.DealID, TxID: "tx1", Index: 0, ChainID: "ETH", Address: "escrow-a",
		Asset: "ETH", Amount: "1.0", Confirms: 1,
	}); err != nil {
		t.Fatalf("upsert deposit: %v", err)
	}

	cancelRaw := mustMarshal(t, cancelDealParams{DealID: created.DealID, Token: created.TokenA})
	if _, err := s.cancelDeal(context.Background(), cancelRaw); err == nil {
		t.Fatalf("expected cancel to be rejected once a deposit exists")
	}
}
