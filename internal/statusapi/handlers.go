package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/atomicbroker/internal/config"
	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/money"
)

// assetAmountParam mirrors ledger.AssetAmount as wire input.
type assetAmountParam struct {
	ChainID string `json:"chain"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type createDealParams struct {
	Alice          assetAmountParam `json:"alice"`
	Bob            assetAmountParam `json:"bob"`
	TimeoutSeconds int64            `json:"timeoutSeconds"`
	Name           string           `json:"name"`
}

type createDealResult struct {
	DealID string `json:"dealId"`
	TokenA string `json:"tokenA"`
	TokenB string `json:"tokenB"`
}

// createDeal inserts a new CREATED deal and mints one capability token per
// side. Commission mode: PERCENT_BPS for assets this deployment
// recognizes, FIXED_USD_NATIVE otherwise.
func (s *Server) createDeal(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p createDealParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Alice.ChainID == "" || p.Bob.ChainID == "" {
		return nil, errors.New("alice and bob chains are required")
	}
	if p.TimeoutSeconds <= 0 {
		return nil, errors.New("timeoutSeconds must be positive")
	}
	if _, err := money.Parse(p.Alice.Amount); err != nil {
		return nil, fmt.Errorf("invalid alice amount: %w", err)
	}
	if _, err := money.Parse(p.Bob.Amount); err != nil {
		return nil, fmt.Errorf("invalid bob amount: %w", err)
	}

	now := time.Now().UTC()
	d := &ledger.Deal{
		ID:             uuid.NewString(),
		Name:           p.Name,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(p.TimeoutSeconds) * time.Second),
		TimeoutSeconds: p.TimeoutSeconds,
		Stage:          ledger.StageCreated,
		Alice: ledger.AssetAmount{
			ChainID: p.Alice.ChainID, Asset: p.Alice.Asset, Amount: p.Alice.Amount,
		},
		Bob: ledger.AssetAmount{
			ChainID: p.Bob.ChainID, Asset: p.Bob.Asset, Amount: p.Bob.Amount,
		},
		AliceCommission: ledger.Commission{Mode: commissionModeFor(p.Alice.Asset)},
		BobCommission:   ledger.Commission{Mode: commissionModeFor(p.Bob.Asset)},
	}

	if err := s.ledger.CreateDeal(d); err != nil {
		return nil, err
	}
	if err := s.ledger.AppendEvent(d.ID, "deal created"); err != nil {
		s.log.Warn("append event failed", "deal_id", d.ID, "error", err)
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventDealCreated, map[string]string{"dealId": d.ID})
	}

	return createDealResult{
		DealID: d.ID,
		TokenA: s.dealToken(d.ID, ledger.SideAlice),
		TokenB: s.dealToken(d.ID, ledger.SideBob),
	}, nil
}

// commissionModeFor picks PERCENT_BPS for assets this deployment's coin
// table recognizes, FIXED_USD_NATIVE for anything exotic/unlisted.
func commissionModeFor(asset string) ledger.CommissionMode {
	if config.IsCoinSupported(asset) {
		return ledger.CommissionPercentBPS
	}
	return ledger.CommissionFixedUSDNative
}

type fillPartyDetailsParams struct {
	DealID  string `json:"dealId"`
	Party   string `json:"party"` // "alice" or "bob"
	Token   string `json:"token"`
	Details struct {
		PaybackAddress   string `json:"paybackAddress"`
		RecipientAddress string `json:"recipientAddress"`
		Email            string `json:"email"`
	} `json:"details"`
}

func (s *Server) fillPartyDetails(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p fillPartyDetailsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	side, err := parseSide(p.Party)
	if err != nil {
		return nil, err
	}
	if !s.checkToken(p.DealID, side, p.Token) {
		return nil, errors.New("invalid token")
	}
	if p.Details.RecipientAddress == "" {
		return nil, errors.New("recipientAddress is required")
	}

	err = s.ledger.FillPartyDetails(p.DealID, side, ledger.PartyDetails{
		PaybackAddress:   p.Details.PaybackAddress,
		RecipientAddress: p.Details.RecipientAddress,
		Email:            p.Details.Email,
	})
	if err != nil {
		return nil, err
	}
	if err := s.ledger.AppendEvent(p.DealID, fmt.Sprintf("%s filled party details", side)); err != nil {
		s.log.Warn("append event failed", "deal_id", p.DealID, "error", err)
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(EventDealUpdated, map[string]string{"dealId": p.DealID})
	}
	return map[string]bool{"ok": true}, nil
}

type statsResult struct {
	Total   int            `json:"total"`
	ByStage map[string]int `json:"byStage"`
}

// stats reports a per-stage deal count summary, for operator dashboards.
func (s *Server) stats(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	counts, err := s.ledger.CountDeals()
	if err != nil {
		return nil, err
	}
	res := statsResult{Total: counts.Total, ByStage: make(map[string]int, len(counts.ByStage))}
	for stage, n := range counts.ByStage {
		res.ByStage[string(stage)] = n
	}
	return res, nil
}

func parseSide(party string) (ledger.Side, error) {
	switch party {
	case string(ledger.SideAlice):
		return ledger.SideAlice, nil
	case string(ledger.SideBob):
		return ledger.SideBob, nil
	default:
		return "", fmt.Errorf("unknown party %q", party)
	}
}

type statusParams struct {
	DealID string `json:"dealId"`
}

type sideTotals struct {
	TradeAsset     string `json:"tradeAsset"`
	TradeAmount    string `json:"tradeAmount"`
	Deposited      string `json:"deposited"`
	CommissionMode string `json:"commissionMode"`
	Commission     string `json:"commission,omitempty"`
}

type statusResult struct {
	DealID      string       `json:"dealId"`
	Stage       ledger.Stage `json:"stage"`
	EscrowA     *ledger.Escrow `json:"escrowA,omitempty"`
	EscrowB     *ledger.Escrow `json:"escrowB,omitempty"`
	AliceTotals sideTotals   `json:"aliceTotals"`
	BobTotals   sideTotals   `json:"bobTotals"`
	Events      []string     `json:"events"`
}

func (s *Server) status(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p statusParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	d, err := s.ledger.GetDeal(p.DealID)
	if err != nil {
		return nil, err
	}
	deposits, err := s.ledger.ListDeposits(p.DealID)
	if err != nil {
		return nil, err
	}
	events, err := s.ledger.ListEvents(p.DealID)
	if err != nil {
		return nil, err
	}

	res := statusResult{
		DealID:      d.ID,
		Stage:       d.Stage,
		EscrowA:     d.EscrowA,
		EscrowB:     d.EscrowB,
		AliceTotals: sideTotalsFor(d, ledger.SideAlice, deposits),
		BobTotals:   sideTotalsFor(d, ledger.SideBob, deposits),
		Events:      make([]string, 0, len(events)),
	}
	for _, e := range events {
		res.Events = append(res.Events, fmt.Sprintf("%s: %s", e.Time.Format(time.RFC3339), e.Message))
	}
	return res, nil
}

func sideTotalsFor(d *ledger.Deal, side ledger.Side, deposits []ledger.Deposit) sideTotals {
	trade := d.Trade(side)
	escrow := d.EscrowFor(side)
	comm := d.CommissionFor(side)

	var amounts []money.Decimal
	if escrow != nil {
		for _, dep := range deposits {
			if dep.Orphaned || dep.Address != escrow.Address {
				continue
			}
			if amt, err := money.Parse(dep.Amount); err == nil {
				amounts = append(amounts, amt)
			}
		}
	}

	t := sideTotals{
		TradeAsset:     trade.Asset,
		TradeAmount:    trade.Amount,
		Deposited:      money.Sum(amounts).String(),
		CommissionMode: string(comm.Mode),
	}
	if comm.Frozen {
		t.Commission = comm.Amount
	}
	return t
}

type cancelDealParams struct {
	DealID string `json:"dealId"`
	Token  string `json:"token"`
}

func (s *Server) cancelDeal(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p cancelDealParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if !s.checkToken(p.DealID, ledger.SideAlice, p.Token) && !s.checkToken(p.DealID, ledger.SideBob, p.Token) {
		return nil, errors.New("invalid token")
	}

	if err := s.ledger.CancelDeal(p.DealID); err != nil {
		return nil, err
	}
	if err := s.ledger.AppendEvent(p.DealID, "deal cancelled"); err != nil {
		s.log.Warn("append event failed", "deal_id", p.DealID, "error", err)
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(EventStageChanged, map[string]string{"dealId": p.DealID, "stage": string(ledger.StageReverted)})
	}
	return map[string]bool{"ok": true}, nil
}
