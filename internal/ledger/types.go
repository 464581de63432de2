// Package ledger is the durable, crash-safe store of deals, deposits, the
// outbound queue, leases, events, and per-chain accounts. It is the only
// package in the broker core that talks to SQLite; every other package
// depends on it for persistence and recovers purely from what it holds.
package ledger

import "time"

// Stage is a deal's position in the lifecycle DAG.
type Stage string

const (
	StageCreated    Stage = "CREATED"
	StageCollection Stage = "COLLECTION"
	StageWaiting    Stage = "WAITING"
	StageSwap       Stage = "SWAP"
	StageReverted   Stage = "REVERTED"
	StageClosed     Stage = "CLOSED"
)

// CommissionMode selects how a side's commission is computed.
type CommissionMode string

const (
	CommissionPercentBPS   CommissionMode = "PERCENT_BPS"
	CommissionFixedUSDNative CommissionMode = "FIXED_USD_NATIVE"
)

// Side identifies a party within a deal.
type Side string

const (
	SideAlice Side = "alice"
	SideBob   Side = "bob"
)

// Other returns the counterparty side.
func (s Side) Other() Side {
	if s == SideAlice {
		return SideBob
	}
	return SideAlice
}

// AssetAmount is a chain/asset/decimal-amount triple.
type AssetAmount struct {
	ChainID string
	Asset   string
	Amount  string // canonical decimal string
}

// PartyDetails holds the information a party supplies once their side of
// a deal is filled in.
type PartyDetails struct {
	PaybackAddress   string
	RecipientAddress string
	Email            string
	FilledAt         time.Time
	Locked           bool
}

// Escrow references an HD-derived escrow account for one side of a deal.
// The key itself is never stored; KeyRef is an opaque derivation pointer
// resolved by the chain adapter at signing/send time.
type Escrow struct {
	ChainID string
	Address string
	KeyRef  string
}

// Commission is the per-side commission policy and, once frozen, its
// immutable computed amount.
type Commission struct {
	Mode     CommissionMode
	Amount   string // canonical decimal string; meaningful only once Frozen
	Asset    string
	Frozen   bool
	FrozenAt time.Time
}

// Deal is the unit of orchestration work.
type Deal struct {
	ID             string
	Name           string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	TimeoutSeconds int64

	Alice AssetAmount
	Bob   AssetAmount

	AliceDetails *PartyDetails
	BobDetails   *PartyDetails

	EscrowA *Escrow
	EscrowB *Escrow

	Stage Stage

	AliceCommission Commission
	BobCommission   Commission
}

// Details returns the PartyDetails for a side, or nil if unfilled.
func (d *Deal) Details(side Side) *PartyDetails {
	if side == SideAlice {
		return d.AliceDetails
	}
	return d.BobDetails
}

// Trade returns the trade-side AssetAmount.
func (d *Deal) Trade(side Side) AssetAmount {
	if side == SideAlice {
		return d.Alice
	}
	return d.Bob
}

// Escrow returns the escrow reference for a side, or nil if not yet created.
func (d *Deal) EscrowFor(side Side) *Escrow {
	if side == SideAlice {
		return d.EscrowA
	}
	return d.EscrowB
}

// Commission returns the commission policy/state for a side.
func (d *Deal) CommissionFor(side Side) Commission {
	if side == SideAlice {
		return d.AliceCommission
	}
	return d.BobCommission
}

// BothDetailsFilled reports whether both parties have supplied details.
func (d *Deal) BothDetailsFilled() bool {
	return d.AliceDetails != nil && d.BobDetails != nil
}

// Deposit is a confirmed inbound transfer observed on an escrow address.
// Primary key is (DealID, TxID, Index).
type Deposit struct {
	DealID      string
	TxID        string
	Index       int64
	ChainID     string
	Address     string
	Asset       string
	Amount      string
	BlockHeight *int64
	BlockTime   *time.Time
	Confirms    int64
	Orphaned    bool
}

// Eligible reports whether this deposit counts toward a lock: enough
// confirmations, not orphaned, and observed before the deadline.
func (d Deposit) Eligible(minConfirms int64, deadline time.Time) bool {
	if d.Orphaned || d.Confirms < minConfirms {
		return false
	}
	if d.BlockTime == nil {
		return false
	}
	return !d.BlockTime.After(deadline)
}

// Purpose is the reason a QueueItem exists.
type Purpose string

const (
	PurposeSwapPayout       Purpose = "SWAP_PAYOUT"
	PurposeOpCommission     Purpose = "OP_COMMISSION"
	PurposeTimeoutRefund    Purpose = "TIMEOUT_REFUND"
	PurposePostCloseRefund  Purpose = "POST_CLOSE_REFUND"
	PurposeGasFund          Purpose = "GAS_FUND"
	PurposeERC20Approve     Purpose = "ERC20_APPROVE"
)

// Phase imposes ordering barriers across a deal's queue items on chains
// where concurrent outbound transactions would compete for the same UTXOs.
type Phase string

const (
	PhaseNone       Phase = ""
	Phase1Swap      Phase = "PHASE_1_SWAP"
	Phase2Commission Phase = "PHASE_2_COMMISSION"
	Phase3Refund    Phase = "PHASE_3_REFUND"
)

// QueueStatus is a QueueItem's lifecycle state.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "PENDING"
	QueueStatusSubmitted QueueStatus = "SUBMITTED"
	QueueStatusCompleted QueueStatus = "COMPLETED"
	QueueStatusFailed    QueueStatus = "FAILED"
)

// SubmittedTx records the on-chain submission of a queue item.
type SubmittedTx struct {
	TxID            string
	SubmittedAt     time.Time
	NonceOrInputs   string // decimal nonce for account chains, JSON input list for UTXO
	GasPrice        string
	AdditionalTxids []string
}

// QueueItem is one intended outbound transfer.
type QueueItem struct {
	ID      string
	DealID  string
	ChainID string
	From    string
	To      string
	Asset   string
	Amount  string

	Purpose Purpose
	Phase   Phase
	Seq     int64
	Status  QueueStatus

	SubmittedTx *SubmittedTx

	LastSubmitAt    *time.Time
	OriginalNonce   *int64
	LastGasPrice    string
	GasBumpAttempts int
}

// Account is the per-(chainId,address) nonce-tracking record for
// account-based chains. UTXO chains never populate these fields.
type Account struct {
	ChainID            string
	Address            string
	LastUsedNonce      *int64
	LastConfirmedNonce *int64
}

// Lease is (dealId -> ownerId, until): mutual exclusion for the deal tick.
type Lease struct {
	DealID  string
	OwnerID string
	Until   time.Time
}

// Event is an append-only audit log entry for a deal.
type Event struct {
	DealID  string
	Time    time.Time
	Message string
}
