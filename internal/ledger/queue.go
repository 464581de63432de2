package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConflictingOperation is returned by Enqueue when the requested
// purpose would race an existing, not-yet-completed item for the same
// (dealId, from, asset) — a swap payout chasing a refund, or vice versa.
var ErrConflictingOperation = errors.New("ledger: conflicting operation")

// Enqueue computes the next seq for (dealId, from), checks the §4.6
// double-spend safeguards, and inserts the item in a single transaction.
// Re-enqueuing an item whose (dealId, from, seq) already exists is a
// silent no-op: callers pass Seq == 0 to request a fresh sequence number,
// or a specific Seq to make the call idempotent across retries.
func (l *Ledger) Enqueue(item *QueueItem) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: enqueue: begin: %w", err)
	}
	defer tx.Rollback()

	if err := checkConflict(tx, item); err != nil {
		return err
	}

	if item.Seq == 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRow(`
			SELECT MAX(seq) FROM queue_items WHERE deal_id = ? AND chain_id = ? AND sender = ?
		`, item.DealID, item.ChainID, item.From).Scan(&maxSeq); err != nil {
			return fmt.Errorf("ledger: enqueue: compute seq: %w", err)
		}
		item.Seq = maxSeq.Int64 + 1
	} else {
		var existing int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM queue_items WHERE deal_id = ? AND chain_id = ? AND sender = ? AND seq = ?
		`, item.DealID, item.ChainID, item.From, item.Seq).Scan(&existing); err != nil {
			return fmt.Errorf("ledger: enqueue: check seq: %w", err)
		}
		if existing > 0 {
			return nil
		}
	}

	if item.ID == "" {
		return fmt.Errorf("ledger: enqueue: item ID required")
	}
	if item.Status == "" {
		item.Status = QueueStatusPending
	}

	now := time.Now().UTC().Unix()
	_, err = tx.Exec(`
		INSERT INTO queue_items (
			id, deal_id, chain_id, sender, recipient, asset, amount,
			purpose, phase, seq, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		item.ID, item.DealID, item.ChainID, item.From, item.To, item.Asset, item.Amount,
		string(item.Purpose), string(item.Phase), item.Seq, string(item.Status), now, now,
	)
	if err != nil {
		return fmt.Errorf("ledger: enqueue: insert: %w", err)
	}

	return tx.Commit()
}

// checkConflict enforces the §4.6 double-spend safeguards: a refund and
// a swap payout for the same (dealId, from, asset) may never both be
// outstanding.
func checkConflict(tx *sql.Tx, item *QueueItem) error {
	switch item.Purpose {
	case PurposeTimeoutRefund:
		var pendingSwaps int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM queue_items
			WHERE deal_id = ? AND sender = ? AND asset = ? AND purpose = ? AND status != ?
		`, item.DealID, item.From, item.Asset, string(PurposeSwapPayout), string(QueueStatusCompleted)).Scan(&pendingSwaps); err != nil {
			return fmt.Errorf("ledger: enqueue: conflict check: %w", err)
		}
		if pendingSwaps > 0 {
			return fmt.Errorf("timeout refund for already-dispatching swap payout: %w", ErrConflictingOperation)
		}
	case PurposeSwapPayout:
		var refunds int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM queue_items
			WHERE deal_id = ? AND sender = ? AND asset = ? AND purpose = ?
		`, item.DealID, item.From, item.Asset, string(PurposeTimeoutRefund)).Scan(&refunds); err != nil {
			return fmt.Errorf("ledger: enqueue: conflict check: %w", err)
		}
		if refunds > 0 {
			return fmt.Errorf("swap payout for already-refunded sender: %w", ErrConflictingOperation)
		}
	}
	return nil
}

// NextPending returns the lowest-seq PENDING item for a sender, subject
// to the phase barrier: PHASE_2_COMMISSION requires PHASE_1_SWAP to be
// complete, PHASE_3_REFUND requires PHASE_2_COMMISSION to be complete.
// Returns nil, nil if nothing is eligible to dispatch.
func (l *Ledger) NextPending(dealID, chainID, from string) (*QueueItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT `+queueColumns+`
		FROM queue_items
		WHERE deal_id = ? AND chain_id = ? AND sender = ? AND status = ?
		ORDER BY seq ASC
	`, dealID, chainID, from, string(QueueStatusPending))
	if err != nil {
		return nil, fmt.Errorf("ledger: next pending: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan queue item: %w", err)
		}
		ready, err := l.phaseReadyLocked(item.DealID, item.Phase)
		if err != nil {
			return nil, err
		}
		if ready {
			return item, nil
		}
		// Phase not yet open: this sender's lowest-seq item is blocked, and
		// seq ordering means nothing later for this sender can run either.
		return nil, nil
	}
	return nil, rows.Err()
}

// NextActionable returns the lowest-seq item for a sender that is still
// PENDING or SUBMITTED — the single in-flight item the §5 ordering
// guarantee allows a sender to have outstanding at once. A PENDING
// result is still subject to the phase barrier; a SUBMITTED result is
// returned regardless of phase, since it already cleared the barrier
// when it was first dispatched.
func (l *Ledger) NextActionable(dealID, chainID, from string) (*QueueItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT `+queueColumns+`
		FROM queue_items
		WHERE deal_id = ? AND chain_id = ? AND sender = ? AND status IN (?, ?)
		ORDER BY seq ASC
	`, dealID, chainID, from, string(QueueStatusPending), string(QueueStatusSubmitted))
	if err != nil {
		return nil, fmt.Errorf("ledger: next actionable: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan queue item: %w", err)
		}
		if item.Status == QueueStatusSubmitted {
			return item, nil
		}
		ready, err := l.phaseReadyLocked(item.DealID, item.Phase)
		if err != nil {
			return nil, err
		}
		if ready {
			return item, nil
		}
		return nil, nil
	}
	return nil, rows.Err()
}

func (l *Ledger) phaseReadyLocked(dealID string, phase Phase) (bool, error) {
	switch phase {
	case PhaseNone, Phase1Swap:
		return true, nil
	case Phase2Commission:
		return l.phaseCompletedLocked(dealID, Phase1Swap)
	case Phase3Refund:
		return l.phaseCompletedLocked(dealID, Phase2Commission)
	default:
		return true, nil
	}
}

func (l *Ledger) phaseCompletedLocked(dealID string, phase Phase) (bool, error) {
	var count int
	err := l.db.QueryRow(`
		SELECT COUNT(*) FROM queue_items WHERE deal_id = ? AND phase = ? AND status != ?
	`, dealID, string(phase), string(QueueStatusCompleted)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ledger: phase completed: %w", err)
	}
	return count == 0, nil
}

// DealQueueItems returns every queue item for a deal, ordered by sender
// then seq — used by the state machine to decide whether a stage's
// items have all completed.
func (l *Ledger) DealQueueItems(dealID string) ([]*QueueItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT `+queueColumns+` FROM queue_items WHERE deal_id = ? ORDER BY sender, seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("ledger: deal queue items: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkSubmitted records that a queue item was broadcast, storing the
// resulting transaction and, for account-based chains, the nonce that
// was reserved for it.
func (l *Ledger) MarkSubmitted(id string, tx SubmittedTx) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC().Unix()
	_, err := l.db.Exec(`
		UPDATE queue_items SET
			status = ?, submitted_txid = ?, submitted_at = ?, nonce_or_inputs = ?,
			gas_price = ?, last_submit_at = ?, last_gas_price = ?, updated_at = ?
		WHERE id = ?
	`, string(QueueStatusSubmitted), tx.TxID, tx.SubmittedAt.Unix(), tx.NonceOrInputs,
		tx.GasPrice, now, tx.GasPrice, now, id)
	if err != nil {
		return fmt.Errorf("ledger: mark submitted: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a queue item once the chain adapter reports
// sufficient confirmations.
func (l *Ledger) MarkCompleted(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(QueueStatusCompleted), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("ledger: mark completed: %w", err)
	}
	return nil
}

// RevertToPending reopens a SUBMITTED item whose transaction reorged
// out. The nonce is preserved — the next dispatch resubmits with the
// same nonce rather than reserving a new one.
func (l *Ledger) RevertToPending(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ?
	`, string(QueueStatusPending), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("ledger: revert to pending: %w", err)
	}
	return nil
}

// RecordGasBump increments an item's bump counter and last gas price
// after a stuck resubmission at a higher fee.
func (l *Ledger) RecordGasBump(id string, newGasPrice string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		UPDATE queue_items SET gas_bump_attempts = gas_bump_attempts + 1, last_gas_price = ?, last_submit_at = ?, updated_at = ?
		WHERE id = ?
	`, newGasPrice, time.Now().UTC().Unix(), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("ledger: record gas bump: %w", err)
	}
	return nil
}

// SubmittedItemsForReconfirm returns every SUBMITTED item of one deal,
// for the reconfirm-submitted-items step of the deal tick.
func (l *Ledger) SubmittedItemsForReconfirm(dealID string) ([]*QueueItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT `+queueColumns+` FROM queue_items WHERE deal_id = ? AND status = ?`,
		dealID, string(QueueStatusSubmitted))
	if err != nil {
		return nil, fmt.Errorf("ledger: submitted items: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SenderKey identifies one (dealId, chainId, from) queue actor — the
// granularity the queue tick fans out over.
type SenderKey struct {
	DealID  string
	ChainID string
	From    string
}

// ListPendingSenders returns every distinct sender identity with at
// least one item still PENDING or SUBMITTED — the seed set for a queue
// tick's fan-out. SUBMITTED senders must keep being ticked too, or a
// stuck transaction would never reach the gas-bump retry path.
func (l *Ledger) ListPendingSenders() ([]SenderKey, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT DISTINCT deal_id, chain_id, sender FROM queue_items WHERE status IN (?, ?)
	`, string(QueueStatusPending), string(QueueStatusSubmitted))
	if err != nil {
		return nil, fmt.Errorf("ledger: list pending senders: %w", err)
	}
	defer rows.Close()

	var out []SenderKey
	for rows.Next() {
		var k SenderKey
		if err := rows.Scan(&k.DealID, &k.ChainID, &k.From); err != nil {
			return nil, fmt.Errorf("ledger: list pending senders: scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RecordOriginalNonce stamps the nonce reserved for a queue item at
// first submission, preserved verbatim across gas-bump resubmissions so
// a later audit can tell a bump from a nonce reuse.
func (l *Ledger) RecordOriginalNonce(id string, nonce int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		UPDATE queue_items SET original_nonce = ?, updated_at = ? WHERE id = ? AND original_nonce IS NULL
	`, nonce, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("ledger: record original nonce: %w", err)
	}
	return nil
}

// DropPendingInPhase deletes every still-PENDING item in a deal's given
// phase — used when WAITING reverts to COLLECTION after a reorg drops a
// lock, so a stale swap/commission/refund plan doesn't sit in the queue
// underneath the one enterSwap enqueues on the next lock. Items already
// SUBMITTED survive: a broadcast transaction can't be recalled.
func (l *Ledger) DropPendingInPhase(dealID string, phase Phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		DELETE FROM queue_items WHERE deal_id = ? AND phase = ? AND status = ?
	`, dealID, string(phase), string(QueueStatusPending))
	if err != nil {
		return fmt.Errorf("ledger: drop pending in phase: %w", err)
	}
	return nil
}

const queueColumns = `
	id, deal_id, chain_id, sender, recipient, asset, amount,
	purpose, phase, seq, status,
	submitted_txid, submitted_at, nonce_or_inputs, gas_price,
	last_submit_at, original_nonce, last_gas_price, gas_bump_attempts
`

func scanQueueItem(rows *sql.Rows) (*QueueItem, error) {
	var item QueueItem
	var submittedTxid, nonceOrInputs, gasPrice, lastGasPrice sql.NullString
	var submittedAt, lastSubmitAt, originalNonce sql.NullInt64

	err := rows.Scan(
		&item.ID, &item.DealID, &item.ChainID, &item.From, &item.To, &item.Asset, &item.Amount,
		&item.Purpose, &item.Phase, &item.Seq, &item.Status,
		&submittedTxid, &submittedAt, &nonceOrInputs, &gasPrice,
		&lastSubmitAt, &originalNonce, &lastGasPrice, &item.GasBumpAttempts,
	)
	if err != nil {
		return nil, err
	}

	if submittedTxid.Valid {
		item.SubmittedTx = &SubmittedTx{
			TxID:          submittedTxid.String,
			NonceOrInputs: nonceOrInputs.String,
			GasPrice:      gasPrice.String,
		}
		if submittedAt.Valid {
			item.SubmittedTx.SubmittedAt = time.Unix(submittedAt.Int64, 0).UTC()
		}
	}
	item.LastSubmitAt = nullableTime(lastSubmitAt)
	item.OriginalNonce = int64Ptr(originalNonce)
	item.LastGasPrice = lastGasPrice.String

	return &item, nil
}
