package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertDeposit idempotently records an observed deposit, keyed by
// (dealId, txid, index). Calling it again for the same key updates the
// confirmation count and orphaned flag in place rather than creating a
// duplicate row — the depositwatcher polls the same transaction many
// times as it gains confirmations.
func (l *Ledger) UpsertDeposit(dep Deposit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO escrow_deposits (
			deal_id, txid, tx_index, chain_id, address, asset, amount,
			block_height, block_time, confirms, orphaned, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deal_id, txid, tx_index) DO UPDATE SET
			block_height = excluded.block_height,
			block_time = excluded.block_time,
			confirms = excluded.confirms,
			orphaned = excluded.orphaned
	`,
		dep.DealID, dep.TxID, dep.Index, dep.ChainID, dep.Address, dep.Asset, dep.Amount,
		nullableInt64(dep.BlockHeight), nullableUnix(dep.BlockTime), dep.Confirms, boolToInt(dep.Orphaned),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert deposit: %w", err)
	}
	return nil
}

// ListDeposits returns every deposit recorded against a deal, most
// recently observed first is not guaranteed; callers that need
// eligibility filtering should call Deposit.Eligible themselves.
func (l *Ledger) ListDeposits(dealID string) ([]Deposit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT deal_id, txid, tx_index, chain_id, address, asset, amount,
			block_height, block_time, confirms, orphaned
		FROM escrow_deposits WHERE deal_id = ?
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list deposits: %w", err)
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		var d Deposit
		var blockHeight, blockTime sql.NullInt64
		var orphaned int64
		if err := rows.Scan(
			&d.DealID, &d.TxID, &d.Index, &d.ChainID, &d.Address, &d.Asset, &d.Amount,
			&blockHeight, &blockTime, &d.Confirms, &orphaned,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan deposit: %w", err)
		}
		d.BlockHeight = int64Ptr(blockHeight)
		d.BlockTime = nullableTime(blockTime)
		d.Orphaned = intToBool(orphaned)
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkOrphaned flags a deposit as no longer confirmed, used when a reorg
// drops the block that contained it (confirms == -1 from the chain
// adapter).
func (l *Ledger) MarkOrphaned(dealID, txid string, index int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		UPDATE escrow_deposits SET orphaned = 1, confirms = 0
		WHERE deal_id = ? AND txid = ? AND tx_index = ?
	`, dealID, txid, index)
	if err != nil {
		return fmt.Errorf("ledger: mark orphaned: %w", err)
	}
	return nil
}
