package ledger

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNonceInvariant flags a detected nonce gap or duplicate for a sender.
// The caller must halt enqueues for that (chainId, address) until an
// operator resets it manually — the core never silently "corrects" a
// nonce sequence.
var ErrNonceInvariant = errors.New("ledger: nonce invariant violation")

// ReserveNonce atomically returns lastUsedNonce+1 (or networkNonce, if
// the account has never been used) and persists the new lastUsedNonce in
// the same transaction. Account-based chains only; UTXO adapters never
// call this.
func (l *Ledger) ReserveNonce(chainID, address string, networkNonce *int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("ledger: reserve nonce: begin: %w", err)
	}
	defer tx.Rollback()

	var lastUsed sql.NullInt64
	err = tx.QueryRow(`SELECT last_used_nonce FROM accounts WHERE chain_id = ? AND address = ?`, chainID, address).Scan(&lastUsed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var next int64
		if networkNonce != nil {
			next = *networkNonce
		}
		if _, err := tx.Exec(`
			INSERT INTO accounts (chain_id, address, last_used_nonce) VALUES (?, ?, ?)
		`, chainID, address, next); err != nil {
			return 0, fmt.Errorf("ledger: reserve nonce: insert account: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("ledger: reserve nonce: commit: %w", err)
		}
		return next, nil
	case err != nil:
		return 0, fmt.Errorf("ledger: reserve nonce: lookup: %w", err)
	}

	next := lastUsed.Int64 + 1
	if _, err := tx.Exec(`UPDATE accounts SET last_used_nonce = ? WHERE chain_id = ? AND address = ?`, next, chainID, address); err != nil {
		return 0, fmt.Errorf("ledger: reserve nonce: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: reserve nonce: commit: %w", err)
	}
	return next, nil
}

// ConfirmNonce advances lastConfirmedNonce once a submitted transaction
// at that nonce reaches finality.
func (l *Ledger) ConfirmNonce(chainID, address string, nonce int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		UPDATE accounts SET last_confirmed_nonce = ?
		WHERE chain_id = ? AND address = ? AND (last_confirmed_nonce IS NULL OR last_confirmed_nonce < ?)
	`, nonce, chainID, address, nonce)
	if err != nil {
		return fmt.Errorf("ledger: confirm nonce: %w", err)
	}
	return nil
}

// GetAccount returns the nonce bookkeeping for a (chainId, address), or
// a zero-value Account (no error) if it has never been used.
func (l *Ledger) GetAccount(chainID, address string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var a Account
	a.ChainID = chainID
	a.Address = address
	var lastUsed, lastConfirmed sql.NullInt64
	err := l.db.QueryRow(`SELECT last_used_nonce, last_confirmed_nonce FROM accounts WHERE chain_id = ? AND address = ?`, chainID, address).
		Scan(&lastUsed, &lastConfirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("ledger: get account: %w", err)
	}
	a.LastUsedNonce = int64Ptr(lastUsed)
	a.LastConfirmedNonce = int64Ptr(lastConfirmed)
	return a, nil
}

// CheckNonceIntegrity scans every non-COMPLETED queue item for
// (chainId, address) and verifies the reserved nonces form a gapless,
// duplicate-free range. A detected anomaly halts the sender pending
// manual reset (§4.6).
func (l *Ledger) CheckNonceIntegrity(chainID, address string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT original_nonce FROM queue_items
		WHERE chain_id = ? AND sender = ? AND status != ? AND original_nonce IS NOT NULL
		ORDER BY original_nonce ASC
	`, chainID, address, string(QueueStatusCompleted))
	if err != nil {
		return fmt.Errorf("ledger: check nonce integrity: %w", err)
	}
	defer rows.Close()

	var nonces []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return fmt.Errorf("ledger: check nonce integrity: scan: %w", err)
		}
		nonces = append(nonces, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := 1; i < len(nonces); i++ {
		if nonces[i] == nonces[i-1] {
			return fmt.Errorf("duplicate nonce %d for %s/%s: %w", nonces[i], chainID, address, ErrNonceInvariant)
		}
		if nonces[i] != nonces[i-1]+1 {
			return fmt.Errorf("nonce gap between %d and %d for %s/%s: %w", nonces[i-1], nonces[i], chainID, address, ErrNonceInvariant)
		}
	}
	return nil
}
