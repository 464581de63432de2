package ledger

import (
	"fmt"
	"time"
)

// AcquireLease grants mutual exclusion over a deal for ttl, either
// because no lease is held or because the current holder is expired or
// is the requester itself (re-entrant renewal). Returns false if another
// owner currently holds a live lease.
func (l *Ledger) AcquireLease(dealID, ownerID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	until := now.Add(ttl)

	// until is stored in Unix milliseconds so sub-second TTLs expire on time.
	res, err := l.db.Exec(`
		INSERT INTO leases (deal_id, owner_id, until) VALUES (?, ?, ?)
		ON CONFLICT(deal_id) DO UPDATE SET owner_id = excluded.owner_id, until = excluded.until
		WHERE leases.until < ? OR leases.owner_id = ?
	`, dealID, ownerID, until.UnixMilli(), now.UnixMilli(), ownerID)
	if err != nil {
		return false, fmt.Errorf("ledger: acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: acquire lease: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease voluntarily gives up a lease early, so another worker
// need not wait for TTL expiry. A no-op if the caller does not hold it.
func (l *Ledger) ReleaseLease(dealID, ownerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`DELETE FROM leases WHERE deal_id = ? AND owner_id = ?`, dealID, ownerID)
	if err != nil {
		return fmt.Errorf("ledger: release lease: %w", err)
	}
	return nil
}
