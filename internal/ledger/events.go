package ledger

import (
	"fmt"
	"time"
)

// AppendEvent records an audit-log line against a deal. Events are
// append-only and feed the external status() read model.
func (l *Ledger) AppendEvent(dealID, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`INSERT INTO events (deal_id, time, message) VALUES (?, ?, ?)`,
		dealID, time.Now().UTC().Unix(), message)
	if err != nil {
		return fmt.Errorf("ledger: append event: %w", err)
	}
	return nil
}

// ListEvents returns every event recorded against a deal, oldest first.
func (l *Ledger) ListEvents(dealID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT deal_id, time, message FROM events WHERE deal_id = ? ORDER BY time ASC`, dealID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var t int64
		if err := rows.Scan(&e.DealID, &t, &e.Message); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		e.Time = time.Unix(t, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DealCounts is a small read-model summary used by operator status
// tooling.
type DealCounts struct {
	Total    int
	ByStage  map[Stage]int
}

// CountDeals returns the total deal count and a per-stage breakdown.
func (l *Ledger) CountDeals() (DealCounts, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := DealCounts{ByStage: make(map[Stage]int)}
	rows, err := l.db.Query(`SELECT stage, COUNT(*) FROM deals GROUP BY stage`)
	if err != nil {
		return counts, fmt.Errorf("ledger: count deals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return counts, fmt.Errorf("ledger: scan count: %w", err)
		}
		counts.ByStage[Stage(stage)] = n
		counts.Total += n
	}
	return counts, rows.Err()
}
