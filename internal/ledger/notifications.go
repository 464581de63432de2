package ledger

import (
	"fmt"
	"time"
)

// Notification is one idempotent outbound-notification record: a
// (dealId, eventType, eventKey) triple that has already been delivered to
// whatever external channel the operator wires up (webhook, email, ws
// relay), so the same event is never sent twice across restarts.
type Notification struct {
	DealID    string
	EventType string
	EventKey  string
	SentAt    time.Time
}

// RecordNotification inserts a notification record, reporting whether it
// was newly recorded. A duplicate (dealId, eventType, eventKey) is not an
// error: it reports false so the caller can skip re-sending.
func (l *Ledger) RecordNotification(dealID, eventType, eventKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT INTO notifications (deal_id, event_type, event_key, sent_at) VALUES (?, ?, ?, ?)`,
		dealID, eventType, eventKey, time.Now().UTC().Unix(),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: record notification: %w", err)
	}
	return true, nil
}

// ListNotifications returns every notification recorded against a deal,
// oldest first.
func (l *Ledger) ListNotifications(dealID string) ([]Notification, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(
		`SELECT deal_id, event_type, event_key, sent_at FROM notifications WHERE deal_id = ? ORDER BY sent_at ASC`,
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var t int64
		if err := rows.Scan(&n.DealID, &n.EventType, &n.EventKey, &t); err != nil {
			return nil, fmt.Errorf("ledger: scan notification: %w", err)
		}
		n.SentAt = time.Unix(t, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
