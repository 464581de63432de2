package ledger

import "testing"

func TestRecordNotificationIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	d := sampleDeal("deal-notify-1")
	if err := l.CreateDeal(d); err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	first, err := l.RecordNotification(d.ID, "stage_changed", "WAITING")
	if err != nil {
		t.Fatalf("RecordNotification() error = %v", err)
	}
	if !first {
		t.Fatalf("RecordNotification() first call = %v, want true", first)
	}

	second, err := l.RecordNotification(d.ID, "stage_changed", "WAITING")
	if err != nil {
		t.Fatalf("RecordNotification() repeat error = %v", err)
	}
	if second {
		t.Fatalf("RecordNotification() repeat call = %v, want false", second)
	}

	// A different eventKey for the same eventType is a distinct notification.
	third, err := l.RecordNotification(d.ID, "stage_changed", "SWAP")
	if err != nil {
		t.Fatalf("RecordNotification() distinct key error = %v", err)
	}
	if !third {
		t.Fatalf("RecordNotification() distinct key = %v, want true", third)
	}

	notes, err := l.ListNotifications(d.ID)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("ListNotifications() len = %d, want 2", len(notes))
	}
}
