package lease

import (
	"testing"
	"time"

	"github.com/klingon-exchange/atomicbroker/internal/ledger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	l, err := ledger.New(&ledger.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return NewManager(l, RealClock{}, 50*time.Millisecond)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.Acquire("deal-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("expected to acquire uncontended lease")
	}

	if err := m.Release("deal-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestTwoManagersContend(t *testing.T) {
	l, err := ledger.New(&ledger.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	a := NewManager(l, RealClock{}, time.Second)
	b := NewManager(l, RealClock{}, time.Second)

	ok, err := a.Acquire("deal-2")
	if err != nil || !ok {
		t.Fatalf("a.Acquire() = %v, %v", ok, err)
	}
	ok, err = b.Acquire("deal-2")
	if err != nil {
		t.Fatalf("b.Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("expected b to be denied while a holds a live lease")
	}
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	l, err := ledger.New(&ledger.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	a := NewManager(l, RealClock{}, 20*time.Millisecond)
	b := NewManager(l, RealClock{}, 20*time.Millisecond)

	ok, err := a.Acquire("deal-3")
	if err != nil || !ok {
		t.Fatalf("a.Acquire() = %v, %v", ok, err)
	}

	time.Sleep(30 * time.Millisecond)

	ok, err = b.Acquire("deal-3")
	if err != nil {
		t.Fatalf("b.Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("expected b to acquire after a's lease expired")
	}
}
