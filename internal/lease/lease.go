// Package lease provides per-deal mutual exclusion for the deal-tick
// driver. Leases are held in the ledger with absolute wall-clock expiry,
// so operator tooling can read them directly; this package wraps that
// with a stable owner identity. A Manager also carries a Clock, but lease
// expiry is computed by the ledger from the wall clock, not from it.
package lease

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/atomicbroker/internal/ledger"
)

// Clock abstracts the time source. Manager stores one, but Acquire and
// Release do not consult it: ledger.AcquireLease reads the wall clock.
// Production code uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock Clock used outside tests.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Manager acquires and releases deal leases against the ledger on behalf
// of one worker process.
type Manager struct {
	ledger  *ledger.Ledger
	clock   Clock
	ownerID string
	ttl     time.Duration
}

// DefaultTTL is the lease duration: long enough to cover a slow tick,
// short enough that a crashed worker's deals recover quickly.
const DefaultTTL = 90 * time.Second

// NewManager builds a Manager with a freshly derived, process-unique
// owner ID (hostname + pid + random bytes, hashed so it stays a short,
// log-friendly token).
func NewManager(l *ledger.Ledger, clock Clock, ttl time.Duration) *Manager {
	if clock == nil {
		clock = RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{ledger: l, clock: clock, ownerID: newOwnerID(), ttl: ttl}
}

// OwnerID returns this manager's worker identity, useful for logging and
// for operator tooling that needs to attribute a stuck lease.
func (m *Manager) OwnerID() string { return m.ownerID }

// Acquire attempts to take the lease for a deal. false, nil means
// another live owner holds it — not an error, the caller simply skips
// this deal for the current tick.
func (m *Manager) Acquire(dealID string) (bool, error) {
	ok, err := m.ledger.AcquireLease(dealID, m.ownerID, m.ttl)
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", dealID, err)
	}
	return ok, nil
}

// Release gives up a lease early so another worker does not have to
// wait out the full TTL.
func (m *Manager) Release(dealID string) error {
	if err := m.ledger.ReleaseLease(dealID, m.ownerID); err != nil {
		return fmt.Errorf("lease: release %s: %w", dealID, err)
	}
	return nil
}

func newOwnerID() string {
	host, _ := os.Hostname()
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	sum := sha3.Sum256([]byte(fmt.Sprintf("%s:%d:%x", host, os.Getpid(), nonce)))
	return fmt.Sprintf("worker-%x", sum[:6])
}
