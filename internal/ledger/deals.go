package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Deal persistence errors.
var (
	ErrDealNotFound = errors.New("ledger: deal not found")
	ErrDealExists   = errors.New("ledger: deal already exists")
)

// CreateDeal inserts a brand new deal in stage CREATED. Returns
// ErrDealExists if the ID is already taken.
func (l *Ledger) CreateDeal(d *Deal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.Stage == "" {
		d.Stage = StageCreated
	}
	_, err := l.db.Exec(`
		INSERT INTO deals (
			id, name, created_at, expires_at, timeout_seconds, stage,
			alice_chain, alice_asset, alice_amount,
			bob_chain, bob_asset, bob_amount,
			alice_commission_mode, alice_commission_asset,
			bob_commission_mode, bob_commission_asset
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.Name, d.CreatedAt.Unix(), d.ExpiresAt.Unix(), d.TimeoutSeconds, string(d.Stage),
		d.Alice.ChainID, d.Alice.Asset, d.Alice.Amount,
		d.Bob.ChainID, d.Bob.Asset, d.Bob.Amount,
		string(d.AliceCommission.Mode), nullableString(d.AliceCommission.Asset),
		string(d.BobCommission.Mode), nullableString(d.BobCommission.Asset),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrDealExists
		}
		return fmt.Errorf("ledger: create deal: %w", err)
	}
	return nil
}

// GetDeal loads a deal by ID.
func (l *Ledger) GetDeal(id string) (*Deal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getDeal(id)
}

func (l *Ledger) getDeal(id string) (*Deal, error) {
	row := l.db.QueryRow(`SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	d, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDealNotFound
		}
		return nil, fmt.Errorf("ledger: get deal: %w", err)
	}
	return d, nil
}

// ListActiveDeals returns every deal not yet CLOSED, ordered by creation
// time, for the deal-tick driver to iterate.
func (l *Ledger) ListActiveDeals() ([]*Deal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT `+dealColumns+` FROM deals WHERE stage != ? ORDER BY created_at ASC`, string(StageClosed))
	if err != nil {
		return nil, fmt.Errorf("ledger: list active deals: %w", err)
	}
	defer rows.Close()

	var deals []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// FillPartyDetails records a party's payback/recipient address once, the
// first time they call in. It is a no-op error if already filled and
// locked, since details become immutable the moment collection begins.
func (l *Ledger) FillPartyDetails(dealID string, side Side, details PartyDetails) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	details.FilledAt = time.Now().UTC()
	col := "alice"
	if side == SideBob {
		col = "bob"
	}
	res, err := l.db.Exec(fmt.Sprintf(`
		UPDATE deals SET
			%[1]s_payback_address = ?,
			%[1]s_recipient_address = ?,
			%[1]s_email = ?,
			%[1]s_details_filled_at = ?
		WHERE id = ? AND %[1]s_details_locked = 0
	`, col),
		details.PaybackAddress, details.RecipientAddress, nullableString(details.Email),
		details.FilledAt.Unix(), dealID,
	)
	if err != nil {
		return fmt.Errorf("ledger: fill party details: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: fill party details: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ledger: fill party details: %w", ErrDetailsLocked)
	}
	return nil
}

// ErrDetailsLocked is returned when a party tries to change details after
// they were frozen for collection.
var ErrDetailsLocked = errors.New("ledger: party details are locked")

// LockPartyDetails freezes a side's details so they can no longer change,
// called once the deal enters COLLECTION.
func (l *Ledger) LockPartyDetails(dealID string, side Side) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	col := "alice"
	if side == SideBob {
		col = "bob"
	}
	_, err := l.db.Exec(fmt.Sprintf(`UPDATE deals SET %s_details_locked = 1 WHERE id = ?`, col), dealID)
	if err != nil {
		return fmt.Errorf("ledger: lock party details: %w", err)
	}
	return nil
}

// ErrCancelNotAllowed is returned when a cancel is attempted outside
// CREATED or after any deposit has already been observed.
var ErrCancelNotAllowed = errors.New("ledger: cancel not allowed")

// CancelDeal transitions a deal straight to REVERTED, but only when it is
// still in CREATED with zero recorded deposits. Both checks and the write
// happen under the same lock so a concurrent deposit observation can't
// race the cancel.
func (l *Ledger) CancelDeal(dealID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.getDeal(dealID)
	if err != nil {
		return err
	}
	if d.Stage != StageCreated {
		return ErrCancelNotAllowed
	}

	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM escrow_deposits WHERE deal_id = ?`, dealID).Scan(&n); err != nil {
		return fmt.Errorf("ledger: cancel deal: count deposits: %w", err)
	}
	if n > 0 {
		return ErrCancelNotAllowed
	}

	if _, err := l.db.Exec(`UPDATE deals SET stage = ? WHERE id = ? AND stage = ?`,
		string(StageReverted), dealID, string(StageCreated)); err != nil {
		return fmt.Errorf("ledger: cancel deal: %w", err)
	}
	return nil
}

// SetStage transitions a deal to a new stage.
func (l *Ledger) SetStage(dealID string, stage Stage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`UPDATE deals SET stage = ? WHERE id = ?`, string(stage), dealID)
	if err != nil {
		return fmt.Errorf("ledger: set stage: %w", err)
	}
	return nil
}

// SetEscrow records the derived escrow account for a side.
func (l *Ledger) SetEscrow(dealID string, side Side, e Escrow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	col := "escrow_a"
	if side == SideBob {
		col = "escrow_b"
	}
	_, err := l.db.Exec(fmt.Sprintf(`
		UPDATE deals SET %[1]s_chain = ?, %[1]s_address = ?, %[1]s_key_ref = ? WHERE id = ?
	`, col), e.ChainID, e.Address, e.KeyRef, dealID)
	if err != nil {
		return fmt.Errorf("ledger: set escrow: %w", err)
	}
	return nil
}

// FreezeCommission sets the immutable computed commission amount for a
// side. Once frozen, the amount never changes even if BPS config changes
// later — deposits already collected were locked against this number.
func (l *Ledger) FreezeCommission(dealID string, side Side, amount string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	col := "alice_commission"
	if side == SideBob {
		col = "bob_commission"
	}
	_, err := l.db.Exec(fmt.Sprintf(`
		UPDATE deals SET %[1]s_amount = ?, %[1]s_frozen = 1, %[1]s_frozen_at = ?
		WHERE id = ? AND %[1]s_frozen = 0
	`, col), amount, time.Now().UTC().Unix(), dealID)
	if err != nil {
		return fmt.Errorf("ledger: freeze commission: %w", err)
	}
	return nil
}

const dealColumns = `
	id, name, created_at, expires_at, timeout_seconds, stage,
	alice_chain, alice_asset, alice_amount,
	bob_chain, bob_asset, bob_amount,
	alice_payback_address, alice_recipient_address, alice_email, alice_details_filled_at, alice_details_locked,
	bob_payback_address, bob_recipient_address, bob_email, bob_details_filled_at, bob_details_locked,
	escrow_a_chain, escrow_a_address, escrow_a_key_ref,
	escrow_b_chain, escrow_b_address, escrow_b_key_ref,
	alice_commission_mode, alice_commission_amount, alice_commission_asset, alice_commission_frozen, alice_commission_frozen_at,
	bob_commission_mode, bob_commission_amount, bob_commission_asset, bob_commission_frozen, bob_commission_frozen_at
`

// rowScanner abstracts over *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*Deal, error) {
	var d Deal
	var createdAt, expiresAt int64
	var aPayback, aRecipient, aEmail sql.NullString
	var aFilledAt sql.NullInt64
	var aLocked int64
	var bPayback, bRecipient, bEmail sql.NullString
	var bFilledAt sql.NullInt64
	var bLocked int64
	var eaChain, eaAddr, eaKey sql.NullString
	var ebChain, ebAddr, ebKey sql.NullString
	var aCommMode, aCommAmount string
	var aCommAsset sql.NullString
	var aCommFrozen int64
	var aCommFrozenAt sql.NullInt64
	var bCommMode, bCommAmount string
	var bCommAsset sql.NullString
	var bCommFrozen int64
	var bCommFrozenAt sql.NullInt64

	err := row.Scan(
		&d.ID, &d.Name, &createdAt, &expiresAt, &d.TimeoutSeconds, &d.Stage,
		&d.Alice.ChainID, &d.Alice.Asset, &d.Alice.Amount,
		&d.Bob.ChainID, &d.Bob.Asset, &d.Bob.Amount,
		&aPayback, &aRecipient, &aEmail, &aFilledAt, &aLocked,
		&bPayback, &bRecipient, &bEmail, &bFilledAt, &bLocked,
		&eaChain, &eaAddr, &eaKey,
		&ebChain, &ebAddr, &ebKey,
		&aCommMode, &aCommAmount, &aCommAsset, &aCommFrozen, &aCommFrozenAt,
		&bCommMode, &bCommAmount, &bCommAsset, &bCommFrozen, &bCommFrozenAt,
	)
	if err != nil {
		return nil, err
	}

	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if aFilledAt.Valid {
		d.AliceDetails = &PartyDetails{
			PaybackAddress:   aPayback.String,
			RecipientAddress: aRecipient.String,
			Email:            aEmail.String,
			FilledAt:         time.Unix(aFilledAt.Int64, 0).UTC(),
			Locked:           intToBool(aLocked),
		}
	}
	if bFilledAt.Valid {
		d.BobDetails = &PartyDetails{
			PaybackAddress:   bPayback.String,
			RecipientAddress: bRecipient.String,
			Email:            bEmail.String,
			FilledAt:         time.Unix(bFilledAt.Int64, 0).UTC(),
			Locked:           intToBool(bLocked),
		}
	}
	if eaAddr.Valid {
		d.EscrowA = &Escrow{ChainID: eaChain.String, Address: eaAddr.String, KeyRef: eaKey.String}
	}
	if ebAddr.Valid {
		d.EscrowB = &Escrow{ChainID: ebChain.String, Address: ebAddr.String, KeyRef: ebKey.String}
	}

	d.AliceCommission = Commission{
		Mode: CommissionMode(aCommMode), Amount: aCommAmount, Asset: aCommAsset.String,
		Frozen: intToBool(aCommFrozen),
	}
	if aCommFrozenAt.Valid {
		d.AliceCommission.FrozenAt = time.Unix(aCommFrozenAt.Int64, 0).UTC()
	}
	d.BobCommission = Commission{
		Mode: CommissionMode(bCommMode), Amount: bCommAmount, Asset: bCommAsset.String,
		Frozen: intToBool(bCommFrozen),
	}
	if bCommFrozenAt.Valid {
		d.BobCommission.FrozenAt = time.Unix(bCommFrozenAt.Int64, 0).UTC()
	}

	return &d, nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY constraint")
}
