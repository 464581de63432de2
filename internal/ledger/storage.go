package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/atomicbroker/pkg/logging"
)

// Ledger is the durable store for deals, deposits, the outbound queue,
// accounts, leases, and events.
type Ledger struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	log    *logging.Logger
}

// Config holds ledger configuration.
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the SQLite-backed ledger at
// cfg.DataDir/broker.db and ensures its schema is current.
func New(cfg *Config) (*Ledger, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "broker.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{
		db:     db,
		dbPath: dbPath,
		log:    logging.GetDefault().Component("ledger"),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		stage TEXT NOT NULL DEFAULT 'CREATED',

		alice_chain TEXT NOT NULL,
		alice_asset TEXT NOT NULL,
		alice_amount TEXT NOT NULL,
		bob_chain TEXT NOT NULL,
		bob_asset TEXT NOT NULL,
		bob_amount TEXT NOT NULL,

		alice_payback_address TEXT,
		alice_recipient_address TEXT,
		alice_email TEXT,
		alice_details_filled_at INTEGER,
		alice_details_locked INTEGER NOT NULL DEFAULT 0,

		bob_payback_address TEXT,
		bob_recipient_address TEXT,
		bob_email TEXT,
		bob_details_filled_at INTEGER,
		bob_details_locked INTEGER NOT NULL DEFAULT 0,

		escrow_a_chain TEXT,
		escrow_a_address TEXT,
		escrow_a_key_ref TEXT,
		escrow_b_chain TEXT,
		escrow_b_address TEXT,
		escrow_b_key_ref TEXT,

		alice_commission_mode TEXT NOT NULL DEFAULT 'PERCENT_BPS',
		alice_commission_amount TEXT NOT NULL DEFAULT '0',
		alice_commission_asset TEXT,
		alice_commission_frozen INTEGER NOT NULL DEFAULT 0,
		alice_commission_frozen_at INTEGER,

		bob_commission_mode TEXT NOT NULL DEFAULT 'PERCENT_BPS',
		bob_commission_amount TEXT NOT NULL DEFAULT '0',
		bob_commission_asset TEXT,
		bob_commission_frozen INTEGER NOT NULL DEFAULT 0,
		bob_commission_frozen_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals(stage);
	CREATE INDEX IF NOT EXISTS idx_deals_expires ON deals(expires_at);

	CREATE TABLE IF NOT EXISTS escrow_deposits (
		deal_id TEXT NOT NULL,
		txid TEXT NOT NULL,
		tx_index INTEGER NOT NULL,
		chain_id TEXT NOT NULL,
		address TEXT NOT NULL,
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		block_height INTEGER,
		block_time INTEGER,
		confirms INTEGER NOT NULL DEFAULT 0,
		orphaned INTEGER NOT NULL DEFAULT 0,
		observed_at INTEGER NOT NULL,
		PRIMARY KEY (deal_id, txid, tx_index)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_deal ON escrow_deposits(deal_id);
	CREATE INDEX IF NOT EXISTS idx_deposits_address ON escrow_deposits(address);

	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,

		purpose TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',

		submitted_txid TEXT,
		submitted_at INTEGER,
		nonce_or_inputs TEXT,
		gas_price TEXT,
		additional_txids TEXT,

		last_submit_at INTEGER,
		original_nonce INTEGER,
		last_gas_price TEXT,
		gas_bump_attempts INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_deal ON queue_items(deal_id);
	CREATE INDEX IF NOT EXISTS idx_queue_sender_seq ON queue_items(chain_id, sender, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status);

	CREATE TABLE IF NOT EXISTS accounts (
		chain_id TEXT NOT NULL,
		address TEXT NOT NULL,
		last_used_nonce INTEGER,
		last_confirmed_nonce INTEGER,
		PRIMARY KEY (chain_id, address)
	);

	CREATE TABLE IF NOT EXISTS leases (
		deal_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		until INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deal_id TEXT NOT NULL,
		time INTEGER NOT NULL,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_deal ON events(deal_id, time);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deal_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_key TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		UNIQUE (deal_id, event_type, event_key)
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_deal ON notifications(deal_id);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return l.runMigrations()
}

// runMigrations applies additive ALTER TABLE statements for databases
// created by earlier schema versions. Errors are ignored: the column may
// already exist.
func (l *Ledger) runMigrations() error {
	migrations := []string{
		"ALTER TABLE queue_items ADD COLUMN last_gas_price TEXT",
	}
	for _, m := range migrations {
		_, _ = l.db.Exec(m)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int64) bool {
	return i != 0
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
