package db

import (
	"database/sql"
	"fmt"
)

// schema is the full database schema.
//
// Money columns are TEXT holding decimal strings. They are never summed in
// SQL, which would go through floating point.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            INTEGER PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'user')),
    tier          TEXT NOT NULL DEFAULT 'free' CHECK (tier IN ('free', 'premium')),
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS wallets (
    user_id    INTEGER PRIMARY KEY REFERENCES users(id),
    balance    TEXT NOT NULL DEFAULT '0',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS recipients (
    id                     INTEGER PRIMARY KEY,
    user_id                INTEGER NOT NULL REFERENCES users(id),
    name                   TEXT NOT NULL,
    birthday               DATE,
    anniversary            DATE,
    preferred_gift_tag     TEXT,
    automation_enabled     INTEGER NOT NULL DEFAULT 0,
    address_line1          TEXT,
    address_line2          TEXT,
    city                   TEXT,
    postal_code            TEXT,
    country                TEXT,
    default_gift_reference TEXT,
    created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at             DATETIME
);

CREATE INDEX IF NOT EXISTS idx_recipients_user ON recipients(user_id);

CREATE TABLE IF NOT EXISTS occasions (
    id                   INTEGER PRIMARY KEY,
    recipient_id         INTEGER NOT NULL REFERENCES recipients(id),
    user_id              INTEGER NOT NULL REFERENCES users(id),
    occasion_type        TEXT NOT NULL CHECK (occasion_type IN ('birthday', 'anniversary', 'custom')),
    occasion_date        DATE NOT NULL,
    automation_enabled   INTEGER NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'pending' CHECK (status IN (
                             'pending', 'funds_reserved', 'address_requested', 'address_confirmed',
                             'ordered', 'delivered', 'cancelled', 'error')),
    resume_status        TEXT,
    last_error           TEXT,
    budget               TEXT NOT NULL DEFAULT '0',
    wallet_reserved      INTEGER NOT NULL DEFAULT 0,
    reservation_amount   TEXT NOT NULL DEFAULT '0',
    charged_amount       TEXT,
    gift_reference       TEXT,
    gift_description     TEXT,
    address_requested_at DATETIME,
    address_confirmed_at DATETIME,
    gift_confirmed_at    DATETIME,
    external_order_id    TEXT,
    tracking_number      TEXT,
    delivery_date        DATE,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_occasions_user ON occasions(user_id);
CREATE INDEX IF NOT EXISTS idx_occasions_recipient ON occasions(recipient_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_occasions_external_order
    ON occasions(external_order_id) WHERE external_order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS cancelled_orders (
    external_order_id TEXT PRIMARY KEY,
    reason            TEXT NOT NULL,
    received_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS occasion_transitions (
    id          INTEGER PRIMARY KEY,
    occasion_id INTEGER NOT NULL REFERENCES occasions(id),
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    reason      TEXT NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id            INTEGER PRIMARY KEY,
    user_id       INTEGER NOT NULL REFERENCES users(id),
    occasion_id   INTEGER REFERENCES occasions(id),
    kind          TEXT NOT NULL CHECK (kind IN ('deposit', 'reservation', 'charge', 'refund')),
    status        TEXT NOT NULL CHECK (status IN ('pending', 'completed')),
    amount        TEXT NOT NULL,
    balance_after TEXT NOT NULL,
    settles_id    INTEGER REFERENCES ledger_transactions(id),
    external_ref  TEXT,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    settled_at    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_transactions(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_pending_reservation
    ON ledger_transactions(occasion_id) WHERE kind = 'reservation' AND status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_settles
    ON ledger_transactions(settles_id) WHERE settles_id IS NOT NULL;
DROP INDEX IF EXISTS idx_ledger_deposit_ref;
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_user_deposit_ref
    ON ledger_transactions(user_id, external_ref) WHERE kind = 'deposit' AND external_ref IS NOT NULL;

CREATE TABLE IF NOT EXISTS catalog_items (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    price           TEXT NOT NULL,
    preference_tag  TEXT,
    rank            INTEGER NOT NULL DEFAULT 0,
    available       INTEGER NOT NULL DEFAULT 1,
    inventory_count INTEGER NOT NULL DEFAULT 0,
    universal       INTEGER NOT NULL DEFAULT 0,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_catalog_tag ON catalog_items(preference_tag);

CREATE TABLE IF NOT EXISTS webhook_events (
    source      TEXT NOT NULL,
    event_id    TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source, event_id)
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    expires_at DATETIME NOT NULL
);
`

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
