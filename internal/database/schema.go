package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		credit_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS slots (
		id TEXT PRIMARY KEY,
		mentor_id TEXT NOT NULL REFERENCES users(id),
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		starts_at TIMESTAMP NOT NULL,
		duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
		cost BIGINT NOT NULL CHECK (cost > 0),
		status TEXT NOT NULL DEFAULT 'available',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		slot_id TEXT NOT NULL REFERENCES slots(id),
		student_id TEXT NOT NULL REFERENCES users(id),
		mentor_id TEXT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'pending',
		cost BIGINT NOT NULL CHECK (cost > 0),
		cancel_reason TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		student_reviewed BOOLEAN NOT NULL DEFAULT FALSE,
		mentor_reviewed BOOLEAN NOT NULL DEFAULT FALSE,
		requested_at TIMESTAMP NOT NULL,
		confirmed_at TIMESTAMP,
		completed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		no_show_at TIMESTAMP,
		version BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		booking_id TEXT REFERENCES bookings(id),
		kind TEXT NOT NULL,
		amount BIGINT NOT NULL,
		held_delta BIGINT NOT NULL DEFAULT 0,
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		next_retry_at TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_slots_mentor ON slots(mentor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_status_start ON slots(status, starts_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_student ON bookings(student_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_mentor ON bookings(mentor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
	// At most one active booking per slot, whatever the application does.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_active_slot ON bookings(slot_id)
		WHERE status IN ('pending', 'confirmed')`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_booking_kind ON ledger_entries(booking_id, user_id, kind)
		WHERE booking_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, next_retry_at)`,
}

var sqliteLedgerGuards = []string{
	`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END`,
}

var postgresLedgerGuards = []string{
	`CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger entries are append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS ledger_entries_no_mutation ON ledger_entries`,
	`CREATE TRIGGER ledger_entries_no_mutation BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only()`,
}
