package store

// Timestamps are unix milliseconds. The CHECK on competitions backs up the
// conditional reservation update.

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS competitions (
		slug VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL DEFAULT '',
		capacity BIGINT NOT NULL,
		sold BIGINT NOT NULL DEFAULT 0,
		unit_price BIGINT NOT NULL,
		window_start BIGINT NOT NULL,
		window_end BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		winners_count INT NOT NULL,
		max_per_user BIGINT NOT NULL DEFAULT 0,
		drawn TINYINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (slug),
		KEY idx_competitions_status (status, window_end),
		CONSTRAINT chk_competitions_sold CHECK (sold >= 0 AND sold <= capacity)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id VARCHAR(128) NOT NULL,
		status VARCHAR(16) NOT NULL,
		claimed_amount BIGINT NOT NULL,
		competition_slug VARCHAR(64) NOT NULL,
		buyer VARCHAR(128) NOT NULL,
		txid VARCHAR(255) NOT NULL DEFAULT '',
		quantity BIGINT NOT NULL DEFAULT 0,
		range_start BIGINT NOT NULL DEFAULT 0,
		range_end BIGINT NOT NULL DEFAULT 0,
		fail_reason VARCHAR(255) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (payment_id),
		KEY idx_payments_status (status, updated_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS ticket_entries (
		id VARCHAR(36) NOT NULL,
		competition_slug VARCHAR(64) NOT NULL,
		owner VARCHAR(128) NOT NULL,
		quantity BIGINT NOT NULL,
		range_start BIGINT NOT NULL,
		range_end BIGINT NOT NULL,
		provenance VARCHAR(16) NOT NULL,
		payment_id VARCHAR(128) NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uk_ticket_entries_range (competition_slug, range_start),
		UNIQUE KEY uk_ticket_entries_payment (payment_id),
		KEY idx_ticket_entries_owner (competition_slug, owner)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS winners (
		competition_slug VARCHAR(64) NOT NULL,
		position INT NOT NULL,
		owner VARCHAR(128) NOT NULL,
		ticket_number BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (competition_slug, position),
		UNIQUE KEY uk_winners_ticket (competition_slug, ticket_number)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_limits (
		owner VARCHAR(128) NOT NULL,
		max_tickets BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (owner)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id VARCHAR(36) NOT NULL,
		topic VARCHAR(64) NOT NULL,
		biz_key VARCHAR(128) NOT NULL,
		payload TEXT NOT NULL,
		status TINYINT NOT NULL DEFAULT 1,
		retry_count INT NOT NULL DEFAULT 0,
		last_error VARCHAR(255) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (id),
		KEY idx_outbox_pending (status, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS competitions (
		slug TEXT NOT NULL PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		capacity INTEGER NOT NULL,
		sold INTEGER NOT NULL DEFAULT 0,
		unit_price INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		status TEXT NOT NULL,
		winners_count INTEGER NOT NULL,
		max_per_user INTEGER NOT NULL DEFAULT 0,
		drawn INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (sold >= 0 AND sold <= capacity)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id TEXT NOT NULL PRIMARY KEY,
		status TEXT NOT NULL,
		claimed_amount INTEGER NOT NULL,
		competition_slug TEXT NOT NULL,
		buyer TEXT NOT NULL,
		txid TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 0,
		range_start INTEGER NOT NULL DEFAULT 0,
		range_end INTEGER NOT NULL DEFAULT 0,
		fail_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS ticket_entries (
		id TEXT NOT NULL PRIMARY KEY,
		competition_slug TEXT NOT NULL,
		owner TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		range_start INTEGER NOT NULL,
		range_end INTEGER NOT NULL,
		provenance TEXT NOT NULL,
		payment_id TEXT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (competition_slug, range_start),
		UNIQUE (payment_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_entries_owner ON ticket_entries (competition_slug, owner)`,
	`CREATE TABLE IF NOT EXISTS winners (
		competition_slug TEXT NOT NULL,
		position INTEGER NOT NULL,
		owner TEXT NOT NULL,
		ticket_number INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (competition_slug, position),
		UNIQUE (competition_slug, ticket_number)
	)`,
	`CREATE TABLE IF NOT EXISTS user_limits (
		owner TEXT NOT NULL PRIMARY KEY,
		max_tickets INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id TEXT NOT NULL PRIMARY KEY,
		topic TEXT NOT NULL,
		biz_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 1,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (status, created_at)`,
}
