package sqlite

// SQL for the event log and aggregate head tracking on SQLite. The schema is
// created on open, so a single-site deployment needs nothing beyond a file
// path. Read model DDL lives here too: the same upsert SQL the postgres
// deployment runs against migrated tables runs here against these.

// schemaSQL is executed statement by statement on every open. Every
// statement is idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	station_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL,
	UNIQUE (id),
	UNIQUE (aggregate_type, aggregate_id, version)
);

CREATE INDEX IF NOT EXISTS idx_events_type_sequence ON events (type, sequence);

CREATE TABLE IF NOT EXISTS aggregate_heads (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id)
);

CREATE TABLE IF NOT EXISTS card_status (
	card_id TEXT PRIMARY KEY,
	sheet_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	generation INTEGER NOT NULL DEFAULT 0,
	replaces_card_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	defect_code TEXT NOT NULL DEFAULT '',
	void_reason TEXT NOT NULL DEFAULT '',
	assembly_id TEXT NOT NULL DEFAULT '',
	rework_count INTEGER NOT NULL DEFAULT 0,
	last_event_at TIMESTAMP NOT NULL,
	last_seq INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_card_status_sheet ON card_status (sheet_id, position, generation);

CREATE TABLE IF NOT EXISTS sheet_summary (
	sheet_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	card_count INTEGER NOT NULL DEFAULT 0,
	cards_created INTEGER NOT NULL DEFAULT 0,
	cards_in_process INTEGER NOT NULL DEFAULT 0,
	cards_qa_passed INTEGER NOT NULL DEFAULT 0,
	cards_qa_failed INTEGER NOT NULL DEFAULT 0,
	cards_voided INTEGER NOT NULL DEFAULT 0,
	cards_assembled INTEGER NOT NULL DEFAULT 0,
	cards_packed INTEGER NOT NULL DEFAULT 0,
	yield_percent TEXT NOT NULL DEFAULT '100',
	last_event_at TIMESTAMP NOT NULL,
	last_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assembly_progress (
	assembly_id TEXT PRIMARY KEY,
	sheet_id TEXT NOT NULL,
	status TEXT NOT NULL,
	expected_count INTEGER NOT NULL,
	gathered_count INTEGER NOT NULL DEFAULT 0,
	gathered_positions TEXT NOT NULL DEFAULT '[]',
	missing_positions TEXT NOT NULL DEFAULT '[]',
	progress_percent TEXT NOT NULL DEFAULT '0',
	first_gathered_at TIMESTAMP,
	completed_at TIMESTAMP,
	errored_at TIMESTAMP,
	error_reason TEXT NOT NULL DEFAULT '',
	last_event_at TIMESTAMP NOT NULL,
	last_seq INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assembly_progress_status ON assembly_progress (status, last_seq);

CREATE TABLE IF NOT EXISTS station_load (
	station_id TEXT PRIMARY KEY,
	events_total INTEGER NOT NULL DEFAULT 0,
	sheets_cut INTEGER NOT NULL DEFAULT 0,
	qa_passed INTEGER NOT NULL DEFAULT 0,
	qa_failed INTEGER NOT NULL DEFAULT 0,
	cards_gathered INTEGER NOT NULL DEFAULT 0,
	cards_packed INTEGER NOT NULL DEFAULT 0,
	last_seen_at TIMESTAMP NOT NULL,
	last_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projection_offsets (
	projection TEXT PRIMARY KEY,
	last_applied_sequence INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const (
	queryInsertEvent = `
		INSERT INTO events (
			id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	querySelectHead = `
		SELECT version
		FROM aggregate_heads
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`

	queryInitHeadRow = `
		INSERT INTO aggregate_heads (aggregate_type, aggregate_id, version, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (aggregate_type, aggregate_id) DO NOTHING
	`

	queryUpdateHead = `
		UPDATE aggregate_heads
		SET version = $1, updated_at = $2
		WHERE aggregate_type = $3 AND aggregate_id = $4
	`

	queryEventIDExists = `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`

	// queryEventByID fetches one event by its id. Serves resubmission
	// detection outside the append path.
	queryEventByID = `
		SELECT
			sequence, id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		FROM events
		WHERE id = $1
	`

	queryReadAggregate = `
		SELECT
			sequence, id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version ASC
	`

	// queryReadAllPrefix is completed per call: SQLite has no array
	// parameters, so the type filter is an IN list built with one ?
	// per type.
	queryReadAllPrefix = `
		SELECT
			sequence, id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		FROM events
		WHERE sequence > ?
	`
)
