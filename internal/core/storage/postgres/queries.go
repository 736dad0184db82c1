package postgres

// SQL queries for the append-only event log and aggregate head tracking.

const (
	// queryInsertEvent appends one event row. The sequence column is a
	// BIGSERIAL, so RETURNING hands back the global log position the row
	// landed on. Uniqueness of (id) and of (aggregate_type, aggregate_id,
	// version) is enforced by named constraints; violations are mapped to
	// storage sentinel errors by constraint name.
	queryInsertEvent = `
		INSERT INTO events (
			id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sequence
	`

	// querySelectHeadForUpdate locks one aggregate's head row for the
	// duration of the append transaction. Holding the lock serializes
	// concurrent appends to the same stream, which is what keeps per-stream
	// versions gap-free.
	querySelectHeadForUpdate = `
		SELECT version
		FROM aggregate_heads
		WHERE aggregate_type = $1 AND aggregate_id = $2
		FOR UPDATE
	`

	// queryInitHeadRow creates the head row for a stream's first append.
	// ON CONFLICT DO NOTHING tolerates the race where two transactions
	// initialize the same stream; the loser re-reads under FOR UPDATE.
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

	// queryEventIDExists distinguishes a retried command from a genuine
	// version conflict: event ids are deterministic per command, so the
	// first id of the batch already being in the log means this exact
	// command committed before.
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

	// queryReadAggregate fetches one stream's events above a version
	// watermark, in version order. fromVersion=0 reads the whole stream.
	queryReadAggregate = `
		SELECT
			sequence, id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version ASC
	`

	// queryReadAll walks the global log after a sequence watermark in strict
	// total order. An empty type filter matches everything; a non-empty one
	// narrows server-side so rebuilds of a single view do not drag the whole
	// log over the wire.
	queryReadAll = `
		SELECT
			sequence, id, aggregate_type, aggregate_id, version, type,
			payload, occurred_at, recorded_at, actor_id, station_id, correlation_id
		FROM events
		WHERE sequence > $1
		  AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
		ORDER BY sequence ASC
		LIMIT $3
	`
)
