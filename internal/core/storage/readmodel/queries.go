package readmodel

// The SQL here runs unchanged on postgres and sqlite, which constrains it to
// the shared dialect: $n placeholders used exactly once each and in order,
// ON CONFLICT upserts referencing excluded, and no engine-specific types.
// Whole rows are computed in Go and written back; SQL only stores and
// fetches them.

// queryUpsertCardStatus writes one card_status row.
const queryUpsertCardStatus = `
	INSERT INTO card_status (
		card_id, sheet_id, position, generation, replaces_card_id,
		status, defect_code, void_reason, assembly_id, rework_count,
		last_event_at, last_seq
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (card_id) DO UPDATE SET
		sheet_id = excluded.sheet_id,
		position = excluded.position,
		generation = excluded.generation,
		replaces_card_id = excluded.replaces_card_id,
		status = excluded.status,
		defect_code = excluded.defect_code,
		void_reason = excluded.void_reason,
		assembly_id = excluded.assembly_id,
		rework_count = excluded.rework_count,
		last_event_at = excluded.last_event_at,
		last_seq = excluded.last_seq
`

const cardStatusColumns = `
	card_id, sheet_id, position, generation, replaces_card_id,
	status, defect_code, void_reason, assembly_id, rework_count,
	last_event_at, last_seq
`

// querySelectCardStatus fetches one card_status row by card id.
const querySelectCardStatus = `
	SELECT ` + cardStatusColumns + `
	FROM card_status
	WHERE card_id = $1
`

// querySelectCardsBySheet lists a sheet's cards, replacements included,
// in position then generation order.
const querySelectCardsBySheet = `
	SELECT ` + cardStatusColumns + `
	FROM card_status
	WHERE sheet_id = $1
	ORDER BY position ASC, generation ASC
`

// queryUpsertSheetSummary writes one sheet_summary row.
const queryUpsertSheetSummary = `
	INSERT INTO sheet_summary (
		sheet_id, job_id, status, card_count,
		cards_created, cards_in_process, cards_qa_passed, cards_qa_failed,
		cards_voided, cards_assembled, cards_packed, yield_percent,
		last_event_at, last_seq
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (sheet_id) DO UPDATE SET
		job_id = excluded.job_id,
		status = excluded.status,
		card_count = excluded.card_count,
		cards_created = excluded.cards_created,
		cards_in_process = excluded.cards_in_process,
		cards_qa_passed = excluded.cards_qa_passed,
		cards_qa_failed = excluded.cards_qa_failed,
		cards_voided = excluded.cards_voided,
		cards_assembled = excluded.cards_assembled,
		cards_packed = excluded.cards_packed,
		yield_percent = excluded.yield_percent,
		last_event_at = excluded.last_event_at,
		last_seq = excluded.last_seq
`

// querySelectSheetSummary fetches one sheet_summary row by sheet id.
const querySelectSheetSummary = `
	SELECT
		sheet_id, job_id, status, card_count,
		cards_created, cards_in_process, cards_qa_passed, cards_qa_failed,
		cards_voided, cards_assembled, cards_packed, yield_percent,
		last_event_at, last_seq
	FROM sheet_summary
	WHERE sheet_id = $1
`

// queryUpsertAssemblyProgress writes one assembly_progress row. Position
// sets travel as JSON text; zero times travel as NULL.
const queryUpsertAssemblyProgress = `
	INSERT INTO assembly_progress (
		assembly_id, sheet_id, status, expected_count, gathered_count,
		gathered_positions, missing_positions, progress_percent,
		first_gathered_at, completed_at, errored_at, error_reason,
		last_event_at, last_seq
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (assembly_id) DO UPDATE SET
		sheet_id = excluded.sheet_id,
		status = excluded.status,
		expected_count = excluded.expected_count,
		gathered_count = excluded.gathered_count,
		gathered_positions = excluded.gathered_positions,
		missing_positions = excluded.missing_positions,
		progress_percent = excluded.progress_percent,
		first_gathered_at = excluded.first_gathered_at,
		completed_at = excluded.completed_at,
		errored_at = excluded.errored_at,
		error_reason = excluded.error_reason,
		last_event_at = excluded.last_event_at,
		last_seq = excluded.last_seq
`

const assemblyProgressColumns = `
	assembly_id, sheet_id, status, expected_count, gathered_count,
	gathered_positions, missing_positions, progress_percent,
	first_gathered_at, completed_at, errored_at, error_reason,
	last_event_at, last_seq
`

// querySelectAssemblyProgress fetches one assembly_progress row.
const querySelectAssemblyProgress = `
	SELECT ` + assemblyProgressColumns + `
	FROM assembly_progress
	WHERE assembly_id = $1
`

// querySelectInProgressAssemblies lists assemblies still gathering, least
// recently active first. The overdue cutoff comparison happens in Go so
// that no time arithmetic crosses the engine boundary.
const querySelectInProgressAssemblies = `
	SELECT ` + assemblyProgressColumns + `
	FROM assembly_progress
	WHERE status = 'IN_PROGRESS' AND first_gathered_at IS NOT NULL
	ORDER BY last_seq ASC
	LIMIT $1
`

// queryUpsertStationLoad writes one station_load row.
const queryUpsertStationLoad = `
	INSERT INTO station_load (
		station_id, events_total, sheets_cut, qa_passed, qa_failed,
		cards_gathered, cards_packed, last_seen_at, last_seq
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (station_id) DO UPDATE SET
		events_total = excluded.events_total,
		sheets_cut = excluded.sheets_cut,
		qa_passed = excluded.qa_passed,
		qa_failed = excluded.qa_failed,
		cards_gathered = excluded.cards_gathered,
		cards_packed = excluded.cards_packed,
		last_seen_at = excluded.last_seen_at,
		last_seq = excluded.last_seq
`

// querySelectStationLoad fetches one station_load row.
const querySelectStationLoad = `
	SELECT
		station_id, events_total, sheets_cut, qa_passed, qa_failed,
		cards_gathered, cards_packed, last_seen_at, last_seq
	FROM station_load
	WHERE station_id = $1
`

// queryAdvanceOffset moves a projection's watermark forward. The WHERE on
// the conflict arm keeps it monotonic: replays of already-folded batches
// can never move a watermark backwards.
const queryAdvanceOffset = `
	INSERT INTO projection_offsets (projection, last_applied_sequence, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (projection) DO UPDATE SET
		last_applied_sequence = excluded.last_applied_sequence,
		updated_at = excluded.updated_at
	WHERE projection_offsets.last_applied_sequence < excluded.last_applied_sequence
`

// querySelectOffsets lists every projection watermark.
const querySelectOffsets = `
	SELECT projection, last_applied_sequence, updated_at
	FROM projection_offsets
	ORDER BY projection ASC
`

// querySelectOffset fetches one projection watermark.
const querySelectOffset = `
	SELECT last_applied_sequence
	FROM projection_offsets
	WHERE projection = $1
`

// queryDeleteOffset clears one projection watermark during a reset.
const queryDeleteOffset = `
	DELETE FROM projection_offsets
	WHERE projection = $1
`
