// Package postgres implements store.Store against Postgres using
// pgx/v5's connection pool. Four tables — state, pis, refs, debug_log —
// all scoped by (batch_id, chunk_id); refs get an index on status so
// pending-work selection stays cheap at thousands of rows per chunk.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/store"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store bound to an already-connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// Schema is the DDL for the four tables this package reads and writes.
// Applied once at startup by cmd/chunkworker; not run by this package
// itself.
const Schema = `
CREATE TABLE IF NOT EXISTS state (
	batch_id            text NOT NULL,
	chunk_id            text NOT NULL,
	started_at          timestamptz NOT NULL,
	completed_at        timestamptz,
	phase               text NOT NULL,
	total_refs          integer NOT NULL DEFAULT 0,
	completed_refs      integer NOT NULL DEFAULT 0,
	failed_refs         integer NOT NULL DEFAULT 0,
	skipped_refs        integer NOT NULL DEFAULT 0,
	global_error        text,
	global_retry_count  integer NOT NULL DEFAULT 0,
	consecutive_errors  integer NOT NULL DEFAULT 0,
	backoff_until       timestamptz,
	PRIMARY KEY (batch_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS pis (
	batch_id       text NOT NULL,
	chunk_id       text NOT NULL,
	pi             text NOT NULL,
	entity_updated boolean NOT NULL DEFAULT false,
	new_tip        text,
	new_version    integer,
	entity_error   text,
	PRIMARY KEY (batch_id, chunk_id, pi)
);

CREATE TABLE IF NOT EXISTS refs (
	id             text PRIMARY KEY,
	batch_id       text NOT NULL,
	chunk_id       text NOT NULL,
	pi             text NOT NULL,
	filename       text NOT NULL,
	cdn_url        text NOT NULL,
	original_cid   text NOT NULL,
	ref_data_json  text NOT NULL,
	status         text NOT NULL,
	retry_count    integer NOT NULL DEFAULT 0,
	result_cid     text,
	ocr_text_length integer,
	error          text,
	UNIQUE (pi, filename)
);
CREATE INDEX IF NOT EXISTS refs_chunk_status_idx ON refs (batch_id, chunk_id, status);

CREATE TABLE IF NOT EXISTS debug_log (
	batch_id  text NOT NULL,
	chunk_id  text NOT NULL,
	ts        timestamptz NOT NULL,
	message   text NOT NULL
);
CREATE INDEX IF NOT EXISTS debug_log_chunk_idx ON debug_log (batch_id, chunk_id, ts);
`

func (s *Store) CreateChunk(ctx context.Context, state chunkstate.ChunkState, pis []chunkstate.PI) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create chunk: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := deleteChunkRows(ctx, tx, state.Key()); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO state (batch_id, chunk_id, started_at, phase, total_refs, completed_refs,
			failed_refs, skipped_refs, global_retry_count, consecutive_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		state.BatchID, state.ChunkID, state.StartedAt, state.Phase, state.TotalRefs,
		state.CompletedRefs, state.FailedRefs, state.SkippedRefs, state.GlobalRetryCount,
		state.Backoff.ConsecutiveErrors); err != nil {
		return fmt.Errorf("insert state: %w", err)
	}

	for _, pi := range pis {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pis (batch_id, chunk_id, pi, entity_updated)
			VALUES ($1, $2, $3, $4)`,
			pi.BatchID, pi.ChunkID, pi.PI, pi.EntityUpdated); err != nil {
			return fmt.Errorf("insert pi %s: %w", pi.PI, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create chunk: %w", err)
	}
	return nil
}

func deleteChunkRows(ctx context.Context, tx pgx.Tx, key chunkstate.Key) error {
	for _, table := range []string{"debug_log", "refs", "pis", "state"} {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE batch_id = $1 AND chunk_id = $2", table), key.BatchID, key.ChunkID); err != nil {
			return fmt.Errorf("delete %s rows: %w", table, err)
		}
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, key chunkstate.Key) (chunkstate.ChunkState, error) {
	var st chunkstate.ChunkState
	row := s.pool.QueryRow(ctx, `
		SELECT batch_id, chunk_id, started_at, completed_at, phase, total_refs, completed_refs,
			failed_refs, skipped_refs, global_error, global_retry_count, consecutive_errors, backoff_until
		FROM state WHERE batch_id = $1 AND chunk_id = $2`, key.BatchID, key.ChunkID)

	err := row.Scan(&st.BatchID, &st.ChunkID, &st.StartedAt, &st.CompletedAt, &st.Phase, &st.TotalRefs,
		&st.CompletedRefs, &st.FailedRefs, &st.SkippedRefs, &st.GlobalError, &st.GlobalRetryCount,
		&st.Backoff.ConsecutiveErrors, &st.Backoff.BackoffUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return chunkstate.ChunkState{}, store.ErrNotFound
	}
	if err != nil {
		return chunkstate.ChunkState{}, fmt.Errorf("get state %s/%s: %w", key.BatchID, key.ChunkID, err)
	}
	return st, nil
}

func (s *Store) SaveState(ctx context.Context, state chunkstate.ChunkState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE state SET completed_at = $3, phase = $4, total_refs = $5, completed_refs = $6,
			failed_refs = $7, skipped_refs = $8, global_error = $9, global_retry_count = $10,
			consecutive_errors = $11, backoff_until = $12
		WHERE batch_id = $1 AND chunk_id = $2`,
		state.BatchID, state.ChunkID, state.CompletedAt, state.Phase, state.TotalRefs,
		state.CompletedRefs, state.FailedRefs, state.SkippedRefs, state.GlobalError,
		state.GlobalRetryCount, state.Backoff.ConsecutiveErrors, state.Backoff.BackoffUntil)
	if err != nil {
		return fmt.Errorf("save state %s/%s: %w", state.BatchID, state.ChunkID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPIs(ctx context.Context, key chunkstate.Key) ([]chunkstate.PI, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, chunk_id, pi, entity_updated, new_tip, new_version, entity_error
		FROM pis WHERE batch_id = $1 AND chunk_id = $2 ORDER BY pi`, key.BatchID, key.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("list pis %s/%s: %w", key.BatchID, key.ChunkID, err)
	}
	defer rows.Close()

	var out []chunkstate.PI
	for rows.Next() {
		var pi chunkstate.PI
		if err := rows.Scan(&pi.BatchID, &pi.ChunkID, &pi.PI, &pi.EntityUpdated, &pi.NewTip, &pi.NewVersion, &pi.EntityError); err != nil {
			return nil, fmt.Errorf("scan pi: %w", err)
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

func (s *Store) SavePI(ctx context.Context, pi chunkstate.PI) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pis (batch_id, chunk_id, pi, entity_updated, new_tip, new_version, entity_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id, chunk_id, pi) DO UPDATE SET
			entity_updated = EXCLUDED.entity_updated,
			new_tip = EXCLUDED.new_tip,
			new_version = EXCLUDED.new_version,
			entity_error = EXCLUDED.entity_error`,
		pi.BatchID, pi.ChunkID, pi.PI, pi.EntityUpdated, pi.NewTip, pi.NewVersion, pi.EntityError)
	if err != nil {
		return fmt.Errorf("save pi %s: %w", pi.PI, err)
	}
	return nil
}

func (s *Store) InsertRefs(ctx context.Context, refs []chunkstate.Ref) error {
	if len(refs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ref := range refs {
		batch.Queue(`
			INSERT INTO refs (id, batch_id, chunk_id, pi, filename, cdn_url, original_cid,
				ref_data_json, status, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (pi, filename) DO NOTHING`,
			ref.ID, ref.BatchID, ref.ChunkID, ref.PI, ref.Filename, ref.CDNURL, ref.OriginalCID,
			ref.RefDataJSON, ref.Status, ref.RetryCount)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for range refs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert refs: %w", err)
		}
	}
	return nil
}

func (s *Store) SelectPendingRefs(ctx context.Context, key chunkstate.Key, limit int) ([]chunkstate.Ref, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin select pending refs: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM refs
		WHERE batch_id = $1 AND chunk_id = $2 AND status = $3
		ORDER BY id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		key.BatchID, key.ChunkID, chunkstate.RefPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending refs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending ref id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE refs SET status = $1 WHERE id = ANY($2)`, chunkstate.RefProcessing, ids); err != nil {
		return nil, fmt.Errorf("flip refs to processing: %w", err)
	}

	selected := make([]chunkstate.Ref, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx, `
			SELECT id, batch_id, chunk_id, pi, filename, cdn_url, original_cid, ref_data_json,
				status, retry_count, result_cid, ocr_text_length, error
			FROM refs WHERE id = $1`, id)
		var ref chunkstate.Ref
		if err := row.Scan(&ref.ID, &ref.BatchID, &ref.ChunkID, &ref.PI, &ref.Filename, &ref.CDNURL,
			&ref.OriginalCID, &ref.RefDataJSON, &ref.Status, &ref.RetryCount, &ref.ResultCID,
			&ref.OCRTextLen, &ref.Error); err != nil {
			return nil, fmt.Errorf("scan selected ref %s: %w", id, err)
		}
		selected = append(selected, ref)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit select pending refs: %w", err)
	}
	return selected, nil
}

func (s *Store) SaveRef(ctx context.Context, ref chunkstate.Ref) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refs SET status = $2, retry_count = $3, result_cid = $4, ocr_text_length = $5, error = $6
		WHERE id = $1`,
		ref.ID, ref.Status, ref.RetryCount, ref.ResultCID, ref.OCRTextLen, ref.Error)
	if err != nil {
		return fmt.Errorf("save ref %s: %w", ref.ID, err)
	}
	return nil
}

func (s *Store) CountPendingRefs(ctx context.Context, key chunkstate.Key) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM refs WHERE batch_id = $1 AND chunk_id = $2 AND status = $3`,
		key.BatchID, key.ChunkID, chunkstate.RefPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending refs: %w", err)
	}
	return count, nil
}

func (s *Store) ReclaimOrphanedProcessingRefs(ctx context.Context, key chunkstate.Key) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refs SET status = $3
		WHERE batch_id = $1 AND chunk_id = $2 AND status = $4`,
		key.BatchID, key.ChunkID, chunkstate.RefPending, chunkstate.RefProcessing)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned refs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CompletedRefsForPI(ctx context.Context, key chunkstate.Key, pi string) ([]chunkstate.Ref, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, chunk_id, pi, filename, cdn_url, original_cid, ref_data_json,
			status, retry_count, result_cid, ocr_text_length, error
		FROM refs
		WHERE batch_id = $1 AND chunk_id = $2 AND pi = $3
			AND status IN ($4, $5) AND result_cid IS NOT NULL
		ORDER BY filename`,
		key.BatchID, key.ChunkID, pi, chunkstate.RefDone, chunkstate.RefSkipped)
	if err != nil {
		return nil, fmt.Errorf("completed refs for pi %s: %w", pi, err)
	}
	defer rows.Close()

	var out []chunkstate.Ref
	for rows.Next() {
		var ref chunkstate.Ref
		if err := rows.Scan(&ref.ID, &ref.BatchID, &ref.ChunkID, &ref.PI, &ref.Filename, &ref.CDNURL,
			&ref.OriginalCID, &ref.RefDataJSON, &ref.Status, &ref.RetryCount, &ref.ResultCID,
			&ref.OCRTextLen, &ref.Error); err != nil {
			return nil, fmt.Errorf("scan completed ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) AllRefsForPI(ctx context.Context, key chunkstate.Key, pi string) ([]chunkstate.Ref, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, chunk_id, pi, filename, cdn_url, original_cid, ref_data_json,
			status, retry_count, result_cid, ocr_text_length, error
		FROM refs
		WHERE batch_id = $1 AND chunk_id = $2 AND pi = $3
		ORDER BY filename`, key.BatchID, key.ChunkID, pi)
	if err != nil {
		return nil, fmt.Errorf("all refs for pi %s: %w", pi, err)
	}
	defer rows.Close()

	var out []chunkstate.Ref
	for rows.Next() {
		var ref chunkstate.Ref
		if err := rows.Scan(&ref.ID, &ref.BatchID, &ref.ChunkID, &ref.PI, &ref.Filename, &ref.CDNURL,
			&ref.OriginalCID, &ref.RefDataJSON, &ref.Status, &ref.RetryCount, &ref.ResultCID,
			&ref.OCRTextLen, &ref.Error); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) AppendDebugLog(ctx context.Context, entry chunkstate.DebugLogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append debug log: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO debug_log (batch_id, chunk_id, ts, message) VALUES ($1, $2, $3, $4)`,
		entry.BatchID, entry.ChunkID, entry.Timestamp, entry.Message); err != nil {
		return fmt.Errorf("insert debug log entry: %w", err)
	}

	// Trim to the most recent MaxDebugLogEntries, oldest dropped first.
	if _, err := tx.Exec(ctx, `
		DELETE FROM debug_log
		WHERE batch_id = $1 AND chunk_id = $2 AND ts NOT IN (
			SELECT ts FROM debug_log WHERE batch_id = $1 AND chunk_id = $2
			ORDER BY ts DESC LIMIT $3
		)`, entry.BatchID, entry.ChunkID, chunkstate.MaxDebugLogEntries); err != nil {
		return fmt.Errorf("trim debug log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append debug log: %w", err)
	}
	return nil
}

func (s *Store) TailDebugLog(ctx context.Context, key chunkstate.Key, limit int) ([]chunkstate.DebugLogEntry, error) {
	if limit <= 0 {
		limit = chunkstate.MaxDebugLogEntries
	}
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, chunk_id, ts, message FROM debug_log
		WHERE batch_id = $1 AND chunk_id = $2
		ORDER BY ts DESC LIMIT $3`, key.BatchID, key.ChunkID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail debug log: %w", err)
	}
	defer rows.Close()

	var out []chunkstate.DebugLogEntry
	for rows.Next() {
		var entry chunkstate.DebugLogEntry
		if err := rows.Scan(&entry.BatchID, &entry.ChunkID, &entry.Timestamp, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan debug log entry: %w", err)
		}
		out = append(out, entry)
	}
	// Reverse to oldest-first, matching memstore's ordering contract.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *Store) Cleanup(ctx context.Context, key chunkstate.Key) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := deleteChunkRows(ctx, tx, key); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cleanup: %w", err)
	}
	return nil
}
