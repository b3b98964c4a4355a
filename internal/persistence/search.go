package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"betterbot/pkg/types"
)

// WarmUp indexes the most recent n signals into search_content on startup,
// so a fresh process answers search queries for recent terms immediately
// without waiting on the backfill job. Idempotent: already-indexed rows are
// skipped via INSERT OR IGNORE.
func (s *Store) WarmUp(ctx context.Context, n int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, kind, market_slug, wallet_address, token_id
		FROM signals ORDER BY detected_at DESC, signal_id DESC LIMIT ?`, n)
	if err != nil {
		return 0, fmt.Errorf("persistence: warm-up query: %w", err)
	}
	defer rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("persistence: warm-up begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO search_content (signal_id, body) VALUES (?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("persistence: warm-up prepare: %w", err)
	}
	defer stmt.Close()

	count := 0
	for rows.Next() {
		var signalID, kind, marketSlug, walletAddr, tokenID sql.NullString
		if err := rows.Scan(&signalID, &kind, &marketSlug, &walletAddr, &tokenID); err != nil {
			return 0, fmt.Errorf("persistence: warm-up scan: %w", err)
		}
		body := fmt.Sprintf("%s %s %s %s", kind.String, marketSlug.String, walletAddr.String, tokenID.String)
		if _, err := stmt.ExecContext(ctx, signalID.String, body); err != nil {
			return 0, fmt.Errorf("persistence: warm-up insert: %w", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("persistence: warm-up commit: %w", err)
	}
	return count, nil
}

// BackfillPageSize bounds how many signals one Backfill call indexes, so the
// background job yields regularly instead of holding a long transaction.
const BackfillPageSize = 500

// Backfill advances the stored cursor one page backward through history,
// indexing each signal's search_content row, and reports whether the
// backfill has reached the end of history (backfill_done). Safe to call
// repeatedly from a single background goroutine; not safe for concurrent
// callers (matches spec.md §4.4's single incremental-backfill-job model).
func (s *Store) Backfill(ctx context.Context) (done bool, indexed int, err error) {
	cursor, err := s.loadBackfillCursor(ctx)
	if err != nil {
		return false, 0, err
	}
	if cursor.done {
		return true, 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, kind, market_slug, wallet_address, token_id, detected_at
		FROM signals
		WHERE (detected_at < ?) OR (detected_at = ? AND signal_id < ?)
		ORDER BY detected_at DESC, signal_id DESC LIMIT ?`,
		cursor.beforeDetectedAt, cursor.beforeDetectedAt, cursor.beforeID, BackfillPageSize)
	if err != nil {
		return false, 0, fmt.Errorf("persistence: backfill query: %w", err)
	}
	defer rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("persistence: backfill begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO search_content (signal_id, body) VALUES (?, ?)`)
	if err != nil {
		return false, 0, fmt.Errorf("persistence: backfill prepare: %w", err)
	}
	defer stmt.Close()

	var lastDetectedAt int64
	var lastID string
	for rows.Next() {
		var signalID, kind, marketSlug, walletAddr, tokenID sql.NullString
		var detectedAt int64
		if err := rows.Scan(&signalID, &kind, &marketSlug, &walletAddr, &tokenID, &detectedAt); err != nil {
			return false, 0, fmt.Errorf("persistence: backfill scan: %w", err)
		}
		body := fmt.Sprintf("%s %s %s %s", kind.String, marketSlug.String, walletAddr.String, tokenID.String)
		if _, err := stmt.ExecContext(ctx, signalID.String, body); err != nil {
			return false, 0, fmt.Errorf("persistence: backfill insert: %w", err)
		}
		lastDetectedAt, lastID = detectedAt, signalID.String
		indexed++
	}
	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	reachedEnd := indexed < BackfillPageSize
	if indexed > 0 {
		if err := s.saveBackfillCursorTx(ctx, tx, lastDetectedAt, lastID, reachedEnd); err != nil {
			return false, 0, err
		}
	} else {
		reachedEnd = true
		if err := s.saveBackfillCursorTx(ctx, tx, cursor.beforeDetectedAt, cursor.beforeID, true); err != nil {
			return false, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("persistence: backfill commit: %w", err)
	}
	return reachedEnd, indexed, nil
}

type backfillCursor struct {
	beforeDetectedAt int64
	beforeID         string
	done             bool
}

func (s *Store) loadBackfillCursor(ctx context.Context) (backfillCursor, error) {
	var c backfillCursor
	var done int
	err := s.db.QueryRowContext(ctx, `SELECT before_detected_at, before_id, done FROM backfill_cursor WHERE id = 1`).
		Scan(&c.beforeDetectedAt, &c.beforeID, &done)
	if err == sql.ErrNoRows {
		c.beforeDetectedAt = time.Now().UTC().UnixNano() + 1
		c.beforeID = "~" // sorts after any real signal_id lexically
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("persistence: load backfill cursor: %w", err)
	}
	c.done = done != 0
	return c, nil
}

func (s *Store) saveBackfillCursorTx(ctx context.Context, tx *sql.Tx, beforeDetectedAt int64, beforeID string, done bool) error {
	d := 0
	if done {
		d = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO backfill_cursor (id, before_detected_at, before_id, done) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET before_detected_at = excluded.before_detected_at, before_id = excluded.before_id, done = excluded.done`,
		beforeDetectedAt, beforeID, d)
	if err != nil {
		return fmt.Errorf("persistence: save backfill cursor: %w", err)
	}
	return nil
}

// SearchResult pairs a matched signal with its FTS rank (lower is a better
// match, per sqlite's bm25 convention).
type SearchResult struct {
	Signal types.Signal
	Rank   float64
}

// Search performs a tokenized match against search_fts, paged via
// (before_detected_at, before_id) joined back to the signals table.
func (s *Store) Search(ctx context.Context, queryText string, cursor PageCursor, limit int) ([]SearchResult, error) {
	query := `
		SELECT sig.signal_id, sig.kind, sig.market_slug, sig.confidence, sig.risk_level, sig.source,
			sig.detected_at, sig.context_version, sig.wallet_address, sig.wallet_tier, sig.order_hash,
			sig.tx_hash, sig.token_id, sig.size_usd, sig.price, sig.deviation_abs, sig.dominant_side,
			sig.window_close_at, sig.cluster_size, fts.rank
		FROM search_fts fts
		JOIN signals sig ON sig.signal_id = fts.signal_id
		WHERE search_fts MATCH ?`
	args := []interface{}{queryText}
	if cursor.BeforeID != "" {
		query += ` AND ((sig.detected_at < ?) OR (sig.detected_at = ? AND sig.signal_id < ?))`
		args = append(args, cursor.BeforeDetectedAt, cursor.BeforeDetectedAt, cursor.BeforeID)
	}
	query += ` ORDER BY sig.detected_at DESC, sig.signal_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var sig types.Signal
		var kind, risk, walletAddr, walletTier, orderHash, txHash, tokenID, dominantSide sql.NullString
		var detectedAt int64
		var windowCloseAt sql.NullInt64
		var rank float64
		if err := rows.Scan(&sig.SignalID, &kind, &sig.MarketSlug, &sig.Confidence, &risk, &sig.Source,
			&detectedAt, &sig.ContextVersion, &walletAddr, &walletTier, &orderHash, &txHash, &tokenID,
			&sig.SizeUSD, &sig.Price, &sig.DeviationAbs, &dominantSide, &windowCloseAt, &sig.ClusterSize, &rank); err != nil {
			return nil, fmt.Errorf("persistence: scan search row: %w", err)
		}
		sig.Kind = types.SignalKind(kind.String)
		sig.RiskLevel = types.RiskLevel(risk.String)
		sig.WalletAddress = walletAddr.String
		sig.WalletTier = types.WalletTier(walletTier.String)
		sig.OrderHash = orderHash.String
		sig.TxHash = txHash.String
		sig.TokenID = tokenID.String
		sig.DominantSide = types.Side(dominantSide.String)
		sig.DetectedAt = time.Unix(0, detectedAt).UTC()
		if windowCloseAt.Valid {
			sig.WindowCloseAt = time.Unix(0, windowCloseAt.Int64).UTC()
		}
		out = append(out, SearchResult{Signal: sig, Rank: rank})
	}
	return out, rows.Err()
}
