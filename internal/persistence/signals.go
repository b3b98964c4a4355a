package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"betterbot/pkg/types"
)

// InsertSignalBatch inserts signals in a single transaction, matching the
// "one transaction per batch" rule spec.md §4.4 mandates. Signals already
// present (by SignalID) are ignored rather than erroring, since the
// detector may re-offer a signal it already emitted after a restart.
func (s *Store) InsertSignalBatch(ctx context.Context, signals []types.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO signals (
			signal_id, kind, market_slug, confidence, risk_level, source, detected_at,
			context_version, wallet_address, wallet_tier, order_hash, tx_hash, token_id,
			size_usd, price, deviation_abs, dominant_side, window_close_at, cluster_size
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("persistence: prepare signal insert: %w", err)
	}
	defer stmt.Close()

	searchStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO search_content (signal_id, body) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("persistence: prepare search insert: %w", err)
	}
	defer searchStmt.Close()

	for _, sig := range signals {
		windowCloseAt := sql.NullInt64{}
		if !sig.WindowCloseAt.IsZero() {
			windowCloseAt = sql.NullInt64{Int64: sig.WindowCloseAt.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			sig.SignalID, string(sig.Kind), sig.MarketSlug, sig.Confidence, string(sig.RiskLevel),
			sig.Source, sig.DetectedAt.UnixNano(), sig.ContextVersion,
			nullString(sig.WalletAddress), nullString(string(sig.WalletTier)), nullString(sig.OrderHash),
			nullString(sig.TxHash), nullString(sig.TokenID), sig.SizeUSD, sig.Price, sig.DeviationAbs,
			nullString(string(sig.DominantSide)), windowCloseAt, sig.ClusterSize,
		); err != nil {
			return fmt.Errorf("persistence: insert signal %s: %w", sig.SignalID, err)
		}
		if _, err := searchStmt.ExecContext(ctx, sig.SignalID, searchBody(sig)); err != nil {
			return fmt.Errorf("persistence: insert search content for %s: %w", sig.SignalID, err)
		}
	}

	return tx.Commit()
}

// searchBody renders the tokenizable text for a signal's FTS row: the
// fields a human would actually search by.
func searchBody(sig types.Signal) string {
	return fmt.Sprintf("%s %s %s %s", sig.Kind, sig.MarketSlug, sig.WalletAddress, sig.TokenID)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// UpsertContext stores ctx, merging by SignalID. The update is rejected
// (silently, returning ok=false) when a row already exists with a
// context_version >= ctx.ContextVersion, per spec.md §4.5's "store merges
// never overwrite a higher context_version".
func (s *Store) UpsertContext(ctx context.Context, sc types.SignalContext, payloadJSON string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_context (signal_id, context_version, status, payload_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(signal_id) DO UPDATE SET
			context_version = excluded.context_version,
			status = excluded.status,
			payload_json = excluded.payload_json
		WHERE excluded.context_version > signal_context.context_version`,
		sc.SignalID, sc.ContextVersion, string(sc.Status), payloadJSON)
	if err != nil {
		return false, fmt.Errorf("persistence: upsert context for %s: %w", sc.SignalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persistence: rows affected for %s: %w", sc.SignalID, err)
	}
	return n > 0, nil
}

// InsertRawWalletOrder appends one lossless wallet order observation.
func (s *Store) InsertRawWalletOrder(ctx context.Context, orderHash, wallet, tokenID string, side types.Side, price, sizeUSD float64, observedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_wallet_orders (order_hash, wallet, token_id, side, price, size_usd, observed_at)
		VALUES (?,?,?,?,?,?,?)`,
		orderHash, wallet, tokenID, string(side), price, sizeUSD, observedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("persistence: insert raw wallet order %s: %w", orderHash, err)
	}
	return nil
}

// PruneRawOrdersOlderThan deletes raw_wallet_orders rows observed before
// cutoff. Signals themselves are retained indefinitely per spec.md §4.4;
// only the raw event table is pruned.
func (s *Store) PruneRawOrdersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_wallet_orders WHERE observed_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("persistence: prune raw wallet orders: %w", err)
	}
	return res.RowsAffected()
}

// CacheSet upserts a JSON cache entry with an expiry (zero means no expiry).
func (s *Store) CacheSet(ctx context.Context, key, valueJSON string, expiresAt time.Time) error {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO json_cache (cache_key, value_json, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET value_json = excluded.value_json, expires_at = excluded.expires_at`,
		key, valueJSON, exp)
	if err != nil {
		return fmt.Errorf("persistence: cache set %s: %w", key, err)
	}
	return nil
}

// CacheGet returns the cached value for key, or ok=false if absent or
// expired (an expired row is not evicted here; a background sweep does
// that so a hot read path never pays for a delete).
func (s *Store) CacheGet(ctx context.Context, key string, now time.Time) (string, bool, error) {
	var valueJSON string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value_json, expires_at FROM json_cache WHERE cache_key = ?`, key).Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persistence: cache get %s: %w", key, err)
	}
	if expiresAt != 0 && now.UnixNano() > expiresAt {
		return "", false, nil
	}
	return valueJSON, true, nil
}

// SweepExpiredCache deletes all json_cache rows past their expiry.
func (s *Store) SweepExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM json_cache WHERE expires_at != 0 AND expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("persistence: sweep expired cache: %w", err)
	}
	return res.RowsAffected()
}
