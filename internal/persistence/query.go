package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"betterbot/pkg/types"
)

// maxInClauseChunk bounds how many placeholders a single IN(...) clause
// carries, staying well under sqlite's default SQLITE_MAX_VARIABLE_NUMBER
// (999) as spec.md §4.4 requires ("chunking IN-clauses").
const maxInClauseChunk = 500

// PageCursor is the opaque paging position for both the plain signal list
// and the FTS search surface: (before_detected_at, before_id).
type PageCursor struct {
	BeforeDetectedAt int64
	BeforeID         string
}

// ListSignalsPage returns up to limit signals strictly before cursor,
// ordered newest-first. A zero-value cursor starts from the most recent
// signal.
func (s *Store) ListSignalsPage(ctx context.Context, cursor PageCursor, limit int) ([]types.Signal, error) {
	query := `SELECT signal_id, kind, market_slug, confidence, risk_level, source, detected_at,
			context_version, wallet_address, wallet_tier, order_hash, tx_hash, token_id,
			size_usd, price, deviation_abs, dominant_side, window_close_at, cluster_size
		FROM signals`
	args := []interface{}{}
	if cursor.BeforeID != "" {
		query += ` WHERE (detected_at < ?) OR (detected_at = ? AND signal_id < ?)`
		args = append(args, cursor.BeforeDetectedAt, cursor.BeforeDetectedAt, cursor.BeforeID)
	}
	query += ` ORDER BY detected_at DESC, signal_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list signals page: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

func scanSignals(rows *sql.Rows) ([]types.Signal, error) {
	var out []types.Signal
	for rows.Next() {
		var sig types.Signal
		var kind, risk, walletAddr, walletTier, orderHash, txHash, tokenID, dominantSide sql.NullString
		var detectedAt int64
		var windowCloseAt sql.NullInt64
		if err := rows.Scan(&sig.SignalID, &kind, &sig.MarketSlug, &sig.Confidence, &risk, &sig.Source,
			&detectedAt, &sig.ContextVersion, &walletAddr, &walletTier, &orderHash, &txHash, &tokenID,
			&sig.SizeUSD, &sig.Price, &sig.DeviationAbs, &dominantSide, &windowCloseAt, &sig.ClusterSize); err != nil {
			return nil, fmt.Errorf("persistence: scan signal row: %w", err)
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
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ContextsByID fetches signal_context rows for the given signal IDs,
// chunking the IN(...) clause so a large ID set never exceeds sqlite's
// bound-variable limit.
func (s *Store) ContextsByID(ctx context.Context, ids []string) (map[string]types.SignalContext, error) {
	out := make(map[string]types.SignalContext, len(ids))
	for chunkStart := 0; chunkStart < len(ids); chunkStart += maxInClauseChunk {
		end := chunkStart + maxInClauseChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[chunkStart:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			placeholders[i] = "?"
			args[i] = id
		}
		query := fmt.Sprintf(`SELECT signal_id, context_version, status, payload_json FROM signal_context WHERE signal_id IN (%s)`,
			strings.Join(placeholders, ","))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("persistence: contexts by id: %w", err)
		}
		for rows.Next() {
			var sc types.SignalContext
			var status string
			var payloadJSON string
			if err := rows.Scan(&sc.SignalID, &sc.ContextVersion, &status, &payloadJSON); err != nil {
				rows.Close()
				return nil, fmt.Errorf("persistence: scan context row: %w", err)
			}
			sc.Status = types.EnrichmentStatus(status)
			out[sc.SignalID] = sc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
