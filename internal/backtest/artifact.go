package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is bumped whenever Manifest's on-disk shape changes.
const SchemaVersion = 1

// Manifest is the certified artifact emitted on run finalize. It is
// byte-stable for a given fingerprint: the same inputs always marshal to
// the same bytes.
type Manifest struct {
	SchemaVersion    int             `json:"schema_version"`
	ManifestHash     string          `json:"manifest_hash"`
	PublishedAt      string          `json:"published_at"` // RFC3339, supplied by caller (no wall-clock inside backtest)
	Fingerprint      RunFingerprint  `json:"fingerprint"`
	DatasetReadiness Readiness       `json:"dataset_readiness"`
	SettlementSource string          `json:"settlement_source"`
	Trust            GateSuiteResult `json:"trust"`
	SummaryMetrics   SummaryMetrics  `json:"summary_metrics"`
	WindowPnLCSVPath string          `json:"window_pnl_csv_path"`
	EquityCSVPath    string          `json:"equity_csv_path"`
}

// SummaryMetrics is the headline numeric summary carried in the manifest.
type SummaryMetrics struct {
	TotalPnLBeforeFees decimal.Decimal `json:"total_pnl_before_fees"`
	TradeCount         int             `json:"trade_count"`
	ViolationCounts    map[InvariantCategory]int `json:"violation_counts"`
	EarlySettlementAttempts int `json:"early_settlement_attempts"`
}

// WindowPnLRow is one row of the window-P&L CSV export.
type WindowPnLRow struct {
	MarketID      string
	WindowEndNs   int64
	PnLBeforeFees decimal.Decimal
}

// EquityPoint is one row of the equity-curve CSV export.
type EquityPoint struct {
	SimTimeNs int64
	Equity    decimal.Decimal
}

// ArtifactWriter writes a run's certified artifact to a content-addressed
// directory keyed by the manifest hash, atomically per file. Grounded on
// the teacher's internal/store.Store.SavePosition write-tmp-then-rename
// idiom, repurposed from a per-market position file to a per-run artifact
// directory.
type ArtifactWriter struct {
	rootDir string
}

// NewArtifactWriter creates a writer rooted at rootDir (created if absent).
func NewArtifactWriter(rootDir string) (*ArtifactWriter, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("backtest: create artifact root: %w", err)
	}
	return &ArtifactWriter{rootDir: rootDir}, nil
}

// Write composes the manifest (computing ManifestHash from the fingerprint
// digest), writes the CSV exports, and finally the manifest JSON itself —
// each via atomic write-tmp-then-rename, so a reader never observes a
// half-written artifact. Returns the artifact directory path.
func (w *ArtifactWriter) Write(m Manifest, windows []WindowPnLRow, equity []EquityPoint, publishedAt time.Time) (string, error) {
	digest, err := m.Fingerprint.Digest()
	if err != nil {
		return "", fmt.Errorf("backtest: digest fingerprint: %w", err)
	}
	m.ManifestHash = digest
	m.PublishedAt = publishedAt.UTC().Format(time.RFC3339)
	m.SchemaVersion = SchemaVersion

	dir := filepath.Join(w.rootDir, digest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backtest: create run dir: %w", err)
	}

	m.WindowPnLCSVPath = filepath.Join(dir, "window_pnl.csv")
	if err := atomicWriteCSV(m.WindowPnLCSVPath, windowPnLHeader, windowPnLRows(windows)); err != nil {
		return "", err
	}

	m.EquityCSVPath = filepath.Join(dir, "equity.csv")
	if err := atomicWriteCSV(m.EquityCSVPath, equityHeader, equityRows(equity)); err != nil {
		return "", err
	}

	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("backtest: marshal manifest: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, "manifest.json"), manifestBytes); err != nil {
		return "", err
	}

	return dir, nil
}

var windowPnLHeader = []string{"market_id", "window_end_ns", "pnl_before_fees"}
var equityHeader = []string{"sim_time_ns", "equity"}

func windowPnLRows(rows []WindowPnLRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.MarketID, strconv.FormatInt(r.WindowEndNs, 10), r.PnLBeforeFees.String()})
	}
	return out
}

func equityRows(points []EquityPoint) [][]string {
	out := make([][]string, 0, len(points))
	for _, p := range points {
		out = append(out, []string{strconv.FormatInt(p.SimTimeNs, 10), p.Equity.String()})
	}
	return out
}

func atomicWriteCSV(path string, header []string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("backtest: create %s: %w", tmp, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("backtest: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
