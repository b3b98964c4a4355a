package backtest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// BehaviorEvent is one entry in the rolling hash over ordered behavior
// events (decisions, order submits, fills, settlements) that makes up the
// behavior fingerprint. Grounded on the canonical-hash-then-insert shape
// used by the pack's ledger/event-log reference file: canonicalize via
// sorted-key JSON (Go's json.Marshal already sorts map keys), then hash.
type BehaviorEvent struct {
	Kind      string
	SimTimeNs int64
	Detail    map[string]string
}

// canonicalBytes renders v as JCS-style canonical JSON: struct fields in
// declared order, map keys sorted (encoding/json already sorts map[string]T
// keys), no extraneous whitespace.
func canonicalBytes(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// RollingHash accumulates a sequence of canonicalized values into a single
// SHA-256 digest, folding each new value's hash into the running state so
// order matters and the whole sequence fingerprints to one value.
type RollingHash struct {
	state [32]byte
	any   bool
}

// Add folds v's canonical bytes into the rolling state.
func (r *RollingHash) Add(v interface{}) error {
	b, err := canonicalBytes(v)
	if err != nil {
		return fmt.Errorf("fingerprint: canonicalize: %w", err)
	}
	h := sha256.Sum256(b)
	combined := append(r.state[:], h[:]...)
	r.state = sha256.Sum256(combined)
	r.any = true
	return nil
}

// Sum returns the hex-encoded rolling digest.
func (r *RollingHash) Sum() string {
	if !r.any {
		return hex.EncodeToString(sha256.New().Sum(nil))
	}
	return hex.EncodeToString(r.state[:])
}

// RunFingerprint composes every component spec.md §3 names: code version,
// canonical config hash, per-stream dataset hashes, seed, and the behavior
// rolling hash. Bitwise identical fingerprint <=> bitwise identical
// observable behavior.
type RunFingerprint struct {
	CodeVersion   string            `json:"code_version"`
	ConfigHash    string            `json:"config_hash"`
	DatasetHashes map[string]string `json:"dataset_hashes"` // stream name -> hash
	Seed          int64             `json:"seed"`
	BehaviorHash  string            `json:"behavior_hash"`
}

// Digest returns the single composite hex digest of the full fingerprint,
// computed over its own canonical bytes.
func (f RunFingerprint) Digest() (string, error) {
	b, err := canonicalBytes(f)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashConfig canonicalizes cfg (sorted keys, stable field order) and hashes
// it. Floats must already be canonicalized to fixed-point by the caller
// before this is invoked — RunFingerprint never hashes a raw float64.
func HashConfig(cfg interface{}) (string, error) {
	b, err := canonicalBytes(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashDatasetStream computes a per-stream dataset hash by folding every
// event's canonical bytes through a RollingHash, in the order given. The
// caller must pass events already sorted by the canonical ordering key so
// two loads of the same dataset hash identically regardless of on-disk
// iteration order.
func HashDatasetStream(events []Event) (string, error) {
	rh := &RollingHash{}
	sorted := make([]Event, len(events))
	copy(sorted, events)
	SortEvents(sorted)
	for _, e := range sorted {
		if err := rh.Add(e); err != nil {
			return "", err
		}
	}
	return rh.Sum(), nil
}
