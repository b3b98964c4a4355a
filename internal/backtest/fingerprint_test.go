package backtest

import "testing"

func TestRollingHash_EmptySumIsStable(t *testing.T) {
	var a, b RollingHash
	if a.Sum() != b.Sum() {
		t.Fatalf("expected two empty rolling hashes to agree: %s vs %s", a.Sum(), b.Sum())
	}
}

func TestRollingHash_SameSequenceProducesSameSum(t *testing.T) {
	var a, b RollingHash
	events := []BehaviorEvent{
		{Kind: "decision", SimTimeNs: 100, Detail: map[string]string{"side": "buy"}},
		{Kind: "fill", SimTimeNs: 200, Detail: map[string]string{"price": "0.52"}},
	}
	for _, e := range events {
		if err := a.Add(e); err != nil {
			t.Fatalf("a.Add: %v", err)
		}
		if err := b.Add(e); err != nil {
			t.Fatalf("b.Add: %v", err)
		}
	}
	if a.Sum() != b.Sum() {
		t.Fatalf("expected identical event sequences to produce identical sums, got %s vs %s", a.Sum(), b.Sum())
	}
}

func TestRollingHash_OrderMatters(t *testing.T) {
	e1 := BehaviorEvent{Kind: "decision", SimTimeNs: 100}
	e2 := BehaviorEvent{Kind: "fill", SimTimeNs: 200}

	var forward, reversed RollingHash
	if err := forward.Add(e1); err != nil {
		t.Fatal(err)
	}
	if err := forward.Add(e2); err != nil {
		t.Fatal(err)
	}
	if err := reversed.Add(e2); err != nil {
		t.Fatal(err)
	}
	if err := reversed.Add(e1); err != nil {
		t.Fatal(err)
	}
	if forward.Sum() == reversed.Sum() {
		t.Fatal("expected event order to change the rolling hash")
	}
}

func TestRollingHash_DifferentContentProducesDifferentSum(t *testing.T) {
	var a, b RollingHash
	if err := a.Add(BehaviorEvent{Kind: "decision", SimTimeNs: 100}); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(BehaviorEvent{Kind: "decision", SimTimeNs: 101}); err != nil {
		t.Fatal(err)
	}
	if a.Sum() == b.Sum() {
		t.Fatal("expected differing SimTimeNs to change the rolling hash")
	}
}

func TestHashConfig_DeterministicForSameValue(t *testing.T) {
	type cfg struct {
		Seed      int64
		FeedNames []string
	}
	c := cfg{Seed: 42, FeedNames: []string{"book", "trades"}}

	h1, err := HashConfig(c)
	if err != nil {
		t.Fatalf("HashConfig: %v", err)
	}
	h2, err := HashConfig(c)
	if err != nil {
		t.Fatalf("HashConfig: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical config to hash identically, got %s vs %s", h1, h2)
	}
}

func TestHashConfig_DifferentValueDifferentHash(t *testing.T) {
	type cfg struct{ Seed int64 }
	h1, err := HashConfig(cfg{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashConfig(cfg{Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected different config values to hash differently")
	}
}

func TestHashDatasetStream_OrderIndependentOfInputSliceOrder(t *testing.T) {
	ev1 := Event{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed"}
	ev2 := Event{Kind: EventTrade, MarketID: "mkt-1", ArrivalTime: 200, Seq: 2, Source: "feed"}

	h1, err := HashDatasetStream([]Event{ev1, ev2})
	if err != nil {
		t.Fatalf("HashDatasetStream: %v", err)
	}
	h2, err := HashDatasetStream([]Event{ev2, ev1})
	if err != nil {
		t.Fatalf("HashDatasetStream: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected dataset hash to be independent of on-disk iteration order, got %s vs %s", h1, h2)
	}
}

func TestHashDatasetStream_DifferentEventsDifferentHash(t *testing.T) {
	ev1 := Event{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 100, Seq: 1, Source: "feed"}
	ev2 := Event{Kind: EventBookUpdate, MarketID: "mkt-1", ArrivalTime: 150, Seq: 1, Source: "feed"}

	h1, err := HashDatasetStream([]Event{ev1})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashDatasetStream([]Event{ev2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected differing events to hash differently")
	}
}

func TestRunFingerprint_DigestDeterministicForIdenticalFingerprint(t *testing.T) {
	f := RunFingerprint{
		CodeVersion:   "test",
		ConfigHash:    "abc123",
		DatasetHashes: map[string]string{"book": "h1", "trades": "h2"},
		Seed:          7,
		BehaviorHash:  "beh1",
	}
	d1, err := f.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := f.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected identical fingerprint to digest identically, got %s vs %s", d1, d2)
	}
}

func TestRunFingerprint_DigestChangesWithAnyComponent(t *testing.T) {
	base := RunFingerprint{
		CodeVersion:   "test",
		ConfigHash:    "abc123",
		DatasetHashes: map[string]string{"book": "h1"},
		Seed:          7,
		BehaviorHash:  "beh1",
	}
	baseDigest, err := base.Digest()
	if err != nil {
		t.Fatal(err)
	}

	variants := []RunFingerprint{base, base, base, base, base}
	variants[0].CodeVersion = "other"
	variants[1].ConfigHash = "different"
	variants[2].Seed = 8
	variants[3].BehaviorHash = "beh2"
	variants[4].DatasetHashes = map[string]string{"book": "h2"}

	for i, v := range variants {
		d, err := v.Digest()
		if err != nil {
			t.Fatalf("variant %d: Digest: %v", i, err)
		}
		if d == baseDigest {
			t.Fatalf("variant %d: expected changing one fingerprint component to change the digest", i)
		}
	}
}
