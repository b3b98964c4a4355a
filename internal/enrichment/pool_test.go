package enrichment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"betterbot/internal/fanout"
	"betterbot/pkg/types"
)

var errTest = errors.New("boom")

type memBackend struct {
	mu    sync.Mutex
	store map[string]string
}

func newMemBackend() *memBackend { return &memBackend{store: make(map[string]string)} }

func (m *memBackend) CacheGet(_ context.Context, key string, _ time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	return v, ok, nil
}

func (m *memBackend) CacheSet(_ context.Context, key, valueJSON string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = valueJSON
	return nil
}

type memStore struct {
	*memBackend
	mu       sync.Mutex
	contexts map[string]types.SignalContext
}

func newMemStore() *memStore {
	return &memStore{memBackend: newMemBackend(), contexts: make(map[string]types.SignalContext)}
}

func (m *memStore) UpsertContext(_ context.Context, sc types.SignalContext, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.contexts[sc.SignalID]
	if ok && existing.ContextVersion >= sc.ContextVersion {
		return false, nil
	}
	m.contexts[sc.SignalID] = sc
	return true, nil
}

type fakeMarketFetcher struct{ calls int }

func (f *fakeMarketFetcher) FetchMarketMetadata(_ context.Context, slug string) (types.MarketMetadata, error) {
	f.calls++
	return types.MarketMetadata{Slug: slug, Title: "Will X happen?"}, nil
}

type failingWalletFetcher struct{}

func (failingWalletFetcher) FetchWalletMapping(context.Context, string) (map[string]string, error) {
	return nil, errTest
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestPool_ProcessPartialSuccess(t *testing.T) {
	store := newMemStore()
	hub := fanout.NewHub(4, noopLogger())
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	marketFetcher := &fakeMarketFetcher{}
	pool := NewPool(16, 4, 1, Fetchers{
		Market:    marketFetcher,
		WalletMap: failingWalletFetcher{},
	}, NewCache(store), store, hub, noopLogger())

	job := Job{
		SignalID:   "sig-1",
		MarketSlug: "will-x-happen",
		WalletAddr: "0xabc",
		Plan:       Plan{Market: true, Wallet: true},
	}
	pool.process(context.Background(), job)

	select {
	case msg := <-ch:
		if msg.Kind != fanout.KindSignalContext {
			t.Fatalf("kind = %v, want signal_context", msg.Kind)
		}
		if msg.Context.Status != types.EnrichmentPartial {
			t.Fatalf("status = %v, want partial", msg.Context.Status)
		}
		if msg.Context.Market == nil || msg.Context.Market.Slug != job.MarketSlug {
			t.Fatalf("market field missing or wrong: %+v", msg.Context.Market)
		}
		if msg.Context.ContextVersion != 1 {
			t.Fatalf("context version = %d, want 1", msg.Context.ContextVersion)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	if marketFetcher.calls != 1 {
		t.Fatalf("market fetch calls = %d, want 1", marketFetcher.calls)
	}

	// Second call for the same slug should hit the cache, not the fetcher.
	job2 := Job{SignalID: "sig-2", MarketSlug: job.MarketSlug, Plan: Plan{Market: true}}
	pool.process(context.Background(), job2)
	<-ch
	if marketFetcher.calls != 1 {
		t.Fatalf("market fetch calls after cache hit = %d, want 1", marketFetcher.calls)
	}
}

func TestPool_EnqueueDropsOnFullQueue(t *testing.T) {
	store := newMemStore()
	hub := fanout.NewHub(4, noopLogger())
	pool := NewPool(1, 1, 1, Fetchers{}, NewCache(store), store, hub, noopLogger())

	if !pool.Enqueue(Job{SignalID: "a"}) {
		t.Fatal("expected first enqueue to succeed")
	}
	if pool.Enqueue(Job{SignalID: "b"}) {
		t.Fatal("expected second enqueue to be dropped (queue capacity 1)")
	}
	if pool.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", pool.Dropped())
	}
}
