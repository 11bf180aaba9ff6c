package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsmonitor/internal/db"
	"horse.fit/newsmonitor/internal/enrich"
	"horse.fit/newsmonitor/internal/webhook"
	payloadschema "horse.fit/newsmonitor/schema"
)

type fakeTx struct {
	neighbors  []db.Neighbor
	urlClaimed bool
	upserts    []db.ItemUpsert
	seen       map[string]bool
}

func (f *fakeTx) NearestNeighbors(_ context.Context, _ int64, _ []float64, _ time.Time, _ int) ([]db.Neighbor, error) {
	return f.neighbors, nil
}

func (f *fakeTx) URLOwnedByOther(_ context.Context, _, _ string) (bool, error) {
	return f.urlClaimed, nil
}

func (f *fakeTx) UpsertItem(_ context.Context, up db.ItemUpsert, _ time.Time) (db.ItemWriteResult, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	inserted := !f.seen[up.ExternalID]
	f.seen[up.ExternalID] = true
	f.upserts = append(f.upserts, up)
	return db.ItemWriteResult{ItemID: int64(len(f.upserts)), ItemUUID: "uuid", Inserted: inserted}, nil
}

type fakeStore struct {
	collections map[string]*db.CollectionRecord
	registered  map[string]bool
	tx          *fakeTx
	locks       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: map[string]*db.CollectionRecord{},
		registered:  map[string]bool{},
		tx:          &fakeTx{},
	}
}

func (f *fakeStore) UpsertCollection(_ context.Context, externalID, name string, _ json.RawMessage, _ time.Time) (bool, error) {
	inserted := !f.registered[externalID]
	f.registered[externalID] = true
	f.collections[externalID] = &db.CollectionRecord{
		CollectionID: int64(len(f.collections) + 1),
		ExternalID:   externalID,
		Name:         name,
	}
	return inserted, nil
}

func (f *fakeStore) GetCollectionByExternalID(_ context.Context, externalID string) (*db.CollectionRecord, error) {
	record, ok := f.collections[externalID]
	if !ok {
		return nil, db.ErrNoRows
	}
	return record, nil
}

func (f *fakeStore) WithCollectionLock(_ context.Context, _ string, fn func(tx db.ItemTx) error) error {
	f.locks++
	return fn(f.tx)
}

type fakeEnricher struct {
	meta *enrich.PageMetadata
	err  error
}

func (f *fakeEnricher) FetchPageMetadata(_ context.Context, _ string) (*enrich.PageMetadata, error) {
	return f.meta, f.err
}

type fakeEmbedder struct {
	vector []float64
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if text == "" {
		return nil, nil
	}
	return f.vector, nil
}

type fakeDuplicates struct {
	duplicate    bool
	err          error
	calls        int
	collectionID int64
}

func (f *fakeDuplicates) IsDuplicate(_ context.Context, _ string, collectionID int64, _ []float64, _ db.ItemTx) (bool, error) {
	f.calls++
	f.collectionID = collectionID
	return f.duplicate, f.err
}

func strPtr(value string) *string {
	return &value
}

func itemEvent(id, collection, url, title string) webhook.ItemEnriched {
	payload := &payloadschema.ItemPayload{
		ID:           id,
		CollectionID: collection,
		Properties: payloadschema.ItemProperties{
			URL:         url,
			Description: strPtr("A short summary."),
			Article: &payloadschema.ItemArticle{
				Title:       strPtr(title),
				Author:      strPtr("A. Writer"),
				PublishedAt: strPtr("2026-08-20T09:30:00Z"),
			},
		},
	}
	return webhook.ItemEnriched{Item: payload}
}

func newTestService(store *fakeStore, enricher Enricher, embedder Embedder, duplicates Duplicates, appTag string) *Service {
	svc := NewService(store, enricher, embedder, duplicates, appTag, zerolog.Nop())
	svc.excerptFallback = func(context.Context, string, int) (string, error) {
		return "", nil
	}
	return svc
}

func TestHandleCollectionCreated(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{}, &fakeDuplicates{}, "")

	outcome, err := svc.HandleCollectionCreated(context.Background(), webhook.CollectionCreated{
		ExternalID: "col_1",
		Name:       "AI News",
	})
	if err != nil {
		t.Fatalf("HandleCollectionCreated failed: %v", err)
	}
	if !outcome.Stored || !outcome.Inserted {
		t.Fatalf("expected first delivery to insert, got %+v", outcome)
	}

	outcome, err = svc.HandleCollectionCreated(context.Background(), webhook.CollectionCreated{
		ExternalID: "col_1",
		Name:       "AI News",
	})
	if err != nil {
		t.Fatalf("re-delivery failed: %v", err)
	}
	if !outcome.Stored || outcome.Inserted {
		t.Fatalf("expected re-delivery to be a no-op update, got %+v", outcome)
	}
}

func TestHandleCollectionCreatedRequiresName(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeStore(), &fakeEnricher{}, &fakeEmbedder{}, &fakeDuplicates{}, "")

	_, err := svc.HandleCollectionCreated(context.Background(), webhook.CollectionCreated{ExternalID: "col_1"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}
}

func TestHandleCollectionCreatedAppTagFilter(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{}, &fakeDuplicates{}, "newsmonitor")

	outcome, err := svc.HandleCollectionCreated(context.Background(), webhook.CollectionCreated{
		ExternalID: "col_1",
		Name:       "Other App Feed",
		App:        "someone-else",
	})
	if err != nil {
		t.Fatalf("HandleCollectionCreated failed: %v", err)
	}
	if !outcome.Dropped || outcome.Reason != "app_tag_mismatch" {
		t.Fatalf("expected foreign app tag to be dropped, got %+v", outcome)
	}
	if len(store.registered) != 0 {
		t.Fatalf("expected no collection to be registered")
	}
}

func TestHandleItemEnrichedStoresItem(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	enricher := &fakeEnricher{meta: &enrich.PageMetadata{
		ImageURL:   strPtr("https://example.com/image.png"),
		FaviconURL: strPtr("https://example.com/favicon.ico"),
		Text:       "Full crawled article text that should become the excerpt.",
	}}
	embedder := &fakeEmbedder{vector: []float64{0.1, 0.2, 0.3}}
	duplicates := &fakeDuplicates{}
	svc := newTestService(store, enricher, embedder, duplicates, "")

	outcome, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_1", "https://example.com/story", "Example Story"))
	if err != nil {
		t.Fatalf("HandleItemEnriched failed: %v", err)
	}
	if !outcome.Stored || !outcome.Inserted {
		t.Fatalf("expected item to be inserted, got %+v", outcome)
	}
	if store.locks != 1 {
		t.Fatalf("expected one serialized write section, got %d", store.locks)
	}
	if duplicates.calls != 1 {
		t.Fatalf("expected one duplicate check, got %d", duplicates.calls)
	}

	if len(store.tx.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(store.tx.upserts))
	}
	up := store.tx.upserts[0]
	if up.ExternalID != "item_1" || up.URL != "https://example.com/story" {
		t.Fatalf("unexpected upsert identity: %+v", up)
	}
	if up.Title != "Example Story" {
		t.Fatalf("unexpected title: %q", up.Title)
	}
	if up.Author == nil || *up.Author != "A. Writer" {
		t.Fatalf("expected payload author to win, got %v", up.Author)
	}
	if up.ImageURL == nil || up.FaviconURL == nil {
		t.Fatalf("expected crawl metadata to be applied")
	}
	if up.Excerpt == nil || *up.Excerpt == "" {
		t.Fatalf("expected crawl text to become the excerpt")
	}
	if up.PublishedAt == nil || !up.PublishedAt.Equal(time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published_at: %v", up.PublishedAt)
	}
	if len(up.Embedding) != 3 {
		t.Fatalf("expected embedding to be carried into the upsert")
	}
	if up.Language == "" {
		t.Fatalf("expected a language code")
	}
}

func TestHandleItemEnrichedScopesDedupToCollection(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	if _, err := store.UpsertCollection(context.Background(), "col_2", "Finance News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	wantID := store.collections["col_2"].CollectionID

	duplicates := &fakeDuplicates{}
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{vector: []float64{0.5}}, duplicates, "")

	if _, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_2", "https://example.com/story", "Example Story")); err != nil {
		t.Fatalf("HandleItemEnriched failed: %v", err)
	}
	if duplicates.collectionID != wantID {
		t.Fatalf("duplicate check ran against collection %d, want %d", duplicates.collectionID, wantID)
	}
	up := store.tx.upserts[0]
	if up.CollectionID != wantID {
		t.Fatalf("item written to collection %d, want %d", up.CollectionID, wantID)
	}
}

func TestHandleItemEnrichedIdempotentRedelivery(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{vector: []float64{0.5}}, &fakeDuplicates{}, "")

	event := itemEvent("item_1", "col_1", "https://example.com/story", "Example Story")
	if _, err := svc.HandleItemEnriched(context.Background(), event); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	outcome, err := svc.HandleItemEnriched(context.Background(), event)
	if err != nil {
		t.Fatalf("re-delivery failed: %v", err)
	}
	if !outcome.Stored || outcome.Inserted {
		t.Fatalf("expected re-delivery to update in place, got %+v", outcome)
	}
	if len(store.tx.upserts) != 2 {
		t.Fatalf("expected both deliveries to reach the upsert, got %d", len(store.tx.upserts))
	}
}

func TestHandleItemEnrichedUnknownCollection(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeStore(), &fakeEnricher{}, &fakeEmbedder{}, &fakeDuplicates{}, "")

	_, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_missing", "https://example.com/story", "Example Story"))
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection error, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown collection to be a validation failure, got %v", err)
	}
}

func TestHandleItemEnrichedDropsDuplicateTitle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{vector: []float64{0.5}}, &fakeDuplicates{duplicate: true}, "")

	outcome, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_1", "https://example.com/story", "Example Story"))
	if err != nil {
		t.Fatalf("HandleItemEnriched failed: %v", err)
	}
	if !outcome.Dropped || outcome.Reason != "duplicate_title" {
		t.Fatalf("expected duplicate title drop, got %+v", outcome)
	}
	if len(store.tx.upserts) != 0 {
		t.Fatalf("expected no upsert for a duplicate")
	}
}

func TestHandleItemEnrichedDropsClaimedURL(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	store.tx.urlClaimed = true
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{vector: []float64{0.5}}, &fakeDuplicates{}, "")

	outcome, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_1", "https://example.com/story", "Example Story"))
	if err != nil {
		t.Fatalf("HandleItemEnriched failed: %v", err)
	}
	if !outcome.Dropped || outcome.Reason != "duplicate_url" {
		t.Fatalf("expected claimed URL drop, got %+v", outcome)
	}
	if len(store.tx.upserts) != 0 {
		t.Fatalf("expected no upsert for a claimed URL")
	}
}

func TestHandleItemEnrichedSurvivesCrawlFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	enricher := &fakeEnricher{err: fmt.Errorf("crawl provider unavailable")}
	svc := newTestService(store, enricher, &fakeEmbedder{vector: []float64{0.5}}, &fakeDuplicates{}, "")

	outcome, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_1", "https://example.com/story", "Example Story"))
	if err != nil {
		t.Fatalf("expected crawl failure to degrade, got %v", err)
	}
	if !outcome.Stored {
		t.Fatalf("expected item to be stored without crawl metadata, got %+v", outcome)
	}
	up := store.tx.upserts[0]
	if up.ImageURL != nil || up.FaviconURL != nil {
		t.Fatalf("expected no crawl metadata after failure")
	}
}

func TestHandleItemEnrichedEmbedFailureIsTransient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{err: fmt.Errorf("provider timeout")}, &fakeDuplicates{}, "")

	_, err := svc.HandleItemEnriched(context.Background(), itemEvent("item_1", "col_1", "https://example.com/story", "Example Story"))
	if err == nil {
		t.Fatalf("expected embedding failure to propagate")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("embedding failure must not be a validation rejection: %v", err)
	}
	if store.locks != 0 {
		t.Fatalf("expected no write section after embedding failure")
	}
}

func TestHandleItemEnrichedUntitledSkipsNothingElse(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	if _, err := store.UpsertCollection(context.Background(), "col_1", "AI News", nil, time.Now()); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
	duplicates := &fakeDuplicates{}
	svc := newTestService(store, &fakeEnricher{}, &fakeEmbedder{vector: []float64{0.5}}, duplicates, "")

	event := webhook.ItemEnriched{Item: &payloadschema.ItemPayload{
		ID:           "item_untitled",
		CollectionID: "col_1",
		Properties:   payloadschema.ItemProperties{URL: "https://example.com/untitled"},
	}}

	outcome, err := svc.HandleItemEnriched(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleItemEnriched failed: %v", err)
	}
	if !outcome.Stored {
		t.Fatalf("expected untitled item to be stored, got %+v", outcome)
	}
	up := store.tx.upserts[0]
	if up.Title != "" {
		t.Fatalf("expected empty title, got %q", up.Title)
	}
	if len(up.Embedding) != 0 {
		t.Fatalf("expected no embedding for an untitled item")
	}
}
