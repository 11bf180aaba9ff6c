package payloadschema

import (
	"testing"
	"time"
)

func TestValidateItemPayload(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"id": "item_1",
		"collectionId": "col_1",
		"properties": {
			"url": "https://example.com/story",
			"description": "A short summary.",
			"article": {
				"title": " Example Story ",
				"author": "A. Writer",
				"publishedAt": "2026-08-20T09:30:00+02:00"
			}
		},
		"enrichments": [{"kind": "summary"}],
		"evaluations": []
	}`)

	item, err := ValidateItemPayload(payload)
	if err != nil {
		t.Fatalf("ValidateItemPayload failed: %v", err)
	}

	if item.ID != "item_1" || item.CollectionID != "col_1" {
		t.Fatalf("unexpected identity: %+v", item)
	}
	if got := item.Title(); got != "Example Story" {
		t.Fatalf("unexpected trimmed title: %q", got)
	}
	if got := item.Author(); got != "A. Writer" {
		t.Fatalf("unexpected author: %q", got)
	}

	publishedAt, err := item.PublishedAt()
	if err != nil {
		t.Fatalf("PublishedAt failed: %v", err)
	}
	want := time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC)
	if publishedAt == nil || !publishedAt.Equal(want) {
		t.Fatalf("expected UTC normalized publish time, got %v", publishedAt)
	}
	if len(item.Enrichments) == 0 {
		t.Fatalf("expected enrichments to be preserved")
	}
}

func TestValidateItemPayloadMinimal(t *testing.T) {
	t.Parallel()

	item, err := ValidateItemPayload([]byte(`{
		"id": "item_1",
		"collectionId": "col_1",
		"properties": {"url": "https://example.com/story"}
	}`))
	if err != nil {
		t.Fatalf("ValidateItemPayload failed: %v", err)
	}
	if item.Title() != "" || item.Author() != "" {
		t.Fatalf("expected empty article accessors")
	}
	publishedAt, err := item.PublishedAt()
	if err != nil || publishedAt != nil {
		t.Fatalf("expected nil publish time, got %v %v", publishedAt, err)
	}
}

func TestValidateItemPayloadRejections(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty":               []byte(``),
		"not json":            []byte(`not-json`),
		"trailing content":    []byte(`{"id":"a","collectionId":"b","properties":{"url":"https://e.com"}}{}`),
		"missing id":          []byte(`{"collectionId":"b","properties":{"url":"https://e.com"}}`),
		"missing collection":  []byte(`{"id":"a","properties":{"url":"https://e.com"}}`),
		"missing properties":  []byte(`{"id":"a","collectionId":"b"}`),
		"missing url":         []byte(`{"id":"a","collectionId":"b","properties":{}}`),
		"non-http url":        []byte(`{"id":"a","collectionId":"b","properties":{"url":"ftp://e.com/x"}}`),
		"hostless url":        []byte(`{"id":"a","collectionId":"b","properties":{"url":"https:///path"}}`),
		"blank id":            []byte(`{"id":"  ","collectionId":"b","properties":{"url":"https://e.com"}}`),
		"bad published shape": []byte(`{"id":"a","collectionId":"b","properties":{"url":"https://e.com","article":{"publishedAt":"yesterday"}}}`),
		"object enrichments":  []byte(`{"id":"a","collectionId":"b","properties":{"url":"https://e.com"},"enrichments":{}}`),
	}

	for name, payload := range cases {
		if _, err := ValidateItemPayload(payload); err == nil {
			t.Fatalf("expected %s payload to be rejected", name)
		}
	}
}
