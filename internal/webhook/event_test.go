package webhook

import (
	"testing"
)

func TestParseEventCollectionCreated(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"type": "collection.created",
		"data": {
			"id": "col_abc123",
			"metadata": {"name": "AI News", "app": "newsmonitor"}
		}
	}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	created, ok := event.(CollectionCreated)
	if !ok {
		t.Fatalf("expected CollectionCreated, got %T", event)
	}
	if created.ExternalID != "col_abc123" {
		t.Fatalf("unexpected external id: %q", created.ExternalID)
	}
	if created.Name != "AI News" {
		t.Fatalf("unexpected name: %q", created.Name)
	}
	if created.App != "newsmonitor" {
		t.Fatalf("unexpected app: %q", created.App)
	}
	if len(created.Raw) == 0 {
		t.Fatalf("expected raw descriptor to be preserved")
	}
}

func TestParseEventItemEnriched(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"type": "item.enriched",
		"data": {
			"id": "item_1",
			"collectionId": "col_abc123",
			"properties": {
				"url": "https://example.com/story",
				"description": "A short summary.",
				"article": {
					"title": "Example Story",
					"author": "A. Writer",
					"publishedAt": "2026-08-20T09:30:00Z"
				}
			}
		}
	}`)

	event, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	enriched, ok := event.(ItemEnriched)
	if !ok {
		t.Fatalf("expected ItemEnriched, got %T", event)
	}
	if enriched.Item == nil {
		t.Fatalf("expected validated item payload")
	}
	if enriched.Item.ID != "item_1" {
		t.Fatalf("unexpected item id: %q", enriched.Item.ID)
	}
	if enriched.Item.CollectionID != "col_abc123" {
		t.Fatalf("unexpected collection id: %q", enriched.Item.CollectionID)
	}
	if got := enriched.Item.Title(); got != "Example Story" {
		t.Fatalf("unexpected title: %q", got)
	}
}

func TestParseEventUnknownTypeIsIgnored(t *testing.T) {
	t.Parallel()

	event, err := ParseEvent([]byte(`{"type": "collection.deleted", "data": {}}`))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}

	ignored, ok := event.(Ignored)
	if !ok {
		t.Fatalf("expected Ignored, got %T", event)
	}
	if ignored.EventType() != "collection.deleted" {
		t.Fatalf("unexpected event type: %q", ignored.EventType())
	}
}

func TestParseEventRejectsBadBodies(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"empty":            []byte(""),
		"not json":         []byte("not-json"),
		"missing type":     []byte(`{"data": {}}`),
		"trailing content": []byte(`{"type":"x","data":{}}{"more":true}`),
		"invalid item":     []byte(`{"type":"item.enriched","data":{"id":"item_1"}}`),
	}

	for name, body := range cases {
		if _, err := ParseEvent(body); err == nil {
			t.Fatalf("expected %s body to be rejected", name)
		}
	}
}
