package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	payloadschema "horse.fit/newsmonitor/schema"
)

const (
	TypeCollectionCreated = "collection.created"
	TypeItemEnriched      = "item.enriched"
)

// Event is the tagged variant over the finite set of recognized event kinds.
// Unrecognized kinds map to Ignored rather than falling through untyped access.
type Event interface {
	EventType() string
}

type CollectionCreated struct {
	ExternalID string
	Name       string
	App        string
	Raw        json.RawMessage
}

func (CollectionCreated) EventType() string { return TypeCollectionCreated }

type ItemEnriched struct {
	Item *payloadschema.ItemPayload
	Raw  json.RawMessage
}

func (ItemEnriched) EventType() string { return TypeItemEnriched }

type Ignored struct {
	Type string
}

func (e Ignored) EventType() string { return e.Type }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type collectionCreatedData struct {
	ID       string `json:"id"`
	Metadata struct {
		Name string `json:"name"`
		App  string `json:"app"`
	} `json:"metadata"`
}

// ParseEvent decodes a verified raw body into a typed event. Malformed JSON or
// an invalid recognized payload is an error; an unrecognized type is not.
func ParseEvent(rawBody []byte) (Event, error) {
	trimmed := bytes.TrimSpace(rawBody)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("event body is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	var env envelope
	if err := decoder.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("event body contains trailing content")
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("event type is missing")
	}

	switch env.Type {
	case TypeCollectionCreated:
		var data collectionCreatedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", TypeCollectionCreated, err)
		}
		return CollectionCreated{
			ExternalID: strings.TrimSpace(data.ID),
			Name:       strings.TrimSpace(data.Metadata.Name),
			App:        strings.TrimSpace(data.Metadata.App),
			Raw:        env.Data,
		}, nil

	case TypeItemEnriched:
		item, err := payloadschema.ValidateItemPayload(env.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid %s data: %w", TypeItemEnriched, err)
		}
		return ItemEnriched{
			Item: item,
			Raw:  env.Data,
		}, nil

	default:
		return Ignored{Type: env.Type}, nil
	}
}
