package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed webhook_item.schema.json
var webhookItemSchemaJSON string

// ItemPayload is the validated data object of an item.enriched event.
type ItemPayload struct {
	ID           string          `json:"id"`
	CollectionID string          `json:"collectionId"`
	Properties   ItemProperties  `json:"properties"`
	Enrichments  json.RawMessage `json:"enrichments,omitempty"`
	Evaluations  json.RawMessage `json:"evaluations,omitempty"`
}

type ItemProperties struct {
	URL         string       `json:"url"`
	Description *string      `json:"description,omitempty"`
	Article     *ItemArticle `json:"article,omitempty"`
}

type ItemArticle struct {
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	PublishedAt *string `json:"publishedAt,omitempty"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateItemPayload(payload json.RawMessage) (*ItemPayload, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var item ItemPayload
	if err := json.Unmarshal(normalized, &item); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&item); err != nil {
		return nil, err
	}

	return &item, nil
}

// Title returns the article title, empty when the payload carries none.
func (p *ItemPayload) Title() string {
	if p == nil || p.Properties.Article == nil || p.Properties.Article.Title == nil {
		return ""
	}
	return strings.TrimSpace(*p.Properties.Article.Title)
}

// Author returns the article author from the payload, empty when absent.
func (p *ItemPayload) Author() string {
	if p == nil || p.Properties.Article == nil || p.Properties.Article.Author == nil {
		return ""
	}
	return strings.TrimSpace(*p.Properties.Article.Author)
}

// PublishedAt parses the article publish timestamp, nil when absent.
func (p *ItemPayload) PublishedAt() (*time.Time, error) {
	if p == nil || p.Properties.Article == nil || p.Properties.Article.PublishedAt == nil {
		return nil, nil
	}
	raw := strings.TrimSpace(*p.Properties.Article.PublishedAt)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("properties.article.publishedAt must be RFC3339: %w", err)
	}
	utc := ts.UTC()
	return &utc, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("webhook_item.schema.json", strings.NewReader(webhookItemSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("webhook_item.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(item *ItemPayload) error {
	if item == nil {
		return fmt.Errorf("payload is nil")
	}

	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.TrimSpace(item.CollectionID) == "" {
		return fmt.Errorf("collectionId must not be empty")
	}
	if err := validateURI("properties.url", item.Properties.URL); err != nil {
		return err
	}
	if _, err := item.PublishedAt(); err != nil {
		return err
	}

	return nil
}

func validateURI(fieldName, raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%s must be a valid URI: %w", fieldName, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", fieldName)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", fieldName)
	}
	return nil
}
