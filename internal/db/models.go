package db

import (
	"encoding/json"
	"time"
)

// Collection maps monitor.collections. One row per logical monitored topic,
// registered from a collection.created webhook delivery.
type Collection struct {
	CollectionID   int64           `gorm:"column:collection_id;primaryKey;autoIncrement"`
	CollectionUUID string          `gorm:"column:collection_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ExternalID     string          `gorm:"column:external_id;type:text;not null;unique"`
	Name           string          `gorm:"column:name;type:text;not null"`
	RawDescriptor  json.RawMessage `gorm:"column:raw_descriptor;type:jsonb"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Collection) TableName() string { return "monitor.collections" }

// Item maps monitor.items. external_id is the idempotency key; url carries its
// own uniqueness constraint so two differently-sourced deliveries cannot file
// the same page twice.
type Item struct {
	ItemID         int64           `gorm:"column:item_id;primaryKey;autoIncrement"`
	ItemUUID       string          `gorm:"column:item_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ExternalID     string          `gorm:"column:external_id;type:text;not null;unique"`
	CollectionID   int64           `gorm:"column:collection_id;type:bigint;not null"`
	URL            string          `gorm:"column:url;type:text;not null;unique"`
	Title          string          `gorm:"column:title;type:text;not null"`
	Description    *string         `gorm:"column:description;type:text"`
	Excerpt        *string         `gorm:"column:excerpt;type:text"`
	Author         *string         `gorm:"column:author;type:text"`
	PublishedAt    *time.Time      `gorm:"column:published_at;type:timestamptz"`
	ImageURL       *string         `gorm:"column:image_url;type:text"`
	FaviconURL     *string         `gorm:"column:favicon_url;type:text"`
	Language       string          `gorm:"column:language;type:text;not null;default:und"`
	Enrichments    json.RawMessage `gorm:"column:enrichments;type:jsonb"`
	Evaluations    json.RawMessage `gorm:"column:evaluations;type:jsonb"`
	TitleEmbedding *string         `gorm:"column:title_embedding;type:vector(1536)"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Item) TableName() string { return "monitor.items" }

func autoMigrateModels() []any {
	return []any{
		&Collection{},
		&Item{},
	}
}
