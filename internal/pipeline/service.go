package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsmonitor/internal/db"
	"horse.fit/newsmonitor/internal/enrich"
	"horse.fit/newsmonitor/internal/globaltime"
	"horse.fit/newsmonitor/internal/langdetect"
	"horse.fit/newsmonitor/internal/reader"
	"horse.fit/newsmonitor/internal/webhook"
)

const excerptMaxChars = 400

// ErrValidation marks failures the sender cannot retry into success; the
// handler maps it to HTTP 400.
var ErrValidation = errors.New("invalid event")

// ErrUnknownCollection rejects items referencing a collection that was never
// registered.
var ErrUnknownCollection = fmt.Errorf("%w: unknown collection", ErrValidation)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	UpsertCollection(ctx context.Context, externalID, name string, rawDescriptor json.RawMessage, now time.Time) (bool, error)
	GetCollectionByExternalID(ctx context.Context, externalID string) (*db.CollectionRecord, error)
	WithCollectionLock(ctx context.Context, collectionExternalID string, fn func(tx db.ItemTx) error) error
}

// Enricher fetches supplementary page metadata; failures are soft.
type Enricher interface {
	FetchPageMetadata(ctx context.Context, pageURL string) (*enrich.PageMetadata, error)
}

// Embedder turns a title into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Duplicates runs the two-stage near-duplicate decision inside the write
// transaction.
type Duplicates interface {
	IsDuplicate(ctx context.Context, candidateTitle string, collectionID int64, embedding []float64, tx db.ItemTx) (bool, error)
}

// Outcome describes what a delivery did, for logging and tests. A dropped
// delivery is still acknowledged as success to the sender.
type Outcome struct {
	Stored   bool
	Inserted bool
	Dropped  bool
	Reason   string
}

type Service struct {
	store      Store
	enricher   Enricher
	embedder   Embedder
	duplicates Duplicates
	appTag     string
	logger     zerolog.Logger

	excerptFallback func(ctx context.Context, pageURL string, maxChars int) (string, error)
}

func NewService(store Store, enricher Enricher, embedder Embedder, duplicates Duplicates, appTag string, logger zerolog.Logger) *Service {
	return &Service{
		store:           store,
		enricher:        enricher,
		embedder:        embedder,
		duplicates:      duplicates,
		appTag:          strings.TrimSpace(appTag),
		logger:          logger,
		excerptFallback: reader.FetchExcerpt,
	}
}

// HandleCollectionCreated registers a collection before any of its items can
// be accepted. Re-delivery of the same creation event is a no-op success.
func (s *Service) HandleCollectionCreated(ctx context.Context, ev webhook.CollectionCreated) (Outcome, error) {
	if s == nil || s.store == nil {
		return Outcome{}, fmt.Errorf("pipeline service is not initialized")
	}

	if ev.ExternalID == "" {
		return Outcome{}, fmt.Errorf("%w: collection id is required", ErrValidation)
	}
	if ev.Name == "" {
		return Outcome{}, fmt.Errorf("%w: collection name is required", ErrValidation)
	}

	// Collections created by other consumers of the same upstream account are
	// acknowledged but ignored.
	if s.appTag != "" && ev.App != s.appTag {
		s.logger.Info().
			Str("collection", ev.ExternalID).
			Str("app", ev.App).
			Msg("collection ignored, app tag mismatch")
		return Outcome{Dropped: true, Reason: "app_tag_mismatch"}, nil
	}

	inserted, err := s.store.UpsertCollection(ctx, ev.ExternalID, ev.Name, ev.Raw, globaltime.UTC())
	if err != nil {
		return Outcome{}, fmt.Errorf("register collection: %w", err)
	}

	s.logger.Info().
		Str("collection", ev.ExternalID).
		Str("name", ev.Name).
		Bool("inserted", inserted).
		Msg("collection registered")

	return Outcome{Stored: true, Inserted: inserted}, nil
}

// HandleItemEnriched runs the enrichment, embedding, dedup, and upsert
// sequence for one delivery. The dedup check and the write happen inside a
// single per-collection serialized transaction.
func (s *Service) HandleItemEnriched(ctx context.Context, ev webhook.ItemEnriched) (Outcome, error) {
	if s == nil || s.store == nil {
		return Outcome{}, fmt.Errorf("pipeline service is not initialized")
	}
	if ev.Item == nil {
		return Outcome{}, fmt.Errorf("%w: item payload is missing", ErrValidation)
	}

	payload := ev.Item
	collection, err := s.store.GetCollectionByExternalID(ctx, payload.CollectionID)
	if err != nil {
		if db.IsNoRows(err) {
			return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownCollection, payload.CollectionID)
		}
		return Outcome{}, fmt.Errorf("look up collection %q: %w", payload.CollectionID, err)
	}

	publishedAt, err := payload.PublishedAt()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	title := payload.Title()
	pageURL := strings.TrimSpace(payload.Properties.URL)

	up := db.ItemUpsert{
		ExternalID:   payload.ID,
		CollectionID: collection.CollectionID,
		URL:          pageURL,
		Title:        title,
		Description:  trimOptional(payload.Properties.Description),
		PublishedAt:  publishedAt,
		Enrichments:  payload.Enrichments,
		Evaluations:  payload.Evaluations,
	}
	if author := payload.Author(); author != "" {
		up.Author = &author
	}

	s.enrichItem(ctx, &up, pageURL)

	up.Language = langdetect.DetectISO6391(languageSample(title, up.Description, up.Excerpt))

	vector, err := s.embedder.Embed(ctx, title)
	if err != nil {
		return Outcome{}, fmt.Errorf("embed title: %w", err)
	}
	up.Embedding = vector

	var outcome Outcome
	err = s.store.WithCollectionLock(ctx, collection.ExternalID, func(tx db.ItemTx) error {
		isDuplicate, err := s.duplicates.IsDuplicate(ctx, title, collection.CollectionID, vector, tx)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if isDuplicate {
			outcome = Outcome{Dropped: true, Reason: "duplicate_title"}
			return nil
		}

		claimed, err := tx.URLOwnedByOther(ctx, payload.ID, pageURL)
		if err != nil {
			return err
		}
		if claimed {
			outcome = Outcome{Dropped: true, Reason: "duplicate_url"}
			return nil
		}

		result, err := tx.UpsertItem(ctx, up, globaltime.UTC())
		if err != nil {
			return err
		}
		outcome = Outcome{Stored: true, Inserted: result.Inserted}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	event := s.logger.Info().
		Str("item", payload.ID).
		Str("collection", collection.ExternalID)
	switch {
	case outcome.Dropped:
		event.Str("reason", outcome.Reason).Msg("item dropped")
	case outcome.Inserted:
		event.Msg("item stored")
	default:
		event.Msg("item updated")
	}

	return outcome, nil
}

// enrichItem augments the upsert with crawl metadata. Every failure here
// degrades to nil fields; persistence is never blocked on enrichment.
func (s *Service) enrichItem(ctx context.Context, up *db.ItemUpsert, pageURL string) {
	var crawlText string
	if s.enricher != nil {
		meta, err := s.enricher.FetchPageMetadata(ctx, pageURL)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", pageURL).Msg("page metadata fetch failed, continuing without")
		} else if meta != nil {
			up.ImageURL = meta.ImageURL
			up.FaviconURL = meta.FaviconURL
			if up.Author == nil && meta.Author != nil {
				up.Author = meta.Author
			}
			crawlText = meta.Text
		}
	}

	if crawlText != "" {
		excerpt, _ := reader.TruncateText(reader.CleanText(crawlText), excerptMaxChars)
		excerpt = strings.TrimSpace(excerpt)
		if excerpt != "" {
			up.Excerpt = &excerpt
		}
		return
	}

	if up.Description != nil || s.excerptFallback == nil {
		return
	}
	excerpt, err := s.excerptFallback(ctx, pageURL, excerptMaxChars)
	if err != nil {
		s.logger.Debug().Err(err).Str("url", pageURL).Msg("excerpt fallback failed")
		return
	}
	if excerpt != "" {
		up.Excerpt = &excerpt
	}
}

func languageSample(title string, description, excerpt *string) string {
	parts := make([]string, 0, 3)
	if title != "" {
		parts = append(parts, title)
	}
	if description != nil {
		parts = append(parts, *description)
	}
	if excerpt != nil {
		parts = append(parts, *excerpt)
	}
	return strings.Join(parts, " ")
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
