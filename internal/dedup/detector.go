package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/newsmonitor/internal/db"
	"horse.fit/newsmonitor/internal/globaltime"
)

const (
	DefaultWindowDays    = 7
	DefaultNeighborLimit = 10
)

// DuplicateClassifier is the precision stage: an expensive semantic check
// applied only to recall-stage survivors.
type DuplicateClassifier interface {
	ClassifyDuplicate(ctx context.Context, candidateTitle string, neighborTitles []string) (Verdict, error)
}

// Detector decides whether a candidate item duplicates a recently stored one
// in the same collection. Recall is a vector nearest-neighbor query over a
// trailing time window; precision is the semantic classifier.
type Detector struct {
	classifier    DuplicateClassifier
	windowDays    int
	neighborLimit int
	logger        zerolog.Logger
}

func NewDetector(classifier DuplicateClassifier, windowDays, neighborLimit int, logger zerolog.Logger) *Detector {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if neighborLimit <= 0 {
		neighborLimit = DefaultNeighborLimit
	}
	return &Detector{
		classifier:    classifier,
		windowDays:    windowDays,
		neighborLimit: neighborLimit,
		logger:        logger,
	}
}

// IsDuplicate runs both stages against the given transaction so the neighbor
// query observes the same state the subsequent insert will commit against.
// A blank title or missing embedding skips detection entirely.
func (d *Detector) IsDuplicate(ctx context.Context, candidateTitle string, collectionID int64, embedding []float64, tx db.ItemTx) (bool, error) {
	if d == nil {
		return false, fmt.Errorf("detector is not initialized")
	}

	title := strings.TrimSpace(candidateTitle)
	if title == "" || len(embedding) == 0 {
		return false, nil
	}

	since := globaltime.UTC().Add(-time.Duration(d.windowDays) * 24 * time.Hour)
	neighbors, err := tx.NearestNeighbors(ctx, collectionID, embedding, since, d.neighborLimit)
	if err != nil {
		return false, fmt.Errorf("recall stage: %w", err)
	}
	if len(neighbors) == 0 {
		return false, nil
	}

	neighborTitles := make([]string, 0, len(neighbors))
	for _, neighbor := range neighbors {
		if t := strings.TrimSpace(neighbor.Title); t != "" {
			neighborTitles = append(neighborTitles, t)
		}
	}
	if len(neighborTitles) == 0 {
		return false, nil
	}

	verdict, err := d.classifier.ClassifyDuplicate(ctx, title, neighborTitles)
	if err != nil {
		return false, fmt.Errorf("precision stage: %w", err)
	}

	event := d.logger.Debug().
		Int64("collection_id", collectionID).
		Int("neighbors", len(neighborTitles)).
		Bool("is_duplicate", verdict.IsDuplicate)
	if verdict.Confidence != nil {
		event = event.Float64("confidence", *verdict.Confidence)
	}
	if verdict.Reason != nil {
		event = event.Str("reason", *verdict.Reason)
	}
	event.Msg("duplicate verdict")

	return verdict.IsDuplicate, nil
}
