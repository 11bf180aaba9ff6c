package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/newsmonitor/internal/db"
	"horse.fit/newsmonitor/internal/globaltime"
	"horse.fit/newsmonitor/internal/pipeline"
	"horse.fit/newsmonitor/internal/webhook"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

var errCollectionNotFound = errors.New("collection not found")

// EventPipeline processes verified webhook events.
type EventPipeline interface {
	HandleCollectionCreated(ctx context.Context, ev webhook.CollectionCreated) (pipeline.Outcome, error)
	HandleItemEnriched(ctx context.Context, ev webhook.ItemEnriched) (pipeline.Outcome, error)
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	pool     *db.Pool
	verifier *webhook.Verifier
	pipeline EventPipeline
	logger   zerolog.Logger
	opts     Options
}

type collectionSummary struct {
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Items      int64      `json:"items"`
	LastItemAt *time.Time `json:"last_item_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type collectionItem struct {
	ItemUUID    string     `json:"item_uuid"`
	ExternalID  string     `json:"external_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Excerpt     *string    `json:"excerpt,omitempty"`
	Author      *string    `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ImageURL    *string    `json:"image_url,omitempty"`
	FaviconURL  *string    `json:"favicon_url,omitempty"`
	Language    string     `json:"language"`
	CreatedAt   time.Time  `json:"created_at"`
}

func NewServer(pool *db.Pool, verifier *webhook.Verifier, eventPipeline EventPipeline, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		pool:     pool,
		verifier: verifier,
		pipeline: eventPipeline,
		logger:   logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.pool == nil || s.pipeline == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.router()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("newsmonitor server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("newsmonitor server stopped")
	return nil
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", webhook.SignatureHeader},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.POST("/api/webhook", s.handleWebhook)

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/collections", s.handleCollections)
	api.GET("/collections/:external_id/items", s.handleCollectionItems)

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	// The webhook endpoint keeps its flat {"error": ...} shape even when
	// the error surfaces through middleware instead of the handler.
	if strings.HasPrefix(c.Request().URL.Path, "/api/webhook") {
		if status >= 500 {
			_ = c.JSON(http.StatusInternalServerError, webhookError{Error: "internal error"})
			return
		}
		_ = c.JSON(status, webhookError{Error: message})
		return
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "newsmonitor",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleCollections(c echo.Context) error {
	rows, err := s.queryCollections(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query collections failed")
		return internalError(c, "Failed to load collections")
	}
	return success(c, map[string]any{
		"items": rows,
	})
}

func (s *Server) handleCollectionItems(c echo.Context) error {
	externalID := strings.TrimSpace(c.Param("external_id"))
	if externalID == "" {
		return failValidation(c, map[string]string{"external_id": "is required"})
	}

	page, err := parsePositiveInt(c.QueryParam("page"), 1, 1, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"page": err.Error()})
	}
	pageSize, err := parsePositiveInt(c.QueryParam("page_size"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"page_size": err.Error()})
	}
	completeOnly, err := parseBoolParam(c.QueryParam("complete"), true)
	if err != nil {
		return failValidation(c, map[string]string{"complete": err.Error()})
	}

	total, items, err := s.queryCollectionItems(c.Request().Context(), externalID, completeOnly, page, pageSize)
	if err != nil {
		if errors.Is(err, errCollectionNotFound) {
			return failNotFound(c, "Collection not found")
		}
		s.logger.Error().Err(err).Str("collection", externalID).Msg("query collection items failed")
		return internalError(c, "Failed to load items")
	}

	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}

	return success(c, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"page":        page,
			"page_size":   pageSize,
			"total_items": total,
			"total_pages": totalPages,
		},
		"filters": map[string]any{
			"collection": externalID,
			"complete":   completeOnly,
		},
	})
}

func (s *Server) queryCollections(ctx context.Context) ([]collectionSummary, error) {
	const q = `
SELECT
	c.external_id,
	c.name,
	COUNT(i.item_id)::BIGINT AS items,
	MAX(i.published_at) AS last_item_at,
	c.created_at
FROM monitor.collections c
LEFT JOIN monitor.items i
	ON i.collection_id = c.collection_id
GROUP BY c.collection_id
ORDER BY c.name, c.external_id
`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query collection summary: %w", err)
	}
	defer rows.Close()

	items := make([]collectionSummary, 0, 8)
	for rows.Next() {
		var row collectionSummary
		if err := rows.Scan(&row.ExternalID, &row.Name, &row.Items, &row.LastItemAt, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collection summary: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection summary: %w", err)
	}
	return items, nil
}

func (s *Server) queryCollectionItems(ctx context.Context, externalID string, completeOnly bool, page, pageSize int) (int64, []collectionItem, error) {
	const collectionQuery = `
SELECT collection_id
FROM monitor.collections
WHERE external_id = $1
`

	var collectionID int64
	if err := s.pool.QueryRow(ctx, collectionQuery, externalID).Scan(&collectionID); err != nil {
		if db.IsNoRows(err) {
			return 0, nil, errCollectionNotFound
		}
		return 0, nil, fmt.Errorf("query collection: %w", err)
	}

	const countQuery = `
SELECT COUNT(*)
FROM monitor.items i
WHERE i.collection_id = $1
  AND (NOT $2 OR (i.image_url IS NOT NULL AND i.favicon_url IS NOT NULL AND i.published_at IS NOT NULL))
`

	var total int64
	if err := s.pool.QueryRow(ctx, countQuery, collectionID, completeOnly).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count items: %w", err)
	}

	offset := (page - 1) * pageSize

	const rowsQuery = `
SELECT
	i.item_uuid::text,
	i.external_id,
	i.url,
	i.title,
	i.description,
	i.excerpt,
	i.author,
	i.published_at,
	i.image_url,
	i.favicon_url,
	i.language,
	i.created_at
FROM monitor.items i
WHERE i.collection_id = $1
  AND (NOT $2 OR (i.image_url IS NOT NULL AND i.favicon_url IS NOT NULL AND i.published_at IS NOT NULL))
ORDER BY i.published_at DESC NULLS LAST, i.item_id DESC
LIMIT $3
OFFSET $4
`

	rows, err := s.pool.Query(ctx, rowsQuery, collectionID, completeOnly, pageSize, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := make([]collectionItem, 0, pageSize)
	for rows.Next() {
		var row collectionItem
		if err := rows.Scan(
			&row.ItemUUID,
			&row.ExternalID,
			&row.URL,
			&row.Title,
			&row.Description,
			&row.Excerpt,
			&row.Author,
			&row.PublishedAt,
			&row.ImageURL,
			&row.FaviconURL,
			&row.Language,
			&row.CreatedAt,
		); err != nil {
			return 0, nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate item rows: %w", err)
	}

	return total, items, nil
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseBoolParam(raw string, defaultValue bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, fmt.Errorf("must be a boolean")
	}
	return value, nil
}
