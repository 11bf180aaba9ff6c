package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/newsmonitor/internal/globaltime"
	"horse.fit/newsmonitor/internal/pipeline"
	"horse.fit/newsmonitor/internal/webhook"
)

const maxWebhookBodyBytes = 4 << 20

type webhookAck struct {
	Received  bool   `json:"received"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type webhookError struct {
	Error string `json:"error"`
}

// handleWebhook accepts one delivery. The sender retries on 5xx, so only
// transient failures map there; rejected deliveries get 400 and intentional
// drops are acknowledged as success.
func (s *Server) handleWebhook(c echo.Context) error {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, webhookError{Error: "failed to read request body"})
	}

	if s.verifier != nil && !s.verifier.Verify(rawBody, c.Request().Header.Get(webhook.SignatureHeader)) {
		return c.JSON(http.StatusBadRequest, webhookError{Error: "invalid signature"})
	}

	event, err := webhook.ParseEvent(rawBody)
	if err != nil {
		s.logger.Warn().Err(err).Msg("webhook payload rejected")
		return c.JSON(http.StatusBadRequest, webhookError{Error: err.Error()})
	}

	ctx := c.Request().Context()

	switch ev := event.(type) {
	case webhook.CollectionCreated:
		if _, err := s.pipeline.HandleCollectionCreated(ctx, ev); err != nil {
			return s.webhookFailure(c, err)
		}
	case webhook.ItemEnriched:
		if _, err := s.pipeline.HandleItemEnriched(ctx, ev); err != nil {
			return s.webhookFailure(c, err)
		}
	case webhook.Ignored:
		s.logger.Debug().Str("type", ev.Type).Msg("webhook event type ignored")
	}

	return c.JSON(http.StatusOK, webhookAck{
		Received:  true,
		Type:      event.EventType(),
		Timestamp: globaltime.UTC().Format(time.RFC3339),
	})
}

func (s *Server) webhookFailure(c echo.Context, err error) error {
	if errors.Is(err, pipeline.ErrValidation) {
		s.logger.Warn().Err(err).Msg("webhook event rejected")
		return c.JSON(http.StatusBadRequest, webhookError{Error: err.Error()})
	}
	s.logger.Error().Err(err).Msg("webhook event processing failed")
	return c.JSON(http.StatusInternalServerError, webhookError{Error: "internal error"})
}
