package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"turtle-futures-bot/internal/bot"
	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/database"
	"turtle-futures-bot/internal/strategy"
)

// handleHealth runs every registered dependency check
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) handleListContexts(c *gin.Context) {
	list, err := s.bot.Contexts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, list)
}

func (s *Server) handleGetContext(c *gin.Context) {
	snap, err := s.bot.Context(c.Request.Context(), symbolParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, snap)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	sc, err := s.bot.Subscribe(c.Request.Context(), symbolParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    sc.Snapshot(),
	})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	symbol := symbolParam(c)
	force := c.Query("force") == "true"
	if err := s.bot.Unsubscribe(c.Request.Context(), symbol, force); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"instrument": symbol, "unsubscribed": true})
}

func (s *Server) handleRefresh(c *gin.Context) {
	symbol := symbolParam(c)
	moved, err := s.bot.Refresh(c.Request.Context(), symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	snap, err := s.bot.Context(c.Request.Context(), symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"stop_moved": moved, "context": snap})
}

// fail maps domain errors to status codes
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, bot.ErrNotSubscribed),
		errors.Is(err, broker.ErrUnknownInstrument):
		status = http.StatusNotFound
	case errors.Is(err, bot.ErrAlreadySubscribed),
		errors.Is(err, bot.ErrPositionOpen):
		status = http.StatusConflict
	case errors.Is(err, strategy.ErrNotEnoughCandles):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	errorResponse(c, status, err.Error())
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("id")))
}
