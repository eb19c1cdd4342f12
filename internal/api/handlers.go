package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/internal/db"
	"github.com/ajitpratap0/moexadvisor/internal/metrics"
)

const (
	defaultBacktestDays = 7
	maxBacktestDays     = 30
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "moexadvisor",
		"version": s.config.Version,
		"status":  s.config.Runner.Status(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.config.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket feed disabled"})
		return
	}
	s.config.Hub.ServeWS(c)
}

func (s *Server) handleStartAnalysis(c *gin.Context) {
	sessionID, err := s.config.Runner.Start()
	if errors.Is(err, ErrAnalysisRunning) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "started",
		"message":    "Анализ запущен",
		"session_id": sessionID,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.config.Runner.Snapshot())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"agent_initialized": s.config.Runner != nil,
		"analysis_status":   s.config.Runner.Status(),
		"websocket_clients": s.wsClients(),
		"time":              time.Now().UTC(),
	})
}

func (s *Server) wsClients() int {
	if s.config.Hub == nil {
		return 0
	}
	return s.config.Hub.ClientCount()
}

// handlePortfolio reads the portfolio file directly; a load failure yields
// an empty object rather than an error.
func (s *Server) handlePortfolio(c *gin.Context) {
	p, err := s.config.Loader.LoadPortfolio(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load portfolio")
		p = advisor.Portfolio{}
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleNews(c *gin.Context) {
	news, err := s.config.Loader.LoadNews(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load news")
	}
	if news == nil {
		news = []advisor.NewsItem{}
	}
	c.JSON(http.StatusOK, news)
}

func (s *Server) handleOpinions(c *gin.Context) {
	c.JSON(http.StatusOK, s.config.Runner.Snapshot().Opinions)
}

func (s *Server) handleDecisions(c *gin.Context) {
	c.JSON(http.StatusOK, s.config.Runner.Snapshot().Decisions)
}

func (s *Server) handleRiskAssessments(c *gin.Context) {
	c.JSON(http.StatusOK, s.config.Runner.Snapshot().RiskAssessments)
}

func (s *Server) handleRecommendations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"recommendations": s.config.Runner.Snapshot().FinalRecommendations})
}

func (s *Server) handleBacktest(c *gin.Context) {
	days := defaultBacktestDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			days = 0
		} else {
			days = n
		}
	}
	if days < 1 || days > maxBacktestDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Количество дней должно быть от 1 до 30"})
		return
	}

	if s.config.Backtester == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Бэктест недоступен"})
		return
	}

	ctx := c.Request.Context()
	portfolio, err := s.config.Loader.LoadPortfolio(ctx)
	if err != nil {
		s.backtestFailed(c, err)
		return
	}
	news, err := s.config.Loader.LoadNews(ctx)
	if err != nil {
		s.backtestFailed(c, err)
		return
	}

	result, err := s.config.Backtester.Run(ctx, days, portfolio, news)
	if err != nil {
		s.backtestFailed(c, err)
		return
	}
	metrics.RecordBacktest(nil)

	c.JSON(http.StatusOK, gin.H{
		"status":  "completed",
		"message": fmt.Sprintf("Бэктест завершен за %d дней", days),
		"result":  result,
	})
}

func (s *Server) backtestFailed(c *gin.Context, err error) {
	metrics.RecordBacktest(err)
	log.Error().Err(err).Msg("Backtest failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Ошибка бэктеста: " + err.Error()})
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.config.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := s.config.Runs.ListRecentRuns(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.config.Runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is not configured"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	run, err := s.config.Runs.GetRun(c.Request.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", id.String()).Msg("Failed to get run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}

	c.JSON(http.StatusOK, run)
}
