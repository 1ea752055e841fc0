// Package api exposes the reasoning core's upward operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/config"
	"github.com/cdss-reasoning-server/internal/domain"
	"github.com/cdss-reasoning-server/internal/middleware"
	"github.com/cdss-reasoning-server/internal/service"
)

// Services groups the reasoning components the API fronts.
type Services struct {
	Facts      domain.FactSource
	Assembler  *service.ProfileAssembler
	Stratifier *service.RiskStratifier
	Normalizer *service.TermNormalizer
	Composer   *service.RecommendationComposer
	Reviewer   *service.PlanReviewer
	Store      domain.PlanStore
}

// Server is the HTTP front for the reasoning core.
type Server struct {
	cfg      config.ServerConfig
	services Services
	router   *gin.Engine
	server   *http.Server
	log      *logrus.Logger
}

func NewServer(cfg config.ServerConfig, services Services, debug bool, logger *logrus.Logger) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())

	s := &Server{
		cfg:      cfg,
		services: services,
		router:   router,
		log:      logger,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/risk/assess", s.handleAssessRisk)
		v1.POST("/recommend", s.handleRecommend)
		v1.GET("/terms/normalize", s.handleNormalizeTerm)
		v1.POST("/plans/:id/review", s.handleReviewPlan)
		v1.GET("/patients/:id/plans", s.handlePlanHistory)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

type assessRequest struct {
	PatientID string `json:"patient_id" binding:"required"`
}

func (s *Server) handleAssessRisk(c *gin.Context) {
	var req assessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewAPIError("bad_request", err.Error()))
		return
	}

	facts, err := s.services.Facts.FetchPatientFacts(c.Request.Context(), req.PatientID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	profile, err := s.services.Assembler.Assemble(c.Request.Context(), facts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	assessment, err := s.services.Stratifier.Assess(profile)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"patient_id": profile.ID,
		"assessment": assessment,
	})
}

type recommendRequest struct {
	PatientID string `json:"patient_id" binding:"required"`
	Query     string `json:"query"`
}

func (s *Server) handleRecommend(c *gin.Context) {
	var req recommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewAPIError("bad_request", err.Error()))
		return
	}

	query := req.Query
	if query != "" {
		query = s.services.Normalizer.ExpandText(query)
	}

	rec, err := s.services.Composer.Compose(c.Request.Context(), req.PatientID, query)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.services.Store.Save(c.Request.Context(), rec); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleNormalizeTerm(c *gin.Context) {
	term := c.Query("term")
	if term == "" {
		c.JSON(http.StatusBadRequest, domain.NewAPIError("bad_request", "term query parameter is required"))
		return
	}

	result, err := s.services.Normalizer.Normalize(term)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type reviewRequest struct {
	Action string `json:"action" binding:"required"`
}

// handleReviewPlan drives the plan lifecycle. The "review" action
// re-runs the reasoning pass against current facts and decides the
// outcome itself: an unchanged plan resolves, a changed one is
// superseded by a fresh active version.
func (s *Server) handleReviewPlan(c *gin.Context) {
	id := c.Param("id")

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewAPIError("bad_request", err.Error()))
		return
	}

	var rec *domain.Recommendation
	var err error
	switch req.Action {
	case "accept":
		rec, err = s.services.Reviewer.Accept(c.Request.Context(), id)
	case "begin-review":
		rec, err = s.services.Reviewer.BeginReview(c.Request.Context(), id)
	case "review":
		rec, err = s.services.Reviewer.Review(c.Request.Context(), id)
	default:
		c.JSON(http.StatusBadRequest, domain.NewAPIError("bad_request",
			fmt.Sprintf("unknown action %q, want accept, begin-review, or review", req.Action)))
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handlePlanHistory(c *gin.Context) {
	patientID := c.Param("id")

	history, err := s.services.Reviewer.History(c.Request.Context(), patientID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"patient_id": patientID,
		"versions":   history,
	})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, domain.NewAPIError("profile_not_found", err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, domain.NewAPIError("not_found", err.Error()))
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, domain.NewAPIError("invalid_transition", err.Error()))
	case errors.Is(err, domain.ErrNoCanonicalForm):
		c.JSON(http.StatusUnprocessableEntity, domain.NewAPIError("no_canonical_form", err.Error()))
	case errors.Is(err, domain.ErrSourceUnavailable):
		c.JSON(http.StatusBadGateway, domain.NewAPIError("source_unavailable", err.Error()))
	default:
		s.log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, domain.NewAPIError("internal_error", "internal server error"))
	}
}
