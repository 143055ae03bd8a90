package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/stats"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const callerContextKey = "recipestats_caller"

var (
	errMissingChangeHandler  = errors.New("change handler dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecipeStore    = errors.New("recipe store dependency required")
	errMissingReviewStore    = errors.New("review store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// ChangeHandler recomputes statistics for one review change.
type ChangeHandler interface {
	HandleChange(ctx context.Context, event changes.ChangeEvent) (stats.ChangeResult, error)
}

// TokenValidator validates bearer tokens and returns the caller subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RecipeStore reads and writes recipe documents.
type RecipeStore interface {
	PutRecipe(ctx context.Context, recipeID recipes.RecipeID, fields map[string]any) (recipes.Recipe, error)
	GetRecipe(ctx context.Context, recipeID recipes.RecipeID) (recipes.Recipe, error)
}

// ReviewStore writes review documents and records their change events.
type ReviewStore interface {
	PutReview(ctx context.Context, reviewID reviews.ReviewID, document changes.Snapshot) (changes.ChangeEvent, error)
	DeleteReview(ctx context.Context, reviewID reviews.ReviewID) (changes.ChangeEvent, bool, error)
	ListReviews(ctx context.Context, recipeID string) ([]reviews.Review, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	ChangeHandler  ChangeHandler
	TokenValidator TokenValidator
	Recipes        RecipeStore
	Reviews        ReviewStore
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving triggers, store writes, health and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.ChangeHandler == nil {
		return nil, errMissingChangeHandler
	}
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Recipes == nil {
		return nil, errMissingRecipeStore
	}
	if deps.Reviews == nil {
		return nil, errMissingReviewStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		changes: deps.ChangeHandler,
		tokens:  deps.TokenValidator,
		recipes: deps.Recipes,
		reviews: deps.Reviews,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/triggers/reviews/:reviewId", handler.handleReviewTrigger)
	protected.PUT("/reviews/:reviewId", handler.handlePutReview)
	protected.DELETE("/reviews/:reviewId", handler.handleDeleteReview)
	protected.GET("/reviews", handler.handleListReviews)
	protected.PUT("/recipes/:recipeId", handler.handlePutRecipe)
	protected.GET("/recipes/:recipeId", handler.handleGetRecipe)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	changes ChangeHandler
	tokens  TokenValidator
	recipes RecipeStore
	reviews ReviewStore
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type triggerRequestPayload struct {
	ChangeID string           `json:"change_id"`
	Before   changes.Snapshot `json:"before"`
	After    changes.Snapshot `json:"after"`
}

func (h *httpHandler) handleReviewTrigger(c *gin.Context) {
	reviewID, err := reviews.NewReviewID(c.Param("reviewId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_review_id"})
		return
	}

	var request triggerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event := changes.ChangeEvent{
		ChangeID:   strings.TrimSpace(request.ChangeID),
		Collection: changes.CollectionReviews,
		ReviewID:   reviewID.String(),
		Before:     request.Before,
		After:      request.After,
		OccurredAt: time.Now().UTC(),
	}

	result, err := h.changes.HandleChange(c.Request.Context(), event)
	if err != nil {
		h.respondServiceError(c, "recompute_failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePutReview(c *gin.Context) {
	reviewID, err := reviews.NewReviewID(c.Param("reviewId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_review_id"})
		return
	}
	var document changes.Snapshot
	if err := c.ShouldBindJSON(&document); err != nil || document == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event, err := h.reviews.PutReview(c.Request.Context(), reviewID, document)
	if err != nil {
		h.respondServiceError(c, "review_write_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"change_id": event.ChangeID,
		"kind":      event.Kind(),
		"review":    event.After,
	})
}

func (h *httpHandler) handleDeleteReview(c *gin.Context) {
	reviewID, err := reviews.NewReviewID(c.Param("reviewId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_review_id"})
		return
	}

	event, deleted, err := h.reviews.DeleteReview(c.Request.Context(), reviewID)
	if err != nil {
		h.respondServiceError(c, "review_delete_failed", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "review_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"change_id": event.ChangeID,
		"kind":      event.Kind(),
	})
}

type reviewPayload struct {
	ReviewID string           `json:"review_id"`
	Document changes.Snapshot `json:"document"`
}

func (h *httpHandler) handleListReviews(c *gin.Context) {
	recipeID := strings.TrimSpace(c.Query("recipeId"))
	if recipeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipe_id"})
		return
	}

	records, err := h.reviews.ListReviews(c.Request.Context(), recipeID)
	if err != nil {
		h.respondServiceError(c, "review_list_failed", err)
		return
	}
	payload := make([]reviewPayload, 0, len(records))
	for _, record := range records {
		document, err := record.Document()
		if err != nil {
			h.logger.Warn("skipping undecodable review", zap.String("review_id", record.ReviewID), zap.Error(err))
			continue
		}
		payload = append(payload, reviewPayload{ReviewID: record.ReviewID, Document: document})
	}
	c.JSON(http.StatusOK, gin.H{"reviews": payload})
}

func (h *httpHandler) handlePutRecipe(c *gin.Context) {
	recipeID, err := recipes.NewRecipeID(c.Param("recipeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipe_id"})
		return
	}
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.recipes.PutRecipe(c.Request.Context(), recipeID, fields)
	if err != nil {
		h.respondServiceError(c, "recipe_write_failed", err)
		return
	}
	h.respondRecipe(c, stored)
}

func (h *httpHandler) handleGetRecipe(c *gin.Context) {
	recipeID, err := recipes.NewRecipeID(c.Param("recipeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipe_id"})
		return
	}

	stored, err := h.recipes.GetRecipe(c.Request.Context(), recipeID)
	if errors.Is(err, recipes.ErrRecipeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "recipe_not_found"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "recipe_read_failed", err)
		return
	}
	h.respondRecipe(c, stored)
}

func (h *httpHandler) respondRecipe(c *gin.Context, stored recipes.Recipe) {
	document, err := stored.Document()
	if err != nil {
		h.respondServiceError(c, "recipe_decode_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipe_id": stored.RecipeID, "recipe": document})
}

func (h *httpHandler) respondServiceError(c *gin.Context, label string, err error) {
	h.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("error_label", label),
		zap.Error(err))
	payload := gin.H{"error": label}
	if code := serviceerr.CodeOf(err); code != "" {
		payload["code"] = code
	}
	c.JSON(http.StatusInternalServerError, payload)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerContextKey, subject)
	c.Next()
}
