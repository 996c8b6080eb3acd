package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// SearchHandlers is the thin request layer in front of the retrieval core.
// Validation and auth live here; the core assumes normalised inputs.
type SearchHandlers struct {
	search services.SearchService
	answer services.AnswerEngine
}

func NewSearchHandlers(search services.SearchService, answer services.AnswerEngine) *SearchHandlers {
	return &SearchHandlers{search: search, answer: answer}
}

func userIDFromContext(c *gin.Context) (string, bool) {
	raw, exists := c.Get("user_id")
	if !exists {
		return "", false
	}
	userID, ok := raw.(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// Search handles POST /api/v1/search.
func (h *SearchHandlers) Search(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context required"})
		return
	}

	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if req.Limit < 1 {
		req.Limit = 20
	}
	if req.Limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}
	if req.Offset < 0 || req.Offset > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be between 0 and 10000"})
		return
	}
	if req.VisibilityScope != "" && req.VisibilityScope != "default" && req.VisibilityScope != "all" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visibility_scope must be 'default' or 'all'"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	resp, err := h.search.Search(c.Request.Context(), req, userID)
	if err != nil {
		log.Printf("Search request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Search failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GenerateAnswer handles POST /api/v1/answer.
func (h *SearchHandlers) GenerateAnswer(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context required"})
		return
	}

	var req models.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	switch req.ScopeMode {
	case "", models.ScopeAuto, models.ScopeBookFirst, models.ScopeHighlightFirst, models.ScopeGlobal:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scope_mode"})
		return
	}
	switch req.CompareMode {
	case "", models.CompareExplicitOnly, models.CompareAuto:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid compare_mode"})
		return
	}
	if req.VisibilityScope != "" && req.VisibilityScope != "default" && req.VisibilityScope != "all" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visibility_scope must be 'default' or 'all'"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	resp, err := h.answer.GenerateAnswer(c.Request.Context(), req, userID)
	if err != nil {
		log.Printf("Answer request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Answer generation failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
