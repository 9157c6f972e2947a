package billing

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"chorus_back/authorization"

	"github.com/gin-gonic/gin"
)

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Module exposes the usage ledger and pricing correction endpoints.
type Module struct {
	ledger *Ledger
}

// RegisterRoutes opens the database, migrates the usage ledger, and mounts
// the billing endpoints under /billing. Corrections are restricted to admins.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, err
	}

	module := &Module{ledger: NewLedger(db, LoadPriceTableFromEnv())}

	group := router.Group("/billing")
	group.Use(guard.RequireAuthenticated())
	group.GET("/usage", module.handleUsage)
	group.POST("/corrections", guard.RequireRole("admin"), module.handleCorrection)

	return module, nil
}

// Ledger returns the shared usage ledger.
func (m *Module) Ledger() *Ledger {
	return m.ledger
}

func (m *Module) handleUsage(c *gin.Context) {
	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	fromDay, ok := dayParam(c, "from")
	if !ok {
		return
	}
	toDay, ok := dayParam(c, "to")
	if !ok {
		return
	}

	records, err := m.ledger.UserRecords(c.Request.Context(), uint64(userID), fromDay, toDay)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage records"})
		return
	}

	var totalCost float64
	var totalInput, totalOutput int64
	for _, record := range records {
		totalCost += record.Cost
		totalInput += record.InputTokens
		totalOutput += record.OutputTokens
	}

	c.JSON(http.StatusOK, gin.H{
		"records":             records,
		"total_cost":          totalCost,
		"total_input_tokens":  totalInput,
		"total_output_tokens": totalOutput,
	})
}

type correctionRequest struct {
	Model  string      `json:"model" binding:"required"`
	Price  *ModelPrice `json:"price" binding:"required"`
	DryRun bool        `json:"dry_run"`
}

// handleCorrection recomputes stored costs for one model after a pricing
// entry turns out to be wrong. A dry run reports the delta without writing.
func (m *Module) handleCorrection(c *gin.Context) {
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and price are required"})
		return
	}
	if req.Price.Input < 0 || req.Price.Output < 0 || req.Price.Cached < 0 || req.Price.Reasoning < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price rates must not be negative"})
		return
	}

	report, err := m.ledger.CorrectPricing(c.Request.Context(), strings.TrimSpace(req.Model), *req.Price, req.DryRun)
	if err != nil {
		if errors.Is(err, ErrUnknownModel) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no usage records for model"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pricing correction failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func dayParam(c *gin.Context, name string) (string, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return "", true
	}
	if !dayPattern.MatchString(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be formatted as YYYY-MM-DD"})
		return "", false
	}
	return raw, true
}
