package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/tokenledger/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
)

type createAccountRequest struct {
	UserID string `json:"user_id"`
}

type recordUsageRequest struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
	Description string `json:"description"`
}

type addTokensRequest struct {
	Units             int64  `json:"units"`
	PriceCents        int64  `json:"price_cents"`
	ExternalReference string `json:"external_reference"`
	Description       string `json:"description"`
}

type activateSubscriptionRequest struct {
	Days int `json:"days"`
}

type accountResponse struct {
	*accountdomain.Account
	TrialRemaining int64 `json:"trial_remaining"`
}

func newAccountResponse(account *accountdomain.Account) accountResponse {
	return accountResponse{
		Account:        account,
		TrialRemaining: account.TrialRemaining(),
	}
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.ledgerSvc.CreateAccount(c.Request.Context(), req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newAccountResponse(account)})
}

func (s *Server) GetAccount(c *gin.Context) {
	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newAccountResponse(account)})
}

func (s *Server) DeleteAccount(c *gin.Context) {
	if err := s.ledgerSvc.DeleteAccount(c.Request.Context(), c.Param("user_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CheckAccess answers 200 for every decision. An unknown account is a
// decision here, not a missing resource.
func (s *Server) CheckAccess(c *gin.Context) {
	result, err := s.ledgerSvc.CheckAccess(c.Request.Context(), c.Param("user_id"))
	if err != nil && !errors.Is(err, ledgerdomain.ErrUnknownAccount) {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"result":  result,
		"allowed": result.Allowed(),
	}})
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entry, err := s.ledgerSvc.RecordUsage(c.Request.Context(), ledgerdomain.UsageRequest{
		UserID:      c.Param("user_id"),
		Provider:    strings.TrimSpace(req.Provider),
		Model:       strings.TrimSpace(req.Model),
		InputUnits:  req.InputUnits,
		OutputUnits: req.OutputUnits,
		Description: req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) AddTokens(c *gin.Context) {
	var req addTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.AddTokens(c.Request.Context(), ledgerdomain.PurchaseRequest{
		UserID:            c.Param("user_id"),
		Units:             req.Units,
		PriceCents:        req.PriceCents,
		ExternalReference: strings.TrimSpace(req.ExternalReference),
		Description:       req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"applied": result.Applied}
	if result.Applied {
		resp["entry_id"] = result.EntryID.String()
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ActivateSubscription(c *gin.Context) {
	var req activateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	paidUntil, err := s.ledgerSvc.ActivateSubscription(c.Request.Context(), c.Param("user_id"), req.Days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"paid_until": paidUntil.UTC().Format(time.RFC3339),
	}})
}

func (s *Server) GetSummary(c *gin.Context) {
	summary, err := s.ledgerSvc.Summary(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListEntries(c *gin.Context) {
	var query struct {
		Filter    string `form:"filter"`
		PageToken string `form:"page_token"`
		PageSize  string `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	pageSize, err := parseOptionalInt64(query.PageSize)
	if err != nil || (pageSize != nil && *pageSize < 0) {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	req := ledgerdomain.ListEntriesRequest{
		UserID:    c.Param("user_id"),
		Filter:    ledgerdomain.EntryFilter(strings.ToLower(strings.TrimSpace(query.Filter))),
		PageToken: strings.TrimSpace(query.PageToken),
	}
	if pageSize != nil {
		req.PageSize = int(*pageSize)
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
