package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/marketloop/offer-service/internal/repo"
	"github.com/marketloop/offer-service/internal/service"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *service.OfferService) {
	v1 := r.Group("/v1", IdentityMiddleware())
	{
		v1.POST("/offers", proposeHandler(svc))
		v1.POST("/offers/:id/counter", counterHandler(svc))
		v1.POST("/offers/:id/accept", actionHandler(svc, service.ActionAccept))
		v1.POST("/offers/:id/reject", actionHandler(svc, service.ActionReject))
		v1.POST("/offers/:id/cancel", actionHandler(svc, service.ActionCancel))
		v1.GET("/offers/:id", getHandler(svc))
		v1.GET("/offers/:id/history", historyHandler(svc))
		v1.GET("/offers", listHandler(svc))
	}
}

// errStatus maps the engine taxonomy onto HTTP codes. A version conflict is
// 409 so clients know to refresh and retry.
func errStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrDuplicateOffer):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type proposeReq struct {
	ListingID string `json:"listing_id" binding:"required"`
	SellerID  string `json:"seller_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Currency  string `json:"currency"`
}

func proposeHandler(svc *service.OfferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req proposeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		o, err := svc.Propose(c, req.ListingID, identity(c), req.SellerID, req.Currency, amt)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, o)
	}
}

type counterReq struct {
	Amount          string `json:"amount" binding:"required"`
	ExpectedVersion uint64 `json:"expected_version" binding:"required"`
}

func counterHandler(svc *service.OfferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req counterReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		o, err := svc.Apply(c, c.Param("id"), service.ActionCounter, identity(c), amt, req.ExpectedVersion)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

type actionReq struct {
	ExpectedVersion uint64 `json:"expected_version" binding:"required"`
}

func actionHandler(svc *service.OfferService, action service.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req actionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o, err := svc.Apply(c, c.Param("id"), action, identity(c), decimal.Zero, req.ExpectedVersion)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func getHandler(svc *service.OfferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c, c.Param("id"))
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func historyHandler(svc *service.OfferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.History(c, c.Param("id"))
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func listHandler(svc *service.OfferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.DefaultQuery("role", "buyer")
		if role != "buyer" && role != "seller" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be buyer or seller"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offers, err := svc.List(c, role, identity(c), limit)
		if err != nil {
			c.JSON(errStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, offers)
	}
}
