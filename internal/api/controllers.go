package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"batchtrader/internal/engine"
	"batchtrader/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

func (s *Server) getSessionStatus(c *gin.Context) {
	status := gin.H{
		"mode":        s.Meta.Mode,
		"instruments": s.Meta.Instruments,
		"interval":    s.Meta.Interval.String(),
		"version":     s.Meta.Version,
	}
	if s.Stream != nil {
		status["stream_state"] = s.Stream.State().String()
		status["initialized"] = s.Stream.Initialized()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "METRICS_UNAVAILABLE",
			"error": "metrics not enabled",
		})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getAssets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"assets": s.Engine.Assets()})
}

func (s *Server) getWallet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"balance": s.Wallet.Balance(),
		"assets":  s.Wallet.AllStats(),
	})
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "JOURNAL_UNAVAILABLE",
			"error": "trade journal not enabled",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	instrument := strings.TrimSpace(c.Query("instrument"))

	trades, err := s.Journal.Recent(c.Request.Context(), instrument, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

type manualOrderRequest struct {
	Instrument string  `json:"instrument"`
	Amount     float64 `json:"amount"`
}

func (s *Server) manualBuy(c *gin.Context) {
	var req manualOrderRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_INSTRUMENT",
			"error": "instrument is required",
		})
		return
	}

	if err := s.Engine.ManualBuy(c.Request.Context(), req.Instrument, req.Amount); err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "bought", "instrument": req.Instrument})
}

func (s *Server) manualSell(c *gin.Context) {
	var req manualOrderRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.Instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_INSTRUMENT",
			"error": "instrument is required",
		})
		return
	}

	// Amount 0 liquidates all open batches for the instrument.
	if err := s.Engine.ManualSell(c.Request.Context(), req.Instrument, req.Amount); err != nil {
		s.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sold", "instrument": req.Instrument})
}

func (s *Server) resetSession(c *gin.Context) {
	if err := s.Engine.Reset(); err != nil {
		if errors.Is(err, engine.ErrOpenPositionsLive) {
			c.JSON(http.StatusConflict, gin.H{
				"code":  "OPEN_POSITIONS_LIVE",
				"error": "close live positions manually before resetting",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// orderError maps execution errors to HTTP status codes.
func (s *Server) orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrBelowMinimum):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "BELOW_MINIMUM",
			"error": err.Error(),
		})
	case errors.Is(err, common.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "ORDER_REJECTED",
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
	}
}
