package api

import (
	"net/http"
	"time"

	"binance-perp-guard-go/internal/reporter"

	"github.com/gin-gonic/gin"
)

type latestQuery struct {
	Limit int `form:"limit,default=1" binding:"gte=1,lte=300"`
}

type tradesQuery struct {
	Limit int `form:"limit,default=50" binding:"gte=1,lte=500"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// handleLatest 返回最近 limit 次决策请求和响应，新的在前
func (s *Server) handleLatest(c *gin.Context) {
	var q latestQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := s.store.ListOracleRecords(c.Request.Context(), q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	requests := make([]gin.H, 0, len(records))
	responses := make([]gin.H, 0, len(records))
	for _, rec := range records {
		requests = append(requests, gin.H{
			"id":        rec.ID,
			"timestamp": rec.Timestamp,
			"pass_kind": rec.PassKind,
			"request":   rec.Request,
		})
		responses = append(responses, gin.H{
			"id":            rec.ID,
			"timestamp":     rec.Timestamp,
			"status_code":   rec.StatusCode,
			"cost_ms":       rec.CostMs,
			"response_raw":  rec.RawReply,
			"response_json": rec.Decisions,
			"error":         rec.Error,
		})
	}
	c.JSON(http.StatusOK, gin.H{"request": requests, "response": responses})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	records, err := s.store.ListOracleRecords(ctx, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.store.ListTrades(ctx, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"oracle":       reporter.ComputeOracleStats(records),
		"total_trades": len(trades),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	var q tradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.store.ListTrades(c.Request.Context(), q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "data": trades})
}

func (s *Server) handleMonitored(c *gin.Context) {
	ctx := c.Request.Context()
	monitored, err := s.store.LoadMonitored(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	anomaly, err := s.store.LoadAnomalySymbols(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if monitored == nil {
		monitored = []string{}
	}
	if anomaly == nil {
		anomaly = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"monitored": monitored, "anomaly": anomaly})
}
