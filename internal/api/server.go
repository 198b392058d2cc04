package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"binance-perp-guard-go/internal/metrics"
	"binance-perp-guard-go/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Store 是历史接口需要的只读存储能力，由 persistence.Store 实现
type Store interface {
	ListTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
	ListOracleRecords(ctx context.Context, limit int) ([]models.OracleRecord, error)
	LoadMonitored(ctx context.Context) ([]string, error)
	LoadAnomalySymbols(ctx context.Context) ([]string, error)
}

// Server 提供决策历史、交易日志、监控集合和运行指标的只读 HTTP 接口
type Server struct {
	router *gin.Engine
	store  Store
	addr   string
	logger *zap.Logger
}

// NewServer 创建 HTTP 服务并注册路由
func NewServer(addr string, store Store, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{router: router, store: store, addr: addr, logger: logger}
	router.Use(gin.Recovery(), s.requestLogger)
	s.setupRoutes()
	return s
}

// Handler 暴露路由，便于测试
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/latest", s.handleLatest)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/trades", s.handleTrades)
	s.router.GET("/monitored", s.handleMonitored)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// Run 监听直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("历史接口已启动", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("cost", time.Since(start)))
}
