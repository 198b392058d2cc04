package oracle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"binance-perp-guard-go/internal/metrics"
	"binance-perp-guard-go/internal/models"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Oracle 是外部决策服务。没有决策时返回 nil 和 nil 错误。
type Oracle interface {
	Decide(ctx context.Context, snap *models.MarketSnapshot) ([]models.Decision, error)
}

// History 保存每次调用的请求和响应，由 persistence.Store 实现
type History interface {
	AppendOracleRecord(ctx context.Context, rec models.OracleRecord) error
}

// Client 调用 OpenAI 兼容的 /chat/completions 接口
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
	httpClient   *http.Client
	history      History
	logger       *zap.Logger
	now          func() time.Time
}

// NewClient 按配置创建决策服务客户端
func NewClient(cfg models.OracleConfig, history History, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: loadSystemPrompt(cfg.PromptFile),
		httpClient:   &http.Client{Timeout: timeout},
		history:      history,
		logger:       logger,
		now:          time.Now,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Decide 发送快照并解析决策。不做自动重试：失败的一轮直接视为没有信号。
func (c *Client) Decide(ctx context.Context, snap *models.MarketSnapshot) ([]models.Decision, error) {
	prompt := FormatSnapshot(snap)
	rec := models.OracleRecord{
		ID:        uuid.New().String(),
		Timestamp: c.now(),
		PassKind:  string(snap.Kind),
		Request:   prompt,
	}

	start := time.Now()
	decisions, err := c.call(ctx, prompt, &rec)
	rec.CostMs = time.Since(start).Milliseconds()
	metrics.ObserveOracleLatency(time.Since(start).Seconds())
	if err != nil {
		rec.Error = err.Error()
	}
	rec.Decisions = decisions
	c.saveHistory(ctx, rec)

	if err != nil {
		return nil, err
	}
	c.logger.Info("决策服务已返回",
		zap.String("kind", string(snap.Kind)),
		zap.Int("decisions", len(decisions)),
		zap.Int64("cost_ms", rec.CostMs))
	if len(decisions) == 0 {
		return nil, nil
	}
	return decisions, nil
}

func (c *Client) call(ctx context.Context, prompt string, rec *models.OracleRecord) ([]models.Decision, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用决策服务失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	rec.StatusCode = resp.StatusCode
	rec.RawReply = string(raw)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("决策服务返回错误 (status %d): %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("决策服务没有返回任何内容")
	}
	return ParseDecisions(parsed.Choices[0].Message.Content), nil
}

func (c *Client) saveHistory(ctx context.Context, rec models.OracleRecord) {
	if c.history == nil {
		return
	}
	// 调用方的 ctx 可能已超时，历史记录单独给一个短超时
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.history.AppendOracleRecord(saveCtx, rec); err != nil {
		c.logger.Warn("保存决策历史失败", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
