package oracle

import (
	"regexp"
	"strings"

	"binance-perp-guard-go/internal/models"

	json "github.com/goccy/go-json"
	"github.com/spf13/cast"
)

var (
	decisionBlock = regexp.MustCompile(`(?is)<decision>(.*?)</decision>`)
	flatObject    = regexp.MustCompile(`(?s)\{[^{}]*\}`)
)

// ParseDecisions 从模型回复中提取决策，依次尝试:
// <decision> 标签内的 JSON 数组 → 整段内容作为 JSON 数组 → 所有含 action 字段的扁平 {...} 对象。
// 没有可用决策时返回 nil。
func ParseDecisions(content string) []models.Decision {
	if m := decisionBlock.FindStringSubmatch(content); m != nil {
		if raw, ok := parseArray(strings.TrimSpace(m[1])); ok && len(raw) > 0 {
			return toDecisions(raw)
		}
	}
	if raw, ok := parseArray(strings.TrimSpace(content)); ok {
		return toDecisions(raw)
	}

	var raw []map[string]interface{}
	for _, m := range flatObject.FindAllString(content, -1) {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(m), &obj); err != nil {
			continue
		}
		raw = append(raw, obj)
	}
	return toDecisions(raw)
}

func parseArray(s string) ([]map[string]interface{}, bool) {
	var items []interface{}
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, false
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		if obj, ok := it.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out, true
}

func toDecisions(raw []map[string]interface{}) []models.Decision {
	var out []models.Decision
	for _, obj := range raw {
		if _, ok := obj["action"]; !ok {
			continue
		}
		d, ok := toDecision(obj)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

// toDecision 宽松解析单条决策：数字可以是字符串，0 视为未给出
func toDecision(obj map[string]interface{}) (models.Decision, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(cast.ToString(obj["symbol"])))
	if symbol == "" {
		return models.Decision{}, false
	}
	action, _ := models.ParseAction(cast.ToString(obj["action"]))
	return models.Decision{
		Symbol:       symbol,
		Action:       action,
		StopLoss:     positive(obj, "stop_loss"),
		TakeProfit:   positive(obj, "take_profit"),
		PositionSize: positive(obj, "position_size", "order_value", "amount"),
		Quantity:     positive(obj, "quantity"),
		Reason:       cast.ToString(obj["reason"]),
	}, true
}

func positive(obj map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		f, err := cast.ToFloat64E(v)
		if err != nil || f <= 0 {
			continue
		}
		return &f
	}
	return nil
}
