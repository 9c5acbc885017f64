package decision

import (
	"encoding/json"
	"strings"

	xerrors "ForgeOS-Agent/internal/errors"
)

var (
	// ErrInvalidPayload 表示引擎返回的内容无法解析为决策对象。
	ErrInvalidPayload = xerrors.New(xerrors.CodeDecisionFailure, "decision response was not valid JSON")
	// ErrInvalidFormat 表示响应既不是对象也不包含 decision 字段。
	ErrInvalidFormat = xerrors.New(xerrors.CodeDecisionFailure, "invalid decision format")
)

// engineError is reported by the endpoint inside a 2xx body. It is not
// eligible for the fallback policy.
type engineError struct {
	message string
}

func (e *engineError) Error() string { return e.message }

// extract 从引擎响应中取出决策对象：先检查 error.message，
// 再尝试 Anthropic 的 content 数组，最后是 decision 字段或响应本身。
func extract(payload any) (map[string]any, error) {
	obj, isObject := payload.(map[string]any)
	if isObject {
		if errObj, ok := obj["error"].(map[string]any); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return nil, &engineError{message: msg}
			}
		}

		if blocks, ok := obj["content"].([]any); ok {
			var sb strings.Builder
			for _, block := range blocks {
				if b, ok := block.(map[string]any); ok {
					if t, ok := b["text"].(string); ok {
						sb.WriteString(t)
					}
				}
			}
			return parseText(sb.String())
		}

		if inner, ok := obj["decision"].(map[string]any); ok {
			return inner, nil
		}
		return obj, nil
	}
	return nil, ErrInvalidFormat
}

func parseText(raw string) (map[string]any, error) {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, "```", ""))
	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil || out == nil {
		return nil, ErrInvalidPayload
	}
	return out, nil
}
