package tools

import (
	"fmt"
	"strconv"
	"strings"
)

func stringArg(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func numberArg(input map[string]any, key string) (float64, bool) {
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func nutrientMapArg(input map[string]any, key string) map[string]float64 {
	raw, ok := input[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k := range raw {
		if f, ok := numberArg(raw, k); ok {
			out[k] = f
		}
	}
	return out
}

func objectsArg(input map[string]any, key string) []map[string]any {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case map[string]any:
			out = append(out, v)
		case string:
			out = append(out, map[string]any{"food_name": v})
		}
	}
	return out
}
