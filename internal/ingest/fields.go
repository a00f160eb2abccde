package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlattenFields 将嵌套负载摊平为 field_path -> 叶子值
// 命名与映射的 field_path 约定一致：嵌套对象用点号（payload.temperature），
// 数组用下标（metrics[0].value）。标量叶子才参与映射解析。
func FlattenFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		flattenInto(out, k, v)
	}
	return out
}

func flattenInto(out map[string]interface{}, prefix string, v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for k, child := range node {
			flattenInto(out, prefix+"."+k, child)
		}
	case []interface{}:
		for i, child := range node {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		out[prefix] = v
	}
}

// CoerceNumeric 将原始字段值转为数值
// 接受数值、布尔（true=1/false=0）与数值字符串；其余返回 false。
func CoerceNumeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
