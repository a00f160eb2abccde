package transform

import (
	"encoding/json"
	"fmt"
	"sync"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Engine CEL表达式引擎
// 映射的 transform_expression 与聚合配置的 filter_expression 共用同一环境：
//   - value: 当前数据点原始值 (dyn，换算表达式负责转成数值)
//   - fields: 信封完整负载 (map)
//   - device_id: 来源设备 (string)
//   - metric: 指标名 (string)
// 表达式按文本缓存编译结果，同一表达式只编译一次。
type Engine struct {
	env *celgo.Env

	mu       sync.RWMutex
	programs map[string]celgo.Program
}

// NewEngine 创建表达式引擎
func NewEngine() (*Engine, error) {
	env, err := celgo.NewEnv(
		celgo.Variable("value", celgo.DynType),
		celgo.Variable("fields", celgo.DynType),
		celgo.Variable("device_id", celgo.StringType),
		celgo.Variable("metric", celgo.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{
		env:      env,
		programs: make(map[string]celgo.Program),
	}, nil
}

// Check 校验表达式能否编译（配置写入时调用，拒绝非法表达式）
func (e *Engine) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Transform 对数据点原始值求值换算表达式，结果必须可转为数值
func (e *Engine) Transform(expr string, value interface{}, fields map[string]interface{}, deviceID, metric string) (float64, error) {
	out, err := e.eval(expr, value, fields, deviceID, metric)
	if err != nil {
		return 0, err
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("cel: expression %q did not evaluate to a number (got %T)", expr, out)
}

// EvalFilter 对数据点求值过滤表达式，结果必须为布尔
// 求值失败视为不通过（fail-closed），由调用方决定记录方式。
func (e *Engine) EvalFilter(expr string, value interface{}, fields map[string]interface{}, deviceID, metric string) (bool, error) {
	out, err := e.eval(expr, value, fields, deviceID, metric)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("cel: expression %q did not evaluate to bool (got %T)", expr, out)
}

func (e *Engine) eval(expr string, value interface{}, fields map[string]interface{}, deviceID, metric string) (interface{}, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"value":     normalizeValue(value),
		"fields":    fields,
		"device_id": deviceID,
		"metric":    metric,
	})
	if err != nil {
		return nil, fmt.Errorf("cel eval error: %w", err)
	}

	return unwrapCELValue(out), nil
}

// normalizeValue 数值型原始值统一为 double；CEL 不做 int/double 混排运算，
// 统一后表达式里的算术可以直接写浮点常量。非数值原样传入。
func normalizeValue(v interface{}) interface{} {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

// program 返回表达式的编译结果，缓存未命中时 Parse→Check→Program
func (e *Engine) program(expr string) (celgo.Program, error) {
	if expr == "" {
		return nil, fmt.Errorf("cel: expression is empty")
	}

	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel parse error: %w", issues.Err())
	}

	ast, issues = e.env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel type-check error: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program build error: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

// unwrapCELValue 将CEL求值结果解包为Go原生值
func unwrapCELValue(v interface{}) interface{} {
	if rv, ok := v.(ref.Val); ok {
		if b, ok := rv.(types.Bool); ok {
			return bool(b)
		}
		return rv.Value()
	}
	return v
}
