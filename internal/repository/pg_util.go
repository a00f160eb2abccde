package repository

import (
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// isUniqueViolation 判断是否为唯一约束冲突（SQLSTATE 23505）
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// isForeignKeyViolation 判断是否为外键约束冲突（SQLSTATE 23503）
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

// uniqueConstraintName 返回触发唯一冲突的约束名，便于区分错误语义
func uniqueConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint
	}
	return ""
}

// marshalMeta 序列化JSONB元数据，nil写为空对象
func marshalMeta(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// unmarshalMeta 反序列化JSONB元数据，空值返回nil
func unmarshalMeta(b []byte) map[string]interface{} {
	if len(b) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
