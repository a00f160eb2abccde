package service

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/repository"
)

// appendAudit 追加一条审计行，old/new 为动作前后的对象快照
// 审计失败不阻断主流程，只记日志。
func appendAudit(ctx context.Context, audits repository.AuditRepository, logger *zap.Logger,
	tenantID, assetID, action string, oldObj, newObj interface{}, actorID string) {
	entry := &domain.AssetAuditEntry{
		TenantID: tenantID,
		AssetID:  assetID,
		Action:   action,
	}
	if oldObj != nil {
		if b, err := json.Marshal(oldObj); err == nil {
			entry.OldValue = b
		}
	}
	if newObj != nil {
		if b, err := json.Marshal(newObj); err == nil {
			entry.NewValue = b
		}
	}
	if actorID != "" {
		entry.ActorID = nullString(actorID)
	}
	if err := audits.Append(ctx, entry); err != nil {
		logger.Warn("failed to append audit entry",
			zap.String("action", action),
			zap.String("asset_id", assetID),
			zap.Error(err),
		)
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}
