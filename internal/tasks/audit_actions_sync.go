package tasks

import (
	"context"
	"time"

	"consult-service/internal/models"
	"consult-service/internal/service"
	"consult-service/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncAuditActions 将审计动作目录与 audit_logs 中出现过的动作写入 audit_actions
func SyncAuditActions(ctx context.Context, db *gorm.DB) error {
	actions := make([]models.AuditAction, 0, len(service.AuditActionCatalogue))
	known := map[string]bool{}
	for _, a := range service.AuditActionCatalogue {
		actions = append(actions, a)
		known[a.ID] = true
	}

	var seen []string
	if err := db.WithContext(ctx).Model(&models.AuditLog{}).Distinct("action").Pluck("action", &seen).Error; err != nil {
		return err
	}
	for _, name := range seen {
		if name == "" || known[name] {
			continue
		}
		actions = append(actions, models.AuditAction{ID: name, Name: name, Category: "General"})
	}

	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&actions).Error
}

func StartAuditActionsSync(ctx context.Context, db *gorm.DB, interval time.Duration) {
	go func() {
		if err := SyncAuditActions(ctx, db); err != nil {
			logger.GetLogger().WithError(err).Warn("audit actions sync failed")
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := SyncAuditActions(ctx, db); err != nil {
					logger.GetLogger().WithError(err).Warn("audit actions sync failed")
				}
			}
		}
	}()
}
