package tasks

import (
	"context"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/logger"

	"gorm.io/gorm"
)

// RefreshConsultantStats recomputes answered invitation counts and acceptance rate per consultant.
// Pending invitations are not counted.
func RefreshConsultantStats(ctx context.Context, db *gorm.DB) (int, error) {
	var rows []struct {
		ConsultantID string
		Total        int
		Accepted     int
	}
	err := db.WithContext(ctx).Raw(`SELECT consultant_id AS consultant_id, COUNT(*) AS total,
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS accepted
		FROM consultant_invitations WHERE status <> ? GROUP BY consultant_id`,
		models.InvitationStatusAccepted, models.InvitationStatusPending).Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, r := range rows {
		rate := float64(0)
		if r.Total > 0 {
			rate = float64(r.Accepted) / float64(r.Total)
		}
		res := db.WithContext(ctx).Model(&models.Consultant{}).Where("id = ?", r.ConsultantID).Updates(map[string]interface{}{
			"invitations_total":    r.Total,
			"invitations_accepted": r.Accepted,
			"acceptance_rate":      rate,
		})
		if res.Error != nil {
			logger.GetLogger().WithField("consultant_id", r.ConsultantID).WithError(res.Error).Warn("consultant stats update failed")
			continue
		}
		updated += int(res.RowsAffected)
	}
	return updated, nil
}

func StartConsultantStatsRefresher(ctx context.Context, db *gorm.DB, interval time.Duration) {
	go func() {
		for {
			n, err := RefreshConsultantStats(ctx, db)
			if err != nil {
				logger.GetLogger().WithError(err).Warn("consultant stats refresh failed")
			} else {
				logger.GetLogger().WithField("consultants", n).Debug("consultant stats refreshed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}
