package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/metrics"
	"consult-service/pkg/tracing"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExpiryResult 邀请过期步骤的计数
type ExpiryResult struct {
	Found   int `json:"found"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ExpireInvitations marks every pending invitation whose expires_at is before now as expired.
// A failing invitation is logged and does not stop the others.
func (s *ConsultService) ExpireInvitations(ctx context.Context) (*ExpiryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ConsultService.ExpireInvitations")
	defer span.End()

	log := s.log(ctx).WithField("step", "expire_invitations")
	now := s.Clock.Now()

	result := &ExpiryResult{}
	batch := s.Config.Sweep.BatchSize
	// failed rows stay pending; excluding them lets later batches reach the rest
	var failed []string

pages:
	for {
		invitations, err := s.dueInvitations(ctx, now, failed, batch)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("select expired invitations: %w", err)
		}
		result.Found += len(invitations)
		log.WithField("found", len(invitations)).Info("expired invitations found")

		for i := range invitations {
			inv := &invitations[i]
			if ctx.Err() != nil {
				log.WithError(ctx.Err()).Warn("expiry step interrupted, remaining invitations left for the next sweep")
				break pages
			}
			err := s.expireInvitation(ctx, inv, now)
			fields := logrus.Fields{
				"invitation_id": inv.ID,
				"submission_id": inv.ProblemSubmissionID,
				"consultant_id": inv.ConsultantID,
			}
			switch {
			case errors.Is(err, ErrInvitationNotPending):
				result.Skipped++
				metrics.RecordInvitationExpiry(ctx, metrics.ResultSkipped)
				log.WithFields(fields).Debug("invitation answered before expiry, skipped")
			case err != nil:
				result.Failed++
				failed = append(failed, inv.ID)
				metrics.RecordInvitationExpiry(ctx, metrics.ResultFailed)
				log.WithFields(fields).WithError(err).Error("failed to expire invitation")
			default:
				result.Expired++
				metrics.RecordInvitationExpiry(ctx, metrics.ResultSuccess)
				log.WithFields(fields).Info("invitation expired")
			}
		}

		if batch <= 0 || len(invitations) < batch {
			break
		}
	}

	return result, nil
}

// dueInvitations selects pending invitations past expiry, oldest first. limit <= 0 means all.
func (s *ConsultService) dueInvitations(ctx context.Context, now time.Time, exclude []string, limit int) ([]models.ConsultantInvitation, error) {
	var invitations []models.ConsultantInvitation
	q := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.InvitationStatusPending, now).
		Order("expires_at ASC, id ASC")
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&invitations).Error; err != nil {
		return nil, err
	}
	return invitations, nil
}

func (s *ConsultService) expireInvitation(ctx context.Context, inv *models.ConsultantInvitation, now time.Time) error {
	itemCtx, cancel := s.itemContext(ctx)
	defer cancel()

	return s.DB.WithContext(itemCtx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ConsultantInvitation{}).
			Where("id = ? AND status = ?", inv.ID, models.InvitationStatusPending).
			Updates(map[string]interface{}{
				"status":     models.InvitationStatusExpired,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInvitationNotPending
		}

		return s.RecordAudit(itemCtx, tx, AuditEntry{
			ActorType:   ActorSystem,
			Action:      ActionInvitationExpired,
			SubjectType: "consultant_invitation",
			SubjectID:   inv.ID,
			Before:      map[string]interface{}{"status": models.InvitationStatusPending, "expires_at": inv.ExpiresAt},
			After:       map[string]interface{}{"status": models.InvitationStatusExpired, "expired_at": now},
			Message:     fmt.Sprintf("invitation for submission %s expired", inv.ProblemSubmissionID),
		})
	})
}
