package service

import (
	"context"
	"errors"
	"fmt"

	"consult-service/internal/models"
	"consult-service/pkg/tracing"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const NotificationTypeConsultantAccepted = "consultant_accepted"

// RespondToInvitation accepts or declines a pending invitation owned by the consultant.
func (s *ConsultService) RespondToInvitation(ctx context.Context, consultantID, invitationID string, accept bool) (*models.ConsultantInvitation, error) {
	ctx, span := tracing.StartSpan(ctx, "ConsultService.RespondToInvitation")

	var inv models.ConsultantInvitation
	if err := s.DB.WithContext(ctx).Where("id = ?", invitationID).First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = ErrInvitationNotFound
		}
		tracing.EndSpan(span, err)
		return nil, err
	}
	if inv.ConsultantID != consultantID {
		tracing.EndSpan(span, ErrInvitationNotFound)
		return nil, ErrInvitationNotFound
	}
	if inv.Status != models.InvitationStatusPending {
		tracing.EndSpan(span, ErrInvitationNotPending)
		return nil, ErrInvitationNotPending
	}

	now := s.Clock.Now()
	// same boundary as the sweep: expired once expires_at < now
	if inv.ExpiresAt.Before(now) {
		tracing.EndSpan(span, ErrInvitationExpired)
		return nil, ErrInvitationExpired
	}

	status, action := models.InvitationStatusDeclined, ActionInvitationDeclined
	if accept {
		status, action = models.InvitationStatusAccepted, ActionInvitationAccepted
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ConsultantInvitation{}).
			Where("id = ? AND status = ?", inv.ID, models.InvitationStatusPending).
			Updates(map[string]interface{}{"status": status, "responded_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInvitationNotPending
		}

		if accept {
			res = tx.Model(&models.ProblemSubmission{}).
				Where("id = ? AND status = ?", inv.ProblemSubmissionID, models.SubmissionStatusMatching).
				Updates(map[string]interface{}{
					"status":                models.SubmissionStatusMatched,
					"matched_consultant_id": consultantID,
					"matched_at":            now,
					"updated_at":            now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return ErrSubmissionNotMatching
			}
		}

		return s.RecordAudit(ctx, tx, AuditEntry{
			ActorType:   ActorConsultant,
			ActorID:     consultantID,
			Action:      action,
			SubjectType: "consultant_invitation",
			SubjectID:   inv.ID,
			Before:      map[string]interface{}{"status": models.InvitationStatusPending},
			After:       map[string]interface{}{"status": status, "problem_id": inv.ProblemSubmissionID},
		})
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	inv.Status = status
	inv.RespondedAt = &now
	s.log(ctx).WithFields(logrus.Fields{
		"invitation_id": inv.ID,
		"submission_id": inv.ProblemSubmissionID,
		"status":        status,
	}).Info("invitation answered")

	if accept {
		s.notifyAccepted(ctx, &inv)
	}
	return &inv, nil
}

func (s *ConsultService) notifyAccepted(ctx context.Context, inv *models.ConsultantInvitation) {
	if s.Notifier == nil {
		return
	}
	var sub models.ProblemSubmission
	if err := s.DB.WithContext(ctx).Where("id = ?", inv.ProblemSubmissionID).First(&sub).Error; err != nil {
		s.log(ctx).WithError(err).Warn("load submission for acceptance notification")
		return
	}
	err := s.Notifier.Notify(ctx, NotificationMessage{
		UserID:  sub.UserID,
		Type:    NotificationTypeConsultantAccepted,
		Title:   "A consultant accepted your problem",
		Message: fmt.Sprintf("A consultant accepted %q.", sub.Title),
		Payload: map[string]interface{}{
			"problem_id":    sub.ID,
			"consultant_id": inv.ConsultantID,
			"invitation_id": inv.ID,
		},
	})
	if err != nil {
		s.log(ctx).WithField("submission_id", sub.ID).WithError(err).Warn("acceptance notification failed")
	}
}

// ListConsultantInvitations 顾问的邀请列表，status 为空时返回全部
func (s *ConsultService) ListConsultantInvitations(ctx context.Context, consultantID, status string) ([]models.ConsultantInvitation, error) {
	q := s.DB.WithContext(ctx).Where("consultant_id = ?", consultantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var invitations []models.ConsultantInvitation
	if err := q.Order("invited_at DESC").Find(&invitations).Error; err != nil {
		return nil, err
	}
	return invitations, nil
}
