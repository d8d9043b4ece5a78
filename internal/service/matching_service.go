package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/metrics"
	"consult-service/pkg/tracing"
	"consult-service/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const NotificationTypeInvitation = "consultation_invitation"

// MatchResult 一次匹配的结果
type MatchResult struct {
	SubmissionID string                        `json:"submission_id"`
	Surge        bool                          `json:"surge"`
	Invitations  []models.ConsultantInvitation `json:"invitations"`
}

// MatchSubmission invites the best ranked available consultants and moves the submission
// to matching. Consultants already invited for the submission are not invited again.
func (s *ConsultService) MatchSubmission(ctx context.Context, submissionID string) (*MatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ConsultService.MatchSubmission")
	start := time.Now()

	var sub models.ProblemSubmission
	if err := s.DB.WithContext(ctx).Where("id = ?", submissionID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = ErrSubmissionNotFound
		}
		tracing.EndSpan(span, err)
		return nil, err
	}
	if sub.Status != models.SubmissionStatusSubmitted && sub.Status != models.SubmissionStatusMatching {
		tracing.EndSpan(span, ErrSubmissionNotMatchable)
		return nil, ErrSubmissionNotMatchable
	}

	candidates, err := s.findCandidates(ctx, &sub)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	cfg := s.Config.Matching
	surge := sub.Urgency == UrgencyHigh || len(candidates) < cfg.SurgeThreshold
	multiplier := 1.0
	if surge && cfg.SurgeMultiplier > 0 {
		multiplier = cfg.SurgeMultiplier
	}

	now := s.Clock.Now()
	result := &MatchResult{SubmissionID: sub.ID, Surge: surge, Invitations: make([]models.ConsultantInvitation, 0, len(candidates))}
	for _, c := range candidates {
		result.Invitations = append(result.Invitations, models.ConsultantInvitation{
			ID:                  utils.GenerateID(),
			ProblemSubmissionID: sub.ID,
			ConsultantID:        c.ID,
			Status:              models.InvitationStatusPending,
			InvitedAt:           now,
			ExpiresAt:           now.Add(cfg.InvitationTTL),
			IsSurge:             surge,
			SurgeMultiplier:     multiplier,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ProblemSubmission{}).
			Where("id = ? AND status IN ?", sub.ID, []string{models.SubmissionStatusSubmitted, models.SubmissionStatusMatching}).
			Updates(map[string]interface{}{"status": models.SubmissionStatusMatching, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrSubmissionNotMatchable
		}
		if len(result.Invitations) > 0 {
			if err := tx.Create(&result.Invitations).Error; err != nil {
				return fmt.Errorf("create invitations: %w", err)
			}
		}
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}
		return s.RecordAudit(ctx, tx, AuditEntry{
			Action:      ActionSubmissionMatching,
			SubjectType: "problem_submission",
			SubjectID:   sub.ID,
			Before:      map[string]interface{}{"status": sub.Status},
			After: map[string]interface{}{
				"status":           models.SubmissionStatusMatching,
				"consultant_ids":   ids,
				"is_surge":         surge,
				"surge_multiplier": multiplier,
			},
		})
	})
	metrics.RecordBusinessOperation(ctx, "match_submission", err == nil, time.Since(start), errorType(err))
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	log := s.log(ctx).WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"invited":       len(result.Invitations),
		"surge":         surge,
	})
	if len(result.Invitations) == 0 {
		log.Warn("no consultant available for submission")
	} else {
		log.Info("consultants invited")
	}

	s.notifyInvited(ctx, &sub, candidates, result.Invitations)
	return result, nil
}

func (s *ConsultService) findCandidates(ctx context.Context, sub *models.ProblemSubmission) ([]models.Consultant, error) {
	alreadyInvited := s.DB.Model(&models.ConsultantInvitation{}).
		Select("consultant_id").
		Where("problem_submission_id = ?", sub.ID)

	q := s.DB.WithContext(ctx).
		Where("status = ? AND is_available = ?", "active", true).
		Where("user_id <> ?", sub.UserID).
		Where("id NOT IN (?)", alreadyInvited)
	if sub.Category != "" {
		q = q.Where("specialty = ?", sub.Category)
	}
	limit := s.Config.Matching.MaxCandidates
	if limit <= 0 {
		limit = 5
	}

	var candidates []models.Consultant
	if err := q.Order("acceptance_rate DESC, rating DESC").Limit(limit).Find(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}

func (s *ConsultService) notifyInvited(ctx context.Context, sub *models.ProblemSubmission, consultants []models.Consultant, invitations []models.ConsultantInvitation) {
	if s.Notifier == nil {
		return
	}
	for i, c := range consultants {
		inv := invitations[i]
		err := s.Notifier.Notify(ctx, NotificationMessage{
			UserID:  c.UserID,
			Type:    NotificationTypeInvitation,
			Title:   "New consultation invitation",
			Message: fmt.Sprintf("You were invited to help with %q.", sub.Title),
			Payload: map[string]interface{}{
				"invitation_id":    inv.ID,
				"problem_id":       sub.ID,
				"expires_at":       inv.ExpiresAt,
				"is_surge":         inv.IsSurge,
				"surge_multiplier": inv.SurgeMultiplier,
			},
		})
		if err != nil {
			s.log(ctx).WithField("invitation_id", inv.ID).WithError(err).Warn("invitation notification failed")
		}
	}
}
